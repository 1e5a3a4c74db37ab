package main

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"refsafe/internal/driver"
	"refsafe/internal/ui"
)

type verifyOutcome struct {
	results []*driver.ModuleResult
	err     error
}

// runVerifyWithUI runs driver.VerifyFiles in the background while a
// progress view consumes its events.
func runVerifyWithUI(ctx context.Context, title string, files []string, opts driver.Options) ([]*driver.ModuleResult, error) {
	events := make(chan driver.Event, 256)
	outcomeCh := make(chan verifyOutcome, 1)

	go func() {
		opts.Sink = driver.ChannelSink{Ch: events}
		res, err := driver.VerifyFiles(ctx, files, opts)
		outcomeCh <- verifyOutcome{results: res, err: err}
		close(events)
	}()

	program := tea.NewProgram(ui.NewProgressModel(title, files, events), tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()
	// The view may quit early (ctrl+c); keep the producer from blocking.
	go func() {
		for range events {
		}
	}()
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.results, uiErr
	}
	return outcome.results, outcome.err
}
