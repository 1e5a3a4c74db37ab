package main

import (
	"fmt"
	"os"
	"strings"
)

type uiMode uint8

const (
	uiAuto uiMode = iota
	uiOn
	uiOff
)

func parseUIMode(value string) (uiMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		return uiAuto, nil
	case "on":
		return uiOn, nil
	case "off":
		return uiOff, nil
	}
	return uiAuto, fmt.Errorf("invalid --ui value %q (expected auto|on|off)", value)
}

// useProgressUI decides whether verify drives the bubbletea view. JSON output
// and --quiet never do; auto requires stdout to be a terminal.
func useProgressUI(mode uiMode, format string, quiet bool, out *os.File) bool {
	if format != "pretty" || quiet {
		return false
	}
	switch mode {
	case uiOn:
		return true
	case uiOff:
		return false
	}
	return isTerminal(out)
}
