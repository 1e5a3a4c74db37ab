package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"refsafe/internal/trace"
)

var (
	traceCleanup func()
	activeTracer trace.Tracer = trace.Nop
)

func addTraceFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("trace", "", "trace output file (\"-\" for stderr)")
	f.String("trace-level", "", "trace level (off|error|phase|detail|debug)")
	f.String("trace-mode", "", "trace storage (stream|ring|both)")
	f.String("trace-format", "", "trace format (auto|text|ndjson)")
	f.Int("trace-ring-size", 4096, "events kept by the ring buffer")
	f.Duration("trace-heartbeat", 0, "emit a heartbeat event at this interval (0 disables)")
}

// setupTracing builds the tracer from [trace] and the trace flags and
// attaches it to the command context. The returned cleanup flushes it.
func setupTracing(cmd *cobra.Command) (func(), error) {
	cfg, err := settings.TracerConfig()
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("trace") {
		cfg.OutputPath, _ = flags.GetString("trace")
		if cfg.Level == trace.LevelOff {
			cfg.Level = trace.LevelPhase
		}
	}
	if v, _ := flags.GetString("trace-level"); v != "" {
		if cfg.Level, err = trace.ParseLevel(v); err != nil {
			return nil, err
		}
	}
	if v, _ := flags.GetString("trace-mode"); v != "" {
		if cfg.Mode, err = trace.ParseMode(v); err != nil {
			return nil, err
		}
	}
	if v, _ := flags.GetString("trace-format"); v != "" {
		if cfg.Format, err = trace.ParseFormat(v); err != nil {
			return nil, err
		}
	}
	cfg.RingSize, _ = flags.GetInt("trace-ring-size")
	if flags.Changed("trace-heartbeat") {
		cfg.Heartbeat, _ = flags.GetDuration("trace-heartbeat")
	}

	tracer, err := trace.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	activeTracer = tracer
	cmd.SetContext(trace.WithTracer(cmd.Context(), tracer))

	heartbeat := trace.StartHeartbeat(tracer, cfg.Heartbeat, nil)
	return func() {
		heartbeat.Stop()
		if err := tracer.Flush(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: flush error: %v\n", err)
		}
		if err := tracer.Close(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: close error: %v\n", err)
		}
	}, nil
}

func runTraceCleanup() {
	if traceCleanup != nil {
		traceCleanup()
		traceCleanup = nil
	}
}

// dumpTraceRing prints the ring buffer after an internal verifier error.
func dumpTraceRing() {
	ring, ok := trace.Ring(activeTracer)
	if !ok {
		return
	}
	fmt.Fprintln(os.Stderr, "--- trace ring (most recent events) ---")
	if err := ring.Dump(os.Stderr, trace.FormatText); err != nil {
		fmt.Fprintf(os.Stderr, "trace: dump error: %v\n", err)
	}
}
