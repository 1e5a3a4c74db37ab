package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"refsafe/internal/bytecode"
	"refsafe/internal/diag"
	"refsafe/internal/diagfmt"
	"refsafe/internal/driver"
	"refsafe/internal/observ"
	"refsafe/internal/status"
)

var verifyCmd = &cobra.Command{
	Use:   "verify FILE...",
	Short: "Verify reference safety of module files (.toml assembly or .mvb)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runVerify,
}

func init() {
	f := verifyCmd.Flags()
	f.Int("jobs", 0, "functions verified in parallel (0 = GOMAXPROCS)")
	f.Bool("fail-fast", false, "stop verifying a module after its first failing function")
	f.Int("max-diagnostics", 0, "maximum diagnostics per module")
	f.Int("max-block-visits", 0, "abort a function's analysis after this many block visits (0 = unlimited)")
	f.String("format", "", "output format (pretty|json)")
	f.Int("context", -1, "instructions shown around each diagnostic")
	f.Bool("no-notes", false, "omit notes pointing at conflicting borrows")
	f.Bool("no-cache", false, "do not read or write the result cache")
	f.String("cache-dir", "", "result cache directory")
	f.Bool("drop-cache", false, "clear the result cache before verifying")
	f.String("ui", "auto", "progress interface (auto|on|off)")
}

func intOverride(cmd *cobra.Command, name string, fallback int) int {
	if cmd.Flags().Changed(name) {
		v, _ := cmd.Flags().GetInt(name)
		return v
	}
	return fallback
}

func buildVerifyOptions(cmd *cobra.Command, timer *observ.Timer) (driver.Options, error) {
	failFast, _ := cmd.Flags().GetBool("fail-fast")
	opts := driver.Options{
		Jobs:           intOverride(cmd, "jobs", settings.Verify.Jobs),
		FailFast:       failFast || settings.Verify.FailFast,
		MaxBlockVisits: intOverride(cmd, "max-block-visits", settings.Verify.MaxBlockVisits),
		MaxDiagnostics: intOverride(cmd, "max-diagnostics", settings.Verify.MaxDiagnostics),
		Timer:          timer,
	}

	noCache, _ := cmd.Flags().GetBool("no-cache")
	if noCache || !settings.Cache.Enabled {
		return opts, nil
	}
	dir := settings.Cache.Dir
	if v, _ := cmd.Flags().GetString("cache-dir"); v != "" {
		dir = v
	}
	disk, err := driver.OpenDiskCache(dir)
	if err != nil {
		return opts, fmt.Errorf("open cache: %w", err)
	}
	if drop, _ := cmd.Flags().GetBool("drop-cache"); drop {
		if err := disk.DropAll(); err != nil {
			return opts, fmt.Errorf("drop cache: %w", err)
		}
	}
	opts.Cache = driver.NewCache(settings.Cache.Entries, disk)
	return opts, nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	timings, _ := cmd.Flags().GetBool("timings")
	var timer *observ.Timer
	if timings {
		timer = observ.NewTimer()
	}
	opts, err := buildVerifyOptions(cmd, timer)
	if err != nil {
		return err
	}

	uiValue, _ := cmd.Flags().GetString("ui")
	mode, err := parseUIMode(uiValue)
	if err != nil {
		return err
	}
	format := settings.Output.Format
	if v, _ := cmd.Flags().GetString("format"); v != "" {
		format = v
	}
	if format != "pretty" && format != "json" {
		return fmt.Errorf("unsupported format %q (must be pretty or json)", format)
	}

	var results []*driver.ModuleResult
	if useProgressUI(mode, format, quiet(cmd), os.Stdout) {
		results, err = runVerifyWithUI(cmd.Context(), "verifying modules", args, opts)
	} else {
		results, err = driver.VerifyFiles(cmd.Context(), args, opts)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		if err := renderJSON(out, results); err != nil {
			return err
		}
	} else if err := renderPretty(cmd, out, results); err != nil {
		return err
	}
	if timer != nil {
		fmt.Fprint(cmd.ErrOrStderr(), timer.Summary())
	}

	failed := false
	for _, r := range results {
		if !r.OK() {
			failed = true
		}
		if hasInternalError(r) {
			dumpTraceRing()
		}
	}
	if failed {
		return errFailed
	}
	return nil
}

func hasInternalError(r *driver.ModuleResult) bool {
	for _, fr := range r.Functions {
		if status.CodeOf(fr.Err).Category() == status.CategoryInternal {
			return true
		}
	}
	return false
}

func renderJSON(out io.Writer, results []*driver.ModuleResult) error {
	bag := diag.NewBag(0)
	for _, r := range results {
		bag.Merge(r.Bag)
	}
	bag.Sort()
	return diagfmt.JSON(out, bag, diagfmt.JSONOpts{IncludeNotes: true})
}

func renderPretty(cmd *cobra.Command, out io.Writer, results []*driver.ModuleResult) error {
	noNotes, _ := cmd.Flags().GetBool("no-notes")
	opts := diagfmt.PrettyOpts{
		Color:     !color.NoColor,
		Context:   intOverride(cmd, "context", settings.Output.Context),
		ShowNotes: !noNotes,
		Modules:   make(map[string]*bytecode.Module, len(results)),
	}
	for _, r := range results {
		if r.Module != nil {
			opts.Modules[r.Name] = r.Module
		}
	}
	for _, r := range results {
		r.Bag.Sort()
		if err := diagfmt.Pretty(out, r.Bag, opts); err != nil {
			return err
		}
	}
	if quiet(cmd) {
		return nil
	}
	return printSummary(out, results)
}

func printSummary(out io.Writer, results []*driver.ModuleResult) error {
	ok := color.New(color.FgGreen, color.Bold)
	bad := color.New(color.FgRed, color.Bold)
	for _, r := range results {
		if r.Err != nil {
			if _, err := fmt.Fprintf(out, "%s %s: not loaded\n", bad.Sprint("FAIL"), r.Path); err != nil {
				return err
			}
			continue
		}
		verdict := ok.Sprint("ok  ")
		if !r.OK() {
			verdict = bad.Sprint("FAIL")
		}
		line := fmt.Sprintf("%s %s (%s): %d verified, %d failed",
			verdict, r.Name, r.Path, r.Count(driver.OutcomeVerified), r.Count(driver.OutcomeFailed))
		if n := r.Count(driver.OutcomeSkipped); n > 0 {
			line += fmt.Sprintf(", %d skipped", n)
		}
		if n := r.Count(driver.OutcomeNative); n > 0 {
			line += fmt.Sprintf(", %d native", n)
		}
		if r.Cached {
			line += " [cached]"
		}
		line += fmt.Sprintf(" in %.1f ms", float64(r.Elapsed.Microseconds())/1000)
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}
