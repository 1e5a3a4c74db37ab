package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"refsafe/internal/config"
	"refsafe/internal/version"
)

var rootCmd = &cobra.Command{
	Use:           "refsafe",
	Short:         "Reference safety verifier for Move-style bytecode modules",
	Long:          `refsafe proves that module functions never use dangling references, never alias mutable references and never return references to their own locals.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := loadSettings(cmd); err != nil {
			return err
		}
		applyColor(cmd)
		if err := setupProfiling(cmd); err != nil {
			return err
		}
		cleanup, err := setupTracing(cmd)
		if err != nil {
			return err
		}
		traceCleanup = cleanup
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		runTraceCleanup()
		stopProfiling()
	},
}

// errFailed signals that diagnostics were printed; main exits 1 without
// printing it again.
var errFailed = errors.New("verification failed")

// settings holds refsafe.toml, loaded before any subcommand runs.
var settings = config.Default()

// main registers subcommands and global flags and executes the root command.
// Any error exits with status 1.
func main() {
	rootCmd.Version = version.Version

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(asmCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("config", "", "path to refsafe.toml (default: nearest in parent directories)")
	rootCmd.PersistentFlags().String("color", "", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress non-essential output")
	rootCmd.PersistentFlags().Bool("timings", false, "show timing information")
	addTraceFlags(rootCmd)
	addProfileFlags(rootCmd)

	err := rootCmd.Execute()
	// PersistentPostRun does not run when the command fails.
	runTraceCleanup()
	stopProfiling()
	if err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintf(os.Stderr, "%s %v\n", color.New(color.FgRed, color.Bold).Sprint("error:"), err)
		}
		os.Exit(1)
	}
}

func loadSettings(cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	if path != "" {
		settings, err = config.Load(path)
		return err
	}
	settings, _, err = config.Discover(".")
	return err
}

// applyColor resolves --color (or [output].color) for fatih/color, which
// every renderer uses.
func applyColor(cmd *cobra.Command) {
	mode := settings.Output.Color
	if v, _ := cmd.Flags().GetString("color"); v != "" {
		mode = v
	}
	color.NoColor = !colorEnabled(mode, os.Stdout)
}

func colorEnabled(mode string, f *os.File) bool {
	switch mode {
	case "on":
		return true
	case "off":
		return false
	}
	return os.Getenv("NO_COLOR") == "" && isTerminal(f)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func quiet(cmd *cobra.Command) bool {
	q, _ := cmd.Flags().GetBool("quiet")
	return q
}
