package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"refsafe/internal/asm"
	"refsafe/internal/bytecode"
)

var asmCmd = &cobra.Command{
	Use:   "asm IN.toml",
	Short: "Assemble a TOML module source into the binary module format",
	Args:  cobra.ExactArgs(1),
	RunE:  runAsm,
}

func init() {
	asmCmd.Flags().StringP("output", "o", "", "output path (default: input with .mvb extension)")
}

func runAsm(cmd *cobra.Command, args []string) error {
	in := args[0]
	out, _ := cmd.Flags().GetString("output")
	if out == "" {
		out = strings.TrimSuffix(in, filepath.Ext(in)) + ".mvb"
	}

	m, err := asm.AssembleFile(in)
	if err != nil {
		return fmt.Errorf("%s: %w", in, err)
	}
	data, err := bytecode.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	if !quiet(cmd) {
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes, digest %s)\n", out, len(data), bytecode.DigestBytes(data).String()[:12])
	}
	return nil
}
