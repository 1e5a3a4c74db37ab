package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"refsafe/internal/asm"
	"refsafe/internal/bytecode"
	"refsafe/internal/driver"
	"refsafe/internal/refsafety"
)

var dumpCmd = &cobra.Command{
	Use:   "dump FILE",
	Short: "Disassemble a module, optionally with the abstract state at each block",
	Args:  cobra.ExactArgs(1),
	RunE:  runDump,
}

func init() {
	dumpCmd.Flags().Bool("states", false, "show the fixpoint state at the entry of every block")
	dumpCmd.Flags().String("function", "", "dump only this function")
}

func runDump(cmd *cobra.Command, args []string) error {
	m, err := driver.LoadModule(args[0])
	if err != nil {
		return err
	}
	states, _ := cmd.Flags().GetBool("states")
	only, _ := cmd.Flags().GetString("function")
	out := cmd.OutOrStdout()

	if !states && only == "" {
		_, err := io.WriteString(out, asm.Disassemble(m))
		return err
	}
	names, err := refsafety.NameDefMap(m)
	if err != nil {
		return err
	}
	found := false
	for i := range m.FunctionDefs {
		idx := bytecode.FunctionDefinitionIndex(i) //nolint:gosec // definition tables are bounded by u16
		if only != "" && m.FunctionName(idx) != only {
			continue
		}
		found = true
		if !states || m.FunctionDefs[i].IsNative() {
			if _, err := io.WriteString(out, asm.Function(m, idx)); err != nil {
				return err
			}
			continue
		}
		if err := dumpStates(out, m, idx, names); err != nil {
			return err
		}
	}
	if !found {
		return fmt.Errorf("module %s has no function %q", m.Name(), only)
	}
	return nil
}

// dumpStates prints each block's entry state above its instructions.
func dumpStates(out io.Writer, m *bytecode.Module, idx bytecode.FunctionDefinitionIndex, names map[bytecode.IdentifierIndex]bytecode.FunctionDefinitionIndex) error {
	header := strings.SplitN(asm.Function(m, idx), "\n", 2)[0]
	if _, err := fmt.Fprintln(out, header); err != nil {
		return err
	}
	view, err := bytecode.NewFunctionView(m, idx)
	if err != nil {
		_, werr := fmt.Fprintf(out, "  error: %v\n\n", err)
		return werr
	}
	res, verr := refsafety.Analyze(m, view, names, refsafety.Options{})

	labels := make(map[bytecode.BlockID]string, view.CFG.NumBlocks())
	width := 0
	for _, b := range view.CFG.Blocks() {
		succ := make([]string, 0, 2)
		for _, s := range view.CFG.Successors(b) {
			succ = append(succ, fmt.Sprint(s))
		}
		labels[b] = fmt.Sprintf("block %d -> [%s]", b, strings.Join(succ, " "))
		width = max(width, runewidth.StringWidth(labels[b]))
	}

	var sb strings.Builder
	for _, b := range view.CFG.Blocks() {
		sb.WriteString("  ")
		sb.WriteString(runewidth.FillRight(labels[b], width))
		switch {
		case res == nil:
			sb.WriteString("  (analysis stopped)\n")
		case res.Pre[b] == nil:
			sb.WriteString("  unreachable\n")
		default:
			sb.WriteString("  ")
			for i, line := range strings.Split(strings.TrimRight(res.Pre[b].String(), "\n"), "\n") {
				if i > 0 {
					sb.WriteString("  " + strings.Repeat(" ", width) + "  ")
				}
				sb.WriteString(line)
				sb.WriteByte('\n')
			}
		}
		for off := b; off <= view.CFG.BlockEnd(b); off++ {
			fmt.Fprintf(&sb, "    %4d: %s\n", off, asm.Instr(m, view.Code[off]))
		}
	}
	if verr != nil {
		fmt.Fprintf(&sb, "  error: %v\n", verr)
	}
	sb.WriteByte('\n')
	_, err = io.WriteString(out, sb.String())
	return err
}
