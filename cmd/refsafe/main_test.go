package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const dumpSource = `
name = "Bank"
address = "0x1"

[[functions]]
name = "good"
params = ["u64"]
returns = ["u64"]
code = """
    MoveLoc 0
    Ret
"""

[[functions]]
name = "bad"
params = ["u64"]
returns = ["u64"]
code = """
    MutBorrowLoc 0
    CopyLoc 0
    Pop
    Pop
    MoveLoc 0
    Ret
"""
`

func TestParseUIMode(t *testing.T) {
	cases := []struct {
		in      string
		want    uiMode
		wantErr bool
	}{
		{"", uiAuto, false},
		{"AUTO", uiAuto, false},
		{" on ", uiOn, false},
		{"off", uiOff, false},
		{"sometimes", uiAuto, true},
	}
	for _, tc := range cases {
		got, err := parseUIMode(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("parseUIMode(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("parseUIMode(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestUseProgressUI(t *testing.T) {
	cases := []struct {
		mode   uiMode
		format string
		quiet  bool
		want   bool
	}{
		{uiOn, "pretty", false, true},
		{uiOn, "json", false, false},
		{uiOn, "pretty", true, false},
		{uiOff, "pretty", false, false},
	}
	for _, tc := range cases {
		if got := useProgressUI(tc.mode, tc.format, tc.quiet, os.Stdout); got != tc.want {
			t.Fatalf("useProgressUI(%d, %q, %v) = %v, want %v", tc.mode, tc.format, tc.quiet, got, tc.want)
		}
	}
}

func TestColorEnabledExplicit(t *testing.T) {
	if !colorEnabled("on", os.Stdout) {
		t.Fatalf("--color=on should force color")
	}
	if colorEnabled("off", os.Stdout) {
		t.Fatalf("--color=off should disable color")
	}
	t.Setenv("NO_COLOR", "1")
	if colorEnabled("auto", os.Stdout) {
		t.Fatalf("NO_COLOR should disable automatic color")
	}
}

func writeSource(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bank.toml")
	if err := os.WriteFile(path, []byte(dumpSource), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func runDumpWith(t *testing.T, flags map[string]string, path string) (string, error) {
	t.Helper()
	for _, name := range []string{"states", "function"} {
		f := dumpCmd.Flags().Lookup(name)
		if err := f.Value.Set(f.DefValue); err != nil {
			t.Fatalf("reset --%s: %v", name, err)
		}
	}
	for k, v := range flags {
		if err := dumpCmd.Flags().Set(k, v); err != nil {
			t.Fatalf("set --%s: %v", k, err)
		}
	}
	var out bytes.Buffer
	dumpCmd.SetOut(&out)
	err := runDump(dumpCmd, []string{path})
	return out.String(), err
}

func TestDumpDisassembles(t *testing.T) {
	out, err := runDumpWith(t, nil, writeSource(t))
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	for _, want := range []string{"module Bank @ 0x1", "fun good(u64): (u64)", "MutBorrowLoc 0"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dump lacks %q:\n%s", want, out)
		}
	}
}

func TestDumpStates(t *testing.T) {
	out, err := runDumpWith(t, map[string]string{"states": "true"}, writeSource(t))
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	for _, want := range []string{"fun good", "block 0 -> []", "locals:", "   0: MoveLoc 0", "error:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dump --states lacks %q:\n%s", want, out)
		}
	}
}

func TestDumpUnknownFunction(t *testing.T) {
	_, err := runDumpWith(t, map[string]string{"function": "missing"}, writeSource(t))
	if err == nil || !strings.Contains(err.Error(), `no function "missing"`) {
		t.Fatalf("expected unknown function error, got %v", err)
	}
}
