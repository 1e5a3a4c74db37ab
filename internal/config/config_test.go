package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"refsafe/internal/trace"
)

func write(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := write(t, t.TempDir(), `
[verify]
jobs = 3
fail_fast = true

[trace]
level = "detail"
format = "ndjson"
heartbeat = "250ms"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Verify.Jobs != 3 || !cfg.Verify.FailFast {
		t.Fatalf("verify = %+v", cfg.Verify)
	}
	if cfg.Verify.MaxDiagnostics != 100 || !cfg.Cache.Enabled || cfg.Output.Format != "pretty" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	tc, err := cfg.TracerConfig()
	if err != nil {
		t.Fatalf("TracerConfig: %v", err)
	}
	if tc.Level != trace.LevelDetail || tc.Format != trace.FormatNDJSON || tc.Heartbeat != 250*time.Millisecond {
		t.Fatalf("tracer config = %+v", tc)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "[verify]\njobz = 2\n", "unknown keys: verify.jobz"},
		{"bad level", "[trace]\nlevel = \"loud\"\n", "[trace].level"},
		{"bad output", "[output]\nformat = \"xml\"\n", "[output].format"},
		{"negative jobs", "[verify]\njobs = -1\n", "[verify].jobs"},
		{"bad duration", "[trace]\nheartbeat = \"soon\"\n", "failed to parse TOML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(write(t, t.TempDir(), tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestDiscoverWalksUp(t *testing.T) {
	root := t.TempDir()
	write(t, root, "[output]\ncolor = \"off\"\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfg, path, err := Discover(nested)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if path != filepath.Join(root, FileName) || cfg.Output.Color != "off" {
		t.Fatalf("path=%q color=%q", path, cfg.Output.Color)
	}
}
