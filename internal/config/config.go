// Package config loads refsafe.toml, the per-project verifier settings.
//
//	[verify]
//	jobs = 8
//	max_diagnostics = 100
//	max_block_visits = 0
//	fail_fast = false
//
//	[cache]
//	enabled = true
//	dir = ""            # default $XDG_CACHE_HOME/refsafe
//	entries = 256
//
//	[trace]
//	level = "off"       # off|error|phase|detail|debug
//	mode = "stream"     # stream|ring|both
//	output = "-"
//	format = "auto"     # auto|text|ndjson
//	heartbeat = "0s"
//
//	[output]
//	format = "pretty"   # pretty|json
//	color = "auto"      # auto|on|off
//	context = 2
//
// Command-line flags override file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"refsafe/internal/trace"
)

// FileName is the configuration file looked up from the working directory.
const FileName = "refsafe.toml"

type Config struct {
	Verify VerifyConfig `toml:"verify"`
	Cache  CacheConfig  `toml:"cache"`
	Trace  TraceConfig  `toml:"trace"`
	Output OutputConfig `toml:"output"`
}

type VerifyConfig struct {
	Jobs           int  `toml:"jobs"`
	MaxDiagnostics int  `toml:"max_diagnostics"`
	MaxBlockVisits int  `toml:"max_block_visits"`
	FailFast       bool `toml:"fail_fast"`
}

type CacheConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
	Entries int    `toml:"entries"`
}

type TraceConfig struct {
	Level     string   `toml:"level"`
	Mode      string   `toml:"mode"`
	Output    string   `toml:"output"`
	Format    string   `toml:"format"`
	Heartbeat Duration `toml:"heartbeat"`
}

type OutputConfig struct {
	Format  string `toml:"format"`
	Color   string `toml:"color"`
	Context int    `toml:"context"`
}

// Duration decodes TOML strings such as "500ms".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Default returns the settings used when no file is found.
func Default() Config {
	return Config{
		Verify: VerifyConfig{MaxDiagnostics: 100},
		Cache:  CacheConfig{Enabled: true, Entries: 256},
		Trace:  TraceConfig{Level: "off", Mode: "stream", Output: "-", Format: "auto"},
		Output: OutputConfig{Format: "pretty", Color: "auto", Context: 2},
	}
}

// Find looks for FileName in startDir and its parents.
func Find(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false, nil
		}
		dir = parent
	}
}

// Load decodes path over Default. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Discover loads the nearest refsafe.toml above startDir, or returns Default.
func Discover(startDir string) (Config, string, error) {
	path, ok, err := Find(startDir)
	if err != nil || !ok {
		return Default(), "", err
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	if c.Verify.Jobs < 0 {
		errs = append(errs, fmt.Errorf("[verify].jobs must not be negative"))
	}
	if c.Verify.MaxDiagnostics < 0 {
		errs = append(errs, fmt.Errorf("[verify].max_diagnostics must not be negative"))
	}
	if c.Verify.MaxBlockVisits < 0 {
		errs = append(errs, fmt.Errorf("[verify].max_block_visits must not be negative"))
	}
	if c.Cache.Entries < 0 {
		errs = append(errs, fmt.Errorf("[cache].entries must not be negative"))
	}
	if _, err := trace.ParseLevel(c.Trace.Level); err != nil {
		errs = append(errs, fmt.Errorf("[trace].level: %w", err))
	}
	if _, err := trace.ParseMode(c.Trace.Mode); err != nil {
		errs = append(errs, fmt.Errorf("[trace].mode: %w", err))
	}
	if _, err := trace.ParseFormat(c.Trace.Format); err != nil {
		errs = append(errs, fmt.Errorf("[trace].format: %w", err))
	}
	switch c.Output.Format {
	case "pretty", "json":
	default:
		errs = append(errs, fmt.Errorf("[output].format: %q (expected: pretty|json)", c.Output.Format))
	}
	switch c.Output.Color {
	case "auto", "on", "off":
	default:
		errs = append(errs, fmt.Errorf("[output].color: %q (expected: auto|on|off)", c.Output.Color))
	}
	return errors.Join(errs...)
}

// TracerConfig converts the [trace] section.
func (c Config) TracerConfig() (trace.Config, error) {
	level, err := trace.ParseLevel(c.Trace.Level)
	if err != nil {
		return trace.Config{}, err
	}
	mode, err := trace.ParseMode(c.Trace.Mode)
	if err != nil {
		return trace.Config{}, err
	}
	format, err := trace.ParseFormat(c.Trace.Format)
	if err != nil {
		return trace.Config{}, err
	}
	return trace.Config{
		Level:      level,
		Mode:       mode,
		Format:     format,
		OutputPath: c.Trace.Output,
		Heartbeat:  c.Trace.Heartbeat.Duration,
	}, nil
}
