package version

import (
	"testing"

	"github.com/fatih/color"
)

func TestString(t *testing.T) {
	orig := [3]string{Version, GitCommit, BuildDate}
	defer func() { Version, GitCommit, BuildDate = orig[0], orig[1], orig[2] }()

	tests := []struct {
		version, commit, date string
		want                  string
	}{
		{"1.2.3", "", "", "refsafe 1.2.3"},
		{"1.2.3", "abc123", "", "refsafe 1.2.3 (abc123)"},
		{"1.2.3", "abc123", "2026-01-15", "refsafe 1.2.3 (abc123, 2026-01-15)"},
		{"1.2.3", "", "2026-01-15", "refsafe 1.2.3 (2026-01-15)"},
	}
	for _, tt := range tests {
		Version, GitCommit, BuildDate = tt.version, tt.commit, tt.date
		if got := String(); got != tt.want {
			t.Fatalf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestColoredWithoutColor(t *testing.T) {
	origVersion, origNoColor := Version, color.NoColor
	defer func() { Version, color.NoColor = origVersion, origNoColor }()
	color.NoColor = true

	for _, v := range []string{"0.1.0-dev", "1.2.3", "nightly"} {
		Version = v
		if got := Colored(); got != v {
			t.Fatalf("Colored() = %q, want %q", got, v)
		}
	}
}
