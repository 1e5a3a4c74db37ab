package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"refsafe/internal/asm"
	"refsafe/internal/bytecode"
)

// LoadModule reads a module from path: TOML assembly for ".toml" files, the
// msgpack module format for anything else.
func LoadModule(path string) (*bytecode.Module, error) {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		m, err := asm.AssembleFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return m, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := bytecode.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
