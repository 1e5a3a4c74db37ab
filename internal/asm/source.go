// Package asm assembles modules from a TOML description.
//
// A source file declares the module name and address, its structs, its
// functions with their bytecode written one instruction per line, and the
// foreign structs and functions it refers to:
//
//	name = "Bank"
//	address = "0x1"
//
//	[[structs]]
//	name = "Account"
//	key = true
//	fields = ["balance: u64"]
//
//	[[functions]]
//	name = "balance"
//	params = ["address"]
//	returns = ["u64"]
//	acquires = ["Account"]
//	code = """
//	    MoveLoc 0
//	    ImmBorrowGlobal Account
//	    ImmBorrowField Account.balance
//	    ReadRef
//	    Ret
//	"""
//
// Operands name things rather than pool indices; the assembler builds the
// pools. Branch targets are labels ("loop:") or raw offsets.
package asm

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Source is the decoded TOML document.
type Source struct {
	Name      string         `toml:"name"`
	Address   string         `toml:"address"`
	Structs   []StructDecl   `toml:"structs"`
	Functions []FunctionDecl `toml:"functions"`
	Constants []ConstDecl    `toml:"constants"`
	Imports   []ImportDecl   `toml:"imports"`
}

// StructDecl declares a struct defined by the module. Fields are "name: type".
type StructDecl struct {
	Name       string   `toml:"name"`
	Key        bool     `toml:"key"`
	Native     bool     `toml:"native"`
	TypeParams int      `toml:"type_params"`
	Fields     []string `toml:"fields"`
}

// FunctionDecl declares a function defined by the module.
type FunctionDecl struct {
	Name       string   `toml:"name"`
	Visibility string   `toml:"visibility"`
	Entry      bool     `toml:"entry"`
	Native     bool     `toml:"native"`
	TypeParams int      `toml:"type_params"`
	Params     []string `toml:"params"`
	Returns    []string `toml:"returns"`
	Locals     []string `toml:"locals"`
	Acquires   []string `toml:"acquires"`
	Code       string   `toml:"code"`
}

// ConstDecl is a constant pool entry; Value is kept as raw bytes.
type ConstDecl struct {
	Type  string `toml:"type"`
	Value string `toml:"value"`
}

// ImportDecl names a foreign module and the parts of it this module uses.
type ImportDecl struct {
	Module    string           `toml:"module"`
	Address   string           `toml:"address"`
	Structs   []ImportedStruct `toml:"structs"`
	Functions []ImportedFunc   `toml:"functions"`
}

// ImportedStruct declares a foreign struct handle.
type ImportedStruct struct {
	Name       string `toml:"name"`
	Key        bool   `toml:"key"`
	TypeParams int    `toml:"type_params"`
}

// ImportedFunc declares a foreign function handle.
type ImportedFunc struct {
	Name       string   `toml:"name"`
	TypeParams int      `toml:"type_params"`
	Params     []string `toml:"params"`
	Returns    []string `toml:"returns"`
}

// Parse decodes a source document. Unknown keys are errors so that typos do
// not silently drop declarations.
func Parse(data string) (*Source, error) {
	var src Source
	meta, err := toml.Decode(data, &src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if !meta.IsDefined("name") || strings.TrimSpace(src.Name) == "" {
		return nil, fmt.Errorf("missing module name")
	}
	if src.Address == "" {
		src.Address = "0x0"
	}
	return &src, nil
}

// ParseFile reads and decodes path.
func ParseFile(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	src, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return src, nil
}
