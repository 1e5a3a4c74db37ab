package bytecode

// Pool indices. Each addresses one table of a Module.
type (
	LocalIndex                  uint8
	ModuleHandleIndex           uint16
	StructHandleIndex           uint16
	FunctionHandleIndex         uint16
	FieldHandleIndex            uint16
	FieldInstantiationIndex     uint16
	StructDefinitionIndex       uint16
	StructDefInstantiationIndex uint16
	FunctionInstantiationIndex  uint16
	FunctionDefinitionIndex     uint16
	SignatureIndex              uint16
	IdentifierIndex             uint16
	ConstantPoolIndex           uint16
)

// ModuleHandle names a module by address and identifier.
type ModuleHandle struct {
	Address string          `msgpack:"addr"`
	Name    IdentifierIndex `msgpack:"name"`
}

// StructHandle declares a struct type, possibly defined in another module.
type StructHandle struct {
	Module         ModuleHandleIndex `msgpack:"mod"`
	Name           IdentifierIndex   `msgpack:"name"`
	Key            bool              `msgpack:"key,omitempty"`
	TypeParameters uint16            `msgpack:"tps,omitempty"`
}

// FunctionHandle declares a function signature, possibly defined in another module.
type FunctionHandle struct {
	Module         ModuleHandleIndex `msgpack:"mod"`
	Name           IdentifierIndex   `msgpack:"name"`
	Parameters     SignatureIndex    `msgpack:"params"`
	Return         SignatureIndex    `msgpack:"ret"`
	TypeParameters uint16            `msgpack:"tps,omitempty"`
}

// Equal compares handles structurally.
func (h FunctionHandle) Equal(o FunctionHandle) bool {
	return h == o
}

// FieldHandle names field Field of the struct defined at Owner.
type FieldHandle struct {
	Owner StructDefinitionIndex `msgpack:"owner"`
	Field uint16                `msgpack:"field"`
}

// FieldInstantiation is a field handle applied to type arguments.
type FieldInstantiation struct {
	Handle         FieldHandleIndex `msgpack:"h"`
	TypeParameters SignatureIndex   `msgpack:"tps"`
}

// StructDefInstantiation is a struct definition applied to type arguments.
type StructDefInstantiation struct {
	Def            StructDefinitionIndex `msgpack:"def"`
	TypeParameters SignatureIndex        `msgpack:"tps"`
}

// FunctionInstantiation is a function handle applied to type arguments.
type FunctionInstantiation struct {
	Handle         FunctionHandleIndex `msgpack:"h"`
	TypeParameters SignatureIndex      `msgpack:"tps"`
}

// Constant is a typed entry of the constant pool.
type Constant struct {
	Type SignatureToken `msgpack:"type"`
	Data []byte         `msgpack:"data,omitempty"`
}

// FieldDefinition declares one field of a struct.
type FieldDefinition struct {
	Name IdentifierIndex `msgpack:"name"`
	Type SignatureToken  `msgpack:"type"`
}

// StructDefinition defines a struct declared by this module.
// Native structs have no visible fields.
type StructDefinition struct {
	Handle StructHandleIndex `msgpack:"h"`
	Native bool              `msgpack:"native,omitempty"`
	Fields []FieldDefinition `msgpack:"fields,omitempty"`
}

// FieldCount returns the number of declared fields (0 for native structs).
func (d *StructDefinition) FieldCount() int {
	if d == nil || d.Native {
		return 0
	}
	return len(d.Fields)
}

// Visibility of a function definition.
type Visibility uint8

const (
	VisibilityPrivate Visibility = iota
	VisibilityPublic
	VisibilityFriend
)

// CodeUnit is the body of a non-native function.
// Locals lists the types of the non-parameter locals.
type CodeUnit struct {
	Locals SignatureIndex `msgpack:"locals"`
	Code   []Instr        `msgpack:"code"`
}

// FunctionDefinition defines a function declared by this module.
type FunctionDefinition struct {
	Function   FunctionHandleIndex     `msgpack:"fn"`
	Visibility Visibility              `msgpack:"vis,omitempty"`
	Entry      bool                    `msgpack:"entry,omitempty"`
	Acquires   []StructDefinitionIndex `msgpack:"acq,omitempty"`
	Code       *CodeUnit               `msgpack:"code,omitempty"`
}

// IsNative reports whether the function has no body.
func (d *FunctionDefinition) IsNative() bool {
	return d == nil || d.Code == nil
}

// Module is a decoded compiled module. The first module handle is the
// module itself.
type Module struct {
	Version                 uint16                   `msgpack:"version"`
	SelfModuleHandle        ModuleHandleIndex        `msgpack:"self"`
	ModuleHandles           []ModuleHandle           `msgpack:"module_handles"`
	StructHandles           []StructHandle           `msgpack:"struct_handles"`
	FunctionHandles         []FunctionHandle         `msgpack:"function_handles"`
	FieldHandles            []FieldHandle            `msgpack:"field_handles"`
	FieldInstantiations     []FieldInstantiation     `msgpack:"field_insts"`
	StructDefInstantiations []StructDefInstantiation `msgpack:"struct_insts"`
	FunctionInstantiations  []FunctionInstantiation  `msgpack:"function_insts"`
	Signatures              []Signature              `msgpack:"signatures"`
	Identifiers             []string                 `msgpack:"identifiers"`
	Constants               []Constant               `msgpack:"constants"`
	StructDefs              []StructDefinition       `msgpack:"struct_defs"`
	FunctionDefs            []FunctionDefinition     `msgpack:"function_defs"`
}

// FormatVersion is the current encoding version of Module.
const FormatVersion uint16 = 1

// Name returns the identifier of the module itself.
func (m *Module) Name() string {
	if m == nil || int(m.SelfModuleHandle) >= len(m.ModuleHandles) {
		return ""
	}
	h := m.ModuleHandles[m.SelfModuleHandle]
	if int(h.Name) >= len(m.Identifiers) {
		return ""
	}
	return m.Identifiers[h.Name]
}

// FunctionName returns the identifier of a function definition, or "" when
// any index along the way is out of range.
func (m *Module) FunctionName(idx FunctionDefinitionIndex) string {
	if m == nil || int(idx) >= len(m.FunctionDefs) {
		return ""
	}
	fh := m.FunctionDefs[idx].Function
	if int(fh) >= len(m.FunctionHandles) {
		return ""
	}
	name := m.FunctionHandles[fh].Name
	if int(name) >= len(m.Identifiers) {
		return ""
	}
	return m.Identifiers[name]
}

// StructName returns the identifier of a struct handle.
func (m *Module) StructName(idx StructHandleIndex) string {
	if m == nil || int(idx) >= len(m.StructHandles) {
		return ""
	}
	name := m.StructHandles[idx].Name
	if int(name) >= len(m.Identifiers) {
		return ""
	}
	return m.Identifiers[name]
}
