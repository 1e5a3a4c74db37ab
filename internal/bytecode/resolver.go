package bytecode

import (
	"fortio.org/safecast"

	"refsafe/internal/status"
)

// Resolver is the read-only symbol table the verifier consults.
// Out-of-range indices yield a *status.Error with IndexOutOfBounds.
type Resolver interface {
	SelfHandle() ModuleHandleIndex
	FunctionHandleAt(FunctionHandleIndex) (*FunctionHandle, error)
	FunctionInstantiationAt(FunctionInstantiationIndex) (*FunctionInstantiation, error)
	FunctionDefAt(FunctionDefinitionIndex) (*FunctionDefinition, error)
	StructDefAt(StructDefinitionIndex) (*StructDefinition, error)
	StructInstantiationAt(StructDefInstantiationIndex) (*StructDefInstantiation, error)
	FieldHandleAt(FieldHandleIndex) (*FieldHandle, error)
	FieldInstantiationAt(FieldInstantiationIndex) (*FieldInstantiation, error)
	SignatureAt(SignatureIndex) (Signature, error)
	ConstantAt(ConstantPoolIndex) (*Constant, error)
	IdentifierAt(IdentifierIndex) (string, error)
}

var _ Resolver = (*Module)(nil)

func outOfBounds(table string, idx, length int) error {
	return status.Newf(status.IndexOutOfBounds, "%s index %d out of bounds (len %d)", table, idx, length)
}

// SelfHandle returns the module handle of the module itself.
func (m *Module) SelfHandle() ModuleHandleIndex { return m.SelfModuleHandle }

func (m *Module) FunctionHandleAt(idx FunctionHandleIndex) (*FunctionHandle, error) {
	if int(idx) >= len(m.FunctionHandles) {
		return nil, outOfBounds("function handle", int(idx), len(m.FunctionHandles))
	}
	return &m.FunctionHandles[idx], nil
}

func (m *Module) FunctionInstantiationAt(idx FunctionInstantiationIndex) (*FunctionInstantiation, error) {
	if int(idx) >= len(m.FunctionInstantiations) {
		return nil, outOfBounds("function instantiation", int(idx), len(m.FunctionInstantiations))
	}
	return &m.FunctionInstantiations[idx], nil
}

func (m *Module) FunctionDefAt(idx FunctionDefinitionIndex) (*FunctionDefinition, error) {
	if int(idx) >= len(m.FunctionDefs) {
		return nil, outOfBounds("function definition", int(idx), len(m.FunctionDefs))
	}
	return &m.FunctionDefs[idx], nil
}

func (m *Module) StructDefAt(idx StructDefinitionIndex) (*StructDefinition, error) {
	if int(idx) >= len(m.StructDefs) {
		return nil, outOfBounds("struct definition", int(idx), len(m.StructDefs))
	}
	return &m.StructDefs[idx], nil
}

func (m *Module) StructInstantiationAt(idx StructDefInstantiationIndex) (*StructDefInstantiation, error) {
	if int(idx) >= len(m.StructDefInstantiations) {
		return nil, outOfBounds("struct instantiation", int(idx), len(m.StructDefInstantiations))
	}
	return &m.StructDefInstantiations[idx], nil
}

func (m *Module) FieldHandleAt(idx FieldHandleIndex) (*FieldHandle, error) {
	if int(idx) >= len(m.FieldHandles) {
		return nil, outOfBounds("field handle", int(idx), len(m.FieldHandles))
	}
	return &m.FieldHandles[idx], nil
}

func (m *Module) FieldInstantiationAt(idx FieldInstantiationIndex) (*FieldInstantiation, error) {
	if int(idx) >= len(m.FieldInstantiations) {
		return nil, outOfBounds("field instantiation", int(idx), len(m.FieldInstantiations))
	}
	return &m.FieldInstantiations[idx], nil
}

func (m *Module) SignatureAt(idx SignatureIndex) (Signature, error) {
	if int(idx) >= len(m.Signatures) {
		return nil, outOfBounds("signature", int(idx), len(m.Signatures))
	}
	return m.Signatures[idx], nil
}

func (m *Module) ConstantAt(idx ConstantPoolIndex) (*Constant, error) {
	if int(idx) >= len(m.Constants) {
		return nil, outOfBounds("constant", int(idx), len(m.Constants))
	}
	return &m.Constants[idx], nil
}

func (m *Module) IdentifierAt(idx IdentifierIndex) (string, error) {
	if int(idx) >= len(m.Identifiers) {
		return "", outOfBounds("identifier", int(idx), len(m.Identifiers))
	}
	return m.Identifiers[idx], nil
}

// NameDefMap maps the name of every function definition to its index.
// The verifier uses it to recover a callee's declared acquires set.
func NameDefMap(r Resolver, defs int) (map[IdentifierIndex]FunctionDefinitionIndex, error) {
	out := make(map[IdentifierIndex]FunctionDefinitionIndex, defs)
	for i := 0; i < defs; i++ {
		raw, err := safecast.Conv[uint16](i)
		if err != nil {
			return nil, status.Newf(status.IndexOutOfBounds, "function definition %d: %v", i, err)
		}
		idx := FunctionDefinitionIndex(raw)
		def, err := r.FunctionDefAt(idx)
		if err != nil {
			return nil, err
		}
		fh, err := r.FunctionHandleAt(def.Function)
		if err != nil {
			return nil, err
		}
		out[fh.Name] = idx
	}
	return out, nil
}
