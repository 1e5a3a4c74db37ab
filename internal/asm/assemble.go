package asm

import (
	"errors"
	"fmt"
	"strings"

	"fortio.org/safecast"

	"refsafe/internal/bytecode"
)

// builder owns the pools of the module being assembled and deduplicates
// entries as they are requested.
type builder struct {
	m *bytecode.Module

	idents        map[string]bytecode.IdentifierIndex
	sigs          map[string]bytecode.SignatureIndex
	modules       map[string]bytecode.ModuleHandleIndex
	structs       map[string]bytecode.StructHandleIndex
	structDefs    map[bytecode.StructHandleIndex]bytecode.StructDefinitionIndex
	fieldNames    map[bytecode.StructDefinitionIndex][]string
	funcs         map[string]bytecode.FunctionHandleIndex
	fieldHandles  map[bytecode.FieldHandle]bytecode.FieldHandleIndex
	fieldInsts    map[bytecode.FieldInstantiation]bytecode.FieldInstantiationIndex
	structInsts   map[bytecode.StructDefInstantiation]bytecode.StructDefInstantiationIndex
	functionInsts map[bytecode.FunctionInstantiation]bytecode.FunctionInstantiationIndex
}

func newBuilder() *builder {
	return &builder{
		m:             &bytecode.Module{Version: bytecode.FormatVersion},
		idents:        make(map[string]bytecode.IdentifierIndex),
		sigs:          make(map[string]bytecode.SignatureIndex),
		modules:       make(map[string]bytecode.ModuleHandleIndex),
		structs:       make(map[string]bytecode.StructHandleIndex),
		structDefs:    make(map[bytecode.StructHandleIndex]bytecode.StructDefinitionIndex),
		fieldNames:    make(map[bytecode.StructDefinitionIndex][]string),
		funcs:         make(map[string]bytecode.FunctionHandleIndex),
		fieldHandles:  make(map[bytecode.FieldHandle]bytecode.FieldHandleIndex),
		fieldInsts:    make(map[bytecode.FieldInstantiation]bytecode.FieldInstantiationIndex),
		structInsts:   make(map[bytecode.StructDefInstantiation]bytecode.StructDefInstantiationIndex),
		functionInsts: make(map[bytecode.FunctionInstantiation]bytecode.FunctionInstantiationIndex),
	}
}

func poolIndex(n int, pool string) (uint16, error) {
	v, err := safecast.Conv[uint16](n)
	if err != nil {
		return 0, fmt.Errorf("too many %s entries: %w", pool, err)
	}
	return v, nil
}

func (b *builder) ident(name string) (bytecode.IdentifierIndex, error) {
	if idx, ok := b.idents[name]; ok {
		return idx, nil
	}
	raw, err := poolIndex(len(b.m.Identifiers), "identifier")
	if err != nil {
		return 0, err
	}
	idx := bytecode.IdentifierIndex(raw)
	b.m.Identifiers = append(b.m.Identifiers, name)
	b.idents[name] = idx
	return idx, nil
}

func sigKey(sig bytecode.Signature) string {
	parts := make([]string, len(sig))
	for i, t := range sig {
		parts[i] = t.String()
	}
	return strings.Join(parts, ";")
}

func (b *builder) signature(sig bytecode.Signature) (bytecode.SignatureIndex, error) {
	key := sigKey(sig)
	if idx, ok := b.sigs[key]; ok {
		return idx, nil
	}
	raw, err := poolIndex(len(b.m.Signatures), "signature")
	if err != nil {
		return 0, err
	}
	idx := bytecode.SignatureIndex(raw)
	if sig == nil {
		sig = bytecode.Signature{}
	}
	b.m.Signatures = append(b.m.Signatures, sig)
	b.sigs[key] = idx
	return idx, nil
}

func (b *builder) moduleHandle(address, name string) (bytecode.ModuleHandleIndex, error) {
	key := address + "::" + name
	if idx, ok := b.modules[key]; ok {
		return idx, nil
	}
	nameIdx, err := b.ident(name)
	if err != nil {
		return 0, err
	}
	raw, err := poolIndex(len(b.m.ModuleHandles), "module handle")
	if err != nil {
		return 0, err
	}
	idx := bytecode.ModuleHandleIndex(raw)
	b.m.ModuleHandles = append(b.m.ModuleHandles, bytecode.ModuleHandle{Address: address, Name: nameIdx})
	b.modules[key] = idx
	return idx, nil
}

func (b *builder) structHandle(key string, h bytecode.StructHandle) (bytecode.StructHandleIndex, error) {
	if _, dup := b.structs[key]; dup {
		return 0, fmt.Errorf("struct %s declared twice", key)
	}
	raw, err := poolIndex(len(b.m.StructHandles), "struct handle")
	if err != nil {
		return 0, err
	}
	idx := bytecode.StructHandleIndex(raw)
	b.m.StructHandles = append(b.m.StructHandles, h)
	b.structs[key] = idx
	return idx, nil
}

func (b *builder) lookupStruct(name string) (bytecode.StructHandleIndex, error) {
	name = canonicalName(name)
	if idx, ok := b.structs[name]; ok {
		return idx, nil
	}
	return 0, fmt.Errorf("unknown struct %q", name)
}

func (b *builder) lookupStructDef(name string) (bytecode.StructDefinitionIndex, error) {
	h, err := b.lookupStruct(name)
	if err != nil {
		return 0, err
	}
	def, ok := b.structDefs[h]
	if !ok {
		return 0, fmt.Errorf("struct %q is not defined in this module", name)
	}
	return def, nil
}

func (b *builder) functionHandle(key string, h bytecode.FunctionHandle) (bytecode.FunctionHandleIndex, error) {
	if _, dup := b.funcs[key]; dup {
		return 0, fmt.Errorf("function %s declared twice", key)
	}
	raw, err := poolIndex(len(b.m.FunctionHandles), "function handle")
	if err != nil {
		return 0, err
	}
	idx := bytecode.FunctionHandleIndex(raw)
	b.m.FunctionHandles = append(b.m.FunctionHandles, h)
	b.funcs[key] = idx
	return idx, nil
}

func (b *builder) fieldHandle(h bytecode.FieldHandle) (bytecode.FieldHandleIndex, error) {
	if idx, ok := b.fieldHandles[h]; ok {
		return idx, nil
	}
	raw, err := poolIndex(len(b.m.FieldHandles), "field handle")
	if err != nil {
		return 0, err
	}
	idx := bytecode.FieldHandleIndex(raw)
	b.m.FieldHandles = append(b.m.FieldHandles, h)
	b.fieldHandles[h] = idx
	return idx, nil
}

func (b *builder) fieldInst(fi bytecode.FieldInstantiation) (bytecode.FieldInstantiationIndex, error) {
	if idx, ok := b.fieldInsts[fi]; ok {
		return idx, nil
	}
	raw, err := poolIndex(len(b.m.FieldInstantiations), "field instantiation")
	if err != nil {
		return 0, err
	}
	idx := bytecode.FieldInstantiationIndex(raw)
	b.m.FieldInstantiations = append(b.m.FieldInstantiations, fi)
	b.fieldInsts[fi] = idx
	return idx, nil
}

func (b *builder) structInst(si bytecode.StructDefInstantiation) (bytecode.StructDefInstantiationIndex, error) {
	if idx, ok := b.structInsts[si]; ok {
		return idx, nil
	}
	raw, err := poolIndex(len(b.m.StructDefInstantiations), "struct instantiation")
	if err != nil {
		return 0, err
	}
	idx := bytecode.StructDefInstantiationIndex(raw)
	b.m.StructDefInstantiations = append(b.m.StructDefInstantiations, si)
	b.structInsts[si] = idx
	return idx, nil
}

func (b *builder) functionInst(fi bytecode.FunctionInstantiation) (bytecode.FunctionInstantiationIndex, error) {
	if idx, ok := b.functionInsts[fi]; ok {
		return idx, nil
	}
	raw, err := poolIndex(len(b.m.FunctionInstantiations), "function instantiation")
	if err != nil {
		return 0, err
	}
	idx := bytecode.FunctionInstantiationIndex(raw)
	b.m.FunctionInstantiations = append(b.m.FunctionInstantiations, fi)
	b.functionInsts[fi] = idx
	return idx, nil
}

func canonicalName(name string) string {
	if n, err := normalizeIdentPath(name); err == nil {
		return n
	}
	return name
}

// normalizeIdentPath normalizes "Name" or "Module::Name".
func normalizeIdentPath(s string) (string, error) {
	parts := strings.Split(strings.TrimSpace(s), "::")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid path %q", s)
	}
	for i, p := range parts {
		n, err := normalizeIdent(p)
		if err != nil {
			return "", err
		}
		parts[i] = n
	}
	return strings.Join(parts, "::"), nil
}

func parseVisibility(s string) (bytecode.Visibility, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "private":
		return bytecode.VisibilityPrivate, nil
	case "public":
		return bytecode.VisibilityPublic, nil
	case "friend":
		return bytecode.VisibilityFriend, nil
	}
	return 0, fmt.Errorf("unknown visibility %q", s)
}

// Assemble builds a module from src. All declaration errors are reported
// together.
func Assemble(src *Source) (*bytecode.Module, error) {
	b := newBuilder()
	name, err := normalizeIdent(src.Name)
	if err != nil {
		return nil, fmt.Errorf("module name: %w", err)
	}
	self, err := b.moduleHandle(src.Address, name)
	if err != nil {
		return nil, err
	}
	b.m.SelfModuleHandle = self

	if err := b.declareStructs(self, src); err != nil {
		return nil, err
	}
	var errs []error
	for i := range src.Structs {
		if err := b.defineStruct(i, &src.Structs[i]); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range src.Constants {
		t, err := parseType(c.Type, b.lookupStruct)
		if err != nil {
			errs = append(errs, fmt.Errorf("constant: %w", err))
			continue
		}
		b.m.Constants = append(b.m.Constants, bytecode.Constant{Type: t, Data: []byte(c.Value)})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if err := b.declareFunctions(self, src); err != nil {
		return nil, err
	}
	for i := range src.Functions {
		if err := b.defineFunction(&src.Functions[i]); err != nil {
			errs = append(errs, fmt.Errorf("function %s: %w", src.Functions[i].Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return b.m, nil
}

// AssembleFile parses and assembles path.
func AssembleFile(path string) (*bytecode.Module, error) {
	src, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Assemble(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// AssembleString parses and assembles an in-memory source.
func AssembleString(data string) (*bytecode.Module, error) {
	src, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Assemble(src)
}

func (b *builder) declareStructs(self bytecode.ModuleHandleIndex, src *Source) error {
	for i := range src.Structs {
		d := &src.Structs[i]
		name, err := normalizeIdent(d.Name)
		if err != nil {
			return fmt.Errorf("struct: %w", err)
		}
		nameIdx, err := b.ident(name)
		if err != nil {
			return err
		}
		tps, err := safecast.Conv[uint16](d.TypeParams)
		if err != nil {
			return fmt.Errorf("struct %s: type_params: %w", name, err)
		}
		h, err := b.structHandle(name, bytecode.StructHandle{Module: self, Name: nameIdx, Key: d.Key, TypeParameters: tps})
		if err != nil {
			return err
		}
		raw, err := poolIndex(i, "struct definition")
		if err != nil {
			return err
		}
		b.structDefs[h] = bytecode.StructDefinitionIndex(raw)
		b.m.StructDefs = append(b.m.StructDefs, bytecode.StructDefinition{Handle: h, Native: d.Native})
	}
	for _, imp := range src.Imports {
		modName, err := normalizeIdent(imp.Module)
		if err != nil {
			return fmt.Errorf("import: %w", err)
		}
		mod, err := b.moduleHandle(imp.Address, modName)
		if err != nil {
			return err
		}
		for _, s := range imp.Structs {
			name, err := normalizeIdent(s.Name)
			if err != nil {
				return fmt.Errorf("import %s: %w", modName, err)
			}
			nameIdx, err := b.ident(name)
			if err != nil {
				return err
			}
			tps, err := safecast.Conv[uint16](s.TypeParams)
			if err != nil {
				return fmt.Errorf("import %s::%s: type_params: %w", modName, name, err)
			}
			if _, err := b.structHandle(modName+"::"+name,
				bytecode.StructHandle{Module: mod, Name: nameIdx, Key: s.Key, TypeParameters: tps}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *builder) defineStruct(i int, d *StructDecl) error {
	def := &b.m.StructDefs[i]
	if d.Native {
		if len(d.Fields) > 0 {
			return fmt.Errorf("struct %s: native structs have no fields", d.Name)
		}
		return nil
	}
	names := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		fname, ftype, ok := strings.Cut(f, ":")
		if !ok {
			return fmt.Errorf("struct %s: field %q is not \"name: type\"", d.Name, f)
		}
		n, err := normalizeIdent(fname)
		if err != nil {
			return fmt.Errorf("struct %s: %w", d.Name, err)
		}
		for _, prev := range names {
			if prev == n {
				return fmt.Errorf("struct %s: duplicate field %s", d.Name, n)
			}
		}
		t, err := parseType(ftype, b.lookupStruct)
		if err != nil {
			return fmt.Errorf("struct %s field %s: %w", d.Name, n, err)
		}
		if t.IsReference() {
			return fmt.Errorf("struct %s field %s: fields cannot hold references", d.Name, n)
		}
		nameIdx, err := b.ident(n)
		if err != nil {
			return err
		}
		def.Fields = append(def.Fields, bytecode.FieldDefinition{Name: nameIdx, Type: t})
		names = append(names, n)
	}
	raw, err := poolIndex(i, "struct definition")
	if err != nil {
		return err
	}
	b.fieldNames[bytecode.StructDefinitionIndex(raw)] = names
	return nil
}

func (b *builder) handleFor(mod bytecode.ModuleHandleIndex, name string, tps int, params, returns []string) (bytecode.FunctionHandle, error) {
	nameIdx, err := b.ident(name)
	if err != nil {
		return bytecode.FunctionHandle{}, err
	}
	psig, err := parseSignature(params, b.lookupStruct)
	if err != nil {
		return bytecode.FunctionHandle{}, fmt.Errorf("params: %w", err)
	}
	rsig, err := parseSignature(returns, b.lookupStruct)
	if err != nil {
		return bytecode.FunctionHandle{}, fmt.Errorf("returns: %w", err)
	}
	pidx, err := b.signature(psig)
	if err != nil {
		return bytecode.FunctionHandle{}, err
	}
	ridx, err := b.signature(rsig)
	if err != nil {
		return bytecode.FunctionHandle{}, err
	}
	tp, err := safecast.Conv[uint16](tps)
	if err != nil {
		return bytecode.FunctionHandle{}, fmt.Errorf("type_params: %w", err)
	}
	return bytecode.FunctionHandle{Module: mod, Name: nameIdx, Parameters: pidx, Return: ridx, TypeParameters: tp}, nil
}

func (b *builder) declareFunctions(self bytecode.ModuleHandleIndex, src *Source) error {
	for i := range src.Functions {
		d := &src.Functions[i]
		name, err := normalizeIdent(d.Name)
		if err != nil {
			return fmt.Errorf("function: %w", err)
		}
		d.Name = name
		h, err := b.handleFor(self, name, d.TypeParams, d.Params, d.Returns)
		if err != nil {
			return fmt.Errorf("function %s: %w", name, err)
		}
		hidx, err := b.functionHandle(name, h)
		if err != nil {
			return err
		}
		vis, err := parseVisibility(d.Visibility)
		if err != nil {
			return fmt.Errorf("function %s: %w", name, err)
		}
		b.m.FunctionDefs = append(b.m.FunctionDefs, bytecode.FunctionDefinition{
			Function:   hidx,
			Visibility: vis,
			Entry:      d.Entry,
		})
	}
	for _, imp := range src.Imports {
		modName, err := normalizeIdent(imp.Module)
		if err != nil {
			return err
		}
		mod, err := b.moduleHandle(imp.Address, modName)
		if err != nil {
			return err
		}
		for _, f := range imp.Functions {
			name, err := normalizeIdent(f.Name)
			if err != nil {
				return fmt.Errorf("import %s: %w", modName, err)
			}
			h, err := b.handleFor(mod, name, f.TypeParams, f.Params, f.Returns)
			if err != nil {
				return fmt.Errorf("import %s::%s: %w", modName, name, err)
			}
			if _, err := b.functionHandle(modName+"::"+name, h); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *builder) defineFunction(d *FunctionDecl) error {
	hidx := b.funcs[d.Name]
	var def *bytecode.FunctionDefinition
	for i := range b.m.FunctionDefs {
		if b.m.FunctionDefs[i].Function == hidx {
			def = &b.m.FunctionDefs[i]
			break
		}
	}
	if def == nil {
		return fmt.Errorf("no definition slot")
	}
	for _, a := range d.Acquires {
		sdef, err := b.lookupStructDef(a)
		if err != nil {
			return fmt.Errorf("acquires: %w", err)
		}
		def.Acquires = append(def.Acquires, sdef)
	}
	if d.Native {
		if strings.TrimSpace(d.Code) != "" || len(d.Locals) > 0 {
			return fmt.Errorf("native functions have no body")
		}
		return nil
	}
	locals, err := parseSignature(d.Locals, b.lookupStruct)
	if err != nil {
		return fmt.Errorf("locals: %w", err)
	}
	lidx, err := b.signature(locals)
	if err != nil {
		return err
	}
	code, err := b.assembleCode(d.Code)
	if err != nil {
		return err
	}
	def.Code = &bytecode.CodeUnit{Locals: lidx, Code: code}
	return nil
}
