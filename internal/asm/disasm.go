package asm

import (
	"fmt"
	"strings"

	"refsafe/internal/bytecode"
)

// Disassemble renders every function of m with names resolved. Out of range
// pool indices are printed raw so that malformed modules can still be
// inspected.
func Disassemble(m *bytecode.Module) string {
	d := &disassembler{m: m}
	var sb strings.Builder
	fmt.Fprintf(&sb, "module %s", m.Name())
	if int(m.SelfModuleHandle) < len(m.ModuleHandles) {
		fmt.Fprintf(&sb, " @ %s", m.ModuleHandles[m.SelfModuleHandle].Address)
	}
	sb.WriteByte('\n')
	for i := range m.StructDefs {
		d.writeStruct(&sb, &m.StructDefs[i])
	}
	for i := range m.FunctionDefs {
		sb.WriteByte('\n')
		sb.WriteString(d.Function(bytecode.FunctionDefinitionIndex(i)))
	}
	return sb.String()
}

type disassembler struct {
	m *bytecode.Module
}

func (d *disassembler) ident(i bytecode.IdentifierIndex) string {
	if int(i) < len(d.m.Identifiers) {
		return d.m.Identifiers[i]
	}
	return fmt.Sprintf("id#%d", i)
}

func (d *disassembler) structName(h bytecode.StructHandleIndex) string {
	if int(h) >= len(d.m.StructHandles) {
		return fmt.Sprintf("S#%d", h)
	}
	sh := d.m.StructHandles[h]
	name := d.ident(sh.Name)
	if sh.Module != d.m.SelfModuleHandle && int(sh.Module) < len(d.m.ModuleHandles) {
		return d.ident(d.m.ModuleHandles[sh.Module].Name) + "::" + name
	}
	return name
}

func (d *disassembler) typ(t bytecode.SignatureToken) string {
	return t.Format(d.structName)
}

func (d *disassembler) sig(idx bytecode.SignatureIndex) string {
	if int(idx) >= len(d.m.Signatures) {
		return fmt.Sprintf("sig#%d", idx)
	}
	parts := make([]string, len(d.m.Signatures[idx]))
	for i, t := range d.m.Signatures[idx] {
		parts[i] = d.typ(t)
	}
	return strings.Join(parts, ", ")
}

func (d *disassembler) defName(def bytecode.StructDefinitionIndex) string {
	if int(def) >= len(d.m.StructDefs) {
		return fmt.Sprintf("def#%d", def)
	}
	return d.structName(d.m.StructDefs[def].Handle)
}

func (d *disassembler) funcName(h bytecode.FunctionHandleIndex) string {
	if int(h) >= len(d.m.FunctionHandles) {
		return fmt.Sprintf("F#%d", h)
	}
	fh := d.m.FunctionHandles[h]
	name := d.ident(fh.Name)
	if fh.Module != d.m.SelfModuleHandle && int(fh.Module) < len(d.m.ModuleHandles) {
		return d.ident(d.m.ModuleHandles[fh.Module].Name) + "::" + name
	}
	return name
}

// field renders a field handle as "Owner<args>.name"; args may be empty.
func (d *disassembler) field(fh bytecode.FieldHandleIndex, args string) string {
	if int(fh) >= len(d.m.FieldHandles) {
		return fmt.Sprintf("field#%d", fh)
	}
	h := d.m.FieldHandles[fh]
	owner := d.defName(h.Owner)
	if args != "" {
		owner += "<" + args + ">"
	}
	if int(h.Owner) < len(d.m.StructDefs) {
		if fields := d.m.StructDefs[h.Owner].Fields; int(h.Field) < len(fields) {
			return owner + "." + d.ident(fields[h.Field].Name)
		}
	}
	return fmt.Sprintf("%s.%d", owner, h.Field)
}

func (d *disassembler) writeStruct(sb *strings.Builder, def *bytecode.StructDefinition) {
	kind := "struct"
	if def.Native {
		kind = "native struct"
	}
	fmt.Fprintf(sb, "%s %s", kind, d.structName(def.Handle))
	if int(def.Handle) < len(d.m.StructHandles) && d.m.StructHandles[def.Handle].Key {
		sb.WriteString(" has key")
	}
	if len(def.Fields) == 0 {
		sb.WriteByte('\n')
		return
	}
	sb.WriteString(" {")
	for i, f := range def.Fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(sb, " %s: %s", d.ident(f.Name), d.typ(f.Type))
	}
	sb.WriteString(" }\n")
}

// Function renders one function definition of m.
func Function(m *bytecode.Module, idx bytecode.FunctionDefinitionIndex) string {
	return (&disassembler{m: m}).Function(idx)
}

func (d *disassembler) Function(idx bytecode.FunctionDefinitionIndex) string {
	var sb strings.Builder
	if int(idx) >= len(d.m.FunctionDefs) {
		fmt.Fprintf(&sb, "function #%d out of range\n", idx)
		return sb.String()
	}
	def := &d.m.FunctionDefs[idx]
	if def.IsNative() {
		sb.WriteString("native ")
	}
	fmt.Fprintf(&sb, "fun %s", d.funcName(def.Function))
	if int(def.Function) < len(d.m.FunctionHandles) {
		fh := d.m.FunctionHandles[def.Function]
		fmt.Fprintf(&sb, "(%s)", d.sig(fh.Parameters))
		if ret := d.sig(fh.Return); ret != "" {
			fmt.Fprintf(&sb, ": (%s)", ret)
		}
	}
	if len(def.Acquires) > 0 {
		names := make([]string, len(def.Acquires))
		for i, a := range def.Acquires {
			names[i] = d.defName(a)
		}
		fmt.Fprintf(&sb, " acquires %s", strings.Join(names, ", "))
	}
	sb.WriteByte('\n')
	if def.IsNative() {
		return sb.String()
	}
	if locals := d.sig(def.Code.Locals); locals != "" {
		fmt.Fprintf(&sb, "  locals: %s\n", locals)
	}
	for off, in := range def.Code.Code {
		fmt.Fprintf(&sb, "  %4d: %s\n", off, d.Instr(in))
	}
	return sb.String()
}

// Instr renders in with its operand resolved by name.
func (d *disassembler) Instr(in bytecode.Instr) string {
	op := in.Op.String()
	switch operands[in.Op] {
	case opNone:
		return op
	case opLocal, opConst:
		return fmt.Sprintf("%s %d", op, in.Index)
	case opImmediate:
		return fmt.Sprintf("%s %d", op, in.Value)
	case opTarget:
		return fmt.Sprintf("%s %d", op, in.Index)
	case opFunction:
		return op + " " + d.funcName(bytecode.FunctionHandleIndex(in.Index))
	case opFunctionInst:
		idx := int(in.Index)
		if idx >= len(d.m.FunctionInstantiations) {
			return fmt.Sprintf("%s #%d", op, in.Index)
		}
		fi := d.m.FunctionInstantiations[idx]
		return fmt.Sprintf("%s %s<%s>", op, d.funcName(fi.Handle), d.sig(fi.TypeParameters))
	case opStruct:
		return op + " " + d.defName(bytecode.StructDefinitionIndex(in.Index))
	case opStructInst:
		idx := int(in.Index)
		if idx >= len(d.m.StructDefInstantiations) {
			return fmt.Sprintf("%s #%d", op, in.Index)
		}
		si := d.m.StructDefInstantiations[idx]
		return fmt.Sprintf("%s %s<%s>", op, d.defName(si.Def), d.sig(si.TypeParameters))
	case opField:
		return op + " " + d.field(bytecode.FieldHandleIndex(in.Index), "")
	case opFieldInst:
		idx := int(in.Index)
		if idx >= len(d.m.FieldInstantiations) {
			return fmt.Sprintf("%s #%d", op, in.Index)
		}
		fi := d.m.FieldInstantiations[idx]
		return op + " " + d.field(fi.Handle, d.sig(fi.TypeParameters))
	case opVecType:
		return fmt.Sprintf("%s %s", op, d.sig(bytecode.SignatureIndex(in.Index)))
	case opVecTypeCount:
		return fmt.Sprintf("%s %s %d", op, d.sig(bytecode.SignatureIndex(in.Index)), in.Count)
	}
	return in.String()
}

// Instr renders a single instruction of m the way Function does.
func Instr(m *bytecode.Module, in bytecode.Instr) string {
	return (&disassembler{m: m}).Instr(in)
}
