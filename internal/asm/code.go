package asm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"refsafe/internal/bytecode"
)

// operand describes what follows a mnemonic.
type operand uint8

const (
	opNone operand = iota
	opLocal
	opImmediate
	opConst
	opTarget
	opFunction
	opFunctionInst
	opStruct
	opStructInst
	opField
	opFieldInst
	opVecType
	opVecTypeCount
)

var operands = map[bytecode.Opcode]operand{
	bytecode.OpCopyLoc: opLocal, bytecode.OpMoveLoc: opLocal, bytecode.OpStLoc: opLocal,
	bytecode.OpMutBorrowLoc: opLocal, bytecode.OpImmBorrowLoc: opLocal,

	bytecode.OpLdU8: opImmediate, bytecode.OpLdU16: opImmediate, bytecode.OpLdU32: opImmediate,
	bytecode.OpLdU64: opImmediate, bytecode.OpLdU128: opImmediate, bytecode.OpLdU256: opImmediate,
	bytecode.OpLdConst: opConst,

	bytecode.OpBrTrue: opTarget, bytecode.OpBrFalse: opTarget, bytecode.OpBranch: opTarget,

	bytecode.OpCall:        opFunction,
	bytecode.OpCallGeneric: opFunctionInst,

	bytecode.OpPack: opStruct, bytecode.OpUnpack: opStruct,
	bytecode.OpMutBorrowGlobal: opStruct, bytecode.OpImmBorrowGlobal: opStruct,
	bytecode.OpExists: opStruct, bytecode.OpMoveFrom: opStruct, bytecode.OpMoveTo: opStruct,

	bytecode.OpPackGeneric: opStructInst, bytecode.OpUnpackGeneric: opStructInst,
	bytecode.OpMutBorrowGlobalGeneric: opStructInst, bytecode.OpImmBorrowGlobalGeneric: opStructInst,
	bytecode.OpExistsGeneric: opStructInst, bytecode.OpMoveFromGeneric: opStructInst, bytecode.OpMoveToGeneric: opStructInst,

	bytecode.OpMutBorrowField: opField, bytecode.OpImmBorrowField: opField,
	bytecode.OpMutBorrowFieldGeneric: opFieldInst, bytecode.OpImmBorrowFieldGeneric: opFieldInst,

	bytecode.OpVecLen: opVecType, bytecode.OpVecImmBorrow: opVecType, bytecode.OpVecMutBorrow: opVecType,
	bytecode.OpVecPushBack: opVecType, bytecode.OpVecPopBack: opVecType, bytecode.OpVecSwap: opVecType,
	bytecode.OpVecPack: opVecTypeCount, bytecode.OpVecUnpack: opVecTypeCount,
}

type codeLine struct {
	no       int
	mnemonic string
	arg      string
}

func stripComment(line string) string {
	if i := strings.Index(line, "//"); i >= 0 {
		line = line[:i]
	}
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// assembleCode turns the text of a function body into instructions. The
// first pass assigns offsets to labels, the second encodes.
func (b *builder) assembleCode(text string) ([]bytecode.Instr, error) {
	labels := make(map[string]bytecode.CodeOffset)
	var lines []codeLine
	for i, raw := range strings.Split(text, "\n") {
		line := stripComment(raw)
		if line == "" {
			continue
		}
		if label, ok := strings.CutSuffix(line, ":"); ok && !strings.ContainsAny(label, " \t") {
			name, err := normalizeIdent(label)
			if err != nil {
				return nil, fmt.Errorf("line %d: label: %w", i+1, err)
			}
			if _, dup := labels[name]; dup {
				return nil, fmt.Errorf("line %d: label %s defined twice", i+1, name)
			}
			off, err := poolIndex(len(lines), "instruction")
			if err != nil {
				return nil, err
			}
			labels[name] = bytecode.CodeOffset(off)
			continue
		}
		mnemonic, arg, _ := strings.Cut(line, " ")
		lines = append(lines, codeLine{no: i + 1, mnemonic: mnemonic, arg: strings.TrimSpace(arg)})
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty body")
	}

	code := make([]bytecode.Instr, 0, len(lines))
	var errs []error
	for _, l := range lines {
		in, err := b.encode(l, labels)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %s: %w", l.no, l.mnemonic, err))
			continue
		}
		code = append(code, in)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return code, nil
}

func (b *builder) encode(l codeLine, labels map[string]bytecode.CodeOffset) (bytecode.Instr, error) {
	op, ok := bytecode.OpcodeByName(l.mnemonic)
	if !ok {
		return bytecode.Instr{}, fmt.Errorf("unknown instruction")
	}
	kind := operands[op]
	if kind == opNone {
		if l.arg != "" {
			return bytecode.Instr{}, fmt.Errorf("unexpected operand %q", l.arg)
		}
		return bytecode.Simple(op), nil
	}
	if l.arg == "" {
		return bytecode.Instr{}, fmt.Errorf("missing operand")
	}

	switch kind {
	case opLocal:
		n, err := strconv.ParseUint(l.arg, 10, 8)
		if err != nil {
			return bytecode.Instr{}, fmt.Errorf("local index: %w", err)
		}
		return bytecode.WithIndex(op, uint16(n)), nil

	case opImmediate:
		v, err := strconv.ParseUint(l.arg, 0, immediateBits(op))
		if err != nil {
			return bytecode.Instr{}, fmt.Errorf("immediate: %w", err)
		}
		return bytecode.Instr{Op: op, Value: v}, nil

	case opConst:
		n, err := strconv.ParseUint(l.arg, 10, 16)
		if err != nil {
			return bytecode.Instr{}, fmt.Errorf("constant index: %w", err)
		}
		if int(n) >= len(b.m.Constants) {
			return bytecode.Instr{}, fmt.Errorf("constant %d not declared", n)
		}
		return bytecode.WithIndex(op, uint16(n)), nil

	case opTarget:
		if off, ok := labels[canonicalName(l.arg)]; ok {
			return bytecode.Branch(op, off), nil
		}
		n, err := strconv.ParseUint(l.arg, 10, 16)
		if err != nil {
			return bytecode.Instr{}, fmt.Errorf("unknown label %q", l.arg)
		}
		return bytecode.Branch(op, bytecode.CodeOffset(n)), nil

	case opFunction:
		h, ok := b.funcs[canonicalName(l.arg)]
		if !ok {
			return bytecode.Instr{}, fmt.Errorf("unknown function %q", l.arg)
		}
		return bytecode.WithIndex(op, uint16(h)), nil

	case opFunctionInst:
		name, args, err := b.splitGeneric(l.arg)
		if err != nil {
			return bytecode.Instr{}, err
		}
		h, ok := b.funcs[canonicalName(name)]
		if !ok {
			return bytecode.Instr{}, fmt.Errorf("unknown function %q", name)
		}
		sig, err := b.signature(args)
		if err != nil {
			return bytecode.Instr{}, err
		}
		idx, err := b.functionInst(bytecode.FunctionInstantiation{Handle: h, TypeParameters: sig})
		if err != nil {
			return bytecode.Instr{}, err
		}
		return bytecode.WithIndex(op, uint16(idx)), nil

	case opStruct:
		def, err := b.lookupStructDef(l.arg)
		if err != nil {
			return bytecode.Instr{}, err
		}
		return bytecode.WithIndex(op, uint16(def)), nil

	case opStructInst:
		idx, err := b.structInstOperand(l.arg)
		if err != nil {
			return bytecode.Instr{}, err
		}
		return bytecode.WithIndex(op, uint16(idx)), nil

	case opField, opFieldInst:
		return b.fieldOperand(op, kind, l.arg)

	case opVecType:
		sig, err := b.elementSignature(l.arg)
		if err != nil {
			return bytecode.Instr{}, err
		}
		return bytecode.WithIndex(op, uint16(sig)), nil

	case opVecTypeCount:
		i := strings.LastIndexAny(l.arg, " \t")
		if i < 0 {
			return bytecode.Instr{}, fmt.Errorf("expected \"type count\"")
		}
		n, err := strconv.ParseUint(strings.TrimSpace(l.arg[i:]), 10, 64)
		if err != nil {
			return bytecode.Instr{}, fmt.Errorf("element count: %w", err)
		}
		sig, err := b.elementSignature(l.arg[:i])
		if err != nil {
			return bytecode.Instr{}, err
		}
		return bytecode.Instr{Op: op, Index: uint16(sig), Count: n}, nil
	}
	return bytecode.Instr{}, fmt.Errorf("unsupported operand kind %d", kind)
}

func immediateBits(op bytecode.Opcode) int {
	switch op {
	case bytecode.OpLdU8:
		return 8
	case bytecode.OpLdU16:
		return 16
	case bytecode.OpLdU32:
		return 32
	}
	return 64
}

func (b *builder) elementSignature(arg string) (bytecode.SignatureIndex, error) {
	t, err := parseType(arg, b.lookupStruct)
	if err != nil {
		return 0, err
	}
	return b.signature(bytecode.Signature{t})
}

// splitGeneric splits "name<T1, T2>" into the name and the parsed type
// arguments.
func (b *builder) splitGeneric(s string) (string, bytecode.Signature, error) {
	open := strings.IndexByte(s, '<')
	if open < 0 || !strings.HasSuffix(s, ">") {
		return "", nil, fmt.Errorf("expected name<types> in %q", s)
	}
	name := strings.TrimSpace(s[:open])
	var args []string
	depth, start := 0, open+1
	inner := s[:len(s)-1]
	for i := open + 1; i < len(inner); i++ {
		switch inner[i] {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				args = append(args, inner[start:i])
				start = i + 1
			}
		}
	}
	args = append(args, inner[start:])
	sig, err := parseSignature(args, b.lookupStruct)
	if err != nil {
		return "", nil, err
	}
	return name, sig, nil
}

func (b *builder) structInstOperand(arg string) (bytecode.StructDefInstantiationIndex, error) {
	name, args, err := b.splitGeneric(arg)
	if err != nil {
		return 0, err
	}
	def, err := b.lookupStructDef(name)
	if err != nil {
		return 0, err
	}
	sig, err := b.signature(args)
	if err != nil {
		return 0, err
	}
	return b.structInst(bytecode.StructDefInstantiation{Def: def, TypeParameters: sig})
}

// fieldOperand encodes "S.f" or, for generic borrows, "S<T>.f".
func (b *builder) fieldOperand(op bytecode.Opcode, kind operand, arg string) (bytecode.Instr, error) {
	dot := strings.LastIndexByte(arg, '.')
	if dot < 0 {
		return bytecode.Instr{}, fmt.Errorf("expected Struct.field in %q", arg)
	}
	owner, field := strings.TrimSpace(arg[:dot]), canonicalName(arg[dot+1:])

	var (
		def  bytecode.StructDefinitionIndex
		args bytecode.Signature
		err  error
	)
	if kind == opFieldInst {
		var name string
		name, args, err = b.splitGeneric(owner)
		if err != nil {
			return bytecode.Instr{}, err
		}
		owner = name
	}
	def, err = b.lookupStructDef(owner)
	if err != nil {
		return bytecode.Instr{}, err
	}
	pos := -1
	for i, n := range b.fieldNames[def] {
		if n == field {
			pos = i
			break
		}
	}
	if pos < 0 {
		return bytecode.Instr{}, fmt.Errorf("struct %s has no field %s", owner, field)
	}
	fidx, err := poolIndex(pos, "field")
	if err != nil {
		return bytecode.Instr{}, err
	}
	fh, err := b.fieldHandle(bytecode.FieldHandle{Owner: def, Field: fidx})
	if err != nil {
		return bytecode.Instr{}, err
	}
	if kind == opField {
		return bytecode.WithIndex(op, uint16(fh)), nil
	}
	sig, err := b.signature(args)
	if err != nil {
		return bytecode.Instr{}, err
	}
	fi, err := b.fieldInst(bytecode.FieldInstantiation{Handle: fh, TypeParameters: sig})
	if err != nil {
		return bytecode.Instr{}, err
	}
	return bytecode.WithIndex(op, uint16(fi)), nil
}
