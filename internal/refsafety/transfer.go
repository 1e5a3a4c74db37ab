package refsafety

import (
	"refsafe/internal/absint"
	"refsafe/internal/bytecode"
	"refsafe/internal/status"
)

// analysis holds what the transfer functions need beyond the state: the
// module tables, the function under verification and the operand stack.
type analysis struct {
	resolver bytecode.Resolver
	view     *bytecode.FunctionView
	names    map[bytecode.IdentifierIndex]bytecode.FunctionDefinitionIndex
	stack    []AbstractValue
	// offset of the instruction being executed, for internal errors
	offset bytecode.CodeOffset
}

var _ absint.Transfer[*AbstractState] = (*analysis)(nil)

func (a *analysis) push(v AbstractValue) { a.stack = append(a.stack, v) }

func (a *analysis) pop() AbstractValue {
	n := len(a.stack)
	assertf(n > 0, "pop from empty operand stack")
	v := a.stack[n-1]
	a.stack = a.stack[:n-1]
	return v
}

func (a *analysis) popValue() {
	v := a.pop()
	assertf(v.IsValue(), "expected a value on the stack, found %s", v)
}

func (a *analysis) popRef() RefID {
	v := a.pop()
	id, ok := v.RefID()
	assertf(ok, "expected a reference on the stack, found %s", v)
	return id
}

// popN pops n operands and returns them in push order.
func (a *analysis) popN(n int) []AbstractValue {
	out := make([]AbstractValue, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = a.pop()
	}
	return out
}

// located attaches the current instruction to a resolver error.
func (a *analysis) located(err error) error {
	if se, ok := status.As(err); ok && se.Offset == status.NoOffset {
		se.AtCodeOffset(int(a.view.Index), int(a.offset))
	}
	return err
}

func (a *analysis) fail(code status.Code, format string, args ...any) error {
	return status.Newf(code, format, args...).AtCodeOffset(int(a.view.Index), int(a.offset))
}

// Execute applies instr to state. After the last instruction of a block the
// stack must be empty and the state is replaced by its canonical form.
func (a *analysis) Execute(state *AbstractState, instr bytecode.Instr, offset, last bytecode.CodeOffset) error {
	a.offset = offset
	if err := a.execute(state, instr, offset); err != nil {
		return err
	}
	if offset == last {
		assertf(len(a.stack) == 0, "operand stack holds %d values at end of block", len(a.stack))
		*state = *state.Canonical()
	}
	return nil
}

func (a *analysis) execute(state *AbstractState, in bytecode.Instr, offset bytecode.CodeOffset) error {
	switch in.Op {
	case bytecode.OpPop:
		state.ReleaseValue(a.pop())

	case bytecode.OpCopyLoc:
		v, err := state.CopyLoc(offset, localOf(in))
		if err != nil {
			return err
		}
		a.push(v)
	case bytecode.OpMoveLoc:
		v, err := state.MoveLoc(offset, localOf(in))
		if err != nil {
			return err
		}
		a.push(v)
	case bytecode.OpStLoc:
		return state.StLoc(offset, localOf(in), a.pop())

	case bytecode.OpFreezeRef:
		v, err := state.FreezeRef(offset, a.popRef())
		if err != nil {
			return err
		}
		a.push(v)
	case bytecode.OpEq, bytecode.OpNeq:
		v1 := a.pop()
		v2 := a.pop()
		v, err := state.Comparison(offset, v1, v2)
		if err != nil {
			return err
		}
		a.push(v)
	case bytecode.OpReadRef:
		v, err := state.ReadRef(offset, a.popRef())
		if err != nil {
			return err
		}
		a.push(v)
	case bytecode.OpWriteRef:
		id := a.popRef()
		a.popValue()
		return state.WriteRef(offset, id)

	case bytecode.OpMutBorrowLoc, bytecode.OpImmBorrowLoc:
		v, err := state.BorrowLoc(offset, in.Op == bytecode.OpMutBorrowLoc, localOf(in))
		if err != nil {
			return err
		}
		a.push(v)
	case bytecode.OpMutBorrowField, bytecode.OpImmBorrowField,
		bytecode.OpMutBorrowFieldGeneric, bytecode.OpImmBorrowFieldGeneric:
		field, err := a.fieldLabel(in)
		if err != nil {
			return err
		}
		mutable := in.Op == bytecode.OpMutBorrowField || in.Op == bytecode.OpMutBorrowFieldGeneric
		v, err := state.BorrowField(offset, mutable, a.popRef(), field)
		if err != nil {
			return err
		}
		a.push(v)

	case bytecode.OpMutBorrowGlobal, bytecode.OpImmBorrowGlobal,
		bytecode.OpMutBorrowGlobalGeneric, bytecode.OpImmBorrowGlobalGeneric:
		a.popValue()
		def, err := a.resourceDef(in)
		if err != nil {
			return err
		}
		mutable := in.Op == bytecode.OpMutBorrowGlobal || in.Op == bytecode.OpMutBorrowGlobalGeneric
		v, err := state.BorrowGlobal(offset, mutable, def)
		if err != nil {
			return err
		}
		a.push(v)
	case bytecode.OpMoveFrom, bytecode.OpMoveFromGeneric:
		a.popValue()
		def, err := a.resourceDef(in)
		if err != nil {
			return err
		}
		v, err := state.MoveFrom(offset, def)
		if err != nil {
			return err
		}
		a.push(v)

	case bytecode.OpCall:
		return a.call(state, offset, bytecode.FunctionHandleIndex(in.Index))
	case bytecode.OpCallGeneric:
		inst, err := a.resolver.FunctionInstantiationAt(bytecode.FunctionInstantiationIndex(in.Index))
		if err != nil {
			return a.located(err)
		}
		return a.call(state, offset, inst.Handle)

	case bytecode.OpRet:
		values := a.popN(len(a.view.Return))
		return state.Ret(offset, values)

	case bytecode.OpBranch, bytecode.OpNop,
		bytecode.OpCastU8, bytecode.OpCastU16, bytecode.OpCastU32,
		bytecode.OpCastU64, bytecode.OpCastU128, bytecode.OpCastU256,
		bytecode.OpNot, bytecode.OpExists, bytecode.OpExistsGeneric:

	case bytecode.OpBrTrue, bytecode.OpBrFalse, bytecode.OpAbort:
		a.popValue()

	case bytecode.OpMoveTo, bytecode.OpMoveToGeneric:
		a.popValue() // resource
		state.ReleaseValue(a.pop())

	case bytecode.OpLdTrue, bytecode.OpLdFalse:
		a.push(state.ValueFor(bytecode.Bool))
	case bytecode.OpLdU8:
		a.push(state.ValueFor(bytecode.U8))
	case bytecode.OpLdU16:
		a.push(state.ValueFor(bytecode.U16))
	case bytecode.OpLdU32:
		a.push(state.ValueFor(bytecode.U32))
	case bytecode.OpLdU64:
		a.push(state.ValueFor(bytecode.U64))
	case bytecode.OpLdU128:
		a.push(state.ValueFor(bytecode.U128))
	case bytecode.OpLdU256:
		a.push(state.ValueFor(bytecode.U256))
	case bytecode.OpLdConst:
		c, err := a.resolver.ConstantAt(bytecode.ConstantPoolIndex(in.Index))
		if err != nil {
			return a.located(err)
		}
		a.push(state.ValueFor(c.Type))

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpMod, bytecode.OpDiv,
		bytecode.OpBitOr, bytecode.OpBitAnd, bytecode.OpXor, bytecode.OpShl, bytecode.OpShr,
		bytecode.OpOr, bytecode.OpAnd, bytecode.OpLt, bytecode.OpGt, bytecode.OpLe, bytecode.OpGe:
		a.popValue()
		a.popValue()
		a.push(NonReference)

	case bytecode.OpPack, bytecode.OpPackGeneric:
		def, err := a.structDef(in)
		if err != nil {
			return err
		}
		for i := 0; i < def.FieldCount(); i++ {
			a.popValue()
		}
		a.push(NonReference)
	case bytecode.OpUnpack, bytecode.OpUnpackGeneric:
		def, err := a.structDef(in)
		if err != nil {
			return err
		}
		a.popValue()
		for i := 0; i < def.FieldCount(); i++ {
			a.push(NonReference)
		}

	case bytecode.OpVecPack:
		for i := uint64(0); i < in.Count; i++ {
			a.popValue()
		}
		elem, err := a.elementType(in)
		if err != nil {
			return err
		}
		a.push(state.ValueFor(bytecode.VectorOf(elem)))
	case bytecode.OpVecLen:
		if err := state.VectorOp(offset, a.pop(), false); err != nil {
			return err
		}
		a.push(state.ValueFor(bytecode.U64))
	case bytecode.OpVecImmBorrow, bytecode.OpVecMutBorrow:
		a.popValue() // index
		v, err := state.VectorElementBorrow(offset, a.pop(), in.Op == bytecode.OpVecMutBorrow)
		if err != nil {
			return err
		}
		a.push(v)
	case bytecode.OpVecPushBack:
		a.popValue()
		return state.VectorOp(offset, a.pop(), true)
	case bytecode.OpVecPopBack:
		if err := state.VectorOp(offset, a.pop(), true); err != nil {
			return err
		}
		elem, err := a.elementType(in)
		if err != nil {
			return err
		}
		a.push(state.ValueFor(elem))
	case bytecode.OpVecUnpack:
		a.popValue()
		elem, err := a.elementType(in)
		if err != nil {
			return err
		}
		for i := uint64(0); i < in.Count; i++ {
			a.push(state.ValueFor(elem))
		}
	case bytecode.OpVecSwap:
		a.popValue()
		a.popValue()
		return state.VectorOp(offset, a.pop(), true)

	default:
		return a.fail(status.VerifierInvariantViolation, "unknown opcode %d", in.Op)
	}
	return nil
}

func localOf(in bytecode.Instr) bytecode.LocalIndex {
	assertf(in.Index <= 0xff, "local index %d out of range", in.Index)
	return bytecode.LocalIndex(in.Index)
}

func (a *analysis) fieldLabel(in bytecode.Instr) (Label, error) {
	idx := bytecode.FieldHandleIndex(in.Index)
	if in.Op == bytecode.OpMutBorrowFieldGeneric || in.Op == bytecode.OpImmBorrowFieldGeneric {
		inst, err := a.resolver.FieldInstantiationAt(bytecode.FieldInstantiationIndex(in.Index))
		if err != nil {
			return Label{}, a.located(err)
		}
		idx = inst.Handle
	}
	fh, err := a.resolver.FieldHandleAt(idx)
	if err != nil {
		return Label{}, a.located(err)
	}
	return FieldOf(fh), nil
}

// resourceDef resolves the struct definition named by a global storage
// instruction and checks it against the function's acquires annotation.
func (a *analysis) resourceDef(in bytecode.Instr) (bytecode.StructDefinitionIndex, error) {
	def := bytecode.StructDefinitionIndex(in.Index)
	switch in.Op {
	case bytecode.OpMutBorrowGlobalGeneric, bytecode.OpImmBorrowGlobalGeneric, bytecode.OpMoveFromGeneric:
		inst, err := a.resolver.StructInstantiationAt(bytecode.StructDefInstantiationIndex(in.Index))
		if err != nil {
			return 0, a.located(err)
		}
		def = inst.Def
	}
	if _, err := a.resolver.StructDefAt(def); err != nil {
		return 0, a.located(err)
	}
	if !a.view.Acquire(def) {
		return 0, a.fail(status.MissingAcquiresAnnotation,
			"%s of resource %d which the function does not declare as acquired", in.Op, def)
	}
	return def, nil
}

func (a *analysis) structDef(in bytecode.Instr) (*bytecode.StructDefinition, error) {
	idx := bytecode.StructDefinitionIndex(in.Index)
	if in.Op == bytecode.OpPackGeneric || in.Op == bytecode.OpUnpackGeneric {
		inst, err := a.resolver.StructInstantiationAt(bytecode.StructDefInstantiationIndex(in.Index))
		if err != nil {
			return nil, a.located(err)
		}
		idx = inst.Def
	}
	def, err := a.resolver.StructDefAt(idx)
	if err != nil {
		return nil, a.located(err)
	}
	return def, nil
}

func (a *analysis) elementType(in bytecode.Instr) (bytecode.SignatureToken, error) {
	sig, err := a.resolver.SignatureAt(bytecode.SignatureIndex(in.Index))
	if err != nil {
		return bytecode.SignatureToken{}, a.located(err)
	}
	if len(sig) == 0 {
		return bytecode.SignatureToken{}, a.fail(status.VerifierInvariantViolation,
			"%s names an empty element signature", in.Op)
	}
	return sig[0], nil
}

func (a *analysis) call(state *AbstractState, offset bytecode.CodeOffset, idx bytecode.FunctionHandleIndex) error {
	fh, err := a.resolver.FunctionHandleAt(idx)
	if err != nil {
		return a.located(err)
	}
	params, err := a.resolver.SignatureAt(fh.Parameters)
	if err != nil {
		return a.located(err)
	}
	returns, err := a.resolver.SignatureAt(fh.Return)
	if err != nil {
		return a.located(err)
	}
	args := a.popN(len(params))

	acquires, err := a.acquiresOf(idx, fh)
	if err != nil {
		return err
	}
	for _, def := range acquires {
		if !a.view.Acquire(def) {
			return a.fail(status.MissingAcquiresAnnotation,
				"callee acquires resource %d which the caller does not declare", def)
		}
	}
	values, err := state.Call(offset, args, params, acquires, returns)
	if err != nil {
		return err
	}
	for _, v := range values {
		a.push(v)
	}
	return nil
}

// acquiresOf recovers the declared acquires set of the callee behind handle
// idx. Callees in other modules acquire nothing visible here. A same-module
// handle must resolve, through its name, to a definition of that very handle;
// anything else means the module tables are inconsistent.
func (a *analysis) acquiresOf(idx bytecode.FunctionHandleIndex, fh *bytecode.FunctionHandle) ([]bytecode.StructDefinitionIndex, error) {
	if fh.Module != a.resolver.SelfHandle() {
		return nil, nil
	}
	defIdx, ok := a.names[fh.Name]
	if !ok {
		return nil, nil
	}
	def, err := a.resolver.FunctionDefAt(defIdx)
	if err != nil {
		return nil, a.located(err)
	}
	if def.Function == idx {
		return def.Acquires, nil
	}
	defHandle, err := a.resolver.FunctionHandleAt(def.Function)
	if err != nil {
		return nil, a.located(err)
	}
	if defHandle.Equal(*fh) {
		return def.Acquires, nil
	}
	return nil, a.fail(status.VerifierInvariantViolation,
		"call site handle %d does not match the handle %d of the definition it names", idx, def.Function)
}
