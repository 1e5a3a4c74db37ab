package bytecode

import (
	"fmt"
	"strconv"
)

// CodeOffset is the position of an instruction inside a code unit.
type CodeOffset uint16

// Instr is a single bytecode instruction.
//
// Index is the primary operand: a local slot, a pool index (field handle,
// struct definition, function handle, signature, constant, instantiation) or
// a branch target, depending on Op. Count is the element count of VecPack and
// VecUnpack. Value is the immediate of the LdU* family.
type Instr struct {
	Op    Opcode `msgpack:"op"`
	Index uint16 `msgpack:"ix,omitempty"`
	Count uint64 `msgpack:"n,omitempty"`
	Value uint64 `msgpack:"v,omitempty"`
}

// Target returns the branch target of a branching instruction.
func (in Instr) Target() (CodeOffset, bool) {
	if !in.Op.HasTarget() {
		return 0, false
	}
	return CodeOffset(in.Index), true
}

// String renders the instruction with raw pool indices.
func (in Instr) String() string {
	switch in.Op {
	case OpLdU8, OpLdU16, OpLdU32, OpLdU64, OpLdU128, OpLdU256:
		return in.Op.String() + " " + strconv.FormatUint(in.Value, 10)
	case OpVecPack, OpVecUnpack:
		return fmt.Sprintf("%s sig#%d %d", in.Op, in.Index, in.Count)
	case OpBrTrue, OpBrFalse, OpBranch:
		return fmt.Sprintf("%s @%d", in.Op, in.Index)
	case OpCopyLoc, OpMoveLoc, OpStLoc, OpMutBorrowLoc, OpImmBorrowLoc:
		return fmt.Sprintf("%s %d", in.Op, in.Index)
	case OpCall, OpCallGeneric, OpPack, OpPackGeneric, OpUnpack, OpUnpackGeneric,
		OpMutBorrowField, OpMutBorrowFieldGeneric, OpImmBorrowField, OpImmBorrowFieldGeneric,
		OpMutBorrowGlobal, OpMutBorrowGlobalGeneric, OpImmBorrowGlobal, OpImmBorrowGlobalGeneric,
		OpExists, OpExistsGeneric, OpMoveFrom, OpMoveFromGeneric, OpMoveTo, OpMoveToGeneric,
		OpLdConst, OpVecLen, OpVecImmBorrow, OpVecMutBorrow, OpVecPushBack, OpVecPopBack, OpVecSwap:
		return fmt.Sprintf("%s #%d", in.Op, in.Index)
	default:
		return in.Op.String()
	}
}

// Convenience constructors used by the assembler and tests.

func Simple(op Opcode) Instr {
	return Instr{Op: op}
}

func WithIndex(op Opcode, idx uint16) Instr {
	return Instr{Op: op, Index: idx}
}

func LdU64(v uint64) Instr {
	return Instr{Op: OpLdU64, Value: v}
}

func Branch(op Opcode, target CodeOffset) Instr {
	return Instr{Op: op, Index: uint16(target)}
}
