package bytecode

// Opcode enumerates bytecode operations.
type Opcode uint8

const (
	OpNop Opcode = iota
	OpPop
	OpRet
	OpBrTrue
	OpBrFalse
	OpBranch
	OpLdU8
	OpLdU16
	OpLdU32
	OpLdU64
	OpLdU128
	OpLdU256
	OpLdConst
	OpLdTrue
	OpLdFalse
	OpCastU8
	OpCastU16
	OpCastU32
	OpCastU64
	OpCastU128
	OpCastU256
	OpCopyLoc
	OpMoveLoc
	OpStLoc
	OpCall
	OpCallGeneric
	OpPack
	OpPackGeneric
	OpUnpack
	OpUnpackGeneric
	OpReadRef
	OpWriteRef
	OpFreezeRef
	OpMutBorrowLoc
	OpImmBorrowLoc
	OpMutBorrowField
	OpMutBorrowFieldGeneric
	OpImmBorrowField
	OpImmBorrowFieldGeneric
	OpMutBorrowGlobal
	OpMutBorrowGlobalGeneric
	OpImmBorrowGlobal
	OpImmBorrowGlobalGeneric
	OpAdd
	OpSub
	OpMul
	OpMod
	OpDiv
	OpBitOr
	OpBitAnd
	OpXor
	OpOr
	OpAnd
	OpNot
	OpEq
	OpNeq
	OpLt
	OpGt
	OpLe
	OpGe
	OpShl
	OpShr
	OpAbort
	OpExists
	OpExistsGeneric
	OpMoveFrom
	OpMoveFromGeneric
	OpMoveTo
	OpMoveToGeneric
	OpVecPack
	OpVecLen
	OpVecImmBorrow
	OpVecMutBorrow
	OpVecPushBack
	OpVecPopBack
	OpVecUnpack
	OpVecSwap

	opcodeCount
)

var opcodeNames = [...]string{
	OpNop:                    "Nop",
	OpPop:                    "Pop",
	OpRet:                    "Ret",
	OpBrTrue:                 "BrTrue",
	OpBrFalse:                "BrFalse",
	OpBranch:                 "Branch",
	OpLdU8:                   "LdU8",
	OpLdU16:                  "LdU16",
	OpLdU32:                  "LdU32",
	OpLdU64:                  "LdU64",
	OpLdU128:                 "LdU128",
	OpLdU256:                 "LdU256",
	OpLdConst:                "LdConst",
	OpLdTrue:                 "LdTrue",
	OpLdFalse:                "LdFalse",
	OpCastU8:                 "CastU8",
	OpCastU16:                "CastU16",
	OpCastU32:                "CastU32",
	OpCastU64:                "CastU64",
	OpCastU128:               "CastU128",
	OpCastU256:               "CastU256",
	OpCopyLoc:                "CopyLoc",
	OpMoveLoc:                "MoveLoc",
	OpStLoc:                  "StLoc",
	OpCall:                   "Call",
	OpCallGeneric:            "CallGeneric",
	OpPack:                   "Pack",
	OpPackGeneric:            "PackGeneric",
	OpUnpack:                 "Unpack",
	OpUnpackGeneric:          "UnpackGeneric",
	OpReadRef:                "ReadRef",
	OpWriteRef:               "WriteRef",
	OpFreezeRef:              "FreezeRef",
	OpMutBorrowLoc:           "MutBorrowLoc",
	OpImmBorrowLoc:           "ImmBorrowLoc",
	OpMutBorrowField:         "MutBorrowField",
	OpMutBorrowFieldGeneric:  "MutBorrowFieldGeneric",
	OpImmBorrowField:         "ImmBorrowField",
	OpImmBorrowFieldGeneric:  "ImmBorrowFieldGeneric",
	OpMutBorrowGlobal:        "MutBorrowGlobal",
	OpMutBorrowGlobalGeneric: "MutBorrowGlobalGeneric",
	OpImmBorrowGlobal:        "ImmBorrowGlobal",
	OpImmBorrowGlobalGeneric: "ImmBorrowGlobalGeneric",
	OpAdd:                    "Add",
	OpSub:                    "Sub",
	OpMul:                    "Mul",
	OpMod:                    "Mod",
	OpDiv:                    "Div",
	OpBitOr:                  "BitOr",
	OpBitAnd:                 "BitAnd",
	OpXor:                    "Xor",
	OpOr:                     "Or",
	OpAnd:                    "And",
	OpNot:                    "Not",
	OpEq:                     "Eq",
	OpNeq:                    "Neq",
	OpLt:                     "Lt",
	OpGt:                     "Gt",
	OpLe:                     "Le",
	OpGe:                     "Ge",
	OpShl:                    "Shl",
	OpShr:                    "Shr",
	OpAbort:                  "Abort",
	OpExists:                 "Exists",
	OpExistsGeneric:          "ExistsGeneric",
	OpMoveFrom:               "MoveFrom",
	OpMoveFromGeneric:        "MoveFromGeneric",
	OpMoveTo:                 "MoveTo",
	OpMoveToGeneric:          "MoveToGeneric",
	OpVecPack:                "VecPack",
	OpVecLen:                 "VecLen",
	OpVecImmBorrow:           "VecImmBorrow",
	OpVecMutBorrow:           "VecMutBorrow",
	OpVecPushBack:            "VecPushBack",
	OpVecPopBack:             "VecPopBack",
	OpVecUnpack:              "VecUnpack",
	OpVecSwap:                "VecSwap",
}

func (op Opcode) String() string {
	if op < opcodeCount {
		return opcodeNames[op]
	}
	return "Unknown"
}

// OpcodeByName looks up an opcode by its mnemonic.
func OpcodeByName(name string) (Opcode, bool) {
	op, ok := opcodesByName[name]
	return op, ok
}

var opcodesByName = func() map[string]Opcode {
	out := make(map[string]Opcode, opcodeCount)
	for op := Opcode(0); op < opcodeCount; op++ {
		out[opcodeNames[op]] = op
	}
	return out
}()

// IsBranch reports whether op ends a basic block.
func (op Opcode) IsBranch() bool {
	switch op {
	case OpBrTrue, OpBrFalse, OpBranch, OpRet, OpAbort:
		return true
	}
	return false
}

// IsUnconditionalBranch reports whether control never falls through op.
func (op Opcode) IsUnconditionalBranch() bool {
	switch op {
	case OpBranch, OpRet, OpAbort:
		return true
	}
	return false
}

// HasTarget reports whether op carries a branch target in Instr.Index.
func (op Opcode) HasTarget() bool {
	switch op {
	case OpBrTrue, OpBrFalse, OpBranch:
		return true
	}
	return false
}
