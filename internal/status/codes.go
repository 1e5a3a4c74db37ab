package status

import "fmt"

// Code identifies the reason a verification step failed.
type Code uint16

const (
	// Unknown is the zero code.
	Unknown Code = 0

	// Reference safety.
	CopyLocExistsBorrow                   Code = 1001
	CopyMutRef                            Code = 1002
	MoveLocExistsBorrow                   Code = 1003
	StLocUnsafeToDestroy                  Code = 1004
	BorrowLocExistsBorrow                 Code = 1005
	FieldExistsMutableBorrow              Code = 1006
	BorrowFieldImmutableParent            Code = 1007
	FreezeRefExistsMutableBorrow          Code = 1008
	ReadRefExistsMutableBorrow            Code = 1009
	WriteRefExistsBorrow                  Code = 1010
	WriteRefImmutable                     Code = 1011
	VecUpdateExistsMutableBorrow          Code = 1012
	VecBorrowElementExistsMutableBorrow   Code = 1013
	VecMutateImmutable                    Code = 1014
	GlobalReferenceError                  Code = 1015
	CallBorrowedMutableReference          Code = 1016
	RetBorrowedMutableReference           Code = 1017
	InvalidReturnRef                      Code = 1018
	UnsafeRetLocalOrResourceStillBorrowed Code = 1019
	MissingAcquiresAnnotation             Code = 1020

	// Malformed input that earlier passes should have rejected.
	VerifierInvariantViolation Code = 2001
	IndexOutOfBounds           Code = 2002
	MalformedModule            Code = 2003

	// A function the driver left unchecked.
	FunctionNotVerified Code = 3001

	// Bugs in the verifier itself.
	VerifierInternalError Code = 9001
)

var codeNames = map[Code]string{
	Unknown:                               "UNKNOWN",
	CopyLocExistsBorrow:                   "COPYLOC_EXISTS_BORROW_ERROR",
	CopyMutRef:                            "COPYLOC_MUTABLE_REFERENCE_ALIASED",
	MoveLocExistsBorrow:                   "MOVELOC_EXISTS_BORROW_ERROR",
	StLocUnsafeToDestroy:                  "STLOC_UNSAFE_TO_DESTROY_ERROR",
	BorrowLocExistsBorrow:                 "BORROWLOC_EXISTS_BORROW_ERROR",
	FieldExistsMutableBorrow:              "FIELD_EXISTS_MUTABLE_BORROW_ERROR",
	BorrowFieldImmutableParent:            "BORROWFIELD_IMMUTABLE_PARENT_ERROR",
	FreezeRefExistsMutableBorrow:          "FREEZEREF_EXISTS_MUTABLE_BORROW_ERROR",
	ReadRefExistsMutableBorrow:            "READREF_EXISTS_MUTABLE_BORROW_ERROR",
	WriteRefExistsBorrow:                  "WRITEREF_EXISTS_BORROW_ERROR",
	WriteRefImmutable:                     "WRITEREF_NO_MUTABLE_REFERENCE_ERROR",
	VecUpdateExistsMutableBorrow:          "VEC_UPDATE_EXISTS_MUTABLE_BORROW_ERROR",
	VecBorrowElementExistsMutableBorrow:   "VEC_BORROW_ELEMENT_EXISTS_MUTABLE_BORROW_ERROR",
	VecMutateImmutable:                    "VEC_MUTATE_IMMUTABLE_REFERENCE_ERROR",
	GlobalReferenceError:                  "GLOBAL_REFERENCE_ERROR",
	CallBorrowedMutableReference:          "CALL_BORROWED_MUTABLE_REFERENCE_ERROR",
	RetBorrowedMutableReference:           "RET_BORROWED_MUTABLE_REFERENCE_ERROR",
	InvalidReturnRef:                      "RET_REFERENCE_TO_LOCAL_ERROR",
	UnsafeRetLocalOrResourceStillBorrowed: "UNSAFE_RET_LOCAL_OR_RESOURCE_STILL_BORROWED",
	MissingAcquiresAnnotation:             "MISSING_ACQUIRES_ANNOTATION",
	VerifierInvariantViolation:            "VERIFIER_INVARIANT_VIOLATION",
	IndexOutOfBounds:                      "INDEX_OUT_OF_BOUNDS",
	MalformedModule:                       "MALFORMED_MODULE",
	FunctionNotVerified:                   "FUNCTION_NOT_VERIFIED",
	VerifierInternalError:                 "VERIFIER_INTERNAL_ERROR",
}

// String returns the stable symbolic name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", uint16(c))
}

// ID returns the short numeric form used in diagnostics, e.g. "R1004".
func (c Code) ID() string {
	prefix := "R"
	switch c.Category() {
	case CategoryInvariant:
		prefix = "V"
	case CategoryInternal:
		prefix = "I"
	}
	return fmt.Sprintf("%s%04d", prefix, uint16(c))
}

// Category groups codes into the kinds a module author sees.
type Category uint8

const (
	CategoryUnknown Category = iota
	// CategoryDangling covers destroying or moving memory that is still borrowed.
	CategoryDangling
	// CategoryExistingBorrow covers mutable aliasing: a new access conflicts with a live borrow.
	CategoryExistingBorrow
	// CategoryWriteToImmutable covers mutation through a shared reference.
	CategoryWriteToImmutable
	// CategoryInvalidReturn covers references to locals escaping the frame.
	CategoryInvalidReturn
	// CategoryGlobalReference covers illegal global resource access while borrowed.
	CategoryGlobalReference
	// CategoryCopyMutRef covers duplicating a mutable reference that is already aliased.
	CategoryCopyMutRef
	// CategoryInvariant covers input that earlier passes should have rejected.
	CategoryInvariant
	// CategoryInternal covers verifier bugs.
	CategoryInternal
	// CategoryNotVerified covers functions skipped after an earlier failure.
	CategoryNotVerified
)

func (c Category) String() string {
	switch c {
	case CategoryDangling:
		return "dangling reference"
	case CategoryExistingBorrow:
		return "existing borrow"
	case CategoryWriteToImmutable:
		return "write to immutable reference"
	case CategoryInvalidReturn:
		return "invalid return reference"
	case CategoryGlobalReference:
		return "global reference"
	case CategoryCopyMutRef:
		return "copied mutable reference"
	case CategoryInvariant:
		return "invariant violation"
	case CategoryInternal:
		return "internal error"
	case CategoryNotVerified:
		return "not verified"
	default:
		return "unknown"
	}
}

// Category reports which user-facing kind c belongs to.
func (c Code) Category() Category {
	switch c {
	case MoveLocExistsBorrow, StLocUnsafeToDestroy, UnsafeRetLocalOrResourceStillBorrowed:
		return CategoryDangling
	case CopyLocExistsBorrow, BorrowLocExistsBorrow, FieldExistsMutableBorrow,
		FreezeRefExistsMutableBorrow, ReadRefExistsMutableBorrow, WriteRefExistsBorrow,
		VecUpdateExistsMutableBorrow, VecBorrowElementExistsMutableBorrow,
		CallBorrowedMutableReference, RetBorrowedMutableReference:
		return CategoryExistingBorrow
	case WriteRefImmutable, BorrowFieldImmutableParent, VecMutateImmutable:
		return CategoryWriteToImmutable
	case InvalidReturnRef:
		return CategoryInvalidReturn
	case GlobalReferenceError, MissingAcquiresAnnotation:
		return CategoryGlobalReference
	case CopyMutRef:
		return CategoryCopyMutRef
	case VerifierInvariantViolation, IndexOutOfBounds, MalformedModule:
		return CategoryInvariant
	case VerifierInternalError:
		return CategoryInternal
	case FunctionNotVerified:
		return CategoryNotVerified
	default:
		return CategoryUnknown
	}
}
