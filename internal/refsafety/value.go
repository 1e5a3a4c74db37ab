package refsafety

import (
	"cmp"
	"fmt"

	"refsafe/internal/borrowgraph"
	"refsafe/internal/bytecode"
)

// RefID identifies a reference inside one function's analysis.
type RefID = borrowgraph.RefID

// AbstractValue is what a stack slot or a local holds during the analysis:
// either an ordinary value or a reference.
type AbstractValue struct {
	ref     bool
	id      RefID
	mutable bool
}

// NonReference is any value that carries no aliasing information.
var NonReference = AbstractValue{}

// Reference builds a reference value.
func Reference(id RefID, mutable bool) AbstractValue {
	return AbstractValue{ref: true, id: id, mutable: mutable}
}

// IsValue reports whether v is a NonReference.
func (v AbstractValue) IsValue() bool { return !v.ref }

// IsReference reports whether v is a reference.
func (v AbstractValue) IsReference() bool { return v.ref }

// RefID returns the id of a reference value.
func (v AbstractValue) RefID() (RefID, bool) { return v.id, v.ref }

// IsMutable reports whether v is a mutable reference.
func (v AbstractValue) IsMutable() bool { return v.ref && v.mutable }

func (v AbstractValue) String() string {
	if !v.ref {
		return "value"
	}
	if v.mutable {
		return fmt.Sprintf("&mut#%d", v.id)
	}
	return fmt.Sprintf("&#%d", v.id)
}

// LabelKind discriminates Label.
type LabelKind uint8

const (
	LabelLocal LabelKind = iota
	LabelGlobal
	LabelField
)

// Label is one step of a borrow path: a local slot of the frame, a global
// resource type, or a field of a struct.
type Label struct {
	Kind LabelKind
	// Index is the local slot for LabelLocal and the struct definition for
	// LabelGlobal and LabelField.
	Index uint16
	Field uint16
}

// Local labels local slot l.
func Local(l bytecode.LocalIndex) Label {
	return Label{Kind: LabelLocal, Index: uint16(l)}
}

// Global labels the global resource of type def.
func Global(def bytecode.StructDefinitionIndex) Label {
	return Label{Kind: LabelGlobal, Index: uint16(def)}
}

// Field labels field field of the struct defined at owner.
func Field(owner bytecode.StructDefinitionIndex, field uint16) Label {
	return Label{Kind: LabelField, Index: uint16(owner), Field: field}
}

// FieldOf converts a resolved field handle.
func FieldOf(h *bytecode.FieldHandle) Label {
	return Field(h.Owner, h.Field)
}

func (l Label) Compare(o Label) int {
	if c := cmp.Compare(l.Kind, o.Kind); c != 0 {
		return c
	}
	if c := cmp.Compare(l.Index, o.Index); c != 0 {
		return c
	}
	return cmp.Compare(l.Field, o.Field)
}

func (l Label) String() string {
	switch l.Kind {
	case LabelLocal:
		return fmt.Sprintf("local(%d)", l.Index)
	case LabelGlobal:
		return fmt.Sprintf("global(%d)", l.Index)
	default:
		return fmt.Sprintf("field(%d.%d)", l.Index, l.Field)
	}
}
