package bytecode

import (
	"strconv"
	"strings"
)

// TokenKind enumerates the shapes a SignatureToken can take.
type TokenKind uint8

const (
	TokBool TokenKind = iota
	TokU8
	TokU16
	TokU32
	TokU64
	TokU128
	TokU256
	TokAddress
	TokSigner
	TokVector
	TokStruct
	TokStructInstantiation
	TokReference
	TokMutableReference
	TokTypeParameter
)

// SignatureToken is a static type as it appears in signatures.
//
// Inner is the element type of TokVector and the referent of the two
// reference kinds. Struct names the handle of TokStruct and
// TokStructInstantiation; TypeArgs holds the instantiation. Param is the
// index of a TokTypeParameter.
type SignatureToken struct {
	Kind     TokenKind         `msgpack:"k"`
	Inner    *SignatureToken   `msgpack:"in,omitempty"`
	Struct   StructHandleIndex `msgpack:"s,omitempty"`
	TypeArgs []SignatureToken  `msgpack:"ta,omitempty"`
	Param    uint16            `msgpack:"p,omitempty"`
}

// Signature is an ordered list of types (parameters, returns, locals, type arguments).
type Signature []SignatureToken

// Primitive tokens.
var (
	Bool    = SignatureToken{Kind: TokBool}
	U8      = SignatureToken{Kind: TokU8}
	U16     = SignatureToken{Kind: TokU16}
	U32     = SignatureToken{Kind: TokU32}
	U64     = SignatureToken{Kind: TokU64}
	U128    = SignatureToken{Kind: TokU128}
	U256    = SignatureToken{Kind: TokU256}
	Address = SignatureToken{Kind: TokAddress}
	Signer  = SignatureToken{Kind: TokSigner}
)

// VectorOf builds vector<elem>.
func VectorOf(elem SignatureToken) SignatureToken {
	return SignatureToken{Kind: TokVector, Inner: &elem}
}

// RefTo builds &inner.
func RefTo(inner SignatureToken) SignatureToken {
	return SignatureToken{Kind: TokReference, Inner: &inner}
}

// MutRefTo builds &mut inner.
func MutRefTo(inner SignatureToken) SignatureToken {
	return SignatureToken{Kind: TokMutableReference, Inner: &inner}
}

// StructOf builds a non-generic struct type.
func StructOf(h StructHandleIndex) SignatureToken {
	return SignatureToken{Kind: TokStruct, Struct: h}
}

// StructInst builds a generic struct instantiation.
func StructInst(h StructHandleIndex, args ...SignatureToken) SignatureToken {
	return SignatureToken{Kind: TokStructInstantiation, Struct: h, TypeArgs: args}
}

// TypeParam builds a reference to the i-th type parameter.
func TypeParam(i uint16) SignatureToken {
	return SignatureToken{Kind: TokTypeParameter, Param: i}
}

// IsReference reports whether the token is & or &mut.
func (t SignatureToken) IsReference() bool {
	return t.Kind == TokReference || t.Kind == TokMutableReference
}

// IsMutableReference reports whether the token is &mut.
func (t SignatureToken) IsMutableReference() bool {
	return t.Kind == TokMutableReference
}

// Equal compares two tokens structurally.
func (t SignatureToken) Equal(o SignatureToken) bool {
	if t.Kind != o.Kind || t.Struct != o.Struct || t.Param != o.Param || len(t.TypeArgs) != len(o.TypeArgs) {
		return false
	}
	if (t.Inner == nil) != (o.Inner == nil) {
		return false
	}
	if t.Inner != nil && !t.Inner.Equal(*o.Inner) {
		return false
	}
	for i := range t.TypeArgs {
		if !t.TypeArgs[i].Equal(o.TypeArgs[i]) {
			return false
		}
	}
	return true
}

// Equal compares two signatures element-wise.
func (s Signature) Equal(o Signature) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if !s[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

var primitiveNames = map[TokenKind]string{
	TokBool:    "bool",
	TokU8:      "u8",
	TokU16:     "u16",
	TokU32:     "u32",
	TokU64:     "u64",
	TokU128:    "u128",
	TokU256:    "u256",
	TokAddress: "address",
	TokSigner:  "signer",
}

// String renders the token; struct handles are printed by index.
func (t SignatureToken) String() string {
	var sb strings.Builder
	t.write(&sb, nil)
	return sb.String()
}

// Format renders the token resolving struct handle names through names.
func (t SignatureToken) Format(names func(StructHandleIndex) string) string {
	var sb strings.Builder
	t.write(&sb, names)
	return sb.String()
}

func (t SignatureToken) write(sb *strings.Builder, names func(StructHandleIndex) string) {
	if name, ok := primitiveNames[t.Kind]; ok {
		sb.WriteString(name)
		return
	}
	switch t.Kind {
	case TokVector:
		sb.WriteString("vector<")
		if t.Inner != nil {
			t.Inner.write(sb, names)
		}
		sb.WriteByte('>')
	case TokReference, TokMutableReference:
		sb.WriteByte('&')
		if t.Kind == TokMutableReference {
			sb.WriteString("mut ")
		}
		if t.Inner != nil {
			t.Inner.write(sb, names)
		}
	case TokStruct, TokStructInstantiation:
		if names != nil {
			sb.WriteString(names(t.Struct))
		} else {
			sb.WriteString("S#")
			sb.WriteString(strconv.Itoa(int(t.Struct)))
		}
		if len(t.TypeArgs) > 0 {
			sb.WriteByte('<')
			for i, arg := range t.TypeArgs {
				if i > 0 {
					sb.WriteString(", ")
				}
				arg.write(sb, names)
			}
			sb.WriteByte('>')
		}
	case TokTypeParameter:
		sb.WriteByte('T')
		sb.WriteString(strconv.Itoa(int(t.Param)))
	default:
		sb.WriteString("?")
	}
}
