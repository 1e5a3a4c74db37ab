package asm

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"refsafe/internal/bytecode"
)

// normalizeIdent returns the NFC form of an identifier and checks that it
// is made of letters, digits and underscores and does not start with a digit.
func normalizeIdent(s string) (string, error) {
	s = norm.NFC.String(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("empty identifier")
	}
	for i, r := range s {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case unicode.IsDigit(r) && i > 0:
		default:
			return "", fmt.Errorf("invalid identifier %q", s)
		}
	}
	return s, nil
}

var primitives = map[string]bytecode.SignatureToken{
	"bool":    bytecode.Bool,
	"u8":      bytecode.U8,
	"u16":     bytecode.U16,
	"u32":     bytecode.U32,
	"u64":     bytecode.U64,
	"u128":    bytecode.U128,
	"u256":    bytecode.U256,
	"address": bytecode.Address,
	"signer":  bytecode.Signer,
}

// typeParser parses type expressions. structs resolves a (possibly
// qualified) struct name to its handle.
type typeParser struct {
	src     string
	pos     int
	structs func(name string) (bytecode.StructHandleIndex, error)
}

func parseType(s string, structs func(string) (bytecode.StructHandleIndex, error)) (bytecode.SignatureToken, error) {
	p := &typeParser{src: s, structs: structs}
	t, err := p.parse()
	if err != nil {
		return bytecode.SignatureToken{}, fmt.Errorf("type %q: %w", s, err)
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return bytecode.SignatureToken{}, fmt.Errorf("type %q: trailing input %q", s, p.src[p.pos:])
	}
	return t, nil
}

func parseSignature(list []string, structs func(string) (bytecode.StructHandleIndex, error)) (bytecode.Signature, error) {
	sig := make(bytecode.Signature, 0, len(list))
	for _, s := range list {
		t, err := parseType(s, structs)
		if err != nil {
			return nil, err
		}
		sig = append(sig, t)
	}
	return sig, nil
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *typeParser) eat(s string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.src[p.pos:], s) {
		p.pos += len(s)
		return true
	}
	return false
}

func (p *typeParser) ident() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '<' || c == '>' || c == ',' || c == ' ' || c == '\t' || c == '&' || c == '.' {
			break
		}
		if c == ':' && !strings.HasPrefix(p.src[p.pos:], "::") {
			break
		}
		if c == ':' {
			p.pos += 2
			continue
		}
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *typeParser) parse() (bytecode.SignatureToken, error) {
	if p.eat("&") {
		mutable := false
		save := p.pos
		if p.ident() == "mut" {
			mutable = true
		} else {
			p.pos = save
		}
		inner, err := p.parse()
		if err != nil {
			return bytecode.SignatureToken{}, err
		}
		if inner.IsReference() {
			return bytecode.SignatureToken{}, fmt.Errorf("reference to reference")
		}
		if mutable {
			return bytecode.MutRefTo(inner), nil
		}
		return bytecode.RefTo(inner), nil
	}

	name := p.ident()
	if name == "" {
		return bytecode.SignatureToken{}, fmt.Errorf("expected a type at offset %d", p.pos)
	}
	if t, ok := primitives[name]; ok {
		return t, nil
	}
	if idx, ok := typeParamIndex(name); ok {
		return bytecode.TypeParam(idx), nil
	}

	var args []bytecode.SignatureToken
	if p.eat("<") {
		for {
			arg, err := p.parse()
			if err != nil {
				return bytecode.SignatureToken{}, err
			}
			if arg.IsReference() {
				return bytecode.SignatureToken{}, fmt.Errorf("reference used as type argument")
			}
			args = append(args, arg)
			if p.eat(">") {
				break
			}
			if !p.eat(",") {
				return bytecode.SignatureToken{}, fmt.Errorf("expected ',' or '>' at offset %d", p.pos)
			}
		}
	}
	if name == "vector" {
		if len(args) != 1 {
			return bytecode.SignatureToken{}, fmt.Errorf("vector takes one type argument, got %d", len(args))
		}
		return bytecode.VectorOf(args[0]), nil
	}
	h, err := p.structs(name)
	if err != nil {
		return bytecode.SignatureToken{}, err
	}
	if len(args) > 0 {
		return bytecode.StructInst(h, args...), nil
	}
	return bytecode.StructOf(h), nil
}

// typeParamIndex recognizes T0, T1, ...
func typeParamIndex(name string) (uint16, bool) {
	if len(name) < 2 || name[0] != 'T' {
		return 0, false
	}
	n, err := strconv.ParseUint(name[1:], 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}
