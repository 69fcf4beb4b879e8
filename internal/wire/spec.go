package wire

import (
	"errors"
	"fmt"
)

// Kind is the intrinsic or structural type of a field.
type Kind int

const (
	KindUint Kind = iota
	KindInt
	KindBool
	KindFloat
	KindString
	KindBuffer
	KindComplex
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindUint:
		return "uint"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBuffer:
		return "buffer"
	case KindComplex:
		return "complex"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// defaultMaxUint is the default MaxValue for unsigned integer fields
// that do not declare one, per spec: "default MaxValue = 2^32-1 for
// unsigned".
const defaultMaxUint = (uint64(1) << 32) - 1

// FieldSpec describes one field of a PacketDef. Name, Kind, and
// Optional are always meaningful; MaxValue/MinValue apply to KindUint/
// KindInt; Elem applies to KindList; Nested applies to KindComplex.
//
// Tag assignment: fields are declared in order via the Fields() helper,
// which assigns sequential tags starting at 0. A field built with
// ExplicitTag (via the WithTag option) keeps its declared tag instead
// and does not consume a sequential slot, matching the source's
// ExplicitTag field attribute.
type FieldSpec struct {
	Name     string
	Tag      uint16
	explicit bool
	Kind     Kind
	Optional bool
	MaxValue uint64
	MinValue int64
	Elem     *FieldSpec
	Nested   *PacketDef
}

// WithTag marks a field as carrying an explicit wire tag rather than
// taking the next sequential one.
func WithTag(f FieldSpec, tag uint16) FieldSpec {
	f.Tag = tag
	f.explicit = true

	return f
}

// uintWidth returns the encoded width in bytes for a KindUint field
// given its MaxValue attribute, per spec: smallest of {1,2,4,8} whose
// 2^(8w) > MaxValue.
func (f FieldSpec) uintWidth() int {
	maxValue := f.MaxValue
	if maxValue == 0 {
		maxValue = defaultMaxUint
	}

	for _, w := range [...]int{1, 2, 4} {
		if (uint64(1) << uint(8*w)) > maxValue {
			return w
		}
	}

	return 8
}

// ErrDefinition reports a malformed or conflicting packet/field
// definition, raised at registration time (a startup-time programming
// error, never at runtime on live traffic).
var ErrDefinition = errors.New("malformed packet definition")

// PacketDef is the registered shape of one packet type: its identifier,
// version, and ordered field schema.
type PacketDef struct {
	Identifier string
	Version    Version
	Fields     []FieldSpec

	byTag  map[uint16]FieldSpec
	byName map[string]FieldSpec
}

// Fields assigns sequential tags 0..n-1 to fields that were not marked
// WithTag, in declaration order, and returns the finished slice ready
// to pass to NewPacketDef.
func Fields(specs ...FieldSpec) []FieldSpec {
	out := make([]FieldSpec, len(specs))

	var next uint16

	for i, s := range specs {
		if !s.explicit {
			s.Tag = next
		}

		if s.Tag >= next {
			next = s.Tag + 1
		}

		out[i] = s
	}

	return out
}

// NewPacketDef builds and validates a PacketDef.
func NewPacketDef(identifier string, version Version, fields []FieldSpec) (*PacketDef, error) {
	if identifier == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrDefinition)
	}

	def := &PacketDef{
		Identifier: identifier,
		Version:    version,
		Fields:     fields,
		byTag:      make(map[uint16]FieldSpec, len(fields)),
		byName:     make(map[string]FieldSpec, len(fields)),
	}

	for _, f := range fields {
		if _, dup := def.byName[f.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate field name %q in %s", ErrDefinition, f.Name, identifier)
		}

		if _, dup := def.byTag[f.Tag]; dup {
			return nil, fmt.Errorf("%w: duplicate field tag %d in %s", ErrDefinition, f.Tag, identifier)
		}

		def.byName[f.Name] = f
		def.byTag[f.Tag] = f
	}

	return def, nil
}

// MustNewPacketDef builds a PacketDef and panics on error; used only at
// package init() time for the built-in catalog, where a definition
// error is a programming bug, not a runtime condition.
func MustNewPacketDef(identifier string, version Version, fields []FieldSpec) *PacketDef {
	def, err := NewPacketDef(identifier, version, fields)
	if err != nil {
		panic(err)
	}

	return def
}

// FieldByTag looks up a field by its wire tag.
func (d *PacketDef) FieldByTag(tag uint16) (FieldSpec, bool) {
	f, ok := d.byTag[tag]
	return f, ok
}

// FieldByName looks up a field by declared name.
func (d *PacketDef) FieldByName(name string) (FieldSpec, bool) {
	f, ok := d.byName[name]
	return f, ok
}
