package wire

import (
	"errors"
	"fmt"
)

// ErrFieldNotSet is returned by Get when a required (non-Optional)
// field was never assigned, and by Encode when such a field is still
// unset at serialization time.
var ErrFieldNotSet = errors.New("field not set")

// ErrUnknownField reports Get/Set on a field name not present in the
// packet's definition.
var ErrUnknownField = errors.New("unknown field")

// Packet is a generic, dynamically-typed instance of a PacketDef. Field
// values are stored by name; concrete packet constructors in catalog.go
// provide typed, ergonomic accessors on top of Get/Set/Has.
//
// This mirrors the source's PacketFields/ComplexFieldType dynamic field
// storage rather than one Go struct per packet type, which is what lets
// the codec itself stay fully generic over the catalog.
type Packet struct {
	Def    *PacketDef
	values map[string]any
}

// NewPacket creates an empty instance of def with no fields set.
func NewPacket(def *PacketDef) *Packet {
	return &Packet{Def: def, values: make(map[string]any, len(def.Fields))}
}

// Identifier returns the packet's registered type identifier.
func (p *Packet) Identifier() string { return p.Def.Identifier }

// Version returns the packet's registered version.
func (p *Packet) Version() Version { return p.Def.Version }

// Set assigns the field named name. It does not validate type
// compatibility with the field's Kind; that is checked at Encode time.
func (p *Packet) Set(name string, value any) *Packet {
	p.values[name] = value
	return p
}

// Has reports whether name currently holds a value.
func (p *Packet) Has(name string) bool {
	_, ok := p.values[name]
	return ok
}

// Get returns the raw value of field name, or ErrFieldNotSet if unset
// and not Optional, or ErrUnknownField if name is not in the
// definition.
func (p *Packet) Get(name string) (any, error) {
	spec, ok := p.Def.FieldByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q on %s", ErrUnknownField, name, p.Def.Identifier)
	}

	v, ok := p.values[name]
	if !ok {
		if spec.Optional {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: %q on %s", ErrFieldNotSet, name, p.Def.Identifier)
	}

	return v, nil
}

// GetString, GetUint64, GetBytes, GetBool, and GetComplex are narrow
// convenience accessors used by catalog.go's typed wrappers; they
// return the zero value if the field is unset and Optional.
func (p *Packet) GetString(name string) (string, error) {
	v, err := p.Get(name)
	if err != nil || v == nil {
		return "", err
	}

	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: field %q is not a string", ErrDefinition, name)
	}

	return s, nil
}

func (p *Packet) GetUint64(name string) (uint64, error) {
	v, err := p.Get(name)
	if err != nil || v == nil {
		return 0, err
	}

	u, ok := v.(uint64)
	if !ok {
		return 0, fmt.Errorf("%w: field %q is not a uint64", ErrDefinition, name)
	}

	return u, nil
}

func (p *Packet) GetBytes(name string) ([]byte, error) {
	v, err := p.Get(name)
	if err != nil || v == nil {
		return nil, err
	}

	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: field %q is not a buffer", ErrDefinition, name)
	}

	return b, nil
}

func (p *Packet) GetBool(name string) (bool, error) {
	v, err := p.Get(name)
	if err != nil || v == nil {
		return false, err
	}

	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: field %q is not a bool", ErrDefinition, name)
	}

	return b, nil
}

func (p *Packet) GetComplex(name string) (*Packet, error) {
	v, err := p.Get(name)
	if err != nil || v == nil {
		return nil, err
	}

	c, ok := v.(*Packet)
	if !ok {
		return nil, fmt.Errorf("%w: field %q is not a complex field", ErrDefinition, name)
	}

	return c, nil
}
