package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// errIncomplete is returned internally by the reader when the buffer
// does not yet hold enough bytes to satisfy a read. DecodePacket
// surfaces it as ErrIncomplete so the streaming decoder (stream.go)
// knows to wait for more bytes rather than treating it as malformed.
var errIncomplete = errors.New("incomplete frame")

// ErrIncomplete is returned by DecodePacket when the supplied buffer
// does not yet contain a whole packet. Callers using the one-shot
// Decode/Encode API (rather than the StreamDecoder) should treat this
// the same as any other decode error, since they are not expected to
// be fed partial frames.
var ErrIncomplete = errIncomplete

// ErrMalformed reports a structurally invalid frame: bad length
// prefixes, an unregistered identifier/version, or an unknown field
// tag. Per the error handling design, the caller (stream.go) drops the
// offending frame and resynchronizes rather than treating this as
// fatal.
var ErrMalformed = errors.New("malformed wire frame")

const (
	maxStringLen = (1 << 16) - 1
	maxIdentLen  = 1<<8 - 1

	maxReasonableIdentLen   = 64
	maxReasonableVersionLen = 16
)

// ---- low-level writer ----

type writer struct {
	buf []byte
}

func (w *writer) writeByte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) writeBytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) writeUintWidth(v uint64, width int) {
	var tmp [8]byte

	binary.BigEndian.PutUint64(tmp[:], v)
	w.writeBytes(tmp[8-width:])
}

func (w *writer) writeUint16(v uint16) { w.writeUintWidth(uint64(v), 2) }

func (w *writer) writeString(s string) error {
	if len(s) > maxStringLen {
		return fmt.Errorf("%w: string of length %d exceeds max %d", ErrMalformed, len(s), maxStringLen)
	}

	w.writeUint16(uint16(len(s)))
	w.writeBytes([]byte(s))

	return nil
}

func (w *writer) writeBuffer(b []byte) {
	w.writeUintWidth(uint64(len(b)), 8)
	w.writeBytes(b)
}

// ---- low-level reader ----

type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) readBytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, errIncomplete
	}

	b := r.buf[r.pos : r.pos+n]
	r.pos += n

	return b, nil
}

func (r *reader) readUintWidth(width int) (uint64, error) {
	b, err := r.readBytes(width)
	if err != nil {
		return 0, err
	}

	var tmp [8]byte

	copy(tmp[8-width:], b)

	return binary.BigEndian.Uint64(tmp[:]), nil
}

func (r *reader) readUint16() (uint16, error) {
	v, err := r.readUintWidth(2)
	return uint16(v), err
}

func (r *reader) readString() (string, error) {
	n, err := r.readUint16()
	if err != nil {
		return "", err
	}

	b, err := r.readBytes(int(n))
	if err != nil {
		return "", err
	}

	return string(b), nil
}

func (r *reader) readBuffer() ([]byte, error) {
	n, err := r.readUintWidth(8)
	if err != nil {
		return nil, err
	}

	if n > uint64(maxReasonableBufferLen) {
		return nil, fmt.Errorf("%w: buffer length %d exceeds sanity limit", ErrMalformed, n)
	}

	b, err := r.readBytes(int(n))
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out, nil
}

// maxReasonableBufferLen bounds buffer-field lengths read off the wire
// so a corrupted length prefix cannot trigger an enormous allocation
// attempt before the bytes are even available.
const maxReasonableBufferLen = 64 << 20

// ---- packet-level encode ----

// EncodePacket serializes p per the wire format: identifier/version
// header, then a uint16 field count followed by that many (tag,
// encoded-value) pairs. Optional fields left unset are omitted from
// both the count and the stream; required fields left unset are an
// error.
func EncodePacket(p *Packet) ([]byte, error) {
	w := &writer{}

	if len(p.Def.Identifier) > maxIdentLen {
		return nil, fmt.Errorf("%w: identifier %q too long", ErrMalformed, p.Def.Identifier)
	}

	w.writeByte(byte(len(p.Def.Identifier)))
	w.writeBytes([]byte(p.Def.Identifier))

	verStr := p.Def.Version.String()
	w.writeByte(byte(len(verStr)))
	w.writeBytes([]byte(verStr))

	type encoded struct {
		tag   uint16
		bytes []byte
	}

	present := make([]encoded, 0, len(p.Def.Fields))

	for _, spec := range p.Def.Fields {
		v, ok := p.values[spec.Name]
		if !ok {
			if spec.Optional {
				continue
			}

			return nil, fmt.Errorf("%w: %q on %s", ErrFieldNotSet, spec.Name, p.Def.Identifier)
		}

		fw := &writer{}
		if err := encodeValue(fw, spec, v); err != nil {
			return nil, fmt.Errorf("encode field %q of %s: %w", spec.Name, p.Def.Identifier, err)
		}

		present = append(present, encoded{tag: spec.Tag, bytes: fw.buf})
	}

	w.writeUint16(uint16(len(present)))

	for _, e := range present {
		w.writeUint16(e.tag)
		w.writeBytes(e.bytes)
	}

	return w.buf, nil
}

func encodeValue(w *writer, spec FieldSpec, v any) error {
	switch spec.Kind {
	case KindUint:
		u, ok := v.(uint64)
		if !ok {
			return fmt.Errorf("%w: expected uint64 for field %q", ErrMalformed, spec.Name)
		}

		maxValue := spec.MaxValue
		if maxValue == 0 {
			maxValue = defaultMaxUint
		}

		if u > maxValue {
			return fmt.Errorf("%w: value %d exceeds MaxValue %d for field %q", ErrMalformed, u, maxValue, spec.Name)
		}

		w.writeUintWidth(u, spec.uintWidth())

		return nil
	case KindInt:
		i, ok := v.(int64)
		if !ok {
			return fmt.Errorf("%w: expected int64 for field %q", ErrMalformed, spec.Name)
		}

		w.writeUintWidth(uint64(i), 8)

		return nil
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%w: expected bool for field %q", ErrMalformed, spec.Name)
		}

		if b {
			w.writeByte(1)
		} else {
			w.writeByte(0)
		}

		return nil
	case KindFloat:
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%w: expected float64 for field %q", ErrMalformed, spec.Name)
		}

		w.writeUintWidth(math.Float64bits(f), 8)

		return nil
	case KindString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: expected string for field %q", ErrMalformed, spec.Name)
		}

		return w.writeString(s)
	case KindBuffer:
		b, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("%w: expected []byte for field %q", ErrMalformed, spec.Name)
		}

		w.writeBuffer(b)

		return nil
	case KindComplex:
		c, ok := v.(*Packet)
		if !ok {
			return fmt.Errorf("%w: expected *Packet for complex field %q", ErrMalformed, spec.Name)
		}

		return encodeComplexBody(w, c)
	case KindList:
		items, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%w: expected []any for list field %q", ErrMalformed, spec.Name)
		}

		if spec.Elem == nil {
			return fmt.Errorf("%w: list field %q missing element spec", ErrDefinition, spec.Name)
		}

		w.writeUint16(uint16(len(items)))

		for _, item := range items {
			if err := encodeValue(w, *spec.Elem, item); err != nil {
				return err
			}
		}

		return nil
	default:
		return fmt.Errorf("%w: unknown kind %v for field %q", ErrDefinition, spec.Kind, spec.Name)
	}
}

// encodeComplexBody writes just the field-count + tagged-fields body
// of a nested packet, without its own identifier/version header: a
// ComplexField embeds another packet's fields inline.
func encodeComplexBody(w *writer, p *Packet) error {
	type encoded struct {
		tag   uint16
		bytes []byte
	}

	present := make([]encoded, 0, len(p.Def.Fields))

	for _, spec := range p.Def.Fields {
		v, ok := p.values[spec.Name]
		if !ok {
			if spec.Optional {
				continue
			}

			return fmt.Errorf("%w: %q on %s", ErrFieldNotSet, spec.Name, p.Def.Identifier)
		}

		fw := &writer{}
		if err := encodeValue(fw, spec, v); err != nil {
			return err
		}

		present = append(present, encoded{tag: spec.Tag, bytes: fw.buf})
	}

	w.writeUint16(uint16(len(present)))

	for _, e := range present {
		w.writeUint16(e.tag)
		w.writeBytes(e.bytes)
	}

	return nil
}

// ---- packet-level decode ----

// DecodePacket parses one packet from the front of data using reg to
// resolve the identifier/version to a PacketDef. It returns the
// decoded packet and the number of bytes consumed. If data does not
// yet contain a complete frame it returns ErrIncomplete and the caller
// should wait for more bytes. Any other error is ErrMalformed (wrapped)
// and the caller should drop this frame and resynchronize.
func DecodePacket(data []byte, reg *Registry) (*Packet, int, error) {
	r := &reader{buf: data}

	idLen, err := r.readBytes(1)
	if err != nil {
		return nil, 0, err
	}

	// Every catalog identifier is well under this bound. Treating a
	// larger declared length as malformed (rather than "incomplete,
	// keep waiting") lets the stream decoder resynchronize after
	// random garbage instead of stalling forever hoping more bytes
	// will satisfy an implausible length prefix.
	if int(idLen[0]) > maxReasonableIdentLen {
		return nil, 0, fmt.Errorf("%w: implausible identifier length %d", ErrMalformed, idLen[0])
	}

	idBytes, err := r.readBytes(int(idLen[0]))
	if err != nil {
		return nil, 0, err
	}

	verLen, err := r.readBytes(1)
	if err != nil {
		return nil, 0, err
	}

	if int(verLen[0]) > maxReasonableVersionLen {
		return nil, 0, fmt.Errorf("%w: implausible version length %d", ErrMalformed, verLen[0])
	}

	verBytes, err := r.readBytes(int(verLen[0]))
	if err != nil {
		return nil, 0, err
	}

	version, err := ParseVersion(string(verBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	def, ok := reg.Lookup(string(idBytes), version)
	if !ok {
		return nil, 0, fmt.Errorf("%w: unregistered packet %q v%s", ErrMalformed, idBytes, version)
	}

	p := NewPacket(def)
	if err := decodeBody(r, def, p); err != nil {
		return nil, 0, err
	}

	return p, r.pos, nil
}

func decodeBody(r *reader, def *PacketDef, into *Packet) error {
	count, err := r.readUint16()
	if err != nil {
		return err
	}

	for range count {
		tag, err := r.readUint16()
		if err != nil {
			return err
		}

		spec, ok := def.FieldByTag(tag)
		if !ok {
			return fmt.Errorf("%w: unknown field tag %d in %s", ErrMalformed, tag, def.Identifier)
		}

		v, err := decodeValue(r, spec)
		if err != nil {
			return err
		}

		into.values[spec.Name] = v
	}

	return nil
}

func decodeValue(r *reader, spec FieldSpec) (any, error) {
	switch spec.Kind {
	case KindUint:
		return r.readUintWidth(spec.uintWidth())
	case KindInt:
		u, err := r.readUintWidth(8)
		return int64(u), err
	case KindBool:
		b, err := r.readBytes(1)
		if err != nil {
			return nil, err
		}

		return b[0] != 0, nil
	case KindFloat:
		u, err := r.readUintWidth(8)
		if err != nil {
			return nil, err
		}

		return math.Float64frombits(u), nil
	case KindString:
		return r.readString()
	case KindBuffer:
		return r.readBuffer()
	case KindComplex:
		if spec.Nested == nil {
			return nil, fmt.Errorf("%w: complex field %q missing nested definition", ErrDefinition, spec.Name)
		}

		nested := NewPacket(spec.Nested)
		if err := decodeBody(r, spec.Nested, nested); err != nil {
			return nil, err
		}

		return nested, nil
	case KindList:
		if spec.Elem == nil {
			return nil, fmt.Errorf("%w: list field %q missing element spec", ErrDefinition, spec.Name)
		}

		count, err := r.readUint16()
		if err != nil {
			return nil, err
		}

		items := make([]any, 0, count)

		for range count {
			item, err := decodeValue(r, *spec.Elem)
			if err != nil {
				return nil, err
			}

			items = append(items, item)
		}

		return items, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %v for field %q", ErrDefinition, spec.Kind, spec.Name)
	}
}
