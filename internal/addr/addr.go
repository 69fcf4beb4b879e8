// Package addr implements virtual overlay addresses and address blocks.
//
// An Address is the concrete four-component dotted form used by VNICs and
// application endpoints (e.g. "20.174.5.1"). A Block is the same shape but
// permits "*" wildcards on any component, used when a switch session
// registers a promiscuous or partially-specified listener.
//
// Grounded on _examples/original_source/src/playground/network/common/PlaygroundAddress.py.
package addr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidAddress is returned when a string does not parse as a
// well-formed four-component address or block.
var ErrInvalidAddress = errors.New("invalid playground address")

const numComponents = 4

// Wildcard is the component string that matches any value in a Block.
const Wildcard = "*"

// Address is a concrete, fully-specified virtual address: four
// non-negative integer components.
type Address struct {
	parts [numComponents]int
	str   string
}

// ParseAddress parses a dotted four-component address string. Every
// component must be a non-negative integer; "*" is not permitted.
func ParseAddress(s string) (Address, error) {
	parts, err := splitParts(s)
	if err != nil {
		return Address{}, err
	}

	var a Address

	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Address{}, fmt.Errorf("%w: component %q is not a non-negative integer", ErrInvalidAddress, p)
		}

		a.parts[i] = n
	}

	a.str = s

	return a, nil
}

// MustParseAddress parses s and panics on error. Intended for tests and
// constant-like initialization, never for input from the wire.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}

	return a
}

func (a Address) String() string { return a.str }

// Zone, Network, Device, and Index return the four components in order.
func (a Address) Zone() int    { return a.parts[0] }
func (a Address) Network() int { return a.parts[1] }
func (a Address) Device() int  { return a.parts[2] }
func (a Address) Index() int   { return a.parts[3] }

// Part returns the i'th component (0-3).
func (a Address) Part(i int) int { return a.parts[i] }

// Equal reports structural equality. Addresses compare by their
// canonical string form.
func (a Address) Equal(other Address) bool { return a.str == other.str }

// Block returns the Block consisting of exactly this address (no
// wildcards), useful when looking up exact-match registrations.
func (a Address) Block() Block {
	parts := [numComponents]string{}
	for i, p := range a.parts {
		parts[i] = strconv.Itoa(p)
	}

	return Block{parts: parts, str: a.str}
}

// Block is an address shape that permits "*" on any trailing or interior
// component. The zero value is not valid; use RootBlock or ParseBlock.
type Block struct {
	parts [numComponents]string
	str   string
}

// RootBlock returns "*.*.*.*", the block every address belongs to.
func RootBlock() Block {
	b, _ := ParseBlock("*.*.*.*")
	return b
}

// ParseBlock parses a dotted four-component block string; each component
// is either "*" or a non-negative integer.
func ParseBlock(s string) (Block, error) {
	parts, err := splitParts(s)
	if err != nil {
		return Block{}, err
	}

	var b Block

	for i, p := range parts {
		if p != Wildcard {
			n, err := strconv.Atoi(p)
			if err != nil || n < 0 {
				return Block{}, fmt.Errorf("%w: component %q is not \"*\" or a non-negative integer", ErrInvalidAddress, p)
			}
		}

		b.parts[i] = p
	}

	b.str = s

	return b, nil
}

func (b Block) String() string { return b.str }

// Equal reports structural equality by string form.
func (b Block) Equal(other Block) bool { return b.str == other.str }

// IsRoot reports whether this is the "*.*.*.*" block.
func (b Block) IsRoot() bool { return b.str == "*.*.*.*" }

// IsParentOf reports whether every non-wildcard component of b equals the
// corresponding component of a. The root block is a parent of every
// address.
func (b Block) IsParentOf(a Address) bool {
	for i, p := range b.parts {
		if p == Wildcard {
			continue
		}

		if p != strconv.Itoa(a.parts[i]) {
			return false
		}
	}

	return true
}

// ParentBlock returns the next block up the chain toward "*.*.*.*": the
// same block with its last non-wildcard component (scanning from the
// right) replaced by "*". Calling ParentBlock on the root block returns
// the root block unchanged.
func (b Block) ParentBlock() Block {
	parts := b.parts

	for i := numComponents - 1; i >= 0; i-- {
		if parts[i] != Wildcard {
			parts[i] = Wildcard
			return Block{parts: parts, str: strings.Join(parts[:], ".")}
		}
	}

	return b
}

// ParentChain walks from the most specific block containing addr (addr's
// own exact-match block) up to the root, inclusive, in that order. This
// is the walk the switch uses for promiscuous wildcard matching: exact
// match first, then progressively broader wildcards.
func ParentChain(addr Address) []Block {
	chain := make([]Block, 0, numComponents+1)
	block := addr.Block()
	chain = append(chain, block)

	for !block.IsRoot() {
		block = block.ParentBlock()
		chain = append(chain, block)
	}

	return chain
}

func splitParts(s string) ([numComponents]string, error) {
	var out [numComponents]string

	fields := strings.Split(s, ".")
	if len(fields) != numComponents {
		return out, fmt.Errorf("%w: %q does not have %d components", ErrInvalidAddress, s, numComponents)
	}

	for i, f := range fields {
		if f == "" {
			return out, fmt.Errorf("%w: %q has an empty component", ErrInvalidAddress, s)
		}

		out[i] = f
	}

	return out, nil
}
