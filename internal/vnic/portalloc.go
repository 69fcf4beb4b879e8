package vnic

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// minEphemeralPort and maxEphemeralPort bound the range the VNIC draws
// source ports from when an application does not request one, matching
// the expected port∈[2000,65535) expectation.
const (
	minEphemeralPort = 2000
	maxEphemeralPort = 65535
)

// maxAllocAttempts caps random-probe attempts before declaring the
// range exhausted, mirroring the BFD discriminator allocator's safety
// net against a pathological allocation state.
const maxAllocAttempts = 1000

// ErrPortRangeExhausted indicates every port in the ephemeral range is
// currently allocated.
var ErrPortRangeExhausted = errors.New("vnic: ephemeral port range exhausted")

// ErrPortInUse indicates a caller-requested specific port is already
// bound to a SocketControl.
var ErrPortInUse = errors.New("vnic: port already in use")

// PortAllocator hands out unique uint16 ports in [minEphemeralPort,
// maxEphemeralPort) by random probing, and tracks caller-pinned ports
// requested by listen operations.
//
// Grounded on _examples/dantte-lp-gobfd/internal/bfd/discriminator.go's
// random-probe allocator shape, adapted from a 32-bit discriminator
// space to the 16-bit ephemeral port range used by listen/connect.
type PortAllocator struct {
	mu        sync.Mutex
	allocated map[uint16]struct{}
}

// NewPortAllocator returns an empty PortAllocator.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{allocated: make(map[uint16]struct{})}
}

// Allocate returns a free port chosen at random from the ephemeral
// range, marking it in use.
func (a *PortAllocator) Allocate() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := uint32(maxEphemeralPort - minEphemeralPort)

	var buf [4]byte

	for range maxAllocAttempts {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate random port: %w", err)
		}

		port := uint16(minEphemeralPort + binary.BigEndian.Uint32(buf[:])%span)

		if _, taken := a.allocated[port]; taken {
			continue
		}

		a.allocated[port] = struct{}{}

		return port, nil
	}

	return 0, fmt.Errorf("allocate port after %d attempts: %w", maxAllocAttempts, ErrPortRangeExhausted)
}

// Reserve pins a specific port (used when an application requests an
// explicit listen port), failing with ErrPortInUse if already taken.
func (a *PortAllocator) Reserve(port uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, taken := a.allocated[port]; taken {
		return ErrPortInUse
	}

	a.allocated[port] = struct{}{}

	return nil
}

// Release frees port for future allocation. Releasing an unallocated
// port is a no-op.
func (a *PortAllocator) Release(port uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.allocated, port)
}

// InUse reports whether port is currently allocated.
func (a *PortAllocator) InUse(port uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.allocated[port]

	return ok
}
