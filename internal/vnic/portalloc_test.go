package vnic

import "testing"

func TestPortAllocatorAllocatesWithinRange(t *testing.T) {
	t.Parallel()

	a := NewPortAllocator()

	for range 100 {
		port, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}

		if port < minEphemeralPort || port >= maxEphemeralPort {
			t.Fatalf("allocated port %d out of range [%d,%d)", port, minEphemeralPort, maxEphemeralPort)
		}
	}
}

func TestPortAllocatorNeverDoubleAllocates(t *testing.T) {
	t.Parallel()

	a := NewPortAllocator()
	seen := make(map[uint16]bool)

	for range 500 {
		port, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}

		if seen[port] {
			t.Fatalf("port %d allocated twice", port)
		}

		seen[port] = true
	}
}

func TestPortAllocatorReserveRejectsInUsePort(t *testing.T) {
	t.Parallel()

	a := NewPortAllocator()

	if err := a.Reserve(666); err != nil {
		t.Fatalf("first Reserve(666): %v", err)
	}

	if err := a.Reserve(666); err == nil {
		t.Error("second Reserve(666) should fail with ErrPortInUse")
	}
}

func TestPortAllocatorReleaseFreesPort(t *testing.T) {
	t.Parallel()

	a := NewPortAllocator()

	if err := a.Reserve(500); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	a.Release(500)

	if err := a.Reserve(500); err != nil {
		t.Errorf("Reserve after Release should succeed, got: %v", err)
	}
}
