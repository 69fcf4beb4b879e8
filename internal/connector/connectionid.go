package connector

import "sync/atomic"

// connectionAllocator hands out sequential connectionIds, unique for
// the lifetime of one Connector process.
//
// Unlike the VNIC's port allocator (internal/vnic.PortAllocator, random
// to avoid a predictable ephemeral-port space), only
// a "connectionId counter" here: a plain incrementing counter is
// enough since the id space is purely internal bookkeeping between a
// connector and its own VNIC control sessions, never exposed on the
// overlay wire itself.
type connectionAllocator struct {
	next atomic.Uint32
}

func newConnectionAllocator() *connectionAllocator {
	return &connectionAllocator{}
}

// Allocate returns the next connectionId, starting at 1.
func (a *connectionAllocator) Allocate() uint32 {
	return a.next.Add(1)
}
