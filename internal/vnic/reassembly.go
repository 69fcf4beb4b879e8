package vnic

import (
	"sync"
	"time"

	"github.com/crimsonvista/playground/internal/addr"
	"github.com/crimsonvista/playground/internal/wire"
)

// reapAfter is how long an incomplete reassembly may sit idle before
// it is dropped, reaping incomplete reassemblies
// after 5 minutes of inactivity."
const reapAfter = 5 * time.Minute

type fragKey struct {
	key    addr.PortKey
	fragID uint32
}

type fragState struct {
	buf      []byte
	received uint64
	offsets  map[uint64]bool
	timer    *Timer
}

// Reassembler reconstructs payloads the sender split across multiple
// WirePackets sharing a fragId, keyed per logical connection (PortKey)
// so two unrelated connections never collide on the same fragId.
// Incomplete reassemblies are reaped after reapAfter of inactivity.
//
// Grounded on the fragmentation design and
// _examples/original_source/src/playground/network/VNIC.py's
// reassembly-by-fragId buffer.
type Reassembler struct {
	mu        sync.Mutex
	frags     map[fragKey]*fragState
	reapAfter time.Duration
}

// NewReassembler returns an empty Reassembler using the standard
// 5-minute inactivity reap.
func NewReassembler() *Reassembler {
	return NewReassemblerWithReap(reapAfter)
}

// NewReassemblerWithReap is NewReassembler with a configurable reap
// delay, for deterministic tests.
func NewReassemblerWithReap(delay time.Duration) *Reassembler {
	return &Reassembler{frags: make(map[fragKey]*fragState), reapAfter: delay}
}

// Feed applies one fragment belonging to key to its reassembly buffer.
// When the fragment completes the buffer (received bytes reach
// totalSize), Feed returns the full payload and ok=true, removing the
// reassembly state. Otherwise it returns ok=false.
func (r *Reassembler) Feed(key addr.PortKey, frag wire.WireFragData, data []byte) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fk := fragKey{key: key, fragID: frag.FragID}

	state, ok := r.frags[fk]
	if !ok {
		state = &fragState{buf: make([]byte, frag.TotalSize), offsets: make(map[uint64]bool)}
		state.timer = NewTimer(r.reapAfter, func() { r.reap(fk) })
		r.frags[fk] = state
	}

	end := frag.Offset + uint64(len(data))
	if end > uint64(len(state.buf)) {
		// Malformed fragment claiming to exceed its own declared
		// totalSize: drop this reassembly rather than risk an
		// out-of-bounds write or silently truncated payload.
		state.timer.Cancel()
		delete(r.frags, fk)

		return nil, false
	}

	if state.offsets[frag.Offset] {
		state.timer.Start()
		return nil, false
	}

	state.offsets[frag.Offset] = true

	copy(state.buf[frag.Offset:end], data)
	state.received += uint64(len(data))

	if state.received >= uint64(len(state.buf)) {
		state.timer.Cancel()
		delete(r.frags, fk)

		return state.buf, true
	}

	state.timer.Start()

	return nil, false
}

func (r *Reassembler) reap(fk fragKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.frags, fk)
}

// Pending reports how many in-flight reassemblies are currently
// tracked, for diagnostics.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.frags)
}
