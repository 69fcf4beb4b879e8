package wan

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/crimsonvista/playground/internal/switchnet"
	"github.com/crimsonvista/playground/internal/wire"
)

// DirectLink instantiates the matched pair of in-process sessions that
// model an APSP direct neighbor edge between two LAN switches: one
// endpoint lives on swA announcing "{prefixB}.0.0.0" (making it the
// gateway-to-B on A's LAN), the other lives on swB announcing
// "{prefixA}.0.0.0". A write arriving at one endpoint is decoded and
// re-delivered to the peer switch as if received from the peer
// endpoint, optionally corrupted to model a lossy core.
//
// Grounded on the direct inter-switch link concept and
// _examples/original_source/src/playground/network/devices/routing/HierarchyWAN.py.
type DirectLink struct {
	lossRate atomic.Uint64 // loss rate * 1e6, stored as an integer for atomic access

	onDrop atomic.Pointer[func(linkID string)]

	left  *linkEnd
	right *linkEnd
}

// OnDrop installs a callback invoked whenever a corrupted frame fails
// to decode and is dropped, naming the linkEnd id that observed it.
// wand wires this to a Dampener to suppress repeated flap warnings for
// a noisy link.
func (dl *DirectLink) OnDrop(f func(linkID string)) {
	dl.onDrop.Store(&f)
}

// NewDirectLink creates and registers both endpoints of a direct link
// between swA (prefix prefixA) and swB (prefix prefixB), with initial
// corruption probability lossRate (0..1).
func NewDirectLink(swA *switchnet.Switch, prefixA int, swB *switchnet.Switch, prefixB int, lossRate float64) *DirectLink {
	dl := &DirectLink{}
	dl.SetLossRate(lossRate)

	left := &linkEnd{id: fmt.Sprintf("wan-link-%d->%d", prefixA, prefixB), sw: swB, link: dl}
	right := &linkEnd{id: fmt.Sprintf("wan-link-%d->%d", prefixB, prefixA), sw: swA, link: dl}
	left.peer, right.peer = right, left

	dl.left, dl.right = left, right

	swA.RegisterLink(left, fmt.Sprintf("%d.0.0.0", prefixB))
	swB.RegisterLink(right, fmt.Sprintf("%d.0.0.0", prefixA))

	return dl
}

// SetLossRate atomically updates the corruption probability (0..1),
// runtime-mutable via SPMP like the unreliable switch's parameters.
func (dl *DirectLink) SetLossRate(rate float64) {
	if rate < 0 {
		rate = 0
	}

	if rate > 1 {
		rate = 1
	}

	dl.lossRate.Store(uint64(rate * 1e6))
}

// LossRate returns the current corruption probability.
func (dl *DirectLink) LossRate() float64 {
	return float64(dl.lossRate.Load()) / 1e6
}

// Close unregisters both endpoints from their switches.
func (dl *DirectLink) Close() {
	dl.left.sw.UnregisterLink(dl.left)
	dl.right.sw.UnregisterLink(dl.right)
}

// linkEnd is one side of a DirectLink: registered on one switch
// (announcing the neighbor's prefix block), writing into the other.
type linkEnd struct {
	id   string
	sw   *switchnet.Switch // the PEER's switch: writes to this end are delivered there
	peer *linkEnd
	link *DirectLink
}

func (e *linkEnd) ID() string { return e.id }

func (e *linkEnd) WriteFrame(frame []byte) error {
	if e.link.LossRate() > 0 && randFloat() < e.link.LossRate() {
		frame = corruptOneByte(frame)
	}

	p, _, err := wire.DecodePacket(frame, wire.Default())
	if err != nil {
		if cb := e.link.onDrop.Load(); cb != nil {
			(*cb)(e.id)
		}

		return nil // malformed after corruption: dropped, not fatal
	}

	return e.sw.HandleFrame(e.peer, frame, p)
}

func corruptOneByte(frame []byte) []byte {
	if len(frame) == 0 {
		return frame
	}

	out := append([]byte(nil), frame...)
	idx := randIntn(len(out))
	out[idx] ^= 1 << uint(randIntn(8))

	return out
}

func randIntn(n int) int {
	if n <= 0 {
		return 0
	}

	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}

	return int(v.Int64())
}

func randFloat() float64 {
	const precision = 1 << 24

	v, err := rand.Int(rand.Reader, big.NewInt(precision))
	if err != nil {
		return 0
	}

	return float64(v.Int64()) / float64(precision)
}
