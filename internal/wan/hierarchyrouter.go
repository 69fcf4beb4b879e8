package wan

import (
	"sync"

	"github.com/crimsonvista/playground/internal/switchnet"
)

// HierarchyRouter is the per-connection adapter wrapping one inbound
// TCP session to the WAN. It participates in exactly one LAN switch at
// a time; SetLocation migrates its announced address when the
// connected host "moves" to a different prefix.
//
// Grounded on _examples/original_source/src/playground/network/devices/routing/HierarchyRouter.py.
type HierarchyRouter struct {
	id       string
	upstream switchnet.Session
	router   *Router

	mu         sync.Mutex
	prefix     int
	hasLoc     bool
	announced  string
	hasAnnounc bool
}

// NewHierarchyRouter wraps upstream (the real TCP session to the
// connected device or LAN switch) as a WAN-routed adapter, initially
// located at prefix.
func NewHierarchyRouter(id string, upstream switchnet.Session, router *Router, prefix int) *HierarchyRouter {
	return &HierarchyRouter{id: id, upstream: upstream, router: router, prefix: prefix, hasLoc: true}
}

// ID satisfies switchnet.Session.
func (h *HierarchyRouter) ID() string { return h.id }

// WriteFrame satisfies switchnet.Session by forwarding to the real
// upstream TCP session.
func (h *HierarchyRouter) WriteFrame(frame []byte) error { return h.upstream.WriteFrame(frame) }

// Prefix returns the prefix of the LAN switch this adapter currently
// participates in.
func (h *HierarchyRouter) Prefix() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.prefix
}

// noteAnnounce records the address most recently announced by this
// session, so SetLocation can re-register it on a new switch. Called
// by Router.HandleFrame whenever an AnnounceLink is observed for this
// adapter.
func (h *HierarchyRouter) noteAnnounce(address string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.announced = address
	h.hasAnnounc = true
}

// SetLocation migrates the adapter from its current LAN switch to the
// one serving newPrefix: unregister on the old switch, register the
// same previously-announced address on the new one. If the adapter has
// never announced an address, only the current prefix is updated.
func (h *HierarchyRouter) SetLocation(newPrefix int) {
	h.mu.Lock()
	oldPrefix := h.prefix
	announced := h.announced
	hasAnnounc := h.hasAnnounc
	h.prefix = newPrefix
	h.mu.Unlock()

	if oldPrefix == newPrefix {
		return
	}

	if oldSwitch, ok := h.router.Switch(oldPrefix); ok {
		oldSwitch.UnregisterLink(h)
	}

	if !hasAnnounc {
		return
	}

	if newSwitch, ok := h.router.Switch(newPrefix); ok {
		newSwitch.RegisterLink(h, announced)
		h.noteAnnounce(announced)
	}
}
