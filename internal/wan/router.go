package wan

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/crimsonvista/playground/internal/addr"
	"github.com/crimsonvista/playground/internal/switchnet"
	"github.com/crimsonvista/playground/internal/wire"
)

// Router owns the prefix -> LAN switch map and the shared Graph, and
// dispatches frames arriving on HierarchyRouter-wrapped inbound
// sessions with the cross-prefix gateway augmentation described in
// below.
type Router struct {
	graph *Graph

	mu       sync.RWMutex
	switches map[int]*switchnet.Switch

	logger *slog.Logger
}

// NewRouter builds a Router over graph. A nil logger discards output.
func NewRouter(graph *Graph, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Router{graph: graph, switches: make(map[int]*switchnet.Switch), logger: logger}
}

// Graph returns the router's shared topology graph.
func (r *Router) Graph() *Graph { return r.graph }

// AddSwitch registers sw as the LAN switch serving prefix.
func (r *Router) AddSwitch(prefix int, sw *switchnet.Switch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.switches[prefix] = sw
}

// Switch returns the LAN switch serving prefix, if any.
func (r *Router) Switch(prefix int) (*switchnet.Switch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sw, ok := r.switches[prefix]

	return sw, ok
}

// HandleFrame dispatches a frame received from adapter (an inbound
// session currently located at adapter.Prefix()). AnnounceLink is
// delegated to the local LAN switch as-is. WirePacket forwarding
// unions the local switch's exact/wildcard matches with, when the
// destination's prefix differs from the adapter's current prefix, the
// gateway session on the local LAN announcing "{nextHop}.0.0.0" (see
// DirectLink). Everything else goes to the switch's extension hook.
func (r *Router) HandleFrame(adapter *HierarchyRouter, frame []byte, p *wire.Packet) error {
	sw, ok := r.Switch(adapter.Prefix())
	if !ok {
		r.logger.Debug("no LAN switch for prefix", slog.Int("prefix", adapter.Prefix()))
		return nil
	}

	if p.Identifier() == wire.AnnounceLinkDef.Identifier {
		if address, err := p.Address(); err == nil {
			adapter.noteAnnounce(address)
		}

		return sw.HandleFrame(adapter, frame, p)
	}

	if p.Identifier() != wire.WirePacketDef.Identifier {
		return sw.HandleFrame(adapter, frame, p)
	}

	destination, err := p.Destination()
	if err != nil {
		return fmt.Errorf("WirePacket missing destination: %w", err)
	}

	destAddr, err := addr.ParseAddress(destination)
	if err != nil {
		return nil // invalid address: silently dropped per the error-handling policy
	}

	targets := sw.OutboundLinks(destination)

	if destAddr.Zone() != adapter.Prefix() {
		if nextHop, ok := r.graph.NextHop(adapter.Prefix(), destAddr.Zone()); ok {
			gateway := fmt.Sprintf("%d.0.0.0", nextHop)
			targets = append(targets, sw.OutboundLinks(gateway)...)
		}
	}

	sw.ForwardExcept(frame, targets, adapter.ID())

	return nil
}
