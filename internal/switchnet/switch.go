// Package switchnet implements the LAN switch forwarding engine: a
// table mapping announced virtual addresses to TCP sessions, with
// parent-block wildcard matching for promiscuous listeners.
//
// Grounded on _examples/original_source/src/playground/network/devices/switch/Switch.py
// for forwarding semantics, and on
// _examples/dantte-lp-gobfd/internal/bfd/manager.go for the Go shape of
// a single-lock, table-owning component with sentinel errors.
package switchnet

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crimsonvista/playground/internal/addr"
	"github.com/crimsonvista/playground/internal/wire"
)

// ErrSessionNotRegistered is returned by operations that require a
// session to already have an announced address.
var ErrSessionNotRegistered = errors.New("session has no registered address")

// Session is the minimal interface a switch needs from a TCP session:
// the ability to write already-serialized wire bytes, and a stable
// identity for table bookkeeping. Both switchnet and wan implement
// this over net.Conn-backed session types; tests implement it over an
// in-memory fake.
type Session interface {
	// ID returns a value stable for the session's lifetime, suitable
	// as a map key.
	ID() string
	// WriteFrame writes one already-encoded wire frame. Implementations
	// must serialize concurrent writes from other goroutines.
	WriteFrame(frame []byte) error
}

// Switch owns the linkToAddress / addressToLinks tables for one LAN and
// forwards WirePackets between registered sessions.
type Switch struct {
	mu            sync.RWMutex
	linkToAddress map[string]addr.Block
	addressToLink map[string]map[string]Session // address string -> session ID -> session

	logger    *slog.Logger
	extension ExtensionHandler
	mutator   WriteMutator
}

// ExtensionHandler receives packet types other than AnnounceLink and
// WirePacket (namely SPMP-framed control traffic), per the
// "Other packet types are passed to an extension hook".
type ExtensionHandler func(session Session, p *wire.Packet)

// WriteMutator optionally transforms outbound bytes before they reach
// a session, used by the unreliable-switch variant to inject
// corruption or delay without duplicating the forwarding engine.
type WriteMutator func(session Session, frame []byte) []byte

// Option configures a Switch at construction time.
type Option func(*Switch)

// WithLogger sets the switch's logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Switch) { s.logger = logger }
}

// WithExtension installs a handler for non-data-plane packet types
// (SPMP control traffic).
func WithExtension(h ExtensionHandler) Option {
	return func(s *Switch) { s.extension = h }
}

// WithWriteMutator installs a WriteMutator, used by NewUnreliableSwitch.
func WithWriteMutator(m WriteMutator) Option {
	return func(s *Switch) { s.mutator = m }
}

// New creates an empty Switch.
func New(opts ...Option) *Switch {
	s := &Switch{
		linkToAddress: make(map[string]addr.Block),
		addressToLink: make(map[string]map[string]Session),
		logger:        slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// RegisterLink validates address as a well-formed block (components may
// be "*") and binds session to it, replacing any address session
// previously held. An invalid address is dropped silently, per
// the forwarding and error-handling rules.
func (s *Switch) RegisterLink(session Session, address string) {
	block, err := addr.ParseBlock(address)
	if err != nil {
		s.logger.Debug("dropping AnnounceLink with invalid address", slog.String("address", address), slog.Any("error", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.unregisterLocked(session)

	s.linkToAddress[session.ID()] = block

	bucket, ok := s.addressToLink[block.String()]
	if !ok {
		bucket = make(map[string]Session)
		s.addressToLink[block.String()] = bucket
	}

	bucket[session.ID()] = session
}

// UnregisterLink removes session from both tables. It is a no-op if
// the session was never registered.
func (s *Switch) UnregisterLink(session Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unregisterLocked(session)
}

func (s *Switch) unregisterLocked(session Session) {
	block, ok := s.linkToAddress[session.ID()]
	if !ok {
		return
	}

	delete(s.linkToAddress, session.ID())

	if bucket, ok := s.addressToLink[block.String()]; ok {
		delete(bucket, session.ID())

		if len(bucket) == 0 {
			delete(s.addressToLink, block.String())
		}
	}
}

// RegisteredAddress reports the block session last announced, if any.
func (s *Switch) RegisteredAddress(session Session) (addr.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.linkToAddress[session.ID()]

	return b, ok
}

// OutboundLinks returns every session that should receive a WirePacket
// addressed to destination. It is the empty set if destination is not
// a well-formed address ("A WirePacket to an unannounced
// address produces zero outbound writes").
//
// Matching walks destination's parent-block chain from most specific
// to *.*.*.*, unioning every session registered at each block along the
// way (resolving the ambiguous case as:
// a session registered at a MORE specific block than an exact-address
// destination is never reached by this walk, since the walk only
// climbs toward the root, it never descends).
func (s *Switch) OutboundLinks(destination string) []Session {
	address, err := addr.ParseAddress(destination)
	if err != nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Session

	for _, block := range addr.ParentChain(address) {
		for _, session := range s.addressToLink[block.String()] {
			out = append(out, session)
		}
	}

	return out
}

// HandleFrame decodes one frame received on session and dispatches it:
// AnnounceLink registers the link, WirePacket is forwarded verbatim
// (the same serialized bytes) to every session OutboundLinks selects
// for the destination, including session itself if it matches,
// everything else goes to the extension handler if one is installed.
func (s *Switch) HandleFrame(session Session, frame []byte, p *wire.Packet) error {
	switch p.Identifier() {
	case wire.AnnounceLinkDef.Identifier:
		address, err := p.Address()
		if err != nil {
			return fmt.Errorf("AnnounceLink missing address: %w", err)
		}

		s.RegisterLink(session, address)

		return nil
	case wire.WirePacketDef.Identifier:
		destination, err := p.Destination()
		if err != nil {
			return fmt.Errorf("WirePacket missing destination: %w", err)
		}

		for _, out := range s.OutboundLinks(destination) {
			s.writeTo(out, frame)
		}

		return nil
	default:
		if s.extension != nil {
			s.extension(session, p)
		}

		return nil
	}
}

// ForwardExcept writes frame to every session in targets whose ID is
// not exclude, applying the switch's write mutator (if any) to each
// write. Used by internal/wan's HierarchyRouter, which computes its
// own augmented target set (local matches plus a cross-prefix gateway)
// rather than calling OutboundLinks directly.
func (s *Switch) ForwardExcept(frame []byte, targets []Session, exclude string) {
	for _, t := range targets {
		if t.ID() == exclude {
			continue
		}

		s.writeTo(t, frame)
	}
}

func (s *Switch) writeTo(session Session, frame []byte) {
	if s.mutator != nil {
		frame = s.mutator(session, frame)
		if frame == nil {
			return
		}
	}

	if err := session.WriteFrame(frame); err != nil {
		s.logger.Debug("forwarding write failed", slog.String("session", session.ID()), slog.Any("error", err))
	}
}
