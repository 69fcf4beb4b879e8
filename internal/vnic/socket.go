package vnic

import (
	"sync"

	"github.com/crimsonvista/playground/internal/addr"
)

// SocketKind distinguishes an outbound-connect socket from a
// listening one; both occupy the ports table, but only a listening
// socket spawns a fresh ConnectionData per distinct inbound peer.
type SocketKind int

const (
	// SocketConnect is a single outbound logical connection bound to
	// one specific destination address/port.
	SocketConnect SocketKind = iota
	// SocketListen accepts connections from any peer addressed to
	// its port.
	SocketListen
)

func (k SocketKind) String() string {
	if k == SocketListen {
		return "listen"
	}

	return "connect"
}

// SocketControl is the per-port bookkeeping record the VNIC keeps for
// every open connect or listen socket: the application's connectionId,
// its callback address, and (for SocketConnect) the fixed peer it
// talks to.
//
// Grounded on the per-port socket-control table and
// _examples/original_source/src/playground/network/VNIC.py's
// SocketData bookkeeping.
type SocketControl struct {
	Kind            SocketKind
	ConnectionID    uint32
	Port            uint16
	CallbackAddress string
	CallbackPort    uint16

	// Destination/DestinationPort are only meaningful for
	// SocketConnect: the fixed peer this outbound socket talks to.
	Destination     string
	DestinationPort uint16
}

// ConnectionData is the per-PortKey state the VNIC keeps while a
// logical overlay connection is being established and while it is
// alive: a pending-byte buffer used until the callback TCP socket is
// bound, and the sink function installed once it is.
//
// Grounded on the per-connection data table
// table and the Design Notes' "first byte delivered" guarantee: writes
// arriving before the callback socket exists are appended to pending
// and flushed in order once Bind is called.
type ConnectionData struct {
	Key          addr.PortKey
	ConnectionID uint32

	mu      sync.Mutex
	pending [][]byte
	sink    func([]byte) error
	bound   bool
}

// NewConnectionData creates an unbound ConnectionData for key, owned
// by connectionID.
func NewConnectionData(key addr.PortKey, connectionID uint32) *ConnectionData {
	return &ConnectionData{Key: key, ConnectionID: connectionID}
}

// Deliver routes data to the bound sink if one exists, otherwise
// appends it to the pending buffer for later flush.
func (c *ConnectionData) Deliver(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bound {
		return c.sink(data)
	}

	buf := append([]byte(nil), data...)
	c.pending = append(c.pending, buf)

	return nil
}

// Bind installs sink as the delivery target and flushes everything
// buffered so far, in order, before accepting new direct writes. Per
// the Design Notes, this preserves "first byte delivered is first byte
// sent" across the window between socket creation and callback bind.
func (c *ConnectionData) Bind(sink func([]byte) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sink = sink
	c.bound = true

	for _, buf := range c.pending {
		if err := sink(buf); err != nil {
			return err
		}
	}

	c.pending = nil

	return nil
}

// Bound reports whether a sink has been installed.
func (c *ConnectionData) Bound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.bound
}
