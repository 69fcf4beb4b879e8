// Package connector implements the application-facing counterpart to a
// VNIC: it multiplexes many logical overlay connections over one TCP
// control session per VNIC location, materializing each as a separate
// callback TCP connection to the application.
//
// Grounded on the connector design and
// _examples/original_source/src/playground/network/connector.py.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crimsonvista/playground/internal/addr"
	"github.com/crimsonvista/playground/internal/wire"
)

// ErrSpawnTimeout indicates the VNIC never confirmed or spawned the
// connection within the configured timeout. 60s is
// the connector-chosen default.
var ErrSpawnTimeout = errors.New("connector: timed out waiting for the vnic")

// ErrSocketBusy indicates the VNIC reported the requested port or
// connectionId already has an owner.
var ErrSocketBusy = errors.New("connector: vnic reported the socket is busy")

// Protocol receives the materialized callback connection for one
// logical overlay connection, along with the PortKey the VNIC assigned it.
type Protocol interface {
	ConnectionMade(conn net.Conn, key addr.PortKey)
}

// ProtocolFactory builds a fresh Protocol instance for each connection
// a VNIC spawns.
type ProtocolFactory func() Protocol

// pendingOpen tracks one in-flight VNICSocketOpen exchange.
type pendingOpen struct {
	factory   ProtocolFactory
	listening bool
	onSpawn   func(Protocol, addr.PortKey)
	result    chan error
}

// Connector is the application-facing counterpart to a VNIC. It owns
// one callback listener, one control session per distinct VNIC control
// address, and a connectionId counter.
type Connector struct {
	logger       *slog.Logger
	spawnTimeout time.Duration
	sessionID    uuid.UUID

	mu       sync.Mutex
	callback *callbackListener
	sessions map[string]*controlSession
	connIDs  *connectionAllocator
	pending  map[uint32]*pendingOpen
}

// New creates an idle Connector. The callback listener and control
// sessions are created lazily on first use.
func New(logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Connector{
		logger:       logger,
		spawnTimeout: 60 * time.Second,
		sessionID:    uuid.New(),
		sessions:     make(map[string]*controlSession),
		connIDs:      newConnectionAllocator(),
		pending:      make(map[uint32]*pendingOpen),
	}
}

// SessionID identifies this connector instance in logs and SPMP
// diagnostics without leaking the numeric connectionId space.
func (c *Connector) SessionID() uuid.UUID { return c.sessionID }

// Close tears down the callback listener and every control session.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.callback != nil {
		c.callback.Close()
	}

	for _, s := range c.sessions {
		s.Close()
	}

	return nil
}

func (c *Connector) ensureCallback() (*callbackListener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.callback == nil {
		cl, err := newCallbackListener()
		if err != nil {
			return nil, err
		}

		c.callback = cl
	}

	return c.callback, nil
}

func (c *Connector) ensureSession(vnicControlAddr string) (*controlSession, error) {
	c.mu.Lock()
	if s, ok := c.sessions[vnicControlAddr]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	cs, err := dialControlSession(vnicControlAddr, c.logger, c.handleResponse, c.handleSpawned)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions[vnicControlAddr] = cs
	c.mu.Unlock()

	return cs, nil
}

// CreateConnection opens an outbound logical overlay connection
// through the VNIC at vnicControlAddr, to destination:destinationPort.
// It blocks until the VNIC has spawned and bound the connection, the
// VNIC rejects the request, or the spawn timeout elapses.
func (c *Connector) CreateConnection(ctx context.Context, vnicControlAddr string, factory ProtocolFactory, destination string, destinationPort uint16) (Protocol, error) {
	cb, err := c.ensureCallback()
	if err != nil {
		return nil, err
	}

	cs, err := c.ensureSession(vnicControlAddr)
	if err != nil {
		return nil, err
	}

	connID := c.connIDs.Allocate()
	done := make(chan error, 1)

	var result Protocol

	po := &pendingOpen{
		factory: factory,
		onSpawn: func(p Protocol, _ addr.PortKey) { result = p },
		result:  done,
	}

	c.mu.Lock()
	c.pending[connID] = po
	c.mu.Unlock()

	open := wire.NewVNICSocketOpen(connID, cb.Addr().IP.String(), uint16(cb.Addr().Port)).
		WithConnectData(destination, destinationPort)

	if err := cs.send(open); err != nil {
		c.removePending(connID)
		return nil, err
	}

	select {
	case err := <-done:
		c.removePending(connID)

		if err != nil {
			return nil, err
		}

		return result, nil
	case <-ctx.Done():
		c.removePending(connID)
		return nil, ctx.Err()
	case <-time.After(c.spawnTimeout):
		c.removePending(connID)
		return nil, ErrSpawnTimeout
	}
}

// CreateServer opens a listening logical overlay socket on listenPort
// through the VNIC at vnicControlAddr. onAccept is invoked once per
// subsequent connection the VNIC spawns against that port. CreateServer
// itself returns as soon as the VNIC confirms (or rejects) the listen.
func (c *Connector) CreateServer(ctx context.Context, vnicControlAddr string, listenPort uint16, factory ProtocolFactory, onAccept func(Protocol, addr.PortKey)) error {
	cb, err := c.ensureCallback()
	if err != nil {
		return err
	}

	cs, err := c.ensureSession(vnicControlAddr)
	if err != nil {
		return err
	}

	connID := c.connIDs.Allocate()
	done := make(chan error, 1)

	po := &pendingOpen{
		factory:   factory,
		listening: true,
		onSpawn:   onAccept,
		result:    done,
	}

	c.mu.Lock()
	c.pending[connID] = po
	c.mu.Unlock()

	open := wire.NewVNICSocketOpen(connID, cb.Addr().IP.String(), uint16(cb.Addr().Port)).
		WithListenData(listenPort)

	if err := cs.send(open); err != nil {
		c.removePending(connID)
		return err
	}

	select {
	case err := <-done:
		if err != nil {
			c.removePending(connID)
		}

		return err
	case <-ctx.Done():
		c.removePending(connID)
		return ctx.Err()
	case <-time.After(c.spawnTimeout):
		c.removePending(connID)
		return ErrSpawnTimeout
	}
}

func (c *Connector) removePending(connID uint32) {
	c.mu.Lock()
	delete(c.pending, connID)
	c.mu.Unlock()
}

func (c *Connector) handleResponse(p *wire.Packet) {
	connID, err := p.ConnectionID()
	if err != nil {
		return
	}

	c.mu.Lock()
	po, ok := c.pending[connID]
	c.mu.Unlock()

	if !ok {
		return
	}

	code, hasErr, _ := p.ErrorCode()
	if hasErr {
		msg, _ := p.ErrorMessage()
		reportErr := fmt.Errorf("%w: code=%d %s", ErrSocketBusy, code, msg)

		select {
		case po.result <- reportErr:
		default:
		}

		return
	}

	// A listening open resolves as soon as the VNIC confirms the port
	// is registered. A connect open only resolves once
	// VNICConnectionSpawned actually binds a callback connection.
	if po.listening {
		select {
		case po.result <- nil:
		default:
		}
	}
}

func (c *Connector) handleSpawned(p *wire.Packet) {
	connID, err := p.ConnectionID()
	if err != nil {
		return
	}

	c.mu.Lock()
	po, ok := c.pending[connID]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("connection spawned for unknown connectionId", slog.Any("connectionId", connID))
		return
	}

	spawnPort, err := p.SpawnTCPPort()
	if err != nil {
		return
	}

	source, _ := p.Source()
	sourcePort, _ := p.SourcePort()
	destination, _ := p.Destination()
	destinationPort, _ := p.DestinationPort()

	key := addr.PortKey{
		Source: source, SourcePort: sourcePort,
		Destination: destination, DestinationPort: destinationPort,
	}

	conn, ok := c.callback.waitFor(spawnPort, c.spawnTimeout)
	if !ok {
		c.logger.Warn("vnic-spawned callback connection never arrived", slog.Any("spawnTcpPort", spawnPort))
		return
	}

	proto := po.factory()
	proto.ConnectionMade(conn, key)

	if po.onSpawn != nil {
		po.onSpawn(proto, key)
	}

	if !po.listening {
		select {
		case po.result <- nil:
		default:
		}

		c.removePending(connID)
	}
}
