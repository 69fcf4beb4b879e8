// Package vnic implements the per-host virtual network interface: it
// multiplexes many logical overlay connections (identified by PortKey)
// over one overlay-facing TCP session to a switch, and demultiplexes
// inbound traffic to per-connection callback TCP sockets dialed back
// to the local application-side connector.
//
// Grounded on the VNIC multiplexer design and
// _examples/original_source/src/playground/network/VNIC.py.
package vnic

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crimsonvista/playground/internal/addr"
	"github.com/crimsonvista/playground/internal/wire"
)

// MaxMsgSize is the largest payload carried in a single WirePacket.
// Larger writes are split across multiple WirePackets sharing one
// fragId .
const MaxMsgSize = 65536

// ErrorCodeBusy is returned in VNICSocketOpenResponse.errorCode when a
// listen or connect request collides with an already-bound port or
// connectionId.
const ErrorCodeBusy uint16 = 1

// ErrUnknownConnection is returned by operations referencing a
// connectionId the VNIC has no record of.
var ErrUnknownConnection = errors.New("vnic: unknown connectionId")

// LinkSession is the minimal interface the VNIC needs from its TCP
// session to the switch: write one already-encoded wire frame.
type LinkSession interface {
	WriteFrame(frame []byte) error
}

// ControlSession is an application-facing control connection: the
// source of VNICSocketOpen/VNICSocketClose/etc. requests, and the sink
// for VNICSocketOpenResponse/VNICConnectionSpawned replies and (when in
// dump mode) raw decoded WirePacket copies.
type ControlSession interface {
	ID() string
	SendPacket(p *wire.Packet) error
}

// CallbackConn is the duplex TCP connection the VNIC dials to an
// application's callback listener: Write delivers inbound overlay
// bytes to the application; bytes the application writes back are
// read by the VNIC's read pump and sent outbound over the overlay.
type CallbackConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	LocalPort() uint16
}

// CallbackDialer abstracts dialing an application's callback listener,
// so tests can substitute an in-memory pipe for a real net.Dial.
type CallbackDialer interface {
	Dial(address string, port uint16) (CallbackConn, error)
}

// VNIC is the per-host multiplexer described below.
type VNIC struct {
	self   addr.Address
	link   LinkSession
	dialer CallbackDialer
	logger *slog.Logger

	portAlloc   *PortAllocator
	reassembler *Reassembler

	mu               sync.Mutex
	promiscuity      int
	ports            map[uint16]*SocketControl
	connections      map[addr.PortKey]*ConnectionData
	dumpTargets      map[string]ControlSession
	listenerControls map[uint16]ControlSession
}

// New creates a VNIC bound to self, writing overlay frames to link and
// dialing application callbacks through dialer.
func New(self addr.Address, link LinkSession, dialer CallbackDialer, logger *slog.Logger) *VNIC {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &VNIC{
		self:             self,
		link:             link,
		dialer:           dialer,
		logger:           logger,
		portAlloc:        NewPortAllocator(),
		reassembler:      NewReassembler(),
		ports:            make(map[uint16]*SocketControl),
		connections:      make(map[addr.PortKey]*ConnectionData),
		dumpTargets:      make(map[string]ControlSession),
		listenerControls: make(map[uint16]ControlSession),
	}
}

// Announce sends an AnnounceLink for the VNIC's current promiscuity
// level (0 = exact address, up to 4 = fully wildcarded).
func (v *VNIC) Announce() error {
	v.mu.Lock()
	level := v.promiscuity
	v.mu.Unlock()

	block := v.self.Block()
	for range level {
		block = block.ParentBlock()
	}

	frame, err := wire.EncodePacket(wire.NewAnnounceLink(block.String()))
	if err != nil {
		return fmt.Errorf("encode AnnounceLink: %w", err)
	}

	return v.link.WriteFrame(frame)
}

// SetPromiscuity clamps level to [0,4], stores it, and re-announces.
func (v *VNIC) SetPromiscuity(level uint8) error {
	if level > 4 {
		level = 4
	}

	v.mu.Lock()
	v.promiscuity = int(level)
	v.mu.Unlock()

	return v.Announce()
}

// Promiscuity returns the current promiscuity level.
func (v *VNIC) Promiscuity() uint8 {
	v.mu.Lock()
	defer v.mu.Unlock()

	return uint8(v.promiscuity)
}

// StartDump registers ctrl to receive a copy of every decoded inbound
// WirePacket (pre-reassembly), in dump mode.
func (v *VNIC) StartDump(ctrl ControlSession) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.dumpTargets[ctrl.ID()] = ctrl
}

// StopDump removes ctrl from the dump set.
func (v *VNIC) StopDump(ctrl ControlSession) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.dumpTargets, ctrl.ID())
}

// HandleSocketOpen dispatches a VNICSocketOpen request from ctrl,
// implementing both the outbound-connect and listening-open state
// machines described below.
func (v *VNIC) HandleSocketOpen(ctrl ControlSession, p *wire.Packet) error {
	connectionID, err := p.ConnectionID()
	if err != nil {
		return fmt.Errorf("VNICSocketOpen missing connectionId: %w", err)
	}

	callbackAddress, err := p.CallbackAddress()
	if err != nil {
		return fmt.Errorf("VNICSocketOpen missing callbackAddress: %w", err)
	}

	callbackPort, err := p.CallbackPort()
	if err != nil {
		return fmt.Errorf("VNICSocketOpen missing callbackPort: %w", err)
	}

	v.mu.Lock()
	for _, ctl := range v.ports {
		if ctl.ConnectionID == connectionID {
			v.mu.Unlock()
			return ctrl.SendPacket(wire.NewVNICSocketOpenError(connectionID, ErrorCodeBusy, "connectionId already in use"))
		}
	}
	v.mu.Unlock()

	if destination, destinationPort, ok, err := p.ConnectTarget(); err != nil {
		return fmt.Errorf("VNICSocketOpen connectData: %w", err)
	} else if ok {
		return v.openConnect(ctrl, connectionID, callbackAddress, callbackPort, destination, destinationPort)
	}

	if sourcePort, ok, err := p.ListenSourcePort(); err != nil {
		return fmt.Errorf("VNICSocketOpen listenData: %w", err)
	} else if ok {
		return v.openListen(ctrl, connectionID, callbackAddress, callbackPort, sourcePort)
	}

	return fmt.Errorf("VNICSocketOpen has neither connectData nor listenData")
}

func (v *VNIC) openConnect(ctrl ControlSession, connectionID uint32, callbackAddress string, callbackPort uint16, destination string, destinationPort uint16) error {
	sourcePort, err := v.portAlloc.Allocate()
	if err != nil {
		return ctrl.SendPacket(wire.NewVNICSocketOpenError(connectionID, ErrorCodeBusy, err.Error()))
	}

	ctl := &SocketControl{
		Kind:            SocketConnect,
		ConnectionID:    connectionID,
		Port:            sourcePort,
		CallbackAddress: callbackAddress,
		CallbackPort:    callbackPort,
		Destination:     destination,
		DestinationPort: destinationPort,
	}

	key := addr.PortKey{Source: v.self.String(), SourcePort: sourcePort, Destination: destination, DestinationPort: destinationPort}
	data := NewConnectionData(key, connectionID)

	v.mu.Lock()
	v.ports[sourcePort] = ctl
	v.connections[key] = data
	v.mu.Unlock()

	if err := ctrl.SendPacket(wire.NewVNICSocketOpenResponse(connectionID, sourcePort)); err != nil {
		return err
	}

	go v.spawnCallback(ctrl, ctl, key, data)

	return nil
}

func (v *VNIC) openListen(ctrl ControlSession, connectionID uint32, callbackAddress string, callbackPort uint16, sourcePort uint16) error {
	if err := v.portAlloc.Reserve(sourcePort); err != nil {
		return ctrl.SendPacket(wire.NewVNICSocketOpenError(connectionID, ErrorCodeBusy, err.Error()))
	}

	ctl := &SocketControl{
		Kind:            SocketListen,
		ConnectionID:    connectionID,
		Port:            sourcePort,
		CallbackAddress: callbackAddress,
		CallbackPort:    callbackPort,
	}

	v.mu.Lock()
	v.ports[sourcePort] = ctl
	v.listenerControls[sourcePort] = ctrl
	v.mu.Unlock()

	return ctrl.SendPacket(wire.NewVNICSocketOpenResponse(connectionID, sourcePort))
}

// spawnCallback dials the application's callback listener, binds the
// connection's sink, flushes anything buffered, starts the read pump,
// and announces the spawned connection.
func (v *VNIC) spawnCallback(ctrl ControlSession, ctl *SocketControl, key addr.PortKey, data *ConnectionData) {
	conn, err := v.dialer.Dial(ctl.CallbackAddress, ctl.CallbackPort)
	if err != nil {
		v.logger.Warn("callback dial failed", slog.String("callbackAddress", ctl.CallbackAddress), slog.Any("error", err))
		return
	}

	if err := data.Bind(func(b []byte) error { _, err := conn.Write(b); return err }); err != nil {
		v.logger.Warn("flushing pending bytes to callback socket failed", slog.Any("error", err))
	}

	go v.pumpCallbackReads(conn, key)

	spawned := wire.NewVNICConnectionSpawned(ctl.ConnectionID, conn.LocalPort(), key.Source, key.SourcePort, key.Destination, key.DestinationPort)
	if err := ctrl.SendPacket(spawned); err != nil {
		v.logger.Warn("sending VNICConnectionSpawned failed", slog.Any("error", err))
	}
}

// pumpCallbackReads forwards bytes read from conn out over the overlay
// as WirePackets labeled with key, fragmenting as needed.
func (v *VNIC) pumpCallbackReads(conn CallbackConn, key addr.PortKey) {
	buf := make([]byte, MaxMsgSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if sendErr := v.SendOutbound(key, append([]byte(nil), buf[:n]...)); sendErr != nil {
				v.logger.Warn("sending outbound WirePacket failed", slog.Any("error", sendErr))
			}
		}

		if err != nil {
			return
		}
	}
}

// SendOutbound wraps data as one or more WirePackets addressed per key
// and writes them to the overlay link, splitting into MaxMsgSize
// fragments sharing a random fragId when data exceeds that size.
func (v *VNIC) SendOutbound(key addr.PortKey, data []byte) error {
	if len(data) <= MaxMsgSize {
		frame, err := wire.EncodePacket(wire.NewWirePacket(key.Source, key.Destination, key.SourcePort, key.DestinationPort, data))
		if err != nil {
			return fmt.Errorf("encode WirePacket: %w", err)
		}

		return v.link.WriteFrame(frame)
	}

	fragID, err := randomFragID()
	if err != nil {
		return err
	}

	totalSize := uint64(len(data))

	for offset := uint64(0); offset < totalSize; offset += MaxMsgSize {
		end := offset + MaxMsgSize
		if end > totalSize {
			end = totalSize
		}

		pkt := wire.NewWirePacket(key.Source, key.Destination, key.SourcePort, key.DestinationPort, data[offset:end]).
			WithFragData(wire.WireFragData{FragID: fragID, TotalSize: totalSize, Offset: offset})

		frame, err := wire.EncodePacket(pkt)
		if err != nil {
			return fmt.Errorf("encode fragmented WirePacket: %w", err)
		}

		if err := v.link.WriteFrame(frame); err != nil {
			return err
		}
	}

	return nil
}

// InjectWirePacket sends a dump-session-injected WirePacket directly
// onto the overlay link, honoring its embedded source/destination key
// verbatim rather than one belonging to a locally registered port or
// connection.
func (v *VNIC) InjectWirePacket(p *wire.Packet) error {
	source, err := p.Source()
	if err != nil {
		return fmt.Errorf("injected WirePacket missing source: %w", err)
	}

	sourcePort, err := p.SourcePort()
	if err != nil {
		return fmt.Errorf("injected WirePacket missing sourcePort: %w", err)
	}

	destination, err := p.Destination()
	if err != nil {
		return fmt.Errorf("injected WirePacket missing destination: %w", err)
	}

	destinationPort, err := p.DestinationPort()
	if err != nil {
		return fmt.Errorf("injected WirePacket missing destinationPort: %w", err)
	}

	data, err := p.Data()
	if err != nil {
		return fmt.Errorf("injected WirePacket missing data: %w", err)
	}

	key := addr.PortKey{Source: source, SourcePort: sourcePort, Destination: destination, DestinationPort: destinationPort}

	return v.SendOutbound(key, data)
}

// HandleInboundWirePacket processes one WirePacket arriving from the
// overlay: dump-copies it, reassembles fragments, and demultiplexes
// the completed payload to a connect or listen socket.
func (v *VNIC) HandleInboundWirePacket(p *wire.Packet) error {
	v.dumpCopy(p)

	source, err := p.Source()
	if err != nil {
		return fmt.Errorf("WirePacket missing source: %w", err)
	}

	sourcePort, err := p.SourcePort()
	if err != nil {
		return fmt.Errorf("WirePacket missing sourcePort: %w", err)
	}

	destination, err := p.Destination()
	if err != nil {
		return fmt.Errorf("WirePacket missing destination: %w", err)
	}

	destinationPort, err := p.DestinationPort()
	if err != nil {
		return fmt.Errorf("WirePacket missing destinationPort: %w", err)
	}

	data, err := p.Data()
	if err != nil {
		return fmt.Errorf("WirePacket missing data: %w", err)
	}

	if frag, ferr := p.FragData(); ferr == nil && frag != nil {
		complete, ok := v.reassembler.Feed(addr.PortKey{Source: source, SourcePort: sourcePort, Destination: destination, DestinationPort: destinationPort}, *frag, data)
		if !ok {
			return nil
		}

		data = complete
	}

	senderKey := addr.PortKey{Source: source, SourcePort: sourcePort, Destination: destination, DestinationPort: destinationPort}
	localKey := senderKey.Inverse()

	v.mu.Lock()
	conn, known := v.connections[localKey]
	v.mu.Unlock()

	if known {
		return conn.Deliver(data)
	}

	v.mu.Lock()
	ctl, hasListener := v.ports[destinationPort]
	v.mu.Unlock()

	if !hasListener || ctl.Kind != SocketListen {
		v.logger.Debug("dropping WirePacket for unknown connection", slog.String("key", senderKey.String()))
		return nil
	}

	newData := NewConnectionData(localKey, ctl.ConnectionID)
	if err := newData.Deliver(data); err != nil {
		return err
	}

	v.mu.Lock()
	v.connections[localKey] = newData
	v.mu.Unlock()

	go v.spawnCallback(v.controlForListener(ctl), ctl, localKey, newData)

	return nil
}

// listenerControl maps a listening SocketControl back to the
// ControlSession that opened it, so spawned connections can report
// VNICConnectionSpawned on the right control channel.
func (v *VNIC) controlForListener(ctl *SocketControl) ControlSession {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.listenerControls[ctl.Port]; ok {
		return s
	}

	return noopControlSession{}
}

// HandleSocketClose tears down a previously opened socket and its
// connection state, releasing its port.
func (v *VNIC) HandleSocketClose(p *wire.Packet) error {
	connectionID, err := p.ConnectionID()
	if err != nil {
		return fmt.Errorf("VNICSocketClose missing connectionId: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for port, ctl := range v.ports {
		if ctl.ConnectionID != connectionID {
			continue
		}

		delete(v.ports, port)
		delete(v.listenerControls, port)
		v.portAlloc.Release(port)

		for key, conn := range v.connections {
			if conn.ConnectionID == connectionID {
				delete(v.connections, key)
			}
		}
	}

	return nil
}

func (v *VNIC) dumpCopy(p *wire.Packet) {
	v.mu.Lock()
	targets := make([]ControlSession, 0, len(v.dumpTargets))
	for _, t := range v.dumpTargets {
		targets = append(targets, t)
	}
	v.mu.Unlock()

	for _, t := range targets {
		if err := t.SendPacket(p); err != nil {
			v.logger.Debug("dump delivery failed", slog.String("session", t.ID()), slog.Any("error", err))
		}
	}
}

// noopControlSession is used when a spawned listen connection's
// originating control session cannot be located (e.g. it disconnected
// between opening the listen and the first inbound packet arriving);
// VNICConnectionSpawned delivery is then simply skipped.
type noopControlSession struct{}

func (noopControlSession) ID() string                    { return "" }
func (noopControlSession) SendPacket(*wire.Packet) error { return nil }

func randomFragID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generate fragId: %w", err)
	}

	return binary.BigEndian.Uint32(buf[:]), nil
}
