package vnic

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/crimsonvista/playground/internal/addr"
	"github.com/crimsonvista/playground/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeLink records every frame written to the overlay.
type fakeLink struct {
	mu     sync.Mutex
	frames []*wire.Packet
}

func (l *fakeLink) WriteFrame(frame []byte) error {
	p, _, err := wire.DecodePacket(frame, wire.Default())
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, p)

	return nil
}

func (l *fakeLink) received() []*wire.Packet {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]*wire.Packet(nil), l.frames...)
}

// fakeControlSession records packets sent to the application side.
type fakeControlSession struct {
	id string

	mu      sync.Mutex
	packets []*wire.Packet
	notify  chan struct{}
}

func newFakeControlSession(id string) *fakeControlSession {
	return &fakeControlSession{id: id, notify: make(chan struct{}, 64)}
}

func (c *fakeControlSession) ID() string { return c.id }

func (c *fakeControlSession) SendPacket(p *wire.Packet) error {
	c.mu.Lock()
	c.packets = append(c.packets, p)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}

	return nil
}

func (c *fakeControlSession) waitForPacket(t *testing.T, n int) []*wire.Packet {
	t.Helper()

	deadline := time.After(2 * time.Second)

	for {
		c.mu.Lock()
		got := len(c.packets)
		c.mu.Unlock()

		if got >= n {
			c.mu.Lock()
			defer c.mu.Unlock()

			return append([]*wire.Packet(nil), c.packets...)
		}

		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d packets, got %d", n, got)
		}
	}
}

// pipeConn wraps one half of a net.Pipe-style in-memory duplex
// connection as a CallbackConn, reporting a fixed fake local port.
type pipeConn struct {
	io.ReadWriteCloser
	localPort uint16
}

func (p *pipeConn) LocalPort() uint16 { return p.localPort }

// fakeDialer hands out in-memory pipe connections and records dial
// targets, letting the test read the "application side" of each
// callback socket via the returned peer.
type fakeDialer struct {
	mu       sync.Mutex
	nextPort uint16
	peers    map[uint16]*bufPeer
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{nextPort: 40000, peers: make(map[uint16]*bufPeer)}
}

// closeAll closes every dialed connection's peer, unblocking any
// pump-read goroutine still waiting on it so the test process exits
// clean under goleak.
func (d *fakeDialer) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, p := range d.peers {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		select {
		case p.appReads <- struct{}{}:
		default:
		}
	}
}

// bufPeer is the "application side" of a dialed callback connection: a
// simple in-memory duplex buffer pair guarded by a mutex, sufficient
// for single-goroutine-writer test traffic.
type bufPeer struct {
	mu       sync.Mutex
	toApp    bytes.Buffer // bytes the VNIC wrote (delivered to the app)
	fromApp  bytes.Buffer // bytes the app has queued to send outbound
	closed   bool
	appReads chan struct{}
}

func (d *fakeDialer) Dial(address string, port uint16) (CallbackConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	localPort := d.nextPort
	d.nextPort++

	peer := &bufPeer{appReads: make(chan struct{}, 64)}
	d.peers[localPort] = peer

	return &pipeConn{ReadWriteCloser: &vnicSideConn{peer: peer}, localPort: localPort}, nil
}

func (d *fakeDialer) peerFor(localPort uint16) *bufPeer {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.peers[localPort]
}

// vnicSideConn is the VNIC's end of a bufPeer: Write appends to toApp
// (bytes for the application to eventually read in a real system; here
// the test reads it directly off the peer), Read drains fromApp (bytes
// the test injects to simulate the application writing).
type vnicSideConn struct {
	peer *bufPeer
}

func (c *vnicSideConn) Write(p []byte) (int, error) {
	c.peer.mu.Lock()
	defer c.peer.mu.Unlock()

	return c.peer.toApp.Write(p)
}

func (c *vnicSideConn) Read(p []byte) (int, error) {
	for {
		c.peer.mu.Lock()
		if c.peer.fromApp.Len() > 0 {
			n, _ := c.peer.fromApp.Read(p)
			c.peer.mu.Unlock()

			return n, nil
		}

		if c.peer.closed {
			c.peer.mu.Unlock()

			return 0, io.EOF
		}
		c.peer.mu.Unlock()

		<-c.peer.appReads
	}
}

func (c *vnicSideConn) Close() error {
	c.peer.mu.Lock()
	defer c.peer.mu.Unlock()

	c.peer.closed = true

	return nil
}

func (p *bufPeer) writeFromApp(data []byte) {
	p.mu.Lock()
	p.fromApp.Write(data)
	p.mu.Unlock()

	select {
	case p.appReads <- struct{}{}:
	default:
	}
}

func (p *bufPeer) toAppLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.toApp.Len()
}

func (p *bufPeer) readToApp() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := append([]byte(nil), p.toApp.Bytes()...)
	p.toApp.Reset()

	return out
}

// TestVNICOutboundRoundTrip exercises outbound port allocation end to end.
func TestVNICOutboundRoundTrip(t *testing.T) {
	t.Parallel()

	link := &fakeLink{}
	dialer := newFakeDialer()
	v := New(addr.MustParseAddress("1.1.1.1"), link, dialer, nil)

	defer dialer.closeAll()

	ctrl := newFakeControlSession("app")

	open := wire.NewVNICSocketOpen(7, "127.0.0.1", 9091).WithConnectData("2.2.2.2", 100)
	if err := v.HandleSocketOpen(ctrl, open); err != nil {
		t.Fatalf("HandleSocketOpen: %v", err)
	}

	packets := ctrl.waitForPacket(t, 2)

	resp := packets[0]
	connID, err := resp.ConnectionID()
	if err != nil || connID != 7 {
		t.Fatalf("response connectionId = %v, %v", connID, err)
	}

	port, err := resp.Port()
	if err != nil {
		t.Fatalf("response missing port: %v", err)
	}

	if port < 2000 || port >= 65535 {
		t.Errorf("allocated port %d out of expected range", port)
	}

	spawned := packets[1]
	spawnedConnID, _ := spawned.ConnectionID()
	if spawnedConnID != 7 {
		t.Errorf("spawned connectionId = %d, want 7", spawnedConnID)
	}

	srcPort, _ := spawned.SourcePort()
	if srcPort != port {
		t.Errorf("spawned sourcePort = %d, want %d", srcPort, port)
	}

	dest, _ := spawned.Destination()
	if dest != "2.2.2.2" {
		t.Errorf("spawned destination = %q, want 2.2.2.2", dest)
	}
}

// TestVNICListeningSocketDelivery exercises listening-socket delivery end to end.
func TestVNICListeningSocketDelivery(t *testing.T) {
	t.Parallel()

	link := &fakeLink{}
	dialer := newFakeDialer()
	v := New(addr.MustParseAddress("1.1.1.1"), link, dialer, nil)

	defer dialer.closeAll()

	ctrl := newFakeControlSession("app")

	open := wire.NewVNICSocketOpen(9, "127.0.0.1", 9091).WithListenData(666)
	if err := v.HandleSocketOpen(ctrl, open); err != nil {
		t.Fatalf("HandleSocketOpen(listen): %v", err)
	}

	ctrl.waitForPacket(t, 1) // the OpenResponse

	inbound := wire.NewWirePacket("2.2.2.2", "1.1.1.1", 100, 666, []byte("payload"))
	if err := v.HandleInboundWirePacket(inbound); err != nil {
		t.Fatalf("HandleInboundWirePacket: %v", err)
	}

	packets := ctrl.waitForPacket(t, 2)
	spawned := packets[1]

	connID, _ := spawned.ConnectionID()
	if connID != 9 {
		t.Errorf("spawned connectionId = %d, want 9", connID)
	}

	srcPort, _ := spawned.SourcePort()
	if srcPort != 666 {
		t.Errorf("spawned sourcePort = %d, want 666", srcPort)
	}

	dstPort, _ := spawned.DestinationPort()
	if dstPort != 100 {
		t.Errorf("spawned destinationPort = %d, want 100", dstPort)
	}

	destination, _ := spawned.Destination()
	if destination != "2.2.2.2" {
		t.Errorf("spawned destination = %q, want 2.2.2.2", destination)
	}

	spawnPort, _ := spawned.SpawnTCPPort()
	peer := dialer.peerFor(spawnPort)
	if peer == nil {
		t.Fatal("no callback peer recorded for spawned port")
	}

	deadline := time.Now().Add(2 * time.Second)
	for peer.toAppLen() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	got := peer.readToApp()
	if string(got) != "payload" {
		t.Errorf("callback socket received %q, want %q", got, "payload")
	}
}

// TestVNICFragmentation exercises fragmentation and reassembly end to end.
func TestVNICFragmentation(t *testing.T) {
	t.Parallel()

	link := &fakeLink{}
	dialer := newFakeDialer()
	v := New(addr.MustParseAddress("1.1.1.1"), link, dialer, nil)

	payload := bytes.Repeat([]byte{0x5A}, 200*1024)

	key := addr.PortKey{Source: "1.1.1.1", SourcePort: 5000, Destination: "2.2.2.2", DestinationPort: 100}
	if err := v.SendOutbound(key, payload); err != nil {
		t.Fatalf("SendOutbound: %v", err)
	}

	frames := link.received()
	if len(frames) != 4 {
		t.Fatalf("got %d WirePackets, want 4 (ceil(200*1024/65536))", len(frames))
	}

	wantOffsets := []uint64{0, 65536, 131072, 196608}
	var fragID uint32

	for i, p := range frames {
		frag, err := p.FragData()
		if err != nil || frag == nil {
			t.Fatalf("frame %d missing fragData: %v", i, err)
		}

		if frag.TotalSize != uint64(len(payload)) {
			t.Errorf("frame %d totalSize = %d, want %d", i, frag.TotalSize, len(payload))
		}

		if frag.Offset != wantOffsets[i] {
			t.Errorf("frame %d offset = %d, want %d", i, frag.Offset, wantOffsets[i])
		}

		if i == 0 {
			fragID = frag.FragID
		} else if frag.FragID != fragID {
			t.Errorf("frame %d fragId = %d, want %d (shared across fragments)", i, frag.FragID, fragID)
		}
	}

	// Reassemble on the receiving side and confirm byte-identical output.
	reassembler := NewReassembler()

	var complete []byte

	for _, p := range frames {
		data, _ := p.Data()
		frag, _ := p.FragData()
		source, _ := p.Source()
		sourcePort, _ := p.SourcePort()
		destination, _ := p.Destination()
		destinationPort, _ := p.DestinationPort()

		rk := addr.PortKey{Source: source, SourcePort: sourcePort, Destination: destination, DestinationPort: destinationPort}

		buf, done := reassembler.Feed(rk, *frag, data)
		if done {
			complete = buf
		}
	}

	if !bytes.Equal(complete, payload) {
		t.Error("reassembled payload does not match original bytes")
	}
}

func TestVNICPromiscuityAnnouncesWildcardedAddress(t *testing.T) {
	t.Parallel()

	link := &fakeLink{}
	v := New(addr.MustParseAddress("1.2.3.4"), link, newFakeDialer(), nil)

	if err := v.SetPromiscuity(2); err != nil {
		t.Fatalf("SetPromiscuity: %v", err)
	}

	frames := link.received()
	if len(frames) != 1 {
		t.Fatalf("got %d AnnounceLink frames, want 1", len(frames))
	}

	address, err := frames[0].Address()
	if err != nil {
		t.Fatalf("Address: %v", err)
	}

	if address != "1.2.*.*" {
		t.Errorf("announced address = %q, want 1.2.*.*", address)
	}
}

func TestVNICListenBusyPortReportsError(t *testing.T) {
	t.Parallel()

	link := &fakeLink{}
	v := New(addr.MustParseAddress("1.1.1.1"), link, newFakeDialer(), nil)

	ctrl := newFakeControlSession("app")

	first := wire.NewVNICSocketOpen(1, "127.0.0.1", 9091).WithListenData(500)
	if err := v.HandleSocketOpen(ctrl, first); err != nil {
		t.Fatalf("first open: %v", err)
	}

	ctrl.waitForPacket(t, 1)

	second := wire.NewVNICSocketOpen(2, "127.0.0.1", 9091).WithListenData(500)
	if err := v.HandleSocketOpen(ctrl, second); err != nil {
		t.Fatalf("second open: %v", err)
	}

	packets := ctrl.waitForPacket(t, 2)

	code, ok, err := packets[1].ErrorCode()
	if err != nil || !ok || code != ErrorCodeBusy {
		t.Errorf("expected BUSY error on duplicate listen port, got code=%d ok=%v err=%v", code, ok, err)
	}
}

func TestVNICDumpReceivesInboundWirePackets(t *testing.T) {
	t.Parallel()

	link := &fakeLink{}
	v := New(addr.MustParseAddress("2.2.2.2"), link, newFakeDialer(), nil)

	dump := newFakeControlSession("dumper")
	v.StartDump(dump)

	inbound := wire.NewWirePacket("1.1.1.1", "2.2.2.2", 100, 200, []byte("payload"))
	if err := v.HandleInboundWirePacket(inbound); err != nil {
		t.Fatalf("HandleInboundWirePacket: %v", err)
	}

	packets := dump.waitForPacket(t, 1)

	data, err := packets[0].Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}

	if string(data) != "payload" {
		t.Errorf("dump copy data = %q, want %q", data, "payload")
	}
}

func TestVNICStopDumpRemovesTarget(t *testing.T) {
	t.Parallel()

	link := &fakeLink{}
	v := New(addr.MustParseAddress("2.2.2.2"), link, newFakeDialer(), nil)

	dump := newFakeControlSession("dumper")
	v.StartDump(dump)
	v.StopDump(dump)

	inbound := wire.NewWirePacket("1.1.1.1", "2.2.2.2", 100, 200, []byte("payload"))
	if err := v.HandleInboundWirePacket(inbound); err != nil {
		t.Fatalf("HandleInboundWirePacket: %v", err)
	}

	dump.mu.Lock()
	got := len(dump.packets)
	dump.mu.Unlock()

	if got != 0 {
		t.Errorf("got %d dump packets after StopDump, want 0", got)
	}
}

func TestVNICInjectWirePacketHonorsEmbeddedKeyVerbatim(t *testing.T) {
	t.Parallel()

	link := &fakeLink{}
	v := New(addr.MustParseAddress("1.1.1.1"), link, newFakeDialer(), nil)

	injected := wire.NewWirePacket("9.9.9.9", "8.8.8.8", 111, 222, []byte("raw"))
	if err := v.InjectWirePacket(injected); err != nil {
		t.Fatalf("InjectWirePacket: %v", err)
	}

	frames := link.received()
	if len(frames) != 1 {
		t.Fatalf("got %d frames on the link, want 1", len(frames))
	}

	source, _ := frames[0].Source()
	destination, _ := frames[0].Destination()
	sourcePort, _ := frames[0].SourcePort()
	destinationPort, _ := frames[0].DestinationPort()

	if source != "9.9.9.9" || destination != "8.8.8.8" || sourcePort != 111 || destinationPort != 222 {
		t.Errorf("injected frame key = %s:%d -> %s:%d, want 9.9.9.9:111 -> 8.8.8.8:222",
			source, sourcePort, destination, destinationPort)
	}
}
