package connector

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/crimsonvista/playground/internal/addr"
	"github.com/crimsonvista/playground/internal/wire"
)

// fakeVNIC pretends to be a VNIC control listener for test purposes: it
// accepts one control TCP session, decodes VNICSocketOpen requests, and
// lets the test script a canned response via the handle function.
type fakeVNIC struct {
	ln net.Listener
}

func newFakeVNIC(t *testing.T, handle func(conn net.Conn, open *wire.Packet)) *fakeVNIC {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen fake vnic: %v", err)
	}

	fv := &fakeVNIC{ln: ln}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		dec := wire.NewStreamDecoder(nil, nil)
		buf := make([]byte, 4096)

		for {
			n, err := conn.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])

				for {
					p, ok, _ := dec.Next()
					if !ok {
						break
					}

					if p.Identifier() == wire.VNICSocketOpenDef.Identifier {
						handle(conn, p)
					}
				}
			}

			if err != nil {
				return
			}
		}
	}()

	return fv
}

func (fv *fakeVNIC) Addr() string { return fv.ln.Addr().String() }

func (fv *fakeVNIC) Close() { fv.ln.Close() }

func sendPacket(t *testing.T, conn net.Conn, p *wire.Packet) {
	t.Helper()

	b, err := wire.EncodePacket(p)
	if err != nil {
		t.Fatalf("encode %s: %v", p.Identifier(), err)
	}

	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write %s: %v", p.Identifier(), err)
	}
}

// capturingProtocol records the conn and key it was handed, and lets a
// test block until ConnectionMade fires.
type capturingProtocol struct {
	madeCh chan struct{}
	conn   net.Conn
	key    addr.PortKey
}

func newCapturingProtocol() *capturingProtocol {
	return &capturingProtocol{madeCh: make(chan struct{}, 1)}
}

func (p *capturingProtocol) ConnectionMade(conn net.Conn, key addr.PortKey) {
	p.conn = conn
	p.key = key
	p.madeCh <- struct{}{}
}

func TestConnectorCreateConnectionRoundTrip(t *testing.T) {
	t.Parallel()

	fv := newFakeVNIC(t, func(conn net.Conn, open *wire.Packet) {
		connID, _ := open.ConnectionID()
		callbackAddr, _ := open.CallbackAddress()
		callbackPort, _ := open.CallbackPort()
		destination, destinationPort, _, _ := open.ConnectTarget()

		sendPacket(t, conn, wire.NewVNICSocketOpenResponse(connID, 54321))

		cbConn, err := net.Dial("tcp", net.JoinHostPort(callbackAddr, strconv.Itoa(int(callbackPort))))
		if err != nil {
			t.Errorf("fake vnic dial callback: %v", err)
			return
		}

		localPort := uint16(cbConn.LocalAddr().(*net.TCPAddr).Port)

		sendPacket(t, conn, wire.NewVNICConnectionSpawned(connID, localPort, "1.1.1.1", 54321, destination, destinationPort))

		cbConn.Write([]byte("hello from vnic"))
	})
	defer fv.Close()

	c := New(nil)
	defer c.Close()

	proto := newCapturingProtocol()

	got, err := c.CreateConnection(context.Background(), fv.Addr(), func() Protocol { return proto }, "2.2.2.2", 100)
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	if got != proto {
		t.Fatal("CreateConnection did not return the factory's protocol")
	}

	<-proto.madeCh

	if proto.key.Destination != "2.2.2.2" || proto.key.DestinationPort != 100 {
		t.Errorf("key = %+v, want destination 2.2.2.2:100", proto.key)
	}

	buf := make([]byte, len("hello from vnic"))
	if _, err := readFull(proto.conn, buf); err != nil {
		t.Fatalf("read callback conn: %v", err)
	}

	if !bytes.Equal(buf, []byte("hello from vnic")) {
		t.Errorf("got %q, want %q", buf, "hello from vnic")
	}
}

func TestConnectorSocketBusyReturnsError(t *testing.T) {
	t.Parallel()

	fv := newFakeVNIC(t, func(conn net.Conn, open *wire.Packet) {
		connID, _ := open.ConnectionID()
		sendPacket(t, conn, wire.NewVNICSocketOpenError(connID, 1, "port in use"))
	})
	defer fv.Close()

	c := New(nil)
	defer c.Close()

	_, err := c.CreateConnection(context.Background(), fv.Addr(), func() Protocol { return newCapturingProtocol() }, "2.2.2.2", 100)
	if err == nil {
		t.Fatal("CreateConnection succeeded, want busy error")
	}
}

func TestConnectorCreateServerConfirmsListen(t *testing.T) {
	t.Parallel()

	fv := newFakeVNIC(t, func(conn net.Conn, open *wire.Packet) {
		connID, _ := open.ConnectionID()
		sendPacket(t, conn, wire.NewVNICSocketOpenResponse(connID, 666))
	})
	defer fv.Close()

	c := New(nil)
	defer c.Close()

	err := c.CreateServer(context.Background(), fv.Addr(), 666, func() Protocol { return newCapturingProtocol() }, nil)
	if err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
}

func TestConnectorSpawnTimeout(t *testing.T) {
	t.Parallel()

	fv := newFakeVNIC(t, func(conn net.Conn, open *wire.Packet) {
		connID, _ := open.ConnectionID()
		// Confirm the port but never actually spawn a connection.
		sendPacket(t, conn, wire.NewVNICSocketOpenResponse(connID, 54321))
	})
	defer fv.Close()

	c := New(nil)
	c.spawnTimeout = 50 * time.Millisecond
	defer c.Close()

	_, err := c.CreateConnection(context.Background(), fv.Addr(), func() Protocol { return newCapturingProtocol() }, "2.2.2.2", 100)
	if err != ErrSpawnTimeout {
		t.Fatalf("err = %v, want ErrSpawnTimeout", err)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0

	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n

		if err != nil {
			return total, err
		}
	}

	return total, nil
}

