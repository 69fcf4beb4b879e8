package framing_test

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/crimsonvista/playground/internal/framing"
	"github.com/crimsonvista/playground/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSessionSendPacketAndReadLoop(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	session := framing.NewSession(client)
	if session.ID() == "" {
		t.Error("ID() = \"\", want a non-empty session identity")
	}

	want := wire.NewAnnounceLink("20.1.1.1")

	go func() {
		if err := session.SendPacket(want); err != nil {
			t.Errorf("SendPacket: %v", err)
		}
	}()

	received := make(chan *wire.Packet, 1)

	go func() {
		_ = framing.ReadLoop(server, wire.Default(), discardLogger(), func(frame []byte, p *wire.Packet) {
			received <- p
		})
	}()

	select {
	case got := <-received:
		gotAddr, err := got.GetString("address")
		if err != nil {
			t.Fatalf("GetString(address): %v", err)
		}

		if gotAddr != "20.1.1.1" {
			t.Errorf("decoded address = %q, want %q", gotAddr, "20.1.1.1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ReadLoop to deliver the packet")
	}
}

func TestReadLoopReturnsOnClose(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()

	done := make(chan error, 1)

	go func() {
		done <- framing.ReadLoop(server, wire.Default(), discardLogger(), func([]byte, *wire.Packet) {})
	}()

	client.Close()
	server.Close()

	if err := <-done; err == nil {
		t.Error("ReadLoop returned nil error after the connection closed, want a read error")
	}
}

func TestSessionWriteFrameSerializesConcurrentWriters(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	session := framing.NewSession(client)

	const writers = 8

	errs := make(chan error, writers)

	for i := 0; i < writers; i++ {
		go func() {
			frame, err := wire.EncodePacket(wire.NewAnnounceLink("20.1.1.1"))
			if err != nil {
				errs <- err

				return
			}

			errs <- session.WriteFrame(frame)
		}()
	}

	done := make(chan struct{})

	go func() {
		dec := wire.NewStreamDecoder(wire.Default(), discardLogger())
		buf := make([]byte, 4096)
		count := 0

		for count < writers {
			n, err := server.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])

				for {
					_, ok, _ := dec.Next()
					if !ok {
						break
					}

					count++
				}
			}

			if err != nil {
				break
			}
		}

		close(done)
	}()

	for i := 0; i < writers; i++ {
		if err := <-errs; err != nil {
			t.Errorf("WriteFrame: %v", err)
		}
	}

	<-done
}
