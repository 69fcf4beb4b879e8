// Package framing provides the net.Conn transport shared by switchd,
// vnicd, and wand: a Session adapting one TCP connection to the
// WriteFrame-style sink each daemon's core package expects, and a
// ReadLoop that decodes the self-describing packet stream off it.
package framing

import (
	"log/slog"
	"net"
	"sync"

	"github.com/crimsonvista/playground/internal/wire"
)

// Session wraps one net.Conn as a frame sink: switchnet.Session,
// vnic.LinkSession, and vnic.ControlSession are all satisfied by this
// same shape (ID + WriteFrame, plus SendPacket for control sessions).
type Session struct {
	conn net.Conn
	id   string

	mu sync.Mutex
}

// NewSession wraps conn, deriving a stable ID from its address pair.
func NewSession(conn net.Conn) *Session {
	return &Session{conn: conn, id: conn.RemoteAddr().String() + "->" + conn.LocalAddr().String()}
}

// ID returns the session's stable identity for table bookkeeping.
func (s *Session) ID() string { return s.id }

// WriteFrame writes one already-encoded wire frame, serializing
// concurrent writers.
func (s *Session) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Write(frame)

	return err
}

// SendPacket encodes p and writes it, for use as a vnic.ControlSession.
func (s *Session) SendPacket(p *wire.Packet) error {
	frame, err := wire.EncodePacket(p)
	if err != nil {
		return err
	}

	return s.WriteFrame(frame)
}

// Close closes the underlying connection.
func (s *Session) Close() error { return s.conn.Close() }

// Conn exposes the underlying net.Conn, e.g. for reading its remote address.
func (s *Session) Conn() net.Conn { return s.conn }

// Handler processes one decoded packet alongside its encoded frame, for
// callers that must forward frames verbatim (switchnet) as well as
// those that only need the decoded fields.
type Handler func(frame []byte, p *wire.Packet)

// ReadLoop feeds conn's bytes to a StreamDecoder and invokes handle for
// every decoded packet, until the connection is closed or a read error
// occurs. The StreamDecoder only exposes decoded packets, not the raw
// bytes it consumed, so each packet is re-encoded to recover frame
// bytes equivalent to what was sent.
func ReadLoop(conn net.Conn, reg *wire.Registry, logger *slog.Logger, handle Handler) error {
	dec := wire.NewStreamDecoder(reg, logger)
	buf := make([]byte, 65536)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])

			for {
				p, ok, _ := dec.Next()
				if !ok {
					break
				}

				frame, encErr := wire.EncodePacket(p)
				if encErr != nil {
					continue
				}

				handle(frame, p)
			}
		}

		if err != nil {
			return err
		}
	}
}
