package connector

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/crimsonvista/playground/internal/wire"
)

// controlSession is the connector's single TCP session to one VNIC's
// control listener, carrying VNICSocketOpen/VNICSocketOpenResponse/
// VNICConnectionSpawned/VNICSocketClose traffic.
type controlSession struct {
	conn   net.Conn
	logger *slog.Logger

	onResponse func(*wire.Packet)
	onSpawned  func(*wire.Packet)

	writeMu sync.Mutex
}

func dialControlSession(addr string, logger *slog.Logger, onResponse, onSpawned func(*wire.Packet)) (*controlSession, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial vnic control session %s: %w", addr, err)
	}

	cs := &controlSession{conn: conn, logger: logger, onResponse: onResponse, onSpawned: onSpawned}
	go cs.readLoop()

	return cs, nil
}

func (cs *controlSession) readLoop() {
	dec := wire.NewStreamDecoder(nil, cs.logger)
	buf := make([]byte, 4096)

	for {
		n, err := cs.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])

			for {
				p, ok, _ := dec.Next()
				if !ok {
					break
				}

				cs.dispatch(p)
			}
		}

		if err != nil {
			return
		}
	}
}

func (cs *controlSession) dispatch(p *wire.Packet) {
	switch p.Identifier() {
	case wire.VNICSocketOpenResponseDef.Identifier:
		if cs.onResponse != nil {
			cs.onResponse(p)
		}
	case wire.VNICConnectionSpawnedDef.Identifier:
		if cs.onSpawned != nil {
			cs.onSpawned(p)
		}
	}
}

func (cs *controlSession) send(p *wire.Packet) error {
	b, err := wire.EncodePacket(p)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p.Identifier(), err)
	}

	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()

	if _, err := cs.conn.Write(b); err != nil {
		return fmt.Errorf("write %s: %w", p.Identifier(), err)
	}

	return nil
}

func (cs *controlSession) Close() error { return cs.conn.Close() }
