package commands

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/crimsonvista/playground/internal/wire"
)

// spmpTimeout bounds how long a single SPMP round trip may take before
// pnetctl gives up on an unresponsive daemon.
const spmpTimeout = 5 * time.Second

var nextRequestID atomic.Uint32

// callSPMP dials addr, sends one SPMP request for verb with args, and
// returns the daemon's result string or the error it reported.
func callSPMP(addr, verb string, args []string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, spmpTimeout)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(spmpTimeout))

	requestID := uint16(nextRequestID.Add(1))

	frame, err := wire.EncodePacket(wire.NewSPMPRequest(requestID, verb, args))
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	if _, err := conn.Write(frame); err != nil {
		return "", fmt.Errorf("write request: %w", err)
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

				if p.Identifier() != wire.SPMPPacketDef.Identifier {
					continue
				}

				if errMsg, err := p.Error(); err == nil && errMsg != "" {
					return "", fmt.Errorf("%s: %s", verb, errMsg)
				}

				result, err := p.Result()
				if err != nil {
					return "", fmt.Errorf("malformed spmp response: %w", err)
				}

				return result, nil
			}
		}

		if err != nil {
			return "", fmt.Errorf("read response: %w", err)
		}
	}
}
