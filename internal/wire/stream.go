package wire

import (
	"log/slog"
)

// StreamDecoder is a resumable, pull-style packet decoder: bytes are
// fed in as they arrive off a TCP session, and whole packets are
// produced as they complete. It is the Go shape of the source's
// generator-based deserializer that yields a WAITING_FOR_STREAM token
// when it needs more bytes than are buffered.
//
// A malformed frame does not close the session: per the
// decoder logs at debug, discards bytes up to the next point at which
// a frame can be parsed, and continues. Because the wire format carries
// no outer total-length prefix, resynchronization is byte-at-a-time:
// on error, the decoder advances one byte and retries, bounded by the
// amount of data currently buffered.
type StreamDecoder struct {
	reg    *Registry
	logger *slog.Logger
	buf    []byte
}

// NewStreamDecoder creates a decoder resolving packet types against
// reg. A nil logger discards diagnostic output.
func NewStreamDecoder(reg *Registry, logger *slog.Logger) *StreamDecoder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if reg == nil {
		reg = defaultRegistry
	}

	return &StreamDecoder{reg: reg, logger: logger}
}

// Feed appends newly received bytes to the internal buffer.
func (d *StreamDecoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next attempts to decode one packet from the buffered bytes. It
// returns (packet, true, nil) on success, (nil, false, nil) if more
// bytes are needed (the source's WAITING_FOR_STREAM), or a non-nil
// error only for conditions the caller must treat as fatal (there are
// none today; malformed frames are handled internally and never
// surfaced). Callers should call Next in a loop until it reports
// waiting, since Feed may have completed more than one packet.
func (d *StreamDecoder) Next() (*Packet, bool, error) {
	for {
		p, consumed, err := DecodePacket(d.buf, d.reg)
		switch {
		case err == nil:
			d.buf = d.buf[consumed:]
			return p, true, nil
		case err == errIncomplete:
			return nil, false, nil
		default:
			d.logger.Debug("dropping malformed wire frame", slog.Any("error", err))

			if len(d.buf) == 0 {
				return nil, false, nil
			}

			d.buf = d.buf[1:]
		}
	}
}

// Buffered reports how many bytes are currently held awaiting more
// data or a successful parse.
func (d *StreamDecoder) Buffered() int { return len(d.buf) }
