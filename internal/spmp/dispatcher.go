// Package spmp implements the Playground Management Protocol: a framed
// request/response RPC multiplexed on the same switch/VNIC/WAN listen
// socket as ordinary traffic, distinguished from WirePacket/AnnounceLink
// only by its own outer packet identifier in the self-describing stream.
//
// Implements the management-plane RPC described below.
package spmp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/crimsonvista/playground/internal/wire"
)

// ErrUnknownVerb indicates no handler is registered for the requested verb.
var ErrUnknownVerb = errors.New("spmp: unknown verb")

// ErrAccessDenied indicates the configured AccessPolicy rejected the call.
var ErrAccessDenied = errors.New("spmp: access denied")

// Handler answers one SPMP verb with a result string, or an error.
type Handler func(ctx context.Context, args []string) (result string, err error)

// AccessPolicy is consulted before dispatch; a non-nil error aborts the
// call, wrapped in ErrAccessDenied.
type AccessPolicy func(ctx context.Context, verb string, args []string) error

// Dispatcher holds one device's verb -> Handler registry and answers
// framed SPMPPacket requests decoded off its listen socket.
//
// The logging-then-recover wrapping around each call mirrors a unary
// interceptor chain, adapted to a plain func since SPMP has no RPC
// framework underneath it — only the self-describing packet stream.
type Dispatcher struct {
	logger *slog.Logger
	policy AccessPolicy

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates an empty Dispatcher. A nil logger discards
// diagnostic output.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Dispatcher{logger: logger, handlers: make(map[string]Handler)}
}

// SetAccessPolicy installs an optional pre-dispatch access check,
// consulted before every call.
func (d *Dispatcher) SetAccessPolicy(p AccessPolicy) { d.policy = p }

// Register adds a handler for verb, overwriting any existing one.
func (d *Dispatcher) Register(verb string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[verb] = h
}

// Dispatch answers one decoded SPMPPacket request, returning the
// SPMPPacket response (result or error) to write back on the same
// session.
func (d *Dispatcher) Dispatch(ctx context.Context, req *wire.Packet) *wire.Packet {
	requestID, _ := req.RequestID()
	verb, _ := req.Request()
	args, _ := req.Args()

	start := time.Now()
	result, err := d.invoke(ctx, verb, args)
	duration := time.Since(start)

	attrs := []slog.Attr{
		slog.String("verb", verb),
		slog.Duration("duration", duration),
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		d.logger.LogAttrs(ctx, slog.LevelWarn, "spmp call completed with error", attrs...)

		return wire.NewSPMPError(requestID, verb, err.Error())
	}

	d.logger.LogAttrs(ctx, slog.LevelInfo, "spmp call completed", attrs...)

	return wire.NewSPMPResult(requestID, verb, result)
}

func (d *Dispatcher) invoke(ctx context.Context, verb string, args []string) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)

			d.logger.ErrorContext(ctx, "panic recovered in spmp handler",
				slog.String("verb", verb),
				slog.Any("panic", r),
				slog.String("stack", string(buf[:n])),
			)

			err = fmt.Errorf("%s: panic recovered", verb)
		}
	}()

	if d.policy != nil {
		if perr := d.policy(ctx, verb, args); perr != nil {
			return "", fmt.Errorf("%w: %w", ErrAccessDenied, perr)
		}
	}

	d.mu.RLock()
	h, ok := d.handlers[verb]
	d.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownVerb, verb)
	}

	return h(ctx, args)
}
