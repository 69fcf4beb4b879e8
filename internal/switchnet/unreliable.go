package switchnet

import (
	"crypto/rand"
	"math/big"
	"sync/atomic"
	"time"
)

// LossParams are the runtime-mutable parameters of an unreliable
// switch's write path, the policy: a configured bit-error rate
// within a rolling byte window, and an independent probability of
// delaying a write.
type LossParams struct {
	ErrorsPerHorizon int           // bytes flipped per ErrorHorizon-byte window
	ErrorHorizon     int           // window size in bytes; 0 disables corruption
	DelayRate        float64       // 0..1, probability a write is delayed
	DelaySeconds     time.Duration // delay applied when DelayRate fires
}

// Unreliable wraps write-path corruption and delay around a Switch's
// per-session writes. Parameters are mutable at runtime (by SPMP),
// guarded by an atomic pointer swap so forwarding never blocks on a
// parameter-update lock.
type Unreliable struct {
	params atomic.Pointer[LossParams]
}

// NewUnreliableSwitch builds a Switch whose forwarding writes pass
// through an Unreliable mutator, and returns both so callers can adjust
// loss parameters live.
func NewUnreliableSwitch(initial LossParams, opts ...Option) (*Switch, *Unreliable) {
	u := &Unreliable{}
	u.SetParams(initial)

	opts = append(opts, WithWriteMutator(u.mutate))

	return New(opts...), u
}

// SetParams atomically replaces the loss parameters.
func (u *Unreliable) SetParams(p LossParams) {
	params := p
	u.params.Store(&params)
}

// Params returns the current loss parameters.
func (u *Unreliable) Params() LossParams {
	if p := u.params.Load(); p != nil {
		return *p
	}

	return LossParams{}
}

func (u *Unreliable) mutate(session Session, frame []byte) []byte {
	params := u.Params()

	corrupted := corrupt(frame, params.ErrorsPerHorizon, params.ErrorHorizon)

	if params.DelayRate > 0 && randFloat() < params.DelayRate {
		delayed := append([]byte(nil), corrupted...)

		go func() {
			time.Sleep(params.DelaySeconds)
			_ = session.WriteFrame(delayed)
		}()

		return nil
	}

	return corrupted
}

// corrupt flips a deterministic-count-but-random-position set of bits:
// errorsPerHorizon bytes are flipped per horizon-byte window of frame.
func corrupt(frame []byte, errorsPerHorizon, horizon int) []byte {
	if horizon <= 0 || errorsPerHorizon <= 0 || len(frame) == 0 {
		return frame
	}

	out := append([]byte(nil), frame...)

	for start := 0; start < len(out); start += horizon {
		end := min(start+horizon, len(out))
		windowLen := end - start

		for range errorsPerHorizon {
			idx := start + randIntn(windowLen)
			out[idx] ^= 1 << uint(randIntn(8))
		}
	}

	return out
}

func randIntn(n int) int {
	if n <= 0 {
		return 0
	}

	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}

	return int(v.Int64())
}

func randFloat() float64 {
	const precision = 1 << 24

	v, err := rand.Int(rand.Reader, big.NewInt(precision))
	if err != nil {
		return 0
	}

	return float64(v.Int64()) / float64(precision)
}
