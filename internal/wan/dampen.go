package wan

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// DampenConfig controls the exponential-decay penalty used to
// suppress repeated WARN-level log lines for a flapping lossy
// inter-switch DirectLink. This does not influence routing: APSP
// continues to route strictly over currently-declared edges
// regardless of how noisy a link's loss has been; dampening here is
// purely a logging concern.
//
// Adapted from _examples/dantte-lp-gobfd/internal/gobgp/dampening.go's
// RFC 5882 flap-dampening algorithm, repurposed from session-state
// flapping to WAN link-loss log suppression.
type DampenConfig struct {
	SuppressThreshold float64
	ReuseThreshold    float64
	MaxSuppressTime   time.Duration
	HalfLife          time.Duration
	PenaltyPerEvent   float64
}

// DefaultDampenConfig mirrors common BFD/BGP dampening defaults scaled
// to log-suppression rather than route withdrawal.
func DefaultDampenConfig() DampenConfig {
	return DampenConfig{
		SuppressThreshold: 2000,
		ReuseThreshold:    750,
		MaxSuppressTime:   20 * time.Minute,
		HalfLife:          5 * time.Minute,
		PenaltyPerEvent:   1000,
	}
}

// Dampener suppresses repeated log calls for a flapping link key once
// its accumulated penalty crosses SuppressThreshold, decaying the
// penalty exponentially over HalfLife, and resuming logging once it
// decays below ReuseThreshold.
type Dampener struct {
	cfg DampenConfig
	now func() time.Time

	mu    sync.Mutex
	peers map[string]*penalty
}

type penalty struct {
	value      float64
	lastUpdate time.Time
	suppressed bool
}

// NewDampener creates a Dampener using cfg and time.Now for the clock.
func NewDampener(cfg DampenConfig) *Dampener {
	return &Dampener{cfg: cfg, now: time.Now, peers: make(map[string]*penalty)}
}

// NewDampenerWithClock is NewDampener with an injectable clock, for
// deterministic tests.
func NewDampenerWithClock(cfg DampenConfig, now func() time.Time) *Dampener {
	return &Dampener{cfg: cfg, now: now, peers: make(map[string]*penalty)}
}

// RecordEvent registers one flap event for key (e.g. a DirectLink's
// id) and reports whether logging for this key is currently
// suppressed after the update.
func (d *Dampener) RecordEvent(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.decayLocked(key)
	p.value += d.cfg.PenaltyPerEvent

	if p.value >= d.cfg.SuppressThreshold {
		p.suppressed = true
	}

	return p.suppressed
}

// Suppressed reports whether key is currently suppressed, decaying its
// penalty first.
func (d *Dampener) Suppressed(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.decayLocked(key)

	return p.suppressed
}

func (d *Dampener) decayLocked(key string) *penalty {
	p, ok := d.peers[key]
	if !ok {
		p = &penalty{lastUpdate: d.now()}
		d.peers[key] = p
	}

	elapsed := d.now().Sub(p.lastUpdate)
	if elapsed > 0 && d.cfg.HalfLife > 0 {
		halfLives := float64(elapsed) / float64(d.cfg.HalfLife)
		p.value *= math.Pow(0.5, halfLives)
	}

	p.lastUpdate = d.now()

	if p.suppressed && p.value < d.cfg.ReuseThreshold {
		p.suppressed = false
	}

	if elapsed > d.cfg.MaxSuppressTime {
		p.suppressed = false
		p.value = 0
	}

	return p
}

// LogIfNotSuppressed records a flap event for key and, unless
// suppression kicks in, emits msg at WARN via logger.
func (d *Dampener) LogIfNotSuppressed(logger *slog.Logger, key, msg string, args ...any) {
	if d.RecordEvent(key) {
		return
	}

	logger.Warn(msg, args...)
}
