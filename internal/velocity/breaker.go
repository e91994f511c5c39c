package velocity

import (
	"log/slog"
	"sync"
	"time"
)

// breakerState tracks whether the counter store is considered reachable.
type breakerState int

const (
	stateClosed   breakerState = iota // counter reachable, checks pass through
	stateOpen                         // trip threshold hit, checks short-circuit
	stateHalfOpen                     // cooldown elapsed, limited probes allowed
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "CLOSED"
	case stateOpen:
		return "OPEN"
	case stateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig tunes the counter-store breaker.
type BreakerConfig struct {
	// TripAfter is the consecutive-failure count that opens the breaker.
	TripAfter uint32
	// Cooldown is how long the breaker stays open before probing again.
	Cooldown time.Duration
	// Probes is how many requests may pass in half-open; that many
	// consecutive successes close the breaker, one failure reopens it.
	Probes uint32
}

// DefaultBreakerConfig matches the 50 ms sub-deadline: five straight
// timeouts cost at most 250 ms of request budget spread over five
// transactions before the breaker stops paying for a dead store.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{TripAfter: 5, Cooldown: 10 * time.Second, Probes: 2}
}

// Breaker short-circuits counter round-trips while the store is down, so a
// Redis outage costs nothing per transaction instead of a 50 ms timeout
// each. Velocity stays informational either way; the breaker only decides
// whether the round-trip is attempted at all.
type Breaker struct {
	cfg BreakerConfig

	mu           sync.Mutex
	state        breakerState
	generation   uint64
	consecFails  uint32
	probeSuccess uint32
	probeActive  uint32
	openedAt     time.Time
}

// NewBreaker builds a breaker; zero config fields take defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.TripAfter == 0 {
		cfg.TripAfter = def.TripAfter
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Probes == 0 {
		cfg.Probes = def.Probes
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a round-trip may be attempted and returns the
// generation to hand back to Record. A false return means short-circuit.
func (b *Breaker) Allow() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(time.Now())

	switch b.state {
	case stateOpen:
		return b.generation, false
	case stateHalfOpen:
		if b.probeActive >= b.cfg.Probes {
			return b.generation, false
		}
		b.probeActive++
	}
	return b.generation, true
}

// Record reports the outcome of a round-trip admitted by Allow. Results
// from a previous generation are ignored; the state machine has already
// moved on.
func (b *Breaker) Record(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.advance(now)
	if generation != b.generation {
		return
	}

	if success {
		b.onSuccess(now)
	} else {
		b.onFailure(now)
	}
}

// Open reports whether checks are currently short-circuited.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(time.Now())
	return b.state == stateOpen
}

func (b *Breaker) onSuccess(now time.Time) {
	switch b.state {
	case stateClosed:
		b.consecFails = 0
	case stateHalfOpen:
		b.probeSuccess++
		if b.probeSuccess >= b.cfg.Probes {
			b.setState(stateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(now time.Time) {
	switch b.state {
	case stateClosed:
		b.consecFails++
		if b.consecFails >= b.cfg.TripAfter {
			b.setState(stateOpen, now)
		}
	case stateHalfOpen:
		// A failed probe means the store is still down.
		b.setState(stateOpen, now)
	}
}

// advance applies time-driven transitions. Caller holds the lock.
func (b *Breaker) advance(now time.Time) {
	if b.state == stateOpen && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		b.setState(stateHalfOpen, now)
	}
}

func (b *Breaker) setState(next breakerState, now time.Time) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.generation++
	b.consecFails = 0
	b.probeSuccess = 0
	b.probeActive = 0
	if next == stateOpen {
		b.openedAt = now
	}
	slog.Warn("[Velocity] Counter breaker state change",
		"from", prev.String(), "to", next.String())
}
