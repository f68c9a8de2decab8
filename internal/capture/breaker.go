package capture

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker refuses calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int
	// Window bounds how far apart consecutive failures may be and still
	// count as a streak.
	Window time.Duration
	// ResetTimeout is how long the breaker stays open before allowing one
	// half-open probe call.
	ResetTimeout time.Duration
}

// CircuitBreaker guards a chronically failing external call. Closed passes
// calls through, open rejects them, half-open admits a single probe after
// the reset timeout; a success closes the breaker again.
type CircuitBreaker struct {
	cfg   BreakerConfig
	clock Clock

	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time
	openedAt    time.Time
}

// NewCircuitBreaker builds a breaker with sane defaults.
func NewCircuitBreaker(cfg BreakerConfig, clock Clock) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, clock: clock}
}

// Allow reports whether a call may proceed right now. A true result from an
// open breaker means the breaker has moved to half-open for this probe.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return true
	case breakerHalfOpen:
		return false
	default:
		if b.clock.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = breakerHalfOpen
			return true
		}
		return false
	}
}

// Record feeds a call outcome back into the breaker.
func (b *CircuitBreaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	if err == nil {
		b.state = breakerClosed
		b.failures = 0
		return
	}
	if b.state == breakerHalfOpen {
		b.trip(now)
		return
	}
	if b.failures > 0 && now.Sub(b.lastFailure) > b.cfg.Window {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now
	if b.failures >= b.cfg.FailureThreshold {
		b.trip(now)
	}
}

func (b *CircuitBreaker) trip(now time.Time) {
	b.state = breakerOpen
	b.openedAt = now
	b.failures = 0
}

// Do runs fn through the breaker.
func (b *CircuitBreaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	b.Record(err)
	return err
}
