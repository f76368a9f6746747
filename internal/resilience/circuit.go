// Package resilience guards calls to upstream providers (tile servers, the
// routing API) with a circuit breaker and bounded retries.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// State is the position of a breaker.
type State int

const (
	// Closed lets calls through.
	Closed State = iota
	// Open rejects calls until the cooldown elapses.
	Open
	// HalfOpen lets one trial call through to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	// Name identifies the upstream in logs.
	Name string
	// FailureThreshold is the consecutive failure count that opens the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// Counts decides whether an error is the upstream's fault. Nil counts every error.
	Counts func(err error) bool
}

// Breaker fails fast while an upstream keeps failing.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	rejected  int64
	succeeded int64
	failed    int64

	nowFunc func() time.Time
}

// NewBreaker returns a closed breaker. Zero config values get defaults of five
// failures and a 30s cooldown.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, nowFunc: time.Now}
}

// Call runs fn unless the breaker is open.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	b.record(err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// State reports the breaker position, accounting for an elapsed cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.nowFunc().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// BreakerStats is a snapshot of breaker counters.
type BreakerStats struct {
	State     string `json:"state"`
	Failures  int    `json:"consecutive_failures"`
	Succeeded int64  `json:"succeeded"`
	Failed    int64  `json:"failed"`
	Rejected  int64  `json:"rejected"`
}

// Stats returns current counters.
func (b *Breaker) Stats() BreakerStats {
	st := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:     st.String(),
		Failures:  b.failures,
		Succeeded: b.succeeded,
		Failed:    b.failed,
		Rejected:  b.rejected,
	}
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return nil
	}
	if b.nowFunc().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.moveTo(HalfOpen)
		return nil
	}
	b.rejected++
	return eris.Wrapf(ErrCircuitOpen, "resilience: %s", b.cfg.Name)
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts := b.cfg.Counts
	if counts == nil {
		counts = func(error) bool { return true }
	}

	if err == nil || !counts(err) {
		b.succeeded++
		b.failures = 0
		if b.state == HalfOpen {
			b.moveTo(Closed)
		}
		return
	}

	b.failed++
	b.failures++
	if b.state == HalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.openedAt = b.nowFunc()
		if b.state != Open {
			b.moveTo(Open)
		}
	}
}

func (b *Breaker) moveTo(to State) {
	from := b.state
	b.state = to
	zap.L().Info("resilience: breaker state change",
		zap.String("upstream", b.cfg.Name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}
