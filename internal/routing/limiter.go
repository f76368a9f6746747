package routing

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// adaptiveLimiter slows down after the provider answers 429 and recovers
// gradually on success, never exceeding the configured rate.
type adaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	maxRate rate.Limit
	minRate rate.Limit
	current rate.Limit
}

func newAdaptiveLimiter(perSecond float64, burst int) *adaptiveLimiter {
	if perSecond <= 0 {
		return &adaptiveLimiter{limiter: rate.NewLimiter(rate.Inf, 1), maxRate: rate.Inf, minRate: rate.Inf, current: rate.Inf}
	}
	r := rate.Limit(perSecond)
	return &adaptiveLimiter{
		limiter: rate.NewLimiter(r, max(burst, 1)),
		maxRate: r,
		minRate: r / 4,
		current: r,
	}
}

func (a *adaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// onSuccess raises the rate by 20%, up to the configured rate.
func (a *adaptiveLimiter) onSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == rate.Inf {
		return
	}
	a.current = min(a.current*1.2, a.maxRate)
	a.limiter.SetLimit(a.current)
}

// onRateLimit halves the rate, down to a quarter of the configured rate.
func (a *adaptiveLimiter) onRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == rate.Inf {
		return
	}
	a.current = max(a.current*0.5, a.minRate)
	a.limiter.SetLimit(a.current)
	zap.L().Warn("routing: reducing request rate after 429",
		zap.Float64("new_rate", float64(a.current)),
	)
}

func (a *adaptiveLimiter) limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}
