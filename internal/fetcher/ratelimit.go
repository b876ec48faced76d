package fetcher

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateGate spaces outbound requests. One gate is shared by every fetch in a
// batch so concurrent workers together respect the interval.
type RateGate struct {
	limiter *rate.Limiter
}

// NewRateGate allows one request per interval. A non-positive interval
// disables limiting.
func NewRateGate(interval time.Duration) *RateGate {
	if interval <= 0 {
		return &RateGate{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &RateGate{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until a request may be sent or ctx is done.
func (g *RateGate) Wait(ctx context.Context) error {
	if g == nil {
		return ctx.Err()
	}
	return g.limiter.Wait(ctx)
}
