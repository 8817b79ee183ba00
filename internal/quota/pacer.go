package quota

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces consecutive upstream requests by a fixed delay. Only real
// network calls go through it; a cache hit never waits.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer allows one request per delay. A zero delay never waits.
func NewPacer(delay time.Duration) *Pacer {
	if delay <= 0 {
		return &Pacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Every(delay), 1)}
}

// Wait blocks until the next request may be sent.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
