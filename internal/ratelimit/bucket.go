package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantal/execore/internal/venue"
)

// Bucket is a token bucket over a lazily-refilled limiter. Tokens refill
// from wall-clock deltas on access, so the arithmetic is exact regardless
// of scheduling jitter.
type Bucket struct {
	lim *rate.Limiter
}

// NewBucket creates a bucket refilling at ratePerSec with the given burst
// capacity. The bucket starts full.
func NewBucket(ratePerSec float64, burst int) *Bucket {
	return &Bucket{lim: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// TryConsume takes n tokens if available, without waiting.
func (b *Bucket) TryConsume(n int) bool {
	return b.lim.AllowN(time.Now(), n)
}

// NextAvailableAt reports when n tokens will next be available. It does not
// consume anything.
func (b *Bucket) NextAvailableAt(n int) time.Time {
	now := time.Now()
	r := b.lim.ReserveN(now, n)
	if !r.OK() {
		// n exceeds burst and can never be satisfied
		return now.Add(24 * time.Hour)
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return now.Add(d)
}

// WaitFor consumes n tokens, cooperatively waiting until they free. If the
// wait would exceed maxWait the tokens are returned and a retryable
// throttle error carrying the wait time is reported instead.
func (b *Bucket) WaitFor(ctx context.Context, n int, maxWait time.Duration) error {
	now := time.Now()
	r := b.lim.ReserveN(now, n)
	if !r.OK() {
		return venue.NewError(venue.CodeThrottle, false, "request exceeds bucket capacity")
	}
	delay := r.DelayFrom(now)
	if delay > maxWait {
		r.CancelAt(now)
		return venue.Throttled(delay)
	}
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}
