// Package retry holds the backoff strategy shared by every upstream transport.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff is an exponential backoff with additive random jitter and a cap.
// The delay after attempt n (1-based) is min(Base*2^(n-1) + rand[0,Jitter), Max).
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	Jitter   time.Duration

	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

// Default mirrors the policy the backfill has been run with: ten attempts,
// 5s doubling, up to 5s of jitter, two minute cap.
func Default() Backoff {
	return Backoff{
		Attempts: 10,
		Base:     5 * time.Second,
		Max:      120 * time.Second,
		Jitter:   5 * time.Second,
	}
}

// MaxAttempts returns the attempt budget, never less than one.
func (b Backoff) MaxAttempts() int {
	if b.Attempts < 1 {
		return 1
	}
	return b.Attempts
}

// Delay returns how long to wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		d += time.Duration(r() * float64(b.Jitter))
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
