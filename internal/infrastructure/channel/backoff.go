package channel

import (
	"context"
	"math"
	"time"
)

// Backoff computes reconnect delays: Base * Factor^(attempt-1), capped.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Factor: 2, Cap: 30 * time.Second}
}

// Delay returns the wait before the given 1-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	if b.Cap > 0 && (math.IsInf(d, 0) || d > float64(b.Cap)) {
		return b.Cap
	}
	return time.Duration(d)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
