package download

import (
	"context"
	"math/rand/v2"
	"time"
)

// Pacer spaces out consecutive upstream requests.
type Pacer interface {
	// Wait blocks for the pacing delay or until ctx is done, returning
	// ctx's error in the latter case.
	Wait(ctx context.Context) error
}

// JitterPacer waits Pause plus a uniform random delay in [0, Jitter).
type JitterPacer struct {
	Pause  time.Duration
	Jitter time.Duration

	// randN returns a value in [0, n). Tests replace it.
	randN func(n int64) int64
}

// NewJitterPacer creates a JitterPacer.
func NewJitterPacer(pause, jitter time.Duration) *JitterPacer {
	return &JitterPacer{Pause: pause, Jitter: jitter, randN: rand.Int64N}
}

// Delay returns the next delay.
func (p *JitterPacer) Delay() time.Duration {
	d := p.Pause
	if p.Jitter > 0 {
		randN := p.randN
		if randN == nil {
			randN = rand.Int64N
		}
		d += time.Duration(randN(int64(p.Jitter)))
	}
	return d
}

// Wait implements Pacer.
func (p *JitterPacer) Wait(ctx context.Context) error {
	d := p.Delay()
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoPause never waits. Used by dry runs and tests.
type NoPause struct{}

// Wait implements Pacer.
func (NoPause) Wait(ctx context.Context) error {
	return ctx.Err()
}
