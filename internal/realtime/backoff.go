package realtime

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: Base * Factor^n capped at Max. With Jitter the delay is
// drawn uniformly from [0, delay). Reset after a successful connection.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	Jitter bool
	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64

	attempt int
}

// DefaultBackoff is 1s doubling to 30s with full jitter.
func DefaultBackoff() *Backoff {
	return &Backoff{Base: time.Second, Factor: 2, Max: 30 * time.Second, Jitter: true}
}

// Next returns the delay before the next attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := float64(b.Base)
	for i := 0; i < b.attempt && d < float64(b.Max); i++ {
		d *= b.Factor
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	b.attempt++
	if !b.Jitter {
		return time.Duration(d)
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(d * r())
}

func (b *Backoff) Reset() { b.attempt = 0 }

// Attempt is the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }
