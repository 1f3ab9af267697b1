package infra

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff produces jittered, exponentially growing wait durations. A single
// instance is safe for concurrent use; Reset returns it to the minimum delay
// after a success.
type Backoff struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	multiplier float64

	mu      sync.Mutex
	current time.Duration
}

func NewBackoff(min, max time.Duration, mult float64) *Backoff {
	return &Backoff{
		minDelay:   min,
		maxDelay:   max,
		multiplier: mult,
		current:    min,
	}
}

// Next returns the wait for the current attempt and advances the schedule.
// Jitter of up to ±20% keeps restarting processes from synchronizing.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	spread := 0.8 + rand.Float64()*0.4
	wait := time.Duration(float64(b.current) * spread)
	if wait < b.minDelay {
		wait = b.minDelay
	}

	b.current = min(time.Duration(float64(b.current)*b.multiplier), b.maxDelay)

	return wait
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.minDelay
}
