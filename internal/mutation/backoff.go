package mutation

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is an exponential retry schedule with jitter.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps a single delay.
	Max time.Duration
	// Multiplier grows the delay per attempt.
	Multiplier float64
	// MaxAttempts bounds retries of one delivery; 0 retries forever.
	MaxAttempts int
	// Jitter is the maximum fraction (0 to 1) added or removed at random.
	Jitter float64
}

// DefaultBackoff retries five times starting at 500ms.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     500 * time.Millisecond,
		Max:         30 * time.Second,
		Multiplier:  2,
		MaxAttempts: 5,
		Jitter:      0.2,
	}
}

// NextDelay returns the delay before retry attempt (0-based) and whether
// to retry at all.
func (b Backoff) NextDelay(attempt int) (time.Duration, bool) {
	if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
		return 0, false
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(b.Initial) * math.Pow(mult, float64(attempt))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 {
		delay += delay * b.Jitter * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(b.Initial)
		}
	}
	return time.Duration(delay), true
}
