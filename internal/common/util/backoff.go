package util

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential delays: base * 2^(attempt-1), capped at max, with a symmetric random jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // 0.2 means +/-20%
	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// Delay returns the delay before the given attempt. Attempts start at 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		delay = delay * (1 + b.Jitter*(2*r()-1))
	}
	return time.Duration(delay)
}
