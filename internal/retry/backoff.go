package retry

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes base * 2^(attempts-1) * jitter, jitter in [0.5, 1.0),
// capped at max. attempts counts the failed attempts of the current series.
func Backoff(base, max time.Duration, attempts int, jitter float64) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := float64(base) * math.Pow(2, float64(attempts-1)) * jitter
	if max > 0 && backoff > float64(max) {
		return max
	}
	return time.Duration(backoff)
}

func defaultJitter() float64 {
	return rand.Float64()*0.5 + 0.5
}
