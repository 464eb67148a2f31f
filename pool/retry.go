package pool

import (
	"math/rand"
	"time"
)

// calculateBackoff implements exponential backoff with jitter.
func calculateBackoff(attempt int, initial, max time.Duration) time.Duration {
	// initial * 2^attempt, capped
	backoff := initial * time.Duration(1<<uint(min(attempt, 30)))
	if backoff > max || backoff <= 0 {
		backoff = max
	}

	// Add jitter (±20%)
	jitter := float64(backoff) * (0.8 + 0.4*rand.Float64())

	return time.Duration(jitter)
}
