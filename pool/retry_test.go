package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateBackoff(t *testing.T) {
	initial := 100 * time.Millisecond
	maxBackoff := 2 * time.Second

	for attempt := range 6 {
		base := initial * time.Duration(1<<attempt)
		if base > maxBackoff {
			base = maxBackoff
		}
		got := calculateBackoff(attempt, initial, maxBackoff)
		assert.GreaterOrEqual(t, got, time.Duration(float64(base)*0.8), "attempt %d", attempt)
		assert.LessOrEqual(t, got, time.Duration(float64(base)*1.2), "attempt %d", attempt)
	}

	// overflowing shifts fall back to the cap
	got := calculateBackoff(100, initial, maxBackoff)
	assert.LessOrEqual(t, got, time.Duration(float64(maxBackoff)*1.2))
}
