package retry

import (
	"math"
	"time"
)

// NextDelay computes the delay before the given attempt without consulting
// backoff state, for logging and for callers that schedule their own waits.
func NextDelay(attempt int, initialInterval time.Duration, multiplier float64, maxInterval time.Duration) time.Duration {
	duration := float64(initialInterval) * math.Pow(multiplier, float64(attempt))
	if duration > float64(maxInterval) {
		return maxInterval
	}
	return time.Duration(duration)
}
