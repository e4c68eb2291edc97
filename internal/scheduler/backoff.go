package scheduler

import "time"

const (
	DefaultBaseDelay   = 30 * time.Second
	DefaultMaxAttempts = 5
	maxDelay           = 24 * time.Hour
)

// Backoff returns the wait after the given failed pass: base * 2^(attempt-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}
