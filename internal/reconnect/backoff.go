package reconnect

import "time"

// BackoffDelay computes the capped exponential delay for the given
// attempt number (0-based). Attempt 0 always yields base.
func BackoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 || base <= 0 {
		return base
	}
	// The shift saturates well before it could wrap.
	if attempt >= 32 {
		return cap
	}
	d := base << uint(attempt)
	if d <= 0 || d > cap {
		return cap
	}
	return d
}
