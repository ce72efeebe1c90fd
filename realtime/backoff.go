package realtime

import "time"

// DelayFor returns the reconnect delay before the given attempt (zero-based):
// min(base * 2^attempt, maxDelay).
func DelayFor(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
		d *= 2
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
