package worker

import "time"

const (
	// backoffBase and backoffCap bound the exponential retry delay used for
	// transient gateway failures.
	backoffBase = 500 * time.Millisecond
	backoffCap  = 15 * time.Second

	// maxSendAttempts is the per-message retry budget. After it the
	// recipient is recorded failed and the loop moves on.
	maxSendAttempts = 5
)

// backoffDelay returns the delay before retry number attempt (0-based):
// base, 2*base, 4*base, ... capped.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}
