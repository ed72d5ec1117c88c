package resilience

import (
	"time"
)

const (
	// MaxJobBackoff caps the delay before a failed job becomes leasable again.
	MaxJobBackoff = 30 * time.Second
	// MaxErrorLength bounds the error text stored on a failed job, in
	// characters.
	MaxErrorLength = 2000
)

// JobBackoff returns the requeue delay after the given number of attempts:
// min(30s, 2^attempts seconds), with attempts floored at 1.
func JobBackoff(attempts int) time.Duration {
	attempts = max(attempts, 1)
	if attempts >= 5 {
		return MaxJobBackoff
	}
	return min(MaxJobBackoff, time.Duration(1<<attempts)*time.Second)
}

// TruncateError keeps the first MaxErrorLength characters (runes) of msg.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}
	n := 0
	for i := range msg {
		if n == MaxErrorLength {
			return msg[:i]
		}
		n++
	}
	return msg
}
