package repair

import (
	"math"
	"time"
)

const (
	backoffInitial = 500 * time.Millisecond
	backoffFactor  = 2.0
	backoffMax     = 10 * time.Second
)

// delayForAttempt returns the transient-retry delay before attempt n
// (1-indexed): initial * factor^(n-1), capped.
func delayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(backoffInitial) * math.Pow(backoffFactor, float64(attempt-1))
	if d > float64(backoffMax) {
		d = float64(backoffMax)
	}
	return time.Duration(d)
}
