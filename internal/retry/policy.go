// Package retry holds the pure retry decision logic. The policy is
// stateless; all attempt history lives in execution attempt records owned by
// the caller.
package retry

import (
	"time"

	"github.com/mwhitt/warden/internal/connector"
)

// Decision is the outcome of consulting the policy after a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// PermanentFailure is the terminal decision.
var PermanentFailure = Decision{}

// RetryAfter builds a retry decision with the given delay.
func RetryAfter(d time.Duration) Decision {
	return Decision{Retry: true, Delay: d}
}

// Policy is a fixed exponential schedule capped at a maximum attempt count.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before the second retry
	Multiplier  float64       // growth factor between retries
}

// Default mirrors the configured defaults: immediate first retry, then
// 1s, 4s.
func Default() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 4}
}

// Decide maps a failed attempt to retry-after-delay or permanent failure.
// attempt is the 1-based number of the attempt that just failed. Only
// transient errors consult the delay schedule; fatal (or unclassified)
// errors short-circuit on first occurrence.
func (p Policy) Decide(attempt int, err error) Decision {
	if err == nil {
		return PermanentFailure
	}
	if !connector.IsTransient(err) {
		return PermanentFailure
	}
	if attempt >= p.MaxAttempts {
		return PermanentFailure
	}
	return RetryAfter(p.delay(attempt))
}

// delay returns the wait before attempt n+1. The first retry is immediate;
// subsequent retries grow geometrically from BaseDelay.
func (p Policy) delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.BaseDelay
	for i := 2; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
	}
	return d
}
