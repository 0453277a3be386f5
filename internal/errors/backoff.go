package errors

import (
	"math"
	"math/rand"
	"time"
)

// BackoffSchedule is the reconnect retry budget handed to the streaming
// client at construction. Tests inject a zero-delay schedule.
type BackoffSchedule struct {
	MaxAttempts  int           // total reconnect attempts before giving up
	BaseDelay    time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap on the exponential growth
	JitterFactor float64       // ±fraction of randomization, e.g. 0.25
}

// DefaultBackoffSchedule returns the production reconnect budget.
func DefaultBackoffSchedule() BackoffSchedule {
	return BackoffSchedule{
		MaxAttempts:  10,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// ZeroBackoffSchedule returns a schedule with no delays, for tests.
func ZeroBackoffSchedule(maxAttempts int) BackoffSchedule {
	return BackoffSchedule{MaxAttempts: maxAttempts}
}

// DelayFor computes the capped exponential backoff delay with jitter for the
// given zero-based attempt: base*2^attempt, capped at MaxDelay.
func (s BackoffSchedule) DelayFor(attempt int) time.Duration {
	if s.BaseDelay <= 0 {
		return 0
	}

	multiplier := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(s.BaseDelay) * multiplier)
	if delay > s.MaxDelay || delay <= 0 {
		delay = s.MaxDelay
	}

	if s.JitterFactor > 0 {
		jitter := float64(delay) * s.JitterFactor
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
		if delay < 0 {
			delay = s.BaseDelay
		}
		if delay > s.MaxDelay {
			delay = s.MaxDelay
		}
	}

	return delay
}
