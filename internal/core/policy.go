package core

import (
	"fmt"
	"time"
)

// RetryPolicy decides what happens to a job after a failed submission
// attempt. Transient failures back off exponentially; document rejections
// and exhausted retries fail terminally.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// Decide evaluates a failed attempt. attempts is the number of submission
// attempts already made, including the one that just failed.
func (p RetryPolicy) Decide(attempts int, err error) Decision {
	if IsTerminalFailure(err) {
		return Decision{Reason: err.Error()}
	}

	if attempts >= p.MaxRetries {
		return Decision{
			Reason: fmt.Sprintf("max retries exceeded (%d attempts): %v", attempts, err),
		}
	}

	return Decision{
		Retry:  true,
		Delay:  p.backoff(attempts, IsOffline(err)),
		Reason: err.Error(),
	}
}

func (p RetryPolicy) backoff(attempts int, offline bool) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 5 * time.Minute
	}

	if attempts > 20 {
		attempts = 20
	}
	delay := base * time.Duration(1<<uint(attempts))
	if offline {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay
}
