package daemon

import "time"

// RetryPolicy decides when a failed publish is retried and when it gives up.
type RetryPolicy struct {
	Base     time.Duration
	MaxDelay time.Duration
	// Ceiling is the number of attempts after which an item fails.
	Ceiling int
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Base <= 0 {
		p.Base = time.Minute
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	if p.Ceiling <= 0 {
		p.Ceiling = 3
	}
	return p
}

// Delay is min(base * 2^attempts, max_delay).
func (p RetryPolicy) Delay(attempts int) time.Duration {
	p = p.normalized()
	if attempts < 0 {
		attempts = 0
	}
	d := p.Base
	for i := 0; i < attempts; i++ {
		if d >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	return min(d, p.MaxDelay)
}

// NextRetryAt is pure so the backoff can be tested without timers.
func (p RetryPolicy) NextRetryAt(now time.Time, attempts int) time.Time {
	return now.Add(p.Delay(attempts))
}

// Exhausted reports whether attempts reached the ceiling.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.normalized().Ceiling
}
