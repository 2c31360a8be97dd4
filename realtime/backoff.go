package realtime

import "time"

// Backoff is a capped exponential reconnect schedule with a bounded attempt budget.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Factor:      1.5,
		Cap:         5 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	cap := b.Cap
	if cap <= 0 {
		cap = 5 * time.Second
	}

	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= factor
		if delay >= float64(cap) {
			return cap
		}
	}
	if time.Duration(delay) > cap {
		return cap
	}
	return time.Duration(delay)
}

// Exhausted reports whether failures consecutive failed attempts use up the budget.
func (b Backoff) Exhausted(failures int) bool {
	if b.MaxAttempts <= 0 {
		return false
	}
	return failures >= b.MaxAttempts
}
