package push

import "time"

// Backoff computes reconnect delays: exponential growth from Base doubling
// per consecutive failure up to Max, with symmetric jitter so several open
// dashboards do not reconnect in lockstep.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Delay returns the delay before the attempt-th consecutive retry
// (attempt >= 1). rnd must be uniform in [0,1); it is injected so the
// jitter band is testable without real randomness.
func (b Backoff) Delay(attempt int, rnd float64) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	max := b.Max
	if max < base {
		max = base
	}

	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}

	jitter := b.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 0 {
		factor := 1 + jitter*(2*rnd-1)
		delay = time.Duration(float64(delay) * factor)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
