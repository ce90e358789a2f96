package bridge

import "time"

// RetryPolicy describes capped exponential backoff for session reconnects.
type RetryPolicy struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int
}

// Backoff returns the delay before the given reconnect attempt. Attempts are
// 1-based; the first retry waits Base. The function is pure so tests can
// cover it without real time passing.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return p.Base
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if p.Cap > 0 && d >= float64(p.Cap) {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(d)
}

// Exhausted reports whether the attempt count has passed the configured
// limit.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
