package reliability

import "time"

// ReconnectPolicy controls reconnection pacing. It is fixed for the life of
// a session; channels are replaced, the policy is not.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultReconnectPolicy mirrors the deployed defaults: three attempts at
// 1s, 2s, 4s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the wait before the given attempt (1-based). A zero or
// negative attempt is treated as the first.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	return ExponentialBackoff(attempt, p.BaseDelay, p.MaxDelay)
}
