package transport

import (
	"context"
	"time"
)

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 30 * time.Second
)

// BackoffPolicy is the reconnect schedule shared by every component that
// redials: the WebSocket client, the PTY control socket peer and the SSE
// follower.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff returns the 1s base, 30s cap schedule.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: DefaultBackoffBase, Cap: DefaultBackoffCap}
}

// Delay returns the wait before the given attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	base, limit := p.Base, p.Cap
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if limit <= 0 {
		limit = DefaultBackoffCap
	}
	return Backoff(attempt, base, limit)
}

// Backoff returns min(limit, base·2^(attempt-1)). Attempts below 1 count as
// 1; the doubling saturates instead of overflowing.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay >= limit || delay > limit/2 {
			return limit
		}
		delay *= 2
	}
	if delay > limit {
		return limit
	}
	return delay
}

// Sleep waits for the attempt's delay or until ctx is done.
func (p BackoffPolicy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
