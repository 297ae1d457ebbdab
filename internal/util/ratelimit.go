package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter spaces calls at least one interval apart, where the interval
// is derived from a per-minute budget. Callers reserve the next free slot
// and sleep until it arrives.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

// NewRateLimiter allows perMinute calls per minute. A non-positive budget
// disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	rl := &RateLimiter{}
	if perMinute > 0 {
		rl.interval = time.Minute / time.Duration(perMinute)
	}
	return rl
}

// reserve claims the next slot and returns how long to wait for it.
func (rl *RateLimiter) reserve(now time.Time) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	slot := rl.next
	if slot.Before(now) {
		slot = now
	}
	rl.next = slot.Add(rl.interval)
	return slot.Sub(now)
}

// Wait blocks until the caller's slot arrives or ctx is done. A slot given
// up through cancellation is not handed back.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rl == nil || rl.interval <= 0 {
		return nil
	}
	d := rl.reserve(time.Now())
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
