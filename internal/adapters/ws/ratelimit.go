package ws

import (
	"sync"
	"time"
)

// EventLimiter is a sliding-window limit on inbound events for a single
// connection. Events over the limit are rejected with a diagnostic and
// dropped; they never corrupt relay state.
type EventLimiter struct {
	mu       sync.Mutex
	history  []time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewEventLimiter(limit int, interval time.Duration) *EventLimiter {
	return &EventLimiter{
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *EventLimiter) Allow() bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	fresh := rl.history[:0]
	for _, t := range rl.history {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	rl.history = fresh

	if len(rl.history) >= rl.limit {
		return false
	}
	rl.history = append(rl.history, now)
	return true
}
