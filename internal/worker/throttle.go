package worker

import (
	"context"
	"sync"
	"time"
)

// Throttle limits how many events may happen within a sliding time window
type Throttle struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events []time.Time
	now    func() time.Time
}

// NewThrottle allows limit events per window
func NewThrottle(limit int, window time.Duration) *Throttle {
	return &Throttle{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Record records an event if the limit is still respected and reports
// whether it was. Refused events are not recorded.
func (t *Throttle) Record() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cutoff := now.Add(-t.window)

	kept := t.events[:0]
	for _, e := range t.events {
		if e.After(cutoff) {
			kept = append(kept, e)
		}
	}
	t.events = kept

	if len(t.events) >= t.limit {
		return false
	}
	t.events = append(t.events, now)
	return true
}

// Wait blocks until Record accepts an event or ctx is done
func (t *Throttle) Wait(ctx context.Context, poll time.Duration) error {
	if t.Record() {
		return nil
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if t.Record() {
				return nil
			}
		}
	}
}
