// Package quota enforces per-tenant per-day usage counters. Counters are
// keyed by (tenant, UTC day, kind), so a new day implicitly resets usage.
package quota

import (
	"fmt"
	"sync"
	"time"

	"trustcore.org/internal/fault"
)

// Quota kinds tracked by the core.
const (
	KindChat    = "chat"
	KindActions = "actions"
)

// Tracker counts daily usage per tenant and kind.
type Tracker struct {
	mu       sync.Mutex
	counters map[string]int
	now      func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		counters: make(map[string]int),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Only intended for tests.
func (t *Tracker) SetClock(fn func() time.Time) {
	if fn != nil {
		t.now = fn
	}
}

func dayKey(tenantID, kind string, day time.Time) string {
	return fmt.Sprintf("%s|%s|%s", tenantID, day.UTC().Format("2006-01-02"), kind)
}

// Consume atomically checks and increments today's counter. At the limit it
// returns a quota error with a retry hint and does not increment further.
func (t *Tracker) Consume(tenantID, kind string, max int) error {
	if max <= 0 {
		return nil
	}
	now := t.now().UTC()
	key := dayKey(tenantID, kind, now)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counters[key] >= max {
		midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		return fault.QuotaExceeded(kind, midnight.Sub(now))
	}
	t.counters[key]++
	return nil
}

// Usage reports today's counter for a tenant and kind.
func (t *Tracker) Usage(tenantID, kind string) int {
	key := dayKey(tenantID, kind, t.now().UTC())
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[key]
}

// Snapshot copies the raw counters for persistence.
func (t *Tracker) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counters))
	for k, v := range t.counters {
		out[k] = v
	}
	return out
}

// Restore replaces counters from a persisted snapshot. Stale day keys are
// harmless; they simply never match again.
func (t *Tracker) Restore(data map[string]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters = make(map[string]int, len(data))
	for k, v := range data {
		t.counters[k] = v
	}
}
