// Package audit keeps the append-only, per-tenant log of security-relevant
// events. Entries are written synchronously with every state-changing
// operation and immediately flushed; audit completeness takes priority over
// write latency.
package audit

import (
	"context"
	"sync"
	"time"

	"trustcore.org/internal/ids"
)

// Outcome classifies what happened to the audited action.
type Outcome string

const (
	OutcomeAllowed  Outcome = "allowed"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeExecuted Outcome = "executed"
	OutcomeFailed   Outcome = "failed"
)

// Entry is one immutable audit record.
type Entry struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	SessionID string         `json:"session_id,omitempty"`
	Action    string         `json:"action"`
	Outcome   Outcome        `json:"outcome"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store holds audit entries in memory, bounded to the most recent entries
// per tenant; the oldest are trimmed on overflow.
type Store struct {
	mu           sync.RWMutex
	byTenant     map[string][]Entry
	maxPerTenant int
}

// DefaultMaxPerTenant bounds the retained history per tenant.
const DefaultMaxPerTenant = 500

// NewStore creates an empty audit store.
func NewStore(maxPerTenant int) *Store {
	if maxPerTenant <= 0 {
		maxPerTenant = DefaultMaxPerTenant
	}
	return &Store{
		byTenant:     make(map[string][]Entry),
		maxPerTenant: maxPerTenant,
	}
}

// Append adds an entry, trimming the oldest records past the per-tenant bound.
func (s *Store) Append(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append(s.byTenant[entry.TenantID], entry)
	if over := len(entries) - s.maxPerTenant; over > 0 {
		entries = append([]Entry(nil), entries[over:]...)
	}
	s.byTenant[entry.TenantID] = entries
}

// List returns up to limit entries for a tenant, newest first.
func (s *Store) List(tenantID string, limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.byTenant[tenantID]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]Entry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out
}

// Snapshot copies the full log for persistence.
func (s *Store) Snapshot() map[string][]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Entry, len(s.byTenant))
	for tenant, entries := range s.byTenant {
		out[tenant] = append([]Entry(nil), entries...)
	}
	return out
}

// Restore replaces the log contents from a persisted snapshot.
func (s *Store) Restore(data map[string][]Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant = make(map[string][]Entry, len(data))
	for tenant, entries := range data {
		if over := len(entries) - s.maxPerTenant; over > 0 {
			entries = entries[over:]
		}
		s.byTenant[tenant] = append([]Entry(nil), entries...)
	}
}

// Flusher triggers a durable state write after a mutation.
type Flusher interface {
	Flush()
}

// Service records audit entries and answers history queries.
type Service struct {
	store *Store
	flush Flusher
	now   func() time.Time
}

// NewService wires the audit store with its persistence trigger.
func NewService(store *Store, flush Flusher) *Service {
	return &Service{store: store, flush: flush, now: time.Now}
}

// SetClock overrides the time source. Only intended for tests.
func (s *Service) SetClock(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// Record appends an entry and flushes state before returning.
func (s *Service) Record(ctx context.Context, entry Entry) {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	s.store.Append(entry)
	if s.flush != nil {
		s.flush.Flush()
	}
}

// List returns a tenant's recent entries, newest first.
func (s *Service) List(ctx context.Context, tenantID string, limit int) []Entry {
	return s.store.List(tenantID, limit)
}

// ExecutedSpendSince totals the "amount" metadata of executed entries for
// the given action since a point in time, and reports the most recent one.
// The betting policy uses it to compute trailing same-day spend.
func (s *Service) ExecutedSpendSince(tenantID, action string, since time.Time) (total float64, last time.Time) {
	entries := s.store.List(tenantID, 0)
	for _, e := range entries {
		if e.Action != action || e.Outcome != OutcomeExecuted {
			continue
		}
		if e.CreatedAt.Before(since) {
			continue
		}
		if amount, ok := toFloat(e.Metadata["amount"]); ok {
			total += amount
		}
		if e.CreatedAt.After(last) {
			last = e.CreatedAt
		}
	}
	return total, last
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
