package identity

import (
	"sync"
	"time"

	"trustcore.org/internal/crypto"
)

// Store keeps tenants and sessions in memory with snapshot support. All
// operations touching the same tenant's sessions are serialized by the
// store mutex, which makes refresh rotation atomic relative to concurrent
// refresh attempts.
type Store struct {
	mu       sync.RWMutex
	tenants  map[string]*Tenant
	byEmail  map[string]string
	sessions map[string]*Session
}

// NewStore creates an empty identity store.
func NewStore() *Store {
	return &Store{
		tenants:  make(map[string]*Tenant),
		byEmail:  make(map[string]string),
		sessions: make(map[string]*Session),
	}
}

// CreateTenant inserts a tenant, enforcing email uniqueness.
func (s *Store) CreateTenant(t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[t.Email]; exists {
		return ErrEmailExists
	}
	copied := *t
	s.tenants[t.ID] = &copied
	s.byEmail[t.Email] = t.ID
	return nil
}

// Tenant returns a copy of the tenant by id.
func (s *Store) Tenant(id string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *t
	return &copied, nil
}

// TenantByEmail returns a copy of the tenant owning the normalized email.
func (s *Store) TenantByEmail(email string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s.tenants[id]
	return &copied, nil
}

// UpdateTenant applies a mutation to the stored tenant under the lock.
func (s *Store) UpdateTenant(id string, mutate func(*Tenant)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return ErrNotFound
	}
	mutate(t)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateSession inserts a session record.
func (s *Store) CreateSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *sess
	s.sessions[sess.ID] = &copied
}

// Session returns a copy of the session by id.
func (s *Store) Session(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *sess
	return &copied, nil
}

// RotateRefresh atomically validates the presented refresh secret against
// the stored hash and replaces it. The old token becomes permanently
// unusable the moment this returns; a concurrent second attempt observes
// the rotated hash and fails cleanly.
func (s *Store) RotateRefresh(sessionID, secret, newHash string, newExpiry, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrBadRefresh
	}
	if !sess.Live(now) {
		return ErrBadRefresh
	}
	if !crypto.SecretMatchesHash(secret, sess.RefreshHash) {
		return ErrBadRefresh
	}
	sess.RefreshHash = newHash
	sess.ExpiresAt = newExpiry
	sess.LastSeenAt = now
	return nil
}

// TouchSession updates the session's last-seen timestamp.
func (s *Store) TouchSession(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.LastSeenAt = now
	}
}

// RevokeSession marks a session revoked. Idempotent.
func (s *Store) RevokeSession(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && sess.RevokedAt == nil {
		ts := now
		sess.RevokedAt = &ts
	}
}

// SweepExpired marks every expired, unrevoked session as revoked and
// reports how many were swept.
func (s *Store) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := 0
	for _, sess := range s.sessions {
		if sess.RevokedAt == nil && !now.Before(sess.ExpiresAt) {
			ts := now
			sess.RevokedAt = &ts
			swept++
		}
	}
	return swept
}

// TenantsSnapshot copies all tenants for persistence.
func (s *Store) TenantsSnapshot() []Tenant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, *t)
	}
	return out
}

// SessionsSnapshot copies all sessions for persistence.
func (s *Store) SessionsSnapshot() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}

// Restore replaces store contents from a persisted snapshot.
func (s *Store) Restore(tenants []Tenant, sessions []Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants = make(map[string]*Tenant, len(tenants))
	s.byEmail = make(map[string]string, len(tenants))
	s.sessions = make(map[string]*Session, len(sessions))
	for i := range tenants {
		t := tenants[i]
		s.tenants[t.ID] = &t
		s.byEmail[t.Email] = t.ID
	}
	for i := range sessions {
		sess := sessions[i]
		s.sessions[sess.ID] = &sess
	}
}
