// Package vault stores per-tenant integration secrets encrypted at rest.
// Plaintext crosses the boundary exactly twice: on upsert (inbound) and on
// decrypt-for-use (outbound to the execution path). API responses only ever
// carry the masked form.
package vault

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"trustcore.org/internal/audit"
	"trustcore.org/internal/crypto"
	"trustcore.org/internal/fault"
	"trustcore.org/internal/ids"
)

// Secret scopes.
const (
	ScopeWorkspace = "workspace"
	ScopeTenant    = "tenant"
)

// SecretRecord is one encrypted secret. Records are keyed uniquely by
// (integration id, key) per tenant; upsert overwrites in place.
type SecretRecord struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Scope         string    `json:"scope"`
	IntegrationID string    `json:"integration_id"`
	Key           string    `json:"key"`
	Ciphertext    string    `json:"ciphertext"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Masked is the redacted view returned to callers.
type Masked struct {
	ID            string    `json:"id"`
	Scope         string    `json:"scope"`
	IntegrationID string    `json:"integration_id"`
	Key           string    `json:"key"`
	Value         string    `json:"value"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store keeps secret records in memory with snapshot support.
type Store struct {
	mu       sync.RWMutex
	byTenant map[string][]SecretRecord
}

// NewStore creates an empty secret store.
func NewStore() *Store {
	return &Store{byTenant: make(map[string][]SecretRecord)}
}

// Upsert inserts or overwrites the record matching (integration, key),
// preserving id and creation time on overwrite.
func (s *Store) Upsert(rec SecretRecord) SecretRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.byTenant[rec.TenantID]
	for i, existing := range records {
		if existing.IntegrationID == rec.IntegrationID && existing.Key == rec.Key {
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
			records[i] = rec
			return rec
		}
	}
	s.byTenant[rec.TenantID] = append(records, rec)
	return rec
}

// Delete removes the record matching (integration, key) and reports whether
// one existed. Absence is not an error.
func (s *Store) Delete(tenantID, integrationID, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.byTenant[tenantID]
	for i, existing := range records {
		if existing.IntegrationID == integrationID && existing.Key == key {
			s.byTenant[tenantID] = append(records[:i], records[i+1:]...)
			return true
		}
	}
	return false
}

// List returns copies of a tenant's records, newest-updated first.
func (s *Store) List(tenantID string) []SecretRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]SecretRecord(nil), s.byTenant[tenantID]...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Snapshot copies all records for persistence.
func (s *Store) Snapshot() []SecretRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SecretRecord
	for _, records := range s.byTenant {
		out = append(out, records...)
	}
	return out
}

// Restore replaces store contents from a persisted snapshot.
func (s *Store) Restore(records []SecretRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant = make(map[string][]SecretRecord)
	for _, rec := range records {
		s.byTenant[rec.TenantID] = append(s.byTenant[rec.TenantID], rec)
	}
}

// Flusher triggers a durable state write after a mutation.
type Flusher interface {
	Flush()
}

// Permissions answers whether a tenant may manage integration secrets.
type Permissions interface {
	ManageIntegrationsAllowed(ctx context.Context, tenantID string) bool
}

// Service encrypts, stores and serves tenant secrets.
type Service struct {
	store   *Store
	keyring *crypto.Keyring
	perms   Permissions
	audit   *audit.Service
	flush   Flusher
	now     func() time.Time
}

// NewService wires the vault.
func NewService(store *Store, keyring *crypto.Keyring, perms Permissions, auditSvc *audit.Service, flush Flusher) *Service {
	return &Service{
		store:   store,
		keyring: keyring,
		perms:   perms,
		audit:   auditSvc,
		flush:   flush,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Only intended for tests.
func (s *Service) SetClock(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// Upsert encrypts and stores a secret, returning the masked view. Requires
// the tenant's manage-integrations capability.
func (s *Service) Upsert(ctx context.Context, tenantID, scope, integrationID, key, value string) (Masked, error) {
	integrationID = strings.ToLower(strings.TrimSpace(integrationID))
	key = strings.TrimSpace(key)
	if integrationID == "" || key == "" {
		return Masked{}, fault.Invalid("integration_id and key are required")
	}
	if value == "" {
		return Masked{}, fault.Invalid("value is required")
	}
	if scope != ScopeWorkspace && scope != ScopeTenant {
		scope = ScopeTenant
	}
	if !s.perms.ManageIntegrationsAllowed(ctx, tenantID) {
		return Masked{}, fault.Forbidden("integration_management_disabled", "integration management is disabled for this tenant")
	}

	ciphertext, err := s.keyring.Encrypt([]byte(value))
	if err != nil {
		return Masked{}, err
	}
	now := s.now().UTC()
	rec := s.store.Upsert(SecretRecord{
		ID:            ids.New(),
		TenantID:      tenantID,
		Scope:         scope,
		IntegrationID: integrationID,
		Key:           key,
		Ciphertext:    ciphertext,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	s.audit.Record(ctx, audit.Entry{
		TenantID: tenantID,
		Action:   "secrets.upsert",
		Outcome:  audit.OutcomeExecuted,
		Metadata: map[string]any{"integration": integrationID, "key": key},
	})
	if s.flush != nil {
		s.flush.Flush()
	}
	return maskRecord(rec, value), nil
}

// Delete removes the secret matching (integration, key). Deleting a secret
// that does not exist succeeds.
func (s *Service) Delete(ctx context.Context, tenantID, integrationID, key string) error {
	integrationID = strings.ToLower(strings.TrimSpace(integrationID))
	key = strings.TrimSpace(key)
	if integrationID == "" || key == "" {
		return fault.Invalid("integration_id and key are required")
	}
	if !s.perms.ManageIntegrationsAllowed(ctx, tenantID) {
		return fault.Forbidden("integration_management_disabled", "integration management is disabled for this tenant")
	}

	removed := s.store.Delete(tenantID, integrationID, key)
	if removed {
		s.audit.Record(ctx, audit.Entry{
			TenantID: tenantID,
			Action:   "secrets.delete",
			Outcome:  audit.OutcomeExecuted,
			Metadata: map[string]any{"integration": integrationID, "key": key},
		})
		if s.flush != nil {
			s.flush.Flush()
		}
	}
	return nil
}

// List returns the masked view of a tenant's secrets, newest-updated first.
func (s *Service) List(ctx context.Context, tenantID string) []Masked {
	records := s.store.List(tenantID)
	out := make([]Masked, 0, len(records))
	for _, rec := range records {
		out = append(out, maskRecord(rec, ""))
	}
	return out
}

// DecryptForUse resolves an integration's secrets to plaintext for the
// execution path. Records are walked newest-updated-first so the latest
// value for a logical key wins; records that fail to decrypt are skipped.
func (s *Service) DecryptForUse(ctx context.Context, tenantID, integrationID string) map[string]string {
	integrationID = strings.ToLower(strings.TrimSpace(integrationID))
	out := make(map[string]string)
	for _, rec := range s.store.List(tenantID) {
		if rec.IntegrationID != integrationID {
			continue
		}
		if _, seen := out[rec.Key]; seen {
			continue
		}
		// Unreadable records (tampered, or sealed under a rotated-away key)
		// are excluded rather than surfaced.
		plaintext, err := s.keyring.Decrypt(rec.Ciphertext)
		if err != nil {
			continue
		}
		out[rec.Key] = string(plaintext)
	}
	return out
}

// maskRecord redacts a secret value: short values are fully hidden, longer
// ones keep the last four characters as a recognition hint.
func maskRecord(rec SecretRecord, value string) Masked {
	masked := "********"
	if len(value) > 8 {
		masked = "****" + value[len(value)-4:]
	}
	return Masked{
		ID:            rec.ID,
		Scope:         rec.Scope,
		IntegrationID: rec.IntegrationID,
		Key:           rec.Key,
		Value:         masked,
		UpdatedAt:     rec.UpdatedAt,
	}
}
