// Package settings holds per-tenant configuration: integration permissions,
// the transaction signing policy, the betting sub-policy and wallet bindings.
// Settings are materialized lazily with conservative defaults: integrations
// are visible but execution is off until explicitly enabled.
package settings

import (
	"strings"
	"sync"
	"time"

	"trustcore.org/internal/policy"
)

// Well-known integration identifiers seeded into fresh settings.
const (
	IntegrationOnchain  = "onchain"
	IntegrationBetting  = "betting"
	IntegrationToolcall = "toolcall"
)

// IntegrationPermission controls one integration. The two flags are
// independent: Enabled governs visibility, ExecutionEnabled governs
// side-effecting actions, and neither implies the other.
type IntegrationPermission struct {
	ID               string `json:"id"`
	Enabled          bool   `json:"enabled"`
	ExecutionEnabled bool   `json:"execution_enabled"`
}

// WalletBinding links validated wallet addresses to a tenant. It is
// informational only and grants no capability.
type WalletBinding struct {
	EVMAddress    string    `json:"evm_address,omitempty"`
	Base58Address string    `json:"base58_address,omitempty"`
	BoundAt       time.Time `json:"bound_at"`
}

// TenantSettings is the full per-tenant configuration document.
type TenantSettings struct {
	TenantID                     string                  `json:"tenant_id"`
	IntegrationManagementEnabled bool                    `json:"integration_management_enabled"`
	Integrations                 []IntegrationPermission `json:"integrations"`
	Signing                      policy.SigningPolicy    `json:"signing"`
	Betting                      policy.BettingPolicy    `json:"betting"`
	Wallet                       *WalletBinding          `json:"wallet,omitempty"`
	CreatedAt                    time.Time               `json:"created_at"`
	UpdatedAt                    time.Time               `json:"updated_at"`
}

// Permission returns the named integration's flags. A missing entry reads
// as fully disabled.
func (ts *TenantSettings) Permission(integrationID string) IntegrationPermission {
	for _, p := range ts.Integrations {
		if p.ID == integrationID {
			return p
		}
	}
	return IntegrationPermission{ID: integrationID}
}

func defaultSettings(tenantID string, now time.Time) *TenantSettings {
	return &TenantSettings{
		TenantID:                     tenantID,
		IntegrationManagementEnabled: true,
		Integrations: []IntegrationPermission{
			{ID: IntegrationOnchain, Enabled: true},
			{ID: IntegrationBetting, Enabled: true},
			{ID: IntegrationToolcall, Enabled: true},
		},
		Betting: policy.BettingPolicy{
			ConfirmationMode: policy.ConfirmAlways,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Store keeps tenant settings in memory with snapshot support.
type Store struct {
	mu       sync.RWMutex
	byTenant map[string]*TenantSettings
}

// NewStore creates an empty settings store.
func NewStore() *Store {
	return &Store{byTenant: make(map[string]*TenantSettings)}
}

func clone(ts *TenantSettings) *TenantSettings {
	copied := *ts
	copied.Integrations = append([]IntegrationPermission(nil), ts.Integrations...)
	if ts.Wallet != nil {
		w := *ts.Wallet
		copied.Wallet = &w
	}
	copied.Signing.AllowedChainIDs = append([]int64(nil), ts.Signing.AllowedChainIDs...)
	copied.Signing.AllowedContracts = append([]string(nil), ts.Signing.AllowedContracts...)
	copied.Signing.DeniedContracts = append([]string(nil), ts.Signing.DeniedContracts...)
	copied.Signing.AllowedMethodSelectors = append([]string(nil), ts.Signing.AllowedMethodSelectors...)
	return &copied
}

// GetOrCreate returns the tenant's settings, materializing defaults on first
// access. The second return reports whether defaults were just created, so
// the caller knows to persist.
func (s *Store) GetOrCreate(tenantID string, now time.Time) (*TenantSettings, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.byTenant[tenantID]; ok {
		return clone(ts), false
	}
	ts := defaultSettings(tenantID, now)
	s.byTenant[tenantID] = ts
	return clone(ts), true
}

// Update applies a mutation to the tenant's settings under the lock,
// materializing defaults first if needed.
func (s *Store) Update(tenantID string, now time.Time, mutate func(*TenantSettings)) *TenantSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.byTenant[tenantID]
	if !ok {
		ts = defaultSettings(tenantID, now)
		s.byTenant[tenantID] = ts
	}
	mutate(ts)
	ts.UpdatedAt = now
	return clone(ts)
}

// Snapshot copies all settings for persistence.
func (s *Store) Snapshot() []TenantSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TenantSettings, 0, len(s.byTenant))
	for _, ts := range s.byTenant {
		out = append(out, *clone(ts))
	}
	return out
}

// Restore replaces store contents from a persisted snapshot.
func (s *Store) Restore(all []TenantSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant = make(map[string]*TenantSettings, len(all))
	for i := range all {
		ts := all[i]
		s.byTenant[ts.TenantID] = &ts
	}
}

func normalizeIntegrationID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
