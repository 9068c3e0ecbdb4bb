package settings

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"trustcore.org/internal/audit"
	"trustcore.org/internal/fault"
	"trustcore.org/internal/policy"
)

// Flusher triggers a durable state write after a mutation.
type Flusher interface {
	Flush()
}

// BettingPatch carries partial updates to the betting sub-policy. Nil
// fields leave the prior value untouched.
type BettingPatch struct {
	MaxDailySpend      *float64 `json:"max_daily_spend,omitempty"`
	MaxPerTrade        *float64 `json:"max_per_trade,omitempty"`
	CooldownSeconds    *int     `json:"cooldown_seconds,omitempty"`
	ConfirmationMode   *string  `json:"confirmation_mode,omitempty"`
	ConfirmAboveAmount *float64 `json:"confirm_above_amount,omitempty"`
}

func (p *BettingPatch) apply(b *policy.BettingPolicy) {
	if p == nil {
		return
	}
	if p.MaxDailySpend != nil {
		b.MaxDailySpend = *p.MaxDailySpend
	}
	if p.MaxPerTrade != nil {
		b.MaxPerTrade = *p.MaxPerTrade
	}
	if p.CooldownSeconds != nil {
		b.CooldownSeconds = *p.CooldownSeconds
	}
	if p.ConfirmationMode != nil {
		b.ConfirmationMode = *p.ConfirmationMode
	}
	if p.ConfirmAboveAmount != nil {
		b.ConfirmAboveAmount = *p.ConfirmAboveAmount
	}
}

// SettingsPatch carries partial updates to the top-level settings document.
type SettingsPatch struct {
	IntegrationManagementEnabled *bool                 `json:"integration_management_enabled,omitempty"`
	Signing                      *policy.SigningPolicy `json:"signing,omitempty"`
	Betting                      *BettingPatch         `json:"betting,omitempty"`
}

// PermissionPatch upserts one integration's flags and merges its sub-policy.
type PermissionPatch struct {
	IntegrationID    string        `json:"integration_id"`
	Enabled          *bool         `json:"enabled,omitempty"`
	ExecutionEnabled *bool         `json:"execution_enabled,omitempty"`
	Betting          *BettingPatch `json:"betting,omitempty"`
}

// Service owns reads and mutations of tenant settings. Every mutation
// writes an audit entry and flushes before returning.
type Service struct {
	store *Store
	audit *audit.Service
	flush Flusher
	now   func() time.Time
}

// NewService wires the settings service.
func NewService(store *Store, auditSvc *audit.Service, flush Flusher) *Service {
	return &Service{store: store, audit: auditSvc, flush: flush, now: time.Now}
}

// SetClock overrides the time source. Only intended for tests.
func (s *Service) SetClock(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// Get returns the tenant's settings, creating and persisting defaults on
// first access so subsequent reads are stable.
func (s *Service) Get(ctx context.Context, tenantID string) *TenantSettings {
	ts, created := s.store.GetOrCreate(tenantID, s.now().UTC())
	if created && s.flush != nil {
		s.flush.Flush()
	}
	return ts
}

// Patch applies a partial update to the top-level settings document.
func (s *Service) Patch(ctx context.Context, tenantID string, patch SettingsPatch) (*TenantSettings, error) {
	if patch.Betting != nil && patch.Betting.ConfirmationMode != nil {
		if err := validConfirmationMode(*patch.Betting.ConfirmationMode); err != nil {
			return nil, err
		}
	}
	ts := s.store.Update(tenantID, s.now().UTC(), func(cur *TenantSettings) {
		if patch.IntegrationManagementEnabled != nil {
			cur.IntegrationManagementEnabled = *patch.IntegrationManagementEnabled
		}
		if patch.Signing != nil {
			cur.Signing = *patch.Signing
		}
		patch.Betting.apply(&cur.Betting)
	})
	s.audit.Record(ctx, audit.Entry{
		TenantID: tenantID,
		Action:   "settings.patch",
		Outcome:  audit.OutcomeExecuted,
	})
	if s.flush != nil {
		s.flush.Flush()
	}
	return ts, nil
}

// PatchPermission upserts one integration's flags, creating the entry for a
// previously unseen integration. Unspecified fields keep their prior value.
func (s *Service) PatchPermission(ctx context.Context, tenantID string, patch PermissionPatch) (*TenantSettings, error) {
	integrationID := normalizeIntegrationID(patch.IntegrationID)
	if integrationID == "" {
		return nil, fault.Invalid("integration_id is required")
	}
	if patch.Betting != nil && patch.Betting.ConfirmationMode != nil {
		if err := validConfirmationMode(*patch.Betting.ConfirmationMode); err != nil {
			return nil, err
		}
	}

	ts := s.store.Update(tenantID, s.now().UTC(), func(cur *TenantSettings) {
		idx := -1
		for i, p := range cur.Integrations {
			if p.ID == integrationID {
				idx = i
				break
			}
		}
		if idx < 0 {
			cur.Integrations = append(cur.Integrations, IntegrationPermission{ID: integrationID})
			idx = len(cur.Integrations) - 1
		}
		if patch.Enabled != nil {
			cur.Integrations[idx].Enabled = *patch.Enabled
		}
		if patch.ExecutionEnabled != nil {
			cur.Integrations[idx].ExecutionEnabled = *patch.ExecutionEnabled
		}
		patch.Betting.apply(&cur.Betting)
	})

	perm := ts.Permission(integrationID)
	s.audit.Record(ctx, audit.Entry{
		TenantID: tenantID,
		Action:   "settings.permissions.patch",
		Outcome:  audit.OutcomeExecuted,
		Metadata: map[string]any{
			"integration":       integrationID,
			"enabled":           perm.Enabled,
			"execution_enabled": perm.ExecutionEnabled,
		},
	})
	if s.flush != nil {
		s.flush.Flush()
	}
	return ts, nil
}

// BindWallet validates and records the tenant's wallet addresses. At least
// one address is required; each supplied address must validate.
func (s *Service) BindWallet(ctx context.Context, tenantID, evmAddress, base58Address string) (*TenantSettings, error) {
	evmAddress = strings.TrimSpace(evmAddress)
	base58Address = strings.TrimSpace(base58Address)
	if evmAddress == "" && base58Address == "" {
		return nil, fault.Invalid("at least one wallet address is required")
	}
	if evmAddress != "" {
		if !common.IsHexAddress(evmAddress) {
			return nil, fault.Invalid("evm_address is not a valid hex address")
		}
		evmAddress = common.HexToAddress(evmAddress).Hex()
	}
	if base58Address != "" && !validBase58Address(base58Address) {
		return nil, fault.Invalid("base58_address is not a valid base58 string")
	}

	now := s.now().UTC()
	ts := s.store.Update(tenantID, now, func(cur *TenantSettings) {
		cur.Wallet = &WalletBinding{
			EVMAddress:    evmAddress,
			Base58Address: base58Address,
			BoundAt:       now,
		}
	})
	s.audit.Record(ctx, audit.Entry{
		TenantID: tenantID,
		Action:   "settings.wallet.bind",
		Outcome:  audit.OutcomeExecuted,
		Metadata: map[string]any{"evm_address": evmAddress, "base58_address": base58Address},
	})
	if s.flush != nil {
		s.flush.Flush()
	}
	return ts, nil
}

func validConfirmationMode(mode string) error {
	switch mode {
	case policy.ConfirmAlways, policy.ConfirmNever, policy.ConfirmThreshold:
		return nil
	default:
		return fault.Invalid("confirmation_mode must be always, never or threshold")
	}
}

// base58Alphabet is the Bitcoin alphabet: no 0, O, I or l.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// validBase58Address checks alphabet membership and a plausible length
// range. Checksum verification is the destination network's concern.
func validBase58Address(addr string) bool {
	if len(addr) < 25 || len(addr) > 64 {
		return false
	}
	for _, r := range addr {
		if !strings.ContainsRune(base58Alphabet, r) {
			return false
		}
	}
	return true
}
