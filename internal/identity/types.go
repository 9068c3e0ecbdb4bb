package identity

import (
	"errors"
	"time"
)

// RoleUser is the only role issued today; the claim travels in the access
// token so additional roles stay a data change.
const RoleUser = "user"

// Tenant is an isolated account with its own settings, secrets, sessions
// and audit trail. Tenants are never hard-deleted, only disabled.
type Tenant struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"password_hash"`
	DisplayName  string     `json:"display_name"`
	Role         string     `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DisabledAt   *time.Time `json:"disabled_at,omitempty"`
}

// Disabled reports whether the tenant has been deactivated.
func (t *Tenant) Disabled() bool { return t.DisabledAt != nil }

// Session is one login. The raw refresh token is never stored, only the
// hash of its secret half; refresh rotates the hash in place.
type Session struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	RefreshHash string     `json:"refresh_hash"`
	UserAgent   string     `json:"user_agent,omitempty"`
	IP          string     `json:"ip,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Live reports whether the session can still authenticate at the given time.
func (s *Session) Live(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// Principal is the authenticated caller resolved from an access token.
type Principal struct {
	TenantID  string
	SessionID string
	Email     string
	Role      string
}

var (
	ErrNotFound    = errors.New("identity: not found")
	ErrEmailExists = errors.New("identity: email already registered")
	ErrBadRefresh  = errors.New("identity: refresh token unusable")
)
