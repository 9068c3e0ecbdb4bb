package identity

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"trustcore.org/internal/audit"
	"trustcore.org/internal/crypto"
	"trustcore.org/internal/fault"
	"trustcore.org/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour
)

// Flusher triggers a durable state write after a mutation.
type Flusher interface {
	Flush()
}

// TokenPair carries the access and refresh tokens issued for a session.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Service implements signup, login, token refresh and session validation.
type Service struct {
	store  *Store
	signer *crypto.Signer
	audit  *audit.Service
	flush  Flusher
	now    func() time.Time

	accessTTL  time.Duration
	refreshTTL time.Duration

	// dummyHash absorbs password verification time for unknown emails so a
	// login probe cannot distinguish "no such account" from "wrong password".
	dummyHash string
}

// Option configures Service behavior.
type Option func(*Service)

// WithAccessTTL overrides the access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL overrides the refresh token and session lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the identity service.
func NewService(store *Store, signer *crypto.Signer, auditSvc *audit.Service, flush Flusher, opts ...Option) (*Service, error) {
	dummy, err := crypto.HashPassword("trustcore-dummy-credential")
	if err != nil {
		return nil, err
	}
	svc := &Service{
		store:      store,
		signer:     signer,
		audit:      auditSvc,
		flush:      flush,
		now:        time.Now,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		dummyHash:  dummy,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

// Signup registers a tenant and issues its first session.
func (s *Service) Signup(ctx context.Context, email, password, displayName, userAgent, ip string) (TokenPair, *Tenant, error) {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return TokenPair{}, nil, fault.Invalid("valid email is required")
	}
	if len(password) < 8 {
		return TokenPair{}, nil, fault.Invalid("password must be at least 8 characters")
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = email
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return TokenPair{}, nil, err
	}
	now := s.now().UTC()
	tenant := &Tenant{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		DisplayName:  displayName,
		Role:         RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateTenant(tenant); err != nil {
		if err == ErrEmailExists {
			return TokenPair{}, nil, fault.Conflict("email_exists", "email is already registered")
		}
		return TokenPair{}, nil, err
	}

	pair, err := s.issueSession(tenant, userAgent, ip)
	if err != nil {
		return TokenPair{}, nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		TenantID: tenant.ID,
		Action:   "auth.signup",
		Outcome:  audit.OutcomeExecuted,
		Metadata: map[string]any{"email": email},
	})
	if s.flush != nil {
		s.flush.Flush()
	}
	return pair, tenant, nil
}

// Login authenticates credentials and issues a fresh session. Unknown
// email, wrong password and disabled accounts all produce the same error.
func (s *Service) Login(ctx context.Context, email, password, userAgent, ip string) (TokenPair, *Tenant, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return TokenPair{}, nil, fault.Credentials()
	}
	tenant, err := s.store.TenantByEmail(email)
	if err != nil {
		_ = crypto.VerifyPassword(s.dummyHash, password)
		return TokenPair{}, nil, fault.Credentials()
	}
	if err := crypto.VerifyPassword(tenant.PasswordHash, password); err != nil {
		return TokenPair{}, nil, fault.Credentials()
	}
	if tenant.Disabled() {
		return TokenPair{}, nil, fault.Credentials()
	}

	pair, err := s.issueSession(tenant, userAgent, ip)
	if err != nil {
		return TokenPair{}, nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		TenantID: tenant.ID,
		Action:   "auth.login",
		Outcome:  audit.OutcomeExecuted,
	})
	if s.flush != nil {
		s.flush.Flush()
	}
	return pair, tenant, nil
}

// Refresh rotates the refresh token and issues a new access/refresh pair.
// The presented token becomes permanently unusable on success.
func (s *Service) Refresh(ctx context.Context, rawToken string) (TokenPair, *Tenant, error) {
	sessionID, secret, err := crypto.SplitRefreshToken(rawToken)
	if err != nil {
		return TokenPair{}, nil, fault.Refresh()
	}
	now := s.now().UTC()

	sess, err := s.store.Session(sessionID)
	if err != nil {
		return TokenPair{}, nil, fault.Refresh()
	}
	tenant, err := s.store.Tenant(sess.TenantID)
	if err != nil || tenant.Disabled() {
		return TokenPair{}, nil, fault.Refresh()
	}

	newToken, newHash, err := crypto.NewRefreshToken(sessionID)
	if err != nil {
		return TokenPair{}, nil, err
	}
	refreshExpiry := now.Add(s.refreshTTL)
	if err := s.store.RotateRefresh(sessionID, secret, newHash, refreshExpiry, now); err != nil {
		return TokenPair{}, nil, fault.Refresh()
	}

	access, accessExp, err := s.signer.SignAccess(tenant.ID, sessionID, tenant.Role, s.accessTTL)
	if err != nil {
		return TokenPair{}, nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		TenantID:  tenant.ID,
		SessionID: sessionID,
		Action:    "auth.refresh",
		Outcome:   audit.OutcomeExecuted,
	})
	if s.flush != nil {
		s.flush.Flush()
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     newToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExpiry,
	}, tenant, nil
}

// Authenticate resolves an access token into a principal. The token
// signature, the session and the tenant are all checked; expired sessions
// are swept opportunistically on the way.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	claims, err := s.signer.VerifyAccess(accessToken)
	if err != nil {
		return Principal{}, fault.Token()
	}
	now := s.now().UTC()
	s.store.SweepExpired(now)

	sess, err := s.store.Session(claims.SessionID)
	if err != nil {
		return Principal{}, fault.Token()
	}
	if !sess.Live(now) {
		return Principal{}, fault.Token()
	}
	tenant, err := s.store.Tenant(claims.Subject)
	if err != nil || tenant.Disabled() || tenant.ID != sess.TenantID {
		return Principal{}, fault.Token()
	}
	s.store.TouchSession(sess.ID, now)

	return Principal{
		TenantID:  tenant.ID,
		SessionID: sess.ID,
		Email:     tenant.Email,
		Role:      tenant.Role,
	}, nil
}

// Logout revokes the principal's session.
func (s *Service) Logout(ctx context.Context, p Principal) {
	s.store.RevokeSession(p.SessionID, s.now().UTC())
	s.audit.Record(ctx, audit.Entry{
		TenantID:  p.TenantID,
		SessionID: p.SessionID,
		Action:    "auth.logout",
		Outcome:   audit.OutcomeExecuted,
	})
	if s.flush != nil {
		s.flush.Flush()
	}
}

// SweepExpired revokes expired sessions; cmd/api runs it periodically.
func (s *Service) SweepExpired() int {
	return s.store.SweepExpired(s.now().UTC())
}

func (s *Service) issueSession(tenant *Tenant, userAgent, ip string) (TokenPair, error) {
	now := s.now().UTC()
	sessionID := uuid.NewString()

	refreshToken, refreshHash, err := crypto.NewRefreshToken(sessionID)
	if err != nil {
		return TokenPair{}, err
	}
	refreshExpiry := now.Add(s.refreshTTL)
	s.store.CreateSession(&Session{
		ID:          sessionID,
		TenantID:    tenant.ID,
		RefreshHash: refreshHash,
		UserAgent:   userAgent,
		IP:          ip,
		CreatedAt:   now,
		LastSeenAt:  now,
		ExpiresAt:   refreshExpiry,
	})

	access, accessExp, err := s.signer.SignAccess(tenant.ID, sessionID, tenant.Role, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExpiry,
	}, nil
}
