package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSigningSecretLength is enforced at startup; the service refuses to run
// with a weaker signing secret.
const MinSigningSecretLength = 32

// ErrInvalidToken covers every access-token verification failure. Malformed,
// truncated or mis-padded tokens are rejected, never partially parsed.
var ErrInvalidToken = errors.New("crypto: invalid token")

// AccessClaims is the signed claim set carried by an access token.
type AccessClaims struct {
	SessionID string `json:"sid"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 access tokens.
type Signer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewSigner validates the signing secret and constructs a Signer.
func NewSigner(secret []byte, issuer string) (*Signer, error) {
	if len(secret) < MinSigningSecretLength {
		return nil, fmt.Errorf("crypto: signing secret must be at least %d bytes, got %d", MinSigningSecretLength, len(secret))
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("crypto: token issuer is required")
	}
	return &Signer{secret: secret, issuer: issuer, now: time.Now}, nil
}

// SetClock overrides the time source. Only intended for tests.
func (s *Signer) SetClock(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// SignAccess issues a signed access token bound to a tenant and session.
func (s *Signer) SignAccess(tenantID, sessionID, role string, ttl time.Duration) (string, time.Time, error) {
	if tenantID == "" || sessionID == "" {
		return "", time.Time{}, errors.New("crypto: tenant and session are required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("crypto: ttl must be greater than zero")
	}
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims := AccessClaims{
		SessionID: sessionID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// VerifyAccess checks the signature, signing method, issuer and expiry
// before any claim is trusted.
func (s *Signer) VerifyAccess(token string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.SessionID) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// NewRefreshToken mints a high-entropy refresh token bound to a session.
// The caller-facing form is "<sessionID>.<secret>"; only the secret's hash
// is ever persisted.
func NewRefreshToken(sessionID string) (token, hash string, err error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("generate refresh secret: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(secret)
	return sessionID + "." + encoded, HashSecret(encoded), nil
}

// SplitRefreshToken separates a refresh token into its session id and secret.
func SplitRefreshToken(raw string) (sessionID, secret string, err error) {
	sessionID, secret, found := strings.Cut(raw, ".")
	if !found || sessionID == "" || secret == "" {
		return "", "", errors.New("crypto: invalid refresh token format")
	}
	return sessionID, secret, nil
}

// HashSecret returns the hex SHA-256 of an opaque secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// SecretMatchesHash compares a secret against its stored hash in constant time.
func SecretMatchesHash(secret, expectedHash string) bool {
	return ConstantTimeEqual(HashSecret(secret), expectedHash)
}

// ConstantTimeEqual compares two strings without leaking position information.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewConfirmationCode mints a six-digit one-time code and its storage hash.
func NewConfirmationCode() (code, hash string, err error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate confirmation code: %w", err)
	}
	n := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	code = fmt.Sprintf("%06d", n%1000000)
	return code, HashSecret(code), nil
}
