// Package fault defines the coded errors returned across the service
// boundary. Every error carries a machine-readable code and an HTTP
// status class; rate and quota errors additionally carry a retry hint.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error is a coded, transport-mappable error.
type Error struct {
	Code       string
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// As extracts a *Error from an error chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// Invalid marks malformed input. No side effects are performed.
func Invalid(format string, args ...any) *Error {
	return &Error{Code: "invalid_request", Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Credentials is the single answer for unknown email, wrong password and
// disabled accounts alike.
func Credentials() *Error {
	return &Error{Code: "invalid_credentials", Status: http.StatusUnauthorized, Message: "invalid credentials"}
}

// Token marks a missing, malformed, expired or otherwise unusable access token.
func Token() *Error {
	return &Error{Code: "invalid_token", Status: http.StatusUnauthorized, Message: "invalid token"}
}

// Refresh marks an unusable refresh token (rotated, revoked or expired).
func Refresh() *Error {
	return &Error{Code: "invalid_refresh", Status: http.StatusUnauthorized, Message: "invalid refresh token"}
}

// Forbidden marks a request the caller is not permitted to make.
func Forbidden(code, format string, args ...any) *Error {
	return &Error{Code: code, Status: http.StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

// PolicyBlocked marks a request rejected by a named policy rule.
func PolicyBlocked(rule, reason string) *Error {
	return &Error{Code: "policy_blocked", Status: http.StatusForbidden, Message: fmt.Sprintf("blocked by %s: %s", rule, reason)}
}

// NotFound marks an unknown resource.
func NotFound(code, format string, args ...any) *Error {
	return &Error{Code: code, Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict marks a uniqueness violation such as a duplicate email.
func Conflict(code, format string, args ...any) *Error {
	return &Error{Code: code, Status: http.StatusConflict, Message: fmt.Sprintf(format, args...)}
}

// RateLimited marks API-level rate limiting with a retry hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Code:       "rate_limited",
		Status:     http.StatusTooManyRequests,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// QuotaExceeded marks an exhausted per-day quota with a retry hint.
func QuotaExceeded(kind string, retryAfter time.Duration) *Error {
	return &Error{
		Code:       "quota_exceeded",
		Status:     http.StatusTooManyRequests,
		Message:    fmt.Sprintf("daily %s quota exceeded", kind),
		RetryAfter: retryAfter,
	}
}

// ExecutionFailed marks a backend failure while performing an approved action.
func ExecutionFailed(reason string) *Error {
	return &Error{Code: "execution_failed", Status: http.StatusBadGateway, Message: reason}
}

// BackendMissing marks the strict-mode refusal to simulate execution.
func BackendMissing() *Error {
	return &Error{Code: "backend_missing", Status: http.StatusServiceUnavailable, Message: "no execution backend configured"}
}

// Expired marks a resource that existed but is no longer usable.
func Expired(code, format string, args ...any) *Error {
	return &Error{Code: code, Status: http.StatusGone, Message: fmt.Sprintf(format, args...)}
}

// Locked marks a confirmation permanently discarded after too many failures.
func Locked(format string, args ...any) *Error {
	return &Error{Code: "confirmation_locked", Status: http.StatusLocked, Message: fmt.Sprintf(format, args...)}
}
