package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"trustcore.org/internal/audit"
	"trustcore.org/internal/crypto"
	"trustcore.org/internal/identity"
	"trustcore.org/internal/job"
	"trustcore.org/internal/policy"
	"trustcore.org/internal/quota"
	"trustcore.org/internal/settings"
	"trustcore.org/internal/vault"
)

func newTestHandler(t *testing.T, authPerSecond float64, authBurst int) http.Handler {
	t.Helper()
	signer, err := crypto.NewSigner([]byte(strings.Repeat("s", 32)), "trustcore")
	if err != nil {
		t.Fatal(err)
	}
	keyring, err := crypto.NewKeyring(1, map[int][]byte{1: []byte(strings.Repeat("k", 32))})
	if err != nil {
		t.Fatal(err)
	}

	auditSvc := audit.NewService(audit.NewStore(0), nil)
	identitySvc, err := identity.NewService(identity.NewStore(), signer, auditSvc, nil)
	if err != nil {
		t.Fatal(err)
	}
	settingsSvc := settings.NewService(settings.NewStore(), auditSvc, nil)
	vaultSvc := vault.NewService(vault.NewStore(), keyring, settingsGate{settingsSvc}, auditSvc, nil)
	tracker := quota.NewTracker()
	jobs := job.NewManager(job.NewStore(), settingsSvc, policy.NewEngine(), tracker, auditSvc, nil,
		job.WithExposedCodes(true),
		job.WithSecretSource(vaultSvc),
		job.WithMaxActionsPerDay(100),
	)

	api := New(Options{
		Version:          "test",
		Identity:         identitySvc,
		Settings:         settingsSvc,
		Vault:            vaultSvc,
		Jobs:             jobs,
		Audit:            auditSvc,
		Quota:            tracker,
		AuthLimiter:      quota.NewKeyedLimiter(authPerSecond, authBurst),
		ActionLimiter:    quota.NewKeyedLimiter(100, 100),
		MaxChatPerDay:    1000,
		MaxActionsPerDay: 100,
	})
	return api.Handler()
}

// settingsGate adapts the settings service to the vault's permission check.
type settingsGate struct {
	svc *settings.Service
}

func (g settingsGate) ManageIntegrationsAllowed(ctx context.Context, tenantID string) bool {
	return g.svc.Get(ctx, tenantID).IntegrationManagementEnabled
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.7:51000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errObj, _ := body["error"].(map[string]any)
	code, _ := errObj["code"].(string)
	return code
}

func signup(t *testing.T, h http.Handler, email string) (access, refresh string) {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/v1/auth/signup", "", map[string]any{
		"email":        email,
		"password":     "hunter2hunter2",
		"display_name": "Test",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	tokens, _ := body["tokens"].(map[string]any)
	access, _ = tokens["access_token"].(string)
	refresh, _ = tokens["refresh_token"].(string)
	if access == "" || refresh == "" {
		t.Fatalf("tokens missing: %v", body)
	}
	return access, refresh
}

func TestSignupAndAuthedRead(t *testing.T) {
	h := newTestHandler(t, 100, 100)
	access, _ := signup(t, h, "a@example.com")

	rec := do(t, h, http.MethodGet, "/v1/settings", access, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("settings status %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["tenant_id"] == "" {
		t.Fatalf("settings body: %v", body)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	h := newTestHandler(t, 100, 100)

	rec := do(t, h, http.MethodGet, "/v1/settings", "", nil)
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "invalid_token" {
		t.Fatalf("status %d code %s", rec.Code, errorCode(t, rec))
	}
	rec = do(t, h, http.MethodGet, "/v1/settings", "garbage-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status %d", rec.Code)
	}
}

func TestDuplicateSignupConflict(t *testing.T) {
	h := newTestHandler(t, 100, 100)
	signup(t, h, "dup@example.com")

	rec := do(t, h, http.MethodPost, "/v1/auth/signup", "", map[string]any{
		"email":    "dup@example.com",
		"password": "hunter2hunter2",
	})
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "email_exists" {
		t.Fatalf("status %d code %s", rec.Code, errorCode(t, rec))
	}
}

func TestRefreshRotationOverHTTP(t *testing.T) {
	h := newTestHandler(t, 100, 100)
	_, refresh := signup(t, h, "r@example.com")

	rec := do(t, h, http.MethodPost, "/v1/auth/refresh", "", map[string]any{"refresh_token": refresh})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/v1/auth/refresh", "", map[string]any{"refresh_token": refresh})
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "invalid_refresh" {
		t.Fatalf("replayed refresh: status %d code %s", rec.Code, errorCode(t, rec))
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	h := newTestHandler(t, 100, 100)
	access, _ := signup(t, h, "l@example.com")

	if rec := do(t, h, http.MethodPost, "/v1/auth/logout", access, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("logout status %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/settings", access, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("token usable after logout: %d", rec.Code)
	}
}

func TestAuthRateLimiting(t *testing.T) {
	h := newTestHandler(t, 0.1, 1)

	do(t, h, http.MethodPost, "/v1/auth/login", "", map[string]any{"email": "x@example.com", "password": "p"})
	rec := do(t, h, http.MethodPost, "/v1/auth/login", "", map[string]any{"email": "x@example.com", "password": "p"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
	if errorCode(t, rec) != "rate_limited" {
		t.Fatalf("code %s", errorCode(t, rec))
	}
}

func TestActionLifecycleOverHTTP(t *testing.T) {
	h := newTestHandler(t, 100, 100)
	access, _ := signup(t, h, "act@example.com")

	// Enable execution for betting; default confirmation mode is "always".
	rec := do(t, h, http.MethodPatch, "/v1/integrations/betting", access, map[string]any{
		"execution_enabled": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch permission: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/v1/actions", access, map[string]any{
		"integration_id": "betting",
		"action":         "bet.place",
		"bet":            map[string]any{"market_id": "mkt-1", "position": "yes", "amount": 10},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	jobObj, _ := body["job"].(map[string]any)
	jobID, _ := jobObj["id"].(string)
	code, _ := body["confirmation_code"].(string)
	if jobObj["status"] != "waiting_confirmation" || jobID == "" || code == "" {
		t.Fatalf("submit body: %v", body)
	}

	rec = do(t, h, http.MethodPost, "/v1/actions/"+jobID+"/confirm", access, map[string]any{"code": code})
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status %d: %s", rec.Code, rec.Body.String())
	}
	body = decodeBody(t, rec)
	jobObj, _ = body["job"].(map[string]any)
	if jobObj["status"] != "completed" {
		t.Fatalf("confirm body: %v", body)
	}

	rec = do(t, h, http.MethodGet, "/v1/actions/"+jobID, access, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job status %d", rec.Code)
	}

	// The lifecycle left an audit trail and consumed action quota.
	rec = do(t, h, http.MethodGet, "/v1/audit", access, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit status %d", rec.Code)
	}
	entries, _ := decodeBody(t, rec)["entries"].([]any)
	if len(entries) == 0 {
		t.Fatal("audit trail empty")
	}
	rec = do(t, h, http.MethodGet, "/v1/quota", access, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("quota status %d", rec.Code)
	}
	actions, _ := decodeBody(t, rec)["actions"].(map[string]any)
	if used, _ := actions["used"].(float64); used != 1 {
		t.Fatalf("action quota used = %v", actions["used"])
	}
}

func TestDisabledIntegrationRejectedOverHTTP(t *testing.T) {
	h := newTestHandler(t, 100, 100)
	access, _ := signup(t, h, "dis@example.com")

	rec := do(t, h, http.MethodPost, "/v1/actions", access, map[string]any{
		"integration_id": "toolcall",
		"action":         "tool.run",
	})
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != "execution_disabled" {
		t.Fatalf("status %d code %s", rec.Code, errorCode(t, rec))
	}
}

func TestSecretsOverHTTP(t *testing.T) {
	h := newTestHandler(t, 100, 100)
	access, _ := signup(t, h, "sec@example.com")

	rec := do(t, h, http.MethodPut, "/v1/secrets", access, map[string]any{
		"integration_id": "betting",
		"key":            "api_key",
		"value":          "super-secret-value",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert status %d: %s", rec.Code, rec.Body.String())
	}
	if v, _ := decodeBody(t, rec)["value"].(string); strings.Contains(v, "super-secret") {
		t.Fatalf("plaintext echoed: %q", v)
	}

	rec = do(t, h, http.MethodGet, "/v1/secrets", access, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d", rec.Code)
	}

	rec = do(t, h, http.MethodDelete, "/v1/secrets?integration_id=betting&key=api_key", access, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", rec.Code)
	}

	// Management gate: disabling it blocks further writes.
	rec = do(t, h, http.MethodPatch, "/v1/settings", access, map[string]any{
		"integration_management_enabled": false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch settings status %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPut, "/v1/secrets", access, map[string]any{
		"integration_id": "betting",
		"key":            "api_key",
		"value":          "v",
	})
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != "integration_management_disabled" {
		t.Fatalf("status %d code %s", rec.Code, errorCode(t, rec))
	}
}

func TestWalletBindingOverHTTP(t *testing.T) {
	h := newTestHandler(t, 100, 100)
	access, _ := signup(t, h, "w@example.com")

	rec := do(t, h, http.MethodPost, "/v1/wallet", access, map[string]any{
		"evm_address": "0x52908400098527886E0F7030069857D2E4169EE7",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("bind status %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/v1/wallet", access, map[string]any{
		"evm_address": "not-an-address",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid address status %d", rec.Code)
	}
}

func TestHealthAndInfo(t *testing.T) {
	h := newTestHandler(t, 100, 100)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info", "/metrics"} {
		rec := do(t, h, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status %d", path, rec.Code)
		}
	}
}
