// Package httpapi is the HTTP surface of the service: auth, settings,
// secrets, action submission/confirmation, audit and quota reads, plus the
// health and metrics endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"trustcore.org/internal/audit"
	"trustcore.org/internal/fault"
	"trustcore.org/internal/identity"
	"trustcore.org/internal/job"
	"trustcore.org/internal/obs"
	"trustcore.org/internal/quota"
	"trustcore.org/internal/settings"
	"trustcore.org/internal/vault"
)

const maxBodyBytes = 1 << 20

// API is the HTTP layer over the core services.
type API struct {
	mux     *http.ServeMux
	version string

	identity *identity.Service
	settings *settings.Service
	vault    *vault.Service
	jobs     *job.Manager
	audit    *audit.Service
	quota    *quota.Tracker

	authLimiter   *quota.KeyedLimiter
	actionLimiter *quota.KeyedLimiter

	maxChatPerDay    int
	maxActionsPerDay int
}

// Options carries the service wiring for New.
type Options struct {
	Version          string
	Identity         *identity.Service
	Settings         *settings.Service
	Vault            *vault.Service
	Jobs             *job.Manager
	Audit            *audit.Service
	Quota            *quota.Tracker
	AuthLimiter      *quota.KeyedLimiter
	ActionLimiter    *quota.KeyedLimiter
	MaxChatPerDay    int
	MaxActionsPerDay int
}

// New builds the API and registers its routes.
func New(opts Options) *API {
	a := &API{
		mux:              http.NewServeMux(),
		version:          opts.Version,
		identity:         opts.Identity,
		settings:         opts.Settings,
		vault:            opts.Vault,
		jobs:             opts.Jobs,
		audit:            opts.Audit,
		quota:            opts.Quota,
		authLimiter:      opts.AuthLimiter,
		actionLimiter:    opts.ActionLimiter,
		maxChatPerDay:    opts.MaxChatPerDay,
		maxActionsPerDay: opts.MaxActionsPerDay,
	}
	if a.authLimiter == nil {
		a.authLimiter = quota.NewKeyedLimiter(1, 10)
	}
	if a.actionLimiter == nil {
		a.actionLimiter = quota.NewKeyedLimiter(1, 30)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.HandleFunc("GET /readyz", a.handleReadyz)
	a.mux.HandleFunc("GET /v1/info", a.handleInfo)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	// auth
	a.mux.HandleFunc("POST /v1/auth/signup", a.handleSignup)
	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)

	// settings and permissions
	a.mux.HandleFunc("GET /v1/settings", a.handleGetSettings)
	a.mux.HandleFunc("PATCH /v1/settings", a.handlePatchSettings)
	a.mux.HandleFunc("GET /v1/integrations", a.handleListIntegrations)
	a.mux.HandleFunc("PATCH /v1/integrations/{id}", a.handlePatchPermission)
	a.mux.HandleFunc("POST /v1/wallet", a.handleBindWallet)

	// secrets
	a.mux.HandleFunc("GET /v1/secrets", a.handleListSecrets)
	a.mux.HandleFunc("PUT /v1/secrets", a.handleUpsertSecret)
	a.mux.HandleFunc("DELETE /v1/secrets", a.handleDeleteSecret)

	// actions
	a.mux.HandleFunc("POST /v1/actions", a.handleSubmitAction)
	a.mux.HandleFunc("POST /v1/actions/{id}/confirm", a.handleConfirmAction)
	a.mux.HandleFunc("GET /v1/actions/{id}", a.handleGetJob)

	// audit and quotas
	a.mux.HandleFunc("GET /v1/audit", a.handleListAudit)
	a.mux.HandleFunc("GET /v1/quota", a.handleQuotaStatus)
	a.mux.HandleFunc("GET /v1/limits", a.handleLimitsStatus)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a coded error to its HTTP shape. Unknown errors become
// an opaque 500 so internals never leak.
func writeError(w http.ResponseWriter, err error) {
	fe, ok := fault.As(err)
	if !ok {
		fe = &fault.Error{Code: "internal_error", Status: http.StatusInternalServerError, Message: "internal error"}
	}
	if fe.RetryAfter > 0 {
		secs := int(math.Ceil(fe.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, fe.Status, map[string]any{
		"error": map[string]any{"code": fe.Code, "message": fe.Message},
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fault.Invalid("request body exceeds %d bytes", maxErr.Limit)
		}
		return fault.Invalid("invalid JSON body: %v", err)
	}
	return nil
}

// --- system handlers ---

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "trustcore-api",
		"version": a.version,
	})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "trustcore-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- audit and quota handlers ---

func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, fault.Token())
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > audit.DefaultMaxPerTenant {
			writeError(w, fault.Invalid("limit must be between 1 and %d", audit.DefaultMaxPerTenant))
			return
		}
		limit = n
	}
	entries := a.audit.List(r.Context(), p.TenantID, limit)
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, fault.Token())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chat": map[string]any{
			"used": a.quota.Usage(p.TenantID, quota.KindChat),
			"max":  a.maxChatPerDay,
		},
		"actions": map[string]any{
			"used": a.quota.Usage(p.TenantID, quota.KindActions),
			"max":  a.maxActionsPerDay,
		},
	})
}

func (a *API) handleLimitsStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := principalFrom(r.Context()); !ok {
		writeError(w, fault.Token())
		return
	}
	authRate, authBurst := a.authLimiter.Rate()
	actionRate, actionBurst := a.actionLimiter.Rate()
	writeJSON(w, http.StatusOK, map[string]any{
		"auth":    map[string]any{"per_second": authRate, "burst": authBurst},
		"actions": map[string]any{"per_second": actionRate, "burst": actionBurst},
	})
}

func integrationSummary(ts *settings.TenantSettings) []map[string]any {
	out := make([]map[string]any, 0, len(ts.Integrations))
	for _, p := range ts.Integrations {
		out = append(out, map[string]any{
			"id":                p.ID,
			"enabled":           p.Enabled,
			"execution_enabled": p.ExecutionEnabled,
		})
	}
	return out
}
