package httpapi

import (
	"net/http"

	"trustcore.org/internal/fault"
	"trustcore.org/internal/settings"
	"trustcore.org/internal/vault"
)

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, fault.Token())
		return
	}
	writeJSON(w, http.StatusOK, a.settings.Get(r.Context(), p.TenantID))
}

func (a *API) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, fault.Token())
		return
	}
	var patch settings.SettingsPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	ts, err := a.settings.Patch(r.Context(), p.TenantID, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (a *API) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, fault.Token())
		return
	}
	ts := a.settings.Get(r.Context(), p.TenantID)
	writeJSON(w, http.StatusOK, map[string]any{"integrations": integrationSummary(ts)})
}

func (a *API) handlePatchPermission(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, fault.Token())
		return
	}
	var patch settings.PermissionPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	patch.IntegrationID = r.PathValue("id")
	ts, err := a.settings.PatchPermission(r.Context(), p.TenantID, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": integrationSummary(ts)})
}

type bindWalletRequest struct {
	EVMAddress    string `json:"evm_address"`
	Base58Address string `json:"base58_address"`
}

func (a *API) handleBindWallet(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, fault.Token())
		return
	}
	var req bindWalletRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ts, err := a.settings.BindWallet(r.Context(), p.TenantID, req.EVMAddress, req.Base58Address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallet": ts.Wallet})
}

// --- secrets ---

type upsertSecretRequest struct {
	Scope         string `json:"scope"`
	IntegrationID string `json:"integration_id"`
	Key           string `json:"key"`
	Value         string `json:"value"`
}

func (a *API) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, fault.Token())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": a.vault.List(r.Context(), p.TenantID)})
}

func (a *API) handleUpsertSecret(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, fault.Token())
		return
	}
	var req upsertSecretRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Scope == "" {
		req.Scope = vault.ScopeTenant
	}
	masked, err := a.vault.Upsert(r.Context(), p.TenantID, req.Scope, req.IntegrationID, req.Key, req.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, masked)
}

func (a *API) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, fault.Token())
		return
	}
	q := r.URL.Query()
	if err := a.vault.Delete(r.Context(), p.TenantID, q.Get("integration_id"), q.Get("key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
