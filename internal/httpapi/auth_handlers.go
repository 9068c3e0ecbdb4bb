package httpapi

import (
	"net/http"

	"trustcore.org/internal/fault"
	"trustcore.org/internal/identity"
)

type signupRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type authResponse struct {
	Tokens  identity.TokenPair `json:"tokens"`
	Profile profile            `json:"profile"`
}

type profile struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

func profileOf(t *identity.Tenant) profile {
	return profile{ID: t.ID, Email: t.Email, DisplayName: t.DisplayName, Role: t.Role}
}

func (a *API) allowAuthCall(w http.ResponseWriter, r *http.Request) bool {
	if ok, retry := a.authLimiter.Allow(clientIP(r)); !ok {
		writeError(w, fault.RateLimited(retry))
		return false
	}
	return true
}

func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	if !a.allowAuthCall(w, r) {
		return
	}
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, tenant, err := a.identity.Signup(r.Context(), req.Email, req.Password, req.DisplayName, r.UserAgent(), clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Tokens: pair, Profile: profileOf(tenant)})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.allowAuthCall(w, r) {
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, tenant, err := a.identity.Login(r.Context(), req.Email, req.Password, r.UserAgent(), clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Tokens: pair, Profile: profileOf(tenant)})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !a.allowAuthCall(w, r) {
		return
	}
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, tenant, err := a.identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Tokens: pair, Profile: profileOf(tenant)})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, fault.Token())
		return
	}
	a.identity.Logout(r.Context(), p)
	w.WriteHeader(http.StatusNoContent)
}
