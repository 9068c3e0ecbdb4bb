package httpapi

import (
	"net/http"

	"trustcore.org/internal/fault"
	"trustcore.org/internal/job"
)

func (a *API) allowActionCall(w http.ResponseWriter, tenantID string) bool {
	if ok, retry := a.actionLimiter.Allow(tenantID); !ok {
		writeError(w, fault.RateLimited(retry))
		return false
	}
	return true
}

func (a *API) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, fault.Token())
		return
	}
	if !a.allowActionCall(w, p.TenantID) {
		return
	}
	var req job.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := a.jobs.Submit(r.Context(), p.TenantID, p.SessionID, req)
	if err != nil {
		// A failed job still carries forensic value for the caller.
		if res.Job != nil {
			writeJobError(w, err, res.Job)
			return
		}
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if res.Job.Status == job.StatusWaitingConfirmation {
		code = http.StatusAccepted
	}
	writeJSON(w, code, res)
}

func (a *API) handleConfirmAction(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, fault.Token())
		return
	}
	if !a.allowActionCall(w, p.TenantID) {
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := a.jobs.Confirm(r.Context(), p.TenantID, r.PathValue("id"), req.Code)
	if err != nil {
		if res.Job != nil {
			writeJobError(w, err, res.Job)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, fault.Token())
		return
	}
	j, err := a.jobs.GetJob(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": j})
}

// writeJobError emits the coded error body together with the terminal job
// record so callers can show what failed.
func writeJobError(w http.ResponseWriter, err error, j *job.Job) {
	fe, ok := fault.As(err)
	if !ok {
		fe = &fault.Error{Code: "internal_error", Status: http.StatusInternalServerError, Message: "internal error"}
	}
	writeJSON(w, fe.Status, map[string]any{
		"error": map[string]any{"code": fe.Code, "message": fe.Message},
		"job":   j,
	})
}
