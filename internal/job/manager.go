package job

import (
	"context"
	"fmt"
	"time"

	"trustcore.org/internal/audit"
	"trustcore.org/internal/crypto"
	"trustcore.org/internal/fault"
	"trustcore.org/internal/ids"
	"trustcore.org/internal/obs"
	"trustcore.org/internal/policy"
	"trustcore.org/internal/quota"
	"trustcore.org/internal/settings"
)

const (
	defaultConfirmTTL        = 5 * time.Minute
	defaultMaxConfirmRetries = 3
)

// Audit action kinds written by the manager.
const (
	actionSubmit     = "action.submit"
	actionExecute    = "action.execute"
	actionBetExecute = "action.bet.execute"
)

// Backend performs an approved action. Backends enforce their own
// timeouts; a timeout surfaces as an error and the job fails.
type Backend interface {
	Execute(ctx context.Context, j *Job, req SubmitRequest, secrets map[string]string) (map[string]any, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, j *Job, req SubmitRequest, secrets map[string]string) (map[string]any, error)

// Execute implements Backend.
func (f BackendFunc) Execute(ctx context.Context, j *Job, req SubmitRequest, secrets map[string]string) (map[string]any, error) {
	return f(ctx, j, req, secrets)
}

// SecretSource resolves an integration's decrypted secrets for execution.
type SecretSource interface {
	DecryptForUse(ctx context.Context, tenantID, integrationID string) map[string]string
}

// Flusher triggers a durable state write after a mutation.
type Flusher interface {
	Flush()
}

// Manager drives the execution job state machine.
type Manager struct {
	store    *Store
	settings *settings.Service
	engine   *policy.Engine
	quota    *quota.Tracker
	audit    *audit.Service
	secrets  SecretSource
	backend  Backend
	flush    Flusher
	now      func() time.Time

	confirmTTL        time.Duration
	maxConfirmRetries int
	maxActionsPerDay  int
	strict            bool
	exposeCodes       bool
}

// Option configures Manager behavior.
type Option func(*Manager)

// WithBackend installs the host-supplied execution backend.
func WithBackend(b Backend) Option {
	return func(m *Manager) { m.backend = b }
}

// WithSecretSource installs the vault lookup used during execution.
func WithSecretSource(src SecretSource) Option {
	return func(m *Manager) { m.secrets = src }
}

// WithStrictMode makes a missing backend a hard failure instead of a
// simulated result.
func WithStrictMode(strict bool) Option {
	return func(m *Manager) { m.strict = strict }
}

// WithExposedCodes returns raw confirmation codes to the caller. Debug
// deployments only.
func WithExposedCodes(expose bool) Option {
	return func(m *Manager) { m.exposeCodes = expose }
}

// WithConfirmTTL overrides the confirmation code lifetime.
func WithConfirmTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.confirmTTL = ttl
		}
	}
}

// WithMaxConfirmRetries overrides the failed-attempt lockout threshold.
func WithMaxConfirmRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxConfirmRetries = n
		}
	}
}

// WithMaxActionsPerDay sets the per-tenant daily action quota. Zero
// disables the quota.
func WithMaxActionsPerDay(n int) Option {
	return func(m *Manager) { m.maxActionsPerDay = n }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager wires the job manager.
func NewManager(store *Store, settingsSvc *settings.Service, engine *policy.Engine, tracker *quota.Tracker, auditSvc *audit.Service, flush Flusher, opts ...Option) *Manager {
	m := &Manager{
		store:             store,
		settings:          settingsSvc,
		engine:            engine,
		quota:             tracker,
		audit:             auditSvc,
		flush:             flush,
		now:               time.Now,
		confirmTTL:        defaultConfirmTTL,
		maxConfirmRetries: defaultMaxConfirmRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SubmitResult is the caller-visible outcome of a submission.
type SubmitResult struct {
	Job *Job `json:"job"`

	// ConfirmationCode carries the raw one-time code only when code
	// exposure is explicitly enabled.
	ConfirmationCode string `json:"confirmation_code,omitempty"`
}

// Submit gates an action on integration flags, quota and policy, then
// either executes it or parks it behind a confirmation code. Policy
// rejections leave no job behind.
func (m *Manager) Submit(ctx context.Context, tenantID, sessionID string, req SubmitRequest) (SubmitResult, error) {
	if req.IntegrationID == "" {
		return SubmitResult{}, fault.Invalid("integration_id is required")
	}
	ts := m.settings.Get(ctx, tenantID)
	perm := ts.Permission(req.IntegrationID)
	if !perm.Enabled {
		m.recordBlocked(ctx, tenantID, sessionID, req, "integration_disabled", "integration is disabled")
		return SubmitResult{}, fault.Forbidden("integration_disabled", "integration %s is disabled", req.IntegrationID)
	}
	if !perm.ExecutionEnabled {
		m.recordBlocked(ctx, tenantID, sessionID, req, "execution_disabled", "execution is disabled")
		return SubmitResult{}, fault.Forbidden("execution_disabled", "execution is disabled for integration %s", req.IntegrationID)
	}

	if err := m.quota.Consume(tenantID, quota.KindActions, m.maxActionsPerDay); err != nil {
		return SubmitResult{}, err
	}

	decision, err := m.evaluate(ctx, tenantID, ts, req)
	if err != nil {
		return SubmitResult{}, err
	}
	if !decision.Allowed {
		obs.ObservePolicyDecision(decision.MatchedRule, "blocked")
		m.recordBlocked(ctx, tenantID, sessionID, req, decision.MatchedRule, decision.Reason)
		return SubmitResult{}, fault.PolicyBlocked(decision.MatchedRule, decision.Reason)
	}
	obs.ObservePolicyDecision(decision.MatchedRule, "allowed")

	now := m.now().UTC()
	j := &Job{
		ID:            ids.New(),
		TenantID:      tenantID,
		SessionID:     sessionID,
		IntegrationID: req.IntegrationID,
		Action:        req.Action,
		Status:        StatusQueued,
		RiskLevel:     RiskNormal,
		Input:         req,
		CreatedAt:     now,
	}

	if decision.RequiresConfirmation {
		j.RiskLevel = RiskHigh
		j.Status = StatusWaitingConfirmation
		code, codeHash, err := crypto.NewConfirmationCode()
		if err != nil {
			return SubmitResult{}, err
		}
		m.store.PutJob(j)
		m.store.PutConfirmation(&Confirmation{
			JobID:     j.ID,
			TenantID:  tenantID,
			CodeHash:  codeHash,
			ExpiresAt: now.Add(m.confirmTTL),
			Request:   req,
		})
		obs.ObserveConfirmation("issued")
		m.audit.Record(ctx, audit.Entry{
			TenantID:  tenantID,
			SessionID: sessionID,
			Action:    actionSubmit,
			Outcome:   audit.OutcomeAllowed,
			Reason:    "waiting for confirmation",
			Metadata:  map[string]any{"job_id": j.ID, "integration": req.IntegrationID},
		})
		if m.flush != nil {
			m.flush.Flush()
		}
		result := SubmitResult{Job: j}
		if m.exposeCodes {
			result.ConfirmationCode = code
		}
		return result, nil
	}

	m.store.PutJob(j)
	return m.execute(ctx, j.ID, req)
}

// Confirm validates a one-time code and, on success, executes the payload
// stored at submission time.
func (m *Manager) Confirm(ctx context.Context, tenantID, jobID, code string) (SubmitResult, error) {
	conf, ok := m.store.Confirmation(jobID)
	if !ok || conf.TenantID != tenantID {
		return SubmitResult{}, fault.NotFound("confirmation_not_found", "no pending confirmation for job %s", jobID)
	}
	now := m.now().UTC()
	if !now.Before(conf.ExpiresAt) {
		m.expireConfirmation(ctx, conf)
		return SubmitResult{}, fault.Expired("confirmation_expired", "confirmation for job %s expired", jobID)
	}

	if !crypto.SecretMatchesHash(code, conf.CodeHash) {
		attempts, _ := m.store.BumpAttempts(jobID)
		if attempts >= m.maxConfirmRetries {
			m.store.DeleteConfirmation(jobID)
			m.failJob(ctx, jobID, "confirmation locked after too many failed attempts")
			obs.ObserveConfirmation("locked")
			if m.flush != nil {
				m.flush.Flush()
			}
			return SubmitResult{}, fault.Locked("confirmation for job %s is locked, resubmit the action", jobID)
		}
		obs.ObserveConfirmation("mismatch")
		// The attempt counter must survive a restart, or each restart would
		// hand a guesser a fresh budget.
		if m.flush != nil {
			m.flush.Flush()
		}
		return SubmitResult{}, fault.Forbidden("confirmation_code_mismatch", "incorrect confirmation code")
	}

	m.store.DeleteConfirmation(jobID)
	obs.ObserveConfirmation("confirmed")
	return m.execute(ctx, jobID, conf.Request)
}

// GetJob returns a tenant's job by id.
func (m *Manager) GetJob(ctx context.Context, tenantID, jobID string) (*Job, error) {
	j, ok := m.store.Job(jobID)
	if !ok || j.TenantID != tenantID {
		return nil, fault.NotFound("job_not_found", "job %s not found", jobID)
	}
	return j, nil
}

// SweepConfirmations fails jobs whose confirmations expired unanswered.
// cmd/api runs it periodically.
func (m *Manager) SweepConfirmations(ctx context.Context) int {
	now := m.now().UTC()
	expired := m.store.ExpiredConfirmations(now)
	for _, jobID := range expired {
		if conf, ok := m.store.Confirmation(jobID); ok {
			m.expireConfirmation(ctx, conf)
		}
	}
	return len(expired)
}

func (m *Manager) evaluate(ctx context.Context, tenantID string, ts *settings.TenantSettings, req SubmitRequest) (policy.Decision, error) {
	switch {
	case req.Bet != nil:
		dayStart := m.now().UTC().Truncate(24 * time.Hour)
		spent, last := m.audit.ExecutedSpendSince(tenantID, actionBetExecute, dayStart)
		return policy.EvaluateBet(ts.Betting, *req.Bet, spent, last, m.now().UTC())
	case req.Tx != nil:
		return m.engine.Evaluate(tenantID, ts.Signing, *req.Tx), nil
	default:
		// Generic tool calls carry no policy-shaped payload; the
		// integration flags and quota are the whole gate.
		return policy.Decision{Allowed: true}, nil
	}
}

// execute runs the stored payload through the backend and records the
// terminal state. Rate budget is consumed only here, after real execution.
func (m *Manager) execute(ctx context.Context, jobID string, req SubmitRequest) (SubmitResult, error) {
	now := m.now().UTC()
	j, ok := m.store.UpdateJob(jobID, func(j *Job) {
		j.Status = StatusRunning
		started := now
		j.StartedAt = &started
	})
	if !ok {
		return SubmitResult{}, fault.NotFound("job_not_found", "job %s not found", jobID)
	}

	var (
		output map[string]any
		err    error
	)
	switch {
	case m.backend != nil:
		var secrets map[string]string
		if m.secrets != nil {
			secrets = m.secrets.DecryptForUse(ctx, j.TenantID, j.IntegrationID)
		}
		output, err = m.backend.Execute(ctx, j, req, secrets)
	case m.strict:
		err = fault.BackendMissing()
	default:
		output = map[string]any{
			"simulated": true,
			"message":   fmt.Sprintf("no backend configured, %s action not performed", req.IntegrationID),
		}
	}

	done := m.now().UTC()
	if err != nil {
		j, _ = m.store.UpdateJob(jobID, func(j *Job) {
			j.Status = StatusFailed
			j.Error = err.Error()
			j.CompletedAt = &done
		})
		obs.ObserveJob(j.IntegrationID, string(StatusFailed))
		m.audit.Record(ctx, audit.Entry{
			TenantID:  j.TenantID,
			SessionID: j.SessionID,
			Action:    executeAction(req),
			Outcome:   audit.OutcomeFailed,
			Reason:    err.Error(),
			Metadata:  executeMetadata(j, req),
		})
		if m.flush != nil {
			m.flush.Flush()
		}
		if _, ok := fault.As(err); ok {
			return SubmitResult{Job: j}, err
		}
		return SubmitResult{Job: j}, fault.ExecutionFailed(err.Error())
	}

	j, _ = m.store.UpdateJob(jobID, func(j *Job) {
		j.Status = StatusCompleted
		j.Output = output
		j.CompletedAt = &done
	})
	if req.Tx != nil {
		m.engine.Record(j.TenantID, req.Tx.RequestID)
	}
	obs.ObserveJob(j.IntegrationID, string(StatusCompleted))
	m.audit.Record(ctx, audit.Entry{
		TenantID:  j.TenantID,
		SessionID: j.SessionID,
		Action:    executeAction(req),
		Outcome:   audit.OutcomeExecuted,
		Metadata:  executeMetadata(j, req),
	})
	if m.flush != nil {
		m.flush.Flush()
	}
	return SubmitResult{Job: j}, nil
}

func (m *Manager) expireConfirmation(ctx context.Context, conf *Confirmation) {
	m.store.DeleteConfirmation(conf.JobID)
	m.failJob(ctx, conf.JobID, "confirmation expired")
	obs.ObserveConfirmation("expired")
	if m.flush != nil {
		m.flush.Flush()
	}
}

func (m *Manager) failJob(ctx context.Context, jobID, reason string) {
	now := m.now().UTC()
	j, ok := m.store.UpdateJob(jobID, func(j *Job) {
		j.Status = StatusFailed
		j.Error = reason
		j.CompletedAt = &now
	})
	if !ok {
		return
	}
	obs.ObserveJob(j.IntegrationID, string(StatusFailed))
	m.audit.Record(ctx, audit.Entry{
		TenantID:  j.TenantID,
		SessionID: j.SessionID,
		Action:    executeAction(j.Input),
		Outcome:   audit.OutcomeFailed,
		Reason:    reason,
		Metadata:  map[string]any{"job_id": j.ID, "integration": j.IntegrationID},
	})
}

func (m *Manager) recordBlocked(ctx context.Context, tenantID, sessionID string, req SubmitRequest, rule, reason string) {
	m.audit.Record(ctx, audit.Entry{
		TenantID:  tenantID,
		SessionID: sessionID,
		Action:    actionSubmit,
		Outcome:   audit.OutcomeBlocked,
		Reason:    reason,
		Metadata:  map[string]any{"integration": req.IntegrationID, "rule": rule},
	})
	if m.flush != nil {
		m.flush.Flush()
	}
}

// executeAction separates betting executions from generic ones in the audit
// log; the betting policy reads its trailing spend back out of them.
func executeAction(req SubmitRequest) string {
	if req.Bet != nil {
		return actionBetExecute
	}
	return actionExecute
}

func executeMetadata(j *Job, req SubmitRequest) map[string]any {
	md := map[string]any{"job_id": j.ID, "integration": j.IntegrationID}
	if req.Bet != nil {
		md["amount"] = req.Bet.Amount
		md["market_id"] = req.Bet.MarketID
	}
	if req.Tx != nil {
		md["request_id"] = req.Tx.RequestID
		md["chain_id"] = req.Tx.ChainID
	}
	return md
}
