package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"trustcore.org/internal/audit"
	"trustcore.org/internal/fault"
	"trustcore.org/internal/policy"
	"trustcore.org/internal/quota"
	"trustcore.org/internal/settings"
)

type env struct {
	mgr      *Manager
	store    *Store
	settings *settings.Service
	audit    *audit.Service
	backend  *recordingBackend
}

type recordingBackend struct {
	calls   int
	lastReq SubmitRequest
	secrets map[string]string
	err     error
}

func (b *recordingBackend) Execute(ctx context.Context, j *Job, req SubmitRequest, secrets map[string]string) (map[string]any, error) {
	b.calls++
	b.lastReq = req
	b.secrets = secrets
	if b.err != nil {
		return nil, b.err
	}
	return map[string]any{"ok": true}, nil
}

type staticSecrets map[string]string

func (s staticSecrets) DecryptForUse(ctx context.Context, tenantID, integrationID string) map[string]string {
	return s
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	auditSvc := audit.NewService(audit.NewStore(200), nil)
	settingsSvc := settings.NewService(settings.NewStore(), auditSvc, nil)
	store := NewStore()
	backend := &recordingBackend{}

	all := append([]Option{
		WithBackend(backend),
		WithExposedCodes(true),
	}, opts...)
	mgr := NewManager(store, settingsSvc, policy.NewEngine(), quota.NewTracker(), auditSvc, nil, all...)
	return &env{mgr: mgr, store: store, settings: settingsSvc, audit: auditSvc, backend: backend}
}

func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }

// enableExecution flips the execution flag for an integration and, for
// betting, switches confirmation off unless the test re-enables it.
func (e *env) enableExecution(t *testing.T, tenantID, integrationID string) {
	t.Helper()
	patch := settings.PermissionPatch{
		IntegrationID:    integrationID,
		ExecutionEnabled: boolPtr(true),
	}
	if integrationID == settings.IntegrationBetting {
		patch.Betting = &settings.BettingPatch{ConfirmationMode: strPtr(policy.ConfirmNever)}
	}
	if _, err := e.settings.PatchPermission(context.Background(), tenantID, patch); err != nil {
		t.Fatalf("PatchPermission: %v", err)
	}
}

func toolReq() SubmitRequest {
	return SubmitRequest{
		IntegrationID: settings.IntegrationToolcall,
		Action:        "tool.run",
		Params:        map[string]any{"name": "search"},
	}
}

func betSubmit(amount float64) SubmitRequest {
	return SubmitRequest{
		IntegrationID: settings.IntegrationBetting,
		Action:        "bet.place",
		Bet:           &policy.BetRequest{MarketID: "mkt-1", Position: "yes", Amount: amount},
	}
}

func txSubmit(requestID string) SubmitRequest {
	return SubmitRequest{
		IntegrationID: settings.IntegrationOnchain,
		Action:        "tx.send",
		Tx: &policy.TxRequest{
			RequestID: requestID,
			ChainID:   1,
			To:        "0x52908400098527886E0F7030069857D2E4169EE7",
			ValueWei:  "1000",
		},
	}
}

func TestSubmitRejectsDisabledIntegration(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Visible but execution-disabled (the default).
	_, err := e.mgr.Submit(ctx, "t1", "s1", toolReq())
	fe, ok := fault.As(err)
	if !ok || fe.Code != "execution_disabled" {
		t.Fatalf("expected execution_disabled, got %v", err)
	}

	// Fully disabled.
	if _, err := e.settings.PatchPermission(ctx, "t1", settings.PermissionPatch{
		IntegrationID: settings.IntegrationToolcall,
		Enabled:       boolPtr(false),
	}); err != nil {
		t.Fatal(err)
	}
	_, err = e.mgr.Submit(ctx, "t1", "s1", toolReq())
	fe, ok = fault.As(err)
	if !ok || fe.Code != "integration_disabled" {
		t.Fatalf("expected integration_disabled, got %v", err)
	}
	if e.backend.calls != 0 {
		t.Fatal("backend must not be touched on gating rejections")
	}
	if len(e.store.JobsSnapshot()) != 0 {
		t.Fatal("gating rejections must not create jobs")
	}
}

func TestSubmitExecutesThroughBackend(t *testing.T) {
	e := newEnv(t, WithSecretSource(staticSecrets{"api_key": "k"}))
	ctx := context.Background()
	e.enableExecution(t, "t1", settings.IntegrationToolcall)

	res, err := e.mgr.Submit(ctx, "t1", "s1", toolReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Job.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", res.Job.Status)
	}
	if res.Job.StartedAt == nil || res.Job.CompletedAt == nil {
		t.Fatal("missing transition timestamps")
	}
	if e.backend.calls != 1 {
		t.Fatalf("backend calls = %d", e.backend.calls)
	}
	if e.backend.secrets["api_key"] != "k" {
		t.Fatal("decrypted secrets not passed to backend")
	}
}

func TestSubmitWithoutBackendSimulates(t *testing.T) {
	e := newEnv(t, WithBackend(nil))
	ctx := context.Background()
	e.enableExecution(t, "t1", settings.IntegrationToolcall)

	res, err := e.mgr.Submit(ctx, "t1", "s1", toolReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Job.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", res.Job.Status)
	}
	if simulated, _ := res.Job.Output["simulated"].(bool); !simulated {
		t.Fatalf("result must be labeled simulated: %v", res.Job.Output)
	}
}

func TestSubmitStrictModeRequiresBackend(t *testing.T) {
	e := newEnv(t, WithBackend(nil), WithStrictMode(true))
	ctx := context.Background()
	e.enableExecution(t, "t1", settings.IntegrationToolcall)

	res, err := e.mgr.Submit(ctx, "t1", "s1", toolReq())
	fe, ok := fault.As(err)
	if !ok || fe.Code != "backend_missing" {
		t.Fatalf("expected backend_missing, got %v", err)
	}
	if res.Job == nil || res.Job.Status != StatusFailed {
		t.Fatalf("job must fail in strict mode: %+v", res.Job)
	}
}

func TestBackendFailureFailsJob(t *testing.T) {
	e := newEnv(t)
	e.backend.err = errors.New("rpc timeout")
	ctx := context.Background()
	e.enableExecution(t, "t1", settings.IntegrationToolcall)

	res, err := e.mgr.Submit(ctx, "t1", "s1", toolReq())
	fe, ok := fault.As(err)
	if !ok || fe.Code != "execution_failed" {
		t.Fatalf("expected execution_failed, got %v", err)
	}
	if res.Job.Status != StatusFailed || res.Job.Error == "" {
		t.Fatalf("job must capture the failure: %+v", res.Job)
	}
}

func TestConfirmationWorkflow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.settings.PatchPermission(ctx, "t1", settings.PermissionPatch{
		IntegrationID:    settings.IntegrationBetting,
		ExecutionEnabled: boolPtr(true),
	}); err != nil {
		t.Fatal(err)
	}

	res, err := e.mgr.Submit(ctx, "t1", "s1", betSubmit(25))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Job.Status != StatusWaitingConfirmation {
		t.Fatalf("expected waiting_confirmation, got %s", res.Job.Status)
	}
	if res.ConfirmationCode == "" {
		t.Fatal("exposed code missing")
	}
	if e.backend.calls != 0 {
		t.Fatal("backend must not run before confirmation")
	}

	done, err := e.mgr.Confirm(ctx, "t1", res.Job.ID, res.ConfirmationCode)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if done.Job.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Job.Status)
	}
	if e.backend.calls != 1 {
		t.Fatalf("backend calls = %d", e.backend.calls)
	}
	// The stored payload was executed, not anything the confirm call sent.
	if e.backend.lastReq.Bet == nil || e.backend.lastReq.Bet.Amount != 25 {
		t.Fatalf("wrong payload executed: %+v", e.backend.lastReq)
	}

	// The confirmation is single-use.
	if _, err := e.mgr.Confirm(ctx, "t1", res.Job.ID, res.ConfirmationCode); err == nil {
		t.Fatal("confirmation must be consumed")
	}
}

func TestConfirmationLockout(t *testing.T) {
	e := newEnv(t, WithMaxConfirmRetries(3))
	ctx := context.Background()
	if _, err := e.settings.PatchPermission(ctx, "t1", settings.PermissionPatch{
		IntegrationID:    settings.IntegrationBetting,
		ExecutionEnabled: boolPtr(true),
	}); err != nil {
		t.Fatal(err)
	}
	res, err := e.mgr.Submit(ctx, "t1", "s1", betSubmit(25))
	if err != nil {
		t.Fatal(err)
	}

	wrong := "000000"
	if wrong == res.ConfirmationCode {
		wrong = "000001"
	}

	for i := 0; i < 2; i++ {
		_, err := e.mgr.Confirm(ctx, "t1", res.Job.ID, wrong)
		fe, ok := fault.As(err)
		if !ok || fe.Code != "confirmation_code_mismatch" {
			t.Fatalf("attempt %d: expected mismatch, got %v", i+1, err)
		}
	}
	// Third failure locks and discards the confirmation.
	_, err = e.mgr.Confirm(ctx, "t1", res.Job.ID, wrong)
	fe, ok := fault.As(err)
	if !ok || fe.Code != "confirmation_locked" {
		t.Fatalf("expected locked, got %v", err)
	}
	j, err := e.mgr.GetJob(ctx, "t1", res.Job.ID)
	if err != nil || j.Status != StatusFailed {
		t.Fatalf("locked job must fail: %+v err=%v", j, err)
	}

	// Even the correct code cannot revive it.
	_, err = e.mgr.Confirm(ctx, "t1", res.Job.ID, res.ConfirmationCode)
	fe, ok = fault.As(err)
	if !ok || fe.Code != "confirmation_not_found" {
		t.Fatalf("expected not_found after lockout, got %v", err)
	}
	if e.backend.calls != 0 {
		t.Fatal("backend must never run for a locked confirmation")
	}
}

type countingFlusher struct{ n int }

func (f *countingFlusher) Flush() { f.n++ }

func TestFailedConfirmAttemptIsFlushed(t *testing.T) {
	flushes := &countingFlusher{}
	auditSvc := audit.NewService(audit.NewStore(200), nil)
	settingsSvc := settings.NewService(settings.NewStore(), auditSvc, nil)
	store := NewStore()
	mgr := NewManager(store, settingsSvc, policy.NewEngine(), quota.NewTracker(), auditSvc, flushes,
		WithBackend(&recordingBackend{}),
		WithExposedCodes(true),
	)

	ctx := context.Background()
	if _, err := settingsSvc.PatchPermission(ctx, "t1", settings.PermissionPatch{
		IntegrationID:    settings.IntegrationBetting,
		ExecutionEnabled: boolPtr(true),
	}); err != nil {
		t.Fatal(err)
	}
	res, err := mgr.Submit(ctx, "t1", "s1", betSubmit(25))
	if err != nil {
		t.Fatal(err)
	}

	wrong := "000000"
	if wrong == res.ConfirmationCode {
		wrong = "000001"
	}
	before := flushes.n
	if _, err := mgr.Confirm(ctx, "t1", res.Job.ID, wrong); err == nil {
		t.Fatal("wrong code must be rejected")
	}
	// The bumped attempt counter has to reach the snapshot, or a restart
	// would reset the guess budget.
	if flushes.n == before {
		t.Fatal("failed attempt must trigger a flush")
	}
	conf, ok := store.Confirmation(res.Job.ID)
	if !ok || conf.Attempts != 1 {
		t.Fatalf("confirmation after failed attempt: %+v ok=%v", conf, ok)
	}
}

func TestConfirmationExpiry(t *testing.T) {
	base := time.Now()
	now := base
	e := newEnv(t, WithClock(func() time.Time { return now }), WithConfirmTTL(time.Minute))
	ctx := context.Background()
	if _, err := e.settings.PatchPermission(ctx, "t1", settings.PermissionPatch{
		IntegrationID:    settings.IntegrationBetting,
		ExecutionEnabled: boolPtr(true),
	}); err != nil {
		t.Fatal(err)
	}
	res, err := e.mgr.Submit(ctx, "t1", "s1", betSubmit(25))
	if err != nil {
		t.Fatal(err)
	}

	now = base.Add(2 * time.Minute)
	_, err = e.mgr.Confirm(ctx, "t1", res.Job.ID, res.ConfirmationCode)
	fe, ok := fault.As(err)
	if !ok || fe.Code != "confirmation_expired" {
		t.Fatalf("expected expired, got %v", err)
	}
	j, err := e.mgr.GetJob(ctx, "t1", res.Job.ID)
	if err != nil || j.Status != StatusFailed {
		t.Fatalf("expired job must fail: %+v err=%v", j, err)
	}
	// The expired confirmation is gone.
	_, err = e.mgr.Confirm(ctx, "t1", res.Job.ID, res.ConfirmationCode)
	fe, ok = fault.As(err)
	if !ok || fe.Code != "confirmation_not_found" {
		t.Fatalf("expected not_found after expiry, got %v", err)
	}
}

func TestConfirmIsTenantScoped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.settings.PatchPermission(ctx, "t1", settings.PermissionPatch{
		IntegrationID:    settings.IntegrationBetting,
		ExecutionEnabled: boolPtr(true),
	}); err != nil {
		t.Fatal(err)
	}
	res, err := e.mgr.Submit(ctx, "t1", "s1", betSubmit(25))
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.mgr.Confirm(ctx, "t2", res.Job.ID, res.ConfirmationCode)
	fe, ok := fault.As(err)
	if !ok || fe.Code != "confirmation_not_found" {
		t.Fatalf("cross-tenant confirm must look absent, got %v", err)
	}
	if _, err := e.mgr.GetJob(ctx, "t2", res.Job.ID); err == nil {
		t.Fatal("cross-tenant job read must look absent")
	}
}

func TestReplayBlockedAfterExecution(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.enableExecution(t, "t1", settings.IntegrationOnchain)

	if _, err := e.mgr.Submit(ctx, "t1", "s1", txSubmit("req-1")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := e.mgr.Submit(ctx, "t1", "s1", txSubmit("req-1"))
	fe, ok := fault.As(err)
	if !ok || fe.Code != "policy_blocked" {
		t.Fatalf("expected replay block, got %v", err)
	}

	// A fresh request id passes.
	if _, err := e.mgr.Submit(ctx, "t1", "s1", txSubmit("req-2")); err != nil {
		t.Fatalf("fresh request id: %v", err)
	}
}

func TestFailedExecutionDoesNotConsumeReplayBudget(t *testing.T) {
	e := newEnv(t)
	e.backend.err = errors.New("rpc down")
	ctx := context.Background()
	e.enableExecution(t, "t1", settings.IntegrationOnchain)

	if _, err := e.mgr.Submit(ctx, "t1", "s1", txSubmit("req-1")); err == nil {
		t.Fatal("expected execution failure")
	}

	// The id was never recorded, so retrying the same request is allowed.
	e.backend.err = nil
	if _, err := e.mgr.Submit(ctx, "t1", "s1", txSubmit("req-1")); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestBettingDailyCapCountsExecutedSpend(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.settings.PatchPermission(ctx, "t1", settings.PermissionPatch{
		IntegrationID:    settings.IntegrationBetting,
		ExecutionEnabled: boolPtr(true),
		Betting: &settings.BettingPatch{
			ConfirmationMode: strPtr(policy.ConfirmNever),
			MaxDailySpend:    floatPtr(100),
		},
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := e.mgr.Submit(ctx, "t1", "s1", betSubmit(60)); err != nil {
		t.Fatalf("first bet: %v", err)
	}
	_, err := e.mgr.Submit(ctx, "t1", "s1", betSubmit(50))
	fe, ok := fault.As(err)
	if !ok || fe.Code != "policy_blocked" {
		t.Fatalf("expected daily cap block, got %v", err)
	}
	if _, err := e.mgr.Submit(ctx, "t1", "s1", betSubmit(40)); err != nil {
		t.Fatalf("bet within remaining budget: %v", err)
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestActionQuota(t *testing.T) {
	e := newEnv(t, WithMaxActionsPerDay(1))
	ctx := context.Background()
	e.enableExecution(t, "t1", settings.IntegrationToolcall)

	if _, err := e.mgr.Submit(ctx, "t1", "s1", toolReq()); err != nil {
		t.Fatalf("first action: %v", err)
	}
	_, err := e.mgr.Submit(ctx, "t1", "s1", toolReq())
	fe, ok := fault.As(err)
	if !ok || fe.Code != "quota_exceeded" || fe.RetryAfter <= 0 {
		t.Fatalf("expected quota error with retry hint, got %v", err)
	}
}

func TestSweepConfirmations(t *testing.T) {
	base := time.Now()
	now := base
	e := newEnv(t, WithClock(func() time.Time { return now }), WithConfirmTTL(time.Minute))
	ctx := context.Background()
	if _, err := e.settings.PatchPermission(ctx, "t1", settings.PermissionPatch{
		IntegrationID:    settings.IntegrationBetting,
		ExecutionEnabled: boolPtr(true),
	}); err != nil {
		t.Fatal(err)
	}
	res, err := e.mgr.Submit(ctx, "t1", "s1", betSubmit(25))
	if err != nil {
		t.Fatal(err)
	}

	now = base.Add(5 * time.Minute)
	if swept := e.mgr.SweepConfirmations(ctx); swept != 1 {
		t.Fatalf("swept = %d", swept)
	}
	j, err := e.mgr.GetJob(ctx, "t1", res.Job.ID)
	if err != nil || j.Status != StatusFailed {
		t.Fatalf("swept job must fail: %+v err=%v", j, err)
	}
}

func TestJobStoreSnapshotRestore(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.settings.PatchPermission(ctx, "t1", settings.PermissionPatch{
		IntegrationID:    settings.IntegrationBetting,
		ExecutionEnabled: boolPtr(true),
	}); err != nil {
		t.Fatal(err)
	}
	res, err := e.mgr.Submit(ctx, "t1", "s1", betSubmit(25))
	if err != nil {
		t.Fatal(err)
	}

	restored := NewStore()
	restored.Restore(e.store.JobsSnapshot(), e.store.ConfirmationsSnapshot())
	j, ok := restored.Job(res.Job.ID)
	if !ok || j.Status != StatusWaitingConfirmation {
		t.Fatalf("job lost in restore: %+v", j)
	}
	if _, ok := restored.Confirmation(res.Job.ID); !ok {
		t.Fatal("confirmation lost in restore")
	}
}
