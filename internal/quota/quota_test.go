package quota

import (
	"testing"
	"time"

	"trustcore.org/internal/fault"
)

func TestConsumeUpToLimit(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 3; i++ {
		if err := tr.Consume("t1", KindActions, 3); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
	err := tr.Consume("t1", KindActions, 3)
	if err == nil {
		t.Fatal("expected quota error at the limit")
	}
	fe, ok := fault.As(err)
	if !ok || fe.Code != "quota_exceeded" {
		t.Fatalf("expected quota_exceeded fault, got %v", err)
	}
	if fe.RetryAfter <= 0 || fe.RetryAfter > 24*time.Hour {
		t.Fatalf("unexpected retry hint: %v", fe.RetryAfter)
	}
	// The rejected attempt must not increment the counter.
	if got := tr.Usage("t1", KindActions); got != 3 {
		t.Fatalf("usage moved past the limit: %d", got)
	}
}

func TestDayRollover(t *testing.T) {
	tr := NewTracker()
	day := time.Date(2026, 8, 25, 23, 0, 0, 0, time.UTC)
	tr.SetClock(func() time.Time { return day })

	if err := tr.Consume("t1", KindChat, 1); err != nil {
		t.Fatal(err)
	}
	if err := tr.Consume("t1", KindChat, 1); err == nil {
		t.Fatal("expected quota exhaustion")
	}

	tr.SetClock(func() time.Time { return day.Add(2 * time.Hour) })
	if err := tr.Consume("t1", KindChat, 1); err != nil {
		t.Fatalf("counter did not reset across the day boundary: %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	tr := NewTracker()
	if err := tr.Consume("t1", KindActions, 1); err != nil {
		t.Fatal(err)
	}
	if err := tr.Consume("t2", KindActions, 1); err != nil {
		t.Fatalf("tenant t2 affected by t1 usage: %v", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	tr := NewTracker()
	_ = tr.Consume("t1", KindActions, 10)
	_ = tr.Consume("t1", KindActions, 10)

	restored := NewTracker()
	restored.Restore(tr.Snapshot())
	if got := restored.Usage("t1", KindActions); got != 2 {
		t.Fatalf("expected restored usage 2, got %d", got)
	}
}

func TestKeyedLimiter(t *testing.T) {
	lim := NewKeyedLimiter(1, 2)

	for i := 0; i < 2; i++ {
		ok, _ := lim.Allow("ip-1")
		if !ok {
			t.Fatalf("burst request %d rejected", i)
		}
	}
	ok, retry := lim.Allow("ip-1")
	if ok {
		t.Fatal("expected rejection past burst")
	}
	if retry <= 0 {
		t.Fatalf("expected retry hint, got %v", retry)
	}

	// A different key has its own bucket.
	if ok, _ := lim.Allow("ip-2"); !ok {
		t.Fatal("unrelated key rejected")
	}
}
