package store

import (
	"context"
	"testing"
	"time"

	"github.com/qwer2003tw/bouncer/internal/core"
	"github.com/qwer2003tw/bouncer/internal/db"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	d, err := db.OpenMetadataDB(t.TempDir())
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return New(d, nil)
}

func newRequest(id string) *core.ApprovalRequest {
	now := time.Now().UTC()
	return &core.ApprovalRequest{
		RequestID:      id,
		Kind:           core.KindExecute,
		Status:         core.StatusPending,
		DisplaySummary: "aws s3 ls",
		Source:         "bot-A",
		TrustScope:     "bot-A",
		AccountID:      "111111111111",
		Reason:         "list buckets",
		Command:        "aws s3 ls",
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(5 * time.Minute),
	}
}

func TestPutAndGet(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	req := newRequest("req-1")
	if err := s.Put(ctx, req); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Command != "aws s3 ls" || got.Status != core.StatusPending {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestPutDuplicateFails(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, newRequest("req-1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, newRequest("req-1")); err == nil {
		t.Fatal("expected duplicate put to fail")
	}
}

func TestPutRequiresSummaryAndExpiry(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	req := newRequest("req-1")
	req.DisplaySummary = ""
	if err := s.Put(ctx, req); err == nil {
		t.Error("expected put without display_summary to fail")
	}

	req = newRequest("req-2")
	req.ExpiresAt = req.CreatedAt
	if err := s.Put(ctx, req); err == nil {
		t.Error("expected put with expires_at <= created_at to fail")
	}
}

func TestGetNotFound(t *testing.T) {
	s := setupStore(t)
	if _, err := s.Get(context.Background(), "missing"); err != core.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionConflict(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, newRequest("req-1")); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := s.Transition(ctx, "req-1", core.StatusPending, core.RequestPatch{Status: core.StatusApproved}); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	err := s.Transition(ctx, "req-1", core.StatusPending, core.RequestPatch{Status: core.StatusDenied})
	if err != core.ErrConflict {
		t.Errorf("expected ErrConflict for second pending-exit, got %v", err)
	}

	got, _ := s.Get(ctx, "req-1")
	if got.Status != core.StatusApproved {
		t.Errorf("status must stay approved, got %s", got.Status)
	}
}

func TestTransitionAtMostOnceUnderConcurrency(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, newRequest("req-1")); err != nil {
		t.Fatalf("put: %v", err)
	}

	const actors = 10
	results := make(chan error, actors)
	for i := 0; i < actors; i++ {
		go func() {
			results <- s.Transition(ctx, "req-1", core.StatusPending, core.RequestPatch{Status: core.StatusApproved})
		}()
	}

	wins := 0
	for i := 0; i < actors; i++ {
		if err := <-results; err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winning transition, got %d", wins)
	}
}

func TestTransitionPatchFields(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, newRequest("req-1")); err != nil {
		t.Fatalf("put: %v", err)
	}

	result := "ok"
	exitCode := 0
	approver := "42"
	dt := core.DecisionManual
	if err := s.Transition(ctx, "req-1", core.StatusPending, core.RequestPatch{
		Status: core.StatusApproved, Result: &result, ExitCode: &exitCode,
		ApproverID: &approver, DecisionType: &dt,
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	got, _ := s.Get(ctx, "req-1")
	if got.Result != "ok" || got.ExitCode == nil || *got.ExitCode != 0 || got.ApproverID != "42" {
		t.Errorf("patch not applied: %+v", got)
	}
}

func TestListPendingOrderAndFilter(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		req := newRequest(id)
		req.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		req.UpdatedAt = req.CreatedAt
		req.ExpiresAt = req.CreatedAt.Add(time.Hour)
		if id == "c" {
			req.Source = "bot-B"
		}
		if err := s.Put(ctx, req); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	pending, err := s.ListPending(ctx, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 3 || pending[0].RequestID != "a" || pending[2].RequestID != "c" {
		t.Errorf("unexpected order: %v", ids(pending))
	}

	filtered, err := s.ListPending(ctx, "bot-B", 10)
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].RequestID != "c" {
		t.Errorf("unexpected filter result: %v", ids(filtered))
	}
}

func TestListPendingForScope(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	a := newRequest("a")
	b := newRequest("b")
	b.TrustScope = "other"
	c := newRequest("c")
	c.AccountID = "222222222222"
	for _, r := range []*core.ApprovalRequest{a, b, c} {
		if err := s.Put(ctx, r); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := s.ListPendingForScope(ctx, "bot-A", "111111111111", 20)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].RequestID != "a" {
		t.Errorf("expected only the matching scope, got %v", ids(got))
	}
}

func TestIdempotencyKeyLookup(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	req := newRequest("req-1")
	req.IdempotencyKey = "idem-1"
	if err := s.Put(ctx, req); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetByIdempotencyKey(ctx, "idem-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.RequestID != "req-1" {
		t.Errorf("expected req-1, got %s", got.RequestID)
	}

	dup := newRequest("req-2")
	dup.IdempotencyKey = "idem-1"
	if err := s.Put(ctx, dup); err == nil {
		t.Error("expected unique index to reject duplicate idempotency key")
	}
}

func ids(recs []*core.ApprovalRequest) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.RequestID
	}
	return out
}
