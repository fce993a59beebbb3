package store

import (
	"context"
	"testing"
	"time"

	"github.com/qwer2003tw/bouncer/internal/core"
)

func putTestGrant(t *testing.T, s *Store, id string, allowRepeat bool) *core.GrantSession {
	t.Helper()
	now := time.Now().UTC()
	g := &core.GrantSession{
		GrantID:   id,
		Source:    "bot-A",
		AccountID: "111111111111",
		Status:    core.SessionPending,
		Reason:    "maintenance",
		CommandsDetail: []core.GrantCommandDetail{
			{Command: "aws s3 ls s3://x", Normalized: "aws s3 ls s3://x", Category: core.GrantGrantable},
		},
		TTLMinutes:    30,
		AllowRepeat:   allowRepeat,
		MaxExecutions: 3,
		CreatedAt:     now,
		ExpiresAt:     now.Add(5 * time.Minute),
	}
	if err := s.PutGrant(context.Background(), g); err != nil {
		t.Fatalf("put grant: %v", err)
	}
	return g
}

func TestGrantApproveFlow(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	putTestGrant(t, s, "grant-1", false)

	if err := s.ApproveGrant(ctx, "grant-1", "approver-1", []string{"aws s3 ls s3://x"}, 30); err != nil {
		t.Fatalf("approve: %v", err)
	}

	g, err := s.GetGrant(ctx, "grant-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if g.Status != core.SessionApproved || g.ApprovedAt == nil {
		t.Errorf("expected approved grant with timestamp: %+v", g)
	}
	if !g.ExpiresAt.After(*g.ApprovedAt) {
		t.Error("ttl must count from approval")
	}

	// A second approval attempt observes the pending-exit.
	if err := s.ApproveGrant(ctx, "grant-1", "approver-2", nil, 30); err != core.ErrConflict {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestUseGrantCommandOnceOnly(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	putTestGrant(t, s, "grant-1", false)
	if err := s.ApproveGrant(ctx, "grant-1", "approver-1", []string{"aws s3 ls s3://x"}, 30); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if err := s.UseGrantCommand(ctx, "grant-1", "aws s3 ls s3://x", false, false); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := s.UseGrantCommand(ctx, "grant-1", "aws s3 ls s3://x", false, false); err != core.ErrConflict {
		t.Errorf("expected single-use rejection, got %v", err)
	}

	g, _ := s.GetGrant(ctx, "grant-1")
	if g.ExecutionsUsed != 1 {
		t.Errorf("expected executions_used=1, got %d", g.ExecutionsUsed)
	}
}

func TestUseGrantCommandRepeatCapsTotal(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	putTestGrant(t, s, "grant-1", true)
	if err := s.ApproveGrant(ctx, "grant-1", "approver-1", []string{"aws s3 ls s3://x"}, 30); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// max_executions is 3; the fourth use must fail.
	for i := 0; i < 3; i++ {
		if err := s.UseGrantCommand(ctx, "grant-1", "aws s3 ls s3://x", true, false); err != nil {
			t.Fatalf("use %d: %v", i, err)
		}
	}
	if err := s.UseGrantCommand(ctx, "grant-1", "aws s3 ls s3://x", true, false); err != core.ErrConflict {
		t.Errorf("expected total-budget rejection, got %v", err)
	}
}

func TestUseGrantCommandDangerousRepeatLimit(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	g := &core.GrantSession{
		GrantID: "grant-1", Source: "bot-A", AccountID: "111111111111",
		Status: core.SessionPending, Reason: "cleanup",
		TTLMinutes: 30, AllowRepeat: true, MaxExecutions: 50,
		CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute),
	}
	if err := s.PutGrant(ctx, g); err != nil {
		t.Fatalf("put: %v", err)
	}
	entry := "aws ec2 terminate-instances --instance-ids {any}"
	if err := s.ApproveGrant(ctx, "grant-1", "approver-1", []string{entry}, 30); err != nil {
		t.Fatalf("approve: %v", err)
	}

	for i := 0; i < DangerousRepeatLimit; i++ {
		if err := s.UseGrantCommand(ctx, "grant-1", entry, true, true); err != nil {
			t.Fatalf("use %d: %v", i, err)
		}
	}
	if err := s.UseGrantCommand(ctx, "grant-1", entry, true, true); err != core.ErrConflict {
		t.Errorf("expected dangerous-repeat cap, got %v", err)
	}
}

func TestUseGrantCommandRequiresApproved(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	putTestGrant(t, s, "grant-1", false)

	if err := s.UseGrantCommand(ctx, "grant-1", "aws s3 ls s3://x", false, false); err != core.ErrConflict {
		t.Errorf("pending grant must not be usable, got %v", err)
	}
}

func TestSetGrantStatus(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	putTestGrant(t, s, "grant-1", false)

	if err := s.SetGrantStatus(ctx, "grant-1", core.SessionPending, core.SessionDenied); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if err := s.SetGrantStatus(ctx, "grant-1", core.SessionPending, core.SessionDenied); err != core.ErrConflict {
		t.Errorf("expected conflict on double deny, got %v", err)
	}
}
