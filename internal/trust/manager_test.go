package trust

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/qwer2003tw/bouncer/internal/command"
	"github.com/qwer2003tw/bouncer/internal/core"
	"github.com/qwer2003tw/bouncer/internal/db"
	"github.com/qwer2003tw/bouncer/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	d, err := db.OpenMetadataDB(t.TempDir())
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	st := store.New(d, nil)
	cls := command.NewClassifier(command.DefaultRules())
	m := NewManager(st, cls, Budgets{
		TTL: 10 * time.Minute, MaxCommands: 2, MaxUploads: 2,
		MaxBytes: 1000, PerUploadBytes: 600,
	}, []string{".exe"}, nil, zerolog.Nop())
	return m, st
}

func checkCmd(m *Manager, raw string) CheckResult {
	normalized := command.Normalize(raw)
	argv, _ := command.Split(normalized)
	return m.CheckAndConsumeCommand(context.Background(), "scope-1", "111111111111", normalized, argv)
}

func TestTrustApprovesWithinBudget(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Begin(ctx, "scope-1", "111111111111", "bot", "approver"); err != nil {
		t.Fatalf("begin: %v", err)
	}

	res := checkCmd(m, "aws ec2 start-instances --instance-ids i-1")
	if !res.OK {
		t.Fatalf("expected trust approval, got %q", res.Reason)
	}
	if res.Session.CommandsUsed != 1 {
		t.Errorf("expected counter 1, got %d", res.Session.CommandsUsed)
	}
}

func TestTrustBudgetBoundary(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Begin(ctx, "scope-1", "111111111111", "bot", "approver"); err != nil {
		t.Fatalf("begin: %v", err)
	}

	// MaxCommands is 2: the third check falls through to manual.
	for i := 0; i < 2; i++ {
		if res := checkCmd(m, "aws ec2 start-instances --instance-ids i-1"); !res.OK {
			t.Fatalf("check %d: %q", i, res.Reason)
		}
	}
	if res := checkCmd(m, "aws ec2 start-instances --instance-ids i-1"); res.OK {
		t.Error("budget-exhausted command must fall through to manual")
	}
}

func TestTrustExcludedNeverApproved(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Begin(ctx, "scope-1", "111111111111", "bot", "approver"); err != nil {
		t.Fatalf("begin: %v", err)
	}

	excluded := []string{
		"aws iam list-users",
		"aws lambda update-function-code --function-name f",
		"aws ec2 start-instances --instance-ids i-1 --force",
	}
	for _, cmd := range excluded {
		if res := checkCmd(m, cmd); res.OK {
			t.Errorf("%q must be excluded from trust", cmd)
		}
	}
}

func TestNoSessionFallsThrough(t *testing.T) {
	m, _ := newTestManager(t)
	if res := checkCmd(m, "aws ec2 start-instances --instance-ids i-1"); res.OK {
		t.Error("no session must fall through")
	}
}

func TestEmptyScopeFallsThrough(t *testing.T) {
	m, _ := newTestManager(t)
	res := m.CheckAndConsumeCommand(context.Background(), "", "111111111111", "aws s3 ls", []string{"aws", "s3", "ls"})
	if res.OK {
		t.Error("missing trust_scope must fall through")
	}
}

func TestRevokedSessionFallsThrough(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	sess, err := m.Begin(ctx, "scope-1", "111111111111", "bot", "approver")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := m.Revoke(ctx, sess.TrustID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if res := checkCmd(m, "aws ec2 start-instances --instance-ids i-1"); res.OK {
		t.Error("revoked session must fall through")
	}
}

func TestUploadFilenameHygiene(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Begin(ctx, "scope-1", "111111111111", "bot", "approver"); err != nil {
		t.Fatalf("begin: %v", err)
	}

	bad := []struct {
		name string
		size int64
	}{
		{"../etc/passwd", 10},
		{"dir/file.txt", 10},
		{"evil.exe", 10},
		{"big.txt", 601},
		{"", 10},
	}
	for _, c := range bad {
		res := m.CheckAndConsumeUpload(ctx, "scope-1", "111111111111", c.name, c.size)
		if res.OK {
			t.Errorf("upload %q (%d bytes) must not be trusted", c.name, c.size)
		}
	}

	res := m.CheckAndConsumeUpload(ctx, "scope-1", "111111111111", "report.html", 500)
	if !res.OK {
		t.Errorf("clean upload should be trusted, got %q", res.Reason)
	}
}

func TestStatusMarksExpired(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	if _, err := st.BeginTrust(ctx, "scope-1", "111111111111", "bot", "approver", store.TrustBudgets{
		TTL: -time.Minute, CommandsMax: 2,
	}); err != nil {
		t.Fatalf("begin: %v", err)
	}

	sess, err := m.Status(ctx, "scope-1", "111111111111")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if sess.Status != core.SessionExpired {
		t.Errorf("expected expired status, got %s", sess.Status)
	}
}
