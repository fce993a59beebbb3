package grant

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/qwer2003tw/bouncer/internal/command"
	"github.com/qwer2003tw/bouncer/internal/compliance"
	"github.com/qwer2003tw/bouncer/internal/core"
	"github.com/qwer2003tw/bouncer/internal/db"
	"github.com/qwer2003tw/bouncer/internal/risk"
	"github.com/qwer2003tw/bouncer/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	d, err := db.OpenMetadataDB(t.TempDir())
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	st := store.New(d, nil)
	cls := command.NewClassifier(command.DefaultRules())
	checker, err := compliance.NewChecker(compliance.DefaultRules(nil), nil)
	if err != nil {
		t.Fatalf("checker: %v", err)
	}
	scorer, err := risk.NewScorer(risk.DefaultRules())
	if err != nil {
		t.Fatalf("scorer: %v", err)
	}
	return NewManager(st, cls, checker, scorer, Limits{
		MaxTTLMinutes: 60, MaxCommands: 20, MaxExecutions: 50,
	}, nil, zerolog.Nop())
}

func TestRequestRejectsBlockedCommand(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Request(context.Background(), []string{
		"aws s3 ls s3://x",
		"aws ec2 describe-instances",
		"aws iam delete-user --user-name y",
	}, "cleanup", "bot-A", "111111111111", 30, false)
	if !errors.Is(err, core.ErrBlocked) {
		t.Errorf("grant containing a blocked command must be rejected, got %v", err)
	}
}

func TestRequestClassifiesDangerousAsIndividual(t *testing.T) {
	m := newTestManager(t)
	g, err := m.Request(context.Background(), []string{
		"aws s3 ls s3://x",
		"aws ec2 terminate-instances --instance-ids i-1",
	}, "cleanup", "bot-A", "111111111111", 30, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	categories := map[string]core.GrantCommandCategory{}
	for _, d := range g.CommandsDetail {
		categories[d.Normalized] = d.Category
	}
	if categories["aws s3 ls s3://x"] != core.GrantGrantable {
		t.Errorf("read command should be grantable, got %s", categories["aws s3 ls s3://x"])
	}
	if categories["aws ec2 terminate-instances --instance-ids i-1"] != core.GrantRequiresIndividual {
		t.Errorf("dangerous command should require individual approval")
	}
}

func TestRequestTTLClamped(t *testing.T) {
	m := newTestManager(t)
	g, err := m.Request(context.Background(), []string{"aws s3 ls s3://x"},
		"cleanup", "bot-A", "111111111111", 240, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if g.TTLMinutes != 60 {
		t.Errorf("ttl must clamp to 60, got %d", g.TTLMinutes)
	}
}

func TestRequestTooManyCommands(t *testing.T) {
	m := newTestManager(t)
	commands := make([]string, 21)
	for i := range commands {
		commands[i] = "aws s3 ls s3://x"
	}
	if _, err := m.Request(context.Background(), commands, "r", "bot-A", "111111111111", 30, false); err == nil {
		t.Error("expected rejection of oversized command list")
	}
}

func TestRequestRejectsBadPattern(t *testing.T) {
	m := newTestManager(t)
	pattern := "aws s3 ls s3://" + strings.Repeat("a", 250) + "/*"
	if _, err := m.Request(context.Background(), []string{pattern}, "r", "bot-A", "111111111111", 30, false); err == nil {
		t.Error("expected rejection of overlong pattern entry")
	}
}

func TestApproveSafeOnlyExcludesIndividual(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	g, err := m.Request(ctx, []string{
		"aws s3 ls s3://x",
		"aws ec2 terminate-instances --instance-ids i-1",
	}, "cleanup", "bot-A", "111111111111", 30, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	approved, err := m.Approve(ctx, g.GrantID, "approver", ApproveSafeOnly)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if len(approved.GrantedCommands) != 1 || approved.GrantedCommands[0] != "aws s3 ls s3://x" {
		t.Errorf("safe-only approval must exclude individual entries: %v", approved.GrantedCommands)
	}
}

func TestAuthorizeExactAndNotInGrant(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	g, err := m.Request(ctx, []string{"aws s3 ls s3://x", "aws ec2 describe-instances"},
		"cleanup", "bot-A", "111111111111", 30, true)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	approved, err := m.Approve(ctx, g.GrantID, "approver", ApproveAll)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	entry, err := m.Authorize(ctx, approved, command.Normalize("aws s3 ls s3://x"))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if entry != "aws s3 ls s3://x" {
		t.Errorf("unexpected matched entry %q", entry)
	}

	if _, err := m.Authorize(ctx, approved, command.Normalize("aws s3 cp a s3://y")); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("command outside grant must be not-in-grant, got %v", err)
	}
}

func TestAuthorizePatternEntry(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	g, err := m.Request(ctx, []string{"aws s3 cp s3://b/{date}/*.html s3://c/"},
		"publish", "bot-A", "111111111111", 30, true)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	approved, err := m.Approve(ctx, g.GrantID, "approver", ApproveAll)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	cmd := command.Normalize("aws s3 cp s3://b/2026-08-06/index.html s3://c/")
	if _, err := m.Authorize(ctx, approved, cmd); err != nil {
		t.Errorf("pattern entry should authorize matching command: %v", err)
	}
}

func TestGetVerifiesSource(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	g, err := m.Request(ctx, []string{"aws s3 ls s3://x"}, "r", "bot-A", "111111111111", 30, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := m.Get(ctx, g.GrantID, "bot-B"); err != core.ErrNotFound {
		t.Errorf("foreign source must read as not-found, got %v", err)
	}
}

func TestExpiredGrantRejectsAuthorize(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	g, err := m.Request(ctx, []string{"aws s3 ls s3://x"}, "r", "bot-A", "111111111111", 30, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	approved, err := m.Approve(ctx, g.GrantID, "approver", ApproveAll)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	approved.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if _, err := m.Authorize(ctx, approved, "aws s3 ls s3://x"); !errors.Is(err, core.ErrConflict) {
		t.Errorf("expired grant must reject, got %v", err)
	}
}
