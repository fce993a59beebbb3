package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/qwer2003tw/bouncer/internal/audit"
	"github.com/qwer2003tw/bouncer/internal/command"
	"github.com/qwer2003tw/bouncer/internal/compliance"
	"github.com/qwer2003tw/bouncer/internal/core"
	"github.com/qwer2003tw/bouncer/internal/db"
	"github.com/qwer2003tw/bouncer/internal/grant"
	"github.com/qwer2003tw/bouncer/internal/paging"
	"github.com/qwer2003tw/bouncer/internal/risk"
	"github.com/qwer2003tw/bouncer/internal/store"
	"github.com/qwer2003tw/bouncer/internal/trust"
)

type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
	exitCode int
}

func (f *fakeExecutor) Execute(ctx context.Context, cmd string, account core.Account) (core.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, cmd)
	return core.ExecResult{Output: "done", ExitCode: f.exitCode, Duration: time.Millisecond}, nil
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

type fakeNotifier struct {
	mu      sync.Mutex
	edits   map[int][]string
	answers []string
	silent  []string
}

func newFakeNotifier() *fakeNotifier { return &fakeNotifier{edits: map[int][]string{}} }

func (f *fakeNotifier) SendApproval(ctx context.Context, msg core.ApprovalMessage) (int, error) {
	return 1, nil
}

func (f *fakeNotifier) EditMessage(ctx context.Context, messageID int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[messageID] = append(f.edits[messageID], text)
	return nil
}

func (f *fakeNotifier) AnswerCallback(ctx context.Context, callbackID, toast string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, toast)
	return nil
}

func (f *fakeNotifier) SendSilent(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent = append(f.silent, text)
	return nil
}

func (f *fakeNotifier) lastAnswer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		return ""
	}
	return f.answers[len(f.answers)-1]
}

func (f *fakeNotifier) editCount(messageID int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edits[messageID])
}

type fixture struct {
	dispatcher *Dispatcher
	store      *store.Store
	executor   *fakeExecutor
	notifier   *fakeNotifier
	trust      *trust.Manager
	grants     *grant.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	metaDB, err := db.OpenMetadataDB(dir)
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	auditDB, err := db.OpenAuditDB(dir)
	if err != nil {
		t.Fatalf("opening audit db: %v", err)
	}
	t.Cleanup(func() { metaDB.Close(); auditDB.Close() })

	st := store.New(metaDB, nil)
	auditLog, err := audit.NewLogger(auditDB)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}

	cls := command.NewClassifier(command.DefaultRules())
	checker, err := compliance.NewChecker(compliance.DefaultRules(nil), nil)
	if err != nil {
		t.Fatalf("checker: %v", err)
	}
	scorer, err := risk.NewScorer(risk.DefaultRules())
	if err != nil {
		t.Fatalf("scorer: %v", err)
	}

	trustMgr := trust.NewManager(st, cls, trust.Budgets{
		TTL: 10 * time.Minute, MaxCommands: 20, MaxUploads: 5,
		MaxBytes: 20 << 20, PerUploadBytes: 5 << 20,
	}, nil, nil, zerolog.Nop())
	grantMgr := grant.NewManager(st, cls, checker, scorer, grant.Limits{
		MaxTTLMinutes: 60, MaxCommands: 20, MaxExecutions: 50,
	}, nil, zerolog.Nop())

	exec := &fakeExecutor{}
	notifier := newFakeNotifier()
	pager := paging.New(st, 3500, 3500, nil)

	d := New(Options{
		Store: st, Notifier: notifier, Executor: exec,
		Trust: trustMgr, Grants: grantMgr, Checker: checker,
		Pager: pager, Audit: auditLog, Logger: zerolog.Nop(),
		ApproverWhitelist: []string{"42"},
	})
	return &fixture{dispatcher: d, store: st, executor: exec, notifier: notifier, trust: trustMgr, grants: grantMgr}
}

func pendingRequest(t *testing.T, f *fixture, id, cmd string) *core.ApprovalRequest {
	t.Helper()
	now := time.Now().UTC()
	rec := &core.ApprovalRequest{
		RequestID:      id,
		Kind:           core.KindExecute,
		Status:         core.StatusPending,
		DisplaySummary: cmd,
		Source:         "bot-A",
		TrustScope:     "bot-A",
		AccountID:      "111111111111",
		Reason:         "testing",
		Command:        cmd,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(5 * time.Minute),
		MessageID:      7,
	}
	if err := f.store.Put(context.Background(), rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	return rec
}

func event(token string) Event {
	return Event{Token: token, CallbackID: "cb-1", ApproverID: "42", MessageID: 7}
}

func TestApproveExecutesAndEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pendingRequest(t, f, "r1", "aws ec2 start-instances --instance-ids i-1")

	if err := f.dispatcher.Dispatch(ctx, event("cmd_approve:r1")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if f.executor.count() != 1 {
		t.Fatalf("expected one execution, got %d", f.executor.count())
	}
	rec, _ := f.store.Get(ctx, "r1")
	if rec.Status != core.StatusExecutedOK {
		t.Errorf("expected executed_ok, got %s", rec.Status)
	}
	if rec.ApproverID != "42" {
		t.Errorf("approver must be recorded, got %q", rec.ApproverID)
	}
	if f.notifier.editCount(7) != 1 {
		t.Errorf("expected exactly one message edit, got %d", f.notifier.editCount(7))
	}
	if f.notifier.lastAnswer() != "approved" {
		t.Errorf("expected approved toast, got %q", f.notifier.lastAnswer())
	}
}

func TestReplayApproveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pendingRequest(t, f, "r1", "aws ec2 start-instances --instance-ids i-1")

	f.dispatcher.Dispatch(ctx, event("cmd_approve:r1"))
	before, _ := f.store.Get(ctx, "r1")
	edits := f.notifier.editCount(7)

	// Scenario F: the replay answers with a toast, changes nothing, and
	// leaves the original message intact.
	f.dispatcher.Dispatch(ctx, event("cmd_approve:r1"))

	after, _ := f.store.Get(ctx, "r1")
	if after.Status != before.Status || after.Result != before.Result {
		t.Error("replay must not mutate the record")
	}
	if f.executor.count() != 1 {
		t.Errorf("replay must not re-execute, got %d executions", f.executor.count())
	}
	if f.notifier.editCount(7) != edits {
		t.Error("replay must not edit the message again")
	}
	if f.notifier.lastAnswer() != "already handled" {
		t.Errorf("expected already-handled toast, got %q", f.notifier.lastAnswer())
	}
}

func TestDenyThenApproveKeepsDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pendingRequest(t, f, "r1", "aws ec2 start-instances --instance-ids i-1")

	f.dispatcher.Dispatch(ctx, event("cmd_deny:r1"))
	f.dispatcher.Dispatch(ctx, event("cmd_approve:r1"))

	rec, _ := f.store.Get(ctx, "r1")
	if rec.Status != core.StatusDenied {
		t.Errorf("record must stay denied, got %s", rec.Status)
	}
	if f.executor.count() != 0 {
		t.Error("denied command must never execute")
	}
	if f.notifier.lastAnswer() != "already handled" {
		t.Errorf("expected already-handled toast, got %q", f.notifier.lastAnswer())
	}
}

func TestUnauthorizedApproverNoStateChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pendingRequest(t, f, "r1", "aws ec2 start-instances --instance-ids i-1")

	ev := event("cmd_approve:r1")
	ev.ApproverID = "999"
	f.dispatcher.Dispatch(ctx, ev)

	rec, _ := f.store.Get(ctx, "r1")
	if rec.Status != core.StatusPending {
		t.Errorf("unauthorized callback must not change state, got %s", rec.Status)
	}
	if f.notifier.lastAnswer() != "not authorized" {
		t.Errorf("expected not-authorized toast, got %q", f.notifier.lastAnswer())
	}
	if f.executor.count() != 0 {
		t.Error("unauthorized callback must not execute")
	}
}

func TestExpiredRequestTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := time.Now().UTC()
	rec := &core.ApprovalRequest{
		RequestID: "r1", Kind: core.KindExecute, Status: core.StatusPending,
		DisplaySummary: "x", Source: "bot-A", AccountID: "111111111111",
		Command: "aws ec2 start-instances --instance-ids i-1",
		CreatedAt: now.Add(-10 * time.Minute), UpdatedAt: now.Add(-10 * time.Minute),
		ExpiresAt: now.Add(-5 * time.Minute), MessageID: 7,
	}
	if err := f.store.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	f.dispatcher.Dispatch(ctx, event("cmd_approve:r1"))

	got, _ := f.store.Get(ctx, "r1")
	if got.Status != core.StatusExpired {
		t.Errorf("expected expired, got %s", got.Status)
	}
	if f.executor.count() != 0 {
		t.Error("expired request must not execute")
	}
	if f.notifier.lastAnswer() != "request expired" {
		t.Errorf("expected expiry toast, got %q", f.notifier.lastAnswer())
	}
}

func TestApproveWithTrustDrainsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Scenario B: two pending commands in the same scope; approving the
	// first with trust drains the second.
	pendingRequest(t, f, "r1", "aws ec2 start-instances --instance-ids i-1")
	pendingRequest(t, f, "r2", "aws ec2 start-instances --instance-ids i-2")

	if err := f.dispatcher.Dispatch(ctx, event("cmd_approve_trust:r1")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if f.executor.count() != 2 {
		t.Fatalf("expected both commands executed, got %d", f.executor.count())
	}

	r1, _ := f.store.Get(ctx, "r1")
	r2, _ := f.store.Get(ctx, "r2")
	if r1.Status != core.StatusExecutedOK {
		t.Errorf("r1: expected executed_ok, got %s", r1.Status)
	}
	if r2.Status != core.StatusExecutedOK {
		t.Errorf("r2: expected executed_ok after drain, got %s", r2.Status)
	}
	if r2.DecisionType != core.DecisionTrustApprove {
		t.Errorf("r2 must record the trust decision, got %s", r2.DecisionType)
	}

	sess, err := f.trust.Status(ctx, "bot-A", "111111111111")
	if err != nil {
		t.Fatalf("trust status: %v", err)
	}
	if sess.CommandsUsed != 1 {
		t.Errorf("drain must consume one budget unit, got %d", sess.CommandsUsed)
	}
}

func TestDrainSkipsExcludedAndForeignScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pendingRequest(t, f, "r1", "aws ec2 start-instances --instance-ids i-1")
	// Dangerous classifications are excluded from trust and must stay
	// pending: a terminate-* verb, a bare force-* verb, and a bucket removal.
	pendingRequest(t, f, "r2", "aws ec2 terminate-instances --instance-ids i-2")
	pendingRequest(t, f, "r3", "aws ec2 force-detach-volume --volume-id v-1")
	pendingRequest(t, f, "r4", "aws s3 rb s3://bucket")

	f.dispatcher.Dispatch(ctx, event("cmd_approve_trust:r1"))

	for _, id := range []string{"r2", "r3", "r4"} {
		rec, _ := f.store.Get(ctx, id)
		if rec.Status != core.StatusPending {
			t.Errorf("%s: dangerous pending request must survive drain, got %s", id, rec.Status)
		}
	}
	if f.executor.count() != 1 {
		t.Errorf("only the approved command may execute, got %d", f.executor.count())
	}
}

func TestGrantApproveFlowViaCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.grants.Request(ctx, []string{"aws s3 ls s3://x", "aws ec2 describe-instances"},
		"maintenance", "bot-A", "111111111111", 30, true)
	if err != nil {
		t.Fatalf("request grant: %v", err)
	}

	if err := f.dispatcher.Dispatch(ctx, event("grant_approve_all:"+g.GrantID)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, err := f.grants.Get(ctx, g.GrantID, "bot-A")
	if err != nil {
		t.Fatalf("get grant: %v", err)
	}
	if got.Status != core.SessionApproved {
		t.Errorf("expected approved grant, got %s", got.Status)
	}
	if len(got.GrantedCommands) != 2 {
		t.Errorf("expected 2 granted entries, got %d", len(got.GrantedCommands))
	}

	// The replay observes the pending-exit.
	f.dispatcher.Dispatch(ctx, event("grant_approve_all:"+g.GrantID))
	if f.notifier.lastAnswer() != "already handled" {
		t.Errorf("expected already-handled toast, got %q", f.notifier.lastAnswer())
	}
}

func TestEveryDispatchAnswersOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pendingRequest(t, f, "r1", "aws ec2 start-instances --instance-ids i-1")

	tokens := []string{
		"cmd_approve:r1",
		"cmd_approve:r1",
		"cmd_deny:missing",
		"bogus-token",
		"trust_revoke:nope",
	}
	for _, tok := range tokens {
		f.dispatcher.Dispatch(ctx, event(tok))
	}
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.answers) != len(tokens) {
		t.Errorf("expected %d answers, got %d", len(tokens), len(f.notifier.answers))
	}
}
