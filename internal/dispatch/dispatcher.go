// Package dispatch interprets approver callbacks, applies request
// transitions, and invokes the executor on behalf of the approver. It is the
// only parser of callback tokens and the only mutator of approval records.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/qwer2003tw/bouncer/internal/audit"
	"github.com/qwer2003tw/bouncer/internal/compliance"
	"github.com/qwer2003tw/bouncer/internal/core"
	"github.com/qwer2003tw/bouncer/internal/grant"
	"github.com/qwer2003tw/bouncer/internal/notify"
	"github.com/qwer2003tw/bouncer/internal/paging"
	"github.com/qwer2003tw/bouncer/internal/store"
	"github.com/qwer2003tw/bouncer/internal/trust"
)

// DeployStarter starts a build-and-deploy workflow for a project.
type DeployStarter interface {
	Start(ctx context.Context, projectID string) (deployID string, err error)
}

// Event is a parsed-enough callback from the notifier: the opaque token plus
// the transport identifiers needed to answer it.
type Event struct {
	Token      string // "<kind>:<target id>"
	CallbackID string
	ApproverID string
	MessageID  int
}

// Dispatcher applies approver decisions.
type Dispatcher struct {
	store    *store.Store
	notifier core.Notifier
	executor core.Executor
	trust    *trust.Manager
	grants   *grant.Manager
	checker  *compliance.Checker
	pager    *paging.Pager
	audit    *audit.Logger
	deployer DeployStarter
	clock    core.Clock
	logger   zerolog.Logger

	approvers           map[string]bool
	resultTruncateChars int
}

// Options carries dispatcher construction parameters.
type Options struct {
	Store    *store.Store
	Notifier core.Notifier
	Executor core.Executor
	Trust    *trust.Manager
	Grants   *grant.Manager
	Checker  *compliance.Checker
	Pager    *paging.Pager
	Audit    *audit.Logger
	Deployer DeployStarter
	Clock    core.Clock
	Logger   zerolog.Logger

	ApproverWhitelist   []string
	ResultTruncateChars int
}

// New wires a dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = core.RealClock{}
	}
	if opts.ResultTruncateChars <= 0 {
		opts.ResultTruncateChars = 1000
	}
	approvers := make(map[string]bool, len(opts.ApproverWhitelist))
	for _, a := range opts.ApproverWhitelist {
		approvers[a] = true
	}
	return &Dispatcher{
		store:               opts.Store,
		notifier:            opts.Notifier,
		executor:            opts.Executor,
		trust:               opts.Trust,
		grants:              opts.Grants,
		checker:             opts.Checker,
		pager:               opts.Pager,
		audit:               opts.Audit,
		deployer:            opts.Deployer,
		clock:               opts.Clock,
		logger:              opts.Logger,
		approvers:           approvers,
		resultTruncateChars: opts.ResultTruncateChars,
	}
}

// Dispatch routes one callback event. Every path answers the callback exactly
// once; the toast produced by the handler is delivered here.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	toast, err := d.handle(ctx, ev)
	if err != nil {
		d.logger.Error().Err(err).Str("token", ev.Token).Msg("callback handling failed")
		if toast == "" {
			toast = "internal error"
		}
	}
	if answerErr := d.notifier.AnswerCallback(ctx, ev.CallbackID, toast); answerErr != nil {
		d.logger.Error().Err(answerErr).Msg("answering callback")
	}
	return err
}

func (d *Dispatcher) handle(ctx context.Context, ev Event) (string, error) {
	kind, target, ok := parseToken(ev.Token)
	if !ok {
		return "malformed callback", fmt.Errorf("malformed callback token %q", ev.Token)
	}

	if !d.approvers[ev.ApproverID] {
		d.logger.Warn().Str("approver", ev.ApproverID).Msg("callback from unlisted identity")
		return "not authorized", nil
	}

	switch kind {
	case core.CBCmdApprove, core.CBDangerousConfirm:
		return d.approveCommand(ctx, target, ev, false)
	case core.CBCmdApproveTrust:
		return d.approveCommand(ctx, target, ev, true)
	case core.CBCmdDeny, core.CBUploadDeny, core.CBBatchDeny, core.CBDeployDeny,
		core.CBAccountAddDeny, core.CBAccountRemDeny:
		return d.denyRequest(ctx, target, ev)
	case core.CBUploadApprove, core.CBBatchApprove:
		return d.approveUpload(ctx, target, ev, false)
	case core.CBUploadApproveTrust, core.CBBatchApproveTrust:
		return d.approveUpload(ctx, target, ev, true)
	case core.CBAccountAddApprove:
		return d.approveAccountChange(ctx, target, ev, true)
	case core.CBAccountRemApprove:
		return d.approveAccountChange(ctx, target, ev, false)
	case core.CBDeployApprove:
		return d.approveDeploy(ctx, target, ev)
	case core.CBGrantApproveAll:
		return d.decideGrant(ctx, target, ev, grant.ApproveAll)
	case core.CBGrantApproveSafe:
		return d.decideGrant(ctx, target, ev, grant.ApproveSafeOnly)
	case core.CBGrantDeny:
		return d.denyGrant(ctx, target, ev)
	case core.CBGrantRevoke:
		if err := d.grants.Revoke(ctx, target); err != nil {
			return "already handled", nil
		}
		return "grant revoked", nil
	case core.CBTrustRevoke:
		if err := d.trust.Revoke(ctx, target); err != nil {
			return "already handled", nil
		}
		return "trust revoked", nil
	}
	return "unknown action", fmt.Errorf("unknown callback kind %q", kind)
}

// claimPending fetches the record and performs the pending-exit transition.
// The outcomes: claimed (record returned), not found or already handled (nil
// record with a toast), or expired (handled internally).
func (d *Dispatcher) claimPending(ctx context.Context, requestID string, ev Event, target core.RequestStatus) (*core.ApprovalRequest, string, error) {
	rec, err := d.store.Get(ctx, requestID)
	if err == core.ErrNotFound {
		return nil, "request not found", nil
	}
	if err != nil {
		return nil, "store unavailable", err
	}

	// A record that already left pending keeps its original message intact;
	// the approver only gets a toast.
	if rec.Status != core.StatusPending {
		return nil, "already handled", nil
	}

	now := d.clock.Now()
	if now.After(rec.ExpiresAt) {
		approver := ev.ApproverID
		dt := core.DecisionManual
		err := d.store.Transition(ctx, requestID, core.StatusPending, core.RequestPatch{
			Status: core.StatusExpired, ApproverID: &approver, DecisionType: &dt,
		})
		if err == nil && rec.MessageID != 0 {
			text := notify.BuildResult(rec, "⌛ *Expired before decision*", "", "")
			d.editOnce(ctx, rec.MessageID, text)
		}
		return nil, "request expired", nil
	}

	approver := ev.ApproverID
	latency := now.Sub(rec.CreatedAt).Milliseconds()
	err = d.store.Transition(ctx, requestID, core.StatusPending, core.RequestPatch{
		Status: target, ApproverID: &approver, LatencyMS: &latency,
	})
	if err == core.ErrConflict {
		return nil, "already handled", nil
	}
	if err != nil {
		return nil, "store unavailable", err
	}
	rec.Status = target
	rec.ApproverID = approver
	return rec, "", nil
}

func (d *Dispatcher) approveCommand(ctx context.Context, requestID string, ev Event, withTrust bool) (string, error) {
	rec, toast, err := d.claimPending(ctx, requestID, ev, core.StatusApproved)
	if rec == nil {
		return toast, err
	}

	account := d.resolveAccount(ctx, rec.AccountID)
	res, execErr := d.executor.Execute(ctx, rec.Command, account)
	if execErr != nil {
		res = core.ExecResult{Output: "execution failed: " + execErr.Error(), ExitCode: -1}
	}
	d.recordResult(ctx, rec, res)

	extra := ""
	if withTrust {
		sess, trustErr := d.trust.Begin(ctx, rec.TrustScope, rec.AccountID, rec.Source, ev.ApproverID)
		if trustErr != nil {
			d.logger.Error().Err(trustErr).Msg("beginning trust session")
			extra = "⚠️ trust session could not be started"
		} else {
			extra = "🔓 *Trust session active:* " + "`" + sess.TrustID + "`"
			drained := d.Drain(ctx, sess)
			if drained > 0 {
				extra += fmt.Sprintf("\n▶️ %d pending requests drained", drained)
			}
		}
	}

	d.editResult(ctx, rec, res, "✅ *Approved and executed*", extra)
	d.auditDecision(rec, ev.ApproverID, "approved")

	if withTrust {
		return "approved, trust active", nil
	}
	return "approved", nil
}

func (d *Dispatcher) denyRequest(ctx context.Context, requestID string, ev Event) (string, error) {
	rec, toast, err := d.claimPending(ctx, requestID, ev, core.StatusDenied)
	if rec == nil {
		return toast, err
	}
	if rec.MessageID != 0 {
		text := notify.BuildResult(rec, "❌ *Denied*", "", "")
		d.editOnce(ctx, rec.MessageID, text)
	}
	d.auditDecision(rec, ev.ApproverID, "denied")
	return "denied", nil
}

func (d *Dispatcher) approveUpload(ctx context.Context, requestID string, ev Event, withTrust bool) (string, error) {
	rec, toast, err := d.claimPending(ctx, requestID, ev, core.StatusApproved)
	if rec == nil {
		return toast, err
	}

	result := fmt.Sprintf("upload of %d file(s) authorized", len(rec.Files))
	d.recordResult(ctx, rec, core.ExecResult{Output: result, ExitCode: 0})

	extra := ""
	if withTrust {
		if sess, trustErr := d.trust.Begin(ctx, rec.TrustScope, rec.AccountID, rec.Source, ev.ApproverID); trustErr == nil {
			extra = "🔓 *Trust session active:* " + "`" + sess.TrustID + "`"
		}
	}
	d.editResult(ctx, rec, core.ExecResult{Output: result}, "✅ *Upload approved*", extra)
	d.auditDecision(rec, ev.ApproverID, "approved")
	return "approved", nil
}

func (d *Dispatcher) approveAccountChange(ctx context.Context, requestID string, ev Event, add bool) (string, error) {
	rec, toast, err := d.claimPending(ctx, requestID, ev, core.StatusApproved)
	if rec == nil {
		return toast, err
	}
	if rec.AccountSpec == nil {
		d.recordResult(ctx, rec, core.ExecResult{Output: "record carries no account spec", ExitCode: -1})
		return "malformed record", nil
	}

	var opErr error
	var result string
	if add {
		opErr = d.store.PutAccount(ctx, *rec.AccountSpec)
		result = "account " + rec.AccountSpec.AccountID + " registered"
	} else {
		opErr = d.store.DeleteAccount(ctx, rec.AccountSpec.AccountID)
		result = "account " + rec.AccountSpec.AccountID + " removed"
	}
	res := core.ExecResult{Output: result, ExitCode: 0}
	if opErr != nil {
		res = core.ExecResult{Output: "account change failed: " + opErr.Error(), ExitCode: -1}
	}
	d.recordResult(ctx, rec, res)
	d.editResult(ctx, rec, res, "✅ *Account change applied*", "")
	d.auditDecision(rec, ev.ApproverID, "approved")
	return "approved", nil
}

func (d *Dispatcher) approveDeploy(ctx context.Context, requestID string, ev Event) (string, error) {
	rec, toast, err := d.claimPending(ctx, requestID, ev, core.StatusApproved)
	if rec == nil {
		return toast, err
	}
	if d.deployer == nil {
		d.recordResult(ctx, rec, core.ExecResult{Output: "deployer disabled", ExitCode: -1})
		return "deployer disabled", nil
	}

	deployID, depErr := d.deployer.Start(ctx, rec.ProjectID)
	res := core.ExecResult{Output: "deploy started: " + deployID, ExitCode: 0}
	if depErr != nil {
		res = core.ExecResult{Output: "deploy failed to start: " + depErr.Error(), ExitCode: -1}
	}
	d.recordResult(ctx, rec, res)
	d.editResult(ctx, rec, res, "🚀 *Deploy approved*", "")
	d.auditDecision(rec, ev.ApproverID, "approved")
	return "deploy approved", nil
}

func (d *Dispatcher) decideGrant(ctx context.Context, grantID string, ev Event, mode grant.ApproveMode) (string, error) {
	g, err := d.grants.Approve(ctx, grantID, ev.ApproverID, mode)
	if err == core.ErrConflict {
		return "already handled", nil
	}
	if err != nil {
		return "store unavailable", err
	}
	return fmt.Sprintf("grant approved (%d commands)", len(g.GrantedCommands)), nil
}

func (d *Dispatcher) denyGrant(ctx context.Context, grantID string, ev Event) (string, error) {
	if err := d.grants.Deny(ctx, grantID); err != nil {
		return "already handled", nil
	}
	return "grant denied", nil
}

// recordResult writes the execution outcome onto a just-approved record.
func (d *Dispatcher) recordResult(ctx context.Context, rec *core.ApprovalRequest, res core.ExecResult) {
	stored := res.Output
	if d.pager != nil {
		if paged, err := d.pager.Store(ctx, rec.RequestID, res.Output); err == nil {
			stored = paged.Result
		}
	}
	if len(stored) > d.resultTruncateChars {
		stored = stored[:d.resultTruncateChars]
	}

	exitCode := res.ExitCode
	execMS := res.Duration.Milliseconds()
	status := core.StatusExecutedOK
	if exitCode != 0 {
		status = core.StatusExecutedError
	}
	err := d.store.Transition(ctx, rec.RequestID, rec.Status, core.RequestPatch{
		Status: status, Result: &stored, ExitCode: &exitCode, ExecutionTime: &execMS,
	})
	if err != nil {
		d.logger.Error().Err(err).Str("request_id", rec.RequestID).Msg("recording execution result")
		return
	}
	rec.Status = status
	rec.Result = stored
}

// editResult rewrites the approval message with the outcome, paging long
// output and pushing remaining pages silently.
func (d *Dispatcher) editResult(ctx context.Context, rec *core.ApprovalRequest, res core.ExecResult, outcome, extra string) {
	if rec.MessageID == 0 {
		return
	}
	preview := res.Output
	if len(preview) > d.resultTruncateChars {
		preview = preview[:d.resultTruncateChars] + "\n… (paged)"
	}
	text := notify.BuildResult(rec, outcome, preview, extra)
	d.editOnce(ctx, rec.MessageID, text)

	if d.pager != nil {
		d.sendRemainingPages(ctx, rec.RequestID)
	}
}

// editOnce performs the single permitted edit of a pending-termination
// message. Later callbacks never reach here for the same record.
func (d *Dispatcher) editOnce(ctx context.Context, messageID int, text string) {
	if err := d.notifier.EditMessage(ctx, messageID, text); err != nil {
		d.logger.Error().Err(err).Int("message_id", messageID).Msg("editing approval message")
	}
}

// sendRemainingPages pushes pages 2..n as silent messages, bounded.
func (d *Dispatcher) sendRemainingPages(ctx context.Context, requestID string) {
	const maxPushedPages = 5
	for k := 2; k <= maxPushedPages+1; k++ {
		page, err := d.pager.Get(ctx, paging.PageID(requestID, k))
		if err != nil {
			return
		}
		text := fmt.Sprintf("📄 *Page %d/%d*\n```\n%s\n```", page.Page, page.TotalPages, strings.ReplaceAll(page.Result, "`", "'"))
		if err := d.notifier.SendSilent(ctx, text); err != nil {
			d.logger.Error().Err(err).Msg("sending result page")
			return
		}
		if page.NextPage == "" {
			return
		}
	}
}

func (d *Dispatcher) resolveAccount(ctx context.Context, accountID string) core.Account {
	if acct, err := d.store.GetAccount(ctx, accountID); err == nil {
		return *acct
	}
	return core.Account{AccountID: accountID, Name: "Default"}
}

func (d *Dispatcher) auditDecision(rec *core.ApprovalRequest, approver, action string) {
	entry := core.AuditEntry{
		RequestID:    rec.RequestID,
		Kind:         rec.Kind,
		DecisionType: core.DecisionManual,
		Source:       rec.Source,
		TrustScope:   rec.TrustScope,
		AccountID:    rec.AccountID,
		Score:        rec.RiskScore,
		Reasons:      []string{action + " by " + approver},
		LatencyMS:    rec.LatencyMS,
		At:           d.clock.Now(),
	}
	if err := d.audit.Record(entry); err != nil {
		d.logger.Error().Err(err).Msg("writing audit record")
	}
}

// parseToken splits "<kind>:<target id>".
func parseToken(token string) (core.CallbackKind, string, bool) {
	i := strings.LastIndex(token, ":")
	if i <= 0 || i == len(token)-1 {
		return "", "", false
	}
	return core.CallbackKind(token[:i]), token[i+1:], true
}

// ExpireIfPast transitions a pending record whose deadline passed; used by
// status reads. Losing the race to an approver callback is fine; the
// conditional update makes it a no-op.
func (d *Dispatcher) ExpireIfPast(ctx context.Context, rec *core.ApprovalRequest) {
	if rec.Status != core.StatusPending || !d.clock.Now().After(rec.ExpiresAt) {
		return
	}
	dt := core.DecisionManual
	if err := d.store.Transition(ctx, rec.RequestID, core.StatusPending, core.RequestPatch{
		Status: core.StatusExpired, DecisionType: &dt,
	}); err == nil {
		rec.Status = core.StatusExpired
	}
}
