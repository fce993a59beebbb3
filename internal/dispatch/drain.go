package dispatch

import (
	"context"

	"github.com/qwer2003tw/bouncer/internal/command"
	"github.com/qwer2003tw/bouncer/internal/compliance"
	"github.com/qwer2003tw/bouncer/internal/core"
)

// Pending records examined per drain pass.
const drainBatchSize = 20

// Drain runs the one-shot pass after a trust session opens: pending requests
// matching the session's (trust_scope, account_id) are re-checked and
// executed under the trust budget, oldest first. Each record is individually
// atomic; any failed check leaves that record pending. Returns the number of
// requests executed.
func (d *Dispatcher) Drain(ctx context.Context, sess *core.TrustSession) int {
	pending, err := d.store.ListPendingForScope(ctx, sess.TrustScope, sess.AccountID, drainBatchSize)
	if err != nil {
		d.logger.Error().Err(err).Msg("listing pending for drain")
		return 0
	}

	drained := 0
	for _, rec := range pending {
		if rec.Kind != core.KindExecute {
			continue
		}
		if d.drainOne(ctx, rec, sess) {
			drained++
		}
	}
	return drained
}

func (d *Dispatcher) drainOne(ctx context.Context, rec *core.ApprovalRequest, sess *core.TrustSession) bool {
	// Compliance re-runs at drain time. A CRITICAL hit or a broken check
	// rejects the record; a HIGH hit keeps it pending for a human.
	comp := d.checker.CheckCommand(rec.Command)
	if comp.CheckError != nil || comp.Max() >= compliance.SeverityCritical {
		dt := core.DecisionCompliance
		reason := "compliance check failed"
		if comp.CheckError == nil {
			reason = comp.Findings[0].RuleID + ": " + comp.Findings[0].Reason
		}
		if err := d.store.Transition(ctx, rec.RequestID, core.StatusPending, core.RequestPatch{
			Status: core.StatusComplianceRejected, DecisionType: &dt, Result: &reason,
		}); err != nil {
			return false
		}
		d.auditDecision(rec, sess.ApprovedBy, "compliance rejected during drain")
		return false
	}
	if comp.Max() >= compliance.SeverityHigh {
		return false
	}

	argv, err := command.Split(rec.Command)
	if err != nil {
		return false
	}

	check := d.trust.CheckAndConsumeCommand(ctx, sess.TrustScope, sess.AccountID, rec.Command, argv)
	if !check.OK {
		return false
	}

	dt := core.DecisionTrustApprove
	approver := sess.ApprovedBy
	if err := d.store.Transition(ctx, rec.RequestID, core.StatusPending, core.RequestPatch{
		Status: core.StatusApproved, DecisionType: &dt, ApproverID: &approver,
	}); err != nil {
		// Another actor decided the record between listing and claim; the
		// consumed budget unit is forfeited rather than handed back.
		return false
	}
	rec.Status = core.StatusApproved
	rec.DecisionType = dt

	account := d.resolveAccount(ctx, rec.AccountID)
	res, execErr := d.executor.Execute(ctx, rec.Command, account)
	if execErr != nil {
		res = core.ExecResult{Output: "execution failed: " + execErr.Error(), ExitCode: -1}
	}
	d.recordResult(ctx, rec, res)
	d.editResult(ctx, rec, res, "🔓 *Auto\\-executed under trust*", "")
	d.auditDecision(rec, sess.ApprovedBy, "trust auto-approved during drain")
	return true
}
