package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/qwer2003tw/bouncer/internal/core"
	"github.com/qwer2003tw/bouncer/internal/notify"
)

// AdmitUpload runs the admission stages that apply to uploads: rate limit,
// trust budget, then human review. Upload payloads are not classified or
// risk-scored; their gate is the trust budget and the approver.
func (p *Pipeline) AdmitUpload(ctx context.Context, req Request) (Decision, error) {
	start := p.clock.Now()
	if req.AccountID == "" {
		req.AccountID = p.defaultAccountID
	}
	if len(req.Files) == 0 {
		return Decision{}, fmt.Errorf("no files supplied: %w", core.ErrParse)
	}

	if req.IdempotencyKey != "" {
		if prior, err := p.store.GetByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
			return p.projectDecision(prior), nil
		}
	}

	summary := uploadSummary(req.Files)

	allowed, rlErr := p.limiter.Allow(ctx, req.Source)
	if rlErr != nil || !allowed {
		return p.finishRateLimited(ctx, req, "", summary, rlErr, start)
	}

	// Single-file uploads may ride an open trust session; batches always see
	// a human.
	if req.Kind == core.KindUpload && len(req.Files) == 1 {
		f := req.Files[0]
		check := p.trust.CheckAndConsumeUpload(ctx, req.TrustScope, req.AccountID, f.Filename, f.Size)
		if check.OK {
			rec := p.newRecord(req, "", summary, core.StatusTrustAutoApproved, core.DecisionTrustApprove)
			result := "upload authorized under trust"
			exitCode := 0
			if err := p.store.Put(ctx, rec); err != nil {
				return Decision{}, fmt.Errorf("persisting record: %w", err)
			}
			latency := p.sinceMS(start)
			execMS := int64(0)
			if err := p.store.Transition(ctx, rec.RequestID, core.StatusTrustAutoApproved, core.RequestPatch{
				Status: core.StatusExecutedOK, Result: &result, ExitCode: &exitCode,
				ExecutionTime: &execMS, LatencyMS: &latency,
			}); err != nil {
				p.logger.Error().Err(err).Msg("recording trust upload result")
			}
			p.record(core.AuditEntry{
				RequestID: rec.RequestID, DecisionType: core.DecisionTrustApprove, Kind: req.Kind,
				Source: req.Source, TrustScope: req.TrustScope, AccountID: req.AccountID,
				Reasons: []string{check.Reason}, LatencyMS: latency,
			})
			return Decision{
				Status:         core.StatusTrustAutoApproved,
				RequestID:      rec.RequestID,
				DisplaySummary: summary,
				Result:         result,
				ExitCode:       &exitCode,
			}, nil
		}
	}

	return p.enqueue(ctx, req, summary, start, false)
}

// AdmitAction enqueues account and deploy operations for human review after
// the rate-limit gate. These kinds never auto-approve.
func (p *Pipeline) AdmitAction(ctx context.Context, req Request) (Decision, error) {
	start := p.clock.Now()
	if req.AccountID == "" {
		req.AccountID = p.defaultAccountID
	}

	if req.IdempotencyKey != "" {
		if prior, err := p.store.GetByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
			return p.projectDecision(prior), nil
		}
	}

	summary := actionSummary(req)

	allowed, rlErr := p.limiter.Allow(ctx, req.Source)
	if rlErr != nil || !allowed {
		return p.finishRateLimited(ctx, req, "", summary, rlErr, start)
	}

	return p.enqueue(ctx, req, summary, start, false)
}

// enqueue persists a pending record and emits its notification.
func (p *Pipeline) enqueue(ctx context.Context, req Request, summary string, start time.Time, dangerous bool) (Decision, error) {
	rec := p.newRecord(req, req.Command, summary, core.StatusPending, core.DecisionManual)
	if err := p.store.Put(ctx, rec); err != nil {
		return Decision{}, fmt.Errorf("persisting pending record: %w", err)
	}

	p.record(core.AuditEntry{
		RequestID: rec.RequestID, DecisionType: core.DecisionManual, Kind: req.Kind,
		Source: req.Source, TrustScope: req.TrustScope, AccountID: req.AccountID,
		LatencyMS: p.sinceMS(start),
	})

	account := p.resolveAccount(ctx, req.AccountID)
	msg := notify.BuildApproval(rec, account.Name, dangerous)
	if msgID, err := p.notifier.SendApproval(ctx, msg); err != nil {
		p.logger.Error().Err(err).Str("request_id", rec.RequestID).Msg("emitting approval notification")
	} else if err := p.store.SetMessageID(ctx, rec.RequestID, msgID); err != nil {
		p.logger.Error().Err(err).Str("request_id", rec.RequestID).Msg("binding message id")
	}

	return Decision{
		Status:         core.StatusPending,
		RequestID:      rec.RequestID,
		DisplaySummary: summary,
		ExpiresAt:      rec.ExpiresAt,
	}, nil
}

func uploadSummary(files []core.FileEntry) string {
	if len(files) == 1 {
		return summarize("upload " + files[0].Filename)
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return summarize(fmt.Sprintf("upload %d files (%d bytes)", len(files), total))
}

func actionSummary(req Request) string {
	switch req.Kind {
	case core.KindDeploy:
		return summarize("deploy " + req.ProjectID)
	case core.KindAddAccount:
		if req.AccountSpec != nil {
			return summarize("add account " + req.AccountSpec.AccountID)
		}
		return "add account"
	case core.KindRemoveAccount:
		if req.AccountSpec != nil {
			return summarize("remove account " + req.AccountSpec.AccountID)
		}
		return "remove account"
	default:
		return summarize(string(req.Kind) + " " + req.Reason)
	}
}

