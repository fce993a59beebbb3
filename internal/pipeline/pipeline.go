// Package pipeline composes parsing, compliance, classification, rate
// limiting, trust, grant, and risk scoring into a single admission decision.
// Admit never executes a command that has not been classified, and every
// internal failure falls closed into human review or rejection, never into
// auto-approval.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/qwer2003tw/bouncer/internal/audit"
	"github.com/qwer2003tw/bouncer/internal/command"
	"github.com/qwer2003tw/bouncer/internal/compliance"
	"github.com/qwer2003tw/bouncer/internal/core"
	"github.com/qwer2003tw/bouncer/internal/grant"
	"github.com/qwer2003tw/bouncer/internal/notify"
	"github.com/qwer2003tw/bouncer/internal/paging"
	"github.com/qwer2003tw/bouncer/internal/ratelimit"
	"github.com/qwer2003tw/bouncer/internal/risk"
	"github.com/qwer2003tw/bouncer/internal/store"
	"github.com/qwer2003tw/bouncer/internal/trust"
)

const displaySummaryMax = 100

// Request is one admission attempt.
type Request struct {
	Kind           core.RequestKind
	Command        string
	Files          []core.FileEntry
	ProjectID      string
	AccountSpec    *core.Account
	Commands       []string
	Reason         string
	Source         string
	TrustScope     string
	AccountID      string
	GrantID        string
	IdempotencyKey string
}

// Decision is the admission outcome returned to the caller.
type Decision struct {
	Status         core.RequestStatus `json:"status"`
	RequestID      string             `json:"request_id"`
	DisplaySummary string             `json:"display_summary"`
	ExpiresAt      time.Time          `json:"expires_at,omitempty"`
	Result         string             `json:"result,omitempty"`
	ExitCode       *int               `json:"exit_code,omitempty"`
	BlockReason    string             `json:"block_reason,omitempty"`
	Suggestion     string             `json:"suggestion,omitempty"`
	RiskScore      int                `json:"risk_score,omitempty"`
	Reason         string             `json:"reason,omitempty"`
}

// Pipeline owns the admission stages. All rule state is immutable after
// construction; no locks are held across store, notifier, or executor calls.
type Pipeline struct {
	store      *store.Store
	classifier *command.Classifier
	checker    *compliance.Checker
	scorer     *risk.Scorer
	limiter    *ratelimit.Limiter
	trust      *trust.Manager
	grants     *grant.Manager
	executor   core.Executor
	notifier   core.Notifier
	pager      *paging.Pager
	audit      *audit.Logger
	clock      core.Clock
	logger     zerolog.Logger

	defaultAccountID    string
	approvalExpiry      time.Duration
	resultTruncateChars int
}

// Options carries construction parameters.
type Options struct {
	Store      *store.Store
	Classifier *command.Classifier
	Checker    *compliance.Checker
	Scorer     *risk.Scorer
	Limiter    *ratelimit.Limiter
	Trust      *trust.Manager
	Grants     *grant.Manager
	Executor   core.Executor
	Notifier   core.Notifier
	Pager      *paging.Pager
	Audit      *audit.Logger
	Clock      core.Clock
	Logger     zerolog.Logger

	DefaultAccountID    string
	ApprovalExpiry      time.Duration
	ResultTruncateChars int
}

// New wires a pipeline.
func New(opts Options) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = core.RealClock{}
	}
	if opts.ApprovalExpiry <= 0 {
		opts.ApprovalExpiry = 5 * time.Minute
	}
	if opts.ResultTruncateChars <= 0 {
		opts.ResultTruncateChars = 1000
	}
	return &Pipeline{
		store:               opts.Store,
		classifier:          opts.Classifier,
		checker:             opts.Checker,
		scorer:              opts.Scorer,
		limiter:             opts.Limiter,
		trust:               opts.Trust,
		grants:              opts.Grants,
		executor:            opts.Executor,
		notifier:            opts.Notifier,
		pager:               opts.Pager,
		audit:               opts.Audit,
		clock:               opts.Clock,
		logger:              opts.Logger,
		defaultAccountID:    opts.DefaultAccountID,
		approvalExpiry:      opts.ApprovalExpiry,
		resultTruncateChars: opts.ResultTruncateChars,
	}
}

// Admit runs the full stage order for an execute request:
//
//	Parse → Normalize → Compliance(CRITICAL) → Blocked → Safelist →
//	RateLimit → Trust → Grant → RiskScore → Compliance(HIGH→manual) → MANUAL
func (p *Pipeline) Admit(ctx context.Context, req Request) (Decision, error) {
	start := p.clock.Now()

	if req.AccountID == "" {
		req.AccountID = p.defaultAccountID
	}

	if req.IdempotencyKey != "" {
		if prior, err := p.store.GetByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
			return p.projectDecision(prior), nil
		}
	}

	argv, err := command.Parse(req.Command, "aws")
	if err != nil {
		p.record(core.AuditEntry{
			DecisionType: core.DecisionBlocked, Kind: req.Kind,
			Source: req.Source, TrustScope: req.TrustScope, AccountID: req.AccountID,
			Reasons: []string{err.Error()}, LatencyMS: p.sinceMS(start),
		})
		return Decision{}, fmt.Errorf("%s: %w", err.Error(), core.ErrParse)
	}
	normalized := command.Normalize(req.Command)
	summary := summarize(normalized)

	// Compliance runs once; its severity gates three later stages.
	compResult := p.checkCompliance(normalized)
	if compResult.Max() >= compliance.SeverityCritical {
		finding := compResult.Findings[0]
		p.record(core.AuditEntry{
			DecisionType: core.DecisionCompliance, Kind: req.Kind,
			Source: req.Source, TrustScope: req.TrustScope, AccountID: req.AccountID,
			Reasons: compResult.Reasons(), LatencyMS: p.sinceMS(start),
		})
		return Decision{
			Status:         core.StatusComplianceRejected,
			DisplaySummary: summary,
			BlockReason:    finding.RuleID + ": " + finding.Reason,
			Suggestion:     finding.Remediation,
		}, nil
	}

	cls := p.classify(argv)
	if cls.Class == command.ClassBlocked {
		return p.finishBlocked(ctx, req, normalized, summary, cls, start)
	}

	forceManual := compResult.Max() >= compliance.SeverityHigh || compResult.CheckError != nil

	if cls.Class == command.ClassSafelist && !forceManual {
		return p.finishAutoExecute(ctx, req, normalized, summary, core.StatusAutoApproved, core.DecisionAutoApprove, compResult, 0, start)
	}

	allowed, rlErr := p.limiter.Allow(ctx, req.Source)
	if rlErr != nil || !allowed {
		return p.finishRateLimited(ctx, req, normalized, summary, rlErr, start)
	}

	if cls.Class != command.ClassDangerous && !forceManual {
		check := p.trust.CheckAndConsumeCommand(ctx, req.TrustScope, req.AccountID, normalized, argv)
		if check.OK {
			return p.finishAutoExecute(ctx, req, normalized, summary, core.StatusTrustAutoApproved, core.DecisionTrustApprove, compResult, 0, start)
		}
	}

	if req.GrantID != "" && !forceManual {
		if dec, ok := p.tryGrant(ctx, req, normalized, summary, compResult, start); ok {
			return dec, nil
		}
	}

	score := p.scoreRisk(argv)

	return p.finishPending(ctx, req, normalized, summary, cls, compResult, score, start)
}

// checkCompliance isolates checker panics into a forced-manual result.
func (p *Pipeline) checkCompliance(normalized string) (result compliance.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = compliance.Result{CheckError: fmt.Errorf("compliance panic: %v", r)}
		}
	}()
	return p.checker.CheckCommand(normalized)
}

// classify isolates classifier panics into a forced-manual APPROVAL class.
func (p *Pipeline) classify(argv []string) (cls command.Classification) {
	defer func() {
		if r := recover(); r != nil {
			cls = command.Classification{Class: command.ClassApproval, Reason: fmt.Sprintf("classifier failure: %v", r)}
		}
	}()
	return p.classifier.Classify(argv)
}

// scoreRisk isolates scorer panics; the scorer itself already fails closed to
// 100 but a nil scorer must too.
func (p *Pipeline) scoreRisk(argv []string) (res risk.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = risk.Result{Score: 100, Hits: []string{fmt.Sprintf("scorer failure: %v", r)}}
		}
	}()
	return p.scorer.Score(argv)
}

func (p *Pipeline) tryGrant(ctx context.Context, req Request, normalized, summary string, compResult compliance.Result, start time.Time) (Decision, bool) {
	g, err := p.grants.Get(ctx, req.GrantID, req.Source)
	if err != nil {
		return Decision{}, false
	}
	if g.AccountID != req.AccountID {
		return Decision{}, false
	}
	if _, err := p.grants.Authorize(ctx, g, normalized); err != nil {
		return Decision{}, false
	}
	dec, err := p.finishAutoExecute(ctx, req, normalized, summary, core.StatusGrantAutoApproved, core.DecisionGrantApprove, compResult, 0, start)
	if err != nil {
		return Decision{}, false
	}
	return dec, true
}

func (p *Pipeline) finishBlocked(ctx context.Context, req Request, normalized, summary string, cls command.Classification, start time.Time) (Decision, error) {
	rec := p.newRecord(req, normalized, summary, core.StatusBlocked, core.DecisionBlocked)
	if err := p.store.Put(ctx, rec); err != nil {
		p.logger.Error().Err(err).Msg("persisting blocked record")
	}
	p.record(core.AuditEntry{
		RequestID: rec.RequestID, DecisionType: core.DecisionBlocked, Kind: req.Kind,
		Source: req.Source, TrustScope: req.TrustScope, AccountID: req.AccountID,
		Reasons: []string{cls.Reason}, LatencyMS: p.sinceMS(start),
	})
	return Decision{
		Status:         core.StatusBlocked,
		RequestID:      rec.RequestID,
		DisplaySummary: summary,
		BlockReason:    cls.Reason,
		Suggestion:     command.Suggestion(cls.Reason),
	}, nil
}

func (p *Pipeline) finishRateLimited(ctx context.Context, req Request, normalized, summary string, rlErr error, start time.Time) (Decision, error) {
	if rlErr != nil {
		p.logger.Warn().Err(rlErr).Str("source", req.Source).Msg("rate counter failed, failing closed")
	}
	rec := p.newRecord(req, normalized, summary, core.StatusRateLimited, core.DecisionRateLimited)
	if err := p.store.Put(ctx, rec); err != nil {
		p.logger.Error().Err(err).Msg("persisting rate-limited record")
	}
	p.record(core.AuditEntry{
		RequestID: rec.RequestID, DecisionType: core.DecisionRateLimited, Kind: req.Kind,
		Source: req.Source, TrustScope: req.TrustScope, AccountID: req.AccountID,
		LatencyMS: p.sinceMS(start),
	})
	return Decision{
		Status:         core.StatusRateLimited,
		RequestID:      rec.RequestID,
		DisplaySummary: summary,
	}, nil
}

func (p *Pipeline) finishAutoExecute(ctx context.Context, req Request, normalized, summary string, status core.RequestStatus, decision core.DecisionType, compResult compliance.Result, score int, start time.Time) (Decision, error) {
	account := p.resolveAccount(ctx, req.AccountID)

	rec := p.newRecord(req, normalized, summary, status, decision)
	rec.RiskScore = score
	rec.ComplianceFindings = compResult.Reasons()
	if err := p.store.Put(ctx, rec); err != nil {
		return Decision{}, fmt.Errorf("persisting record: %w", err)
	}

	res, execErr := p.executor.Execute(ctx, normalized, account)
	if execErr != nil {
		res = core.ExecResult{Output: "execution failed: " + execErr.Error(), ExitCode: -1}
	}

	paged, err := p.pager.Store(ctx, rec.RequestID, res.Output)
	stored := res.Output
	if err == nil {
		stored = paged.Result
	}
	stored = truncate(stored, p.resultTruncateChars)

	execMS := res.Duration.Milliseconds()
	exitCode := res.ExitCode
	latency := p.sinceMS(start)
	finalStatus := core.StatusExecutedOK
	if exitCode != 0 {
		finalStatus = core.StatusExecutedError
	}
	patch := core.RequestPatch{
		Status:        finalStatus,
		Result:        &stored,
		ExitCode:      &exitCode,
		ExecutionTime: &execMS,
		DecisionType:  &decision,
		LatencyMS:     &latency,
	}
	if err := p.store.Transition(ctx, rec.RequestID, status, patch); err != nil {
		p.logger.Error().Err(err).Str("request_id", rec.RequestID).Msg("recording execution result")
	}

	p.record(core.AuditEntry{
		RequestID: rec.RequestID, DecisionType: decision, Kind: req.Kind,
		Source: req.Source, TrustScope: req.TrustScope, AccountID: req.AccountID,
		Score: score, Reasons: compResult.Reasons(), LatencyMS: latency,
	})

	return Decision{
		Status:         status,
		RequestID:      rec.RequestID,
		DisplaySummary: summary,
		Result:         stored,
		ExitCode:       &exitCode,
		RiskScore:      score,
	}, nil
}

func (p *Pipeline) finishPending(ctx context.Context, req Request, normalized, summary string, cls command.Classification, compResult compliance.Result, score risk.Result, start time.Time) (Decision, error) {
	rec := p.newRecord(req, normalized, summary, core.StatusPending, core.DecisionManual)
	rec.RiskScore = score.Score
	rec.Hits = score.Hits
	rec.ComplianceFindings = compResult.Reasons()

	if err := p.store.Put(ctx, rec); err != nil {
		return Decision{}, fmt.Errorf("persisting pending record: %w", err)
	}

	p.record(core.AuditEntry{
		RequestID: rec.RequestID, DecisionType: core.DecisionManual, Kind: req.Kind,
		Source: req.Source, TrustScope: req.TrustScope, AccountID: req.AccountID,
		Score: score.Score, Reasons: append(compResult.Reasons(), cls.Reason), LatencyMS: p.sinceMS(start),
	})

	// A notifier failure leaves the record pending; a reconciler may re-emit
	// once, and the caller still gets pending_approval.
	account := p.resolveAccount(ctx, req.AccountID)
	msg := notify.BuildApproval(rec, account.Name, cls.Class == command.ClassDangerous)
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
		RiskScore:      score.Score,
		Reason:         cls.Reason,
	}, nil
}

// newRecord builds the persisted record for an admission outcome.
func (p *Pipeline) newRecord(req Request, normalized, summary string, status core.RequestStatus, decision core.DecisionType) *core.ApprovalRequest {
	now := p.clock.Now()
	expires := now.Add(p.approvalExpiry)
	return &core.ApprovalRequest{
		RequestID:      newRequestID(),
		Kind:           req.Kind,
		Status:         status,
		DisplaySummary: summary,
		Source:         req.Source,
		TrustScope:     req.TrustScope,
		AccountID:      req.AccountID,
		Reason:         req.Reason,
		Command:        normalized,
		Files:          req.Files,
		ProjectID:      req.ProjectID,
		AccountSpec:    req.AccountSpec,
		Commands:       req.Commands,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      expires,
		TTL:            expires.Unix() + 60,
		DecisionType:   decision,
		IdempotencyKey: req.IdempotencyKey,
	}
}

func (p *Pipeline) resolveAccount(ctx context.Context, accountID string) core.Account {
	if acct, err := p.store.GetAccount(ctx, accountID); err == nil {
		return *acct
	}
	return core.Account{AccountID: accountID, Name: "Default"}
}

func (p *Pipeline) projectDecision(rec *core.ApprovalRequest) Decision {
	return Decision{
		Status:         rec.Status,
		RequestID:      rec.RequestID,
		DisplaySummary: rec.DisplaySummary,
		ExpiresAt:      rec.ExpiresAt,
		Result:         rec.Result,
		ExitCode:       rec.ExitCode,
		RiskScore:      rec.RiskScore,
	}
}

func (p *Pipeline) record(e core.AuditEntry) {
	e.At = p.clock.Now()
	if err := p.audit.Record(e); err != nil {
		p.logger.Error().Err(err).Msg("writing audit record")
	}
}

func (p *Pipeline) sinceMS(start time.Time) int64 {
	return p.clock.Now().Sub(start).Milliseconds()
}

func summarize(normalized string) string {
	runes := []rune(normalized)
	if len(runes) <= displaySummaryMax {
		return normalized
	}
	return string(runes[:displaySummaryMax-3]) + "..."
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func newRequestID() string {
	return uuid.New().String()[:13]
}
