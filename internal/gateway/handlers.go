package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qwer2003tw/bouncer/internal/command"
	"github.com/qwer2003tw/bouncer/internal/compliance"
	"github.com/qwer2003tw/bouncer/internal/core"
	"github.com/qwer2003tw/bouncer/internal/notify"
	"github.com/qwer2003tw/bouncer/internal/pipeline"
)

type executePayload struct {
	Command        string `json:"command"`
	Reason         string `json:"reason"`
	Source         string `json:"source"`
	TrustScope     string `json:"trust_scope"`
	AccountID      string `json:"account_id"`
	GrantID        string `json:"grant_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) handleExecute(ctx context.Context, payload json.RawMessage) (any, error) {
	var p executePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", core.ErrParse)
	}
	dec, err := s.pipeline.Admit(ctx, pipeline.Request{
		Kind:           core.KindExecute,
		Command:        p.Command,
		Reason:         p.Reason,
		Source:         p.Source,
		TrustScope:     p.TrustScope,
		AccountID:      p.AccountID,
		GrantID:        p.GrantID,
		IdempotencyKey: p.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	return decisionBody(dec), nil
}

type uploadPayload struct {
	Filename       string           `json:"filename"`
	ContentType    string           `json:"content_type"`
	Size           int64            `json:"size"`
	Files          []core.FileEntry `json:"files"`
	Reason         string           `json:"reason"`
	Source         string           `json:"source"`
	TrustScope     string           `json:"trust_scope"`
	AccountID      string           `json:"account_id"`
	IdempotencyKey string           `json:"idempotency_key"`
}

func (s *Server) handleUpload(ctx context.Context, payload json.RawMessage) (any, error) {
	var p uploadPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", core.ErrParse)
	}
	files := p.Files
	kind := core.KindUploadBatch
	if len(files) == 0 && p.Filename != "" {
		files = []core.FileEntry{{Filename: p.Filename, ContentType: p.ContentType, Size: p.Size}}
		kind = core.KindUpload
	}
	dec, err := s.pipeline.AdmitUpload(ctx, pipeline.Request{
		Kind:           kind,
		Files:          files,
		Reason:         p.Reason,
		Source:         p.Source,
		TrustScope:     p.TrustScope,
		AccountID:      p.AccountID,
		IdempotencyKey: p.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	return decisionBody(dec), nil
}

type presignPayload struct {
	Filename    string           `json:"filename"`
	ContentType string           `json:"content_type"`
	Files       []core.FileEntry `json:"files"`
	Reason      string           `json:"reason"`
	Source      string           `json:"source"`
	ExpiresIn   int              `json:"expires_in"`
}

func (s *Server) handlePresign(ctx context.Context, payload json.RawMessage) (any, error) {
	var p presignPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", core.ErrParse)
	}
	if allowed, err := s.limiterAllow(ctx, p.Source); err != nil || !allowed {
		return nil, core.ErrRateLimited
	}

	url, err := s.uploads.Presign(ctx, p.Filename, p.ContentType, time.Duration(p.ExpiresIn)*time.Second)
	if err != nil {
		return nil, err
	}
	s.auditPresign(p.Source, []string{url.S3Key})
	s.notifySilent(ctx, "📎 *Presigned upload issued*\n`"+url.S3Key+"`\n🤖 "+notify.Escape(p.Source))
	return url, nil
}

func (s *Server) handlePresignBatch(ctx context.Context, payload json.RawMessage) (any, error) {
	var p presignPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", core.ErrParse)
	}
	if allowed, err := s.limiterAllow(ctx, p.Source); err != nil || !allowed {
		return nil, core.ErrRateLimited
	}

	batchID, urls, err := s.uploads.PresignBatch(ctx, p.Files, time.Duration(p.ExpiresIn)*time.Second)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(urls))
	for _, u := range urls {
		keys = append(keys, u.S3Key)
	}
	s.auditPresign(p.Source, keys)
	s.notifySilent(ctx, fmt.Sprintf("📎 *Presigned batch issued* \\(%d files\\)\n`%s`\n🤖 %s",
		len(urls), batchID, notify.Escape(p.Source)))
	return map[string]any{"batch_id": batchID, "urls": urls}, nil
}

type confirmPayload struct {
	BatchID string   `json:"batch_id"`
	Keys    []string `json:"keys"`
	Source  string   `json:"source"`
}

func (s *Server) handleConfirmUpload(ctx context.Context, payload json.RawMessage) (any, error) {
	var p confirmPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", core.ErrParse)
	}
	result, err := s.uploads.Confirm(ctx, p.BatchID, p.Keys)
	if err != nil {
		return nil, err
	}
	s.record(core.AuditEntry{
		Kind: core.KindPresignedAudit, DecisionType: core.DecisionAutoApprove,
		Source:  p.Source,
		Reasons: []string{fmt.Sprintf("confirm_upload %s verified=%v", p.BatchID, result.Verified)},
	})
	return result, nil
}

type pagePayload struct {
	PageID string `json:"page_id"`
}

func (s *Server) handleGetPage(ctx context.Context, payload json.RawMessage) (any, error) {
	var p pagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", core.ErrParse)
	}
	return s.pager.Get(ctx, p.PageID)
}

type grantRequestPayload struct {
	Commands    []string `json:"commands"`
	Reason      string   `json:"reason"`
	Source      string   `json:"source"`
	TrustScope  string   `json:"trust_scope"`
	AccountID   string   `json:"account_id"`
	TTLMinutes  int      `json:"ttl_minutes"`
	AllowRepeat bool     `json:"allow_repeat"`
}

func (s *Server) handleRequestGrant(ctx context.Context, payload json.RawMessage) (any, error) {
	var p grantRequestPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", core.ErrParse)
	}
	if p.AccountID == "" {
		p.AccountID = s.defaultAccountID
	}
	if allowed, err := s.limiterAllow(ctx, p.Source); err != nil || !allowed {
		return nil, core.ErrRateLimited
	}

	g, err := s.grants.Request(ctx, p.Commands, p.Reason, p.Source, p.AccountID, p.TTLMinutes, p.AllowRepeat)
	if err != nil {
		return nil, err
	}

	// The grant notification targets the grant id directly; grants carry
	// their own session record instead of an approval request.
	ghost := &core.ApprovalRequest{
		RequestID: g.GrantID,
		Kind:      core.KindGrant,
		Source:    p.Source,
		AccountID: p.AccountID,
		Reason:    p.Reason,
		Commands:  p.Commands,
		ExpiresAt: g.ExpiresAt,
	}
	msg := notify.BuildApproval(ghost, s.accountName(ctx, p.AccountID), false)
	if _, err := s.notifier.SendApproval(ctx, msg); err != nil {
		s.logger.Error().Err(err).Str("grant_id", g.GrantID).Msg("emitting grant notification")
	}

	summary := map[string]int{}
	for _, d := range g.CommandsDetail {
		summary[string(d.Category)]++
	}
	return map[string]any{
		"grant_id":        g.GrantID,
		"status":          g.Status,
		"summary":         summary,
		"commands_detail": g.CommandsDetail,
		"ttl_minutes":     g.TTLMinutes,
		"allow_repeat":    g.AllowRepeat,
	}, nil
}

type grantExecutePayload struct {
	GrantID   string `json:"grant_id"`
	Command   string `json:"command"`
	Source    string `json:"source"`
	AccountID string `json:"account_id"`
}

func (s *Server) handleGrantExecute(ctx context.Context, payload json.RawMessage) (any, error) {
	var p grantExecutePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", core.ErrParse)
	}
	if p.AccountID == "" {
		p.AccountID = s.defaultAccountID
	}

	argv, err := command.Parse(p.Command, "aws")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), core.ErrParse)
	}
	normalized := command.Normalize(p.Command)

	// A grant never overrides the block list or a CRITICAL compliance rule,
	// even when a pattern entry happens to match the concrete command.
	if cls := s.classifier.Classify(argv); cls.Class == command.ClassBlocked {
		return nil, fmt.Errorf("%s: %w", cls.Reason, core.ErrBlocked)
	}
	comp := s.checker.CheckCommand(normalized)
	if comp.CheckError != nil || comp.Max() >= compliance.SeverityCritical {
		return nil, fmt.Errorf("compliance rejected: %w", core.ErrCompliance)
	}

	g, err := s.grants.Get(ctx, p.GrantID, p.Source)
	if err != nil {
		return nil, err
	}
	if g.AccountID != p.AccountID {
		return nil, core.ErrNotFound
	}
	if _, err := s.grants.Authorize(ctx, g, normalized); err != nil {
		return nil, err
	}

	account := s.resolveAccount(ctx, p.AccountID)
	res, execErr := s.executor.Execute(ctx, normalized, account)
	if execErr != nil {
		res = core.ExecResult{Output: "execution failed: " + execErr.Error(), ExitCode: -1}
	}

	dec, err := s.persistGrantExecution(ctx, p, normalized, res)
	if err != nil {
		return nil, err
	}
	return dec, nil
}

type grantIDPayload struct {
	GrantID string `json:"grant_id"`
	Source  string `json:"source"`
}

func (s *Server) handleGrantStatus(ctx context.Context, payload json.RawMessage) (any, error) {
	var p grantIDPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", core.ErrParse)
	}
	g, err := s.grants.Get(ctx, p.GrantID, p.Source)
	if err != nil {
		return nil, err
	}
	remaining := int64(0)
	if g.Status == core.SessionApproved {
		remaining = g.ExpiresAt.Unix() - s.clock.Now().Unix()
		if remaining < 0 {
			remaining = 0
		}
	}
	return map[string]any{
		"grant_id":          g.GrantID,
		"status":            g.Status,
		"granted_count":     len(g.GrantedCommands),
		"used_count":        len(g.UsedCommands),
		"executions_used":   g.ExecutionsUsed,
		"max_executions":    g.MaxExecutions,
		"remaining_seconds": remaining,
		"allow_repeat":      g.AllowRepeat,
	}, nil
}

func (s *Server) handleRevokeGrant(ctx context.Context, payload json.RawMessage) (any, error) {
	var p grantIDPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", core.ErrParse)
	}
	if _, err := s.grants.Get(ctx, p.GrantID, p.Source); err != nil {
		return nil, err
	}
	if err := s.grants.Revoke(ctx, p.GrantID); err != nil {
		return nil, err
	}
	return map[string]any{"grant_id": p.GrantID, "status": core.SessionRevoked}, nil
}

type trustPayload struct {
	TrustScope string `json:"trust_scope"`
	AccountID  string `json:"account_id"`
}

func (s *Server) handleTrustStatus(ctx context.Context, payload json.RawMessage) (any, error) {
	var p trustPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", core.ErrParse)
	}
	if p.AccountID == "" {
		p.AccountID = s.defaultAccountID
	}
	sess, err := s.trust.Status(ctx, p.TrustScope, p.AccountID)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Server) handleRevokeTrust(ctx context.Context, payload json.RawMessage) (any, error) {
	var p trustPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", core.ErrParse)
	}
	if p.AccountID == "" {
		p.AccountID = s.defaultAccountID
	}
	sess, err := s.trust.Status(ctx, p.TrustScope, p.AccountID)
	if err != nil {
		return nil, err
	}
	if err := s.trust.Revoke(ctx, sess.TrustID); err != nil {
		return nil, err
	}
	return map[string]any{"trust_id": sess.TrustID, "status": core.SessionRevoked}, nil
}

type accountPayload struct {
	AccountID    string `json:"account_id"`
	Name         string `json:"name"`
	RoleARN      string `json:"role_arn"`
	UploadBucket string `json:"upload_bucket"`
	Sensitivity  string `json:"sensitivity"`
	Reason       string `json:"reason"`
	Source       string `json:"source"`
	TrustScope   string `json:"trust_scope"`
}

func (s *Server) handleAddAccount(ctx context.Context, payload json.RawMessage) (any, error) {
	var p accountPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", core.ErrParse)
	}
	dec, err := s.pipeline.AdmitAction(ctx, pipeline.Request{
		Kind:   core.KindAddAccount,
		Reason: p.Reason, Source: p.Source, TrustScope: p.TrustScope,
		AccountSpec: &core.Account{
			AccountID: p.AccountID, Name: p.Name, RoleARN: p.RoleARN,
			UploadBucket: p.UploadBucket, Sensitivity: p.Sensitivity,
		},
	})
	if err != nil {
		return nil, err
	}
	return decisionBody(dec), nil
}

func (s *Server) handleRemoveAccount(ctx context.Context, payload json.RawMessage) (any, error) {
	var p accountPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", core.ErrParse)
	}
	dec, err := s.pipeline.AdmitAction(ctx, pipeline.Request{
		Kind:   core.KindRemoveAccount,
		Reason: p.Reason, Source: p.Source, TrustScope: p.TrustScope,
		AccountSpec: &core.Account{AccountID: p.AccountID},
	})
	if err != nil {
		return nil, err
	}
	return decisionBody(dec), nil
}

func (s *Server) handleListAccounts(ctx context.Context, payload json.RawMessage) (any, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"accounts": accounts}, nil
}

func (s *Server) handleListSafelist(ctx context.Context, payload json.RawMessage) (any, error) {
	return map[string]any{"safelist_verbs": s.rules.SafelistVerbs}, nil
}

type listPayload struct {
	Source string `json:"source"`
	Limit  int    `json:"limit"`
}

func (s *Server) handleListPending(ctx context.Context, payload json.RawMessage) (any, error) {
	var p listPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", core.ErrParse)
	}
	pending, err := s.store.ListPending(ctx, p.Source, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pending": summaries(pending)}, nil
}

func (s *Server) handleHistory(ctx context.Context, payload json.RawMessage) (any, error) {
	var p listPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", core.ErrParse)
	}
	recent, err := s.store.ListRecent(ctx, p.Source, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"history": summaries(recent)}, nil
}

type deployPayload struct {
	ProjectID  string `json:"project_id"`
	Reason     string `json:"reason"`
	Source     string `json:"source"`
	TrustScope string `json:"trust_scope"`
	Branch     string `json:"branch"`
}

func (s *Server) handleDeploy(ctx context.Context, payload json.RawMessage) (any, error) {
	var p deployPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", core.ErrParse)
	}
	if s.deployer == nil {
		return nil, fmt.Errorf("deployer is disabled")
	}

	conflict, err := s.deployer.CheckConflict(ctx, p.ProjectID)
	if err != nil {
		return nil, err
	}
	if conflict != nil {
		return map[string]any{
			"status":              "conflict",
			"running_deploy_id":   conflict.RunningDeployID,
			"started_at":          conflict.StartedAt,
			"estimated_remaining": conflict.EstimatedRemaining,
		}, core.ErrConflict
	}

	dec, err := s.pipeline.AdmitAction(ctx, pipeline.Request{
		Kind:      core.KindDeploy,
		ProjectID: p.ProjectID,
		Reason:    p.Reason, Source: p.Source, TrustScope: p.TrustScope,
	})
	if err != nil {
		return nil, err
	}
	body := decisionBody(dec)
	commit := s.deployer.ResolveCommit(ctx, p.ProjectID, p.Branch)
	body["commit_sha"] = commit.SHA
	body["commit_short"] = commit.Short
	body["commit_message"] = commit.Message
	return body, nil
}

type statusPayload struct {
	RequestID string `json:"request_id"`
}

func (s *Server) handleStatus(ctx context.Context, payload json.RawMessage) (any, error) {
	var p statusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", core.ErrParse)
	}
	rec, err := s.store.Get(ctx, p.RequestID)
	if err != nil {
		return nil, err
	}
	s.dispatcher.ExpireIfPast(ctx, rec)
	return rec, nil
}

// decisionBody maps a pipeline decision onto the external response shape.
func decisionBody(dec pipeline.Decision) map[string]any {
	body := map[string]any{
		"status":          externalStatus(dec.Status),
		"request_id":      dec.RequestID,
		"display_summary": dec.DisplaySummary,
	}
	if !dec.ExpiresAt.IsZero() {
		body["expires_at"] = dec.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if dec.Result != "" {
		body["result"] = dec.Result
	}
	if dec.ExitCode != nil {
		body["exit_code"] = *dec.ExitCode
	}
	if dec.BlockReason != "" {
		body["block_reason"] = dec.BlockReason
		body["suggestion"] = dec.Suggestion
	}
	if dec.RiskScore > 0 {
		body["risk_score"] = dec.RiskScore
	}
	return body
}

// externalStatus maps record statuses onto the Submit response vocabulary.
func externalStatus(st core.RequestStatus) string {
	switch st {
	case core.StatusPending:
		return "pending_approval"
	default:
		return string(st)
	}
}

func summaries(recs []*core.ApprovalRequest) []map[string]any {
	out := make([]map[string]any, 0, len(recs))
	for _, r := range recs {
		out = append(out, map[string]any{
			"request_id":      r.RequestID,
			"kind":            r.Kind,
			"status":          r.Status,
			"display_summary": r.DisplaySummary,
			"source":          r.Source,
			"account_id":      r.AccountID,
			"created_at":      r.CreatedAt.UTC().Format(time.RFC3339),
			"expires_at":      r.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}
