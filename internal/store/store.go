// Package store implements the persistence layer on SQLite. It exclusively
// owns all records; the admission pipeline is the only creator of approval
// requests and the dispatcher is the only actor that moves a record out of
// pending. Every budget consumption
// is a single conditional UPDATE — the store never reads a count and writes
// the increment separately.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qwer2003tw/bouncer/internal/core"
)

const timeFormat = time.RFC3339

// Store wraps the metadata database.
type Store struct {
	db    *sql.DB
	clock core.Clock
}

// New creates a store over an opened metadata database.
func New(d *sql.DB, clock core.Clock) *Store {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Store{db: d, clock: clock}
}

// DB exposes the underlying handle for statistics queries; never used on the
// hot path.
func (s *Store) DB() *sql.DB { return s.db }

// Put creates a new approval request. It fails if the request_id exists.
func (s *Store) Put(ctx context.Context, req *core.ApprovalRequest) error {
	if req.DisplaySummary == "" {
		return fmt.Errorf("display_summary is required")
	}
	if !req.ExpiresAt.After(req.CreatedAt) {
		return fmt.Errorf("expires_at must be after created_at")
	}

	filesJSON, _ := json.Marshal(req.Files)
	commandsJSON, _ := json.Marshal(req.Commands)
	findingsJSON, _ := json.Marshal(req.ComplianceFindings)
	hitsJSON, _ := json.Marshal(req.Hits)
	accountSpec := ""
	if req.AccountSpec != nil {
		b, _ := json.Marshal(req.AccountSpec)
		accountSpec = string(b)
	}

	var exitCode sql.NullInt64
	if req.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*req.ExitCode), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_requests
		 (request_id, kind, status, display_summary, source, trust_scope, account_id, reason,
		  command, files, project_id, account_spec, commands,
		  result, exit_code, execution_time_ms,
		  created_at, updated_at, expires_at, ttl,
		  message_id, approver_id, decision_type, latency_ms,
		  idempotency_key, compliance_findings, risk_score, hits)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.RequestID, string(req.Kind), string(req.Status), req.DisplaySummary,
		req.Source, req.TrustScope, req.AccountID, req.Reason,
		req.Command, string(filesJSON), req.ProjectID, accountSpec, string(commandsJSON),
		req.Result, exitCode, req.ExecutionTime,
		req.CreatedAt.UTC().Format(timeFormat), req.UpdatedAt.UTC().Format(timeFormat),
		req.ExpiresAt.UTC().Format(timeFormat), req.TTL,
		req.MessageID, req.ApproverID, string(req.DecisionType), req.LatencyMS,
		req.IdempotencyKey, string(findingsJSON), req.RiskScore, string(hitsJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting request: %w", err)
	}
	return nil
}

const requestColumns = `request_id, kind, status, display_summary, source, trust_scope, account_id, reason,
	command, files, project_id, account_spec, commands,
	result, exit_code, execution_time_ms,
	created_at, updated_at, expires_at, ttl,
	message_id, approver_id, decision_type, latency_ms,
	idempotency_key, compliance_findings, risk_score, hits`

func scanRequest(row interface{ Scan(...any) error }) (*core.ApprovalRequest, error) {
	var r core.ApprovalRequest
	var kind, status, decisionType string
	var filesJSON, accountSpec, commandsJSON, findingsJSON, hitsJSON string
	var createdAt, updatedAt, expiresAt string
	var exitCode sql.NullInt64

	err := row.Scan(
		&r.RequestID, &kind, &status, &r.DisplaySummary, &r.Source, &r.TrustScope, &r.AccountID, &r.Reason,
		&r.Command, &filesJSON, &r.ProjectID, &accountSpec, &commandsJSON,
		&r.Result, &exitCode, &r.ExecutionTime,
		&createdAt, &updatedAt, &expiresAt, &r.TTL,
		&r.MessageID, &r.ApproverID, &decisionType, &r.LatencyMS,
		&r.IdempotencyKey, &findingsJSON, &r.RiskScore, &hitsJSON,
	)
	if err != nil {
		return nil, err
	}

	r.Kind = core.RequestKind(kind)
	r.Status = core.RequestStatus(status)
	r.DecisionType = core.DecisionType(decisionType)
	if exitCode.Valid {
		ec := int(exitCode.Int64)
		r.ExitCode = &ec
	}
	r.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	r.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	r.ExpiresAt, _ = time.Parse(timeFormat, expiresAt)
	json.Unmarshal([]byte(filesJSON), &r.Files)
	json.Unmarshal([]byte(commandsJSON), &r.Commands)
	json.Unmarshal([]byte(findingsJSON), &r.ComplianceFindings)
	json.Unmarshal([]byte(hitsJSON), &r.Hits)
	if accountSpec != "" {
		var acct core.Account
		if json.Unmarshal([]byte(accountSpec), &acct) == nil {
			r.AccountSpec = &acct
		}
	}
	return &r, nil
}

// Get returns a record by id or core.ErrNotFound.
func (s *Store) Get(ctx context.Context, requestID string) (*core.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE request_id = ?`, requestID)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying request: %w", err)
	}
	return req, nil
}

// GetByIdempotencyKey returns the record previously created under key.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*core.ApprovalRequest, error) {
	if key == "" {
		return nil, core.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE idempotency_key = ?`, key)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying request by idempotency key: %w", err)
	}
	return req, nil
}

// Transition conditionally moves a record out of fromStatus. A zero-row update
// on an existing record means another actor got there first: core.ErrConflict.
func (s *Store) Transition(ctx context.Context, requestID string, fromStatus core.RequestStatus, patch core.RequestPatch) error {
	now := s.clock.Now().Format(timeFormat)

	set := "status = ?, updated_at = ?"
	args := []any{string(patch.Status), now}
	if patch.Result != nil {
		set += ", result = ?"
		args = append(args, *patch.Result)
	}
	if patch.ExitCode != nil {
		set += ", exit_code = ?"
		args = append(args, *patch.ExitCode)
	}
	if patch.ExecutionTime != nil {
		set += ", execution_time_ms = ?"
		args = append(args, *patch.ExecutionTime)
	}
	if patch.ApproverID != nil {
		set += ", approver_id = ?"
		args = append(args, *patch.ApproverID)
	}
	if patch.DecisionType != nil {
		set += ", decision_type = ?"
		args = append(args, string(*patch.DecisionType))
	}
	if patch.MessageID != nil {
		set += ", message_id = ?"
		args = append(args, *patch.MessageID)
	}
	if patch.LatencyMS != nil {
		set += ", latency_ms = ?"
		args = append(args, *patch.LatencyMS)
	}
	args = append(args, requestID, string(fromStatus))

	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET `+set+` WHERE request_id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("transitioning request: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM approval_requests WHERE request_id = ?`, requestID).Scan(&exists); err != nil {
			return fmt.Errorf("checking request existence: %w", err)
		}
		if exists == 0 {
			return core.ErrNotFound
		}
		return core.ErrConflict
	}
	return nil
}

// SetMessageID binds the posted chat message to a pending record without
// touching its status.
func (s *Store) SetMessageID(ctx context.Context, requestID string, messageID int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET message_id = ?, updated_at = ? WHERE request_id = ?`,
		messageID, s.clock.Now().Format(timeFormat), requestID)
	if err != nil {
		return fmt.Errorf("binding message id: %w", err)
	}
	return nil
}

// ListPending returns pending records ordered by created_at, optionally
// filtered by source.
func (s *Store) ListPending(ctx context.Context, source string, limit int) ([]*core.ApprovalRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE status = ?`
	args := []any{string(core.StatusPending)}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	return s.queryRequests(ctx, query, args...)
}

// ListPendingForScope returns pending records for a (trust_scope, account_id)
// pair. Used only by the auto-drain pass after a trust session opens.
func (s *Store) ListPendingForScope(ctx context.Context, trustScope, accountID string, limit int) ([]*core.ApprovalRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM approval_requests
		 WHERE status = ? AND trust_scope = ? AND account_id = ?
		 ORDER BY created_at ASC LIMIT ?`,
		string(core.StatusPending), trustScope, accountID, limit)
}

// ListRecent returns recent records for history views, newest first.
func (s *Store) ListRecent(ctx context.Context, source string, limit int) ([]*core.ApprovalRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + requestColumns + ` FROM approval_requests`
	args := []any{}
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	return s.queryRequests(ctx, query, args...)
}

// CountRecentBySource counts a source's pending, approved or denied requests
// since the cutoff.
func (s *Store) CountRecentBySource(ctx context.Context, source string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM approval_requests
		 WHERE source = ? AND created_at >= ? AND status IN (?, ?, ?)`,
		source, since.UTC().Format(timeFormat),
		string(core.StatusPending), string(core.StatusApproved), string(core.StatusDenied),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting recent requests: %w", err)
	}
	return n, nil
}

// PurgeExpired removes records past expires_at plus grace. Pages past their
// TTL go with them.
func (s *Store) PurgeExpired(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-grace).Format(timeFormat)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM approval_requests WHERE expires_at < ? AND status != ?`,
		cutoff, string(core.StatusPending))
	if err != nil {
		return 0, fmt.Errorf("purging expired requests: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pages WHERE expires_at < ?`, cutoff); err != nil {
		return n, fmt.Errorf("purging expired pages: %w", err)
	}
	return n, nil
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]*core.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	defer rows.Close()

	var out []*core.ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
