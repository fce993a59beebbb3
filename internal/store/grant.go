package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qwer2003tw/bouncer/internal/core"
)

// A dangerous command may run at most this many times inside one grant even
// when allow_repeat is set.
const DangerousRepeatLimit = 3

// PutGrant persists a freshly created pending grant session.
func (s *Store) PutGrant(ctx context.Context, g *core.GrantSession) error {
	detailJSON, _ := json.Marshal(g.CommandsDetail)
	grantedJSON, _ := json.Marshal(g.GrantedCommands)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO grant_sessions
		 (grant_id, source, account_id, status, reason, commands_detail, granted_commands,
		  ttl_minutes, allow_repeat, executions_used, max_executions, approved_by, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, '', ?, ?)`,
		g.GrantID, g.Source, g.AccountID, string(g.Status), g.Reason,
		string(detailJSON), string(grantedJSON),
		g.TTLMinutes, boolToInt(g.AllowRepeat), g.MaxExecutions,
		g.CreatedAt.Format(timeFormat), g.ExpiresAt.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting grant session: %w", err)
	}
	return nil
}

// GetGrant returns a grant session by id or core.ErrNotFound.
func (s *Store) GetGrant(ctx context.Context, grantID string) (*core.GrantSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT grant_id, source, account_id, status, reason, commands_detail, granted_commands,
		        ttl_minutes, allow_repeat, executions_used, max_executions, approved_by,
		        created_at, approved_at, expires_at
		 FROM grant_sessions WHERE grant_id = ?`, grantID)

	var g core.GrantSession
	var status, detailJSON, grantedJSON, createdAt, expiresAt string
	var allowRepeat int
	var approvedAt sql.NullString

	err := row.Scan(&g.GrantID, &g.Source, &g.AccountID, &status, &g.Reason, &detailJSON, &grantedJSON,
		&g.TTLMinutes, &allowRepeat, &g.ExecutionsUsed, &g.MaxExecutions, &g.ApprovedBy,
		&createdAt, &approvedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying grant session: %w", err)
	}

	g.Status = core.SessionStatus(status)
	g.AllowRepeat = allowRepeat != 0
	json.Unmarshal([]byte(detailJSON), &g.CommandsDetail)
	json.Unmarshal([]byte(grantedJSON), &g.GrantedCommands)
	g.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	g.ExpiresAt, _ = time.Parse(timeFormat, expiresAt)
	if approvedAt.Valid {
		t, _ := time.Parse(timeFormat, approvedAt.String)
		g.ApprovedAt = &t
	}

	g.UsedCommands = map[string]int{}
	rows, err := s.db.QueryContext(ctx, `SELECT command, uses FROM grant_uses WHERE grant_id = ?`, grantID)
	if err != nil {
		return nil, fmt.Errorf("querying grant uses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cmd string
		var uses int
		if err := rows.Scan(&cmd, &uses); err != nil {
			return nil, fmt.Errorf("scanning grant use: %w", err)
		}
		g.UsedCommands[cmd] = uses
	}
	return &g, rows.Err()
}

// ApproveGrant transitions a pending grant to approved and sets the granted
// entries. The TTL clock starts here.
func (s *Store) ApproveGrant(ctx context.Context, grantID, approvedBy string, granted []string, ttlMinutes int) error {
	now := s.clock.Now()
	expires := now.Add(time.Duration(ttlMinutes) * time.Minute)
	grantedJSON, _ := json.Marshal(granted)

	res, err := s.db.ExecContext(ctx,
		`UPDATE grant_sessions
		 SET status = ?, approved_by = ?, approved_at = ?, granted_commands = ?, expires_at = ?
		 WHERE grant_id = ? AND status = ?`,
		string(core.SessionApproved), approvedBy, now.Format(timeFormat),
		string(grantedJSON), expires.Format(timeFormat),
		grantID, string(core.SessionPending))
	if err != nil {
		return fmt.Errorf("approving grant: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.ErrConflict
	}
	return nil
}

// SetGrantStatus moves a grant from one status to another (deny, revoke,
// expire). Conditional on the current status.
func (s *Store) SetGrantStatus(ctx context.Context, grantID string, from, to core.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE grant_sessions SET status = ? WHERE grant_id = ? AND status = ?`,
		string(to), grantID, string(from))
	if err != nil {
		return fmt.Errorf("updating grant status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.ErrConflict
	}
	return nil
}

// UseGrantCommand atomically consumes one execution of an authorized entry.
// All checks (session approved, unexpired, total budget, per-entry rule) run
// as conditional updates inside one transaction; any failed condition rolls
// everything back and returns core.ErrConflict.
func (s *Store) UseGrantCommand(ctx context.Context, grantID, entry string, allowRepeat, dangerous bool) error {
	now := s.clock.Now().Format(timeFormat)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning grant-use tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE grant_sessions SET executions_used = executions_used + 1
		 WHERE grant_id = ? AND status = ? AND expires_at > ? AND executions_used < max_executions`,
		grantID, string(core.SessionApproved), now)
	if err != nil {
		return fmt.Errorf("incrementing grant executions: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrConflict
	}

	if allowRepeat {
		repeatCap := 1 << 30
		if dangerous {
			repeatCap = DangerousRepeatLimit
		}
		res, err = tx.ExecContext(ctx,
			`INSERT INTO grant_uses (grant_id, command, uses) VALUES (?, ?, 1)
			 ON CONFLICT(grant_id, command) DO UPDATE SET uses = uses + 1 WHERE uses < ?`,
			grantID, entry, repeatCap)
	} else {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO grant_uses (grant_id, command, uses) VALUES (?, ?, 1)
			 ON CONFLICT(grant_id, command) DO NOTHING`,
			grantID, entry)
	}
	if err != nil {
		return fmt.Errorf("marking grant entry used: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing grant use: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
