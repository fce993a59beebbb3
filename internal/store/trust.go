package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/qwer2003tw/bouncer/internal/core"
)

// TrustKind selects which trust budget a consume call draws from.
type TrustKind int

const (
	TrustCommand TrustKind = iota
	TrustUpload
)

// TrustID derives the deterministic session id for a scope pair. Using the
// scope hash as the key makes "at most one active session per pair" a
// property of the primary key.
func TrustID(trustScope, accountID string) string {
	h := sha256.Sum256([]byte(trustScope))
	return "trust-" + hex.EncodeToString(h[:])[:16] + "-" + accountID
}

// TrustBudgets carries the fixed budgets assigned at session creation.
type TrustBudgets struct {
	TTL         time.Duration
	CommandsMax int
	UploadsMax  int
	BytesMax    int64
}

// BeginTrust creates a trust session for the pair, or returns the existing
// active one. TTL and budgets are fixed at creation.
func (s *Store) BeginTrust(ctx context.Context, trustScope, accountID, source, approvedBy string, b TrustBudgets) (*core.TrustSession, error) {
	if trustScope == "" {
		return nil, fmt.Errorf("trust_scope is required")
	}
	trustID := TrustID(trustScope, accountID)
	now := s.clock.Now()

	existing, err := s.GetTrust(ctx, trustID)
	if err == nil && existing.Status == core.SessionActive && existing.ExpiresAt.After(now) {
		return existing, nil
	}
	if err != nil && err != core.ErrNotFound {
		return nil, err
	}

	sess := &core.TrustSession{
		TrustID:     trustID,
		TrustScope:  trustScope,
		AccountID:   accountID,
		Source:      source,
		Status:      core.SessionActive,
		ApprovedBy:  approvedBy,
		CommandsMax: b.CommandsMax,
		UploadsMax:  b.UploadsMax,
		BytesMax:    b.BytesMax,
		CreatedAt:   now,
		ExpiresAt:   now.Add(b.TTL),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trust_sessions
		 (trust_id, trust_scope, account_id, source, status, approved_by,
		  commands_used, commands_max, uploads_used, uploads_max, bytes_used, bytes_max,
		  created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, 0, ?, 0, ?, ?, ?)
		 ON CONFLICT(trust_id) DO UPDATE SET
		  status = excluded.status, approved_by = excluded.approved_by,
		  commands_used = 0, commands_max = excluded.commands_max,
		  uploads_used = 0, uploads_max = excluded.uploads_max,
		  bytes_used = 0, bytes_max = excluded.bytes_max,
		  created_at = excluded.created_at, expires_at = excluded.expires_at`,
		trustID, trustScope, accountID, source, string(core.SessionActive), approvedBy,
		b.CommandsMax, b.UploadsMax, b.BytesMax,
		now.Format(timeFormat), sess.ExpiresAt.Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting trust session: %w", err)
	}
	return sess, nil
}

// GetTrust returns a session by id or core.ErrNotFound.
func (s *Store) GetTrust(ctx context.Context, trustID string) (*core.TrustSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT trust_id, trust_scope, account_id, source, status, approved_by,
		        commands_used, commands_max, uploads_used, uploads_max, bytes_used, bytes_max,
		        created_at, expires_at
		 FROM trust_sessions WHERE trust_id = ?`, trustID)

	var t core.TrustSession
	var status, createdAt, expiresAt string
	err := row.Scan(&t.TrustID, &t.TrustScope, &t.AccountID, &t.Source, &status, &t.ApprovedBy,
		&t.CommandsUsed, &t.CommandsMax, &t.UploadsUsed, &t.UploadsMax, &t.BytesUsed, &t.BytesMax,
		&createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying trust session: %w", err)
	}
	t.Status = core.SessionStatus(status)
	t.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	t.ExpiresAt, _ = time.Parse(timeFormat, expiresAt)
	return &t, nil
}

// GetTrustForScope looks up the session for a (trust_scope, account_id) pair.
func (s *Store) GetTrustForScope(ctx context.Context, trustScope, accountID string) (*core.TrustSession, error) {
	return s.GetTrust(ctx, TrustID(trustScope, accountID))
}

// ConsumeTrust atomically verifies active + not-expired + budget-remaining and
// increments the counter for kind. The read-increment is a single conditional
// UPDATE; zero rows affected means the budget check failed.
func (s *Store) ConsumeTrust(ctx context.Context, trustID string, kind TrustKind, bytes int64) (*core.TrustSession, error) {
	now := s.clock.Now().Format(timeFormat)

	var res sql.Result
	var err error
	switch kind {
	case TrustCommand:
		res, err = s.db.ExecContext(ctx,
			`UPDATE trust_sessions SET commands_used = commands_used + 1
			 WHERE trust_id = ? AND status = ? AND expires_at > ? AND commands_used < commands_max`,
			trustID, string(core.SessionActive), now)
	case TrustUpload:
		res, err = s.db.ExecContext(ctx,
			`UPDATE trust_sessions SET uploads_used = uploads_used + 1, bytes_used = bytes_used + ?
			 WHERE trust_id = ? AND status = ? AND expires_at > ?
			   AND uploads_used < uploads_max AND bytes_used + ? <= bytes_max`,
			bytes, trustID, string(core.SessionActive), now, bytes)
	default:
		return nil, fmt.Errorf("unknown trust kind %d", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("consuming trust budget: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, core.ErrConflict
	}
	return s.GetTrust(ctx, trustID)
}

// RevokeTrust transitions a session to revoked; subsequent checks fail.
func (s *Store) RevokeTrust(ctx context.Context, trustID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trust_sessions SET status = ? WHERE trust_id = ? AND status = ?`,
		string(core.SessionRevoked), trustID, string(core.SessionActive))
	if err != nil {
		return fmt.Errorf("revoking trust session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}
