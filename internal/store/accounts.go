package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/qwer2003tw/bouncer/internal/core"
)

// PutAccount creates or replaces an account registration.
func (s *Store) PutAccount(ctx context.Context, a core.Account) error {
	if a.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (account_id, name, role_arn, upload_bucket, sensitivity)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
		  name = excluded.name, role_arn = excluded.role_arn,
		  upload_bucket = excluded.upload_bucket, sensitivity = excluded.sensitivity`,
		a.AccountID, a.Name, a.RoleARN, a.UploadBucket, a.Sensitivity)
	if err != nil {
		return fmt.Errorf("inserting account: %w", err)
	}
	return nil
}

// GetAccount returns an account by id or core.ErrNotFound.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*core.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT account_id, name, role_arn, upload_bucket, sensitivity FROM accounts WHERE account_id = ?`,
		accountID)
	var a core.Account
	err := row.Scan(&a.AccountID, &a.Name, &a.RoleARN, &a.UploadBucket, &a.Sensitivity)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	return &a, nil
}

// DeleteAccount removes an account registration.
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE account_id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// ListAccounts returns all registered accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]core.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, name, role_arn, upload_bucket, sensitivity FROM accounts ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var out []core.Account
	for rows.Next() {
		var a core.Account
		if err := rows.Scan(&a.AccountID, &a.Name, &a.RoleARN, &a.UploadBucket, &a.Sensitivity); err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
