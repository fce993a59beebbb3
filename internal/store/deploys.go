package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/qwer2003tw/bouncer/internal/core"
)

// Deploy tracks one build-and-deploy run; at most one per project runs at a
// time (enforced by a partial unique index).
type Deploy struct {
	DeployID      string
	ProjectID     string
	Status        string
	CommitSHA     string
	CommitMessage string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// StartDeploy records a new running deploy. A second running deploy for the
// same project returns core.ErrConflict.
func (s *Store) StartDeploy(ctx context.Context, d Deploy) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deploys (deploy_id, project_id, status, commit_sha, commit_message, started_at)
		 VALUES (?, ?, 'running', ?, ?, ?)`,
		d.DeployID, d.ProjectID, d.CommitSHA, d.CommitMessage, d.StartedAt.Format(timeFormat))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return core.ErrConflict
		}
		return fmt.Errorf("inserting deploy: %w", err)
	}
	return nil
}

// RunningDeploy returns the running deploy for a project, or core.ErrNotFound.
func (s *Store) RunningDeploy(ctx context.Context, projectID string) (*Deploy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT deploy_id, project_id, status, commit_sha, commit_message, started_at
		 FROM deploys WHERE project_id = ? AND status = 'running'`, projectID)
	var d Deploy
	var startedAt string
	err := row.Scan(&d.DeployID, &d.ProjectID, &d.Status, &d.CommitSHA, &d.CommitMessage, &startedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying running deploy: %w", err)
	}
	d.StartedAt, _ = time.Parse(timeFormat, startedAt)
	return &d, nil
}

// FinishDeploy marks a running deploy finished with the given status.
func (s *Store) FinishDeploy(ctx context.Context, deployID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deploys SET status = ?, finished_at = ? WHERE deploy_id = ? AND status = 'running'`,
		status, s.clock.Now().Format(timeFormat), deployID)
	if err != nil {
		return fmt.Errorf("finishing deploy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrConflict
	}
	return nil
}
