package store

import (
	"context"
	"testing"
	"time"

	"github.com/qwer2003tw/bouncer/internal/core"
)

func TestOneRunningDeployPerProject(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	first := Deploy{DeployID: "d1", ProjectID: "web", CommitSHA: "abc123", StartedAt: time.Now().UTC()}
	if err := s.StartDeploy(ctx, first); err != nil {
		t.Fatalf("start: %v", err)
	}

	second := Deploy{DeployID: "d2", ProjectID: "web", StartedAt: time.Now().UTC()}
	if err := s.StartDeploy(ctx, second); err != core.ErrConflict {
		t.Errorf("expected ErrConflict for second running deploy, got %v", err)
	}

	// A different project is unaffected.
	other := Deploy{DeployID: "d3", ProjectID: "api", StartedAt: time.Now().UTC()}
	if err := s.StartDeploy(ctx, other); err != nil {
		t.Errorf("other project should start: %v", err)
	}

	running, err := s.RunningDeploy(ctx, "web")
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if running.DeployID != "d1" {
		t.Errorf("expected d1 running, got %s", running.DeployID)
	}

	if err := s.FinishDeploy(ctx, "d1", "succeeded"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := s.RunningDeploy(ctx, "web"); err != core.ErrNotFound {
		t.Errorf("finished deploy must clear the slot, got %v", err)
	}

	// The slot is free again.
	if err := s.StartDeploy(ctx, Deploy{DeployID: "d4", ProjectID: "web", StartedAt: time.Now().UTC()}); err != nil {
		t.Errorf("new deploy should start after finish: %v", err)
	}
}

func TestFinishDeployConflict(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	if err := s.FinishDeploy(ctx, "missing", "succeeded"); err != core.ErrConflict {
		t.Errorf("finishing unknown deploy must conflict, got %v", err)
	}
}
