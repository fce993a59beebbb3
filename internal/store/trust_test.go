package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/qwer2003tw/bouncer/internal/core"
)

func beginTestTrust(t *testing.T, s *Store, scope, account string) *core.TrustSession {
	t.Helper()
	sess, err := s.BeginTrust(context.Background(), scope, account, "bot", "approver-1", TrustBudgets{
		TTL: 10 * time.Minute, CommandsMax: 5, UploadsMax: 2, BytesMax: 1024,
	})
	if err != nil {
		t.Fatalf("begin trust: %v", err)
	}
	return sess
}

func TestTrustIDDeterministic(t *testing.T) {
	a := TrustID("scope", "111111111111")
	b := TrustID("scope", "111111111111")
	if a != b {
		t.Errorf("trust id must be deterministic: %s vs %s", a, b)
	}
	if TrustID("scope", "222222222222") == a {
		t.Error("different accounts must produce different ids")
	}
}

func TestBeginTrustReturnsExisting(t *testing.T) {
	s := setupStore(t)
	first := beginTestTrust(t, s, "scope", "111111111111")

	if _, err := s.ConsumeTrust(context.Background(), first.TrustID, TrustCommand, 0); err != nil {
		t.Fatalf("consume: %v", err)
	}

	second := beginTestTrust(t, s, "scope", "111111111111")
	if second.TrustID != first.TrustID {
		t.Errorf("expected existing session, got %s vs %s", second.TrustID, first.TrustID)
	}
	got, _ := s.GetTrust(context.Background(), first.TrustID)
	if got.CommandsUsed != 1 {
		t.Errorf("existing session counter must survive, got %d", got.CommandsUsed)
	}
}

func TestConsumeTrustBudgetBoundary(t *testing.T) {
	s := setupStore(t)
	sess := beginTestTrust(t, s, "scope", "111111111111")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.ConsumeTrust(ctx, sess.TrustID, TrustCommand, 0); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
	if _, err := s.ConsumeTrust(ctx, sess.TrustID, TrustCommand, 0); err != core.ErrConflict {
		t.Errorf("expected ErrConflict past budget, got %v", err)
	}
}

func TestConsumeTrustConcurrentNeverExceeds(t *testing.T) {
	s := setupStore(t)
	sess := beginTestTrust(t, s, "scope", "111111111111")
	ctx := context.Background()

	const attempts = 20
	var wg sync.WaitGroup
	oks := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeTrust(ctx, sess.TrustID, TrustCommand, 0)
			oks <- err == nil
		}()
	}
	wg.Wait()
	close(oks)

	granted := 0
	for ok := range oks {
		if ok {
			granted++
		}
	}
	if granted != 5 {
		t.Errorf("expected exactly commands_max=5 grants, got %d", granted)
	}
	got, _ := s.GetTrust(ctx, sess.TrustID)
	if got.CommandsUsed > got.CommandsMax {
		t.Errorf("commands_used %d exceeded max %d", got.CommandsUsed, got.CommandsMax)
	}
}

func TestConsumeTrustUploadBytes(t *testing.T) {
	s := setupStore(t)
	sess := beginTestTrust(t, s, "scope", "111111111111")
	ctx := context.Background()

	if _, err := s.ConsumeTrust(ctx, sess.TrustID, TrustUpload, 600); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	// 600 + 600 > 1024: the byte budget blocks before the count budget.
	if _, err := s.ConsumeTrust(ctx, sess.TrustID, TrustUpload, 600); err != core.ErrConflict {
		t.Errorf("expected byte budget rejection, got %v", err)
	}
	if _, err := s.ConsumeTrust(ctx, sess.TrustID, TrustUpload, 100); err != nil {
		t.Errorf("small upload should still fit: %v", err)
	}
}

func TestRevokeTrust(t *testing.T) {
	s := setupStore(t)
	sess := beginTestTrust(t, s, "scope", "111111111111")
	ctx := context.Background()

	if err := s.RevokeTrust(ctx, sess.TrustID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.ConsumeTrust(ctx, sess.TrustID, TrustCommand, 0); err != core.ErrConflict {
		t.Errorf("expected revoked session to reject consumption, got %v", err)
	}
	if err := s.RevokeTrust(ctx, sess.TrustID); err != core.ErrNotFound {
		t.Errorf("double revoke should report not found, got %v", err)
	}
}

func TestExpiredTrustRejectsConsumption(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	sess, err := s.BeginTrust(ctx, "scope", "111111111111", "bot", "approver-1", TrustBudgets{
		TTL: -time.Minute, CommandsMax: 5,
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := s.ConsumeTrust(ctx, sess.TrustID, TrustCommand, 0); err != core.ErrConflict {
		t.Errorf("expected expired session to reject consumption, got %v", err)
	}
}
