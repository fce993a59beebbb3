// Package trust manages trust sessions: short-lived envelopes that let a
// specific (trust_scope, account_id) pair auto-approve subsequent low-risk
// commands within bounded budgets. Budget consumption is a single conditional
// update at the store layer.
package trust

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/qwer2003tw/bouncer/internal/command"
	"github.com/qwer2003tw/bouncer/internal/core"
	"github.com/qwer2003tw/bouncer/internal/store"
)

// Budgets carries the per-session limits fixed at creation.
type Budgets struct {
	TTL            time.Duration
	MaxCommands    int
	MaxUploads     int
	MaxBytes       int64
	PerUploadBytes int64
}

// Manager coordinates trust session lifecycle and consumption.
type Manager struct {
	store      *store.Store
	classifier *command.Classifier
	budgets    Budgets
	blockedExt []string
	clock      core.Clock
	logger     zerolog.Logger
}

// NewManager creates a trust manager.
func NewManager(s *store.Store, cls *command.Classifier, budgets Budgets, blockedExtensions []string, clock core.Clock, logger zerolog.Logger) *Manager {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Manager{
		store:      s,
		classifier: cls,
		budgets:    budgets,
		blockedExt: blockedExtensions,
		clock:      clock,
		logger:     logger,
	}
}

// Begin opens a trust session for the pair, returning the existing one when
// still active. TTL and budgets are fixed here.
func (m *Manager) Begin(ctx context.Context, trustScope, accountID, source, approvedBy string) (*core.TrustSession, error) {
	sess, err := m.store.BeginTrust(ctx, trustScope, accountID, source, approvedBy, store.TrustBudgets{
		TTL:         m.budgets.TTL,
		CommandsMax: m.budgets.MaxCommands,
		UploadsMax:  m.budgets.MaxUploads,
		BytesMax:    m.budgets.MaxBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("beginning trust session: %w", err)
	}
	m.logger.Info().Str("trust_id", sess.TrustID).Str("account_id", accountID).Msg("trust session active")
	return sess, nil
}

// Status returns the session for a scope pair, marking expiry.
func (m *Manager) Status(ctx context.Context, trustScope, accountID string) (*core.TrustSession, error) {
	sess, err := m.store.GetTrustForScope(ctx, trustScope, accountID)
	if err != nil {
		return nil, err
	}
	if sess.Status == core.SessionActive && !sess.ExpiresAt.After(m.clock.Now()) {
		sess.Status = core.SessionExpired
	}
	return sess, nil
}

// Revoke transitions a session to revoked; subsequent checks fail.
func (m *Manager) Revoke(ctx context.Context, trustID string) error {
	return m.store.RevokeTrust(ctx, trustID)
}

// CheckResult reports why a trust check fell through.
type CheckResult struct {
	OK      bool
	Session *core.TrustSession
	Reason  string
}

// CheckAndConsumeCommand decides whether a normalized command executes under
// trust. Order: session present and live, command not trust-excluded, then an
// atomic budget consume. Every failure falls through to manual review; a
// store failure never auto-approves.
func (m *Manager) CheckAndConsumeCommand(ctx context.Context, trustScope, accountID, normalized string, argv []string) CheckResult {
	if trustScope == "" {
		return CheckResult{Reason: "no trust_scope supplied"}
	}

	sess, err := m.store.GetTrustForScope(ctx, trustScope, accountID)
	if err == core.ErrNotFound {
		return CheckResult{Reason: "no active trust session"}
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("trust lookup failed, falling through to manual")
		return CheckResult{Reason: "trust store unavailable"}
	}
	if sess.Status != core.SessionActive {
		return CheckResult{Session: sess, Reason: "trust session " + string(sess.Status)}
	}
	if !sess.ExpiresAt.After(m.clock.Now()) {
		return CheckResult{Session: sess, Reason: "trust session expired"}
	}

	if m.classifier.IsTrustExcluded(normalized, argv) {
		return CheckResult{Session: sess, Reason: "command excluded from trust"}
	}

	updated, err := m.store.ConsumeTrust(ctx, sess.TrustID, store.TrustCommand, 0)
	if err == core.ErrConflict {
		return CheckResult{Session: sess, Reason: fmt.Sprintf("trust command budget exhausted (%d/%d)", sess.CommandsUsed, sess.CommandsMax)}
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("trust consume failed, falling through to manual")
		return CheckResult{Session: sess, Reason: "trust store unavailable"}
	}

	return CheckResult{OK: true, Session: updated, Reason: fmt.Sprintf("trust session active (%ds remaining)", updated.Remaining(m.clock.Now()))}
}

// CheckAndConsumeUpload decides whether an upload executes under trust,
// enforcing filename hygiene, the extension blocklist, and both upload
// budgets atomically.
func (m *Manager) CheckAndConsumeUpload(ctx context.Context, trustScope, accountID, filename string, size int64) CheckResult {
	if trustScope == "" {
		return CheckResult{Reason: "no trust_scope supplied"}
	}
	if !filenameSafe(filename) {
		return CheckResult{Reason: "filename contains unsafe characters"}
	}
	if m.extensionBlocked(filename) {
		return CheckResult{Reason: "file extension blocked: " + filename}
	}
	if size > m.budgets.PerUploadBytes {
		return CheckResult{Reason: fmt.Sprintf("file too large: %d > %d", size, m.budgets.PerUploadBytes)}
	}

	sess, err := m.store.GetTrustForScope(ctx, trustScope, accountID)
	if err == core.ErrNotFound {
		return CheckResult{Reason: "no active trust session"}
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("trust lookup failed, falling through to manual")
		return CheckResult{Reason: "trust store unavailable"}
	}
	if sess.Status != core.SessionActive || !sess.ExpiresAt.After(m.clock.Now()) {
		return CheckResult{Session: sess, Reason: "trust session not active"}
	}
	if sess.UploadsMax <= 0 {
		return CheckResult{Session: sess, Reason: "trust uploads not enabled"}
	}

	updated, err := m.store.ConsumeTrust(ctx, sess.TrustID, store.TrustUpload, size)
	if err == core.ErrConflict {
		return CheckResult{Session: sess, Reason: "trust upload budget exhausted"}
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("trust consume failed, falling through to manual")
		return CheckResult{Session: sess, Reason: "trust store unavailable"}
	}
	return CheckResult{OK: true, Session: updated, Reason: "trust upload approved"}
}

// filenameSafe rejects path traversal, separators, and NUL bytes.
func filenameSafe(filename string) bool {
	if filename == "" {
		return false
	}
	if strings.ContainsRune(filename, 0) {
		return false
	}
	if strings.Contains(filename, "..") {
		return false
	}
	if strings.ContainsAny(filename, "/\\") {
		return false
	}
	return true
}

func (m *Manager) extensionBlocked(filename string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range m.blockedExt {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
