package grant

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/qwer2003tw/bouncer/internal/command"
	"github.com/qwer2003tw/bouncer/internal/compliance"
	"github.com/qwer2003tw/bouncer/internal/core"
	"github.com/qwer2003tw/bouncer/internal/risk"
	"github.com/qwer2003tw/bouncer/internal/store"
)

// A command whose risk score reaches this mark cannot be bundle-approved and
// lands in the requires_individual list.
const individualRiskThreshold = 66

// How long a pending grant waits for the approver; Approve rejects it after.
const approvalTimeout = 5 * time.Minute

// Limits bounds grant requests, taken from configuration.
type Limits struct {
	MaxTTLMinutes     int
	DefaultTTLMinutes int
	MaxCommands       int
	MaxExecutions     int
}

// ApproveMode selects which pre-classified commands an approval covers.
type ApproveMode string

const (
	ApproveAll      ApproveMode = "all"
	ApproveSafeOnly ApproveMode = "safe_only"
)

// Manager coordinates grant lifecycle: request, pre-classification, approval,
// and atomic execution consumption.
type Manager struct {
	store      *store.Store
	classifier *command.Classifier
	checker    *compliance.Checker
	scorer     *risk.Scorer
	limits     Limits
	clock      core.Clock
	logger     zerolog.Logger
}

// NewManager creates a grant manager.
func NewManager(s *store.Store, cls *command.Classifier, chk *compliance.Checker, sc *risk.Scorer, limits Limits, clock core.Clock, logger zerolog.Logger) *Manager {
	if clock == nil {
		clock = core.RealClock{}
	}
	if limits.DefaultTTLMinutes <= 0 {
		limits.DefaultTTLMinutes = 30
	}
	return &Manager{store: s, classifier: cls, checker: chk, scorer: sc, limits: limits, clock: clock, logger: logger}
}

// Request pre-classifies each command and persists a pending grant. A bundle
// containing any BLOCKED or CRITICAL-compliance command is rejected outright.
func (m *Manager) Request(ctx context.Context, commands []string, reason, source, accountID string, ttlMinutes int, allowRepeat bool) (*core.GrantSession, error) {
	if len(commands) == 0 {
		return nil, fmt.Errorf("commands must not be empty")
	}
	if len(commands) > m.limits.MaxCommands {
		return nil, fmt.Errorf("at most %d commands per grant (got %d)", m.limits.MaxCommands, len(commands))
	}
	if reason == "" {
		return nil, fmt.Errorf("reason is required")
	}
	if source == "" {
		return nil, fmt.Errorf("source is required")
	}
	if ttlMinutes <= 0 {
		ttlMinutes = m.limits.DefaultTTLMinutes
	}
	if ttlMinutes > m.limits.MaxTTLMinutes {
		ttlMinutes = m.limits.MaxTTLMinutes
	}

	details := make([]core.GrantCommandDetail, 0, len(commands))
	for _, cmd := range commands {
		detail := m.precheck(cmd)
		if detail.Category == core.GrantBlocked {
			return nil, fmt.Errorf("grant rejected: %q %s: %w", cmd, detail.BlockReason, core.ErrBlocked)
		}
		details = append(details, detail)
	}

	// Pattern entries must compile under the safety guards before the bundle
	// is even shown to an approver.
	for _, d := range details {
		if IsPattern(d.Normalized) {
			if _, err := CompilePattern(d.Normalized); err != nil {
				return nil, fmt.Errorf("grant pattern %q: %w", d.Normalized, err)
			}
		}
	}

	now := m.clock.Now()
	g := &core.GrantSession{
		GrantID:        newGrantID(),
		Source:         source,
		AccountID:      accountID,
		Status:         core.SessionPending,
		Reason:         reason,
		CommandsDetail: details,
		TTLMinutes:     ttlMinutes,
		AllowRepeat:    allowRepeat,
		MaxExecutions:  m.limits.MaxExecutions,
		CreatedAt:      now,
		ExpiresAt:      now.Add(approvalTimeout),
		UsedCommands:   map[string]int{},
	}
	if err := m.store.PutGrant(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// precheck classifies one command for grant purposes.
func (m *Manager) precheck(raw string) core.GrantCommandDetail {
	normalized := command.Normalize(raw)
	detail := core.GrantCommandDetail{
		Command:    raw,
		Normalized: normalized,
		Category:   core.GrantGrantable,
	}

	// Pattern entries are inspected as written, wildcards and placeholders
	// included, by the same compliance, classifier and scorer checks.
	inspect := normalized

	result := m.checker.CheckCommand(inspect)
	if result.CheckError != nil {
		detail.Category = core.GrantRequiresIndividual
		detail.BlockReason = "compliance check failed"
		return detail
	}
	if result.Max() >= compliance.SeverityCritical {
		detail.Category = core.GrantBlocked
		detail.BlockReason = "compliance violation: " + result.Findings[0].RuleID
		return detail
	}

	argv, err := command.Split(inspect)
	if err != nil {
		detail.Category = core.GrantRequiresIndividual
		detail.BlockReason = "unparseable command"
		return detail
	}
	cls := m.classifier.Classify(argv)
	switch cls.Class {
	case command.ClassBlocked:
		detail.Category = core.GrantBlocked
		detail.BlockReason = cls.Reason
		return detail
	case command.ClassDangerous:
		detail.Category = core.GrantRequiresIndividual
		detail.BlockReason = cls.Reason
	}
	if m.classifier.IsTrustExcluded(inspect, argv) && detail.Category == core.GrantGrantable {
		detail.Category = core.GrantRequiresIndividual
		detail.BlockReason = "high-risk command needs individual approval"
	}

	score := m.scorer.Score(argv)
	detail.RiskScore = score.Score
	if score.Score >= individualRiskThreshold && detail.Category == core.GrantGrantable {
		detail.Category = core.GrantRequiresIndividual
		detail.BlockReason = fmt.Sprintf("risk score %d", score.Score)
	}
	return detail
}

// Approve activates a pending grant. Mode all covers every non-blocked entry;
// safe_only covers grantable entries only. The TTL clock starts now.
func (m *Manager) Approve(ctx context.Context, grantID, approvedBy string, mode ApproveMode) (*core.GrantSession, error) {
	g, err := m.store.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if g.Status != core.SessionPending {
		return nil, core.ErrConflict
	}
	if !g.ExpiresAt.After(m.clock.Now()) {
		return nil, fmt.Errorf("grant approval window passed: %w", core.ErrConflict)
	}

	var granted []string
	for _, d := range g.CommandsDetail {
		switch mode {
		case ApproveAll:
			if d.Category != core.GrantBlocked {
				granted = append(granted, d.Normalized)
			}
		default:
			if d.Category == core.GrantGrantable {
				granted = append(granted, d.Normalized)
			}
		}
	}

	if err := m.store.ApproveGrant(ctx, grantID, approvedBy, granted, g.TTLMinutes); err != nil {
		return nil, err
	}
	return m.store.GetGrant(ctx, grantID)
}

// Deny rejects a pending grant.
func (m *Manager) Deny(ctx context.Context, grantID string) error {
	return m.store.SetGrantStatus(ctx, grantID, core.SessionPending, core.SessionDenied)
}

// Revoke kills an approved grant.
func (m *Manager) Revoke(ctx context.Context, grantID string) error {
	return m.store.SetGrantStatus(ctx, grantID, core.SessionApproved, core.SessionRevoked)
}

// Get returns a grant after source verification; a mismatched source reads as
// not-found so grant ids cannot be probed across callers.
func (m *Manager) Get(ctx context.Context, grantID, source string) (*core.GrantSession, error) {
	g, err := m.store.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if g.Source != source {
		return nil, core.ErrNotFound
	}
	if g.Status == core.SessionApproved && !g.ExpiresAt.After(m.clock.Now()) {
		g.Status = core.SessionExpired
	}
	return g, nil
}

// Authorize matches a normalized command against an approved grant and
// atomically consumes one execution. It returns the matched entry; every
// failed condition is core.ErrConflict (budget/repeat) or core.ErrNotFound
// (no matching entry).
func (m *Manager) Authorize(ctx context.Context, g *core.GrantSession, normalized string) (string, error) {
	if g.Status != core.SessionApproved {
		return "", fmt.Errorf("grant is %s: %w", g.Status, core.ErrConflict)
	}
	if !g.ExpiresAt.After(m.clock.Now()) {
		return "", fmt.Errorf("grant expired: %w", core.ErrConflict)
	}

	entry := ""
	for _, e := range g.GrantedCommands {
		if e == normalized {
			entry = e
			break
		}
	}
	if entry == "" {
		for _, e := range g.GrantedCommands {
			if IsPattern(e) && MatchPattern(e, normalized) {
				entry = e
				break
			}
		}
	}
	if entry == "" {
		return "", fmt.Errorf("command not in grant: %w", core.ErrNotFound)
	}

	dangerous := false
	if argv, err := command.Split(normalized); err == nil {
		dangerous = m.classifier.Classify(argv).Class == command.ClassDangerous
	}

	if err := m.store.UseGrantCommand(ctx, g.GrantID, entry, g.AllowRepeat, dangerous); err != nil {
		return "", err
	}
	return entry, nil
}

func newGrantID() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return "grant_" + hex.EncodeToString(buf)
}
