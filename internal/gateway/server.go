package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/qwer2003tw/bouncer/internal/audit"
	"github.com/qwer2003tw/bouncer/internal/command"
	"github.com/qwer2003tw/bouncer/internal/compliance"
	"github.com/qwer2003tw/bouncer/internal/config"
	"github.com/qwer2003tw/bouncer/internal/core"
	"github.com/qwer2003tw/bouncer/internal/deploy"
	"github.com/qwer2003tw/bouncer/internal/dispatch"
	"github.com/qwer2003tw/bouncer/internal/grant"
	"github.com/qwer2003tw/bouncer/internal/paging"
	"github.com/qwer2003tw/bouncer/internal/pipeline"
	"github.com/qwer2003tw/bouncer/internal/ratelimit"
	"github.com/qwer2003tw/bouncer/internal/store"
	"github.com/qwer2003tw/bouncer/internal/trust"
	"github.com/qwer2003tw/bouncer/internal/upload"
)

// Server is the agent-facing HTTP API plus the notifier webhook.
type Server struct {
	app      *fiber.App
	registry *Registry

	pipeline   *pipeline.Pipeline
	dispatcher *dispatch.Dispatcher
	store      *store.Store
	pager      *paging.Pager
	grants     *grant.Manager
	trust      *trust.Manager
	uploads    *upload.Facility
	deployer   *deploy.Orchestrator
	executor   core.Executor
	notifier   core.Notifier
	limiter    *ratelimit.Limiter
	auditLog   *audit.Logger
	classifier *command.Classifier
	checker    *compliance.Checker
	rules      command.Rules
	clock      core.Clock
	logger     zerolog.Logger

	requestSecret    string
	callbackSecret   string
	defaultAccountID string
}

// Deps carries server construction parameters.
type Deps struct {
	Pipeline   *pipeline.Pipeline
	Dispatcher *dispatch.Dispatcher
	Store      *store.Store
	Pager      *paging.Pager
	Grants     *grant.Manager
	Trust      *trust.Manager
	Uploads    *upload.Facility
	Deployer   *deploy.Orchestrator
	Executor   core.Executor
	Notifier   core.Notifier
	Limiter    *ratelimit.Limiter
	Audit      *audit.Logger
	Classifier *command.Classifier
	Checker    *compliance.Checker
	Rules      command.Rules
	Clock      core.Clock
	Logger     zerolog.Logger
	Config     config.Config
}

// New builds the server, registers the tool table, and mounts routes.
func New(d Deps) (*Server, error) {
	if d.Clock == nil {
		d.Clock = core.RealClock{}
	}
	s := &Server{
		registry:         NewRegistry(),
		pipeline:         d.Pipeline,
		dispatcher:       d.Dispatcher,
		store:            d.Store,
		pager:            d.Pager,
		grants:           d.Grants,
		trust:            d.Trust,
		uploads:          d.Uploads,
		deployer:         d.Deployer,
		executor:         d.Executor,
		notifier:         d.Notifier,
		limiter:          d.Limiter,
		auditLog:         d.Audit,
		classifier:       d.Classifier,
		checker:          d.Checker,
		rules:            d.Rules,
		clock:            d.Clock,
		logger:           d.Logger,
		requestSecret:    d.Config.RequestSecret,
		callbackSecret:   d.Config.CallbackSecret,
		defaultAccountID: d.Config.DefaultAccountID,
	}

	if err := s.registerTools(); err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		},
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})

	api := app.Group("/api", s.requireRequestSecret)
	api.Post("/tools/:name", s.invokeTool)
	api.Get("/status/:request_id", s.statusRoute)

	app.Post("/webhook/telegram", s.telegramWebhook)

	s.app = app
	return s, nil
}

// Listen serves until the listener fails.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) requireRequestSecret(c *fiber.Ctx) error {
	got := c.Get("X-Request-Secret")
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.requestSecret)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "not authorized"})
	}
	return c.Next()
}

func (s *Server) invokeTool(c *fiber.Ctx) error {
	name := c.Params("name")
	result, err := s.registry.Invoke(c.Context(), name, c.Body())
	if err != nil {
		return s.writeError(c, result, err)
	}
	status := fiber.StatusOK
	if body, ok := result.(map[string]any); ok {
		switch body["status"] {
		case "pending_approval":
			status = fiber.StatusAccepted
		case string(core.StatusBlocked), string(core.StatusComplianceRejected):
			status = fiber.StatusForbidden
		case string(core.StatusRateLimited):
			status = fiber.StatusTooManyRequests
		}
	}
	return c.Status(status).JSON(result)
}

func (s *Server) statusRoute(c *fiber.Ctx) error {
	payload, _ := json.Marshal(statusPayload{RequestID: c.Params("request_id")})
	result, err := s.handleStatus(c.Context(), payload)
	if err != nil {
		return s.writeError(c, nil, err)
	}
	return c.JSON(result)
}

// writeError maps internal error kinds onto the HTTP surface. Internal
// failures stay generic; details go to the log only.
func (s *Server) writeError(c *fiber.Ctx, body any, err error) error {
	var vErr *ValidationError
	switch {
	case errors.As(err, &vErr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": vErr.Error()})
	case errors.Is(err, core.ErrParse):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, core.ErrAuth):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "not authorized"})
	case errors.Is(err, core.ErrBlocked):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, core.ErrCompliance):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, core.ErrRateLimited):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limited"})
	case errors.Is(err, core.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	case errors.Is(err, core.ErrConflict):
		if body != nil {
			return c.Status(fiber.StatusConflict).JSON(body)
		}
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict"})
	default:
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}

// telegramWebhook authenticates the notifier callback and hands it to the
// dispatcher.
func (s *Server) telegramWebhook(c *fiber.Ctx) error {
	got := c.Get("X-Telegram-Bot-Api-Secret-Token")
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.callbackSecret)) != 1 {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	var update struct {
		CallbackQuery *struct {
			ID   string `json:"id"`
			Data string `json:"data"`
			From struct {
				ID int64 `json:"id"`
			} `json:"from"`
			Message *struct {
				MessageID int `json:"message_id"`
			} `json:"message"`
		} `json:"callback_query"`
	}
	if err := json.Unmarshal(c.Body(), &update); err != nil || update.CallbackQuery == nil {
		// Non-callback updates (plain messages) are acknowledged and dropped.
		return c.JSON(fiber.Map{"ok": true})
	}

	cb := update.CallbackQuery
	ev := dispatch.Event{
		Token:      cb.Data,
		CallbackID: cb.ID,
		ApproverID: fmt.Sprintf("%d", cb.From.ID),
	}
	if cb.Message != nil {
		ev.MessageID = cb.Message.MessageID
	}
	if err := s.dispatcher.Dispatch(c.Context(), ev); err != nil {
		s.logger.Error().Err(err).Msg("dispatching callback")
	}
	return c.JSON(fiber.Map{"ok": true})
}

// --- shared helpers used by handlers ---

func (s *Server) limiterAllow(ctx context.Context, source string) (bool, error) {
	return s.limiter.Allow(ctx, source)
}

func (s *Server) resolveAccount(ctx context.Context, accountID string) core.Account {
	if acct, err := s.store.GetAccount(ctx, accountID); err == nil {
		return *acct
	}
	return core.Account{AccountID: accountID, Name: "Default"}
}

func (s *Server) accountName(ctx context.Context, accountID string) string {
	return s.resolveAccount(ctx, accountID).Name
}

func (s *Server) notifySilent(ctx context.Context, text string) {
	if err := s.notifier.SendSilent(ctx, text); err != nil {
		s.logger.Error().Err(err).Msg("sending silent notification")
	}
}

func (s *Server) record(e core.AuditEntry) {
	e.At = s.clock.Now()
	if err := s.auditLog.Record(e); err != nil {
		s.logger.Error().Err(err).Msg("writing audit record")
	}
}

func (s *Server) auditPresign(source string, keys []string) {
	s.record(core.AuditEntry{
		Kind:         core.KindPresignedAudit,
		DecisionType: core.DecisionAutoApprove,
		Source:       source,
		Reasons:      keys,
	})
}

// persistGrantExecution writes the grant_auto_approved record for a consumed
// grant entry and returns the response body.
func (s *Server) persistGrantExecution(ctx context.Context, p grantExecutePayload, normalized string, res core.ExecResult) (map[string]any, error) {
	now := s.clock.Now()
	rec := &core.ApprovalRequest{
		RequestID:      newExecutionID(),
		Kind:           core.KindExecute,
		Status:         core.StatusGrantAutoApproved,
		DisplaySummary: grantSummary(normalized),
		Source:         p.Source,
		AccountID:      p.AccountID,
		Reason:         "grant " + p.GrantID,
		Command:        normalized,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
		DecisionType:   core.DecisionGrantApprove,
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting grant execution: %w", err)
	}

	paged, err := s.pager.Store(ctx, rec.RequestID, res.Output)
	stored := res.Output
	if err == nil {
		stored = paged.Result
	}
	exitCode := res.ExitCode
	execMS := res.Duration.Milliseconds()
	status := core.StatusExecutedOK
	if exitCode != 0 {
		status = core.StatusExecutedError
	}
	if err := s.store.Transition(ctx, rec.RequestID, core.StatusGrantAutoApproved, core.RequestPatch{
		Status: status, Result: &stored, ExitCode: &exitCode, ExecutionTime: &execMS,
	}); err != nil {
		s.logger.Error().Err(err).Msg("recording grant execution result")
	}

	s.record(core.AuditEntry{
		RequestID: rec.RequestID, Kind: core.KindExecute,
		DecisionType: core.DecisionGrantApprove,
		Source:       p.Source, AccountID: p.AccountID,
		Reasons: []string{"grant " + p.GrantID},
	})

	body := map[string]any{
		"status":     string(core.StatusGrantAutoApproved),
		"request_id": rec.RequestID,
		"grant_id":   p.GrantID,
		"result":     stored,
		"exit_code":  exitCode,
	}
	return body, nil
}

func grantSummary(normalized string) string {
	const max = 100
	runes := []rune(normalized)
	if len(runes) <= max {
		return normalized
	}
	return string(runes[:max-3]) + "..."
}

func newExecutionID() string {
	return uuid.New().String()[:13]
}
