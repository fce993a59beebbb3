package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qwer2003tw/bouncer/internal/audit"
	"github.com/qwer2003tw/bouncer/internal/command"
	"github.com/qwer2003tw/bouncer/internal/compliance"
	"github.com/qwer2003tw/bouncer/internal/config"
	"github.com/qwer2003tw/bouncer/internal/db"
	"github.com/qwer2003tw/bouncer/internal/deploy"
	"github.com/qwer2003tw/bouncer/internal/dispatch"
	"github.com/qwer2003tw/bouncer/internal/executor"
	"github.com/qwer2003tw/bouncer/internal/gateway"
	"github.com/qwer2003tw/bouncer/internal/grant"
	"github.com/qwer2003tw/bouncer/internal/logging"
	"github.com/qwer2003tw/bouncer/internal/notify"
	"github.com/qwer2003tw/bouncer/internal/paging"
	"github.com/qwer2003tw/bouncer/internal/pipeline"
	"github.com/qwer2003tw/bouncer/internal/ratelimit"
	"github.com/qwer2003tw/bouncer/internal/risk"
	"github.com/qwer2003tw/bouncer/internal/store"
	"github.com/qwer2003tw/bouncer/internal/trust"
	"github.com/qwer2003tw/bouncer/internal/upload"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the approval gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if err := db.EnsureDataDir(cfg.DataDir); err != nil {
		return err
	}
	metaDB, err := db.OpenMetadataDB(cfg.DataDir)
	if err != nil {
		return err
	}
	defer metaDB.Close()
	auditDB, err := db.OpenAuditDB(cfg.DataDir)
	if err != nil {
		return err
	}
	defer auditDB.Close()

	st := store.New(metaDB, nil)
	auditLog, err := audit.NewLogger(auditDB)
	if err != nil {
		return err
	}

	cmdRules, err := loadCommandRules(cfg)
	if err != nil {
		return err
	}
	classifier := command.NewClassifier(cmdRules)

	compRules, err := compliance.LoadRules(cfg.ComplianceRulesFile, cfg.TrustedAccountIDs)
	if err != nil {
		return err
	}
	checker, err := compliance.NewChecker(compRules, cfg.TrustedAccountIDs)
	if err != nil {
		return err
	}

	riskRules, err := risk.LoadRules(cfg.RiskRulesFile)
	if err != nil {
		return err
	}
	scorer, err := risk.NewScorer(riskRules)
	if err != nil {
		return err
	}

	var counter ratelimit.Counter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		counter = ratelimit.NewRedisCounter(rdb, time.Duration(cfg.RateWindowSeconds)*time.Second)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("rate limiting via redis")
	} else {
		counter = ratelimit.NewStoreCounter(st)
	}
	limiter := ratelimit.New(counter, time.Duration(cfg.RateWindowSeconds)*time.Second, cfg.RateMaxInWindow, nil)

	trustMgr := trust.NewManager(st, classifier, trust.Budgets{
		TTL:            time.Duration(cfg.TrustTTLMinutes) * time.Minute,
		MaxCommands:    cfg.TrustMaxCommands,
		MaxUploads:     cfg.TrustMaxUploads,
		MaxBytes:       cfg.TrustMaxBytes,
		PerUploadBytes: cfg.TrustPerUploadBytes,
	}, cfg.UploadBlockedExtensions, nil, logger)

	grantMgr := grant.NewManager(st, classifier, checker, scorer, grant.Limits{
		MaxTTLMinutes: cfg.GrantTTLMaxMinutes,
		MaxCommands:   cfg.GrantMaxCommands,
		MaxExecutions: cfg.GrantMaxExecutions,
	}, nil, logger)

	notifier, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, logger)
	if err != nil {
		return err
	}

	broker, err := executor.NewSTSBroker(ctx, cfg.AWSRegion)
	if err != nil {
		return err
	}
	exec := executor.NewSubprocess(broker, logger)

	pager := paging.New(st, cfg.PageSizeChars, cfg.PageSizeChars, nil)

	uploads, err := upload.New(ctx, cfg.AWSRegion, cfg.StagingBucket, cfg.UploadBlockedExtensions, nil, logger)
	if err != nil {
		return err
	}

	var deployer *deploy.Orchestrator
	if cfg.EnableDeployer {
		deployer, err = deploy.New(ctx, cfg.AWSRegion, cfg.DeployerEndpoint, st, nil, logger)
		if err != nil {
			return err
		}
	}

	pipe := pipeline.New(pipeline.Options{
		Store: st, Classifier: classifier, Checker: checker, Scorer: scorer,
		Limiter: limiter, Trust: trustMgr, Grants: grantMgr,
		Executor: exec, Notifier: notifier, Pager: pager, Audit: auditLog,
		Logger:              logger,
		DefaultAccountID:    cfg.DefaultAccountID,
		ApprovalExpiry:      time.Duration(cfg.ApprovalExpirySeconds) * time.Second,
		ResultTruncateChars: cfg.ResultTruncateChars,
	})

	dispatcherOpts := dispatch.Options{
		Store: st, Notifier: notifier, Executor: exec,
		Trust: trustMgr, Grants: grantMgr, Checker: checker,
		Pager: pager, Audit: auditLog, Logger: logger,
		ApproverWhitelist:   cfg.ApproverWhitelist,
		ResultTruncateChars: cfg.ResultTruncateChars,
	}
	if deployer != nil {
		dispatcherOpts.Deployer = deployer
	}
	dispatcher := dispatch.New(dispatcherOpts)

	server, err := gateway.New(gateway.Deps{
		Pipeline: pipe, Dispatcher: dispatcher, Store: st, Pager: pager,
		Grants: grantMgr, Trust: trustMgr, Uploads: uploads, Deployer: deployer,
		Executor: exec, Notifier: notifier, Limiter: limiter, Audit: auditLog,
		Classifier: classifier, Checker: checker, Rules: cmdRules,
		Logger: logger, Config: cfg,
	})
	if err != nil {
		return err
	}

	// Expired records and stale rate windows are reclaimed in the background.
	go purgeLoop(ctx, st, cfg, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(cfg.ListenAddr)
	}()
	logger.Info().Str("addr", cfg.ListenAddr).Msg("bouncer gateway listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sig:
		logger.Info().Msg("shutting down")
		return server.Shutdown()
	}
}

func loadCommandRules(cfg config.Config) (command.Rules, error) {
	// The three pattern files overlay one rule table; any of them may be
	// absent.
	rules := command.DefaultRules()
	for _, path := range []string{cfg.BlockedPatternsFile, cfg.SafelistPatternsFile, cfg.DangerPatternsFile} {
		next, err := rules.Overlay(path)
		if err != nil {
			return command.Rules{}, err
		}
		rules = next
	}
	return rules, nil
}

func purgeLoop(ctx context.Context, st *store.Store, cfg config.Config, logger zerolog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			grace := time.Duration(cfg.ApprovalExpirySeconds) * time.Second
			if _, err := st.PurgeExpired(ctx, grace); err != nil {
				logger.Warn().Err(err).Msg("purging expired records")
			}
			cutoff := time.Now().Add(-2 * time.Duration(cfg.RateWindowSeconds) * time.Second).Unix()
			if err := st.PruneRateCounters(ctx, cutoff); err != nil {
				logger.Warn().Err(err).Msg("pruning rate counters")
			}
		}
	}
}
