package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voip-platform/db/migrations"
	"voip-platform/internal/analysis"
	"voip-platform/internal/audit"
	"voip-platform/internal/auth"
	"voip-platform/internal/billing"
	"voip-platform/internal/calls"
	"voip-platform/internal/config"
	"voip-platform/internal/deadletter"
	"voip-platform/internal/dialer"
	"voip-platform/internal/httpapi"
	"voip-platform/internal/pricing"
	"voip-platform/internal/realtime"
	"voip-platform/internal/reporting"
	"voip-platform/internal/telephony"
	"voip-platform/pkg/logger"
	"voip-platform/pkg/observability"
	"voip-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, logger.Options{File: cfg.App.LogFile})
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := observability.Setup(rootCtx, cfg.OTEL, cfg.App.Env)
	if err != nil {
		log.Error("tracing init failed", "err", err)
		os.Exit(1)
	}

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: cfg.DB.MaxOpenConns})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.DB.AutoMigrate {
		version, err := utils.MigrateUp(db, migrations.FS, ".")
		if err != nil {
			log.Error("migrations failed", "err", err)
			os.Exit(1)
		}
		log.Info("schema migrated", "version", version)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	a, err := buildApp(cfg, db, rdb, log)
	if err != nil {
		log.Error("app init failed", "err", err)
		os.Exit(1)
	}

	r := gin.New()
	registerRoutes(r, cfg, a, log, auth.RequireAccessToken(verifier))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return a.sweeper.Run(gctx) })
	g.Go(func() error { return a.publisher.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		// Stops every loaded campaign so no queue dials after the listener is gone.
		a.dialer.Shutdown(shutdownCtx)
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error("tracing shutdown failed", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("api stopped with error", "err", err)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = logger.ShutdownFlush(flushCtx, 2*time.Second)
}

// app holds the wired services shared by routes and background workers.
type app struct {
	db        *sql.DB
	handlers  httpapi.Handlers
	webhooks  telephony.WebhookHandler
	ledger    *billing.Ledger
	dialer    *dialer.Manager
	sweeper   *deadletter.Sweeper
	publisher *realtime.Publisher
}

func buildApp(cfg config.Config, db *sql.DB, rdb *redis.Client, log *slog.Logger) (*app, error) {
	dlqRepo := deadletter.NewPostgresRepo(db)
	dlq := deadletter.NewRecorder(dlqRepo)

	rates := pricing.NewResolver(pricing.NewPostgresRepo(db), pricing.Tariff{
		RatePerMinute:    cfg.Billing.FallbackRatePerMinute,
		IncrementSeconds: cfg.Billing.FallbackIncrement,
		ConnectionFee:    cfg.Billing.FallbackConnectionFee,
		DestinationType:  "fallback",
		Fallback:         true,
	})

	callRepo := calls.NewPostgresRepo(db)
	ledger := billing.NewLedger(billing.NewPostgresStore(db), callRepo, rates, dlq, log.With("component", "billing"))

	var providers []calls.Provider
	if cfg.Twilio.AccountSID != "" {
		providers = append(providers, telephony.NewTwilioProvider(cfg.Twilio, cfg.App.PublicBaseURL))
	}
	if cfg.Telnyx.APIKey != "" {
		providers = append(providers, telephony.NewTelnyxProvider(cfg.Telnyx, cfg.App.PublicBaseURL))
	}
	if len(providers) == 0 {
		log.Warn("no telephony provider configured; outbound calls will be rejected")
	}

	var limiter calls.ConcurrencyLimiter
	if n := cfg.Calls.MaxConcurrentPerTenant; n > 0 {
		limiter = utils.NewTenantCallCap(rdb, n, 4*time.Hour)
	}

	svc := calls.NewService(calls.Options{
		Store:           callRepo,
		Providers:       providers,
		DefaultProvider: cfg.Calls.DefaultProvider,
		Settler:         ledger,
		Credit:          ledger,
		Limiter:         limiter,
		DeadLetters:     dlq,
		Logger:          log.With("component", "calls"),
	})

	publisher := realtime.NewPublisher(rdb, realtime.PublisherOptions{Logger: log.With("component", "realtime")})
	svc.Subscribe(publisher)

	analyzer := analysis.NewClient(cfg.Analysis, analysis.Options{DeadLetters: dlq, Logger: log.With("component", "analysis")})
	ingress := telephony.NewIngress(telephony.IngressOptions{
		Calls:       svc,
		DeadLetters: dlq,
		Recordings:  analyzer,
		RetryWindow: cfg.Calls.IngressRetryWindow,
		Logger:      log.With("component", "ingress"),
	})

	manager := dialer.NewManager(dialer.ManagerOptions{
		Placer:         svc,
		Contacts:       dialer.NewPostgresStore(db),
		Items:          dialer.NewPostgresStore(db),
		CallerID:       defaultCallerID(cfg),
		InterCallDelay: cfg.Dialer.InterCallDelay,
		WrapUpDuration: cfg.Dialer.WrapUpDuration,
		Schedule:       dialer.AfterFunc,
		Logger:         log.With("component", "dialer"),
	})

	sweeper := deadletter.NewSweeper(dlqRepo, deadletter.SweeperOptions{
		Interval:    cfg.DeadLetter.SweepInterval,
		BatchSize:   cfg.DeadLetter.BatchSize,
		MaxAttempts: cfg.DeadLetter.MaxAttempts,
		Logger:      log.With("component", "deadletter"),
	})
	sweeper.Handle(deadletter.TaskBillingDebit, ledger.ReplayDeadLetter)
	sweeper.Handle(deadletter.TaskStatusUpdate, ingress.ReplayStatusUpdate)
	sweeper.Handle(deadletter.TaskRecordingDownload, ingress.ReplayRecording)
	sweeper.Handle(deadletter.TaskAIAnalysis, analyzer.ReplayDeadLetter)
	sweeper.Handle(deadletter.TaskCallPlacement, func(ctx context.Context, e deadletter.Entry) error {
		return svc.ReconcilePlacement(ctx, e.Payload)
	})

	devices, err := telephony.NewDeviceTokens(cfg.Twilio)
	if err != nil {
		log.Info("browser device tokens disabled", "reason", err.Error())
	}

	webhooks := telephony.WebhookHandler{
		Ingress:            ingress,
		Calls:              svc,
		Numbers:            telephony.NewPostgresNumbers(db),
		BaseURL:            cfg.App.PublicBaseURL,
		CallerID:           cfg.Twilio.CallerID,
		DefaultCountryCode: cfg.Billing.DefaultCountryCode,
	}
	if cfg.Twilio.ValidateSignatures {
		webhooks.TwilioSignature = telephony.NewTwilioSignature(cfg.Twilio.AuthToken, cfg.App.PublicBaseURL)
	}
	if cfg.Telnyx.WebhookPublicKey != "" {
		sig, err := telephony.NewTelnyxSignature(cfg.Telnyx.WebhookPublicKey)
		if err != nil {
			return nil, err
		}
		webhooks.TelnyxSignature = sig
	}

	hub := realtime.NewHub(realtime.NewRedisFeed(rdb), realtime.HubOptions{Logger: log.With("component", "realtime")})

	return &app{
		db:     db,
		ledger: ledger,
		handlers: httpapi.Handlers{
			Calls:              svc,
			Ledger:             ledger,
			Dialer:             manager,
			DeadLetters:        dlqRepo,
			Sweeper:            sweeper,
			Devices:            devices,
			Reports:            reporting.NewService(reporting.NewPostgresRepo(db)),
			Realtime:           hub,
			Audit:              audit.NewService(audit.NewPostgresRepo(db)),
			DefaultCountryCode: cfg.Billing.DefaultCountryCode,
		},
		webhooks:  webhooks,
		dialer:    manager,
		sweeper:   sweeper,
		publisher: publisher,
	}, nil
}

func defaultCallerID(cfg config.Config) string {
	if cfg.Calls.DefaultProvider == telephony.ProviderTelnyx && cfg.Telnyx.CallerID != "" {
		return cfg.Telnyx.CallerID
	}
	return cfg.Twilio.CallerID
}
