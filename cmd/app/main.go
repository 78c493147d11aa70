package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicecast/internal/broadcast"
	"voicecast/internal/cache"
	"voicecast/internal/config"
	"voicecast/internal/eventbus"
	"voicecast/internal/httpserver"
	"voicecast/internal/jobs"
	"voicecast/internal/limits"
	"voicecast/internal/logging"
	"voicecast/internal/metrics"
	"voicecast/internal/notify"
	"voicecast/internal/repo"
	"voicecast/internal/selection"
	"voicecast/internal/wa"
	"voicecast/internal/wallet"
	"voicecast/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting voicecast", "env", cfg.AppEnv, "database", cfg.DatabaseDriver, "fanout_mode", cfg.Broadcast.FanoutMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repository.Close()
	logger.Info("database migrated")

	loc, err := cfg.Broadcast.Location()
	if err != nil {
		return err
	}

	checks := map[string]httpserver.Pinger{"database": repository}

	defaults := limits.Limits{
		DailyLimit:      cfg.Broadcast.DailyLimit,
		HourlyLimit:     cfg.Broadcast.HourlyLimit,
		CooldownMinutes: cfg.Broadcast.CooldownMinutes,
		BypassRoles:     cfg.Broadcast.BypassRoles,
	}
	var settings limits.SettingsStore = limits.StaticSettings{Limits: defaults}
	if cfg.RedisAddr != "" {
		redisClient := cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed, limits fall back to defaults", "error", err)
		} else if _, err := redisClient.HashSetMissing(ctx, cfg.LimitsKey, limits.HashValues(defaults)); err != nil {
			logger.Warn("failed seeding broadcast limits", "key", cfg.LimitsKey, "error", err)
		}
		settings = limits.NewRedisSettings(redisClient, cfg.LimitsKey, defaults, logger)
		checks["redis"] = redisClient
	}

	ledger := limits.NewLedger(repository, loc, logger)
	policy := limits.NewPolicy(settings, ledger, logger)

	strategy, err := selection.ParseStrategy(cfg.Broadcast.SelectionStrategy)
	if err != nil {
		return fmt.Errorf("selection strategy: %w", err)
	}
	relations := selection.NewRelationshipFilter(repository)
	selector := selection.NewSelector(repository, relations, selection.Config{
		Strategy:  strategy,
		PoolLimit: cfg.Broadcast.CandidatePoolLimit,
	}, metricRegistry, logger)

	wallets := wallet.NewService(repository, logger)

	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	go auditEvents(events, logger)

	var transport notify.Transport = notify.NewLogTransport(logger)
	if cfg.WhatsApp.Enabled {
		waClient, err := wa.New(ctx, wa.Config{
			StorePath: cfg.WhatsApp.StorePath,
			LogLevel:  cfg.WhatsApp.LogLevel,
		}, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		defer waClient.Close()

		waCtx, waCancel := context.WithCancel(ctx)
		defer waCancel()
		go func() {
			if err := waClient.Start(waCtx); err != nil {
				logger.Error("whatsapp client stopped", "error", err)
				stop()
			}
		}()
		transport = notify.NewWhatsAppTransport(waClient)
		checks["whatsapp"] = waClient
	}

	dispatcher := notify.NewDispatcher(notify.Config{
		Workers:    cfg.Notify.Workers,
		RatePerSec: cfg.Notify.RatePerSec,
		RetryMax:   cfg.Notify.RetryMax,
		QueueSize:  cfg.Notify.QueueSize,
	}, transport, metricRegistry, logger)
	dispatcher.Start(ctx)

	orch := broadcast.NewOrchestrator(broadcast.Deps{
		Store:     repository,
		Policy:    policy,
		Selector:  selector,
		Relations: relations,
		Wallet:    wallets,
		Notifier:  dispatcher,
		Events:    bus,
		Metrics:   metricRegistry,
		Logger:    logger,
	}, broadcast.Config{
		Cost:                  cfg.Broadcast.Cost,
		DefaultRecipients:     cfg.Broadcast.DefaultRecipients,
		MaxRecipients:         cfg.Broadcast.MaxRecipients,
		MaxFilteredRecipients: cfg.Broadcast.MaxFilteredRecipients,
		Mode:                  cfg.Broadcast.FanoutMode,
		ContentTypes:          cfg.Broadcast.ContentTypes,
		DefaultCaption:        cfg.Broadcast.DefaultCaption,
	})

	runner, err := jobs.NewRunner(jobs.Config{
		Workers:       cfg.Jobs.Workers,
		RetryMax:      cfg.Jobs.RetryMax,
		SweepSchedule: cfg.Jobs.SweepSchedule,
		SweepGrace:    cfg.Jobs.SweepGrace,
		Location:      loc,
	}, orch.RunFanout, repository, metricRegistry, logger)
	if err != nil {
		return fmt.Errorf("init job runner: %w", err)
	}
	orch.SetEnqueuer(runner)
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start job runner: %w", err)
	}

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Dependencies{
		Broadcasts: orch,
		Checks:     checks,
	}, cfg.PublicBasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		runErr = fmt.Errorf("http server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := runner.Stop(shutdownCtx); err != nil {
		logger.Error("job runner shutdown error", "error", err)
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Error("notification dispatcher shutdown error", "error", err)
	}
	if n := bus.Dropped(); n > 0 {
		logger.Warn("domain events dropped by slow subscribers", "count", n)
	}

	return runErr
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Repository, error) {
	var (
		repository repo.Repository
		files      fs.FS
		err        error
	)
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		repository, err = repo.NewSQLite(ctx, cfg.SQLitePath, logger)
		files = migrations.SQLite()
	case config.DriverPostgres:
		repository, err = repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
		files = migrations.Postgres()
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}

	if err := repository.RunMigrations(ctx, files); err != nil {
		repository.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return repository, nil
}

func auditEvents(events <-chan eventbus.Event, logger *slog.Logger) {
	log := logger.With("component", "audit")
	for e := range events {
		attrs := make([]any, 0, 2+2*len(e.Data))
		attrs = append(attrs, "event", e.Type)
		for k, v := range e.Data {
			attrs = append(attrs, k, v)
		}
		log.Info("domain event", attrs...)
	}
}
