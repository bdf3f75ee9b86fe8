package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"binance-signal-engine/config"
	"binance-signal-engine/internal/api"
	"binance-signal-engine/internal/auth"
	"binance-signal-engine/internal/binance"
	"binance-signal-engine/internal/btc"
	"binance-signal-engine/internal/cache"
	"binance-signal-engine/internal/clock"
	"binance-signal-engine/internal/confirmation"
	"binance-signal-engine/internal/database"
	"binance-signal-engine/internal/events"
	"binance-signal-engine/internal/logging"
	"binance-signal-engine/internal/metrics"
	"binance-signal-engine/internal/notification"
	"binance-signal-engine/internal/scanner"
	"binance-signal-engine/internal/scheduler"
	"binance-signal-engine/internal/vault"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.New()

	// Exchange credentials
	vaultClient, err := vault.NewClient(cfg.Vault)
	if err != nil {
		return err
	}
	if err := vaultClient.ApplyTo(ctx, &cfg.Exchange); err != nil {
		return fmt.Errorf("failed to load exchange credentials: %w", err)
	}

	// Signal store
	backend, err := database.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open signal store: %w", err)
	}
	defer backend.Close()
	store, err := database.NewSignalStore(ctx, backend, clk, cfg.Storage.OperationTimeout, logger)
	if err != nil {
		return fmt.Errorf("failed to load signal store: %w", err)
	}
	logger.Info("Signal store ready", "driver", cfg.Storage.Driver)

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder(registry)

	// Exchange gateway
	limiter := binance.NewRateLimiter(binance.RateLimiterConfig{
		MaxWeightPerMinute: cfg.Exchange.MaxWeightPerMinute,
		BudgetFraction:     cfg.Exchange.WeightBudget,
		Burst:              cfg.Exchange.WeightBurst,
		PressureWait:       binance.DefaultRateLimiterConfig().PressureWait,
		PressureUsage:      binance.DefaultRateLimiterConfig().PressureUsage,
	}, clk, logger)
	limiter.SetObserver(recorder)
	client := binance.NewClient(binance.Config{
		BaseURL:   cfg.Exchange.BaseURL,
		APIKey:    cfg.Exchange.APIKey,
		SecretKey: cfg.Exchange.SecretKey,
		Timeout:   cfg.Exchange.RequestTimeout,
	}, limiter, clk, logger,
		binance.WithRetryPolicy(binance.RetryPolicy{
			InitialInterval: cfg.Exchange.RetryBase,
			MaxInterval:     cfg.Exchange.RetryCap,
			MaxAttempts:     cfg.Exchange.RetryAttempts,
		}),
		binance.WithObserver(recorder),
	)
	ttls := binance.DefaultCacheTTLs()
	ttls.Ticker = cfg.Exchange.TickerCacheTTL
	market := binance.NewCachedClient(client, clk, ttls)

	// Shared cache
	var shared *cache.Service
	if cfg.Redis.Enabled {
		shared, err = cache.NewService(cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis unavailable, continuing with in-process caches", "error", err)
			shared = nil
		} else {
			defer shared.Close()
		}
	}

	analyzer := btc.NewAnalyzer(market, clk, btcConfig(cfg), shared, logger)

	// Notifications and events
	notifier, err := buildNotifier(ctx, cfg.Notification, recorder, logger)
	if err != nil {
		return err
	}
	bus := events.NewEventBus()
	if cfg.Kafka.Enabled {
		sink, err := events.NewKafkaSink(cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("failed to create kafka sink: %w", err)
		}
		sink.Attach(bus)
		defer sink.Close()
		logger.Info("Kafka decision stream enabled", "topic", cfg.Kafka.Topic)
	}

	// Engine, generator and scheduler
	counters := metrics.NewConfirmation(recorder, clk.Now())
	engine := confirmation.NewEngine(store, market, analyzer, clk, confirmation.Config{
		Thresholds:  thresholds(cfg.Confirmation),
		Tick:        cfg.Scheduler.EngineTick,
		Parallelism: cfg.Confirmation.Parallelism,
		KlineLimit:  cfg.Confirmation.KlineLimit,
	}, logger,
		confirmation.WithNotifier(notifier),
		confirmation.WithEventBus(bus),
		confirmation.WithMetrics(counters, recorder),
	)
	defer engine.WaitNotifications()

	gen := scanner.NewScanner(market, analyzer, store, clk, scannerConfig(cfg.Scanner), logger,
		scanner.WithPressure(limiter),
		scanner.WithSharedCache(shared),
		scanner.WithEventBus(bus),
		scanner.WithMetrics(recorder),
	)

	jobs := scheduler.NewJobs(engine, gen, store, counters, bus, clk, cfg.Scheduler.StaleAfter, logger)
	if err := jobs.LoadLastSweep(ctx); err != nil {
		logger.Warn("Failed to restore last sweep time", "error", err)
	}
	sched := scheduler.NewScheduler(clk, store, logger,
		scheduler.WithMetrics(recorder),
		scheduler.WithEventBus(bus),
		scheduler.WithShutdownTimeout(cfg.Scheduler.ShutdownTimeout),
	)
	if err := scheduler.Register(sched, jobs, cfg.Scheduler); err != nil {
		return fmt.Errorf("failed to register jobs: %w", err)
	}

	if universe, err := gen.RefreshUniverse(ctx); err != nil {
		logger.Warn("Initial universe refresh failed, the scan job will retry", "error", err)
	} else {
		logger.Info("Universe loaded", "symbols", len(universe))
	}

	// API
	authorizer, err := buildAuthorizer(cfg.Auth)
	if err != nil {
		return err
	}
	server := api.NewServer(cfg.Server, api.Deps{
		Store:      store,
		Engine:     engine,
		BTC:        analyzer,
		Jobs:       sched,
		Counters:   counters,
		Bus:        bus,
		Gatherer:   registry,
		Authorizer: authorizer,
		Clock:      clk,
	}, logger)

	if err := sched.Start(); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	logger.Info("Signal engine running",
		"timezone", cfg.Scheduler.Timezone,
		"universe_size", cfg.Scanner.UniverseSize,
		"notifiers", notifier.Enabled(),
	)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("API server stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", "error", err)
	}
	if err := sched.Stop(); err != nil {
		logger.Warn("Scheduler shutdown incomplete", "error", err)
	}
	logger.Info("Signal engine stopped")
	return nil
}

func buildNotifier(ctx context.Context, cfg config.NotificationConfig, rec *metrics.Recorder, logger *logging.Logger) (*notification.Manager, error) {
	mgr := notification.NewManager(rec, logger)

	telegram, err := notification.NewTelegramNotifier(cfg.Telegram)
	if err != nil {
		return nil, err
	}
	mgr.AddNotifier(telegram)
	mgr.AddNotifier(notification.NewDiscordNotifier(cfg.Discord))

	fcm, err := notification.NewFCMNotifier(ctx, cfg.FCM)
	if err != nil {
		return nil, err
	}
	mgr.AddNotifier(fcm)
	return mgr, nil
}

func buildAuthorizer(cfg config.AuthConfig) (auth.Authorizer, error) {
	var chain auth.Chain
	if cfg.JWTSecret != "" {
		chain = append(chain, auth.NewJWTAuthorizer(auth.NewJWTManager(cfg.JWTSecret, 0)))
	}
	if cfg.OperatorTokenHash != "" {
		tok, err := auth.NewTokenAuthorizer(cfg.OperatorTokenHash)
		if err != nil {
			return nil, err
		}
		chain = append(chain, tok)
	}
	if len(chain) == 0 {
		logging.Warn("No operator credentials configured; privileged routes will refuse every caller")
		return nil, nil
	}
	return chain, nil
}

func btcConfig(cfg *config.Config) btc.Config {
	out := btc.DefaultConfig()
	out.Symbol = cfg.BTC.Symbol
	out.CorrelationWindow = cfg.BTC.CorrelationWindow
	out.CorrelationTTL = cfg.BTC.CorrelationTTL
	out.StrongCorrelation = cfg.BTC.StrongCorrelation
	out.ModerateCorrelation = cfg.BTC.ModerateCorrelation
	out.FilterStrength = cfg.BTC.FilterStrength
	out.ScoreBase = cfg.BTC.ScoreBase
	out.ScoreTrend = cfg.BTC.ScoreTrend
	out.ScoreCorrelation = cfg.BTC.ScoreCorrelation
	out.ScoreMomentum = cfg.BTC.ScoreMomentum
	out.KlineLimit = cfg.Scanner.KlineLimit
	if out.KlineLimit <= out.CorrelationWindow {
		out.KlineLimit = out.CorrelationWindow + 1
	}
	return out
}

func thresholds(cfg config.ConfirmationConfig) confirmation.Thresholds {
	return confirmation.Thresholds{
		BreakoutPct:             cfg.BreakoutPct,
		ReversalPct:             cfg.ReversalPct,
		VolumeConfirmRatio:      cfg.VolumeConfirmRatio,
		VolumeInsufficientRatio: cfg.VolumeInsufficientRatio,
		BTCOppositeStrength:     cfg.BTCOppositeStrength,
		EliteNeutralScore:       cfg.EliteNeutralScore,
		MaxAttempts:             cfg.MaxAttempts,
		MinConfirmations:        cfg.MinConfirmations,
		MinRejections:           cfg.MinRejections,
		MaxConsecutiveFailures:  cfg.MaxConsecutiveFailures,
	}
}

func scannerConfig(cfg config.ScannerConfig) scanner.Config {
	return scanner.Config{
		UniverseSize: cfg.UniverseSize,
		Concurrency:  cfg.Concurrency,
		MinScore:     cfg.MinScore,
		EliteScore:   cfg.EliteScore,
		Weights: scanner.Weights{
			Trend:       cfg.WeightTrend,
			Volume:      cfg.WeightVolume,
			Momentum:    cfg.WeightMomentum,
			Pattern:     cfg.WeightPattern,
			Correlation: cfg.WeightCorrelation,
		},
		TargetATRPremium: cfg.TargetATRPremium,
		TargetATRElite:   cfg.TargetATRElite,
		StopATR:          cfg.StopATR,
		SignalTTL:        cfg.SignalTTL,
		KlineLimit:       cfg.KlineLimit,
	}
}
