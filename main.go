package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"deriv-bot-manager/config"
	"deriv-bot-manager/internal/api"
	"deriv-bot-manager/internal/auth"
	"deriv-bot-manager/internal/credentials"
	"deriv-bot-manager/internal/database"
	"deriv-bot-manager/internal/events"
	"deriv-bot-manager/internal/lifecycle"
	"deriv-bot-manager/internal/logging"
	"deriv-bot-manager/internal/notification"
	"deriv-bot-manager/internal/pending"
	"deriv-bot-manager/internal/vault"
	"deriv-bot-manager/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sourcegraph/conc"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.NewDB(ctx, cfg.DatabaseConfig)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		logger.Fatal("Failed to run migrations", "error", err)
	}

	// Pending activations live in Redis when configured so they survive restarts
	var pendingStore pending.Store
	if cfg.RedisConfig.Enabled {
		client, err := pending.NewRedisClient(ctx, cfg.RedisConfig)
		if err != nil {
			db.Close()
			logger.Fatal("Failed to connect to Redis", "error", err)
		}
		defer client.Close()
		pendingStore = pending.NewRedisStore(client, cfg.RedisConfig.KeyPrefix, cfg.LifecycleConfig.PendingTTL)
		logger.Info("Pending activations stored in Redis", "address", cfg.RedisConfig.Address)
	} else {
		pendingStore = pending.NewMemoryStore(cfg.LifecycleConfig.PendingTTL)
		logger.Warn("Redis disabled, pending activations are kept in memory only")
	}

	// Credential names resolve from the environment first, then Vault
	sources := []credentials.Source{credentials.EnvSource{}}
	if cfg.VaultConfig.Enabled {
		vaultClient, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			db.Close()
			logger.Fatal("Failed to create Vault client", "error", err)
		}
		if err := vaultClient.Health(ctx); err != nil {
			logger.Warn("Vault health check failed, indirect credentials may not resolve", "error", err)
		}
		sources = append(sources, credentials.NewVaultSource(vaultClient))
		logger.Info("Vault credential source enabled", "address", cfg.VaultConfig.Address)
	}
	resolver := credentials.NewResolver(sources...)

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := lifecycle.NewMetrics(registry)

	// Event bus and notifications
	eventBus := events.NewEventBus()
	notifyManager := notification.NewManagerFromConfig(cfg.NotificationConfig)
	if notifyManager.Enabled() {
		notification.NewForwarder(notifyManager).Attach(eventBus)
		logger.Info("Notifications enabled")
	}

	// Workers report settlements back through the controller, which is built after the factory
	var ctrl *lifecycle.Controller
	factory := worker.NewDerivFactory(worker.DerivConfig{
		Endpoint:             cfg.WorkerConfig.Endpoint,
		AppID:                cfg.WorkerConfig.AppID,
		PingInterval:         cfg.WorkerConfig.PingInterval,
		MaxReconnectInterval: cfg.WorkerConfig.MaxReconnectInterval,
	}, func(identity string, c worker.Counters) {
		if ctrl != nil {
			ctrl.RecordSettlement(identity, c)
		}
	})

	ctrl, err = lifecycle.New(lifecycle.Deps{
		Store:         database.NewWorkerRepository(db),
		Pending:       pendingStore,
		Resolver:      resolver,
		WorkerFactory: factory,
		Bus:           eventBus,
		Metrics:       metrics,
	}, lifecycle.OptionsFromConfig(cfg))
	if err != nil {
		db.Close()
		logger.Fatal("Failed to create lifecycle controller", "error", err)
	}

	// Restore the fleet before serving traffic
	report, err := ctrl.Reconcile(ctx)
	if err != nil {
		db.Close()
		logger.Fatal("Failed to reconcile workers", "error", err)
	}
	logger.Info("Workers restored",
		"loaded", report.Loaded,
		"activated", report.Activated,
		"skipped", len(report.Skipped),
		"duration", report.Duration.String())

	authService, err := auth.NewService(cfg.AdminConfig)
	if err != nil {
		db.Close()
		logger.Fatal("Failed to initialize admin auth", "error", err)
	}

	server := api.NewServer(api.ServerDeps{
		Config:    cfg,
		Lifecycle: ctrl,
		Auth:      authService,
		DB:        db,
		Gatherer:  registry,
	})

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := server.Start(); err != nil {
			logger.Error("HTTP server stopped", "error", err)
			stop()
		}
	})

	tg := cfg.NotificationConfig.Telegram
	if tg.AdminCommands {
		admin := notification.NewTelegramAdmin(notification.TelegramConfig{
			BotToken: tg.BotToken,
			ChatID:   tg.ChatID,
			Enabled:  true,
		}, ctrl)
		wg.Go(func() {
			if err := admin.Run(ctx); err != nil {
				logger.Error("Telegram admin listener stopped", "error", err)
			}
		})
	}

	logger.Info("Deriv bot manager started",
		"port", cfg.ServerConfig.Port,
		"workers", len(ctrl.Workers()))

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	wg.Wait()

	// Workers close without touching their records so the next start restores them
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Error("Lifecycle shutdown error", "error", err)
	}
	db.Close()

	logger.Info("Shutdown complete")
}
