// Kestrel - Real-time transaction risk scoring.
// Copyright (c) 2026 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/behavior"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/device"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/geo"
	"github.com/opensource-finance/kestrel/internal/ml"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/stats"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Scoring services
	scoring := cfg.Scoring
	velocitySvc := rules.NewVelocityService(repo, cacheImpl, scoring)
	geoSvc := geo.NewService(scoring)
	deviceSvc := device.NewService(repo, cacheImpl, nil, scoring)
	behaviorSvc := behavior.NewService(repo, scoring)
	statsSvc := stats.NewService(scoring)
	mlSvc := ml.NewService(scoring)

	engine, err := rules.NewEngine(repo, cacheImpl, geoSvc, velocitySvc, scoring)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized")

	orchestrator := anomaly.NewOrchestrator(repo, busImpl, statsSvc, behaviorSvc, velocitySvc, geoSvc, deviceSvc, scoring)
	slog.Info("anomaly orchestrator initialized",
		"enabled", scoring.AnomalyDetectionEnabled,
		"persist_threshold", scoring.AnomalyPersistThreshold,
	)

	fraudSvc := fraud.NewService(repo, busImpl, engine, behaviorSvc, deviceSvc, orchestrator, mlSvc, scoring)
	slog.Info("fraud service initialized", "ml_enabled", scoring.MLEnabled)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, fraudSvc)

		var tenantIDs []string
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			tenantIDs = strings.Split(envTenants, ",")
		}

		if err := asyncWorker.Start(worker.Config{TenantIDs: tenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, fraudSvc, engine, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// applyEnvOverrides maps the environment knobs onto the loaded config.
func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if os.Getenv("KESTREL_ANOMALY_DETECTION") == "false" {
		cfg.Scoring.AnomalyDetectionEnabled = false
	}
	if os.Getenv("KESTREL_ML") == "false" {
		cfg.Scoring.MLEnabled = false
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║     Transaction Risk Scoring Engine       ║")
	fmt.Println("  ║      Every transaction, scored.           ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /analyze                     - Score a transaction")
	fmt.Println("    POST /analyze/user                - Score a user")
	fmt.Println("    POST /indicators                  - Lightweight fraud indicators")
	fmt.Println("    GET  /scores/{id}                 - Get fraud score by ID")
	fmt.Println("    POST /scores/{id}/recalculate     - Re-score with current rules")
	fmt.Println("    GET  /transactions/{id}           - Get transaction by ID")
	fmt.Println("    GET  /transactions/{id}/anomalies - List anomaly detections")
	fmt.Println("    GET  /profiles/{userId}           - Get behavioral profile")
	fmt.Println("    GET  /devices/{hash}              - Get device fingerprint")
	fmt.Println("    GET  /rules                       - List active rules")
	fmt.Println("    POST /rules                       - Create a rule")
	fmt.Println("    POST /rules/reload                - Hot-reload rules")
	fmt.Println("    GET  /cases                       - List open fraud cases")
	fmt.Println("    POST /cases/{id}/resolve          - Resolve a fraud case")
	fmt.Println("    GET  /health                      - Health check")
	fmt.Println()
}
