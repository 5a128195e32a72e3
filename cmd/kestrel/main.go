// Kestrel - Bucketed transaction-graph risk engine for AML analysts.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/service"
	"github.com/opensource-finance/kestrel/internal/snapshot"
	"github.com/opensource-finance/kestrel/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("kestrel exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"dataset_id", cfg.Dataset.ID,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Snapshot
	snap, err := snapshot.ReadFile(cfg.Dataset.SnapshotPath)
	if err != nil {
		return err
	}
	store := snapshot.New(snapshot.WithLogger(logger))
	if err := store.Load(snap); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithMetrics(m),
		service.WithClusterThreshold(cfg.Engine.ClusterThreshold),
		service.WithRiskPersistence(cfg.Engine.PersistRisk),
	}

	// Repository
	var repo domain.Repository
	if cfg.Repository.Driver != "none" {
		sqlRepo, err := repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("initialize repository: %w", err)
		}
		defer sqlRepo.Close()
		repo = sqlRepo
		opts = append(opts, service.WithRepository(repo))
		slog.Info("repository initialized", "driver", cfg.Repository.Driver)
	}

	// Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	opts = append(opts, service.WithCache(cacheImpl, cfg.Cache.QueryTTL))
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	opts = append(opts, service.WithBus(busImpl))
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Alert rules
	engine, err := rules.NewEngine(0)
	if err != nil {
		return fmt.Errorf("initialize rule engine: %w", err)
	}
	defer engine.Close()
	opts = append(opts, service.WithRules(engine))

	svc, err := service.New(cfg.Dataset.ID, store, opts...)
	if err != nil {
		return err
	}
	if repo != nil {
		if n, err := svc.ReloadRules(ctx); err != nil {
			slog.Warn("failed to load alert rules", "error", err)
		} else {
			slog.Info("rule engine initialized", "rules_count", n)
		}
	}

	if err := svc.Precompute(ctx, cfg.Engine.PrecomputeWorkers); err != nil {
		return fmt.Errorf("precompute: %w", err)
	}

	// Injection worker
	var injectionWorker *worker.Worker
	if cfg.Worker.Async {
		injectionWorker = worker.NewWorker(busImpl, svc, logger)
		if err := injectionWorker.Start(); err != nil {
			return fmt.Errorf("start injection worker: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Service:  svc,
		Bus:      busImpl,
		Async:    cfg.Worker.Async,
		Gatherer: reg,
		Version:  Version,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"buckets", svc.NBuckets(),
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	if injectionWorker != nil {
		if err := injectionWorker.Stop(); err != nil {
			slog.Error("failed to stop injection worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - transaction graph risk engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Dataset:  %s\n", cfg.Dataset.ID)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /snapshot?t=               - Bucket graph")
	fmt.Println("    GET  /entities/{id}?t=          - Entity risk and activity")
	fmt.Println("    GET  /neighbors?id=&k=&t=       - k-hop neighborhood")
	fmt.Println("    GET  /clusters?t=               - High-risk clusters")
	fmt.Println("    POST /query                     - Run a canned query")
	fmt.Println("    POST /query/parse               - Map text to a query")
	fmt.Println("    GET  /counterfactual?id=&t=     - Risk without suspicious edges")
	fmt.Println("    GET  /dashboard?t=              - Bucket KPIs")
	fmt.Println("    POST /buckets/{t}/transactions  - Inject transactions")
	fmt.Println("    GET  /rules, POST /rules        - Alert rules")
	fmt.Println("    GET  /alerts?t=                 - Raised alerts")
	fmt.Println("    GET  /health, /ready, /metrics")
	fmt.Println()
}
