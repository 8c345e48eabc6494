// Package main is the entry point for candlekeeper, the minute-candle
// reconciliation service. It assembles the storage layers, the provider
// stack, the durable job queue with its worker, the periodic scheduler and
// the HTTP API, then runs until interrupted.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"candlekeeper/internal/catalog"
	"candlekeeper/internal/config"
	"candlekeeper/internal/coverage"
	"candlekeeper/internal/database"
	"candlekeeper/internal/dates"
	"candlekeeper/internal/dayfile"
	"candlekeeper/internal/jobs"
	"candlekeeper/internal/provider/binance"
	"candlekeeper/internal/provider/bookarchive"
	"candlekeeper/internal/provider/polygon"
	"candlekeeper/internal/reconcile"
	"candlekeeper/internal/scheduler"
	"candlekeeper/internal/server"
	"candlekeeper/internal/sources"
	"candlekeeper/internal/worker"
	"candlekeeper/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting candlekeeper")

	// Storage layers.
	db, err := database.Open(cfg.CatalogPath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open catalog database")
	}
	defer db.Close()

	catalogRepo, err := catalog.NewRepository(db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize catalog")
	}

	queue, err := jobs.Open(cfg.QueueDir(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open job queue")
	}

	indexes := coverage.NewTree(cfg.IndexDir(), log)
	store := dayfile.New(cfg.BarsDir(), log)

	// Provider adapters. Each is optional except the exchange client, which
	// serves public data without credentials.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	binanceClient := binance.New(binance.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
	}, log)

	var archive *bookarchive.Archive
	if cfg.Archive.Configured() {
		archive, err = bookarchive.New(ctx, bookarchive.Config{
			Endpoint:        cfg.Archive.Endpoint,
			Region:          cfg.Archive.Region,
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			AccessKeyID:     cfg.Archive.AccessKey,
			SecretAccessKey: cfg.Archive.SecretKey,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize order-book archive")
		}
	} else {
		log.Info().Msg("Order-book archive not configured, skipping")
	}

	var polygonService *polygon.Service
	if cfg.PolygonAPIKey != "" {
		polygonService = polygon.New(cfg.PolygonAPIKey, log)
	} else {
		log.Info().Msg("Polygon API key not configured, vendor fallback disabled")
	}

	registry := sources.New(catalogRepo, binanceClient, archive, polygonService, log)

	// Reconciliation engine and worker.
	engine := reconcile.New(indexes, store, reconcile.Config{
		RequestTimeout: cfg.RequestTimeout,
		TrailingDays:   cfg.TrailingDays,
	}, log)

	floor, err := dates.Parse(cfg.HistoryFloor)
	if err != nil {
		log.Fatal().Err(err).Str("value", cfg.HistoryFloor).Msg("Invalid history floor")
	}

	w := worker.New(queue, worker.Config{
		PollInterval:   cfg.PollInterval,
		StaleTimeout:   cfg.StaleTimeout,
		DataDir:        cfg.DataDir,
		MaxDiskUsedPct: cfg.MaxDiskUsedPct,
	}, log)
	w.Register(worker.TypeReconcile, worker.NewReconcileHandler(engine, registry, floor, log).Handle)
	w.Register(worker.TypePrune, worker.NewPruneHandler(indexes, store, log).Handle)

	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("Worker failed")
		}
	}()

	// Periodic enqueue jobs.
	sched := scheduler.New(log)
	if cfg.ReconcileSchedule != "" {
		if err := sched.AddJob(cfg.ReconcileSchedule, scheduler.NewReconcileJob(queue, catalogRepo, log)); err != nil {
			log.Fatal().Err(err).Msg("Failed to register reconcile schedule")
		}
	}
	if cfg.RetentionDays > 0 {
		if err := sched.AddJob("30 2 * * *", scheduler.NewPruneJob(queue, catalogRepo, cfg.RetentionDays, log)); err != nil {
			log.Fatal().Err(err).Msg("Failed to register prune schedule")
		}
	}
	sched.Start()

	// HTTP API.
	srv := server.New(server.Config{
		Log:     log,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
		DataDir: cfg.DataDir,
		Queue:   queue,
		Catalog: catalogRepo,
		Indexes: indexes,
		DB:      db,
	})
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Stop feeding and executing work first, then drain the HTTP server.
	sched.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
