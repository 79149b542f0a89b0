package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solace-ledger/solace/internal/app"
	jobmetrics "github.com/solace-ledger/solace/internal/jobs"
	"github.com/solace-ledger/solace/internal/ledger/pgstore"
	"github.com/solace-ledger/solace/internal/market"
	"github.com/solace-ledger/solace/internal/platform/cache"
	"github.com/solace-ledger/solace/internal/platform/db"
	"github.com/solace-ledger/solace/internal/relay"
	"github.com/solace-ledger/solace/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)

	var relayer relay.Relayer = relay.LogRelayer{Logger: logger}
	if cfg.BridgeRelayURL != "" {
		relayer = relay.NewHTTPRelayer(cfg.BridgeRelayURL, nil)
	}
	relayJob := jobs.NewBridgeRelayJob(relay.NewPGRepository(pool), relayer, logger, metrics)
	integrityJob := jobs.NewIntegrityJob(pgstore.New(pool), logger, metrics)
	refreshJob := &jobs.MarketRefreshJob{Cache: market.NewCache(redisClient, cfg.MarketCacheTTL), Logger: logger, Metrics: metrics}

	integrityTask, err := jobs.NewIntegrityTask()
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}
	sweepTask, err := jobs.NewBridgeSweepTask(jobs.BridgeSweepPayload{Limit: 50})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBridgeInitiate, Handler: relayJob.Handle},
			{Type: jobs.TaskBridgeSweep, Handler: relayJob.HandleSweep},
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
			{Type: jobs.TaskMarketRefresh, Handler: refreshJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.IntegrityCron, Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(1), asynq.Unique(time.Minute)}},
			{Spec: cfg.BridgeSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(0), asynq.Unique(30 * time.Second)}},
			{Spec: cfg.MarketRefreshCron, Task: jobs.NewMarketRefreshTask(), Options: []asynq.Option{asynq.MaxRetry(0)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
