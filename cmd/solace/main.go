package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/solace-ledger/solace/internal/app"
	"github.com/solace-ledger/solace/internal/gateway"
	"github.com/solace-ledger/solace/internal/ledger"
	"github.com/solace-ledger/solace/internal/ledger/pgstore"
	"github.com/solace-ledger/solace/internal/market"
	"github.com/solace-ledger/solace/internal/notify"
	"github.com/solace-ledger/solace/internal/observability"
	"github.com/solace-ledger/solace/internal/platform/cache"
	"github.com/solace-ledger/solace/internal/platform/db"
	"github.com/solace-ledger/solace/internal/relay"
	"github.com/solace-ledger/solace/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("solace stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	store := pgstore.New(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	lease := cache.NewLease(redisClient, cfg.WriterLeaseKey, cfg.WriterLeaseTTL)
	if err := lease.Acquire(ctx); err != nil {
		return fmt.Errorf("writer lease %s: %w", cfg.WriterLeaseKey, err)
	}
	logger.Info("writer lease acquired", slog.String("owner", lease.Owner()))

	metrics := observability.NewMetrics()
	hub := notify.NewHub(logger)

	engine, err := ledger.Open(ctx, store, ledger.Options{
		Genesis:     cfg.LedgerGenesis,
		FlashFeeBps: &cfg.FlashFeeBps,
		Treasury:    cfg.LedgerTreasury,
		Token:       cfg.LedgerToken,
		Quoter:      ledger.ConstantFeeQuoter{FeeBps: cfg.TradeFeeBps},
		Publisher:   hub,
		Observer:    metrics,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if err := engine.CheckInvariant(); err != nil {
		return err
	}

	marketCache := market.NewCache(redisClient, cfg.MarketCacheTTL)
	if err := marketCache.ListenForInvalidation(ctx); err != nil {
		logger.Warn("market cache invalidation", slog.Any("error", err))
	}

	asynqOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient, err := jobs.NewClient(asynqOpts)
	if err != nil {
		return err
	}
	defer jobClient.Close()
	inspector := asynq.NewInspector(asynqOpts)
	defer inspector.Close()

	deps := gateway.Deps{
		Logger:   logger,
		Requests: relay.NewPGRepository(pool),
		Queue:    jobClient,
		Ledger:   engine,
	}
	if cfg.MarketAPIURL != "" {
		source := market.NewHTTPSource(cfg.MarketAPIURL, nil)
		deps.Analyzer = market.NewAnalyzer(source, market.HeuristicScorer{}, marketCache)
		deps.Pricer = market.NewPricer(source, marketCache)
	} else {
		logger.Warn("MARKET_API_URL not set, market routes disabled")
	}

	var ready atomic.Bool
	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		Gateway:    gateway.NewHandler(deps),
		Hub:        hub,
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    metrics,
		Ready:      ready.Load,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := lease.Hold(gctx); err != nil {
			return fmt.Errorf("writer lease: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		ready.Store(true)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ready.Store(false)
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown", slog.Any("error", err))
		}
		return nil
	})
	return g.Wait()
}
