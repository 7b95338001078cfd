package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spend-enrichment-pipeline/internal/bootstrap"
	"spend-enrichment-pipeline/internal/config"
	"spend-enrichment-pipeline/internal/logging"
	"spend-enrichment-pipeline/internal/queue"
	"spend-enrichment-pipeline/internal/spend"
	"spend-enrichment-pipeline/internal/store"
	"spend-enrichment-pipeline/internal/telemetry"
	workerproc "spend-enrichment-pipeline/internal/worker"
)

func main() {
	config.LoadDotEnv()
	cfg := config.Load()

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	client := queue.NewRedisClient(cfg)
	defer client.Close()
	q := queue.NewRedisQueue(client, cfg)

	workerID := bootstrap.WorkerID()
	lock := func(name, holder string) workerproc.Locker {
		return queue.NewLease(client, name, holder, cfg.RunnerLeaseTTL)
	}
	processor := workerproc.NewProcessorWithID(cfg, q, st, lock, workerID, logger)

	handlers, err := bootstrap.Handlers(ctx, cfg, st, client, logger)
	if err != nil {
		logger.Fatal("init stage handlers", zap.Error(err))
	}
	for _, h := range handlers {
		processor.RegisterHandler(h)
		// Seed the default scope so a fresh deployment starts working
		// without a manual trigger. Pending invocations are not duplicated.
		id := queue.InvocationID(h.Tag(), cfg.DefaultScope)
		if _, err := st.EnsureJob(ctx, h.Tag(), cfg.DefaultScope); err != nil {
			logger.Fatal("ensure job", zap.String("invocation", id), zap.Error(err))
		}
		if _, err := q.Enqueue(ctx, id, queue.DefaultPriority, time.Time{}); err != nil {
			logger.Fatal("seed invocation", zap.String("invocation", id), zap.Error(err))
		}
	}

	aggregation := workerproc.NewAggregationLoop(
		spend.NewReaggregator(st, cfg.AggregateConcurrency, logger),
		queue.NewLease(client, "aggregate", workerID, cfg.RunnerLeaseTTL),
		cfg.AggregateInterval,
		cfg.RunnerLeaseTTL/3,
		logger,
	)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	defer metrics.Close()

	logger.Info("worker started",
		zap.String("worker", workerID),
		zap.Int("stages", len(handlers)),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("max_items", cfg.MaxItemsPerInvocation),
		zap.Duration("visibility", cfg.VisibilityTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return aggregation.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
