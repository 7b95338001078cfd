package spend

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spend-enrichment-pipeline/internal/models"
	"spend-enrichment-pipeline/internal/telemetry"
)

// Store is the transaction source and summary sink.
type Store interface {
	ListTransactionBuyers(ctx context.Context) ([]string, error)
	StreamTransactions(ctx context.Context, buyerID string, fn func(models.SpendTransaction) error) error
	ReplaceSpendSummary(ctx context.Context, summary models.SpendSummary) error
}

// RunStats counts buyers handled by one re-aggregation pass.
type RunStats struct {
	Buyers    int
	Succeeded int64
	Failed    int64
}

// Reaggregator recomputes spend summaries from raw transactions.
type Reaggregator struct {
	store       Store
	concurrency int
	now         func() time.Time
	log         *zap.Logger
}

func NewReaggregator(s Store, concurrency int, log *zap.Logger) *Reaggregator {
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaggregator{
		store:       s,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
		log:         log,
	}
}

// Buyer streams one buyer's transactions, aggregates them and replaces the
// stored summary.
func (r *Reaggregator) Buyer(ctx context.Context, buyerID string) (models.SpendSummary, error) {
	start := time.Now()
	acc := NewAccumulator(buyerID)
	err := r.store.StreamTransactions(ctx, buyerID, func(t models.SpendTransaction) error {
		acc.Add(t)
		return nil
	})
	if err != nil {
		telemetry.AggregationRuns.WithLabelValues("error").Inc()
		return models.SpendSummary{}, fmt.Errorf("stream transactions for %s: %w", buyerID, err)
	}
	summary := acc.Summary(r.now())
	if err := r.store.ReplaceSpendSummary(ctx, summary); err != nil {
		telemetry.AggregationRuns.WithLabelValues("error").Inc()
		return models.SpendSummary{}, err
	}
	telemetry.AggregationRuns.WithLabelValues("ok").Inc()
	telemetry.AggregationTime.Observe(time.Since(start).Seconds())
	return summary, nil
}

// Run re-aggregates every buyer with transactions. One buyer failing does
// not stop the others; the returned error reports how many failed.
func (r *Reaggregator) Run(ctx context.Context) (RunStats, error) {
	ids, err := r.store.ListTransactionBuyers(ctx)
	if err != nil {
		return RunStats{}, err
	}
	stats := RunStats{Buyers: len(ids)}
	var ok, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		id := id
		g.Go(func() error {
			if _, err := r.Buyer(gctx, id); err != nil {
				failed.Add(1)
				r.log.Warn("spend: aggregation failed", zap.String("buyer", id), zap.Error(err))
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	stats.Succeeded, stats.Failed = ok.Load(), failed.Load()
	r.log.Info("spend: re-aggregation finished",
		zap.Int("buyers", stats.Buyers),
		zap.Int64("succeeded", stats.Succeeded),
		zap.Int64("failed", stats.Failed),
	)
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	if stats.Failed > 0 {
		return stats, fmt.Errorf("%d of %d buyers failed to aggregate", stats.Failed, stats.Buyers)
	}
	return stats, nil
}
