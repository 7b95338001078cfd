package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"spend-enrichment-pipeline/internal/spend"
)

// Reaggregator recomputes every buyer's spend summary.
type Reaggregator interface {
	Run(ctx context.Context) (spend.RunStats, error)
}

// AggregationLoop re-aggregates spend on a fixed interval. The lease keeps
// the pass to one worker at a time and is renewed every renewEvery while a
// pass runs.
type AggregationLoop struct {
	reagg      Reaggregator
	lease      Locker
	interval   time.Duration
	renewEvery time.Duration
	log        *zap.Logger
}

func NewAggregationLoop(r Reaggregator, lease Locker, interval, renewEvery time.Duration, log *zap.Logger) *AggregationLoop {
	if log == nil {
		log = zap.NewNop()
	}
	return &AggregationLoop{reagg: r, lease: lease, interval: interval, renewEvery: renewEvery, log: log}
}

// Run blocks until ctx is cancelled, running one pass immediately and then
// one per interval.
func (a *AggregationLoop) Run(ctx context.Context) error {
	if a.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	t := time.NewTicker(a.interval)
	defer t.Stop()
	for {
		a.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RunOnce performs a single pass if the lease is free. It reports whether
// the pass ran.
func (a *AggregationLoop) RunOnce(ctx context.Context) bool {
	ok, err := a.lease.Acquire(ctx)
	if err != nil || !ok {
		a.log.Debug("aggregate: another worker holds the lease", zap.Error(err))
		return false
	}
	defer func() {
		if err := a.lease.Release(context.WithoutCancel(ctx)); err != nil {
			a.log.Warn("aggregate: release lease", zap.Error(err))
		}
	}()

	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := a.keepLease(passCtx, cancel)
	stats, err := a.reagg.Run(passCtx)
	stop()
	if err != nil {
		a.log.Warn("aggregate: pass finished with errors", zap.Int64("failed", stats.Failed), zap.Error(err))
	}
	return true
}

// keepLease renews the lease until stopped. A failed renewal cancels the pass.
func (a *AggregationLoop) keepLease(ctx context.Context, cancel context.CancelFunc) func() {
	if a.renewEvery <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		t := time.NewTicker(a.renewEvery)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if ok, err := a.lease.Renew(ctx); err != nil || !ok {
					a.log.Warn("aggregate: lease lost, stopping pass", zap.Error(err))
					cancel()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}
