package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"spend-enrichment-pipeline/internal/config"
	"spend-enrichment-pipeline/internal/queue"
	"spend-enrichment-pipeline/internal/stage"
	"spend-enrichment-pipeline/internal/telemetry"
)

// Queue is the invocation queue the processor drains.
type Queue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error)
	ReadyDepth(ctx context.Context) (int64, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, id string, extension time.Duration) error
	Ack(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, runAt time.Time, resetAttempts bool) error
	IncrAttempts(ctx context.Context, id string) (int, error)
	DeadLetter(ctx context.Context, id string) error
}

// Locker is a single-holder lease.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockerFunc returns the lease guarding one invocation id for holder.
type LockerFunc func(name, holder string) Locker

// Processor drives the worker execution loop: it dequeues stage
// invocations, runs them under a per-invocation lease and re-queues paused
// or failed ones.
type Processor struct {
	cfg      config.Config
	queue    Queue
	store    stage.JobStore
	lock     LockerFunc
	handlers map[string]stage.Handler
	workerID string
	log      *zap.Logger
}

// NewProcessorWithID creates a processor with a specific worker ID for lease ownership.
func NewProcessorWithID(cfg config.Config, q Queue, st stage.JobStore, lock LockerFunc, workerID string, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		lock:     lock,
		handlers: make(map[string]stage.Handler),
		workerID: workerID,
		log:      log.With(zap.String("worker", workerID)),
	}
}

// RegisterHandler binds a stage handler to its tag.
func (p *Processor) RegisterHandler(h stage.Handler) {
	if h == nil || h.Tag() == "" {
		return
	}
	p.handlers[h.Tag()] = h
}

// Handler returns the registered handler for tag.
func (p *Processor) Handler(tag string) (stage.Handler, bool) {
	h, ok := p.handlers[tag]
	return h, ok
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := p.ProcessOne(ctx)
		if err != nil {
			p.log.Warn("worker: queue error", zap.Error(err))
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// ProcessOne performs one maintenance pass and runs at most one
// invocation. It reports whether an invocation was dequeued.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(max(p.cfg.ScheduledBatchSize, 1))); err != nil {
		return false, fmt.Errorf("promote scheduled: %w", err)
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err == nil && reclaimed > 0 {
		p.log.Info("worker: reclaimed expired leases", zap.Int("count", reclaimed))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	id, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if id == "" {
		return false, nil
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	p.runInvocation(ctx, id)
	return true, nil
}

func (p *Processor) runInvocation(ctx context.Context, id string) {
	persistCtx := context.WithoutCancel(ctx)
	log := p.log.With(zap.String("invocation", id))

	stageTag, scope, err := queue.ParseInvocationID(id)
	if err != nil {
		log.Error("worker: dropping malformed invocation", zap.Error(err))
		_ = p.queue.DeadLetter(persistCtx, id)
		return
	}
	h, ok := p.handlers[stageTag]
	if !ok {
		log.Error("worker: no handler registered for stage")
		_ = p.queue.DeadLetter(persistCtx, id)
		return
	}

	lease := p.lock(id, p.workerID)
	acquired, err := lease.Acquire(ctx)
	if err != nil || !acquired {
		// Another runner owns this stage and scope; look again later.
		log.Info("worker: runner lease busy", zap.Error(err))
		_ = p.queue.Reschedule(persistCtx, id, time.Now().Add(p.cfg.ResumeDelay), false)
		return
	}
	defer func() {
		if err := lease.Release(persistCtx); err != nil {
			log.Warn("worker: release lease", zap.Error(err))
		}
	}()

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	stop := p.heartbeat(runCtx, id, lease, cancelRun)
	runner := stage.NewRunner(p.store, h, scope, p.cfg.BatchSize, p.log)
	res, err := runner.Invoke(runCtx, p.cfg.MaxItemsPerInvocation)
	stop()

	switch {
	case errors.Is(context.Cause(runCtx), errLeaseLost) && ctx.Err() == nil:
		// Another runner may own the scope now.
		log.Warn("worker: invocation stopped after losing its lease", zap.Error(err))
		_ = p.queue.Reschedule(persistCtx, id, time.Now().Add(p.cfg.ResumeDelay), false)
	case err == nil && res.Done:
		if p.cfg.StageRefreshInterval > 0 {
			_ = p.queue.Reschedule(persistCtx, id, time.Now().Add(p.cfg.StageRefreshInterval), true)
			return
		}
		_ = p.queue.Ack(persistCtx, id)
	case err == nil:
		// Paused at the item budget: resume shortly from the checkpoint.
		_ = p.queue.Reschedule(persistCtx, id, time.Now().Add(p.cfg.ResumeDelay), true)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		log.Info("worker: invocation interrupted, re-queued", zap.Error(err))
		_ = p.queue.Reschedule(persistCtx, id, time.Now(), false)
	case errors.Is(err, stage.ErrNotConfigured):
		log.Error("worker: stage not configured, dead-lettering", zap.Error(err))
		_ = p.queue.DeadLetter(persistCtx, id)
	default:
		p.retryOrDeadLetter(persistCtx, id, err, log)
	}
}

func (p *Processor) retryOrDeadLetter(ctx context.Context, id string, cause error, log *zap.Logger) {
	attempts, err := p.queue.IncrAttempts(ctx, id)
	if err != nil {
		attempts = 1
	}
	if attempts >= p.cfg.InvocationMaxAttempts {
		log.Error("worker: invocation dead-lettered", zap.Int("attempts", attempts), zap.Error(cause))
		_ = p.queue.DeadLetter(ctx, id)
		return
	}
	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	log.Warn("worker: invocation failed, retry scheduled",
		zap.Int("attempts", attempts),
		zap.Duration("backoff", backoff),
		zap.Error(cause),
	)
	_ = p.queue.Reschedule(ctx, id, time.Now().Add(backoff), false)
}

var errLeaseLost = errors.New("runner lease lost")

// heartbeat keeps the queue visibility and the runner lease alive while an
// invocation runs. If the lease cannot be renewed, lost is called with
// errLeaseLost and the heartbeat ends. The returned func stops it.
func (p *Processor) heartbeat(ctx context.Context, id string, lease Locker, lost context.CancelCauseFunc) func() {
	interval := p.cfg.VisibilityTimeout / 3
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				_ = p.queue.ExtendLease(ctx, id, p.cfg.VisibilityTimeout)
				if ok, err := lease.Renew(ctx); err != nil || !ok {
					p.log.Warn("worker: runner lease lost", zap.String("invocation", id), zap.Error(err))
					lost(errLeaseLost)
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

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(math.Min(exp, float64(max)))
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
