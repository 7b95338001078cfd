package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"spend-enrichment-pipeline/internal/models"
	"spend-enrichment-pipeline/internal/telemetry"
)

// JobStore adds the job lifecycle writes used outside of batches.
type JobStore interface {
	Store
	SetJobStatus(ctx context.Context, stage, scope, status string, at time.Time) error
	ResetJob(ctx context.Context, stage, scope string) error
}

// Result describes one invocation.
type Result struct {
	Job       models.Job
	Done      bool
	Batches   int
	Selected  int
	Succeeded int
	Failed    int
}

// Runner executes a stage in bounded invocations.
type Runner struct {
	store     JobStore
	handler   Handler
	scope     string
	batchSize int
	now       func() time.Time
	log       *zap.Logger
}

// NewRunner wires a handler to its job document for scope.
func NewRunner(s JobStore, h Handler, scope string, batchSize int, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Runner{
		store:     s,
		handler:   h,
		scope:     scope,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.With(zap.String("stage", h.Tag()), zap.String("scope", scope)),
	}
}

func (r *Runner) Stage() string { return r.handler.Tag() }

func (r *Runner) Scope() string { return r.scope }

// Invoke processes batches until no eligible subjects remain or maxItems
// subjects have been attempted. maxItems <= 0 means no limit. Each batch is
// checkpointed before the next one starts. A returned error never follows a
// partial checkpoint: the job document reflects the last completed batch.
func (r *Runner) Invoke(ctx context.Context, maxItems int) (Result, error) {
	tag := r.handler.Tag()
	var res Result

	job, err := r.store.EnsureJob(ctx, tag, r.scope)
	if err != nil {
		return res, fmt.Errorf("load job: %w", err)
	}
	res.Job = job

	if p, ok := r.handler.(Preflighter); ok {
		if err := p.Preflight(ctx); err != nil {
			if serr := r.store.SetJobStatus(ctx, tag, r.scope, models.StatusError, r.now()); serr != nil {
				r.log.Warn("stage: could not record error status", zap.Error(serr))
			}
			telemetry.Invocations.WithLabelValues(tag, "error").Inc()
			return res, fmt.Errorf("%s preflight: %w", tag, err)
		}
	}

	now := r.now()
	state := StateFromJob(job)
	state.Status = startStatus(job)
	job = state.Apply(job)
	job.LastRunAt = &now
	if err := r.store.Checkpoint(ctx, job); err != nil {
		return res, fmt.Errorf("start job: %w", err)
	}
	res.Job = job
	r.log.Info("stage: invocation started",
		zap.String("status", state.Status),
		zap.Stringp("cursor", state.Cursor),
		zap.Int("max_items", maxItems),
	)

	persistCtx := context.WithoutCancel(ctx)
	for {
		size := r.batchSize
		if maxItems > 0 {
			size = min(size, maxItems-res.Selected)
		}
		next, outcome, err := RunBatch(ctx, state, Deps{Store: r.store, Handler: r.handler, BatchSize: size})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				telemetry.Invocations.WithLabelValues(tag, "interrupted").Inc()
				return res, err
			}
			return r.fail(persistCtx, res, err)
		}

		job = next.Apply(job)
		job.LastRunAt = &now
		if err := r.store.Checkpoint(persistCtx, job); err != nil {
			return r.fail(persistCtx, res, err)
		}
		state = next
		res.Job = job

		if outcome.Done {
			res.Done = true
			r.log.Info("stage: complete",
				zap.Int64("total_processed", job.TotalProcessed),
				zap.Int64("total_errors", job.TotalErrors),
			)
			telemetry.Invocations.WithLabelValues(tag, "complete").Inc()
			return res, nil
		}

		res.Batches++
		res.Selected += outcome.Selected
		res.Succeeded += outcome.Succeeded
		res.Failed += outcome.Failed
		telemetry.BatchesCompleted.WithLabelValues(tag).Inc()
		telemetry.SubjectsProcessed.WithLabelValues(tag).Add(float64(outcome.Succeeded))
		telemetry.SubjectsFailed.WithLabelValues(tag).Add(float64(outcome.Failed))
		r.log.Debug("stage: batch checkpointed",
			zap.Int("selected", outcome.Selected),
			zap.Int("failed", outcome.Failed),
			zap.Stringp("cursor", state.Cursor),
		)

		if err := ctx.Err(); err != nil {
			telemetry.Invocations.WithLabelValues(tag, "interrupted").Inc()
			return res, err
		}
		if maxItems > 0 && res.Selected >= maxItems {
			r.log.Info("stage: paused at item budget",
				zap.Int("selected", res.Selected),
				zap.Stringp("cursor", state.Cursor),
			)
			telemetry.Invocations.WithLabelValues(tag, "paused").Inc()
			return res, nil
		}
	}
}

// fail records a fatal invocation error. Only the status changes; cursor and
// counters keep the values of the last completed checkpoint.
func (r *Runner) fail(ctx context.Context, res Result, err error) (Result, error) {
	tag := r.handler.Tag()
	telemetry.Invocations.WithLabelValues(tag, "fatal").Inc()
	if serr := r.store.SetJobStatus(ctx, tag, r.scope, models.StatusError, r.now()); serr != nil {
		r.log.Warn("stage: could not record error status", zap.Error(serr))
	} else {
		res.Job.Status = models.StatusError
	}
	r.log.Error("stage: invocation failed", zap.Error(err))
	return res, err
}

// Reset clears cursor and counters so the next invocation starts a new
// pass. Subjects already marked for this stage stay excluded.
func (r *Runner) Reset(ctx context.Context) (models.Job, error) {
	tag := r.handler.Tag()
	if _, err := r.store.EnsureJob(ctx, tag, r.scope); err != nil {
		return models.Job{}, fmt.Errorf("load job: %w", err)
	}
	if err := r.store.ResetJob(ctx, tag, r.scope); err != nil {
		return models.Job{}, err
	}
	r.log.Info("stage: reset")
	return r.store.EnsureJob(ctx, tag, r.scope)
}
