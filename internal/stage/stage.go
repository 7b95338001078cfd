// Package stage drives one enrichment stage to completion across repeated,
// budgeted invocations. Progress is a cursor over subject ids that is
// checkpointed after every batch, so a crashed or paused invocation resumes
// exactly where the last checkpoint left off.
package stage

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"spend-enrichment-pipeline/internal/models"
	"spend-enrichment-pipeline/internal/store"
)

// ErrNotConfigured marks configuration errors detected before any batch work.
var ErrNotConfigured = errors.New("stage not configured")

// Store is the persistence the runner needs.
type Store interface {
	EnsureJob(ctx context.Context, stage, scope string) (models.Job, error)
	Checkpoint(ctx context.Context, job models.Job) error
	ListEligibleBuyers(ctx context.Context, e store.Eligibility, after *string, limit int) ([]models.Buyer, error)
	MarkStageDone(ctx context.Context, buyerID, tag string) error
}

// Handler implements the per-subject work of one stage.
type Handler interface {
	// Tag names the stage and is recorded in a buyer's enrichment sources.
	Tag() string
	// Eligibility filters subjects. The runner always excludes Tag itself.
	Eligibility() store.Eligibility
	Process(ctx context.Context, buyer models.Buyer) error
}

// Preflighter is implemented by handlers that can detect missing
// configuration up front.
type Preflighter interface {
	Preflight(ctx context.Context) error
}

// JobState is the mutable part of a job document.
type JobState struct {
	Cursor         *string
	Status         string
	TotalProcessed int64
	TotalErrors    int64
	ErrorLog       []string
}

// StateFromJob extracts the runner state from a job document.
func StateFromJob(job models.Job) JobState {
	return JobState{
		Cursor:         job.Cursor,
		Status:         job.Status,
		TotalProcessed: job.TotalProcessed,
		TotalErrors:    job.TotalErrors,
		ErrorLog:       append([]string(nil), job.ErrorLog...),
	}
}

// Apply writes state onto a copy of job.
func (s JobState) Apply(job models.Job) models.Job {
	job.Cursor = s.Cursor
	job.Status = s.Status
	job.TotalProcessed = s.TotalProcessed
	job.TotalErrors = s.TotalErrors
	job.ErrorLog = append([]string{}, s.ErrorLog...)
	return job
}

// SubjectResult is the outcome of processing one subject.
type SubjectResult struct {
	ID  string
	Err error
}

// Outcome summarises one RunBatch call.
type Outcome struct {
	// Done is set when no eligible subjects remain after the cursor.
	Done      bool
	Selected  int
	Succeeded int
	Failed    int
	Results   []SubjectResult
}

// Deps are the declared collaborators of RunBatch.
type Deps struct {
	Store     Store
	Handler   Handler
	BatchSize int
}

// RunBatch selects the next batch after state.Cursor and processes it
// sequentially. Subject failures are folded into the returned state; an
// error is returned only for persistence failures, in which case the input
// state is returned unchanged and must not be checkpointed.
func RunBatch(ctx context.Context, state JobState, deps Deps) (JobState, Outcome, error) {
	var outcome Outcome
	tag := deps.Handler.Tag()
	elig := deps.Handler.Eligibility()
	elig.ExcludeTag = tag

	batchSize := deps.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}
	subjects, err := deps.Store.ListEligibleBuyers(ctx, elig, state.Cursor, batchSize)
	if err != nil {
		return state, outcome, fmt.Errorf("list %s subjects: %w", tag, err)
	}

	if len(subjects) == 0 {
		next := state
		next.Cursor = nil
		next.Status = models.StatusComplete
		outcome.Done = true
		return next, outcome, nil
	}

	// Markers are written even if ctx is cancelled mid-batch so that a
	// finished subject is never left unrecorded.
	persistCtx := context.WithoutCancel(ctx)
	for _, b := range subjects {
		if ctx.Err() != nil {
			break
		}
		res := SubjectResult{ID: b.ID, Err: safeProcess(ctx, deps.Handler, b)}
		if res.Err == nil {
			if err := deps.Store.MarkStageDone(persistCtx, b.ID, tag); err != nil {
				return state, outcome, fmt.Errorf("mark %s done for %s: %w", tag, b.ID, err)
			}
		}
		outcome.Results = append(outcome.Results, res)
	}
	outcome.Selected = len(outcome.Results)
	if outcome.Selected == 0 {
		return state, outcome, ctx.Err()
	}
	return fold(state, &outcome), outcome, nil
}

func fold(state JobState, outcome *Outcome) JobState {
	next := state
	var msgs []string
	for _, r := range outcome.Results {
		if r.Err != nil {
			outcome.Failed++
			msgs = append(msgs, fmt.Sprintf("%s: %v", r.ID, r.Err))
			continue
		}
		outcome.Succeeded++
	}
	last := outcome.Results[len(outcome.Results)-1].ID
	next.Cursor = &last
	next.TotalProcessed += int64(outcome.Succeeded)
	next.TotalErrors += int64(outcome.Failed)
	next.ErrorLog = models.AppendErrorLog(state.ErrorLog, msgs...)
	return next
}

func safeProcess(ctx context.Context, h Handler, b models.Buyer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("stage: subject panicked",
				zap.String("stage", h.Tag()),
				zap.String("subject", b.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Process(ctx, b)
}

// startStatus picks the busy status shown while an invocation runs.
func startStatus(job models.Job) string {
	switch {
	case job.Cursor != nil:
		return models.StatusSyncing
	case job.TotalProcessed == 0 && job.TotalErrors == 0:
		return models.StatusBackfilling
	default:
		return models.StatusRunning
	}
}
