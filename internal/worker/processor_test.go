package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"spend-enrichment-pipeline/internal/config"
	"spend-enrichment-pipeline/internal/models"
	"spend-enrichment-pipeline/internal/queue"
	"spend-enrichment-pipeline/internal/spend"
	"spend-enrichment-pipeline/internal/stage"
	"spend-enrichment-pipeline/internal/store"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > base {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > 4*base {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("backoff must be capped: %s", b10)
	}
}

type jobStore struct {
	mu     sync.Mutex
	jobs   map[string]models.Job
	buyers []models.Buyer
	fail   error
}

func newJobStore(n int) *jobStore {
	s := &jobStore{jobs: make(map[string]models.Job)}
	for i := 1; i <= n; i++ {
		s.buyers = append(s.buyers, models.Buyer{ID: fmt.Sprintf("b%03d", i), WebsiteURL: "https://example.gov.uk"})
	}
	return s
}

func (s *jobStore) EnsureJob(_ context.Context, stg, scope string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return models.Job{}, s.fail
	}
	k := stg + "/" + scope
	j, ok := s.jobs[k]
	if !ok {
		j = models.Job{Stage: stg, Scope: scope, Status: models.StatusIdle}
		s.jobs[k] = j
	}
	return j, nil
}

func (s *jobStore) Checkpoint(_ context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Stage+"/"+job.Scope] = job
	return nil
}

func (s *jobStore) ListEligibleBuyers(_ context.Context, e store.Eligibility, after *string, limit int) ([]models.Buyer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sort.Slice(s.buyers, func(i, j int) bool { return s.buyers[i].ID < s.buyers[j].ID })
	var out []models.Buyer
	for _, b := range s.buyers {
		if (after == nil || b.ID > *after) && e.Matches(b) {
			out = append(out, b)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *jobStore) MarkStageDone(_ context.Context, id, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.buyers {
		if s.buyers[i].ID == id {
			s.buyers[i].EnrichmentSources = append(s.buyers[i].EnrichmentSources, tag)
		}
	}
	return nil
}

func (s *jobStore) SetJobStatus(_ context.Context, stg, scope, status string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[stg+"/"+scope]
	j.Status = status
	s.jobs[stg+"/"+scope] = j
	return nil
}

func (s *jobStore) ResetJob(context.Context, string, string) error { return nil }

func (s *jobStore) job(stg, scope string) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[stg+"/"+scope]
}

type countingHandler struct {
	mu    sync.Mutex
	calls int
	pre   error
	// started, when set, makes Process report in and then wait for ctx.
	started chan struct{}
}

func (h *countingHandler) Tag() string { return "counting" }

func (h *countingHandler) Eligibility() store.Eligibility {
	return store.Eligibility{RequiredFields: []string{store.FieldWebsiteURL}}
}

func (h *countingHandler) Preflight(context.Context) error { return h.pre }

func (h *countingHandler) Process(ctx context.Context, _ models.Buyer) error {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.started != nil {
		select {
		case h.started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

type harness struct {
	proc   *Processor
	queue  *queue.RedisQueue
	client *redis.Client
	store  *jobStore
	h      *countingHandler
}

func newHarness(t *testing.T, buyers int, mutate func(*config.Config)) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		QueuePriorities:       []string{"manual", "default"},
		VisibilityTimeout:     time.Minute,
		DLQName:               "dlq",
		BatchSize:             2,
		MaxItemsPerInvocation: 3,
		ResumeDelay:           time.Millisecond,
		InvocationMaxAttempts: 2,
		BackoffInitial:        time.Millisecond,
		BackoffMax:            time.Millisecond,
		ScheduledBatchSize:    10,
		WorkerPollInterval:    time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	q := queue.NewRedisQueue(client, cfg)
	st := newJobStore(buyers)
	lock := func(name, holder string) Locker { return queue.NewLease(client, name, holder, time.Minute) }
	p := NewProcessorWithID(cfg, q, st, lock, "worker-test", nil)
	h := &countingHandler{}
	p.RegisterHandler(h)
	return &harness{proc: p, queue: q, client: client, store: st, h: h}
}

// drain runs the processor until the invocation is no longer pending or
// the step budget runs out.
func (hs *harness) drain(t *testing.T, id string, steps int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < steps; i++ {
		if pending, _ := hs.queue.Pending(ctx, id); !pending {
			return
		}
		if _, err := hs.proc.ProcessOne(ctx); err != nil {
			t.Fatalf("process: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestProcessor_ResumesPausedInvocationsToCompletion(t *testing.T) {
	hs := newHarness(t, 7, nil)
	ctx := context.Background()
	id := queue.InvocationID("counting", "all")
	if _, err := hs.queue.Enqueue(ctx, id, "manual", time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	hs.drain(t, id, 50)

	if pending, _ := hs.queue.Pending(ctx, id); pending {
		t.Fatalf("expected invocation acked after completion")
	}
	job := hs.store.job("counting", "all")
	if job.Status != models.StatusComplete || job.TotalProcessed != 7 || job.Cursor != nil {
		t.Fatalf("unexpected job %+v", job)
	}
	if hs.h.calls != 7 {
		t.Fatalf("expected 7 subjects processed once each, got %d", hs.h.calls)
	}
	if holder, _ := queue.Holder(ctx, hs.client, id); holder != "" {
		t.Fatalf("expected lease released, holder=%q", holder)
	}
}

func TestProcessor_CompletedStageIsRescheduledForRefresh(t *testing.T) {
	hs := newHarness(t, 1, func(c *config.Config) { c.StageRefreshInterval = time.Hour })
	ctx := context.Background()
	id := queue.InvocationID("counting", "all")
	_, _ = hs.queue.Enqueue(ctx, id, "", time.Time{})

	for i := 0; i < 5; i++ {
		_, _ = hs.proc.ProcessOne(ctx)
	}
	if got := hs.store.job("counting", "all").Status; got != models.StatusComplete {
		t.Fatalf("expected complete, got %s", got)
	}
	if pending, _ := hs.queue.Pending(ctx, id); !pending {
		t.Fatalf("expected completed stage to stay scheduled for refresh")
	}
	if n := hs.client.ZCard(ctx, "queue:scheduled").Val(); n != 1 {
		t.Fatalf("expected refresh in scheduled set, got %d", n)
	}
}

func TestProcessor_BusyLeaseDefersInvocation(t *testing.T) {
	hs := newHarness(t, 3, nil)
	ctx := context.Background()
	id := queue.InvocationID("counting", "all")
	other := queue.NewLease(hs.client, id, "someone-else", time.Minute)
	if ok, _ := other.Acquire(ctx); !ok {
		t.Fatalf("setup: acquire")
	}
	_, _ = hs.queue.Enqueue(ctx, id, "", time.Time{})

	if worked, err := hs.proc.ProcessOne(ctx); err != nil || !worked {
		t.Fatalf("expected dequeue, worked=%v err=%v", worked, err)
	}
	if hs.h.calls != 0 {
		t.Fatalf("no subjects may run while another runner holds the lease")
	}
	if pending, _ := hs.queue.Pending(ctx, id); !pending {
		t.Fatalf("expected invocation deferred, not dropped")
	}
}

func TestProcessor_DeadLettersAfterMaxAttempts(t *testing.T) {
	hs := newHarness(t, 3, nil)
	hs.store.fail = errors.New("db down")
	ctx := context.Background()
	id := queue.InvocationID("counting", "all")
	_, _ = hs.queue.Enqueue(ctx, id, "", time.Time{})

	hs.drain(t, id, 20)

	dlq, _ := hs.queue.DLQPeek(ctx, 10)
	if len(dlq) != 1 || dlq[0] != id {
		t.Fatalf("expected invocation dead-lettered, dlq=%v", dlq)
	}
}

func TestProcessor_NotConfiguredAndUnknownStages(t *testing.T) {
	hs := newHarness(t, 3, nil)
	hs.h.pre = stage.ErrNotConfigured
	ctx := context.Background()
	id := queue.InvocationID("counting", "all")
	unknown := queue.InvocationID("missing", "all")
	_, _ = hs.queue.Enqueue(ctx, id, "", time.Time{})
	_, _ = hs.queue.Enqueue(ctx, unknown, "", time.Time{})

	_, _ = hs.proc.ProcessOne(ctx)
	_, _ = hs.proc.ProcessOne(ctx)

	dlq, _ := hs.queue.DLQPeek(ctx, 10)
	if len(dlq) != 2 {
		t.Fatalf("expected both invocations dead-lettered, got %v", dlq)
	}
	if got := hs.store.job("counting", "all").Status; got != models.StatusError {
		t.Fatalf("expected error status, got %s", got)
	}
}

func TestProcessor_LostLeaseStopsInvocation(t *testing.T) {
	hs := newHarness(t, 3, func(c *config.Config) { c.VisibilityTimeout = 30 * time.Millisecond })
	hs.h.started = make(chan struct{}, 1)
	ctx := context.Background()
	id := queue.InvocationID("counting", "all")
	_, _ = hs.queue.Enqueue(ctx, id, "", time.Time{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = hs.proc.ProcessOne(ctx)
	}()

	select {
	case <-hs.h.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("invocation never started")
	}
	// The lease expiring under a stalled worker looks the same as this.
	hs.client.Del(ctx, "lease:"+id)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("invocation kept running after its lease was lost")
	}
	if pending, _ := hs.queue.Pending(ctx, id); !pending {
		t.Fatalf("expected invocation rescheduled after losing the lease")
	}
	if n := hs.client.ZCard(ctx, "queue:scheduled").Val(); n != 1 {
		t.Fatalf("expected invocation in scheduled set, got %d", n)
	}
}

type fakeReagg struct {
	runs int
}

func (f *fakeReagg) Run(context.Context) (spend.RunStats, error) {
	f.runs++
	return spend.RunStats{}, nil
}

func TestAggregationLoop_RunOnceHonoursLease(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := &fakeReagg{}
	loop := NewAggregationLoop(r, queue.NewLease(client, "aggregate", "w1", time.Minute), time.Hour, 0, nil)
	if !loop.RunOnce(context.Background()) || r.runs != 1 {
		t.Fatalf("expected a pass to run")
	}

	holder := queue.NewLease(client, "aggregate", "w2", time.Minute)
	if ok, _ := holder.Acquire(context.Background()); !ok {
		t.Fatalf("lease should be free after the pass")
	}
	if loop.RunOnce(context.Background()) || r.runs != 1 {
		t.Fatalf("pass must be skipped while another worker holds the lease")
	}
}

type countingLease struct {
	mu     sync.Mutex
	renews int
	keep   bool
}

func (l *countingLease) Acquire(context.Context) (bool, error) { return true, nil }

func (l *countingLease) Renew(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.renews++
	return l.keep, nil
}

func (l *countingLease) Release(context.Context) error { return nil }

func (l *countingLease) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renews
}

type slowReagg struct {
	hold time.Duration
	err  error
}

func (s *slowReagg) Run(ctx context.Context) (spend.RunStats, error) {
	select {
	case <-time.After(s.hold):
	case <-ctx.Done():
		s.err = ctx.Err()
	}
	return spend.RunStats{}, s.err
}

func TestAggregationLoop_RenewsLeaseDuringLongPass(t *testing.T) {
	lease := &countingLease{keep: true}
	r := &slowReagg{hold: 60 * time.Millisecond}
	loop := NewAggregationLoop(r, lease, time.Hour, 5*time.Millisecond, nil)

	if !loop.RunOnce(context.Background()) {
		t.Fatalf("expected a pass to run")
	}
	if r.err != nil {
		t.Fatalf("pass should not be cancelled while the lease renews, got %v", r.err)
	}
	if lease.count() < 2 {
		t.Fatalf("expected the lease renewed during the pass, got %d renewals", lease.count())
	}
}

func TestAggregationLoop_LostLeaseCancelsPass(t *testing.T) {
	lease := &countingLease{keep: false}
	r := &slowReagg{hold: 5 * time.Second}
	loop := NewAggregationLoop(r, lease, time.Hour, 5*time.Millisecond, nil)

	start := time.Now()
	loop.RunOnce(context.Background())
	if !errors.Is(r.err, context.Canceled) {
		t.Fatalf("expected the pass cancelled, got %v", r.err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("pass kept running after the lease was lost")
	}
}
