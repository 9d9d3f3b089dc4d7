package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/epifetch/epifetch/internal/logger"
	"github.com/epifetch/epifetch/internal/progress"
	"github.com/epifetch/epifetch/internal/retry"
	"github.com/epifetch/epifetch/internal/task"
)

// Transport executes one resumable fetch for one task.
type Transport interface {
	Fetch(ctx context.Context, t *task.Task, onProgress func(int64)) error
}

// Store persists the in-flight task set so a restart can continue
// partial files.
type Store interface {
	Snapshot(tasks []*task.Task) error
	Clear() error
}

// Config holds the scheduler's tunables.
type Config struct {
	// Concurrency is the maximum number of simultaneous downloads.
	Concurrency int

	// RoundDelay separates retry rounds when no retry policy is wired
	// in; with a policy, the delay comes from its backoff schedule.
	RoundDelay time.Duration
}

// Scheduler drives an arbitrary-sized task set to completion under a
// fixed concurrency limit, with automatic retry and graceful
// cancellation. The task list (membership) is mutated only by the
// scheduler between rounds; per-task fields are owned by the worker
// currently executing the task.
type Scheduler struct {
	cfg        Config
	transport  Transport
	policy     *retry.Policy
	store      Store
	aggregator *progress.Aggregator

	mu    sync.Mutex
	tasks []*task.Task
}

// New wires the scheduler to its collaborators. store and aggregator may
// be nil, disabling persistence and progress reporting respectively.
func New(cfg Config, tr Transport, policy *retry.Policy, store Store, aggregator *progress.Aggregator) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.RoundDelay <= 0 {
		cfg.RoundDelay = 2 * time.Second
	}

	return &Scheduler{
		cfg:        cfg,
		transport:  tr,
		policy:     policy,
		store:      store,
		aggregator: aggregator,
	}
}

// Add appends tasks to the set. Must not be called while Run is active.
func (s *Scheduler) Add(tasks ...*task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, tasks...)
}

// Tasks returns the current task set.
func (s *Scheduler) Tasks() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*task.Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Run drives all tasks to a terminal state or until ctx is cancelled.
// An empty task set reports zero work and no error. On cancellation the
// in-flight tasks are parked as Paused, snapshotted to the store, and
// ctx's error is returned. A batch where every task failed returns
// task.ErrAllFailed.
func (s *Scheduler) Run(ctx context.Context) (task.Summary, error) {
	tasks := s.Tasks()
	if len(tasks) == 0 {
		logger.Infof("No downloads to process")
		return task.Summary{}, nil
	}

	logger.Infof("Starting %d download(s), concurrency %d", len(tasks), s.cfg.Concurrency)

	if s.aggregator != nil {
		// Seed the whole set before the first worker starts, so early
		// reports already count the tasks that have not run yet.
		s.aggregator.Track(tasks...)
		defer s.aggregator.Flush()
	}

	// Each round retries a failed task at most once, so the largest
	// retry budget bounds the number of useful rounds. This keeps a
	// pathological task from holding the run open forever.
	maxRounds := 1
	for _, t := range tasks {
		if int(t.RetryBudget)+1 > maxRounds {
			maxRounds = int(t.RetryBudget) + 1
		}
	}

	for round := 0; round < maxRounds; round++ {
		eligible := s.eligibleTasks()
		if len(eligible) == 0 {
			break
		}

		if round > 0 {
			delay := s.cfg.RoundDelay
			if s.policy != nil {
				delay = s.policy.Backoff(round - 1)
			}
			logger.Infof("Retrying %d download(s) after %v", len(eligible), delay)
			if err := sleepCtx(ctx, delay); err != nil {
				break
			}
		}

		s.runRound(ctx, eligible)

		if ctx.Err() != nil {
			break
		}
	}

	summary := s.summarize()

	if err := ctx.Err(); err != nil {
		logger.Infof("Run cancelled: %d completed, %d failed of %d", summary.Completed, summary.Failed, summary.Total)
		if snapErr := s.snapshot(); snapErr != nil {
			return summary, fmt.Errorf("failed to write resume manifest: %w", snapErr)
		}
		return summary, err
	}

	logger.Infof("Run finished: %d completed, %d failed of %d", summary.Completed, summary.Failed, summary.Total)

	if summary.Failed == summary.Total {
		return summary, task.ErrAllFailed
	}
	if summary.Completed == summary.Total && s.store != nil {
		if err := s.store.Clear(); err != nil {
			logger.Warnf("Failed to clear resume manifest: %v", err)
		}
	}

	return summary, nil
}

// eligibleTasks returns the tasks that may run now, in submission order.
// Tasks requeued by a retryable failure naturally sit behind the rest.
func (s *Scheduler) eligibleTasks() []*task.Task {
	var eligible []*task.Task
	for _, t := range s.Tasks() {
		status := t.GetStatus()
		if status == task.StatusPending || status == task.StatusPaused {
			eligible = append(eligible, t)
		}
	}
	return eligible
}

// runRound feeds the eligible tasks through a pool of exactly
// cfg.Concurrency workers and waits for all of them to return. Workers
// observe cancellation between chunk writes inside the transport; the
// WaitGroup here is the acknowledgement barrier, so no worker is still
// writing when the caller snapshots.
func (s *Scheduler) runRound(ctx context.Context, eligible []*task.Task) {
	queue := make(chan *task.Task, len(eligible))
	for _, t := range eligible {
		queue <- t
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range queue {
				if ctx.Err() != nil {
					// Never started; stays Pending/Paused and out of the manifest.
					continue
				}
				s.execute(ctx, t)
			}
		}()
	}

	wg.Wait()
}

// execute runs one attempt of one task and applies the resulting state
// transition. The worker is the only mutator of the task while it is
// Downloading.
func (s *Scheduler) execute(ctx context.Context, t *task.Task) {
	t.SetStatus(task.StatusDownloading)
	s.observe(t)

	logger.Debugf("Fetching episode %d (%s)", t.Ordinal, t.URL)
	err := s.transport.Fetch(ctx, t, func(int64) {
		s.observe(t)
	})

	switch {
	case err == nil:
		t.SetStatus(task.StatusCompleted)
		logger.Infof("Completed episode %d (%s, %s)", t.Ordinal, t.Title, progress.FormatBytes(t.GetDownloaded()))

	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		// Partial byte count is preserved for the manifest.
		t.SetStatus(task.StatusPaused)
		logger.Infof("Paused episode %d at %s", t.Ordinal, progress.FormatBytes(t.GetDownloaded()))

	default:
		transient := s.policy.Classify(err) == retry.ClassTransient
		t.RecordFailure(err, transient)

		if s.policy.ShouldRetry(t) {
			t.SetStatus(task.StatusPending)
			logger.Warnf("Episode %d failed (%v), will retry (%d/%d)", t.Ordinal, err, t.GetRetryCount(), t.RetryBudget)
		} else {
			t.SetStatus(task.StatusFailed)
			logger.Errorf("Episode %d failed permanently: %v", t.Ordinal, err)
		}
	}

	s.observe(t)
}

func (s *Scheduler) observe(t *task.Task) {
	if s.aggregator != nil {
		s.aggregator.Observe(t)
	}
}

// snapshot persists every non-terminal task. Called only after all
// workers have acknowledged cancellation.
func (s *Scheduler) snapshot() error {
	if s.store == nil {
		return nil
	}
	return s.store.Snapshot(s.Tasks())
}

func (s *Scheduler) summarize() task.Summary {
	summary := task.Summary{}
	for _, t := range s.Tasks() {
		summary.Total++
		switch t.GetStatus() {
		case task.StatusCompleted:
			summary.Completed++
		case task.StatusFailed:
			summary.Failed++
		}
	}
	return summary
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
