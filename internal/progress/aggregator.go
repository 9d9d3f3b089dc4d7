package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/epifetch/epifetch/internal/task"
)

// Snapshot is a derived, ephemeral view of the whole batch. It is
// recomputed on each publish and never persisted.
type Snapshot struct {
	Fraction     float64
	BytesDone    int64
	BytesTotal   int64
	Throughput   int64 // bytes per second since the run started
	StatusCounts map[task.Status]int
	Elapsed      time.Duration
}

type taskState struct {
	downloaded int64
	total      int64
	status     task.Status
}

// Aggregator accumulates byte counts and status across all tasks and
// publishes throttled snapshots to its subscribers. Observe is safe to
// call concurrently from every active worker.
type Aggregator struct {
	mu          sync.Mutex
	interval    time.Duration
	tasks       map[uuid.UUID]taskState
	subscribers []func(Snapshot)
	start       time.Time
	lastPublish time.Time
	maxFraction float64
}

// NewAggregator creates an aggregator that reports at most once per
// interval regardless of update frequency.
func NewAggregator(interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Aggregator{
		interval: interval,
		tasks:    make(map[uuid.UUID]taskState),
		start:    time.Now(),
	}
}

// Subscribe registers a snapshot consumer. Subscribers are invoked
// synchronously from the throttled publish path and must be fast.
func (a *Aggregator) Subscribe(fn func(Snapshot)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers = append(a.subscribers, fn)
}

// Track seeds the aggregator with tasks that have not produced progress
// yet, without publishing. Snapshots count every tracked task, so a batch
// seeded up front never reads 1.0 while some of it is still Pending.
func (a *Aggregator) Track(tasks ...*task.Task) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, t := range tasks {
		a.tasks[t.ID] = taskState{
			downloaded: t.GetDownloaded(),
			total:      t.GetTotalSize(),
			status:     t.GetStatus(),
		}
	}
}

// Observe records the task's latest counters. The internal state always
// updates; subscribers only hear about it when the reporting interval has
// elapsed since the last publish.
func (a *Aggregator) Observe(t *task.Task) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.tasks[t.ID] = taskState{
		downloaded: t.GetDownloaded(),
		total:      t.GetTotalSize(),
		status:     t.GetStatus(),
	}

	now := time.Now()
	if now.Sub(a.lastPublish) < a.interval {
		return
	}
	a.lastPublish = now
	a.publishLocked(now)
}

// Flush forces a publish with the current state, used at the end of a run.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	a.lastPublish = now
	a.publishLocked(now)
}

// Current returns a snapshot without publishing to subscribers.
func (a *Aggregator) Current() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.computeLocked(time.Now())
}

func (a *Aggregator) publishLocked(now time.Time) {
	snap := a.computeLocked(now)
	for _, fn := range a.subscribers {
		fn(snap)
	}
}

func (a *Aggregator) computeLocked(now time.Time) Snapshot {
	snap := Snapshot{
		StatusCounts: make(map[task.Status]int, 5),
		Elapsed:      now.Sub(a.start),
	}

	allCompleted := len(a.tasks) > 0
	for _, st := range a.tasks {
		snap.BytesDone += st.downloaded
		if st.total > 0 {
			// Unknown sizes stay out of the denominator until the
			// server reports them.
			snap.BytesTotal += st.total
		}
		snap.StatusCounts[st.status]++
		if st.status != task.StatusCompleted {
			allCompleted = false
		}
	}

	if snap.BytesTotal > 0 {
		snap.Fraction = float64(snap.BytesDone) / float64(snap.BytesTotal)
	}
	// The denominator grows as sizes become known, which could make the
	// raw ratio dip or overshoot. Reported progress never goes backwards
	// and only reads 1.0 once every task has completed.
	if snap.Fraction < a.maxFraction {
		snap.Fraction = a.maxFraction
	}
	if allCompleted {
		snap.Fraction = 1
	} else if snap.Fraction >= 1 {
		snap.Fraction = 0.999
	}
	a.maxFraction = snap.Fraction

	if secs := snap.Elapsed.Seconds(); secs > 0 {
		snap.Throughput = int64(float64(snap.BytesDone) / secs)
	}

	return snap
}

// FormatBytes formats a byte count as a human-readable string.
func FormatBytes(b int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)

	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// FormatSpeed formats a transfer rate as a human-readable string.
func FormatSpeed(bytesPerSec int64) string {
	return FormatBytes(bytesPerSec) + "/s"
}
