package task

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Task represents one file transfer: a single episode fetched from a URL
// to a destination path. Byte counters and status are updated with atomic
// operations because the owning worker, the scheduler and the progress
// aggregator read them concurrently.
type Task struct {
	ID          uuid.UUID         `json:"id"`
	URL         string            `json:"url"`
	Destination string            `json:"destination"`
	Headers     map[string]string `json:"headers,omitempty"`
	Ordinal     int               `json:"ordinal"`
	Title       string            `json:"title"`

	TotalSize   int64  `json:"total_size"` // 0 until known
	Downloaded  int64  `json:"downloaded"` // Atomic
	Status      Status `json:"status"`
	RetryCount  int32  `json:"retry_count"`
	RetryBudget int32  `json:"retry_budget"`

	// runtime fields
	mu        sync.Mutex
	lastErr   error
	transient bool
}

// New creates a task in the Pending state.
func New(url, destination string, headers map[string]string, ordinal int, title string, retryBudget int) *Task {
	return &Task{
		ID:          uuid.New(),
		URL:         url,
		Destination: destination,
		Headers:     headers,
		Ordinal:     ordinal,
		Title:       title,
		Status:      StatusPending,
		RetryBudget: int32(retryBudget),
	}
}

// SetStatus sets the Status of the Task.
func (t *Task) SetStatus(status Status) {
	atomic.StoreInt32((*int32)(&t.Status), int32(status))
}

// GetStatus returns the current Status of the Task.
func (t *Task) GetStatus() Status {
	return Status(atomic.LoadInt32((*int32)(&t.Status)))
}

// GetDownloaded returns the number of bytes written to the destination so far.
func (t *Task) GetDownloaded() int64 {
	return atomic.LoadInt64(&t.Downloaded)
}

// AddDownloaded advances the byte counter by n.
func (t *Task) AddDownloaded(n int64) {
	atomic.AddInt64(&t.Downloaded, n)
}

// SetDownloaded overwrites the byte counter. Used when the on-disk file
// disagrees with the recorded offset, or when a restart-from-zero truncates
// the partial file.
func (t *Task) SetDownloaded(n int64) {
	atomic.StoreInt64(&t.Downloaded, n)
}

// GetTotalSize returns the expected total size, 0 when still unknown.
func (t *Task) GetTotalSize() int64 {
	return atomic.LoadInt64(&t.TotalSize)
}

// SetTotalSize records the expected total size once the server reports it.
func (t *Task) SetTotalSize(n int64) {
	atomic.StoreInt64(&t.TotalSize, n)
}

// GetRetryCount returns the number of failures recorded so far.
func (t *Task) GetRetryCount() int {
	return int(atomic.LoadInt32(&t.RetryCount))
}

// RecordFailure notes a failed attempt and whether it is eligible for retry.
func (t *Task) RecordFailure(err error, transient bool) {
	atomic.AddInt32(&t.RetryCount, 1)

	t.mu.Lock()
	t.lastErr = err
	t.transient = transient
	t.mu.Unlock()
}

// LastFailure returns the most recent failure and its transience.
func (t *Task) LastFailure() (error, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr, t.transient
}

// Err returns the failure a terminal Failed task ended with.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Snapshot captures the durable fields of an in-flight task for the
// resume manifest.
type Snapshot struct {
	URL         string            `json:"url"`
	Destination string            `json:"destination"`
	Headers     map[string]string `json:"headers,omitempty"`
	Ordinal     int               `json:"ordinal"`
	Title       string            `json:"title"`
	TotalSize   int64             `json:"total_size"`
	Downloaded  int64             `json:"downloaded"`
	RetryCount  int32             `json:"retry_count"`
	RetryBudget int32             `json:"retry_budget"`
}

// ToSnapshot projects the task onto its durable fields.
func (t *Task) ToSnapshot() Snapshot {
	return Snapshot{
		URL:         t.URL,
		Destination: t.Destination,
		Headers:     t.Headers,
		Ordinal:     t.Ordinal,
		Title:       t.Title,
		TotalSize:   t.GetTotalSize(),
		Downloaded:  t.GetDownloaded(),
		RetryCount:  atomic.LoadInt32(&t.RetryCount),
		RetryBudget: t.RetryBudget,
	}
}

// FromSnapshot reconstructs a task from a manifest record. The caller is
// expected to re-validate Downloaded against the real file size; the task
// starts out Paused so the scheduler treats it as eligible.
func FromSnapshot(s Snapshot) *Task {
	return &Task{
		ID:          uuid.New(),
		URL:         s.URL,
		Destination: s.Destination,
		Headers:     s.Headers,
		Ordinal:     s.Ordinal,
		Title:       s.Title,
		TotalSize:   s.TotalSize,
		Downloaded:  s.Downloaded,
		Status:      StatusPaused,
		RetryCount:  s.RetryCount,
		RetryBudget: s.RetryBudget,
	}
}

// Summary reports the terminal outcome of one scheduler run.
type Summary struct {
	Completed int
	Failed    int
	Total     int
}

// ErrAllFailed is returned when every task in a batch ends in terminal failure.
var ErrAllFailed = errors.New("all downloads failed")
