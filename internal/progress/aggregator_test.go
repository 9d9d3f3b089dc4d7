package progress_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epifetch/epifetch/internal/progress"
	"github.com/epifetch/epifetch/internal/task"
)

func newTask(ordinal int) *task.Task {
	return task.New("http://host/ep.mp4", "/tmp/ep.mp4", nil, ordinal, "ep", 3)
}

func TestObserveThrottlesPublishing(t *testing.T) {
	agg := progress.NewAggregator(time.Hour)

	var mu sync.Mutex
	published := 0
	agg.Subscribe(func(progress.Snapshot) {
		mu.Lock()
		published++
		mu.Unlock()
	})

	tk := newTask(1)
	tk.SetTotalSize(100)

	// First observe publishes (interval elapsed since zero time); the
	// rest only update internal state.
	for i := 0; i < 50; i++ {
		tk.AddDownloaded(1)
		agg.Observe(tk)
	}

	mu.Lock()
	count := published
	mu.Unlock()
	assert.Equal(t, 1, count)

	// The state still advanced even though nothing was published.
	snap := agg.Current()
	assert.Equal(t, int64(50), snap.BytesDone)
}

func TestTrackSeedsWithoutPublishing(t *testing.T) {
	agg := progress.NewAggregator(time.Nanosecond)

	var mu sync.Mutex
	published := 0
	agg.Subscribe(func(progress.Snapshot) {
		mu.Lock()
		published++
		mu.Unlock()
	})

	done := newTask(1)
	done.SetTotalSize(10)
	done.SetDownloaded(10)
	done.SetStatus(task.StatusCompleted)

	waiting := newTask(2)

	agg.Track(done, waiting)

	mu.Lock()
	count := published
	mu.Unlock()
	assert.Zero(t, count)

	// The pending task is in the denominator from the start, so the batch
	// does not read complete just because the finished task is.
	snap := agg.Current()
	assert.Less(t, snap.Fraction, 1.0)
	assert.Equal(t, 1, snap.StatusCounts[task.StatusPending])
	assert.Equal(t, 1, snap.StatusCounts[task.StatusCompleted])
}

func TestFlushForcesPublish(t *testing.T) {
	agg := progress.NewAggregator(time.Hour)

	var got []progress.Snapshot
	agg.Subscribe(func(s progress.Snapshot) { got = append(got, s) })

	tk := newTask(1)
	tk.SetTotalSize(10)
	tk.SetDownloaded(10)
	tk.SetStatus(task.StatusCompleted)
	agg.Observe(tk)
	agg.Flush()

	require.NotEmpty(t, got)
	assert.Equal(t, 1.0, got[len(got)-1].Fraction)
}

func TestFractionMonotoneAndCappedBelowOne(t *testing.T) {
	agg := progress.NewAggregator(time.Nanosecond)

	known := newTask(1)
	known.SetTotalSize(100)
	known.SetDownloaded(100)
	known.SetStatus(task.StatusCompleted)

	// Unknown size: contributes to the numerator only, which would push
	// the raw ratio past 1.
	unknown := newTask(2)
	unknown.SetDownloaded(50)
	unknown.SetStatus(task.StatusDownloading)

	agg.Observe(known)
	agg.Observe(unknown)

	snap := agg.Current()
	assert.Less(t, snap.Fraction, 1.0)

	// Size becomes known, denominator grows; reported fraction must not
	// go backwards.
	before := snap.Fraction
	unknown.SetTotalSize(1000)
	agg.Observe(unknown)
	assert.GreaterOrEqual(t, agg.Current().Fraction, before)
}

func TestFractionReachesOneOnlyWhenAllCompleted(t *testing.T) {
	agg := progress.NewAggregator(time.Nanosecond)

	a := newTask(1)
	a.SetTotalSize(10)
	a.SetDownloaded(10)
	a.SetStatus(task.StatusCompleted)

	b := newTask(2)
	b.SetTotalSize(10)
	b.SetDownloaded(10)
	b.SetStatus(task.StatusDownloading) // fully transferred but not marked done

	agg.Observe(a)
	agg.Observe(b)
	assert.Less(t, agg.Current().Fraction, 1.0)

	b.SetStatus(task.StatusCompleted)
	agg.Observe(b)
	assert.Equal(t, 1.0, agg.Current().Fraction)
}

func TestStatusCounts(t *testing.T) {
	agg := progress.NewAggregator(time.Hour)

	states := []task.Status{
		task.StatusCompleted,
		task.StatusCompleted,
		task.StatusDownloading,
		task.StatusFailed,
		task.StatusPending,
	}
	for i, s := range states {
		tk := newTask(i + 1)
		tk.SetStatus(s)
		agg.Observe(tk)
	}

	snap := agg.Current()
	assert.Equal(t, 2, snap.StatusCounts[task.StatusCompleted])
	assert.Equal(t, 1, snap.StatusCounts[task.StatusDownloading])
	assert.Equal(t, 1, snap.StatusCounts[task.StatusFailed])
	assert.Equal(t, 1, snap.StatusCounts[task.StatusPending])
}

func TestConcurrentObserve(t *testing.T) {
	agg := progress.NewAggregator(time.Millisecond)
	agg.Subscribe(func(progress.Snapshot) {})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(ordinal int) {
			defer wg.Done()
			tk := newTask(ordinal)
			tk.SetTotalSize(1000)
			for j := 0; j < 100; j++ {
				tk.AddDownloaded(10)
				agg.Observe(tk)
			}
		}(i + 1)
	}
	wg.Wait()

	snap := agg.Current()
	assert.Equal(t, int64(8*1000), snap.BytesDone)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", progress.FormatBytes(512))
	assert.Equal(t, "1.0 KB", progress.FormatBytes(1024))
	assert.Equal(t, "1.5 MB", progress.FormatBytes(3<<20/2))
	assert.Equal(t, "2.0 GB", progress.FormatBytes(2<<30))
	assert.Equal(t, "1.0 MB/s", progress.FormatSpeed(1<<20))
}
