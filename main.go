package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/epifetch/epifetch/internal/config"
	"github.com/epifetch/epifetch/internal/logger"
	"github.com/epifetch/epifetch/internal/progress"
	"github.com/epifetch/epifetch/internal/resume"
	"github.com/epifetch/epifetch/internal/retry"
	"github.com/epifetch/epifetch/internal/scheduler"
	"github.com/epifetch/epifetch/internal/task"
	"github.com/epifetch/epifetch/internal/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		return 1
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Download.ResumeFile), 0o755); err != nil {
		fmt.Printf("Error creating state directory: %v\n", err)
		return 1
	}

	logPath := filepath.Join(filepath.Dir(cfg.Download.ResumeFile), "epifetch.log")
	if err := logger.InitLogging(cfg.Debug, logPath); err != nil {
		fmt.Printf("Warning: Failed to initialize logging: %v\n", err)
	}
	defer logger.Close()

	store, err := resume.NewStore(cfg.Download.ResumeFile)
	if err != nil {
		logger.Errorf("Error opening resume store: %v", err)
		fmt.Printf("Error opening resume store: %v\n", err)
		return 1
	}
	defer store.Close()

	tasks, err := buildTaskSet(cfg, store)
	if err != nil {
		logger.Errorf("Error building task set: %v", err)
		fmt.Printf("Error reading task list: %v\n", err)
		return 1
	}

	client := transport.NewClient(transportConfig(cfg))
	defer client.Cleanup()

	policy := retry.NewPolicy(cfg.Download.RetryDelay)

	aggregator := progress.NewAggregator(500 * time.Millisecond)
	aggregator.Subscribe(renderProgress)

	sched := scheduler.New(scheduler.Config{
		Concurrency: cfg.MaxConcurrentDownloads,
		RoundDelay:  cfg.Download.RetryDelay,
	}, client, policy, store, aggregator)
	sched.Add(tasks...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful pause on Ctrl+C: the scheduler parks in-flight tasks and
	// snapshots them before we unwind.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nInterrupted, pausing downloads...")
		cancel()
	}()

	summary, err := sched.Run(ctx)
	fmt.Println()
	printOutcome(sched.Tasks(), summary)

	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		fmt.Println("Paused. Run again to resume.")
		return 0
	default:
		fmt.Printf("Error: %v\n", err)
		return 1
	}
}

// buildTaskSet merges restored partial downloads with the submitted task
// file. A submitted URL that matches a restored task is skipped so the
// restored byte offset wins.
func buildTaskSet(cfg *config.Config, store *resume.Store) ([]*task.Task, error) {
	restored, err := store.Restore()
	if err != nil {
		return nil, err
	}
	if len(restored) > 0 {
		fmt.Printf("Resuming %d partial download(s)\n", len(restored))
	}

	known := make(map[string]bool, len(restored))
	for _, t := range restored {
		known[t.URL] = true
	}

	lines, err := cfg.ParseTaskFile()
	if err != nil {
		return nil, err
	}

	tasks := restored
	ordinal := maxOrdinal(restored)
	for _, line := range lines {
		if known[line.URL] {
			continue
		}
		ordinal++
		title := filepath.Base(line.Destination)
		tasks = append(tasks, task.New(line.URL, line.Destination, cfg.Download.Headers, ordinal, title, cfg.Download.MaxRetries))
	}

	return tasks, nil
}

func maxOrdinal(tasks []*task.Task) int {
	m := 0
	for _, t := range tasks {
		if t.Ordinal > m {
			m = t.Ordinal
		}
	}
	return m
}

func transportConfig(cfg *config.Config) *transport.ClientConfig {
	tc := transport.DefaultConfig()
	tc.ChunkSize = cfg.Download.ChunkSize
	if cfg.Download.UserAgent != "" {
		tc.DefaultHeaders["User-Agent"] = cfg.Download.UserAgent
	}
	return tc
}

// renderProgress draws the throttled one-line progress display.
func renderProgress(s progress.Snapshot) {
	completed := s.StatusCounts[task.StatusCompleted]
	total := 0
	for _, n := range s.StatusCounts {
		total += n
	}

	fmt.Printf("\rProgress: %5.1f%% (%d/%d) %s | %s/%s    ",
		s.Fraction*100,
		completed,
		total,
		progress.FormatSpeed(s.Throughput),
		progress.FormatBytes(s.BytesDone),
		progress.FormatBytes(s.BytesTotal),
	)
}

// printOutcome lists every terminal per-task result and the run summary.
func printOutcome(tasks []*task.Task, summary task.Summary) {
	for _, t := range tasks {
		switch t.GetStatus() {
		case task.StatusCompleted:
			fmt.Printf("  done    %3d  %s\n", t.Ordinal, t.Title)
		case task.StatusFailed:
			fmt.Printf("  failed  %3d  %s: %v\n", t.Ordinal, t.Title, t.Err())
		case task.StatusPaused:
			fmt.Printf("  paused  %3d  %s (%s)\n", t.Ordinal, t.Title, progress.FormatBytes(t.GetDownloaded()))
		}
	}

	fmt.Printf("Completed %d, failed %d of %d\n", summary.Completed, summary.Failed, summary.Total)
}
