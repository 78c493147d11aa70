// Package jobs runs background fan-out of pending broadcasts with
// at-least-once semantics: a job queue with retries plus a cron sweep that
// re-enqueues broadcasts left pending after a crash.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"voicecast/internal/metrics"
	"voicecast/internal/repo"
)

// Handler fans out one broadcast. It must be safe to call again for the same id.
type Handler func(ctx context.Context, broadcastID string) (int, error)

// PendingLister finds broadcasts whose fan-out has not completed.
type PendingLister interface {
	ListPendingBroadcasts(ctx context.Context, olderThan time.Time, limit int) ([]repo.Broadcast, error)
}

// Config tunes the runner.
type Config struct {
	Workers       int
	RetryMax      int
	QueueSize     int
	RetryDelay    time.Duration
	JobTimeout    time.Duration
	SweepSchedule string
	SweepGrace    time.Duration
	SweepBatch    int
	Location      *time.Location
}

// Runner executes fan-out jobs on a worker pool.
type Runner struct {
	cfg     Config
	handler Handler
	pending PendingLister
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	parser cron.Parser

	mu       sync.Mutex
	c        *cron.Cron
	queue    chan string
	stopCh   chan struct{}
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// NewRunner validates cfg and builds a runner. Call Start to run it.
func NewRunner(cfg Config, handler Handler, pending PendingLister, m *metrics.Metrics, log *slog.Logger) (*Runner, error) {
	if handler == nil {
		return nil, errors.New("jobs: handler is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	if cfg.SweepGrace <= 0 {
		cfg.SweepGrace = 2 * time.Minute
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	r := &Runner{
		cfg:      cfg,
		handler:  handler,
		pending:  pending,
		metrics:  m,
		log:      log.With("component", "jobs"),
		now:      time.Now,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		queue:    make(chan string, cfg.QueueSize),
		inflight: map[string]struct{}{},
	}
	if cfg.SweepSchedule != "" {
		if _, err := r.parser.Parse(cfg.SweepSchedule); err != nil {
			return nil, fmt.Errorf("jobs: parse sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
	}
	return r, nil
}

// Start launches the workers and the sweep schedule.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		return nil
	}
	r.stopCh = make(chan struct{})

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, r.stopCh)
	}

	if r.cfg.SweepSchedule != "" && r.pending != nil {
		r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(r.cfg.Location))
		if _, err := r.c.AddFunc(r.cfg.SweepSchedule, func() {
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Warn("pending sweep failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("jobs: schedule sweep: %w", err)
		}
		r.c.Start()
	}

	r.log.Info("job runner started", slog.Int("workers", r.cfg.Workers), slog.String("sweep", r.cfg.SweepSchedule))
	return nil
}

// Stop halts the sweep and the workers. Jobs still queued are left for the
// next sweep. It waits for running jobs until ctx expires.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopCh == nil {
		r.mu.Unlock()
		return nil
	}
	close(r.stopCh)
	r.stopCh = nil
	c := r.c
	r.c = nil
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("job runner stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue schedules a fan-out. It reports false when the id is already
// queued or running, or when the queue is full.
func (r *Runner) Enqueue(broadcastID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inflight[broadcastID]; ok {
		return false
	}
	select {
	case r.queue <- broadcastID:
		r.inflight[broadcastID] = struct{}{}
		return true
	default:
		r.observe("dropped")
		r.log.Warn("job queue full, dropped", "broadcast_id", broadcastID)
		return false
	}
}

// Sweep enqueues broadcasts pending for longer than the grace period and
// returns how many were enqueued.
func (r *Runner) Sweep(ctx context.Context) (int, error) {
	if r.pending == nil {
		return 0, nil
	}
	cutoff := r.now().Add(-r.cfg.SweepGrace)
	stale, err := r.pending.ListPendingBroadcasts(ctx, cutoff, r.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list pending broadcasts: %w", err)
	}
	n := 0
	for _, b := range stale {
		if r.Enqueue(b.ID) {
			n++
		}
	}
	if n > 0 {
		r.log.Info("re-enqueued pending broadcasts", "count", n)
	}
	return n, nil
}

func (r *Runner) worker(ctx context.Context, stopCh <-chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case id := <-r.queue:
			r.run(ctx, id)
			r.mu.Lock()
			delete(r.inflight, id)
			r.mu.Unlock()
		}
	}
}

func (r *Runner) run(ctx context.Context, id string) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			r.observe("retried")
			t := time.NewTimer(r.cfg.RetryDelay << (attempt - 1))
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}

		n, err := r.runOnce(ctx, id)
		if err == nil {
			r.observe("succeeded")
			r.log.Debug("fan-out job done", "broadcast_id", id, "recipients", n, "attempt", attempt+1)
			return
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		r.log.Warn("fan-out job failed", "broadcast_id", id, "attempt", attempt+1, "error", err)
	}

	r.observe("failed")
	if r.metrics != nil {
		r.metrics.Errors.WithLabelValues("jobs").Inc()
	}
	r.log.Error("fan-out job gave up", "broadcast_id", id, "error", lastErr)
}

func (r *Runner) runOnce(ctx context.Context, id string) (n int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panic: %v", p)
		}
	}()
	jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()
	return r.handler(jobCtx, id)
}

// retryable honours errors that classify themselves; anything else is retried.
func retryable(err error) bool {
	var classified interface{ Retryable() bool }
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	return true
}

func (r *Runner) observe(status string) {
	if r.metrics != nil {
		r.metrics.FanoutJobs.WithLabelValues(status).Inc()
	}
}
