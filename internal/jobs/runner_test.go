package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecast/internal/metrics"
	"voicecast/internal/repo"
)

type permanentErr struct{}

func (permanentErr) Error() string   { return "gone" }
func (permanentErr) Retryable() bool { return false }

type fakePending struct {
	mu        sync.Mutex
	olderThan time.Time
	items     []repo.Broadcast
}

func (f *fakePending) ListPendingBroadcasts(_ context.Context, olderThan time.Time, limit int) ([]repo.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.olderThan = olderThan
	if len(f.items) > limit {
		return f.items[:limit], nil
	}
	return f.items, nil
}

type recorder struct {
	mu       sync.Mutex
	attempts map[string]int
	done     chan string
	failures map[string]int
	err      error
}

func newRecorder() *recorder {
	return &recorder{attempts: map[string]int{}, failures: map[string]int{}, done: make(chan string, 16)}
}

func (r *recorder) handle(_ context.Context, id string) (int, error) {
	r.mu.Lock()
	r.attempts[id]++
	n := r.attempts[id]
	fail := n <= r.failures[id]
	err := r.err
	r.mu.Unlock()

	if err != nil {
		r.done <- id
		return 0, err
	}
	if fail {
		return 0, errors.New("db busy")
	}
	r.done <- id
	return 1, nil
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[id]
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job")
		return ""
	}
}

func startRunner(t *testing.T, cfg Config, rec *recorder, pending PendingLister) (*Runner, *metrics.Metrics) {
	t.Helper()
	m := metrics.New("test", prometheus.NewRegistry())
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	r, err := NewRunner(cfg, rec.handle, pending, m, discard())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, r.Stop(ctx))
	})
	return r, m
}

func TestRunner_RetriesUntilSuccess(t *testing.T) {
	rec := newRecorder()
	rec.failures["b1"] = 2
	r, m := startRunner(t, Config{Workers: 1, RetryMax: 3}, rec, nil)

	require.True(t, r.Enqueue("b1"))
	assert.Equal(t, "b1", waitFor(t, rec.done))
	assert.Equal(t, 3, rec.count("b1"))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.FanoutJobs.WithLabelValues("succeeded")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FanoutJobs.WithLabelValues("retried")))
}

func TestRunner_PermanentErrorIsNotRetried(t *testing.T) {
	rec := newRecorder()
	rec.err = permanentErr{}
	r, m := startRunner(t, Config{Workers: 1, RetryMax: 3}, rec, nil)

	require.True(t, r.Enqueue("b1"))
	waitFor(t, rec.done)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.FanoutJobs.WithLabelValues("failed")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count("b1"))
}

func TestRunner_EnqueueDeduplicatesInflight(t *testing.T) {
	rec := newRecorder()
	m := metrics.New("test", prometheus.NewRegistry())
	r, err := NewRunner(Config{QueueSize: 1}, rec.handle, nil, m, discard())
	require.NoError(t, err)

	assert.True(t, r.Enqueue("b1"))
	assert.False(t, r.Enqueue("b1"), "already queued")
	assert.False(t, r.Enqueue("b2"), "queue full")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FanoutJobs.WithLabelValues("dropped")))
}

func TestRunner_SweepEnqueuesStalePending(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	pending := &fakePending{items: []repo.Broadcast{{ID: "p1"}, {ID: "p2"}}}
	rec := newRecorder()
	m := metrics.New("test", prometheus.NewRegistry())
	r, err := NewRunner(Config{SweepGrace: 2 * time.Minute, QueueSize: 8}, rec.handle, pending, m, discard())
	require.NoError(t, err)
	r.now = func() time.Time { return now }

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, now.Add(-2*time.Minute), pending.olderThan)

	n, err = r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "still queued")
}

func TestNewRunner_RejectsBadSchedule(t *testing.T) {
	_, err := NewRunner(Config{SweepSchedule: "every minute"}, newRecorder().handle, nil, nil, discard())
	assert.Error(t, err)

	_, err = NewRunner(Config{SweepSchedule: "@every 1m"}, newRecorder().handle, nil, nil, discard())
	assert.NoError(t, err)

	_, err = NewRunner(Config{}, nil, nil, nil, discard())
	assert.Error(t, err)
}
