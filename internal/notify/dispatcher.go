// Package notify delivers push notifications about broadcasts and replies.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"voicecast/internal/metrics"
	"voicecast/internal/repo"
)

// Notification kinds.
const (
	KindBroadcast = "broadcast"
	KindReply     = "reply"
)

// Delivery outcomes reported to metrics.
const (
	statusSent    = "sent"
	statusFailed  = "failed"
	statusSkipped = "skipped"
	statusDropped = "dropped"
)

// ErrNoAddress is returned by transports that cannot reach a user.
var ErrNoAddress = errors.New("notify: recipient has no address")

// Notification is one message to one user.
type Notification struct {
	Kind        string
	RecipientID string
	Address     string
	BroadcastID string
	ActorID     string
	Text        string
}

// Transport sends a single notification.
type Transport interface {
	Send(ctx context.Context, n Notification) error
}

// Config tunes the dispatcher worker pool.
type Config struct {
	Workers    int
	RatePerSec int
	RetryMax   int
	QueueSize  int
	// RetryDelay is the first retry backoff; each further attempt adds half of it.
	RetryDelay time.Duration
}

// Dispatcher queues notifications and delivers them from a rate-limited
// worker pool. Enqueueing never blocks the caller and a failure for one
// recipient never affects another.
type Dispatcher struct {
	cfg       Config
	transport Transport
	metrics   *metrics.Metrics
	logger    *slog.Logger
	lim       *rate.Limiter

	queue chan Notification

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher builds a dispatcher. Call Start before enqueueing.
func NewDispatcher(cfg Config, transport Transport, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	return &Dispatcher{
		cfg:       cfg,
		transport: transport,
		metrics:   m,
		logger:    logger.With("component", "notify"),
		lim:       rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:     make(chan Notification, cfg.QueueSize),
	}
}

// Start launches the workers. They keep ctx's values but not its
// cancellation: workers run until Stop, so notifications queued before
// shutdown still go out.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(runCtx, i)
	}
	d.logger.Info("notification dispatcher started", "workers", d.cfg.Workers, "rate_per_sec", d.cfg.RatePerSec)
}

// Stop stops accepting notifications and waits for queued ones to drain.
// When ctx expires first, in-flight deliveries are cancelled and the rest of
// the queue is dropped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	cancel := d.cancel
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if cancel != nil {
			cancel()
		}
		d.logger.Info("notification dispatcher stopped")
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return ctx.Err()
	}
}

// SendBroadcastNotification tells recipient a broadcast arrived.
func (d *Dispatcher) SendBroadcastNotification(recipient repo.User, b repo.Broadcast) {
	d.enqueue(recipient, Notification{
		Kind:        KindBroadcast,
		BroadcastID: b.ID,
		ActorID:     b.SenderID,
		Text:        "You received a new voice broadcast. Reply to start a conversation.",
	})
}

// SendReplyNotification tells sender that recipient answered their broadcast.
func (d *Dispatcher) SendReplyNotification(sender, recipient repo.User, b repo.Broadcast) {
	d.enqueue(sender, Notification{
		Kind:        KindReply,
		BroadcastID: b.ID,
		ActorID:     recipient.ID,
		Text:        "Someone replied to your voice broadcast.",
	})
}

func (d *Dispatcher) enqueue(to repo.User, n Notification) {
	n.RecipientID = to.ID
	if to.NotifyJID != nil {
		n.Address = *to.NotifyJID
	}
	if !to.PushEnabled {
		d.observe(n.Kind, statusSkipped)
		d.logger.Debug("push disabled, notification skipped", "recipient_id", to.ID, "kind", n.Kind)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.observe(n.Kind, statusDropped)
		d.logger.Warn("dispatcher stopped, notification dropped", "recipient_id", to.ID, "kind", n.Kind)
		return
	}
	select {
	case d.queue <- n:
	default:
		d.observe(n.Kind, statusDropped)
		d.logger.Warn("notification queue full, dropped", "recipient_id", to.ID, "kind", n.Kind)
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-d.queue:
			if !ok || ctx.Err() != nil {
				return
			}
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.RetryMax; attempt++ {
		if err := d.lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		lastErr = d.sendOnce(ctx, n)
		if lastErr == nil {
			d.observe(n.Kind, statusSent)
			return
		}
		if errors.Is(lastErr, ErrNoAddress) {
			d.observe(n.Kind, statusSkipped)
			d.logger.Debug("recipient unreachable", "recipient_id", n.RecipientID, "kind", n.Kind)
			return
		}
		if attempt == d.cfg.RetryMax {
			break
		}
		delay := d.cfg.RetryDelay + time.Duration(attempt)*d.cfg.RetryDelay/2
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			lastErr = ctx.Err()
			attempt = d.cfg.RetryMax
		case <-t.C:
		}
	}

	d.observe(n.Kind, statusFailed)
	if d.metrics != nil {
		d.metrics.Errors.WithLabelValues("notify").Inc()
	}
	d.logger.Warn("notification delivery failed",
		"recipient_id", n.RecipientID,
		"broadcast_id", n.BroadcastID,
		"kind", n.Kind,
		"error", lastErr,
	)
}

func (d *Dispatcher) sendOnce(ctx context.Context, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return d.transport.Send(ctx, n)
}

func (d *Dispatcher) observe(kind, status string) {
	if d.metrics != nil {
		d.metrics.Notifications.WithLabelValues(kind, status).Inc()
	}
}
