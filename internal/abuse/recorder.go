package abuse

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/consignguard/internal/bans"
	"github.com/mbd888/consignguard/internal/identity"
	"github.com/mbd888/consignguard/internal/logging"
	"github.com/mbd888/consignguard/internal/metrics"
	"github.com/mbd888/consignguard/internal/retry"
	"github.com/mbd888/consignguard/internal/violations"
)

const (
	DefaultViolationQueueSize = 1024
	violationWriteTimeout     = 5 * time.Second
)

// EventViolation is published for every violation written to the sink.
const EventViolation = "violation"

// Recorder writes violations to the audit sink off the request path. It
// never blocks or fails a decision: a full queue or a failing sink drops the
// entry and counts it.
type Recorder struct {
	sink     violations.Store
	notifier bans.Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan *violations.Entry
	done   chan struct{}
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderNotifier publishes written entries, typically to the live feed.
func WithRecorderNotifier(n bans.Notifier) RecorderOption {
	return func(r *Recorder) { r.notifier = n }
}

func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = logger }
}

func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder starts a recorder with a queue of queueSize entries.
func NewRecorder(sink violations.Store, queueSize int, opts ...RecorderOption) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultViolationQueueSize
	}
	r := &Recorder{
		sink:   sink,
		logger: logging.Discard(),
		now:    time.Now,
		queue:  make(chan *violations.Entry, queueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// Log enqueues a violation. It never blocks.
func (r *Recorder) Log(ctx context.Context, action string, id identity.Identity, attempts int, policy Policy) {
	metrics.ViolationsTotal.WithLabelValues(policy.Action).Inc()

	entry := &violations.Entry{
		ID:                  "vio_" + uuid.NewString(),
		Action:              action,
		UserID:              id.UserID,
		Origin:              id.Origin,
		AttemptsAtViolation: attempts,
		MaxAttempts:         policy.MaxAttempts,
		Context: map[string]string{
			"policy":        policy.Action,
			"windowSeconds": strconv.FormatInt(int64(policy.Window/time.Second), 10),
			"blockSeconds":  strconv.FormatInt(int64(policy.BlockDuration/time.Second), 10),
		},
		CreatedAt: r.now(),
	}
	if reqID := logging.RequestID(ctx); reqID != "" {
		entry.Context["requestId"] = reqID
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.ViolationsDroppedTotal.WithLabelValues("closed").Inc()
		return
	}
	select {
	case r.queue <- entry:
	default:
		metrics.ViolationsDroppedTotal.WithLabelValues("queue_full").Inc()
		r.logger.Warn("violation queue full, dropping entry", "action", action)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for entry := range r.queue {
		r.write(entry)
	}
}

func (r *Recorder) write(entry *violations.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), violationWriteTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			metrics.ViolationsDroppedTotal.WithLabelValues("sink_error").Inc()
			r.logger.Error("panic in violation sink", "panic", p)
		}
	}()

	err := retry.Do(ctx, func(ctx context.Context) error {
		return r.sink.Append(ctx, entry)
	})
	if err != nil {
		metrics.ViolationsDroppedTotal.WithLabelValues("sink_error").Inc()
		r.logger.Warn("violation write failed", "id", entry.ID, "action", entry.Action, "error", err)
		return
	}
	if r.notifier != nil {
		r.notifier.Publish(EventViolation, entry)
	}
}

// Close stops accepting entries and waits for the queue to drain or ctx to
// end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
