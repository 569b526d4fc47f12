// Package recorder implements the flight recorder: an append-only trace of
// every editing turn. Records go on a bounded in-memory queue and a
// background flusher writes them in batches, so recording never blocks the
// user-visible path and recorder failures never surface to clients.
package recorder

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"aide.dev/aide/kernel/page"
	"aide.dev/aide/kernel/telemetry"
)

type (
	// TurnRecord is the full trace of one editing turn.
	TurnRecord struct {
		TurnID    string      `json:"turn_id" bson:"turn_id"`
		PageID    string      `json:"page_id" bson:"page_id"`
		ActorID   string      `json:"actor_id" bson:"actor_id"`
		Source    page.Source `json:"source" bson:"source"`
		Timestamp time.Time   `json:"timestamp" bson:"timestamp"`

		// UserMessage is the message text that drove the turn, or a synthetic
		// description for direct edits. MessageID is the client-assigned id
		// when the ingress supplied one.
		UserMessage string `json:"user_message,omitempty" bson:"user_message,omitempty"`
		MessageID   string `json:"message_id,omitempty" bson:"message_id,omitempty"`

		// SnapshotBefore and SnapshotAfter are the rendered text outlines of
		// the page around the turn.
		SnapshotBefore string `json:"snapshot_before,omitempty" bson:"snapshot_before,omitempty"`
		SnapshotAfter  string `json:"snapshot_after,omitempty" bson:"snapshot_after,omitempty"`

		Calls []ModelCall `json:"calls,omitempty" bson:"calls,omitempty"`

		// Primitives are the primitive names emitted across the turn, in
		// stream order, including rejected ones.
		Primitives []string `json:"primitives,omitempty" bson:"primitives,omitempty"`
		// AppliedCount is the number of primitives the reducer applied.
		AppliedCount int `json:"applied_count" bson:"applied_count"`
		// RejectedCount is the number the reducer rejected.
		RejectedCount int `json:"rejected_count" bson:"rejected_count"`
		// Error is the terminal turn error, when any.
		Error string `json:"error,omitempty" bson:"error,omitempty"`

		// LatencyMS is the wall-clock duration of the whole turn.
		LatencyMS int64 `json:"latency_ms" bson:"latency_ms"`
	}

	// ModelCall traces one tier invocation within a turn.
	ModelCall struct {
		Tier         string `json:"tier" bson:"tier"`
		Model        string `json:"model" bson:"model"`
		Prompt       string `json:"prompt,omitempty" bson:"prompt,omitempty"`
		Response     string `json:"response,omitempty" bson:"response,omitempty"`
		InputTokens  int    `json:"input_tokens" bson:"input_tokens"`
		OutputTokens int    `json:"output_tokens" bson:"output_tokens"`
		LatencyMS    int64  `json:"latency_ms" bson:"latency_ms"`
		// Shadow marks calls whose output was recorded but never applied.
		Shadow bool   `json:"shadow,omitempty" bson:"shadow,omitempty"`
		Error  string `json:"error,omitempty" bson:"error,omitempty"`
	}

	// Store is the append-only sink records flush to.
	Store interface {
		// Append persists a batch. A failed batch is dropped after logging;
		// the recorder never retries into a growing backlog.
		Append(ctx context.Context, records []TurnRecord) error
	}

	// Options configures a Recorder.
	Options struct {
		// Store receives flushed batches. Required.
		Store Store
		// QueueSize bounds the in-memory queue. Defaults to 10000.
		QueueSize int
		// BatchSize is the flush batch bound. Defaults to 100.
		BatchSize int
		// FlushInterval forces a flush of partial batches. Defaults to 60s.
		FlushInterval time.Duration
		// Logger receives overflow and flush diagnostics. Defaults to noop.
		Logger telemetry.Logger
		// Metrics counts records, drops and flushes. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Recorder is the bounded-queue flight recorder.
	Recorder struct {
		store   Store
		log     telemetry.Logger
		metrics telemetry.Metrics
		batch   int
		flush   time.Duration

		mu    sync.Mutex
		queue []TurnRecord
		max   int

		wake   chan struct{}
		cancel context.CancelFunc
		group  *errgroup.Group
	}
)

// errNoStore reports a Recorder constructed without a sink.
var errNoStore = errors.New("recorder: store is required")

// Defaults.
const (
	DefaultQueueSize     = 10000
	DefaultBatchSize     = 100
	DefaultFlushInterval = 60 * time.Second
)

// New validates opts, starts the background flusher and returns the
// recorder.
func New(ctx context.Context, opts Options) (*Recorder, error) {
	if opts.Store == nil {
		return nil, errNoStore
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(rctx)
	r := &Recorder{
		store:   opts.Store,
		log:     opts.Logger,
		metrics: opts.Metrics,
		batch:   opts.BatchSize,
		flush:   opts.FlushInterval,
		max:     opts.QueueSize,
		wake:    make(chan struct{}, 1),
		cancel:  cancel,
		group:   g,
	}
	g.Go(func() error {
		r.run(gctx)
		return nil
	})
	return r, nil
}

// Record enqueues a turn record. It never blocks: on a full queue the oldest
// record is dropped with a warning.
func (r *Recorder) Record(ctx context.Context, rec TurnRecord) {
	r.mu.Lock()
	if len(r.queue) >= r.max {
		dropped := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		r.log.Warn(ctx, "flight recorder queue full, dropping oldest",
			"dropped_turn", dropped.TurnID, "queue", r.max)
		r.metrics.IncCounter("recorder.dropped", 1)
		r.mu.Lock()
	}
	r.queue = append(r.queue, rec)
	full := len(r.queue) >= r.batch
	r.mu.Unlock()
	r.metrics.IncCounter("recorder.enqueued", 1)
	if full {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// Depth returns the current queue length.
func (r *Recorder) Depth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Drain flushes everything queued and stops the flusher. Used at shutdown.
func (r *Recorder) Drain(ctx context.Context) error {
	r.cancel()
	if err := r.group.Wait(); err != nil {
		return err
	}
	return r.flushAll(ctx)
}

func (r *Recorder) run(ctx context.Context) {
	ticker := time.NewTicker(r.flush)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.flushOnce(ctx)
		case <-r.wake:
			r.flushOnce(ctx)
		}
	}
}

// flushOnce writes at most one batch.
func (r *Recorder) flushOnce(ctx context.Context) {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return
	}
	n := len(r.queue)
	if n > r.batch {
		n = r.batch
	}
	batch := make([]TurnRecord, n)
	copy(batch, r.queue[:n])
	r.queue = r.queue[n:]
	r.mu.Unlock()

	start := time.Now()
	if err := r.store.Append(ctx, batch); err != nil {
		// Records are dropped rather than requeued: the queue bounds memory
		// and the store is append-only best effort.
		r.log.Error(ctx, "flight record flush failed",
			"batch", len(batch), "err", err)
		r.metrics.IncCounter("recorder.flush_errors", 1)
		return
	}
	r.metrics.IncCounter("recorder.flushed", float64(len(batch)))
	r.metrics.RecordTimer("recorder.flush_latency", time.Since(start))
}

// flushAll empties the queue in batches.
func (r *Recorder) flushAll(ctx context.Context) error {
	for {
		r.mu.Lock()
		empty := len(r.queue) == 0
		r.mu.Unlock()
		if empty {
			return nil
		}
		r.flushOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
