package postgres

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxmood/internal/observe"
	"github.com/MrWong99/voxmood/internal/orchestrator"
	"github.com/MrWong99/voxmood/pkg/emotion"
)

// Recorder defaults.
const (
	DefaultQueueSize     = 1024
	DefaultBatchSize     = 64
	DefaultFlushInterval = time.Second
)

// flushTimeout bounds the final flush after Run's context ends.
const flushTimeout = 5 * time.Second

// Writer persists batches of moments. [Store] implements it.
type Writer interface {
	Insert(ctx context.Context, moments []Moment) error
}

var _ Writer = (*Store)(nil)

// RecorderConfig tunes a [Recorder]. Zero fields take defaults.
type RecorderConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	Metrics       *observe.Metrics
}

// Recorder queues predictions from any number of sessions and writes them
// in batches. Enqueueing never blocks: a full queue drops the moment and
// counts it.
type Recorder struct {
	w             Writer
	queue         chan Moment
	batchSize     int
	flushInterval time.Duration
	metrics       *observe.Metrics

	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

// NewRecorder creates a recorder writing to w. Call Run to start flushing.
func NewRecorder(w Writer, cfg RecorderConfig) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Recorder{
		w:             w,
		queue:         make(chan Moment, cfg.QueueSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		metrics:       cfg.Metrics,
	}
}

// Consumer returns an orchestrator consumer that records predictions under
// sessionID. Its signature matches session.ConsumerFactory.
func (r *Recorder) Consumer(sessionID string) orchestrator.Consumer {
	return orchestrator.ConsumerFunc(func(p emotion.Prediction) {
		r.Enqueue(MomentFromPrediction(sessionID, p))
	})
}

// Enqueue queues m without blocking. It reports whether m was accepted.
func (r *Recorder) Enqueue(m Moment) bool {
	select {
	case r.queue <- m:
		return true
	default:
		r.dropped.Add(1)
		r.metrics.StoreErrors.Add(context.Background(), 1)
		return false
	}
}

// Dropped returns how many moments were discarded on a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written returns how many moments were persisted.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Failed returns how many moments were lost to write errors.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

// Run flushes queued moments until ctx is done, then drains what is left
// with a short deadline. It always returns nil so it can sit in an errgroup
// without tearing down its siblings.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]Moment, 0, r.batchSize)
	for {
		select {
		case <-ctx.Done():
			r.drain(batch)
			return nil
		case m := <-r.queue:
			batch = append(batch, m)
			if len(batch) >= r.batchSize {
				batch = r.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = r.flush(ctx, batch)
		}
	}
}

// drain writes the pending batch plus everything still queued.
func (r *Recorder) drain(batch []Moment) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case m := <-r.queue:
			batch = append(batch, m)
			if len(batch) >= r.batchSize {
				batch = r.flush(ctx, batch)
			}
		default:
			r.flush(ctx, batch)
			return
		}
	}
}

// flush writes batch and returns it emptied for reuse.
func (r *Recorder) flush(ctx context.Context, batch []Moment) []Moment {
	if len(batch) == 0 {
		return batch
	}
	if err := r.w.Insert(ctx, batch); err != nil {
		r.failed.Add(uint64(len(batch)))
		r.metrics.StoreErrors.Add(ctx, int64(len(batch)))
		slog.Warn("timeline store: flush failed", "moments", len(batch), "err", err)
	} else {
		r.written.Add(uint64(len(batch)))
	}
	return batch[:0]
}
