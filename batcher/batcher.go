package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

const (
	DefaultMaxBatch      = 100
	DefaultFlushInterval = 5 * time.Second
	DefaultSendTimeout   = 10 * time.Second
	DefaultRetryInterval = time.Second
	DefaultBacklog       = 16

	// closing gives a failing sink this many more attempts before Close reports the loss
	finalAttempts = 3
)

// Sink receives flushed batches. Connectors implement it.
type Sink interface {
	LogMetrics(ctx context.Context, jobID string, points []models.MetricPoint) error
}

// Options tunes the flush triggers
type Options struct {
	MaxBatch      int
	FlushInterval time.Duration
	SendTimeout   time.Duration
	RetryInterval time.Duration
	Backlog       int

	// OnFlush is called after every delivery attempt
	OnFlush func(jobID string, points int, err error)
	Log     *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.MaxBatch <= 0 {
		o.MaxBatch = DefaultMaxBatch
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.Backlog <= 0 {
		o.Backlog = DefaultBacklog
	}
	if o.Log == nil {
		o.Log = logrus.WithField("component", "batcher")
	}
	return o
}

// Batcher buffers metric points per job and flushes them to a Sink when a queue
// reaches MaxBatch entries or FlushInterval after its oldest unflushed entry.
type Batcher struct {
	sink Sink
	opts Options

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
}

// New creates a batcher flushing into sink
func New(sink Sink, opts Options) *Batcher {
	return &Batcher{
		sink:   sink,
		opts:   opts.withDefaults(),
		queues: make(map[string]*queue),
	}
}

// Add appends a point to the job's queue. It only waits when the job's backlog of
// unsent batches is full, and then no longer than ctx allows.
func (b *Batcher) Add(ctx context.Context, jobID string, point models.MetricPoint) error {
	q, err := b.queue(jobID)
	if err != nil {
		return err
	}
	return q.add(ctx, point.Clone())
}

// Flush sends everything queued for jobID and waits for delivery
func (b *Batcher) Flush(ctx context.Context, jobID string) error {
	b.mu.Lock()
	q := b.queues[jobID]
	b.mu.Unlock()
	if q == nil {
		return nil
	}
	return q.flushSync(ctx)
}

// Remove flushes the job's queue and releases its sender
func (b *Batcher) Remove(ctx context.Context, jobID string) error {
	b.mu.Lock()
	q := b.queues[jobID]
	delete(b.queues, jobID)
	b.mu.Unlock()
	if q == nil {
		return nil
	}
	return q.shutdown(ctx)
}

// Close flushes every queue synchronously. Further Adds fail with ErrBatcherClosed.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	queues := b.queues
	b.queues = make(map[string]*queue)
	b.mu.Unlock()

	var errs []error
	for jobID, q := range queues {
		if err := q.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", jobID, err))
		}
	}
	return errors.Join(errs...)
}

// Pending returns the number of points waiting in the job's queue (not yet handed to the sender)
func (b *Batcher) Pending(jobID string) int {
	b.mu.Lock()
	q := b.queues[jobID]
	b.mu.Unlock()
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.points)
}

func (b *Batcher) queue(jobID string) (*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, models.ErrBatcherClosed
	}
	q, ok := b.queues[jobID]
	if !ok {
		q = newQueue(jobID, b.sink, b.opts)
		b.queues[jobID] = q
	}
	return q, nil
}
