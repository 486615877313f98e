package batcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

type batch struct {
	points []models.MetricPoint
	ack    chan error // nil when nobody waits for delivery
}

// queue is the per-job buffer. Points are appended under mu; taking the buffer and
// handing it to the sender happens under dispatchMu so batches keep append order.
type queue struct {
	jobID string
	sink  Sink
	opts  Options

	dispatchMu sync.Mutex
	chanClosed bool

	mu     sync.Mutex
	points []models.MetricPoint
	timer  *time.Timer
	gen    uint64
	closed bool

	batches  chan batch
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newQueue(jobID string, sink Sink, opts Options) *queue {
	q := &queue{
		jobID:   jobID,
		sink:    sink,
		opts:    opts,
		batches: make(chan batch, opts.Backlog),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *queue) add(ctx context.Context, point models.MetricPoint) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return models.ErrBatcherClosed
	}
	q.points = append(q.points, point)
	if q.timer == nil {
		q.armLocked()
	}
	full := len(q.points) >= q.opts.MaxBatch
	q.mu.Unlock()

	if !full {
		return nil
	}
	return q.dispatch(ctx, nil)
}

// armLocked starts the age trigger for the oldest unflushed point
func (q *queue) armLocked() {
	q.gen++
	gen := q.gen
	q.timer = time.AfterFunc(q.opts.FlushInterval, func() { q.flushDue(gen) })
}

func (q *queue) disarmLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.gen++
}

func (q *queue) flushDue(gen uint64) {
	q.mu.Lock()
	stale := gen != q.gen
	q.mu.Unlock()
	if stale {
		return
	}
	if err := q.dispatch(context.Background(), nil); err != nil {
		q.opts.Log.WithField("job_id", q.jobID).Warnf("Timed metric flush not dispatched: %v", err)
	}
}

// dispatch swaps the buffer out and hands it to the sender
func (q *queue) dispatch(ctx context.Context, ack chan error) error {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()

	if q.chanClosed {
		return models.ErrBatcherClosed
	}

	q.mu.Lock()
	points := q.points
	q.points = nil
	q.disarmLocked()
	q.mu.Unlock()

	if len(points) == 0 && ack == nil {
		return nil
	}

	select {
	case q.batches <- batch{points: points, ack: ack}:
		return nil
	case <-ctx.Done():
		q.requeue(points)
		return ctx.Err()
	}
}

// requeue puts undelivered points back in front of anything appended since.
// Callers hold dispatchMu, so no other batch was handed over in between.
func (q *queue) requeue(points []models.MetricPoint) {
	if len(points) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.points = append(points, q.points...)
	if q.timer == nil {
		q.armLocked()
	}
}

func (q *queue) flushSync(ctx context.Context) error {
	ack := make(chan error, 1)
	if err := q.dispatch(ctx, ack); err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *queue) shutdown(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stop) })

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	err := q.flushSync(ctx)

	q.dispatchMu.Lock()
	if !q.chanClosed {
		q.chanClosed = true
		close(q.batches)
	}
	q.dispatchMu.Unlock()

	select {
	case <-q.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (q *queue) stopping() bool {
	select {
	case <-q.stop:
		return true
	default:
		return false
	}
}

// run delivers batches one at a time, in order
func (q *queue) run() {
	defer close(q.done)
	for b := range q.batches {
		err := q.deliver(b.points)
		if b.ack != nil {
			b.ack <- err
		}
	}
}

// deliver retries transient failures until the batch lands or the queue shuts down.
// Other failures get finalAttempts tries before the batch is reported lost.
func (q *queue) deliver(points []models.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	log := q.opts.Log.WithField("job_id", q.jobID)
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), q.opts.SendTimeout)
		err := q.sink.LogMetrics(ctx, q.jobID, points)
		cancel()
		if q.opts.OnFlush != nil {
			q.opts.OnFlush(q.jobID, len(points), err)
		}
		if err == nil {
			return nil
		}
		if attempt >= finalAttempts && (q.stopping() || !models.IsTransient(err)) {
			log.Errorf("Dropping %d metric points after %d attempts: %v", len(points), attempt, err)
			return fmt.Errorf("delivering %d metric points: %w", len(points), err)
		}
		log.Warnf("Metric flush attempt %d failed: %v", attempt, err)

		timer := time.NewTimer(q.opts.RetryInterval)
		select {
		case <-timer.C:
		case <-q.stop:
			timer.Stop()
		}
	}
}
