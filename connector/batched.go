package connector

import (
	"context"
	"errors"

	"github.com/loiht2/ml-platform-finetune-orchestrator/batcher"
	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

// WithBatching routes LogMetrics through a per-job batcher flushing into inner.
// ReleaseJob flushes the job's queue first and Disconnect flushes every queue before
// the provider connection is closed.
func WithBatching(inner Connector, opts batcher.Options) Connector {
	return &batched{Connector: inner, batcher: batcher.New(inner, opts)}
}

type batched struct {
	Connector
	batcher *batcher.Batcher
}

func (b *batched) LogMetrics(ctx context.Context, ref string, points []models.MetricPoint) error {
	for _, p := range points {
		if err := b.batcher.Add(ctx, ref, p); err != nil {
			return err
		}
	}
	return nil
}

func (b *batched) Flush(ctx context.Context, ref string) error {
	return b.batcher.Flush(ctx, ref)
}

func (b *batched) ReleaseJob(ctx context.Context, ref string, final models.Status) error {
	flushErr := b.batcher.Remove(ctx, ref)
	return errors.Join(flushErr, b.Connector.ReleaseJob(ctx, ref, final))
}

func (b *batched) Disconnect(ctx context.Context) error {
	flushErr := b.batcher.Close(ctx)
	return errors.Join(flushErr, b.Connector.Disconnect(ctx))
}

// Unwrap returns the provider connector behind the batcher
func (b *batched) Unwrap() Connector {
	return b.Connector
}
