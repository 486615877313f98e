package repository

import (
	"context"

	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

// RunStore is the durable record of every run the orchestrator has seen.
// Implementations never replace a record with one carrying a lower Version.
type RunStore interface {
	// Upsert inserts or replaces the record keyed by run.JobID
	Upsert(ctx context.Context, run models.Run) error

	// Get fails with ErrJobNotFound for unknown ids
	Get(ctx context.Context, jobID string) (models.Run, error)

	// Query returns runs matching filter ordered by start time (creation time for
	// runs that never started), newest first
	Query(ctx context.Context, filter models.RunFilter, limit, offset int) (models.HistoryPage, error)

	// ListActive returns every non-terminal run, used for crash recovery
	ListActive(ctx context.Context) ([]models.Run, error)

	Close() error
}
