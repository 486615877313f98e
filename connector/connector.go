// Package connector defines the contract every provider adapter implements and the
// shared plumbing they are built from: retries, last-known status caching, a rate
// limited REST client, artifact uploads and metric batching.
package connector

import (
	"context"

	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

// Kind separates providers that run training from those that only record it
type Kind string

const (
	KindCompute Kind = "compute"
	KindTracker Kind = "tracker"
)

// Credentials are provider-specific key/value secrets (api keys, kubeconfig paths, ...)
type Credentials map[string]string

// Connector is implemented once per provider. Refs are the provider's own identifiers
// for a job: a pod id, a Kubernetes job name, a tracked run id.
//
// Tracker connectors treat SubmitJob and CancelJob as registering and closing a
// tracked run; PauseJob and ResumeJob are no-ops for them.
type Connector interface {
	Name() string
	Kind() Kind

	// Connect fails with ErrAuthentication or ErrNetwork
	Connect(ctx context.Context, creds Credentials) error

	// SubmitJob fails with ErrProviderCapacity or ErrInvalidConfig when the provider
	// refuses the configuration
	SubmitJob(ctx context.Context, cfg models.TrainingConfig) (string, error)

	// GetJobStatus is idempotent. On a transient provider error it returns the last
	// known report with Stale set.
	GetJobStatus(ctx context.Context, ref string) (models.StatusReport, error)

	// CancelJob succeeds on jobs that already finished
	CancelJob(ctx context.Context, ref string) error

	PauseJob(ctx context.Context, ref string, cp models.Checkpoint) error
	ResumeJob(ctx context.Context, ref string, cp models.Checkpoint) error

	LogMetrics(ctx context.Context, ref string, points []models.MetricPoint) error

	// UploadArtifact fails with ErrFileNotFound or, once retries are exhausted, ErrUpload
	UploadArtifact(ctx context.Context, path string, metadata map[string]string) (string, error)

	// ReleaseJob frees provider-side resources held for a finished job
	ReleaseJob(ctx context.Context, ref string, final models.Status) error

	Disconnect(ctx context.Context) error
}

// Flusher is implemented by connectors that buffer metrics
type Flusher interface {
	Flush(ctx context.Context, ref string) error
}

// Restorer is implemented by connectors that keep per-job state in memory which the
// provider API can't report back, such as whether a stopped machine was paused on
// request. The manager hands recovered runs to it before polling them again.
type Restorer interface {
	RestoreJob(ref string, run models.Run)
}

// RestoreJob passes run to c, or to the connector it wraps, when that implements
// Restorer. It reports whether any connector took the state.
func RestoreJob(c Connector, ref string, run models.Run) bool {
	for c != nil {
		if r, ok := c.(Restorer); ok {
			r.RestoreJob(ref, run)
			return true
		}
		w, ok := c.(interface{ Unwrap() Connector })
		if !ok {
			return false
		}
		c = w.Unwrap()
	}
	return false
}
