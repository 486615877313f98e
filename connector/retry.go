package connector

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

// DefaultBackoff allows three attempts: 0s, ~500ms, ~1s
var DefaultBackoff = wait.Backoff{
	Duration: 500 * time.Millisecond,
	Factor:   2,
	Jitter:   0.1,
	Steps:    3,
}

// Retry calls fn until it succeeds, returns a non-transient error, or the backoff
// runs out of steps. The last error from fn is returned when retries are exhausted.
func Retry(ctx context.Context, backoff wait.Backoff, fn func(context.Context) error) error {
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		lastErr = fn(ctx)
		switch {
		case lastErr == nil:
			return true, nil
		case models.IsTransient(lastErr):
			return false, nil
		default:
			return false, lastErr
		}
	})
	if err != nil && wait.Interrupted(err) && lastErr != nil {
		return lastErr
	}
	return err
}
