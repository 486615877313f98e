package lifecycle

import (
	"fmt"
	"time"

	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

// legal lists every permitted edge. Terminal states have no entry.
var legal = map[models.Status][]models.Status{
	models.StatusQueued:  {models.StatusRunning, models.StatusFailed, models.StatusStopped},
	models.StatusRunning: {models.StatusPaused, models.StatusCompleted, models.StatusFailed, models.StatusStopped},
	// failed is reachable from paused through a resume timeout or a provider failure
	models.StatusPaused: {models.StatusRunning, models.StatusStopped, models.StatusFailed},
}

// requestable are the targets an API caller may ask for
var requestable = map[models.Status]bool{
	models.StatusPaused:  true,
	models.StatusRunning: true,
	models.StatusStopped: true,
}

// Transition records one applied state change
type Transition struct {
	JobID string
	From  models.Status
	To    models.Status
	At    time.Time
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to models.Status) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateRequest checks an externally requested transition. Resuming is only
// possible from paused; queued -> running is left to status polling.
func ValidateRequest(from, to models.Status) error {
	if from.IsTerminal() {
		return fmt.Errorf("cannot move %s job to %s: %w", from, to, models.ErrJobTerminal)
	}
	if !requestable[to] {
		return fmt.Errorf("%s cannot be requested: %w", to, models.ErrIllegalTransition)
	}
	if to == models.StatusRunning && from != models.StatusPaused {
		return fmt.Errorf("%s -> %s: %w", from, to, models.ErrIllegalTransition)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, models.ErrIllegalTransition)
	}
	return nil
}
