package lifecycle

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// Job is the authoritative lifecycle of one training run.
//
// opMu serializes compound operations (applying a poll, pause, resume, cancel) so a
// status poll never interleaves with an external request. mu guards the fields and
// is only held for short critical sections, so snapshots never wait on the network.
type Job struct {
	opMu sync.Mutex

	mu        sync.RWMutex
	run       models.Run
	now       Clock
	lastStamp time.Time

	// pausedSince is the start of the current pause. run.PausedAt keeps the first one.
	pausedSince time.Time

	pollsSinceSync int
	pollFailures   int

	cancelRequested atomic.Bool
}

// NewJob creates a queued job owning a copy of cfg
func NewJob(jobID, provider, providerJobID string, cfg models.TrainingConfig, clock Clock) *Job {
	if clock == nil {
		clock = time.Now
	}
	j := &Job{now: clock}
	at := j.stamp()
	j.run = models.Run{
		JobID:         jobID,
		Provider:      provider,
		ProviderJobID: providerJobID,
		Config:        cfg.Clone(),
		Status:        models.StatusQueued,
		TotalSteps:    cfg.Hyperparameters.TotalSteps,
		CreatedAt:     at,
		UpdatedAt:     at,
		Version:       1,
	}
	return j
}

// Restore rebuilds a job from a persisted record
func Restore(run models.Run, clock Clock) *Job {
	if clock == nil {
		clock = time.Now
	}
	j := &Job{now: clock, run: run.Clone(), lastStamp: run.UpdatedAt}
	if run.Status == models.StatusPaused {
		switch {
		case run.Checkpoint != nil && !run.Checkpoint.CapturedAt.IsZero():
			j.pausedSince = run.Checkpoint.CapturedAt
		case run.PausedAt != nil:
			j.pausedSince = *run.PausedAt
		}
	}
	return j
}

func (j *Job) ID() string {
	return j.run.JobID // immutable after construction
}

func (j *Job) Provider() string {
	return j.run.Provider
}

// ProviderJobID is the reference the owning connector knows the job by
func (j *Job) ProviderJobID() string {
	return j.run.ProviderJobID
}

func (j *Job) Status() models.Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.run.Status
}

// Tracker returns the tracker name and run reference, if any
func (j *Job) Tracker() (string, string) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.run.Tracker, j.run.TrackerRunID
}

// Snapshot returns a deep copy of the current state
func (j *Job) Snapshot() models.Run {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.run.Clone()
}

// Exclusive runs fn while holding the job's operation lock
func (j *Job) Exclusive(fn func() error) error {
	j.opMu.Lock()
	defer j.opMu.Unlock()
	return fn()
}

// TryExclusive runs fn only if no other operation holds the job. Polls use it to
// skip a job that is in the middle of a pause or resume.
func (j *Job) TryExclusive(fn func()) bool {
	if !j.opMu.TryLock() {
		return false
	}
	defer j.opMu.Unlock()
	fn()
	return true
}

// SetTracker records the tracked run registered for this job
func (j *Job) SetTracker(name, runID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.run.Tracker = name
	j.run.TrackerRunID = runID
	j.touchLocked(j.stamp())
}

// ApplyReport folds a polled status report into the job and returns the transitions
// it caused. Reports for terminal jobs are ignored. A paused job only leaves pause
// through Resume, a failure or a stop. A completed report can't be told apart from a
// provider that stopped the job on request, so it never ends a pause.
func (j *Job) ApplyReport(report models.StatusReport) []Transition {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.run.Status.IsTerminal() {
		return nil
	}
	at := j.stamp()
	var out []Transition
	move := func(to models.Status) {
		if t, err := j.transitionLocked(to, at); err == nil {
			out = append(out, t)
		}
	}

	switch report.Status {
	case models.StatusRunning:
		if j.run.Status == models.StatusQueued {
			move(models.StatusRunning)
		}
	case models.StatusCompleted, models.StatusFailed, models.StatusStopped:
		if j.run.Status == models.StatusQueued {
			move(models.StatusRunning)
		}
	}

	if j.run.Status == models.StatusRunning {
		j.applyProgressLocked(report)
	}

	switch report.Status {
	case models.StatusCompleted:
		if j.run.Status != models.StatusRunning {
			break
		}
		if report.ArtifactPath != "" {
			j.run.ArtifactPath = report.ArtifactPath
			j.run.ArtifactHash = report.ArtifactHash
		}
		move(models.StatusCompleted)
	case models.StatusFailed:
		msg := report.Message
		if msg == "" {
			msg = "provider reported the job as failed"
		}
		j.run.ErrorMessage = msg
		move(models.StatusFailed)
	case models.StatusStopped:
		move(models.StatusStopped)
	}
	if len(out) == 0 {
		j.touchLocked(at)
	}
	return out
}

func (j *Job) applyProgressLocked(report models.StatusReport) {
	if report.TotalSteps > 0 {
		j.run.TotalSteps = report.TotalSteps
	}
	if report.Step >= j.run.CurrentStep {
		if report.Loss != nil {
			j.run.CurrentLoss = *report.Loss
		}
		j.run.CurrentStep = report.Step
	}
	if report.Epoch > j.run.CurrentEpoch {
		j.run.CurrentEpoch = report.Epoch
	}
	if report.Resources != nil {
		j.run.ResourceUsage = report.Resources.Clone()
	}
}

// ApplyMetrics updates progress from a logged metrics map. The "loss" and "epoch"
// keys are recognized. Paused jobs accept the call without changing progress.
func (j *Job) ApplyMetrics(step int64, metrics map[string]float64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.run.Status {
	case models.StatusCompleted, models.StatusFailed, models.StatusStopped:
		return fmt.Errorf("logging metrics for %s job %s: %w", j.run.Status, j.run.JobID, models.ErrJobTerminal)
	case models.StatusPaused:
		return nil
	}

	if step >= j.run.CurrentStep {
		if loss, ok := metrics["loss"]; ok {
			j.run.CurrentLoss = loss
		}
		j.run.CurrentStep = step
	}
	if epoch, ok := metrics["epoch"]; ok && int(epoch) > j.run.CurrentEpoch {
		j.run.CurrentEpoch = int(epoch)
	}
	j.touchLocked(j.stamp())
	return nil
}

// Fail moves a non-terminal job to failed with msg as the error message
func (j *Job) Fail(msg string) (Transition, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.run.Status.IsTerminal() {
		return Transition{}, fmt.Errorf("failing job %s: %w", j.run.JobID, models.ErrJobTerminal)
	}
	if msg == "" {
		msg = "job failed"
	}
	j.run.ErrorMessage = msg
	return j.transitionLocked(models.StatusFailed, j.stamp())
}

// Pause commits a captured checkpoint together with the running -> paused transition.
// Progress stays frozen until Resume.
func (j *Job) Pause(cp models.Checkpoint) (Transition, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.run.Status != models.StatusRunning {
		return Transition{}, ValidateRequest(j.run.Status, models.StatusPaused)
	}
	at := j.stamp()
	if cp.Resources == nil {
		cp.Resources = &models.ResourceUsage{CapturedAt: at}
	}
	if cp.CapturedAt.IsZero() {
		cp.CapturedAt = at
	}
	t, err := j.transitionLocked(models.StatusPaused, at)
	if err != nil {
		return t, err
	}
	j.run.Checkpoint = cp.Clone()
	j.run.ResourceUsage = cp.Resources.Clone()
	return t, nil
}

// Resume moves a paused job back to running with its counters restored from the checkpoint
func (j *Job) Resume() (Transition, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.run.Status != models.StatusPaused {
		return Transition{}, ValidateRequest(j.run.Status, models.StatusRunning)
	}
	t, err := j.transitionLocked(models.StatusRunning, j.stamp())
	if err != nil {
		return t, err
	}
	if cp := j.run.Checkpoint; cp != nil {
		j.run.CurrentStep = cp.Step
		j.run.CurrentEpoch = cp.Epoch
		j.run.CurrentLoss = cp.Loss
	}
	return t, nil
}

// ForceStop moves any non-terminal job to stopped. It reports false for jobs that
// were already terminal.
func (j *Job) ForceStop() (Transition, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.run.Status.IsTerminal() {
		return Transition{}, false
	}
	t, err := j.transitionLocked(models.StatusStopped, j.stamp())
	return t, err == nil
}

// SetArtifact records an uploaded artifact on a completed job
func (j *Job) SetArtifact(path, hash string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.run.Status != models.StatusCompleted {
		return fmt.Errorf("recording artifact for %s job %s: %w", j.run.Status, j.run.JobID, models.ErrJobNotCompleted)
	}
	j.run.ArtifactPath = path
	j.run.ArtifactHash = hash
	j.touchLocked(j.stamp())
	return nil
}

// RecordPoll counts a poll outcome and returns the consecutive failure count
func (j *Job) RecordPoll(err error) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pollsSinceSync++
	if err == nil {
		j.pollFailures = 0
	} else {
		j.pollFailures++
	}
	return j.pollFailures
}

// PollsSinceSync is the number of polls since the last store sync
func (j *Job) PollsSinceSync() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.pollsSinceSync
}

func (j *Job) ResetSyncCounter() {
	j.mu.Lock()
	j.pollsSinceSync = 0
	j.mu.Unlock()
}

// RequestCancel flags the job so a resume wait in progress gives up
func (j *Job) RequestCancel() {
	j.cancelRequested.Store(true)
}

func (j *Job) CancelRequested() bool {
	return j.cancelRequested.Load()
}

func (j *Job) transitionLocked(to models.Status, at time.Time) (Transition, error) {
	from := j.run.Status
	if !CanTransition(from, to) {
		return Transition{}, fmt.Errorf("%s -> %s: %w", from, to, models.ErrIllegalTransition)
	}

	if from == models.StatusPaused && !j.pausedSince.IsZero() {
		j.run.PausedDuration += at.Sub(j.pausedSince)
		j.pausedSince = time.Time{}
	}
	switch {
	case to == models.StatusRunning && j.run.StartedAt == nil:
		j.run.StartedAt = timePtr(at)
	case to == models.StatusPaused:
		j.pausedSince = at
		if j.run.PausedAt == nil {
			j.run.PausedAt = timePtr(at)
		}
	case to.IsTerminal():
		j.run.CompletedAt = timePtr(at)
	}
	if to != models.StatusFailed {
		j.run.ErrorMessage = ""
	}
	if to != models.StatusCompleted {
		j.run.ArtifactPath = ""
		j.run.ArtifactHash = ""
	}

	j.run.Status = to
	j.touchLocked(at)
	return Transition{JobID: j.run.JobID, From: from, To: to, At: at}, nil
}

func (j *Job) touchLocked(at time.Time) {
	j.run.UpdatedAt = at
	j.run.Version++
}

// stamp returns the clock reading, never earlier than the previous one
func (j *Job) stamp() time.Time {
	now := j.now().UTC()
	if now.Before(j.lastStamp) {
		now = j.lastStamp
	}
	j.lastStamp = now
	return now
}

func timePtr(t time.Time) *time.Time {
	return &t
}
