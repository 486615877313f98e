package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

const (
	DefaultResumeTimeout      = 2 * time.Minute
	DefaultResumePollInterval = 2 * time.Second
)

// StatusSource reports the provider's view of a job
type StatusSource interface {
	GetJobStatus(ctx context.Context, ref string) (models.StatusReport, error)
}

// Executor is the part of a compute connector the controller drives
type Executor interface {
	StatusSource
	PauseJob(ctx context.Context, ref string, cp models.Checkpoint) error
	ResumeJob(ctx context.Context, ref string, cp models.Checkpoint) error
}

type ControllerOptions struct {
	ResumeTimeout      time.Duration
	ResumePollInterval time.Duration
	Clock              Clock
	Log                *logrus.Entry
}

// Controller captures checkpoints on pause and supervises resumption
type Controller struct {
	opts ControllerOptions
}

func NewController(opts ControllerOptions) *Controller {
	if opts.ResumeTimeout <= 0 {
		opts.ResumeTimeout = DefaultResumeTimeout
	}
	if opts.ResumePollInterval <= 0 {
		opts.ResumePollInterval = DefaultResumePollInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Log == nil {
		opts.Log = logrus.WithField("component", "pause-controller")
	}
	return &Controller{opts: opts}
}

// Capture builds a checkpoint of the job as of now. A transient provider error falls
// back to the last known resource usage; any other provider error fails the capture.
func (c *Controller) Capture(ctx context.Context, job *Job, src StatusSource) (models.Checkpoint, error) {
	snap := job.Snapshot()
	now := c.opts.Clock().UTC()

	var resources *models.ResourceUsage
	report, err := src.GetJobStatus(ctx, snap.ProviderJobID)
	switch {
	case err == nil:
		resources = report.Resources.Clone()
	case models.IsTransient(err):
		c.opts.Log.WithField("job_id", snap.JobID).Warnf("Using last known resource usage for checkpoint: %v", err)
	default:
		return models.Checkpoint{}, fmt.Errorf("capturing checkpoint for %s: %v: %w", snap.JobID, err, models.ErrCheckpointCapture)
	}
	if resources == nil {
		resources = snap.ResourceUsage.Clone()
	}
	if resources == nil {
		resources = &models.ResourceUsage{CapturedAt: now}
	}

	elapsed := time.Duration(0)
	if snap.StartedAt != nil {
		elapsed = now.Sub(*snap.StartedAt) - snap.PausedDuration
		if elapsed < 0 {
			elapsed = 0
		}
	}

	return models.Checkpoint{
		Step:               snap.CurrentStep,
		Epoch:              snap.CurrentEpoch,
		Loss:               snap.CurrentLoss,
		Elapsed:            elapsed,
		EstimatedRemaining: estimateRemaining(snap.CurrentStep, snap.TotalSteps, elapsed),
		Resources:          resources,
		CapturedAt:         now,
	}, nil
}

// estimateRemaining extrapolates the steps-per-second observed so far
func estimateRemaining(step, total int64, elapsed time.Duration) time.Duration {
	if step <= 0 || total <= step || elapsed <= 0 {
		return 0
	}
	perStep := float64(elapsed) / float64(step)
	return time.Duration(perStep * float64(total-step))
}

// Pause captures a checkpoint, asks the provider to pause and then commits the
// running -> paused transition. Any failure leaves the job running.
func (c *Controller) Pause(ctx context.Context, job *Job, exec Executor) (Transition, error) {
	var t Transition
	err := job.Exclusive(func() error {
		if err := ValidateRequest(job.Status(), models.StatusPaused); err != nil {
			return err
		}
		cp, err := c.Capture(ctx, job, exec)
		if err != nil {
			return err
		}
		if err := exec.PauseJob(ctx, job.ProviderJobID(), cp); err != nil {
			return fmt.Errorf("pausing job %s: %w", job.ID(), err)
		}
		t, err = job.Pause(cp)
		return err
	})
	return t, err
}

// Resume hands the checkpoint back to the provider and waits until it reports the
// job running again. The job fails with ErrResumeTimeout if that takes longer than
// ResumeTimeout. The wait outlives ctx once the provider has been asked to resume.
func (c *Controller) Resume(ctx context.Context, job *Job, exec Executor) ([]Transition, error) {
	var out []Transition
	err := job.Exclusive(func() error {
		snap := job.Snapshot()
		if err := ValidateRequest(snap.Status, models.StatusRunning); err != nil {
			return err
		}
		cp := snap.Checkpoint
		if cp == nil {
			cp = &models.Checkpoint{Step: snap.CurrentStep, Epoch: snap.CurrentEpoch, Loss: snap.CurrentLoss, CapturedAt: c.opts.Clock().UTC()}
		}
		if err := exec.ResumeJob(ctx, job.ProviderJobID(), *cp); err != nil {
			return fmt.Errorf("resuming job %s: %w", job.ID(), err)
		}

		var err error
		out, err = c.awaitRunning(context.WithoutCancel(ctx), job, exec)
		return err
	})
	return out, err
}

func (c *Controller) awaitRunning(ctx context.Context, job *Job, src StatusSource) ([]Transition, error) {
	log := c.opts.Log.WithField("job_id", job.ID())
	ctx, cancel := context.WithTimeout(ctx, c.opts.ResumeTimeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.ResumePollInterval)
	defer ticker.Stop()

	for {
		if job.CancelRequested() {
			return nil, fmt.Errorf("job %s: %w", job.ID(), models.ErrResumeAborted)
		}

		report, err := src.GetJobStatus(ctx, job.ProviderJobID())
		switch {
		case err != nil:
			log.Debugf("Status check while resuming failed: %v", err)
		case report.Stale:
		case report.Status == models.StatusRunning:
			t, err := job.Resume()
			if err != nil {
				return nil, err
			}
			log.Infof("Job resumed at step %d", job.Snapshot().CurrentStep)
			return []Transition{t}, nil
		case report.Status.IsTerminal():
			log.Infof("Job reached %s while resuming", report.Status)
			return job.ApplyReport(report), nil
		}

		select {
		case <-ctx.Done():
			t, err := job.Fail(fmt.Sprintf("job did not resume within %s", c.opts.ResumeTimeout))
			if err != nil {
				return nil, err
			}
			log.Warnf("Resume timed out after %s", c.opts.ResumeTimeout)
			return []Transition{t}, fmt.Errorf("job %s: %w", job.ID(), models.ErrResumeTimeout)
		case <-ticker.C:
		}
	}
}
