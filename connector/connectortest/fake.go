// Package connectortest provides a scriptable in-memory connector for tests.
package connectortest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/loiht2/ml-platform-finetune-orchestrator/connector"
	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

// Fake records every call. Submitted jobs report InitialStatus until scripted otherwise.
type Fake struct {
	name string
	kind connector.Kind

	mu            sync.Mutex
	InitialStatus models.Status
	// HoldResume keeps a resumed job reporting paused
	HoldResume bool

	SubmitErr error
	CancelErr error
	PauseErr  error
	LogErr    error
	UploadErr error

	next      int
	reports   map[string]models.StatusReport
	statusErr map[string]error
	metrics   map[string][]models.MetricPoint
	cancelled map[string]int
	released  map[string]models.Status
	restored  map[string]models.Status
	uploads   []string
	connected bool
	closed    bool
}

func New(name string, kind connector.Kind) *Fake {
	return &Fake{
		name:          name,
		kind:          kind,
		InitialStatus: models.StatusRunning,
		reports:       make(map[string]models.StatusReport),
		statusErr:     make(map[string]error),
		metrics:       make(map[string][]models.MetricPoint),
		cancelled:     make(map[string]int),
		released:      make(map[string]models.Status),
		restored:      make(map[string]models.Status),
	}
}

func (f *Fake) Name() string         { return f.name }
func (f *Fake) Kind() connector.Kind { return f.kind }

func (f *Fake) Connect(context.Context, connector.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *Fake) SubmitJob(_ context.Context, cfg models.TrainingConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	f.next++
	ref := fmt.Sprintf("%s-%d", f.name, f.next)
	f.reports[ref] = models.StatusReport{Status: f.InitialStatus, TotalSteps: cfg.Hyperparameters.TotalSteps}
	return ref, nil
}

func (f *Fake) GetJobStatus(_ context.Context, ref string) (models.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.statusErr[ref]; err != nil {
		return models.StatusReport{}, err
	}
	r, ok := f.reports[ref]
	if !ok {
		return models.StatusReport{}, fmt.Errorf("%s: %w", ref, models.ErrJobNotFound)
	}
	r.Resources = r.Resources.Clone()
	return r, nil
}

// SetReport scripts what GetJobStatus returns for ref
func (f *Fake) SetReport(ref string, r models.StatusReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[ref] = r
}

// SetStatusError makes GetJobStatus fail for ref; nil clears it
func (f *Fake) SetStatusError(ref string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr[ref] = err
}

func (f *Fake) CancelJob(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[ref]++
	if f.CancelErr != nil {
		return f.CancelErr
	}
	if r, ok := f.reports[ref]; ok && !r.Status.IsTerminal() {
		r.Status = models.StatusStopped
		f.reports[ref] = r
	}
	return nil
}

func (f *Fake) PauseJob(_ context.Context, ref string, _ models.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PauseErr != nil {
		return f.PauseErr
	}
	r := f.reports[ref]
	r.Status = models.StatusPaused
	f.reports[ref] = r
	return nil
}

func (f *Fake) ResumeJob(_ context.Context, ref string, cp models.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HoldResume {
		return nil
	}
	r := f.reports[ref]
	r.Status = models.StatusRunning
	r.Step = cp.Step
	r.Epoch = cp.Epoch
	f.reports[ref] = r
	return nil
}

func (f *Fake) LogMetrics(_ context.Context, ref string, points []models.MetricPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LogErr != nil {
		return f.LogErr
	}
	for _, p := range points {
		f.metrics[ref] = append(f.metrics[ref], p.Clone())
	}
	return nil
}

func (f *Fake) UploadArtifact(_ context.Context, path string, _ map[string]string) (string, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", path, models.ErrFileNotFound)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UploadErr != nil {
		return "", f.UploadErr
	}
	f.uploads = append(f.uploads, path)
	return fmt.Sprintf("fake://%s/%d", f.name, len(f.uploads)), nil
}

func (f *Fake) ReleaseJob(_ context.Context, ref string, final models.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[ref] = final
	return nil
}

// RestoreJob records the recovered status and, for refs it has never seen, reports
// the run's own status and progress until scripted otherwise
func (f *Fake) RestoreJob(ref string, run models.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored[ref] = run.Status
	if _, ok := f.reports[ref]; !ok {
		f.reports[ref] = models.StatusReport{Status: run.Status, Step: run.CurrentStep, TotalSteps: run.TotalSteps}
	}
}

func (f *Fake) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Metrics returns every point delivered for ref, in delivery order
func (f *Fake) Metrics(ref string) []models.MetricPoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.MetricPoint(nil), f.metrics[ref]...)
}

// CancelCalls counts CancelJob calls for ref
func (f *Fake) CancelCalls(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[ref]
}

// Released reports whether ReleaseJob was called for ref and with which status
func (f *Fake) Released(ref string) (models.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.released[ref]
	return s, ok
}

// Restored reports whether RestoreJob was called for ref and with which status
func (f *Fake) Restored(ref string) (models.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.restored[ref]
	return s, ok
}

func (f *Fake) Uploads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploads...)
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Disconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
