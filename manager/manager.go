// Package manager owns the set of active training jobs. It submits them to compute
// connectors, keeps them in step with their providers and mirrors every change into
// the run store.
package manager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/loiht2/ml-platform-finetune-orchestrator/connector"
	"github.com/loiht2/ml-platform-finetune-orchestrator/lifecycle"
	"github.com/loiht2/ml-platform-finetune-orchestrator/metrics"
	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
	"github.com/loiht2/ml-platform-finetune-orchestrator/repository"
)

const (
	DefaultSyncEvery       = 5
	DefaultPollConcurrency = 8
	DefaultPollTimeout     = 15 * time.Second
	DefaultStoreTimeout    = 5 * time.Second
	DefaultMaxPollFailures = 3

	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 1000
)

type Options struct {
	// SyncEvery forces a store sync after this many polls without a transition
	SyncEvery       int
	PollConcurrency int
	PollTimeout     time.Duration
	StoreTimeout    time.Duration
	// MaxPollFailures consecutive transient poll errors fail the job
	MaxPollFailures int

	ResumeTimeout      time.Duration
	ResumePollInterval time.Duration

	Clock    lifecycle.Clock
	Log      *logrus.Entry
	Recorder *metrics.Recorder
}

func (o Options) withDefaults() Options {
	if o.SyncEvery <= 0 {
		o.SyncEvery = DefaultSyncEvery
	}
	if o.PollConcurrency <= 0 {
		o.PollConcurrency = DefaultPollConcurrency
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = DefaultStoreTimeout
	}
	if o.MaxPollFailures <= 0 {
		o.MaxPollFailures = DefaultMaxPollFailures
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Log == nil {
		o.Log = logrus.WithField("component", "manager")
	}
	return o
}

// Manager coordinates every active job. Jobs never share a lock: the active set is
// only held long enough to look a job up.
type Manager struct {
	registry *connector.Registry
	store    repository.RunStore
	ctrl     *lifecycle.Controller
	opts     Options
	log      *logrus.Entry
	rec      *metrics.Recorder

	mu   sync.RWMutex
	jobs map[string]*lifecycle.Job

	dirtyMu  sync.Mutex
	dirty    map[string]struct{}
	degraded bool
}

// New creates a manager over the registered connectors and the run store
func New(registry *connector.Registry, store repository.RunStore, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		registry: registry,
		store:    store,
		ctrl: lifecycle.NewController(lifecycle.ControllerOptions{
			ResumeTimeout:      opts.ResumeTimeout,
			ResumePollInterval: opts.ResumePollInterval,
			Clock:              opts.Clock,
			Log:                opts.Log.WithField("component", "pause-controller"),
		}),
		opts:  opts,
		log:   opts.Log,
		rec:   opts.Recorder,
		jobs:  make(map[string]*lifecycle.Job),
		dirty: make(map[string]struct{}),
	}
}

// Submit validates cfg, hands it to its compute provider and starts tracking the job
func (m *Manager) Submit(ctx context.Context, cfg models.TrainingConfig) (models.Run, error) {
	if err := cfg.Validate(); err != nil {
		return models.Run{}, err
	}
	compute, err := m.registry.Get(cfg.ComputeProvider)
	if err != nil {
		return models.Run{}, err
	}
	if compute.Kind() != connector.KindCompute {
		return models.Run{}, fmt.Errorf("provider %q cannot run jobs: %w", cfg.ComputeProvider, models.ErrInvalidConfig)
	}
	var tracker connector.Connector
	if cfg.Tracker != "" {
		if tracker, err = m.registry.Get(cfg.Tracker); err != nil {
			return models.Run{}, err
		}
		if tracker.Kind() != connector.KindTracker {
			return models.Run{}, fmt.Errorf("provider %q is not a tracker: %w", cfg.Tracker, models.ErrInvalidConfig)
		}
	}

	ref, err := compute.SubmitJob(ctx, cfg)
	if err != nil {
		return models.Run{}, fmt.Errorf("submitting to %s: %w", cfg.ComputeProvider, err)
	}
	job := m.insert(func(id string) *lifecycle.Job {
		return lifecycle.NewJob(id, cfg.ComputeProvider, ref, cfg, m.opts.Clock)
	})
	log := m.jobLog(job)
	log.Infof("Submitted job as %s", ref)

	if tracker != nil {
		runID, err := tracker.SubmitJob(ctx, cfg)
		if err != nil {
			log.Warnf("Failed to register job with tracker %s: %v", cfg.Tracker, err)
		} else {
			job.SetTracker(cfg.Tracker, runID)
		}
	}

	m.rec.JobSubmitted(cfg.ComputeProvider)
	_ = m.SyncRun(ctx, job)
	m.updateGauges()
	return job.Snapshot(), nil
}

// insert registers a job under a fresh id that is not already active
func (m *Manager) insert(create func(id string) *lifecycle.Job) *lifecycle.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		id := uuid.NewString()
		if _, taken := m.jobs[id]; taken {
			continue
		}
		job := create(id)
		m.jobs[id] = job
		return job
	}
}

// SyncRun writes the job's snapshot to the store. A failed write marks the job dirty
// and switches the manager to in-memory mode until Reconcile succeeds.
func (m *Manager) SyncRun(ctx context.Context, job *lifecycle.Job) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.StoreTimeout)
	defer cancel()

	err := m.store.Upsert(ctx, job.Snapshot())
	m.rec.StoreSync(err)

	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	if err != nil {
		m.dirty[job.ID()] = struct{}{}
		if !m.degraded {
			m.degraded = true
			m.log.Warnf("Run store unavailable, keeping job state in memory: %v", err)
		}
		return fmt.Errorf("syncing job %s: %w", job.ID(), err)
	}
	job.ResetSyncCounter()
	delete(m.dirty, job.ID())
	if m.degraded && len(m.dirty) == 0 {
		m.degraded = false
		m.log.Info("Run store reachable again")
	}
	return nil
}

// Degraded reports whether some job state has not reached the store yet
func (m *Manager) Degraded() bool {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	return m.degraded
}

// Poll refreshes one job from its provider
func (m *Manager) Poll(ctx context.Context, id string) error {
	job, ok := m.get(id)
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrJobNotFound)
	}
	m.pollJob(ctx, job)
	return nil
}

// PollAll refreshes every active job in parallel, at most PollConcurrency at a time
func (m *Manager) PollAll(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(m.opts.PollConcurrency)
	for _, job := range m.activeJobs() {
		g.Go(func() error {
			m.pollJob(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	m.updateGauges()
}

func (m *Manager) pollJob(ctx context.Context, job *lifecycle.Job) {
	if job.Status().IsTerminal() {
		return
	}
	log := m.jobLog(job)
	compute, err := m.registry.Get(job.Provider())
	if err != nil {
		m.failJob(ctx, job, fmt.Sprintf("provider %q is not configured", job.Provider()))
		return
	}

	var transitions []lifecycle.Transition
	ran := job.TryExclusive(func() {
		if job.Status().IsTerminal() {
			return
		}
		pctx, cancel := context.WithTimeout(ctx, m.opts.PollTimeout)
		defer cancel()

		report, err := compute.GetJobStatus(pctx, job.ProviderJobID())
		if err == nil && report.Stale {
			err = fmt.Errorf("only a cached status is available: %w", models.ErrNetwork)
		}
		failures := job.RecordPoll(err)
		if err == nil {
			transitions = job.ApplyReport(report)
			return
		}

		m.rec.PollError(job.Provider())
		log.Warnf("Status poll failed (%d/%d): %v", failures, m.opts.MaxPollFailures, err)
		var msg string
		switch {
		case !models.IsTransient(err):
			_, public, _ := models.Classify(err)
			msg = "status check failed: " + public
		case failures >= m.opts.MaxPollFailures:
			msg = fmt.Sprintf("provider unreachable for %d consecutive status checks", failures)
		default:
			return
		}
		if t, err := job.Fail(msg); err == nil {
			transitions = append(transitions, t)
		}
	})
	if !ran {
		log.Debug("Job busy, skipping poll")
		return
	}

	m.record(job, transitions)
	if len(transitions) > 0 || job.PollsSinceSync() >= m.opts.SyncEvery {
		_ = m.SyncRun(ctx, job)
	}
}

// failJob fails a job outside of a poll and syncs it
func (m *Manager) failJob(ctx context.Context, job *lifecycle.Job, msg string) {
	_ = job.Exclusive(func() error {
		t, err := job.Fail(msg)
		if err == nil {
			m.jobLog(job).Warn(msg)
			m.record(job, []lifecycle.Transition{t})
		}
		return nil
	})
	_ = m.SyncRun(ctx, job)
}

// GetActiveRuns polls every job and returns those still in flight, newest first
func (m *Manager) GetActiveRuns(ctx context.Context) []models.Run {
	m.PollAll(ctx)
	runs := make([]models.Run, 0)
	for _, job := range m.activeJobs() {
		run := job.Snapshot()
		if !run.Status.IsTerminal() {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		ti, tj := runs[i].SortTime(), runs[j].SortTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return runs[i].JobID < runs[j].JobID
	})
	return runs
}

// GetRunHistory queries the store. limit is clamped to [1, MaxHistoryLimit] with
// DefaultHistoryLimit for values <= 0.
func (m *Manager) GetRunHistory(ctx context.Context, filter models.RunFilter, limit, offset int) (models.HistoryPage, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return m.store.Query(ctx, filter, limit, offset)
}

// GetConcurrentStats counts the jobs currently in flight
func (m *Manager) GetConcurrentStats() models.ConcurrentRunStats {
	stats := models.ConcurrentRunStats{
		ByStatus: map[models.Status]int{
			models.StatusQueued:  0,
			models.StatusRunning: 0,
			models.StatusPaused:  0,
		},
		ByProvider: map[string]int{},
		ComputedAt: m.opts.Clock().UTC(),
	}
	for _, job := range m.activeJobs() {
		status := job.Status()
		if status.IsTerminal() {
			continue
		}
		stats.Total++
		stats.ByStatus[status]++
		stats.ByProvider[job.Provider()]++
	}
	return stats
}

// LogMetrics records a metrics map for a running job and forwards it to the compute
// provider and the tracker. Points logged while the job is paused are still forwarded
// but leave the job's progress at its checkpoint.
func (m *Manager) LogMetrics(ctx context.Context, id string, step int64, values map[string]float64) error {
	job, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}
	if err := job.ApplyMetrics(step, values); err != nil {
		return err
	}

	point := models.MetricPoint{Step: step, Metrics: values, LoggedAt: m.opts.Clock().UTC()}
	compute, err := m.registry.Get(job.Provider())
	if err != nil {
		return err
	}
	if err := compute.LogMetrics(ctx, job.ProviderJobID(), []models.MetricPoint{point}); err != nil {
		return fmt.Errorf("logging metrics for %s: %w", id, err)
	}
	if name, ref := job.Tracker(); ref != "" {
		if tracker, err := m.registry.Get(name); err == nil {
			if err := tracker.LogMetrics(ctx, ref, []models.MetricPoint{point}); err != nil {
				m.jobLog(job).Warnf("Failed to forward metrics to tracker %s: %v", name, err)
			}
		}
	}
	return nil
}

// Pause checkpoints a running job and suspends it on the provider
func (m *Manager) Pause(ctx context.Context, id string) (models.Run, error) {
	job, err := m.lookup(ctx, id)
	if err != nil {
		return models.Run{}, err
	}
	compute, err := m.registry.Get(job.Provider())
	if err != nil {
		return models.Run{}, err
	}
	t, err := m.ctrl.Pause(ctx, job, compute)
	if err != nil {
		return job.Snapshot(), err
	}
	m.record(job, []lifecycle.Transition{t})
	_ = m.SyncRun(ctx, job)
	m.updateGauges()
	return job.Snapshot(), nil
}

// Resume restarts a paused job from its checkpoint and waits for the provider to
// report it running
func (m *Manager) Resume(ctx context.Context, id string) (models.Run, error) {
	job, err := m.lookup(ctx, id)
	if err != nil {
		return models.Run{}, err
	}
	compute, err := m.registry.Get(job.Provider())
	if err != nil {
		return models.Run{}, err
	}
	transitions, err := m.ctrl.Resume(ctx, job, compute)
	m.record(job, transitions)
	if len(transitions) > 0 {
		_ = m.SyncRun(ctx, job)
		m.updateGauges()
	}
	return job.Snapshot(), err
}

// Cancel stops a job. Providers are asked to cancel on a best effort basis; the job
// ends up stopped either way. Cancelling a finished or cleaned up job does nothing.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	job, ok := m.get(id)
	if !ok {
		if _, err := m.store.Get(ctx, id); err == nil {
			return nil
		}
		return fmt.Errorf("job %s: %w", id, models.ErrJobNotFound)
	}
	if job.Status().IsTerminal() {
		return nil
	}

	log := m.jobLog(job)
	job.RequestCancel()
	var transitions []lifecycle.Transition
	_ = job.Exclusive(func() error {
		if job.Status().IsTerminal() {
			return nil
		}
		if compute, err := m.registry.Get(job.Provider()); err == nil {
			if err := compute.CancelJob(ctx, job.ProviderJobID()); err != nil {
				log.Warnf("Provider cancel failed, stopping job anyway: %v", err)
			}
		}
		if name, ref := job.Tracker(); ref != "" {
			if tracker, err := m.registry.Get(name); err == nil {
				if err := tracker.CancelJob(ctx, ref); err != nil {
					log.Warnf("Failed to close tracked run %s: %v", ref, err)
				}
			}
		}
		if t, ok := job.ForceStop(); ok {
			transitions = append(transitions, t)
		}
		return nil
	})
	m.record(job, transitions)
	_ = m.SyncRun(ctx, job)
	m.updateGauges()
	return nil
}

// Cleanup releases provider resources of a finished job, writes its final record
// and drops it from the active set. The job stays active if the final write fails.
func (m *Manager) Cleanup(ctx context.Context, id string) error {
	job, ok := m.get(id)
	if !ok {
		if _, err := m.store.Get(ctx, id); err == nil {
			return nil
		}
		return fmt.Errorf("job %s: %w", id, models.ErrJobNotFound)
	}
	status := job.Status()
	if !status.IsTerminal() {
		return fmt.Errorf("cleaning up %s job %s: %w", status, id, models.ErrJobNotTerminal)
	}

	log := m.jobLog(job)
	if compute, err := m.registry.Get(job.Provider()); err == nil {
		if err := compute.ReleaseJob(ctx, job.ProviderJobID(), status); err != nil {
			log.Warnf("Failed to release provider resources: %v", err)
		}
	}
	if name, ref := job.Tracker(); ref != "" {
		if tracker, err := m.registry.Get(name); err == nil {
			if err := tracker.ReleaseJob(ctx, ref, status); err != nil {
				log.Warnf("Failed to finalize tracked run %s: %v", ref, err)
			}
		}
	}

	if err := m.SyncRun(ctx, job); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
	log.Info("Job cleaned up")
	m.updateGauges()
	return nil
}

// Details returns the live state of an active job, or the stored record otherwise
func (m *Manager) Details(ctx context.Context, id string) (models.Run, error) {
	if job, ok := m.get(id); ok {
		return job.Snapshot(), nil
	}
	return m.store.Get(ctx, id)
}

// Reconcile writes every active job to the store, including those whose last sync failed
func (m *Manager) Reconcile(ctx context.Context) error {
	var errs []error
	for _, job := range m.activeJobs() {
		if err := m.SyncRun(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	m.dirtyMu.Lock()
	for id := range m.dirty {
		if _, ok := m.get(id); !ok {
			delete(m.dirty, id)
		}
	}
	m.dirtyMu.Unlock()
	return errors.Join(errs...)
}

// Recover reloads unfinished runs from the store after a restart and hands each run
// to its connector when that keeps per-job state. Runs whose provider is no longer
// configured are failed. It returns the number of jobs restored.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	runs, err := m.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("recovering jobs: %w", err)
	}
	restored := 0
	for _, run := range runs {
		m.mu.Lock()
		if _, exists := m.jobs[run.JobID]; exists {
			m.mu.Unlock()
			continue
		}
		job := lifecycle.Restore(run, m.opts.Clock)
		m.jobs[run.JobID] = job
		m.mu.Unlock()
		restored++

		compute, err := m.registry.Get(run.Provider)
		if err != nil {
			m.failJob(ctx, job, fmt.Sprintf("provider %q is not configured", run.Provider))
			continue
		}
		if run.ProviderJobID != "" {
			connector.RestoreJob(compute, run.ProviderJobID, run)
		}
		m.jobLog(job).Infof("Recovered %s job", run.Status)
	}
	m.updateGauges()
	return restored, nil
}

// UploadArtifact uploads a file produced by a completed job and records its location
// and SHA-256 hash on the job
func (m *Manager) UploadArtifact(ctx context.Context, id, path string, metadata map[string]string) (models.UploadArtifactResponse, error) {
	job, err := m.lookup(ctx, id)
	if err != nil {
		return models.UploadArtifactResponse{}, err
	}
	if status := job.Status(); status != models.StatusCompleted {
		return models.UploadArtifactResponse{}, fmt.Errorf("uploading artifact for %s job %s: %w", status, id, models.ErrJobNotCompleted)
	}
	hash, err := fileSHA256(path)
	if err != nil {
		return models.UploadArtifactResponse{}, err
	}

	md := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md[connector.MetadataJobID] = id
	md[connector.MetadataRunRef] = job.ProviderJobID()

	compute, err := m.registry.Get(job.Provider())
	if err != nil {
		return models.UploadArtifactResponse{}, err
	}
	uri, err := compute.UploadArtifact(ctx, path, md)
	if err != nil {
		return models.UploadArtifactResponse{}, err
	}
	if name, ref := job.Tracker(); ref != "" {
		if tracker, err := m.registry.Get(name); err == nil {
			trackerMD := make(map[string]string, len(md))
			for k, v := range md {
				trackerMD[k] = v
			}
			trackerMD[connector.MetadataRunRef] = ref
			if _, err := tracker.UploadArtifact(ctx, path, trackerMD); err != nil {
				m.jobLog(job).Warnf("Failed to attach artifact to tracker %s: %v", name, err)
			}
		}
	}

	if err := job.SetArtifact(uri, hash); err != nil {
		return models.UploadArtifactResponse{}, err
	}
	_ = m.SyncRun(ctx, job)
	m.jobLog(job).Infof("Artifact uploaded to %s", uri)
	return models.UploadArtifactResponse{ArtifactID: uri, Hash: hash}, nil
}

// Shutdown writes the final state of every job and disconnects all providers,
// flushing their pending metrics
func (m *Manager) Shutdown(ctx context.Context) error {
	reconcileErr := m.Reconcile(ctx)
	return errors.Join(reconcileErr, m.registry.DisconnectAll(ctx))
}

func (m *Manager) get(id string) (*lifecycle.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	return job, ok
}

// lookup returns an active job. Jobs already cleaned up report ErrJobTerminal.
func (m *Manager) lookup(ctx context.Context, id string) (*lifecycle.Job, error) {
	if job, ok := m.get(id); ok {
		return job, nil
	}
	if run, err := m.store.Get(ctx, id); err == nil && run.Status.IsTerminal() {
		return nil, fmt.Errorf("job %s is %s: %w", id, run.Status, models.ErrJobTerminal)
	}
	return nil, fmt.Errorf("job %s: %w", id, models.ErrJobNotFound)
}

func (m *Manager) activeJobs() []*lifecycle.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*lifecycle.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

func (m *Manager) record(job *lifecycle.Job, transitions []lifecycle.Transition) {
	for _, t := range transitions {
		m.rec.Transition(job.Provider(), t.From, t.To)
		m.jobLog(job).Infof("Job status changed: %s -> %s", t.From, t.To)
	}
}

func (m *Manager) updateGauges() {
	if m.rec == nil {
		return
	}
	counts := make(map[models.Status]int)
	for _, job := range m.activeJobs() {
		counts[job.Status()]++
	}
	m.rec.SetActive(counts)
}

func (m *Manager) jobLog(job *lifecycle.Job) *logrus.Entry {
	return m.log.WithFields(logrus.Fields{"job_id": job.ID(), "provider": job.Provider()})
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("artifact %s: %w", path, models.ErrFileNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("artifact %s: %v: %w", path, err, models.ErrUpload)
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil && info.IsDir() {
		return "", fmt.Errorf("artifact %s is a directory: %w", path, models.ErrFileNotFound)
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing artifact %s: %v: %w", path, err, models.ErrUpload)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
