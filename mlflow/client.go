// Package mlflow records training jobs as MLflow runs. It is a tracker connector:
// it never runs training itself.
package mlflow

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loiht2/ml-platform-finetune-orchestrator/connector"
	"github.com/loiht2/ml-platform-finetune-orchestrator/converter"
	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

const (
	DefaultName       = "mlflow"
	DefaultExperiment = "finetune"

	// Credential keys: a bearer token, or a username and password for basic auth
	CredentialToken    = "token"
	CredentialUsername = "username"
	CredentialPassword = "password"

	apiPrefix      = "/api/2.0/mlflow"
	artifactPrefix = "/api/2.0/mlflow-artifacts/artifacts"

	// maxBatchMetrics is the log-batch limit enforced by the tracking server
	maxBatchMetrics = 1000
)

// RunStatus is an MLflow run lifecycle status
type RunStatus string

const (
	RunStatusScheduled RunStatus = "SCHEDULED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusFinished  RunStatus = "FINISHED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusKilled    RunStatus = "KILLED"
)

// toStatus maps an MLflow run status onto the job lifecycle
func (s RunStatus) toStatus() models.Status {
	switch s {
	case RunStatusRunning:
		return models.StatusRunning
	case RunStatusFinished:
		return models.StatusCompleted
	case RunStatusFailed:
		return models.StatusFailed
	case RunStatusKilled:
		return models.StatusStopped
	}
	return models.StatusQueued
}

// fromStatus picks the run status that closes a run whose job ended in s
func fromStatus(s models.Status) RunStatus {
	switch s {
	case models.StatusCompleted:
		return RunStatusFinished
	case models.StatusFailed:
		return RunStatusFailed
	}
	return RunStatusKilled
}

type Options struct {
	Name        string
	TrackingURI string
	Experiment  string
	// RequestsPerSecond of 0 leaves the tracking server unthrottled
	RequestsPerSecond float64
	REST              connector.RESTConfig
	Log               *logrus.Entry
}

type tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type param = tag

type metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type runInfo struct {
	RunID        string    `json:"run_id"`
	ExperimentID string    `json:"experiment_id"`
	RunName      string    `json:"run_name,omitempty"`
	Status       RunStatus `json:"status"`
	StartTime    int64     `json:"start_time,omitempty"`
	EndTime      int64     `json:"end_time,omitempty"`
	ArtifactURI  string    `json:"artifact_uri,omitempty"`
}

type runData struct {
	Metrics []metric `json:"metrics,omitempty"`
	Params  []param  `json:"params,omitempty"`
	Tags    []tag    `json:"tags,omitempty"`
}

type run struct {
	Info runInfo `json:"info"`
	Data runData `json:"data"`
}

type runResponse struct {
	Run run `json:"run"`
}

type createRunRequest struct {
	ExperimentID string `json:"experiment_id"`
	RunName      string `json:"run_name,omitempty"`
	StartTime    int64  `json:"start_time"`
	Tags         []tag  `json:"tags,omitempty"`
}

type updateRunRequest struct {
	RunID   string    `json:"run_id"`
	Status  RunStatus `json:"status"`
	EndTime int64     `json:"end_time,omitempty"`
}

type logBatchRequest struct {
	RunID   string   `json:"run_id"`
	Metrics []metric `json:"metrics,omitempty"`
	Params  []param  `json:"params,omitempty"`
	Tags    []tag    `json:"tags,omitempty"`
}

// Client implements connector.Connector against the MLflow tracking REST API
type Client struct {
	name       string
	api        *connector.RESTClient
	experiment string
	lastKnown  *connector.LastKnown
	log        *logrus.Entry

	mu           sync.RWMutex
	experimentID string
}

var _ connector.Connector = (*Client)(nil)

func NewClient(opts Options) *Client {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Experiment == "" {
		opts.Experiment = DefaultExperiment
	}
	if opts.Log == nil {
		opts.Log = logrus.WithField("component", "connector")
	}
	log := opts.Log.WithField("provider", opts.Name)

	rest := opts.REST
	rest.BaseURL = opts.TrackingURI
	rest.RequestsPerSecond = opts.RequestsPerSecond
	rest.Log = log

	return &Client{
		name:       opts.Name,
		api:        connector.NewRESTClient(rest),
		experiment: opts.Experiment,
		lastKnown:  connector.NewLastKnown(),
		log:        log,
	}
}

func (c *Client) Name() string         { return c.name }
func (c *Client) Kind() connector.Kind { return connector.KindTracker }

// Connect installs credentials and resolves the experiment, creating it on first use
func (c *Client) Connect(ctx context.Context, creds connector.Credentials) error {
	switch {
	case creds[CredentialToken] != "":
		c.api.SetHeader("Authorization", "Bearer "+creds[CredentialToken])
	case creds[CredentialUsername] != "":
		basic := base64.StdEncoding.EncodeToString([]byte(creds[CredentialUsername] + ":" + creds[CredentialPassword]))
		c.api.SetHeader("Authorization", "Basic "+basic)
	}

	id, err := c.resolveExperiment(ctx)
	if err != nil {
		return fmt.Errorf("%s: resolving experiment %q: %w", c.name, c.experiment, err)
	}
	c.mu.Lock()
	c.experimentID = id
	c.mu.Unlock()
	c.log.Infof("Connected, experiment %s has id %s", c.experiment, id)
	return nil
}

func (c *Client) resolveExperiment(ctx context.Context) (string, error) {
	var found struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := c.api.Do(ctx, http.MethodGet, apiPrefix+"/experiments/get-by-name?experiment_name="+url.QueryEscape(c.experiment), nil, &found)
	if err == nil {
		return found.Experiment.ExperimentID, nil
	}
	if !errors.Is(err, models.ErrJobNotFound) {
		return "", err
	}

	var created struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := c.api.Do(ctx, http.MethodPost, apiPrefix+"/experiments/create", map[string]string{"name": c.experiment}, &created); err != nil {
		return "", err
	}
	c.log.Infof("Created experiment %s", c.experiment)
	return created.ExperimentID, nil
}

func (c *Client) experimentIDOrErr() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.experimentID == "" {
		return "", fmt.Errorf("%s is not connected: %w", c.name, models.ErrNetwork)
	}
	return c.experimentID, nil
}

// SubmitJob opens a run for the job and records its configuration as run params
func (c *Client) SubmitJob(ctx context.Context, cfg models.TrainingConfig) (string, error) {
	expID, err := c.experimentIDOrErr()
	if err != nil {
		return "", err
	}
	name := cfg.Name
	if name == "" {
		name = converter.JobName(cfg)
	}
	req := createRunRequest{
		ExperimentID: expID,
		RunName:      name,
		StartTime:    time.Now().UnixMilli(),
		Tags: []tag{
			{Key: "mlflow.runName", Value: name},
			{Key: "base_model", Value: cfg.BaseModel},
			{Key: "compute_provider", Value: cfg.ComputeProvider},
		},
	}
	if cfg.Project != "" {
		req.Tags = append(req.Tags, tag{Key: "project", Value: cfg.Project})
	}

	var resp runResponse
	if err := c.api.Do(ctx, http.MethodPost, apiPrefix+"/runs/create", req, &resp); err != nil {
		return "", fmt.Errorf("%s: creating run: %w", c.name, err)
	}
	runID := resp.Run.Info.RunID

	batch := logBatchRequest{RunID: runID, Params: configParams(cfg)}
	if err := c.api.Do(ctx, http.MethodPost, apiPrefix+"/runs/log-batch", batch, nil); err != nil {
		c.log.WithField("ref", runID).Warnf("Failed to record run params: %v", err)
	}
	c.log.Infof("Created run %s (%s)", runID, name)
	return runID, nil
}

func configParams(cfg models.TrainingConfig) []param {
	hp := cfg.Hyperparameters
	params := []param{
		{Key: "base_model", Value: cfg.BaseModel},
		{Key: "dataset_path", Value: cfg.DatasetPath},
		{Key: "peft_method", Value: strings.ToLower(cfg.PEFT.Method)},
	}
	if cfg.PEFT.Rank > 0 {
		params = append(params,
			param{Key: "lora_r", Value: strconv.Itoa(cfg.PEFT.Rank)},
			param{Key: "lora_alpha", Value: strconv.Itoa(cfg.PEFT.Alpha)},
			param{Key: "lora_dropout", Value: strconv.FormatFloat(cfg.PEFT.Dropout, 'g', -1, 64)},
		)
	}
	if hp.LearningRate > 0 {
		params = append(params, param{Key: "learning_rate", Value: strconv.FormatFloat(hp.LearningRate, 'g', -1, 64)})
	}
	if hp.BatchSize > 0 {
		params = append(params, param{Key: "batch_size", Value: strconv.Itoa(hp.BatchSize)})
	}
	if hp.Epochs > 0 {
		params = append(params, param{Key: "epochs", Value: strconv.Itoa(hp.Epochs)})
	}
	if hp.TotalSteps > 0 {
		params = append(params, param{Key: "max_steps", Value: strconv.FormatInt(hp.TotalSteps, 10)})
	}
	return params
}

func (c *Client) getRun(ctx context.Context, ref string) (run, error) {
	var resp runResponse
	err := c.api.Do(ctx, http.MethodGet, apiPrefix+"/runs/get?run_id="+url.QueryEscape(ref), nil, &resp)
	return resp.Run, err
}

// GetJobStatus reports the run status and the latest loss and epoch metrics
func (c *Client) GetJobStatus(ctx context.Context, ref string) (models.StatusReport, error) {
	r, err := c.getRun(ctx, ref)
	if err != nil {
		return c.lastKnown.Fallback(ref, fmt.Errorf("%s: getting run %s: %w", c.name, ref, err), c.log)
	}
	report := models.StatusReport{Status: r.Info.Status.toStatus(), ObservedAt: time.Now().UTC()}
	for _, m := range r.Data.Metrics {
		switch m.Key {
		case "loss":
			loss := m.Value
			report.Loss = &loss
			if m.Step > report.Step {
				report.Step = m.Step
			}
		case "epoch":
			report.Epoch = int(m.Value)
		}
	}
	if report.Status == models.StatusFailed {
		report.Message = "tracked run marked as failed"
	}
	c.lastKnown.Store(ref, report)
	return report, nil
}

func (c *Client) setRunStatus(ctx context.Context, ref string, status RunStatus) error {
	req := updateRunRequest{RunID: ref, Status: status, EndTime: time.Now().UnixMilli()}
	return c.api.Do(ctx, http.MethodPost, apiPrefix+"/runs/update", req, nil)
}

// CancelJob marks an open run as killed. Closed or deleted runs are left alone.
func (c *Client) CancelJob(ctx context.Context, ref string) error {
	return c.closeRun(ctx, ref, RunStatusKilled)
}

func (c *Client) closeRun(ctx context.Context, ref string, status RunStatus) error {
	r, err := c.getRun(ctx, ref)
	if errors.Is(err, models.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: getting run %s: %w", c.name, ref, err)
	}
	if r.Info.Status.toStatus().IsTerminal() {
		return nil
	}
	if err := c.setRunStatus(ctx, ref, status); err != nil {
		return fmt.Errorf("%s: closing run %s: %w", c.name, ref, err)
	}
	c.log.Infof("Run %s closed as %s", ref, status)
	return nil
}

// PauseJob is a no-op: a tracked run stays open while its job is paused
func (c *Client) PauseJob(context.Context, string, models.Checkpoint) error { return nil }

func (c *Client) ResumeJob(context.Context, string, models.Checkpoint) error { return nil }

// LogMetrics sends points with log-batch, split to the server's per-request limit.
// Non-finite values are dropped since JSON can't carry them.
func (c *Client) LogMetrics(ctx context.Context, ref string, points []models.MetricPoint) error {
	var metrics []metric
	for _, p := range points {
		ts := p.LoggedAt
		if ts.IsZero() {
			ts = time.Now()
		}
		keys := make([]string, 0, len(p.Metrics))
		for k := range p.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := p.Metrics[k]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				c.log.WithField("ref", ref).Debugf("Dropping non-finite metric %s at step %d", k, p.Step)
				continue
			}
			metrics = append(metrics, metric{Key: k, Value: v, Timestamp: ts.UnixMilli(), Step: p.Step})
		}
	}

	for len(metrics) > 0 {
		n := min(len(metrics), maxBatchMetrics)
		req := logBatchRequest{RunID: ref, Metrics: metrics[:n]}
		if err := c.api.Do(ctx, http.MethodPost, apiPrefix+"/runs/log-batch", req, nil); err != nil {
			return fmt.Errorf("%s: logging metrics to run %s: %w", c.name, ref, err)
		}
		metrics = metrics[n:]
	}
	return nil
}

// UploadArtifact stores the file with the run's artifacts through the tracking
// server's artifact proxy. The run is named by the MetadataRunRef entry.
func (c *Client) UploadArtifact(ctx context.Context, path string, metadata map[string]string) (string, error) {
	ref := metadata[connector.MetadataRunRef]
	if ref == "" {
		return "", fmt.Errorf("%s: artifact upload needs a run ref: %w", c.name, models.ErrUpload)
	}
	expID, err := c.experimentIDOrErr()
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("artifact %s: %w", path, models.ErrFileNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("artifact %s: %v: %w", path, err, models.ErrUpload)
	}
	defer f.Close()

	rel := fmt.Sprintf("%s/%s/artifacts/%s", expID, ref, filepath.Base(path))
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := c.api.Upload(ctx, http.MethodPut, artifactPrefix+"/"+rel, f, contentType); err != nil {
		return "", fmt.Errorf("%s: uploading %s: %v: %w", c.name, path, err, models.ErrUpload)
	}
	return "mlflow-artifacts:/" + rel, nil
}

// ReleaseJob closes the run with the job's final status
func (c *Client) ReleaseJob(ctx context.Context, ref string, final models.Status) error {
	if err := c.closeRun(ctx, ref, fromStatus(final)); err != nil {
		return err
	}
	c.lastKnown.Forget(ref)
	return nil
}

func (c *Client) Disconnect(context.Context) error {
	c.log.Info("Disconnected")
	return nil
}
