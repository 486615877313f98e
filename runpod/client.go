// Package runpod runs training jobs as RunPod GPU pods through the v1 REST API.
package runpod

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/loiht2/ml-platform-finetune-orchestrator/connector"
	"github.com/loiht2/ml-platform-finetune-orchestrator/converter"
	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
	"github.com/loiht2/ml-platform-finetune-orchestrator/storage"
)

const (
	DefaultName      = "runpod"
	DefaultBaseURL   = "https://rest.runpod.io/v1"
	DefaultCloudType = "SECURE"

	// CredentialAPIKey is the credentials key holding the RunPod API key
	CredentialAPIKey = "api_key"

	defaultContainerDiskGB = 50
)

// Pod desired statuses reported by RunPod
const (
	podRunning    = "RUNNING"
	podExited     = "EXITED"
	podTerminated = "TERMINATED"
)

type Options struct {
	Name      string
	BaseURL   string
	Image     string
	CloudType string
	// RequestsPerSecond of 0 leaves the API unthrottled
	RequestsPerSecond float64
	Artifacts         storage.ArtifactStore
	ArtifactPrefix    string
	Backoff           wait.Backoff
	// REST overrides retry and timeout settings of the underlying client
	REST connector.RESTConfig
	Log  *logrus.Entry
}

type createPodRequest struct {
	Name              string            `json:"name"`
	ImageName         string            `json:"imageName"`
	CloudType         string            `json:"cloudType"`
	ComputeType       string            `json:"computeType"`
	GPUTypeIDs        []string          `json:"gpuTypeIds,omitempty"`
	GPUCount          int               `json:"gpuCount"`
	VCPUCount         int               `json:"vcpuCount,omitempty"`
	ContainerDiskInGb int               `json:"containerDiskInGb"`
	VolumeInGb        int               `json:"volumeInGb,omitempty"`
	VolumeMountPath   string            `json:"volumeMountPath,omitempty"`
	Env               map[string]string `json:"env"`
}

type pod struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	DesiredStatus    string      `json:"desiredStatus"`
	LastStatusChange string      `json:"lastStatusChange,omitempty"`
	MemoryInGb       float64     `json:"memoryInGb,omitempty"`
	Runtime          *podRuntime `json:"runtime,omitempty"`
}

type podRuntime struct {
	UptimeInSeconds int64               `json:"uptimeInSeconds"`
	GPUs            []gpuTelemetry      `json:"gpus"`
	Container       *containerTelemetry `json:"container"`
}

type gpuTelemetry struct {
	ID                string  `json:"id"`
	GPUUtilPercent    float64 `json:"gpuUtilPercent"`
	MemoryUtilPercent float64 `json:"memoryUtilPercent"`
}

type containerTelemetry struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
}

// podState is what the connector knows about a pod beyond RunPod's own view. RunPod
// reports a stopped pod and a finished one the same way, and keeps no training
// progress, so both are tracked here.
type podState struct {
	paused     bool
	cancelled  bool
	totalSteps int64
	last       *models.MetricPoint
}

// Client implements connector.Connector for RunPod. Pause stops the pod and keeps its
// volume; resume starts it again and the trainer picks up the newest checkpoint on
// the volume.
type Client struct {
	name      string
	api       *connector.RESTClient
	image     string
	cloudType string
	artifacts storage.ArtifactStore
	prefix    string
	backoff   wait.Backoff
	lastKnown *connector.LastKnown
	log       *logrus.Entry

	mu   sync.Mutex
	pods map[string]*podState
}

var (
	_ connector.Connector = (*Client)(nil)
	_ connector.Restorer  = (*Client)(nil)
)

func NewClient(opts Options) *Client {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Image == "" {
		opts.Image = converter.DefaultImage
	}
	if opts.CloudType == "" {
		opts.CloudType = DefaultCloudType
	}
	if opts.Backoff.Steps == 0 {
		opts.Backoff = connector.DefaultBackoff
	}
	if opts.Log == nil {
		opts.Log = logrus.WithField("component", "connector")
	}
	log := opts.Log.WithField("provider", opts.Name)

	rest := opts.REST
	rest.BaseURL = opts.BaseURL
	rest.RequestsPerSecond = opts.RequestsPerSecond
	rest.Log = log

	return &Client{
		name:      opts.Name,
		api:       connector.NewRESTClient(rest),
		image:     opts.Image,
		cloudType: opts.CloudType,
		artifacts: opts.Artifacts,
		prefix:    opts.ArtifactPrefix,
		backoff:   opts.Backoff,
		lastKnown: connector.NewLastKnown(),
		log:       log,
		pods:      make(map[string]*podState),
	}
}

func (c *Client) Name() string         { return c.name }
func (c *Client) Kind() connector.Kind { return connector.KindCompute }

// Connect installs the API key and verifies it by listing pods
func (c *Client) Connect(ctx context.Context, creds connector.Credentials) error {
	key := creds[CredentialAPIKey]
	if key == "" {
		return fmt.Errorf("%s: missing %s credential: %w", c.name, CredentialAPIKey, models.ErrAuthentication)
	}
	c.api.SetHeader("Authorization", "Bearer "+key)

	var pods []pod
	if err := c.api.Do(ctx, http.MethodGet, "/pods", nil, &pods); err != nil {
		return fmt.Errorf("%s: connecting: %w", c.name, err)
	}
	c.log.Infof("Connected, %d pods visible", len(pods))
	return nil
}

func (c *Client) SubmitJob(ctx context.Context, cfg models.TrainingConfig) (string, error) {
	tuning, err := converter.TuningConfigJSON(cfg)
	if err != nil {
		return "", err
	}
	name := converter.JobName(cfg)
	req := c.buildPodRequest(cfg, name, tuning)

	var created pod
	if err := c.api.Do(ctx, http.MethodPost, "/pods", req, &created); err != nil {
		return "", fmt.Errorf("%s: creating pod %s: %w", c.name, name, capacityError(err))
	}
	if created.ID == "" {
		return "", fmt.Errorf("%s: create pod response has no id: %w", c.name, models.ErrNetwork)
	}

	c.mu.Lock()
	c.pods[created.ID] = &podState{totalSteps: cfg.Hyperparameters.TotalSteps}
	c.mu.Unlock()
	c.log.Infof("Created pod %s (%s)", created.ID, name)
	return created.ID, nil
}

func (c *Client) buildPodRequest(cfg models.TrainingConfig, name, tuning string) createPodRequest {
	image := cfg.Image
	if image == "" {
		image = c.image
	}
	req := createPodRequest{
		Name:              name,
		ImageName:         image,
		CloudType:         c.cloudType,
		ComputeType:       "GPU",
		GPUCount:          cfg.Resources.GPUCount,
		VCPUCount:         cfg.Resources.CPUCores,
		ContainerDiskInGb: defaultContainerDiskGB,
		Env: map[string]string{
			converter.ConfigEnvVar:    tuning,
			converter.OutputDirEnvVar: converter.DefaultOutputPath,
			converter.JobNameEnvVar:   name,
		},
	}
	if req.GPUCount == 0 {
		req.GPUCount = 1
	}
	if cfg.Resources.GPUType != "" {
		req.GPUTypeIDs = []string{cfg.Resources.GPUType}
	}
	if cfg.Resources.VolumeGB > 0 {
		req.VolumeInGb = cfg.Resources.VolumeGB
		req.VolumeMountPath = converter.DefaultOutputPath
	}
	return req
}

// capacityError recognizes RunPod's out-of-stock response, which comes back as a 5xx
func capacityError(err error) error {
	var he *connector.HTTPError
	if errors.As(err, &he) && strings.Contains(strings.ToLower(he.Body), "no longer any instances available") {
		return fmt.Errorf("%w: %w", he, models.ErrProviderCapacity)
	}
	return err
}

func (c *Client) getPod(ctx context.Context, ref string) (pod, error) {
	var p pod
	err := c.api.Do(ctx, http.MethodGet, "/pods/"+ref, nil, &p)
	return p, err
}

func (c *Client) GetJobStatus(ctx context.Context, ref string) (models.StatusReport, error) {
	p, err := c.getPod(ctx, ref)
	if err != nil {
		return c.lastKnown.Fallback(ref, fmt.Errorf("%s: getting pod %s: %w", c.name, ref, err), c.log)
	}
	report := c.buildReport(ref, p)
	c.lastKnown.Store(ref, report)
	return report, nil
}

func (c *Client) buildReport(ref string, p pod) models.StatusReport {
	c.mu.Lock()
	st := c.state(ref)
	report := models.StatusReport{
		Status:     podStatus(p, st),
		TotalSteps: st.totalSteps,
		ObservedAt: time.Now().UTC(),
	}
	if st.last != nil {
		report.Step = st.last.Step
		if loss, ok := st.last.Metrics["loss"]; ok {
			report.Loss = &loss
		}
		if epoch, ok := st.last.Metrics["epoch"]; ok {
			report.Epoch = int(epoch)
		}
	}
	c.mu.Unlock()

	if p.Runtime != nil {
		report.Resources = podUsage(p, report.ObservedAt)
	}
	if report.Status == models.StatusFailed {
		report.Message = "pod exited unexpectedly"
		if p.LastStatusChange != "" {
			report.Message = "pod exited: " + p.LastStatusChange
		}
	}
	return report
}

// podUsage converts pod telemetry. RunPod reports memory as percentages; host RAM
// is converted to MB with the pod's memory size when the API returns it.
func podUsage(p pod, at time.Time) *models.ResourceUsage {
	usage := &models.ResourceUsage{CapturedAt: at}
	for i, g := range p.Runtime.GPUs {
		usage.GPUs = append(usage.GPUs, models.GPUUsage{
			Index:          i,
			Name:           g.ID,
			UtilizationPct: g.GPUUtilPercent,
			MemoryUtilPct:  g.MemoryUtilPercent,
		})
	}
	if ct := p.Runtime.Container; ct != nil {
		usage.CPUUtilizationPct = ct.CPUPercent
		usage.RAMUtilizationPct = ct.MemoryPercent
		if p.MemoryInGb > 0 {
			usage.RAMUsedMB = ct.MemoryPercent / 100 * p.MemoryInGb * 1024
		}
	}
	return usage
}

// state returns the tracked state for ref, creating it for pods submitted before a
// restart. Callers hold c.mu.
func (c *Client) state(ref string) *podState {
	st, ok := c.pods[ref]
	if !ok {
		st = &podState{}
		c.pods[ref] = st
	}
	return st
}

func podStatus(p pod, st *podState) models.Status {
	switch p.DesiredStatus {
	case podRunning:
		if p.Runtime == nil || p.Runtime.UptimeInSeconds == 0 {
			return models.StatusQueued
		}
		return models.StatusRunning
	case podExited:
		if st.paused {
			return models.StatusPaused
		}
		change := strings.ToLower(p.LastStatusChange)
		if strings.Contains(change, "error") || strings.Contains(change, "fail") {
			return models.StatusFailed
		}
		return models.StatusCompleted
	case podTerminated:
		if st.cancelled {
			return models.StatusStopped
		}
		return models.StatusFailed
	}
	return models.StatusQueued
}

// CancelJob terminates a pod that is still running. Finished or missing pods are left alone.
func (c *Client) CancelJob(ctx context.Context, ref string) error {
	p, err := c.getPod(ctx, ref)
	if errors.Is(err, models.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: getting pod %s: %w", c.name, ref, err)
	}

	c.mu.Lock()
	status := podStatus(p, c.state(ref))
	c.mu.Unlock()
	if status.IsTerminal() {
		return nil
	}

	if err := c.terminate(ctx, ref); err != nil {
		return err
	}
	c.mu.Lock()
	c.state(ref).cancelled = true
	c.mu.Unlock()
	c.log.Infof("Terminated pod %s", ref)
	return nil
}

func (c *Client) terminate(ctx context.Context, ref string) error {
	err := c.api.Do(ctx, http.MethodDelete, "/pods/"+ref, nil, nil)
	if err != nil && !errors.Is(err, models.ErrJobNotFound) {
		return fmt.Errorf("%s: terminating pod %s: %w", c.name, ref, err)
	}
	return nil
}

// PauseJob stops the pod. The pod volume, and with it the trainer's checkpoints, survives.
func (c *Client) PauseJob(ctx context.Context, ref string, cp models.Checkpoint) error {
	if err := c.api.Do(ctx, http.MethodPost, "/pods/"+ref+"/stop", nil, nil); err != nil {
		return fmt.Errorf("%s: stopping pod %s: %w", c.name, ref, err)
	}
	c.mu.Lock()
	c.state(ref).paused = true
	c.mu.Unlock()
	c.log.WithField("step", cp.Step).Infof("Stopped pod %s", ref)
	return nil
}

func (c *Client) ResumeJob(ctx context.Context, ref string, cp models.Checkpoint) error {
	if err := c.api.Do(ctx, http.MethodPost, "/pods/"+ref+"/start", nil, nil); err != nil {
		return fmt.Errorf("%s: starting pod %s: %w", c.name, ref, err)
	}
	c.mu.Lock()
	c.state(ref).paused = false
	c.mu.Unlock()
	c.log.WithField("step", cp.Step).Infof("Started pod %s", ref)
	return nil
}

// RestoreJob seeds the pod state of a run recovered after a restart, so a pod that
// was stopped for a pause keeps reporting paused instead of finished.
func (c *Client) RestoreJob(ref string, run models.Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(ref)
	st.paused = run.Status == models.StatusPaused
	st.cancelled = run.Status == models.StatusStopped
	if run.TotalSteps > 0 {
		st.totalSteps = run.TotalSteps
	}
	if st.last == nil && run.CurrentStep > 0 {
		point := models.MetricPoint{Step: run.CurrentStep, Metrics: map[string]float64{"loss": run.CurrentLoss}}
		if run.CurrentEpoch > 0 {
			point.Metrics["epoch"] = float64(run.CurrentEpoch)
		}
		st.last = &point
	}
}

// LogMetrics keeps the newest point as the pod's progress. RunPod stores no metrics.
func (c *Client) LogMetrics(_ context.Context, ref string, points []models.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(ref)
	for _, p := range points {
		if st.last == nil || p.Step >= st.last.Step {
			point := p.Clone()
			st.last = &point
		}
	}
	return nil
}

func (c *Client) UploadArtifact(ctx context.Context, path string, metadata map[string]string) (string, error) {
	if c.artifacts == nil {
		return "", fmt.Errorf("%s has no artifact store configured: %w", c.name, models.ErrUpload)
	}
	return connector.UploadFile(ctx, c.artifacts, c.backoff, c.prefix, path, metadata)
}

// ReleaseJob terminates the pod, which also frees its volume
func (c *Client) ReleaseJob(ctx context.Context, ref string, _ models.Status) error {
	if err := c.terminate(ctx, ref); err != nil {
		return err
	}
	c.lastKnown.Forget(ref)
	c.mu.Lock()
	delete(c.pods, ref)
	c.mu.Unlock()
	c.log.Infof("Released pod %s", ref)
	return nil
}

func (c *Client) Disconnect(context.Context) error {
	c.log.Info("Disconnected")
	return nil
}
