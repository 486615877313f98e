package models

import (
	"fmt"
	"strings"
	"time"
)

// TrainingConfig represents a fine-tuning request as supplied by the caller.
// A job keeps its own copy (see Clone) and never mutates it.
type TrainingConfig struct {
	Name            string          `json:"name" yaml:"name"`
	Project         string          `json:"project" yaml:"project"`
	BaseModel       string          `json:"baseModel" yaml:"baseModel" binding:"required"`
	ModelSource     string          `json:"modelSource" yaml:"modelSource"` // "huggingface", "local", "s3"
	PEFT            PEFTConfig      `json:"peft" yaml:"peft"`
	DatasetPath     string          `json:"datasetPath" yaml:"datasetPath" binding:"required"`
	ComputeProvider string          `json:"computeProvider" yaml:"computeProvider" binding:"required"`
	Tracker         string          `json:"tracker,omitempty" yaml:"tracker,omitempty"` // Optional experiment tracker
	Hyperparameters Hyperparameters `json:"hyperparameters" yaml:"hyperparameters"`
	Resources       Resources       `json:"resources" yaml:"resources"`
	Image           string          `json:"image,omitempty" yaml:"image,omitempty"` // Optional override
}

// PEFTConfig holds the parameter-efficient fine-tuning algorithm settings
type PEFTConfig struct {
	Method        string   `json:"method" yaml:"method"` // "lora", "qlora", "ia3"
	Rank          int      `json:"rank" yaml:"rank"`
	Alpha         int      `json:"alpha" yaml:"alpha"`
	Dropout       float64  `json:"dropout" yaml:"dropout"`
	TargetModules []string `json:"targetModules" yaml:"targetModules"`
}

type Hyperparameters struct {
	LearningRate float64 `json:"learningRate" yaml:"learningRate"`
	BatchSize    int     `json:"batchSize" yaml:"batchSize"`
	Epochs       int     `json:"epochs" yaml:"epochs"`
	MaxSeqLength int     `json:"maxSeqLength" yaml:"maxSeqLength"`
	TotalSteps   int64   `json:"totalSteps" yaml:"totalSteps"`
}

type Resources struct {
	GPUType   string `json:"gpuType" yaml:"gpuType"`
	GPUCount  int    `json:"gpuCount" yaml:"gpuCount"`
	CPUCores  int    `json:"cpuCores" yaml:"cpuCores"`
	MemoryGiB int    `json:"memoryGiB" yaml:"memoryGiB"`
	VolumeGB  int    `json:"volumeGB" yaml:"volumeGB"`
}

// Clone returns a deep copy so the job's config can't be changed through the caller's slices
func (c TrainingConfig) Clone() TrainingConfig {
	out := c
	if c.PEFT.TargetModules != nil {
		out.PEFT.TargetModules = append([]string(nil), c.PEFT.TargetModules...)
	}
	return out
}

// Validate checks the fields the orchestrator relies on before contacting a provider
func (c TrainingConfig) Validate() error {
	if strings.TrimSpace(c.BaseModel) == "" {
		return &ValidationError{Field: "baseModel", Reason: "is required"}
	}
	if strings.TrimSpace(c.DatasetPath) == "" {
		return &ValidationError{Field: "datasetPath", Reason: "is required"}
	}
	if strings.TrimSpace(c.ComputeProvider) == "" {
		return &ValidationError{Field: "computeProvider", Reason: "is required"}
	}
	switch strings.ToLower(c.PEFT.Method) {
	case "", "full":
	case "lora", "qlora":
		if c.PEFT.Rank <= 0 {
			return &ValidationError{Field: "peft.rank", Reason: "must be positive for LoRA methods"}
		}
		if c.PEFT.Alpha <= 0 {
			return &ValidationError{Field: "peft.alpha", Reason: "must be positive for LoRA methods"}
		}
	case "ia3":
	default:
		return &ValidationError{Field: "peft.method", Reason: fmt.Sprintf("unsupported method %q", c.PEFT.Method)}
	}
	if c.PEFT.Dropout < 0 || c.PEFT.Dropout >= 1 {
		return &ValidationError{Field: "peft.dropout", Reason: "must be in [0, 1)"}
	}
	if c.Hyperparameters.TotalSteps < 0 {
		return &ValidationError{Field: "hyperparameters.totalSteps", Reason: "must not be negative"}
	}
	if c.Resources.GPUCount < 0 {
		return &ValidationError{Field: "resources.gpuCount", Reason: "must not be negative"}
	}
	return nil
}

// GPUUsage is the utilization of one device
type GPUUsage struct {
	Index          int     `json:"index"`
	Name           string  `json:"name,omitempty"`
	UtilizationPct float64 `json:"utilizationPct"`
	MemoryUsedMB   float64 `json:"memoryUsedMB"`
	MemoryTotalMB  float64 `json:"memoryTotalMB"`
	// MemoryUtilPct is set by providers that report device memory only as a share
	MemoryUtilPct  float64 `json:"memoryUtilPct,omitempty"`
}

// ResourceUsage represents the last-known resource snapshot of a job
type ResourceUsage struct {
	GPUs              []GPUUsage `json:"gpus"`
	CPUUtilizationPct float64    `json:"cpuUtilizationPct"`
	RAMUsedMB         float64    `json:"ramUsedMB"`
	RAMUtilizationPct float64    `json:"ramUtilizationPct,omitempty"`
	CapturedAt        time.Time  `json:"capturedAt"`
}

// Clone copies the snapshot including the per-device slice
func (r *ResourceUsage) Clone() *ResourceUsage {
	if r == nil {
		return nil
	}
	out := *r
	out.GPUs = append([]GPUUsage(nil), r.GPUs...)
	return &out
}

// Checkpoint is the progress captured when a job is paused
type Checkpoint struct {
	Step               int64          `json:"step"`
	Epoch              int            `json:"epoch"`
	Loss               float64        `json:"loss"`
	Elapsed            time.Duration  `json:"elapsed"`
	EstimatedRemaining time.Duration  `json:"estimatedRemaining"`
	Resources          *ResourceUsage `json:"resources"`
	CapturedAt         time.Time      `json:"capturedAt"`
}

// Clone returns an independent copy of the checkpoint
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.Resources = c.Resources.Clone()
	return &out
}

// MetricPoint is one metrics map logged at a training step
type MetricPoint struct {
	Step     int64              `json:"step"`
	Metrics  map[string]float64 `json:"metrics"`
	LoggedAt time.Time          `json:"loggedAt"`
}

// Clone copies the metrics map so queued points are not shared with the caller
func (p MetricPoint) Clone() MetricPoint {
	out := p
	out.Metrics = make(map[string]float64, len(p.Metrics))
	for k, v := range p.Metrics {
		out.Metrics[k] = v
	}
	return out
}

// StatusReport is what a connector observed about a job at poll time
type StatusReport struct {
	Status       Status         `json:"status"`
	Step         int64          `json:"step"`
	TotalSteps   int64          `json:"totalSteps"`
	Epoch        int            `json:"epoch"`
	Loss         *float64       `json:"loss,omitempty"`
	Resources    *ResourceUsage `json:"resources,omitempty"`
	ArtifactPath string         `json:"artifactPath,omitempty"`
	ArtifactHash string         `json:"artifactHash,omitempty"`
	Message      string         `json:"message,omitempty"`
	ObservedAt   time.Time      `json:"observedAt"`
	// Stale is set when the report was served from cache after a transient provider error
	Stale bool `json:"stale,omitempty"`
}

// Run is a point-in-time view of a training job. It is also the shape of the persisted record.
type Run struct {
	JobID          string         `json:"jobId"`
	Provider       string         `json:"provider"`
	ProviderJobID  string         `json:"providerJobId"`
	Tracker        string         `json:"tracker,omitempty"`
	TrackerRunID   string         `json:"trackerRunId,omitempty"`
	Config         TrainingConfig `json:"config"`
	Status         Status         `json:"status"`
	CurrentStep    int64          `json:"currentStep"`
	TotalSteps     int64          `json:"totalSteps"`
	CurrentEpoch   int            `json:"currentEpoch"`
	CurrentLoss    float64        `json:"currentLoss"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	PausedAt       *time.Time     `json:"pausedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	PausedDuration time.Duration  `json:"pausedDuration"`
	ResourceUsage  *ResourceUsage `json:"resourceUsage,omitempty"`
	Checkpoint     *Checkpoint    `json:"checkpoint,omitempty"`
	ArtifactPath   string         `json:"artifactPath,omitempty"`
	ArtifactHash   string         `json:"artifactHash,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	Version        int64          `json:"version"`
}

// Clone returns a deep copy of the run
func (r Run) Clone() Run {
	out := r
	out.Config = r.Config.Clone()
	out.ResourceUsage = r.ResourceUsage.Clone()
	out.Checkpoint = r.Checkpoint.Clone()
	out.StartedAt = cloneTime(r.StartedAt)
	out.PausedAt = cloneTime(r.PausedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// SortTime is the instant history is ordered and range-filtered by
func (r Run) SortTime() time.Time {
	if r.StartedAt != nil {
		return *r.StartedAt
	}
	return r.CreatedAt
}

// ConcurrentRunStats is recomputed from the active set on every request
type ConcurrentRunStats struct {
	Total      int            `json:"total"`
	ByStatus   map[Status]int `json:"byStatus"`
	ByProvider map[string]int `json:"byProvider"`
	ComputedAt time.Time      `json:"computedAt"`
}

// HistoryPage is one page of persisted runs
type HistoryPage struct {
	Runs   []Run `json:"runs"`
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// SubmitResponse represents the response sent after a successful submission
type SubmitResponse struct {
	JobID  string `json:"jobId"`
	Status Status `json:"status"`
}

// LogMetricsRequest represents the payload of POST /api/v1/jobs/:id/metrics
type LogMetricsRequest struct {
	Step    int64              `json:"step"`
	Metrics map[string]float64 `json:"metrics" binding:"required"`
}

// UploadArtifactRequest represents the payload of POST /api/v1/jobs/:id/artifacts
type UploadArtifactRequest struct {
	Path     string            `json:"path" binding:"required"`
	Metadata map[string]string `json:"metadata"`
}

// UploadArtifactResponse is returned after an artifact upload
type UploadArtifactResponse struct {
	ArtifactID string `json:"artifactId"`
	Hash       string `json:"hash"`
}
