package k8s

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	batchclient "k8s.io/client-go/kubernetes/typed/batch/v1"

	"github.com/loiht2/ml-platform-finetune-orchestrator/connector"
	"github.com/loiht2/ml-platform-finetune-orchestrator/converter"
	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
	"github.com/loiht2/ml-platform-finetune-orchestrator/storage"
)

const (
	DefaultName = "kubernetes"

	// AnnotationLastMetrics holds the most recent metrics point logged for the job
	AnnotationLastMetrics = "finetune.ml-platform.io/last-metrics"
)

// Progress is the document the trainer writes to the progress annotation
type Progress struct {
	CurrentStep     *int64                 `json:"current_step,omitempty"`
	TotalSteps      *int64                 `json:"total_steps,omitempty"`
	CurrentEpoch    *int64                 `json:"current_epoch,omitempty"`
	Message         string                 `json:"message,omitempty"`
	TrainingMetrics map[string]interface{} `json:"training_metrics,omitempty"`
	Timestamp       int64                  `json:"timestamp"`
}

type Options struct {
	Name string
	// Artifacts is optional; without it UploadArtifact fails with ErrUpload
	Artifacts      storage.ArtifactStore
	ArtifactPrefix string
	Backoff        wait.Backoff
	Log            *logrus.Entry
}

// Client runs training jobs as batch/v1 Jobs. Pause and resume toggle spec.suspend;
// progress is read from annotations the trainer maintains on its Job.
type Client struct {
	name      string
	clientset kubernetes.Interface
	conv      *converter.Converter
	artifacts storage.ArtifactStore
	prefix    string
	backoff   wait.Backoff
	lastKnown *connector.LastKnown
	log       *logrus.Entry
}

var _ connector.Connector = (*Client)(nil)

// NewClient creates a new Kubernetes connector
func NewClient(clientset kubernetes.Interface, conv *converter.Converter, opts Options) *Client {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Backoff.Steps == 0 {
		opts.Backoff = connector.DefaultBackoff
	}
	if opts.Log == nil {
		opts.Log = logrus.WithField("component", "connector")
	}
	return &Client{
		name:      opts.Name,
		clientset: clientset,
		conv:      conv,
		artifacts: opts.Artifacts,
		prefix:    opts.ArtifactPrefix,
		backoff:   opts.Backoff,
		lastKnown: connector.NewLastKnown(),
		log:       opts.Log.WithField("provider", opts.Name),
	}
}

func (c *Client) Name() string         { return c.name }
func (c *Client) Kind() connector.Kind { return connector.KindCompute }

func (c *Client) jobs() batchclient.JobInterface {
	return c.clientset.BatchV1().Jobs(c.conv.Namespace())
}

// Connect checks that jobs can be listed in the target namespace. Credentials come
// from the kubeconfig the clientset was built with.
func (c *Client) Connect(ctx context.Context, _ connector.Credentials) error {
	_, err := c.jobs().List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return classify("listing jobs", err)
	}
	c.log.Infof("Connected to namespace %s", c.conv.Namespace())
	return nil
}

// SubmitJob creates the job's output claim, if any, and the Job itself
func (c *Client) SubmitJob(ctx context.Context, cfg models.TrainingConfig) (string, error) {
	name := converter.JobName(cfg)
	job, err := c.conv.ConvertToJob(cfg, name)
	if err != nil {
		return "", err
	}

	if pvc := c.conv.CreatePVC(cfg, name); pvc != nil {
		err := connector.Retry(ctx, c.backoff, func(ctx context.Context) error {
			_, err := c.clientset.CoreV1().PersistentVolumeClaims(pvc.Namespace).Create(ctx, pvc, metav1.CreateOptions{})
			if err != nil && !apierrors.IsAlreadyExists(err) {
				return classify("creating PVC", err)
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		c.log.Infof("Created PVC %s/%s", pvc.Namespace, pvc.Name)
	}

	err = connector.Retry(ctx, c.backoff, func(ctx context.Context) error {
		_, err := c.jobs().Create(ctx, job, metav1.CreateOptions{})
		if err != nil {
			return classify("creating job", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	c.log.Infof("Created job %s/%s", job.Namespace, job.Name)
	return name, nil
}

// GetJobStatus maps the Job's conditions and the trainer's annotations onto a report
func (c *Client) GetJobStatus(ctx context.Context, ref string) (models.StatusReport, error) {
	job, err := c.jobs().Get(ctx, ref, metav1.GetOptions{})
	if err != nil {
		return c.lastKnown.Fallback(ref, classify("getting job "+ref, err), c.log)
	}
	report := c.buildReport(job)
	c.lastKnown.Store(ref, report)
	return report, nil
}

func (c *Client) buildReport(job *batchv1.Job) models.StatusReport {
	report := models.StatusReport{Status: jobStatus(job), ObservedAt: time.Now().UTC()}
	log := c.log.WithField("ref", job.Name)

	if raw := job.Annotations[converter.AnnotationProgress]; raw != "" {
		var p Progress
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			log.Debugf("Ignoring malformed progress annotation: %v", err)
		} else {
			applyProgress(&report, p)
		}
	}
	if raw := job.Annotations[converter.AnnotationResourceUsage]; raw != "" {
		var usage models.ResourceUsage
		if err := json.Unmarshal([]byte(raw), &usage); err != nil {
			log.Debugf("Ignoring malformed resource annotation: %v", err)
		} else {
			report.Resources = &usage
		}
	}
	if report.Status == models.StatusCompleted {
		report.ArtifactPath = job.Annotations[converter.AnnotationArtifact]
	}
	if report.Status == models.StatusFailed {
		report.Message = failureMessage(job)
	}
	return report
}

func jobStatus(job *batchv1.Job) models.Status {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return models.StatusCompleted
		case batchv1.JobFailed:
			return models.StatusFailed
		}
	}
	if job.Spec.Suspend != nil && *job.Spec.Suspend {
		return models.StatusPaused
	}
	if job.Status.Active > 0 {
		return models.StatusRunning
	}
	return models.StatusQueued
}

func failureMessage(job *batchv1.Job) string {
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			if cond.Reason == "" {
				return "training job failed"
			}
			return "training job failed: " + cond.Reason
		}
	}
	return "training job failed"
}

func applyProgress(report *models.StatusReport, p Progress) {
	if p.CurrentStep != nil {
		report.Step = *p.CurrentStep
	}
	if p.TotalSteps != nil {
		report.TotalSteps = *p.TotalSteps
	}
	if p.CurrentEpoch != nil {
		report.Epoch = int(*p.CurrentEpoch)
	}
	if v, ok := p.TrainingMetrics["loss"].(float64); ok {
		report.Loss = &v
	}
}

// CancelJob deletes a job that is still running. Finished or missing jobs are left alone.
func (c *Client) CancelJob(ctx context.Context, ref string) error {
	job, err := c.jobs().Get(ctx, ref, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return classify("getting job "+ref, err)
	}
	if jobStatus(job).IsTerminal() {
		return nil
	}
	if err := c.deleteJob(ctx, ref); err != nil {
		return err
	}
	c.log.Infof("Cancelled job %s", ref)
	return nil
}

// PauseJob suspends the Job, which terminates its pods, and stores the checkpoint the
// trainer resumes from
func (c *Client) PauseJob(ctx context.Context, ref string, cp models.Checkpoint) error {
	return c.setSuspended(ctx, ref, true, cp)
}

// ResumeJob unsuspends the Job with the checkpoint annotation refreshed
func (c *Client) ResumeJob(ctx context.Context, ref string, cp models.Checkpoint) error {
	return c.setSuspended(ctx, ref, false, cp)
}

func (c *Client) setSuspended(ctx context.Context, ref string, suspend bool, cp models.Checkpoint) error {
	checkpoint, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	patch, err := json.Marshal(map[string]interface{}{
		"metadata": map[string]interface{}{
			"annotations": map[string]string{converter.AnnotationCheckpoint: string(checkpoint)},
		},
		"spec": map[string]interface{}{"suspend": suspend},
	})
	if err != nil {
		return err
	}
	return connector.Retry(ctx, c.backoff, func(ctx context.Context) error {
		if _, err := c.jobs().Patch(ctx, ref, types.MergePatchType, patch, metav1.PatchOptions{}); err != nil {
			return classify("patching job "+ref, err)
		}
		return nil
	})
}

// LogMetrics records the latest point on the Job. The cluster keeps no metric history.
func (c *Client) LogMetrics(ctx context.Context, ref string, points []models.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	last, err := json.Marshal(points[len(points)-1])
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	patch, err := json.Marshal(map[string]interface{}{
		"metadata": map[string]interface{}{
			"annotations": map[string]string{AnnotationLastMetrics: string(last)},
		},
	})
	if err != nil {
		return err
	}
	if _, err := c.jobs().Patch(ctx, ref, types.MergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return classify("recording metrics on "+ref, err)
	}
	return nil
}

// UploadArtifact stores a local file in the configured artifact bucket
func (c *Client) UploadArtifact(ctx context.Context, path string, metadata map[string]string) (string, error) {
	if c.artifacts == nil {
		return "", fmt.Errorf("%s has no artifact store configured: %w", c.name, models.ErrUpload)
	}
	return connector.UploadFile(ctx, c.artifacts, c.backoff, c.prefix, path, metadata)
}

// ReleaseJob deletes the Job, its pods and its output claim
func (c *Client) ReleaseJob(ctx context.Context, ref string, _ models.Status) error {
	c.lastKnown.Forget(ref)
	if err := c.deleteJob(ctx, ref); err != nil {
		return err
	}
	err := c.clientset.CoreV1().PersistentVolumeClaims(c.conv.Namespace()).Delete(ctx, converter.PVCName(ref), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return classify("deleting PVC", err)
	}
	c.log.Infof("Released job %s", ref)
	return nil
}

func (c *Client) deleteJob(ctx context.Context, ref string) error {
	propagation := metav1.DeletePropagationBackground
	err := c.jobs().Delete(ctx, ref, metav1.DeleteOptions{PropagationPolicy: &propagation})
	if err != nil && !apierrors.IsNotFound(err) {
		return classify("deleting job "+ref, err)
	}
	return nil
}

func (c *Client) Disconnect(context.Context) error {
	c.log.Info("Disconnected")
	return nil
}

// classify maps API server errors onto the provider taxonomy
func classify(op string, err error) error {
	var sentinel error
	switch {
	case apierrors.IsNotFound(err):
		sentinel = models.ErrJobNotFound
	case apierrors.IsForbidden(err) && strings.Contains(err.Error(), "exceeded quota"):
		sentinel = models.ErrProviderCapacity
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		sentinel = models.ErrAuthentication
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err), apierrors.IsAlreadyExists(err):
		sentinel = models.ErrInvalidConfig
	default:
		sentinel = models.ErrNetwork
	}
	return fmt.Errorf("%s: %v: %w", op, err, sentinel)
}
