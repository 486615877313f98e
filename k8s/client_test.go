package k8s

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/loiht2/ml-platform-finetune-orchestrator/connector"
	"github.com/loiht2/ml-platform-finetune-orchestrator/converter"
	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
	"github.com/loiht2/ml-platform-finetune-orchestrator/storage"
)

const namespace = "training"

var fastBackoff = wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 2}

type memStore struct {
	objects map[string][]byte
}

func (s *memStore) UploadFile(_ context.Context, key string, r io.Reader, size int64, _ storage.UploadOptions) (storage.Object, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return storage.Object{}, err
	}
	s.objects[key] = b
	return storage.Object{Bucket: "artifacts", Key: key, Size: size}, nil
}

func newTestClient(t *testing.T) (*Client, *fake.Clientset, *memStore) {
	t.Helper()
	cs := fake.NewSimpleClientset()
	store := &memStore{objects: make(map[string][]byte)}
	c := NewClient(cs, converter.NewConverter(converter.Options{Namespace: namespace}), Options{
		Artifacts:      store,
		ArtifactPrefix: "runs",
		Backoff:        fastBackoff,
	})
	return c, cs, store
}

func testConfig() models.TrainingConfig {
	return models.TrainingConfig{
		Name:            "alpaca-lora",
		BaseModel:       "meta-llama/Llama-3.2-1B",
		DatasetPath:     "s3://datasets/alpaca.jsonl",
		ComputeProvider: DefaultName,
		PEFT:            models.PEFTConfig{Method: "lora", Rank: 8, Alpha: 16},
		Resources:       models.Resources{GPUCount: 1, VolumeGB: 20},
	}
}

func getJob(t *testing.T, cs *fake.Clientset, name string) *batchv1.Job {
	t.Helper()
	job, err := cs.BatchV1().Jobs(namespace).Get(context.Background(), name, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("getting job %s: %v", name, err)
	}
	return job
}

func updateJob(t *testing.T, cs *fake.Clientset, name string, mutate func(*batchv1.Job)) {
	t.Helper()
	job := getJob(t, cs, name)
	mutate(job)
	if _, err := cs.BatchV1().Jobs(namespace).Update(context.Background(), job, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("updating job %s: %v", name, err)
	}
}

func status(t *testing.T, c *Client, ref string) models.StatusReport {
	t.Helper()
	report, err := c.GetJobStatus(context.Background(), ref)
	if err != nil {
		t.Fatalf("GetJobStatus() error = %v", err)
	}
	return report
}

func TestJobLifecycle(t *testing.T) {
	c, cs, _ := newTestClient(t)
	ctx := context.Background()

	if err := c.Connect(ctx, nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ref, err := c.SubmitJob(ctx, testConfig())
	if err != nil {
		t.Fatalf("SubmitJob() error = %v", err)
	}
	if !strings.HasPrefix(ref, "ft-alpaca-lora-") {
		t.Errorf("ref = %q", ref)
	}
	if _, err := cs.CoreV1().PersistentVolumeClaims(namespace).Get(ctx, converter.PVCName(ref), metav1.GetOptions{}); err != nil {
		t.Errorf("output claim not created: %v", err)
	}
	if got := status(t, c, ref).Status; got != models.StatusQueued {
		t.Errorf("new job status = %s, want queued", got)
	}

	updateJob(t, cs, ref, func(job *batchv1.Job) {
		job.Status.Active = 1
		job.Annotations[converter.AnnotationProgress] = `{"current_step":500,"total_steps":1000,"current_epoch":1,"training_metrics":{"loss":0.42}}`
		job.Annotations[converter.AnnotationResourceUsage] = `{"gpus":[{"index":0,"utilizationPct":95}],"ramUsedMB":2048}`
	})
	report := status(t, c, ref)
	if report.Status != models.StatusRunning || report.Step != 500 || report.TotalSteps != 1000 || report.Epoch != 1 {
		t.Errorf("report = %+v", report)
	}
	if report.Loss == nil || *report.Loss != 0.42 {
		t.Errorf("loss = %v, want 0.42", report.Loss)
	}
	if report.Resources == nil || report.Resources.RAMUsedMB != 2048 || len(report.Resources.GPUs) != 1 {
		t.Errorf("resources = %+v", report.Resources)
	}

	if err := c.PauseJob(ctx, ref, models.Checkpoint{Step: 500, Loss: 0.42}); err != nil {
		t.Fatalf("PauseJob() error = %v", err)
	}
	job := getJob(t, cs, ref)
	if job.Spec.Suspend == nil || !*job.Spec.Suspend {
		t.Error("paused job is not suspended")
	}
	var cp models.Checkpoint
	if err := json.Unmarshal([]byte(job.Annotations[converter.AnnotationCheckpoint]), &cp); err != nil || cp.Step != 500 {
		t.Errorf("checkpoint annotation = %q (%v)", job.Annotations[converter.AnnotationCheckpoint], err)
	}
	if got := status(t, c, ref).Status; got != models.StatusPaused {
		t.Errorf("status after pause = %s", got)
	}

	if err := c.ResumeJob(ctx, ref, cp); err != nil {
		t.Fatalf("ResumeJob() error = %v", err)
	}
	if got := status(t, c, ref).Status; got != models.StatusRunning {
		t.Errorf("status after resume = %s", got)
	}

	point := models.MetricPoint{Step: 510, Metrics: map[string]float64{"loss": 0.4}}
	if err := c.LogMetrics(ctx, ref, []models.MetricPoint{point}); err != nil {
		t.Fatalf("LogMetrics() error = %v", err)
	}
	if raw := getJob(t, cs, ref).Annotations[AnnotationLastMetrics]; !strings.Contains(raw, `"step":510`) {
		t.Errorf("last metrics annotation = %q", raw)
	}

	updateJob(t, cs, ref, func(job *batchv1.Job) {
		job.Status.Active = 0
		job.Status.Conditions = []batchv1.JobCondition{{Type: batchv1.JobComplete, Status: corev1.ConditionTrue}}
		job.Annotations[converter.AnnotationArtifact] = "s3://artifacts/runs/adapter"
	})
	report = status(t, c, ref)
	if report.Status != models.StatusCompleted || report.ArtifactPath != "s3://artifacts/runs/adapter" {
		t.Errorf("completed report = %+v", report)
	}

	if err := c.CancelJob(ctx, ref); err != nil {
		t.Errorf("CancelJob(completed) error = %v", err)
	}
	getJob(t, cs, ref)

	if err := c.ReleaseJob(ctx, ref, models.StatusCompleted); err != nil {
		t.Fatalf("ReleaseJob() error = %v", err)
	}
	if _, err := cs.BatchV1().Jobs(namespace).Get(ctx, ref, metav1.GetOptions{}); !apierrors.IsNotFound(err) {
		t.Errorf("job still present after release: %v", err)
	}
	if _, err := cs.CoreV1().PersistentVolumeClaims(namespace).Get(ctx, converter.PVCName(ref), metav1.GetOptions{}); !apierrors.IsNotFound(err) {
		t.Errorf("claim still present after release: %v", err)
	}
	if err := c.ReleaseJob(ctx, ref, models.StatusCompleted); err != nil {
		t.Errorf("second ReleaseJob() error = %v", err)
	}
}

func TestFailedJobReportsReason(t *testing.T) {
	c, cs, _ := newTestClient(t)
	ref, err := c.SubmitJob(context.Background(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	updateJob(t, cs, ref, func(job *batchv1.Job) {
		job.Status.Conditions = []batchv1.JobCondition{
			{Type: batchv1.JobComplete, Status: corev1.ConditionFalse},
			{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Reason: "BackoffLimitExceeded"},
		}
	})
	report := status(t, c, ref)
	if report.Status != models.StatusFailed || !strings.Contains(report.Message, "BackoffLimitExceeded") {
		t.Errorf("report = %+v", report)
	}
}

func TestCancelRunningJobDeletesIt(t *testing.T) {
	c, cs, _ := newTestClient(t)
	ctx := context.Background()
	ref, err := c.SubmitJob(ctx, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	updateJob(t, cs, ref, func(job *batchv1.Job) { job.Status.Active = 1 })

	if err := c.CancelJob(ctx, ref); err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}
	if _, err := c.GetJobStatus(ctx, ref); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("GetJobStatus() after cancel error = %v, want ErrJobNotFound", err)
	}
	if err := c.CancelJob(ctx, ref); err != nil {
		t.Errorf("second CancelJob() error = %v", err)
	}
}

func TestStatusFallsBackToLastKnown(t *testing.T) {
	c, cs, _ := newTestClient(t)
	ctx := context.Background()
	ref, err := c.SubmitJob(ctx, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	updateJob(t, cs, ref, func(job *batchv1.Job) { job.Status.Active = 1 })
	status(t, c, ref)

	cs.PrependReactor("get", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewServiceUnavailable("apiserver overloaded")
	})
	report, err := c.GetJobStatus(ctx, ref)
	if err != nil {
		t.Fatalf("GetJobStatus() error = %v, want cached report", err)
	}
	if !report.Stale || report.Status != models.StatusRunning {
		t.Errorf("report = %+v, want stale running", report)
	}
	if _, err := c.GetJobStatus(ctx, "never-seen"); !errors.Is(err, models.ErrNetwork) {
		t.Errorf("uncached GetJobStatus() error = %v, want ErrNetwork", err)
	}
}

func TestSubmitQuotaExceeded(t *testing.T) {
	c, cs, _ := newTestClient(t)
	cs.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Group: "batch", Resource: "jobs"}, "x",
			errors.New("exceeded quota: gpu-quota, requested: requests.nvidia.com/gpu=1"))
	})
	if _, err := c.SubmitJob(context.Background(), testConfig()); !errors.Is(err, models.ErrProviderCapacity) {
		t.Errorf("SubmitJob() error = %v, want ErrProviderCapacity", err)
	}
}

func TestClassify(t *testing.T) {
	jobs := schema.GroupResource{Group: "batch", Resource: "jobs"}
	tests := []struct {
		err  error
		want error
	}{
		{apierrors.NewNotFound(jobs, "x"), models.ErrJobNotFound},
		{apierrors.NewUnauthorized("token expired"), models.ErrAuthentication},
		{apierrors.NewForbidden(jobs, "x", errors.New("rbac")), models.ErrAuthentication},
		{apierrors.NewForbidden(jobs, "x", errors.New("exceeded quota")), models.ErrProviderCapacity},
		{apierrors.NewBadRequest("bad spec"), models.ErrInvalidConfig},
		{apierrors.NewInternalError(errors.New("etcd")), models.ErrNetwork},
		{apierrors.NewTimeoutError("slow", 1), models.ErrNetwork},
		{errors.New("dial tcp: connection refused"), models.ErrNetwork},
	}
	for _, tt := range tests {
		if got := classify("op", tt.err); !errors.Is(got, tt.want) {
			t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestUploadArtifact(t *testing.T) {
	c, _, store := newTestClient(t)
	file := filepath.Join(t.TempDir(), "adapter.safetensors")
	if err := os.WriteFile(file, []byte("weights"), 0o600); err != nil {
		t.Fatal(err)
	}

	uri, err := c.UploadArtifact(context.Background(), file, map[string]string{connector.MetadataJobID: "job-1"})
	if err != nil {
		t.Fatalf("UploadArtifact() error = %v", err)
	}
	if uri != "s3://artifacts/runs/job-1/adapter.safetensors" {
		t.Errorf("uri = %s", uri)
	}
	if string(store.objects["runs/job-1/adapter.safetensors"]) != "weights" {
		t.Errorf("stored objects = %v", store.objects)
	}

	bare := NewClient(fake.NewSimpleClientset(), converter.NewConverter(converter.Options{}), Options{})
	if _, err := bare.UploadArtifact(context.Background(), file, nil); !errors.Is(err, models.ErrUpload) {
		t.Errorf("UploadArtifact() without store error = %v, want ErrUpload", err)
	}
}
