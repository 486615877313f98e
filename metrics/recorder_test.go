package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}

	r.JobSubmitted("runpod")
	r.JobSubmitted("runpod")
	r.Transition("runpod", models.StatusRunning, models.StatusPaused)
	r.MetricFlush("mlflow", 40, nil)
	r.MetricFlush("mlflow", 10, errors.New("boom"))
	r.SetActive(map[models.Status]int{models.StatusRunning: 3})
	r.PollError("kubernetes")

	if got := testutil.ToFloat64(r.jobsSubmitted.WithLabelValues("runpod")); got != 2 {
		t.Errorf("jobs_submitted_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.transitions.WithLabelValues("runpod", "running", "paused")); got != 1 {
		t.Errorf("job_transitions_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.pointsFlushed.WithLabelValues("mlflow")); got != 40 {
		t.Errorf("metric_points_flushed_total = %v, want 40", got)
	}
	if got := testutil.ToFloat64(r.metricFlushes.WithLabelValues("mlflow", "error")); got != 1 {
		t.Errorf("metric_flushes_total{result=error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.activeJobs.WithLabelValues("running")); got != 3 {
		t.Errorf("active_jobs{running} = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.activeJobs.WithLabelValues("paused")); got != 0 {
		t.Errorf("active_jobs{paused} = %v, want 0", got)
	}
	if got := testutil.ToFloat64(r.pollErrors.WithLabelValues("kubernetes")); got != 1 {
		t.Errorf("status_poll_errors_total = %v, want 1", got)
	}
}

func TestRecorderStoreAvailability(t *testing.T) {
	r, err := NewRecorder(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(r.storeAvailable); got != 1 {
		t.Fatalf("store_available = %v, want 1 initially", got)
	}
	r.StoreSync(errors.New("down"))
	if got := testutil.ToFloat64(r.storeAvailable); got != 0 {
		t.Errorf("store_available = %v after failure, want 0", got)
	}
	if got := testutil.ToFloat64(r.storeSyncFailures); got != 1 {
		t.Errorf("store_sync_failures_total = %v, want 1", got)
	}
	r.StoreSync(nil)
	if got := testutil.ToFloat64(r.storeAvailable); got != 1 {
		t.Errorf("store_available = %v after recovery, want 1", got)
	}
}

func TestRecorderDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewRecorder(reg); err != nil {
		t.Fatal(err)
	}
	if _, err := NewRecorder(reg); err == nil {
		t.Error("second NewRecorder() on the same registry succeeded, want error")
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.JobSubmitted("x")
	r.Transition("x", models.StatusQueued, models.StatusRunning)
	r.SetActive(nil)
	r.MetricFlush("x", 1, nil)
	r.PollError("x")
	r.StoreSync(nil)
}
