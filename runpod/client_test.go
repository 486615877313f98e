package runpod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/loiht2/ml-platform-finetune-orchestrator/connector"
	"github.com/loiht2/ml-platform-finetune-orchestrator/converter"
	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

const apiKey = "rp-secret"

// fakeAPI is an in-memory stand-in for the pod endpoints of the RunPod REST API
type fakeAPI struct {
	mu        sync.Mutex
	pods      map[string]*pod
	created   []createPodRequest
	next      int
	down      bool
	submitErr string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	f := &fakeAPI{pods: make(map[string]*pod)}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /pods", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := make([]pod, 0, len(f.pods))
		for _, p := range f.pods {
			out = append(out, *p)
		}
		writeJSON(w, http.StatusOK, out)
	})
	mux.HandleFunc("POST /pods", func(w http.ResponseWriter, r *http.Request) {
		var req createPodRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.submitErr != "" {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": f.submitErr})
			return
		}
		f.next++
		p := &pod{ID: fmt.Sprintf("pod%03d", f.next), Name: req.Name, DesiredStatus: podRunning}
		f.pods[p.ID] = p
		f.created = append(f.created, req)
		writeJSON(w, http.StatusCreated, p)
	})
	mux.HandleFunc("GET /pods/{id}", f.withPod(func(w http.ResponseWriter, p *pod) {
		writeJSON(w, http.StatusOK, p)
	}))
	mux.HandleFunc("POST /pods/{id}/stop", f.withPod(func(w http.ResponseWriter, p *pod) {
		p.DesiredStatus = podExited
		p.Runtime = nil
		writeJSON(w, http.StatusOK, p)
	}))
	mux.HandleFunc("POST /pods/{id}/start", f.withPod(func(w http.ResponseWriter, p *pod) {
		p.DesiredStatus = podRunning
		p.Runtime = &podRuntime{UptimeInSeconds: 1}
		writeJSON(w, http.StatusOK, p)
	}))
	mux.HandleFunc("DELETE /pods/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.pods[r.PathValue("id")]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "pod not found"})
			return
		}
		delete(f.pods, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		down := f.down
		f.mu.Unlock()
		if down {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "maintenance"})
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (f *fakeAPI) withPod(fn func(http.ResponseWriter, *pod)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		p, ok := f.pods[r.PathValue("id")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "pod not found"})
			return
		}
		fn(w, p)
	}
}

func (f *fakeAPI) update(id string, fn func(*pod)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.pods[id])
}

func (f *fakeAPI) exists(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pods[id]
	return ok
}

func (f *fakeAPI) lastCreated() createPodRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[len(f.created)-1]
}

func (f *fakeAPI) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c := NewClient(Options{
		BaseURL: baseURL,
		REST: connector.RESTConfig{
			Timeout:      2 * time.Second,
			RetryMax:     1,
			RetryWaitMin: time.Millisecond,
			RetryWaitMax: 2 * time.Millisecond,
		},
	})
	if err := c.Connect(context.Background(), connector.Credentials{CredentialAPIKey: apiKey}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c
}

func testConfig() models.TrainingConfig {
	return models.TrainingConfig{
		Name:            "mistral-qlora",
		BaseModel:       "mistralai/Mistral-7B-v0.1",
		DatasetPath:     "s3://datasets/dolly.jsonl",
		ComputeProvider: DefaultName,
		PEFT:            models.PEFTConfig{Method: "qlora", Rank: 16, Alpha: 32},
		Hyperparameters: models.Hyperparameters{TotalSteps: 1000},
		Resources:       models.Resources{GPUType: "NVIDIA A100 80GB PCIe", GPUCount: 2, VolumeGB: 40},
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

func TestConnect(t *testing.T) {
	_, srv := newFakeAPI(t)
	c := NewClient(Options{BaseURL: srv.URL})

	if err := c.Connect(context.Background(), nil); !errors.Is(err, models.ErrAuthentication) {
		t.Errorf("Connect() without key error = %v, want ErrAuthentication", err)
	}
	err := c.Connect(context.Background(), connector.Credentials{CredentialAPIKey: "wrong"})
	if !errors.Is(err, models.ErrAuthentication) {
		t.Errorf("Connect() with bad key error = %v, want ErrAuthentication", err)
	}
	if err := c.Connect(context.Background(), connector.Credentials{CredentialAPIKey: apiKey}); err != nil {
		t.Errorf("Connect() error = %v", err)
	}
}

func TestPodLifecycle(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	ref, err := c.SubmitJob(ctx, testConfig())
	if err != nil {
		t.Fatalf("SubmitJob() error = %v", err)
	}

	req := api.lastCreated()
	if diff := cmp.Diff([]string{"NVIDIA A100 80GB PCIe"}, req.GPUTypeIDs); diff != "" {
		t.Errorf("gpu types mismatch (-want +got):\n%s", diff)
	}
	if req.GPUCount != 2 || req.VolumeInGb != 40 || req.ImageName != converter.DefaultImage || req.CloudType != DefaultCloudType {
		t.Errorf("pod request = %+v", req)
	}
	if !strings.Contains(req.Env[converter.ConfigEnvVar], `"base_model":"mistralai/Mistral-7B-v0.1"`) {
		t.Errorf("training config env = %s", req.Env[converter.ConfigEnvVar])
	}

	if got := status(t, c, ref).Status; got != models.StatusQueued {
		t.Errorf("booting pod status = %s, want queued", got)
	}

	api.update(ref, func(p *pod) {
		p.Runtime = &podRuntime{
			UptimeInSeconds: 120,
			GPUs:            []gpuTelemetry{{ID: "GPU-0", GPUUtilPercent: 97, MemoryUtilPercent: 81}, {ID: "GPU-1", GPUUtilPercent: 95, MemoryUtilPercent: 79}},
			Container:       &containerTelemetry{CPUPercent: 40, MemoryPercent: 25},
		}
		p.MemoryInGb = 64
	})
	points := []models.MetricPoint{
		{Step: 490, Metrics: map[string]float64{"loss": 0.5}},
		{Step: 500, Metrics: map[string]float64{"loss": 0.42, "epoch": 1}},
	}
	if err := c.LogMetrics(ctx, ref, points); err != nil {
		t.Fatalf("LogMetrics() error = %v", err)
	}
	report := status(t, c, ref)
	if report.Status != models.StatusRunning || report.Step != 500 || report.TotalSteps != 1000 || report.Epoch != 1 {
		t.Errorf("running report = %+v", report)
	}
	if report.Loss == nil || *report.Loss != 0.42 {
		t.Errorf("loss = %v, want 0.42", report.Loss)
	}
	if report.Resources == nil || len(report.Resources.GPUs) != 2 || report.Resources.CPUUtilizationPct != 40 {
		t.Fatalf("resources = %+v", report.Resources)
	}
	wantGPUs := []models.GPUUsage{
		{Index: 0, Name: "GPU-0", UtilizationPct: 97, MemoryUtilPct: 81},
		{Index: 1, Name: "GPU-1", UtilizationPct: 95, MemoryUtilPct: 79},
	}
	if diff := cmp.Diff(wantGPUs, report.Resources.GPUs); diff != "" {
		t.Errorf("gpu usage mismatch (-want +got):\n%s", diff)
	}
	if report.Resources.RAMUtilizationPct != 25 || report.Resources.RAMUsedMB != 16384 {
		t.Errorf("ram = %v%% / %v MB, want 25%% / 16384 MB", report.Resources.RAMUtilizationPct, report.Resources.RAMUsedMB)
	}

	if err := c.PauseJob(ctx, ref, models.Checkpoint{Step: 500}); err != nil {
		t.Fatalf("PauseJob() error = %v", err)
	}
	if got := status(t, c, ref).Status; got != models.StatusPaused {
		t.Errorf("stopped pod status = %s, want paused", got)
	}
	if err := c.ResumeJob(ctx, ref, models.Checkpoint{Step: 500}); err != nil {
		t.Fatalf("ResumeJob() error = %v", err)
	}
	if got := status(t, c, ref).Status; got != models.StatusRunning {
		t.Errorf("restarted pod status = %s, want running", got)
	}

	api.update(ref, func(p *pod) {
		p.DesiredStatus = podExited
		p.LastStatusChange = "Exited by user: training finished"
	})
	if got := status(t, c, ref).Status; got != models.StatusCompleted {
		t.Errorf("exited pod status = %s, want completed", got)
	}
	if err := c.CancelJob(ctx, ref); err != nil {
		t.Errorf("CancelJob(completed) error = %v", err)
	}
	if _, err := c.GetJobStatus(ctx, ref); err != nil {
		t.Errorf("completed pod was terminated by cancel: %v", err)
	}

	if err := c.ReleaseJob(ctx, ref, models.StatusCompleted); err != nil {
		t.Fatalf("ReleaseJob() error = %v", err)
	}
	if _, err := c.GetJobStatus(ctx, ref); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("GetJobStatus() after release error = %v, want ErrJobNotFound", err)
	}
	if err := c.ReleaseJob(ctx, ref, models.StatusCompleted); err != nil {
		t.Errorf("second ReleaseJob() error = %v", err)
	}
}

func TestPausedPodSurvivesRestart(t *testing.T) {
	api, srv := newFakeAPI(t)
	ctx := context.Background()
	c := newTestClient(t, srv.URL)
	ref, err := c.SubmitJob(ctx, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	api.update(ref, func(p *pod) { p.Runtime = &podRuntime{UptimeInSeconds: 60} })
	if err := c.PauseJob(ctx, ref, models.Checkpoint{Step: 500}); err != nil {
		t.Fatal(err)
	}

	restarted := newTestClient(t, srv.URL)
	if got := status(t, restarted, ref).Status; got != models.StatusCompleted {
		t.Fatalf("stopped pod without restored state = %s, want completed", got)
	}
	loss := 0.42
	restarted.RestoreJob(ref, models.Run{Status: models.StatusPaused, CurrentStep: 500, CurrentLoss: loss, CurrentEpoch: 1, TotalSteps: 1000})
	report := status(t, restarted, ref)
	if report.Status != models.StatusPaused || report.Step != 500 || report.TotalSteps != 1000 || report.Epoch != 1 {
		t.Errorf("restored report = %+v, want paused at 500/1000 epoch 1", report)
	}
	if report.Loss == nil || *report.Loss != loss {
		t.Errorf("restored loss = %v, want 0.42", report.Loss)
	}

	if err := restarted.ResumeJob(ctx, ref, models.Checkpoint{Step: 500}); err != nil {
		t.Fatal(err)
	}
	if got := status(t, restarted, ref).Status; got != models.StatusRunning {
		t.Errorf("resumed pod status = %s, want running", got)
	}

	restarted.RestoreJob(ref, models.Run{Status: models.StatusStopped})
	api.update(ref, func(p *pod) { p.DesiredStatus = podTerminated })
	if got := status(t, restarted, ref).Status; got != models.StatusStopped {
		t.Errorf("terminated pod of a stopped run = %s, want stopped", got)
	}
}

func TestCancelRunningPod(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()
	ref, err := c.SubmitJob(ctx, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	api.update(ref, func(p *pod) { p.Runtime = &podRuntime{UptimeInSeconds: 10} })

	if err := c.CancelJob(ctx, ref); err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}
	if api.exists(ref) {
		t.Error("pod still exists after cancel")
	}
	if err := c.CancelJob(ctx, ref); err != nil {
		t.Errorf("CancelJob() on missing pod error = %v", err)
	}
}

func TestSubmitOutOfCapacity(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := newTestClient(t, srv.URL)
	api.mu.Lock()
	api.submitErr = "There are no longer any instances available with the requested specifications."
	api.mu.Unlock()

	_, err := c.SubmitJob(context.Background(), testConfig())
	if !errors.Is(err, models.ErrProviderCapacity) {
		t.Errorf("SubmitJob() error = %v, want ErrProviderCapacity", err)
	}
}

func TestFailedPodMessage(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := newTestClient(t, srv.URL)
	ref, err := c.SubmitJob(context.Background(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	api.update(ref, func(p *pod) {
		p.DesiredStatus = podExited
		p.LastStatusChange = "Exited with error: CUDA out of memory"
	})
	report := status(t, c, ref)
	if report.Status != models.StatusFailed || report.Message != "pod exited: Exited with error: CUDA out of memory" {
		t.Errorf("report = %+v", report)
	}
}

func TestStatusFallsBackToLastKnown(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()
	ref, err := c.SubmitJob(ctx, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	api.update(ref, func(p *pod) { p.Runtime = &podRuntime{UptimeInSeconds: 10} })
	status(t, c, ref)

	api.setDown(true)
	report, err := c.GetJobStatus(ctx, ref)
	if err != nil {
		t.Fatalf("GetJobStatus() error = %v, want cached report", err)
	}
	if !report.Stale || report.Status != models.StatusRunning {
		t.Errorf("report = %+v, want stale running", report)
	}
	if _, err := c.GetJobStatus(ctx, "unknown"); !errors.Is(err, models.ErrNetwork) {
		t.Errorf("uncached GetJobStatus() error = %v, want ErrNetwork", err)
	}
}

func TestPodStatus(t *testing.T) {
	running := &podRuntime{UptimeInSeconds: 5}
	tests := []struct {
		name string
		pod  pod
		st   podState
		want models.Status
	}{
		{"booting", pod{DesiredStatus: podRunning}, podState{}, models.StatusQueued},
		{"running", pod{DesiredStatus: podRunning, Runtime: running}, podState{}, models.StatusRunning},
		{"stopped by pause", pod{DesiredStatus: podExited}, podState{paused: true}, models.StatusPaused},
		{"exited cleanly", pod{DesiredStatus: podExited}, podState{}, models.StatusCompleted},
		{"exited with error", pod{DesiredStatus: podExited, LastStatusChange: "Exited with ERROR"}, podState{}, models.StatusFailed},
		{"terminated by cancel", pod{DesiredStatus: podTerminated}, podState{cancelled: true}, models.StatusStopped},
		{"terminated externally", pod{DesiredStatus: podTerminated}, podState{}, models.StatusFailed},
		{"unknown", pod{DesiredStatus: "CREATED"}, podState{}, models.StatusQueued},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := podStatus(tt.pod, &tt.st); got != tt.want {
				t.Errorf("podStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestUploadWithoutStore(t *testing.T) {
	_, srv := newFakeAPI(t)
	c := newTestClient(t, srv.URL)
	if _, err := c.UploadArtifact(context.Background(), "/tmp/adapter.bin", nil); !errors.Is(err, models.ErrUpload) {
		t.Errorf("UploadArtifact() error = %v, want ErrUpload", err)
	}
}
