package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loiht2/ml-platform-finetune-orchestrator/middleware"
	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

const DefaultRequestTimeout = 30 * time.Second

// Orchestrator is the part of the run manager the API exposes
type Orchestrator interface {
	Submit(ctx context.Context, cfg models.TrainingConfig) (models.Run, error)
	GetActiveRuns(ctx context.Context) []models.Run
	GetRunHistory(ctx context.Context, filter models.RunFilter, limit, offset int) (models.HistoryPage, error)
	GetConcurrentStats() models.ConcurrentRunStats
	Details(ctx context.Context, id string) (models.Run, error)
	Pause(ctx context.Context, id string) (models.Run, error)
	Resume(ctx context.Context, id string) (models.Run, error)
	Cancel(ctx context.Context, id string) error
	Cleanup(ctx context.Context, id string) error
	LogMetrics(ctx context.Context, id string, step int64, values map[string]float64) error
	UploadArtifact(ctx context.Context, id, path string, metadata map[string]string) (models.UploadArtifactResponse, error)
	Degraded() bool
}

// Handler handles HTTP requests
type Handler struct {
	orch    Orchestrator
	timeout time.Duration
}

// NewHandler creates a new handler instance
func NewHandler(orch Orchestrator, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Handler{orch: orch, timeout: timeout}
}

func (h *Handler) context(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var statusByCode = map[string]int{
	"invalid_config":        http.StatusBadRequest,
	"unknown_provider":      http.StatusBadRequest,
	"file_not_found":        http.StatusBadRequest,
	"job_not_found":         http.StatusNotFound,
	"illegal_transition":    http.StatusConflict,
	"job_terminal":          http.StatusConflict,
	"job_not_terminal":      http.StatusConflict,
	"job_not_completed":     http.StatusConflict,
	"resume_aborted":        http.StatusConflict,
	"authentication_failed": http.StatusBadGateway,
	"provider_unreachable":  http.StatusBadGateway,
	"upload_failed":         http.StatusBadGateway,
	"checkpoint_failed":     http.StatusBadGateway,
	"provider_capacity":     http.StatusServiceUnavailable,
	"store_unavailable":     http.StatusServiceUnavailable,
	"shutting_down":         http.StatusServiceUnavailable,
	"resume_timeout":        http.StatusGatewayTimeout,
}

// respondError writes the public form of err. The raw error is only logged.
func respondError(c *gin.Context, op string, err error) {
	code, msg, known := models.Classify(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if errors.Is(err, context.DeadlineExceeded) && !known {
		status, code, msg = http.StatusGatewayTimeout, "timeout", "request timed out"
	}
	_ = c.Error(err)
	middleware.Log(c).WithField("code", code).Warnf("%s failed: %v", op, err)
	c.JSON(status, ErrorResponse{Error: msg, Code: code})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "invalid_request"})
}

// SubmitJob handles POST /api/v1/jobs
func (h *Handler) SubmitJob(c *gin.Context) {
	var cfg models.TrainingConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	ctx, cancel := h.context(c)
	defer cancel()

	run, err := h.orch.Submit(ctx, cfg)
	if err != nil {
		respondError(c, "submit", err)
		return
	}
	middleware.Log(c).WithField("job_id", run.JobID).Infof("User %s submitted %s on %s", middleware.GetUser(c), cfg.BaseModel, cfg.ComputeProvider)
	c.JSON(http.StatusCreated, models.SubmitResponse{JobID: run.JobID, Status: run.Status})
}

// ListActiveJobs handles GET /api/v1/jobs
func (h *Handler) ListActiveJobs(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()
	c.JSON(http.StatusOK, h.orch.GetActiveRuns(ctx))
}

// GetJobHistory handles GET /api/v1/jobs/history
func (h *Handler) GetJobHistory(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	ctx, cancel := h.context(c)
	defer cancel()

	page, err := h.orch.GetRunHistory(ctx, filter, limit, offset)
	if err != nil {
		respondError(c, "history", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// parseFilter reads status, provider, from, to, model and ids. List parameters
// accept repeated keys and comma separated values.
func parseFilter(c *gin.Context) (models.RunFilter, error) {
	var f models.RunFilter
	for _, v := range queryList(c, "status") {
		s, ok := models.ParseStatus(v)
		if !ok {
			return f, fmt.Errorf("unknown status %q", v)
		}
		f.Statuses = append(f.Statuses, s)
	}
	f.Providers = queryList(c, "provider")
	f.JobIDs = queryList(c, "ids")
	f.ModelName = strings.TrimSpace(c.Query("model"))

	for _, bound := range []struct {
		key string
		dst **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := c.Query(bound.key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("%s must be an RFC 3339 timestamp", bound.key)
		}
		*bound.dst = &t
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return f, fmt.Errorf("to must not be before from")
	}
	return f, nil
}

func queryList(c *gin.Context, key string) []string {
	var out []string
	for _, raw := range c.QueryArray(key) {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

// GetStats handles GET /api/v1/jobs/stats
func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.GetConcurrentStats())
}

// GetJob handles GET /api/v1/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()

	run, err := h.orch.Details(ctx, c.Param("id"))
	if err != nil {
		respondError(c, "details", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// PauseJob handles POST /api/v1/jobs/:id/pause
func (h *Handler) PauseJob(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()

	run, err := h.orch.Pause(ctx, c.Param("id"))
	if err != nil {
		respondError(c, "pause", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ResumeJob handles POST /api/v1/jobs/:id/resume
func (h *Handler) ResumeJob(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()

	run, err := h.orch.Resume(ctx, c.Param("id"))
	if err != nil {
		respondError(c, "resume", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// CancelJob handles POST /api/v1/jobs/:id/cancel
func (h *Handler) CancelJob(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := h.context(c)
	defer cancel()

	if err := h.orch.Cancel(ctx, id); err != nil {
		respondError(c, "cancel", err)
		return
	}
	middleware.Log(c).WithField("job_id", id).Infof("User %s cancelled job", middleware.GetUser(c))
	c.JSON(http.StatusOK, gin.H{"jobId": id, "message": "Training job cancelled"})
}

// CleanupJob handles DELETE /api/v1/jobs/:id
func (h *Handler) CleanupJob(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := h.context(c)
	defer cancel()

	if err := h.orch.Cleanup(ctx, id); err != nil {
		respondError(c, "cleanup", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": id, "message": "Training job cleaned up"})
}

// LogMetrics handles POST /api/v1/jobs/:id/metrics
func (h *Handler) LogMetrics(c *gin.Context) {
	var req models.LogMetricsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}
	if req.Step < 0 {
		badRequest(c, "step must not be negative")
		return
	}

	ctx, cancel := h.context(c)
	defer cancel()

	if err := h.orch.LogMetrics(ctx, c.Param("id"), req.Step, req.Metrics); err != nil {
		respondError(c, "log metrics", err)
		return
	}
	c.Status(http.StatusAccepted)
}

// UploadArtifact handles POST /api/v1/jobs/:id/artifacts
func (h *Handler) UploadArtifact(c *gin.Context) {
	var req models.UploadArtifactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	ctx, cancel := h.context(c)
	defer cancel()

	resp, err := h.orch.UploadArtifact(ctx, c.Param("id"), req.Path, req.Metadata)
	if err != nil {
		respondError(c, "upload artifact", err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// Health handles GET /health. A degraded store keeps the service up.
func (h *Handler) Health(c *gin.Context) {
	status := "healthy"
	degraded := h.orch.Degraded()
	if degraded {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        status,
		"storeDegraded": degraded,
	})
}
