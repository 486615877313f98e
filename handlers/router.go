package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/loiht2/ml-platform-finetune-orchestrator/middleware"
)

type RouterOptions struct {
	CORSOrigins []string
	RequireUser bool
	// Gatherer backs /metrics; nil leaves the endpoint out
	Gatherer prometheus.Gatherer
	Log      *logrus.Entry
}

// NewRouter wires the middleware chain and every API route
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	if opts.Log == nil {
		opts.Log = logrus.WithField("component", "api")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	// Enable CORS (must be first)
	router.Use(middleware.CORSMiddleware(opts.CORSOrigins))

	router.GET("/health", h.Health)
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	api.Use(middleware.IdentityMiddleware(opts.RequireUser))
	api.Use(middleware.RequestLogger(opts.Log))
	{
		jobs := api.Group("/jobs")
		{
			jobs.POST("", h.SubmitJob)
			jobs.GET("", h.ListActiveJobs)
			jobs.GET("/history", h.GetJobHistory)
			jobs.GET("/stats", h.GetStats)
			jobs.GET("/:id", h.GetJob)
			jobs.DELETE("/:id", h.CleanupJob)
			jobs.POST("/:id/pause", h.PauseJob)
			jobs.POST("/:id/resume", h.ResumeJob)
			jobs.POST("/:id/cancel", h.CancelJob)
			jobs.POST("/:id/metrics", h.LogMetrics)
			jobs.POST("/:id/artifacts", h.UploadArtifact)
		}
	}
	return router
}
