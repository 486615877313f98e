package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/loiht2/ml-platform-finetune-orchestrator/batcher"
	"github.com/loiht2/ml-platform-finetune-orchestrator/config"
	"github.com/loiht2/ml-platform-finetune-orchestrator/connector"
	"github.com/loiht2/ml-platform-finetune-orchestrator/handlers"
	"github.com/loiht2/ml-platform-finetune-orchestrator/manager"
	"github.com/loiht2/ml-platform-finetune-orchestrator/metrics"
	"github.com/loiht2/ml-platform-finetune-orchestrator/monitor"
	"github.com/loiht2/ml-platform-finetune-orchestrator/repository"
)

var configPath string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the orchestrator YAML config. Defaults are used when empty.")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the orchestrator API server.",
	Long: `The 'serve' command connects every configured provider, restores jobs that
were in flight when the server last stopped and serves the job API until it
receives SIGINT or SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := config.SetupLogging(cfg.Log); err != nil {
		return err
	}
	if logrus.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec, err := metrics.NewRecorder(promReg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	reg := connector.NewRegistry(batcher.Options{
		MaxBatch:      cfg.Batcher.MaxBatch,
		FlushInterval: cfg.Batcher.FlushInterval,
		SendTimeout:   cfg.Batcher.SendTimeout,
		Log:           logrus.WithField("component", "batcher"),
	})
	reg.OnFlush(rec.MetricFlush)

	creds, err := registerProviders(ctx, reg, cfg.Providers)
	if err != nil {
		return err
	}
	if len(cfg.Providers) == 0 {
		logrus.Warn("No providers configured, every submission will be rejected")
	}

	store, err := openStore(cfg.Database)
	if err != nil {
		return err
	}

	mgr := manager.New(reg, store, manager.Options{
		SyncEvery:          cfg.Orchestrator.SyncEvery,
		PollConcurrency:    cfg.Orchestrator.PollConcurrency,
		PollTimeout:        cfg.Orchestrator.PollTimeout,
		MaxPollFailures:    cfg.Orchestrator.MaxPollFailures,
		ResumeTimeout:      cfg.Orchestrator.ResumeTimeout,
		ResumePollInterval: cfg.Orchestrator.ResumePollInterval,
		Log:                logrus.WithField("component", "manager"),
		Recorder:           rec,
	})

	if err := reg.ConnectAll(ctx, creds); err != nil {
		return fmt.Errorf("failed to connect providers: %w", err)
	}
	restored, err := mgr.Recover(ctx)
	if err != nil {
		logrus.Warnf("Starting without recovered jobs: %v", err)
	} else if restored > 0 {
		logrus.Infof("Recovered %d unfinished jobs", restored)
	}

	jobMonitor := monitor.NewJobMonitor(mgr, cfg.Orchestrator.PollInterval, cfg.Orchestrator.ReconcileInterval)
	jobMonitor.Start(context.WithoutCancel(ctx))

	router := handlers.NewRouter(handlers.NewHandler(mgr, handlers.DefaultRequestTimeout), handlers.RouterOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
		RequireUser: cfg.Server.RequireUser,
		Gatherer:    promReg,
		Log:         logrus.WithField("component", "api"),
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logrus.Infof("Starting server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		jobMonitor.Stop()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("Server forced to shutdown: %v", err)
	}
	jobMonitor.Stop()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("Shutdown incomplete: %v", err)
	}
	if err := store.Close(); err != nil {
		logrus.Warnf("Failed to close run store: %v", err)
	}
	logrus.Info("Server stopped gracefully")
	return nil
}

// openStore uses Postgres when a database URL is configured and keeps run history
// in memory otherwise
func openStore(cfg config.DatabaseConfig) (repository.RunStore, error) {
	if cfg.URL == "" {
		logrus.Warn("No database configured, run history will not survive a restart")
		return repository.NewMemoryStore(), nil
	}
	db, err := config.OpenDatabase(cfg)
	if err != nil {
		return nil, err
	}
	return repository.NewGormStore(db), nil
}
