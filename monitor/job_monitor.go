package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval      = 10 * time.Second
	DefaultReconcileInterval = 30 * time.Second
)

// Orchestrator is the part of the manager the monitor drives
type Orchestrator interface {
	PollAll(ctx context.Context)
	Reconcile(ctx context.Context) error
}

// JobMonitor polls active jobs and reconciles them with the run store on fixed intervals
type JobMonitor struct {
	orch              Orchestrator
	pollInterval      time.Duration
	reconcileInterval time.Duration
	log               *logrus.Entry

	cancel   context.CancelFunc
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewJobMonitor creates a new job monitor. Zero intervals use the defaults.
func NewJobMonitor(orch Orchestrator, pollInterval, reconcileInterval time.Duration) *JobMonitor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if reconcileInterval <= 0 {
		reconcileInterval = DefaultReconcileInterval
	}
	return &JobMonitor{
		orch:              orch,
		pollInterval:      pollInterval,
		reconcileInterval: reconcileInterval,
		log:               logrus.WithField("component", "job-monitor"),
		stopChan:          make(chan struct{}),
	}
}

// Start launches the polling and reconcile loops
func (m *JobMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go m.loop(ctx, m.pollInterval, m.orch.PollAll)
	go m.loop(ctx, m.reconcileInterval, func(ctx context.Context) {
		if err := m.orch.Reconcile(ctx); err != nil {
			m.log.Warnf("Reconcile incomplete: %v", err)
		}
	})
	m.log.Infof("Job monitor started - polling every %s, reconciling every %s", m.pollInterval, m.reconcileInterval)
}

// Stop stops the job monitor gracefully, waiting for an in-flight cycle to finish
func (m *JobMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		if m.cancel != nil {
			m.cancel()
		}
	})
	m.wg.Wait()
	m.log.Info("Job monitor stopped")
}

func (m *JobMonitor) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}
