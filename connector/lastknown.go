package connector

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

// LastKnown caches the latest status report per ref so a transient provider failure
// can be answered from cache.
type LastKnown struct {
	mu      sync.RWMutex
	reports map[string]models.StatusReport
}

func NewLastKnown() *LastKnown {
	return &LastKnown{reports: make(map[string]models.StatusReport)}
}

func (c *LastKnown) Store(ref string, report models.StatusReport) {
	report.Resources = report.Resources.Clone()
	c.mu.Lock()
	c.reports[ref] = report
	c.mu.Unlock()
}

func (c *LastKnown) Get(ref string) (models.StatusReport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.reports[ref]
	if ok {
		r.Resources = r.Resources.Clone()
	}
	return r, ok
}

func (c *LastKnown) Forget(ref string) {
	c.mu.Lock()
	delete(c.reports, ref)
	c.mu.Unlock()
}

// Fallback answers a failed status call. Transient errors with a cached report
// yield that report marked stale; everything else is returned unchanged.
func (c *LastKnown) Fallback(ref string, err error, log *logrus.Entry) (models.StatusReport, error) {
	if !models.IsTransient(err) {
		return models.StatusReport{}, err
	}
	r, ok := c.Get(ref)
	if !ok {
		return models.StatusReport{}, err
	}
	log.WithField("ref", ref).Warnf("Status check failed, serving last known status %s: %v", r.Status, err)
	r.Stale = true
	return r, nil
}
