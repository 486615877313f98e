package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

// MemoryStore keeps runs in process memory. It backs deployments without a database
// and the tests.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]models.Run
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]models.Run)}
}

func (s *MemoryStore) Upsert(_ context.Context, run models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[run.JobID]; ok && existing.Version > run.Version {
		return nil
	}
	s.runs[run.JobID] = run.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[jobID]
	if !ok {
		return models.Run{}, fmt.Errorf("run %s: %w", jobID, models.ErrJobNotFound)
	}
	return run.Clone(), nil
}

func (s *MemoryStore) Query(_ context.Context, filter models.RunFilter, limit, offset int) (models.HistoryPage, error) {
	s.mu.RLock()
	var matched []models.Run
	for _, run := range s.runs {
		if filter.Matches(run) {
			matched = append(matched, run.Clone())
		}
	}
	s.mu.RUnlock()

	sortHistory(matched)
	page := models.HistoryPage{Total: int64(len(matched)), Limit: limit, Offset: offset, Runs: []models.Run{}}
	if offset >= len(matched) {
		return page, nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page.Runs = matched[offset:end]
	return page, nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Run
	for _, run := range s.runs {
		if !run.Status.IsTerminal() {
			out = append(out, run.Clone())
		}
	}
	sortHistory(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// sortHistory orders newest first; job id breaks ties so pages are stable
func sortHistory(runs []models.Run) {
	sort.Slice(runs, func(i, j int) bool {
		ti, tj := runs[i].SortTime(), runs[j].SortTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return runs[i].JobID < runs[j].JobID
	})
}
