package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/loiht2/ml-platform-finetune-orchestrator/config"
	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

// GormStore handles database operations for training runs
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new store over an opened database
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Upsert writes the run unless the stored record already carries a newer version
func (s *GormStore) Upsert(ctx context.Context, run models.Run) error {
	rec, err := toRecord(run)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Clauses(upsertClause()).Create(&rec).Error; err != nil {
		return unavailable("upserting run "+run.JobID, err)
	}
	return nil
}

// upsertClause replaces every column on conflict, but only with a version at least
// as new as the stored one
func upsertClause() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		UpdateAll: true,
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "training_runs.version <= excluded.version"},
		}},
	}
}

// Get retrieves a run by job id
func (s *GormStore) Get(ctx context.Context, jobID string) (models.Run, error) {
	var rec config.TrainingRun
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Run{}, fmt.Errorf("run %s: %w", jobID, models.ErrJobNotFound)
	}
	if err != nil {
		return models.Run{}, unavailable("loading run "+jobID, err)
	}
	return fromRecord(rec)
}

// Query lists runs matching the filter, newest first
func (s *GormStore) Query(ctx context.Context, filter models.RunFilter, limit, offset int) (models.HistoryPage, error) {
	page := models.HistoryPage{Limit: limit, Offset: offset, Runs: []models.Run{}}

	if err := s.filtered(s.db.WithContext(ctx), filter).Model(&config.TrainingRun{}).Count(&page.Total).Error; err != nil {
		return page, unavailable("counting runs", err)
	}

	var recs []config.TrainingRun
	query := s.filtered(s.db.WithContext(ctx), filter).
		Order("COALESCE(started_at, created_at) DESC").
		Order("job_id").
		Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&recs).Error; err != nil {
		return page, unavailable("querying runs", err)
	}

	for _, rec := range recs {
		run, err := fromRecord(rec)
		if err != nil {
			return page, err
		}
		page.Runs = append(page.Runs, run)
	}
	return page, nil
}

// ListActive lists all runs that are not in a terminal state
func (s *GormStore) ListActive(ctx context.Context) ([]models.Run, error) {
	var recs []config.TrainingRun
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", statusStrings(models.TerminalStatuses)).
		Order("created_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, unavailable("listing active runs", err)
	}
	runs := make([]models.Run, 0, len(recs))
	for _, rec := range recs {
		run, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Close closes the database connection
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) filtered(tx *gorm.DB, f models.RunFilter) *gorm.DB {
	if len(f.Statuses) > 0 {
		tx = tx.Where("status IN ?", statusStrings(f.Statuses))
	}
	if len(f.Providers) > 0 {
		tx = tx.Where("provider IN ?", f.Providers)
	}
	if len(f.JobIDs) > 0 {
		tx = tx.Where("job_id IN ?", f.JobIDs)
	}
	if f.From != nil {
		tx = tx.Where("COALESCE(started_at, created_at) >= ?", *f.From)
	}
	if f.To != nil {
		tx = tx.Where("COALESCE(started_at, created_at) <= ?", *f.To)
	}
	if f.ModelName != "" {
		tx = tx.Where(`LOWER(base_model) LIKE ? ESCAPE '\'`, "%"+escapeLike(strings.ToLower(f.ModelName))+"%")
	}
	return tx
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, models.ErrStoreUnavailable)
}

func toRecord(run models.Run) (config.TrainingRun, error) {
	cfgJSON, err := json.Marshal(run.Config)
	if err != nil {
		return config.TrainingRun{}, fmt.Errorf("failed to marshal config: %w", err)
	}
	usage, err := toJSON(run.ResourceUsage)
	if err != nil {
		return config.TrainingRun{}, fmt.Errorf("failed to marshal resource usage: %w", err)
	}
	cp, err := toJSON(run.Checkpoint)
	if err != nil {
		return config.TrainingRun{}, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	return config.TrainingRun{
		JobID:         run.JobID,
		Provider:      run.Provider,
		ProviderJobID: run.ProviderJobID,
		Tracker:       run.Tracker,
		TrackerRunID:  run.TrackerRunID,
		BaseModel:     run.Config.BaseModel,
		ConfigPayload: string(cfgJSON),
		Status:        string(run.Status),
		CurrentStep:   run.CurrentStep,
		TotalSteps:    run.TotalSteps,
		CurrentEpoch:  run.CurrentEpoch,
		CurrentLoss:   run.CurrentLoss,
		StartedAt:     run.StartedAt,
		PausedAt:      run.PausedAt,
		CompletedAt:   run.CompletedAt,
		PausedNanos:   int64(run.PausedDuration),
		ResourceUsage: usage,
		Checkpoint:    cp,
		ArtifactPath:  run.ArtifactPath,
		ArtifactHash:  run.ArtifactHash,
		ErrorMessage:  run.ErrorMessage,
		Version:       run.Version,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
	}, nil
}

func fromRecord(rec config.TrainingRun) (models.Run, error) {
	run := models.Run{
		JobID:          rec.JobID,
		Provider:       rec.Provider,
		ProviderJobID:  rec.ProviderJobID,
		Tracker:        rec.Tracker,
		TrackerRunID:   rec.TrackerRunID,
		Status:         models.Status(rec.Status),
		CurrentStep:    rec.CurrentStep,
		TotalSteps:     rec.TotalSteps,
		CurrentEpoch:   rec.CurrentEpoch,
		CurrentLoss:    rec.CurrentLoss,
		StartedAt:      utc(rec.StartedAt),
		PausedAt:       utc(rec.PausedAt),
		CompletedAt:    utc(rec.CompletedAt),
		PausedDuration: time.Duration(rec.PausedNanos),
		ArtifactPath:   rec.ArtifactPath,
		ArtifactHash:   rec.ArtifactHash,
		ErrorMessage:   rec.ErrorMessage,
		Version:        rec.Version,
		CreatedAt:      rec.CreatedAt.UTC(),
		UpdatedAt:      rec.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(rec.ConfigPayload), &run.Config); err != nil {
		return models.Run{}, fmt.Errorf("failed to unmarshal config of run %s: %w", rec.JobID, err)
	}
	if err := fromJSON(rec.ResourceUsage, &run.ResourceUsage); err != nil {
		return models.Run{}, fmt.Errorf("failed to unmarshal resource usage of run %s: %w", rec.JobID, err)
	}
	if err := fromJSON(rec.Checkpoint, &run.Checkpoint); err != nil {
		return models.Run{}, fmt.Errorf("failed to unmarshal checkpoint of run %s: %w", rec.JobID, err)
	}
	return run, nil
}

// toJSON stores nil pointers as JSON null so the jsonb column stays valid
func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func fromJSON[T any](s string, out **T) error {
	if s == "" || s == "null" {
		*out = nil
		return nil
	}
	var v T
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return err
	}
	*out = &v
	return nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
