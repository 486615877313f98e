package config

import (
	"time"
)

// TrainingRun represents a training run in the database
type TrainingRun struct {
	JobID         string `gorm:"primaryKey"`
	Provider      string `gorm:"index"`
	ProviderJobID string
	Tracker       string
	TrackerRunID  string
	BaseModel     string `gorm:"index"`      // copied out of the config for model-name filtering
	ConfigPayload string `gorm:"type:jsonb"` // full TrainingConfig as JSON
	Status        string `gorm:"index"`
	CurrentStep   int64
	TotalSteps    int64
	CurrentEpoch  int
	CurrentLoss   float64
	StartedAt     *time.Time `gorm:"index"`
	PausedAt      *time.Time
	CompletedAt   *time.Time
	PausedNanos   int64
	ResourceUsage string `gorm:"type:jsonb"`
	Checkpoint    string `gorm:"type:jsonb"`
	ArtifactPath  string
	ArtifactHash  string
	ErrorMessage  string `gorm:"type:text"`
	Version       int64
	CreatedAt     time.Time `gorm:"index;autoCreateTime:false"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

// TableName overrides the table name
func (TrainingRun) TableName() string {
	return "training_runs"
}
