package models

import (
	"strings"
	"time"
)

// RunFilter selects persisted runs. Non-empty fields are combined with AND.
type RunFilter struct {
	Statuses  []Status   `json:"statuses,omitempty"`
	Providers []string   `json:"providers,omitempty"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
	ModelName string     `json:"modelName,omitempty"` // case-insensitive substring of the base model
	JobIDs    []string   `json:"jobIds,omitempty"`
}

// Matches applies the filter to a single run
func (f RunFilter) Matches(r Run) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, r.Status) {
		return false
	}
	if len(f.Providers) > 0 && !containsString(f.Providers, r.Provider) {
		return false
	}
	if len(f.JobIDs) > 0 && !containsString(f.JobIDs, r.JobID) {
		return false
	}
	at := r.SortTime()
	if f.From != nil && at.Before(*f.From) {
		return false
	}
	if f.To != nil && at.After(*f.To) {
		return false
	}
	if f.ModelName != "" && !strings.Contains(strings.ToLower(r.Config.BaseModel), strings.ToLower(f.ModelName)) {
		return false
	}
	return true
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
