package models

import "strings"

// Status tracks where a training job is in its lifecycle
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusPaused,
	StatusCompleted,
	StatusFailed,
	StatusStopped,
}

// TerminalStatuses are the states a job never leaves
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusStopped}

// IsTerminal reports whether no further transitions are permitted
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus accepts any casing ("COMPLETED", "Completed")
func ParseStatus(v string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	return s, s.Valid()
}
