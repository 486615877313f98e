package models

import "errors"

// Err is a sentinel error. Callers wrap it with fmt.Errorf("...: %w") and test with errors.Is.
type Err string

func (e Err) Error() string { return string(e) }

// Provider-facing taxonomy
var (
	ErrAuthentication   = Err("authentication with provider failed")
	ErrNetwork          = Err("provider unreachable")
	ErrProviderCapacity = Err("provider rejected the job: capacity or quota exhausted")
	ErrInvalidConfig    = Err("invalid training configuration")
	ErrUpload           = Err("artifact upload failed")
	ErrFileNotFound     = Err("artifact file not found")
	ErrResumeTimeout    = Err("job did not resume before the timeout")
	ErrStoreUnavailable = Err("persistent store unavailable")
)

// Orchestration errors
var (
	ErrJobNotFound       = Err("job not found")
	ErrIllegalTransition = Err("illegal state transition")
	ErrJobTerminal       = Err("job is in a terminal state")
	ErrJobNotTerminal    = Err("job is not in a terminal state")
	ErrJobNotCompleted   = Err("job has not completed")
	ErrCheckpointCapture = Err("checkpoint capture failed")
	ErrUnknownProvider   = Err("unknown provider")
	ErrBatcherClosed     = Err("metric batcher closed")
	ErrResumeAborted     = Err("resume aborted by cancel request")
)

// ValidationError describes which field of a TrainingConfig was rejected
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid training configuration: " + e.Field + " " + e.Reason
}

func (e *ValidationError) Unwrap() error { return ErrInvalidConfig }

// IsTransient reports whether a retry may succeed
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// taxonomy is ordered from most to least specific
var taxonomy = []struct {
	err  Err
	code string
}{
	{ErrFileNotFound, "file_not_found"},
	{ErrUpload, "upload_failed"},
	{ErrResumeTimeout, "resume_timeout"},
	{ErrAuthentication, "authentication_failed"},
	{ErrProviderCapacity, "provider_capacity"},
	{ErrInvalidConfig, "invalid_config"},
	{ErrStoreUnavailable, "store_unavailable"},
	{ErrJobNotFound, "job_not_found"},
	{ErrIllegalTransition, "illegal_transition"},
	{ErrJobTerminal, "job_terminal"},
	{ErrJobNotTerminal, "job_not_terminal"},
	{ErrJobNotCompleted, "job_not_completed"},
	{ErrCheckpointCapture, "checkpoint_failed"},
	{ErrUnknownProvider, "unknown_provider"},
	{ErrBatcherClosed, "shutting_down"},
	{ErrResumeAborted, "resume_aborted"},
	{ErrNetwork, "provider_unreachable"},
}

// Classify maps err onto the taxonomy. The returned message is safe to show to API
// callers; it never contains the raw provider error.
func Classify(err error) (code string, message string, ok bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return "invalid_config", verr.Error(), true
	}
	for _, t := range taxonomy {
		if errors.Is(err, t.err) {
			return t.code, t.err.Error(), true
		}
	}
	return "internal", "internal error", false
}
