package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is matched by every ValidationError
	ErrValidation = errors.New("validation error")

	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrNotDistributedJob is returned for jobs created without shard tracking
	ErrNotDistributedJob = errors.New("not a distributed job")

	// ErrInvalidTransition is returned when a status change is not allowed from the current status
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrQuotaExceeded is returned when a user has used all of their reports
	ErrQuotaExceeded = errors.New("report quota exceeded")

	// ErrLimitNotFound is returned by quota stores when a user has no limit record
	ErrLimitNotFound = errors.New("report limit not found")
)

// ValidationError describes a rejected input. It never accompanies a state change.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a new validation error for field
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// JobFailure is an unrecoverable condition affecting the whole job
type JobFailure struct {
	Reason string
}

func (e *JobFailure) Error() string {
	return "job failed: " + e.Reason
}

// NewAllShardsFailed summarizes every shard error into one job failure
func NewAllShardsFailed(shards []Shard) *JobFailure {
	parts := make([]string, 0, len(shards))
	for _, s := range shards {
		msg := s.Error
		if msg == "" {
			msg = "unknown error"
		}
		parts = append(parts, fmt.Sprintf("shard %d: %s", s.Index, msg))
	}
	return &JobFailure{
		Reason: fmt.Sprintf("all %d shards failed (%s)", len(shards), strings.Join(parts, "; ")),
	}
}

// MergeFailure wraps an error raised during the analysis or merge phase
type MergeFailure struct {
	Phase JobStatus
	Err   error
}

func (e *MergeFailure) Error() string {
	return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
}

func (e *MergeFailure) Unwrap() error {
	return e.Err
}

// RetryableError wraps transient errors that should trigger a redelivery
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err, or anything it wraps, is a RetryableError
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
