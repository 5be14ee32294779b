// Package reports admits new report jobs and serves job state to users.
package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/shard-reports/internal/domain"
	"github.com/cuongbtq/shard-reports/internal/metrics"
	"github.com/cuongbtq/shard-reports/internal/storage"
	"github.com/google/uuid"
)

const (
	// DefaultPageSize is used when a list request does not set one
	DefaultPageSize = 20

	// MaxPageSize caps list requests
	MaxPageSize = 100
)

// JobStore is the job persistence used by the service
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error)
	TransitionStatus(ctx context.Context, jobID string, from, to domain.JobStatus) (bool, error)
	FailJob(ctx context.Context, jobID, reason string) (bool, error)
}

// Gate decides whether a user may start another report
type Gate interface {
	CanCreateReport(ctx context.Context, userID string, isPaidUser bool) (domain.ReportEligibility, error)
}

// Dispatcher hands the shards of a new job to the scraping provider
type Dispatcher interface {
	Dispatch(ctx context.Context, job *domain.Job) error
}

// CreateInput is a report request
type CreateInput struct {
	UserID     string
	IsPaidUser bool
	Prompt     string
	Market     string
}

// ListInput selects a page of a user's jobs
type ListInput struct {
	UserID   string
	Status   domain.JobStatus
	PageSize int
	Cursor   *storage.JobCursor
}

// Service creates report jobs and reads them back
type Service struct {
	store       JobStore
	gate        Gate
	dispatcher  Dispatcher
	totalShards int
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a new Service instance
func NewService(store JobStore, gate Gate, dispatcher Dispatcher, totalShards int, logger *slog.Logger) *Service {
	if totalShards <= 0 {
		totalShards = domain.DefaultTotalShards
	}
	return &Service{
		store:       store,
		gate:        gate,
		dispatcher:  dispatcher,
		totalShards: totalShards,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// QuotaExceededError carries the eligibility that rejected a request
type QuotaExceededError struct {
	Eligibility domain.ReportEligibility
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s: %d of %d reports used", domain.ErrQuotaExceeded, e.Eligibility.ReportsUsed, e.Eligibility.ReportsLimit)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == domain.ErrQuotaExceeded
}

// Create admits a report request: it checks the quota, stores the job with
// every shard dispatched, and publishes the shard tasks. If dispatching
// fails the job is failed and a *domain.JobFailure is returned with it.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Job, error) {
	in.Prompt = strings.TrimSpace(in.Prompt)
	in.Market = strings.TrimSpace(in.Market)
	if in.UserID == "" {
		return nil, domain.NewValidationError("user_id", "is required")
	}
	if in.Prompt == "" {
		return nil, domain.NewValidationError("prompt", "is required")
	}

	eligibility, err := s.gate.CanCreateReport(ctx, in.UserID, in.IsPaidUser)
	if err != nil {
		return nil, fmt.Errorf("failed to check report quota: %w", err)
	}
	if !eligibility.CanCreate {
		return nil, &QuotaExceededError{Eligibility: eligibility}
	}

	job := domain.NewJob(uuid.New().String(), in.UserID, in.Prompt, in.Market, s.totalShards, s.now())
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		failure := &domain.JobFailure{Reason: err.Error()}
		if _, failErr := s.store.FailJob(context.WithoutCancel(ctx), job.JobID, failure.Reason); failErr != nil {
			s.logger.Error("Failed to mark undispatched job as failed",
				slog.String("job_id", job.JobID),
				slog.String("error", failErr.Error()),
			)
		} else {
			metrics.ObserveJobFinished(string(domain.JobStatusFailed))
		}
		_ = job.Fail(failure.Reason, s.now())
		return job, failure
	}

	// A fast provider may already have moved the job past pending.
	if _, err := s.store.TransitionStatus(ctx, job.JobID, domain.JobStatusPending, domain.JobStatusScraping); err != nil {
		s.logger.Warn("Failed to mark job as scraping",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("Report job created",
		slog.String("job_id", job.JobID),
		slog.String("user_id", in.UserID),
		slog.Int("total_shards", job.TotalShards),
	)

	return s.store.GetJob(ctx, job.JobID)
}

// Get returns a job. A job owned by another user is reported as not found.
func (s *Service) Get(ctx context.Context, userID, jobID string) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.NewValidationError("job_id", "must be a valid UUID")
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if userID != "" && job.UserID != userID {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

// List returns one page of the user's jobs, newest first, and whether
// another page follows.
func (s *Service) List(ctx context.Context, in ListInput) ([]*domain.Job, bool, error) {
	if in.UserID == "" {
		return nil, false, domain.NewValidationError("user_id", "is required")
	}
	if in.Status != "" && !in.Status.IsValid() {
		return nil, false, domain.NewValidationError("status", fmt.Sprintf("unknown status %q", in.Status))
	}
	if in.PageSize <= 0 {
		in.PageSize = DefaultPageSize
	}
	if in.PageSize > MaxPageSize {
		in.PageSize = MaxPageSize
	}

	jobs, err := s.store.ListJobs(ctx, storage.JobFilter{
		UserID:   in.UserID,
		Status:   in.Status,
		PageSize: in.PageSize,
		Cursor:   in.Cursor,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to list jobs: %w", err)
	}

	hasMore := len(jobs) > in.PageSize
	if hasMore {
		jobs = jobs[:in.PageSize]
	}
	return jobs, hasMore, nil
}

// IsQuotaExceeded extracts the rejecting eligibility from err
func IsQuotaExceeded(err error) (domain.ReportEligibility, bool) {
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return qe.Eligibility, true
	}
	return domain.ReportEligibility{}, false
}
