// Package memory provides in-process implementations of the job and quota
// stores for local runs and tests. State is lost on restart.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/shard-reports/internal/domain"
	"github.com/cuongbtq/shard-reports/internal/storage"
)

type jobEntry struct {
	mu  sync.Mutex
	job *domain.Job
}

// JobStore keeps jobs in a map guarded by one lock per job
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*jobEntry
	now  func() time.Time
}

// NewJobStore creates an empty JobStore
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]*jobEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *JobStore) entry(jobID string) (*jobEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return e, nil
}

// CreateJob stores a copy of job
func (s *JobStore) CreateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.JobID]; ok {
		return fmt.Errorf("failed to create job: job %s already exists", job.JobID)
	}
	s.jobs[job.JobID] = &jobEntry{job: job.Clone()}
	return nil
}

// GetJob returns a copy of the stored job
func (s *JobStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	e, err := s.entry(jobID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// RecordShardOutcome applies a shard delivery under the job's lock. A
// rejected delivery leaves the stored job untouched.
func (s *JobStore) RecordShardOutcome(_ context.Context, jobID string, index int, outcome domain.ShardOutcome) (domain.Progress, error) {
	e, err := s.entry(jobID)
	if err != nil {
		return domain.Progress{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.job.Clone()
	progress, err := working.RecordShardOutcome(index, outcome, s.now())
	if err != nil {
		return domain.Progress{}, err
	}
	if !progress.Duplicate {
		e.job = working
	}
	return progress, nil
}

// TransitionStatus moves the job from one status to another if it is still in from
func (s *JobStore) TransitionStatus(_ context.Context, jobID string, from, to domain.JobStatus) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	e, err := s.entry(jobID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status != from {
		return false, nil
	}
	if err := e.job.Transition(to, s.now()); err != nil {
		return false, err
	}
	return true, nil
}

// CompleteJob stores the report if the job is merging
func (s *JobStore) CompleteJob(_ context.Context, jobID string, report json.RawMessage) (bool, error) {
	if !domain.ValidReport(report) {
		return false, domain.NewValidationError("report", "completed jobs require a JSON object report")
	}

	e, err := s.entry(jobID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status != domain.JobStatusMerging {
		return false, nil
	}
	if err := e.job.Complete(append(json.RawMessage(nil), report...), s.now()); err != nil {
		return false, err
	}
	return true, nil
}

// FailJob fails a non-terminal job
func (s *JobStore) FailJob(_ context.Context, jobID, reason string) (bool, error) {
	e, err := s.entry(jobID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status.IsTerminal() {
		return false, nil
	}
	if err := e.job.Fail(reason, s.now()); err != nil {
		return false, err
	}
	return true, nil
}

// CountCompletedReports counts the user's jobs that finished with a report
func (s *JobStore) CountCompletedReports(_ context.Context, userID string) (int, error) {
	count := 0
	for _, job := range s.snapshot() {
		if job.UserID == userID && job.HasReport() {
			count++
		}
	}
	return count, nil
}

// ListJobs mirrors the keyset pagination of the database store
func (s *JobStore) ListJobs(_ context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	jobs := s.snapshot()
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].JobID > jobs[j].JobID
	})

	out := make([]*domain.Job, 0, filter.PageSize+1)
	for _, job := range jobs {
		if filter.UserID != "" && job.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil {
			before := job.CreatedAt.Before(c.CreatedAt) ||
				(job.CreatedAt.Equal(c.CreatedAt) && job.JobID < c.JobID)
			if !before {
				continue
			}
		}
		job.Shards = nil
		out = append(out, job)
		if len(out) == filter.PageSize+1 {
			break
		}
	}
	return out, nil
}

// ListStaleJobs returns jobs in one of statuses last updated before cutoff
func (s *JobStore) ListStaleJobs(_ context.Context, statuses []domain.JobStatus, cutoff time.Time, limit int) ([]*domain.Job, error) {
	wanted := make(map[domain.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	var out []*domain.Job
	for _, job := range s.snapshot() {
		if wanted[job.Status] && job.UpdatedAt.Before(cutoff) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TouchJob bumps the job's update time
func (s *JobStore) TouchJob(_ context.Context, jobID string) error {
	e, err := s.entry(jobID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.job.UpdatedAt = s.now()
	return nil
}

func (s *JobStore) snapshot() []*domain.Job {
	s.mu.RLock()
	entries := make([]*jobEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	jobs := make([]*domain.Job, len(entries))
	for i, e := range entries {
		e.mu.Lock()
		jobs[i] = e.job.Clone()
		e.mu.Unlock()
	}
	return jobs
}
