// Package analysis runs the merge phase of a job once every shard has reported.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/shard-reports/internal/domain"
	"github.com/cuongbtq/shard-reports/internal/metrics"
)

const failTimeout = 10 * time.Second

// ErrEmptyReport is returned when the merge phase produced no report object
var ErrEmptyReport = errors.New("merge produced no report")

// JobStore is the subset of job persistence the orchestrator needs. Every
// status write is a compare-and-set on the current status.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	TransitionStatus(ctx context.Context, jobID string, from, to domain.JobStatus) (bool, error)
	CompleteJob(ctx context.Context, jobID string, report json.RawMessage) (bool, error)
	FailJob(ctx context.Context, jobID, reason string) (bool, error)
}

// Orchestrator drives a triggered job through analyzing and merging
type Orchestrator struct {
	store        JobStore
	analyzer     Analyzer
	minSucceeded int
	logger       *slog.Logger
}

// NewOrchestrator creates a new Orchestrator. minSucceeded below 1 is treated as 1.
func NewOrchestrator(store JobStore, analyzer Analyzer, minSucceeded int, logger *slog.Logger) *Orchestrator {
	if minSucceeded < 1 {
		minSucceeded = 1
	}
	return &Orchestrator{
		store:        store,
		analyzer:     analyzer,
		minSucceeded: minSucceeded,
		logger:       logger,
	}
}

// Run analyzes a job whose shards are all terminal. It does nothing unless
// the job is still in scraped with analysis triggered, so repeated or
// concurrent invocations for one job produce a single outcome.
//
// Errors returned before the job is claimed are retryable; once claimed, a
// failure is recorded on the job and Run returns nil.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			o.logger.Warn("Analysis requested for unknown job", slog.String("job_id", jobID))
			return nil
		}
		return domain.NewRetryableError(fmt.Errorf("failed to load job: %w", err))
	}

	if job.Status != domain.JobStatusScraped || !job.AnalysisTriggered {
		o.logger.Debug("Job not awaiting analysis, skipping",
			slog.String("job_id", jobID),
			slog.String("status", string(job.Status)),
		)
		return nil
	}

	succeeded, failed := job.PartitionShards()
	if len(succeeded) < o.minSucceeded {
		o.failJob(ctx, jobID, o.insufficientReason(job, succeeded, failed))
		return nil
	}

	claimed, err := o.store.TransitionStatus(ctx, jobID, domain.JobStatusScraped, domain.JobStatusAnalyzing)
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}
	if !claimed {
		o.logger.Debug("Job claimed by another run", slog.String("job_id", jobID))
		return nil
	}

	o.logger.Info("Analysis started",
		slog.String("job_id", jobID),
		slog.Int("succeeded_shards", len(succeeded)),
		slog.Int("failed_shards", len(failed)),
	)

	req := NewRequest(job, succeeded)

	findings, err := o.analyzer.Analyze(ctx, req)
	if err != nil {
		o.failJob(ctx, jobID, (&domain.MergeFailure{Phase: domain.JobStatusAnalyzing, Err: err}).Error())
		return nil
	}

	moved, err := o.store.TransitionStatus(ctx, jobID, domain.JobStatusAnalyzing, domain.JobStatusMerging)
	if err != nil {
		o.failJob(ctx, jobID, fmt.Sprintf("failed to enter merging: %v", err))
		return nil
	}
	if !moved {
		o.logger.Warn("Job left analyzing during analysis", slog.String("job_id", jobID))
		return nil
	}

	report, err := o.analyzer.Merge(ctx, req, findings)
	if err == nil && !domain.ValidReport(report) {
		err = ErrEmptyReport
	}
	if err != nil {
		o.failJob(ctx, jobID, (&domain.MergeFailure{Phase: domain.JobStatusMerging, Err: err}).Error())
		return nil
	}

	completed, err := o.store.CompleteJob(ctx, jobID, report)
	if err != nil {
		o.failJob(ctx, jobID, fmt.Sprintf("failed to store report: %v", err))
		return nil
	}
	if !completed {
		o.logger.Warn("Job left merging before the report was stored", slog.String("job_id", jobID))
		return nil
	}

	metrics.ObserveJobFinished(string(domain.JobStatusCompleted))
	o.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.Int("succeeded_shards", len(succeeded)),
	)

	return nil
}

func (o *Orchestrator) insufficientReason(job *domain.Job, succeeded, failed []domain.Shard) string {
	if len(succeeded) == 0 {
		return domain.NewAllShardsFailed(failed).Reason
	}
	return fmt.Sprintf("only %d of %d shards succeeded, %d required",
		len(succeeded), job.TotalShards, o.minSucceeded)
}

// failJob records the failure even if ctx has been cancelled
func (o *Orchestrator) failJob(ctx context.Context, jobID, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
	defer cancel()

	failed, err := o.store.FailJob(ctx, jobID, reason)
	if err != nil {
		o.logger.Error("Failed to mark job as failed",
			slog.String("job_id", jobID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return
	}
	if !failed {
		return
	}

	metrics.ObserveJobFinished(string(domain.JobStatusFailed))
	o.logger.Warn("Job failed",
		slog.String("job_id", jobID),
		slog.String("reason", reason),
	)
}
