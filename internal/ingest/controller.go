// Package ingest turns shard completion callbacks into job progress and
// decides when a job is ready for analysis.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/shard-reports/internal/domain"
	"github.com/cuongbtq/shard-reports/internal/metrics"
)

// JobStore applies shard deliveries atomically per job
type JobStore interface {
	RecordShardOutcome(ctx context.Context, jobID string, index int, outcome domain.ShardOutcome) (domain.Progress, error)
	FailJob(ctx context.Context, jobID, reason string) (bool, error)
}

// AnalysisScheduler hands a job to the analysis phase without waiting for it
type AnalysisScheduler interface {
	ScheduleAnalysis(ctx context.Context, jobID string) error
}

// Controller is the single entry point for shard completion and failure signals
type Controller struct {
	store     JobStore
	scheduler AnalysisScheduler
	logger    *slog.Logger
}

// NewController creates a new Controller instance
func NewController(store JobStore, scheduler AnalysisScheduler, logger *slog.Logger) *Controller {
	return &Controller{
		store:     store,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Ingest records one shard outcome. Redelivery of a shard that already
// reported returns the current progress without changing anything. When this
// delivery completes the last shard, analysis is scheduled exactly once.
//
// A failure to schedule is logged and not returned: the shard update is
// already committed and the watchdog re-enqueues jobs stuck in scraped.
func (c *Controller) Ingest(ctx context.Context, jobID string, index int, outcome domain.ShardOutcome) (domain.Progress, error) {
	if strings.TrimSpace(jobID) == "" {
		metrics.ObserveWebhookDelivery(metrics.OutcomeRejected)
		return domain.Progress{}, domain.NewValidationError("jobId", "is required")
	}

	progress, err := c.store.RecordShardOutcome(ctx, jobID, index, outcome)
	if err != nil {
		metrics.ObserveWebhookDelivery(deliveryOutcome(err))
		c.logger.Warn("Shard delivery rejected",
			slog.String("job_id", jobID),
			slog.Int("shard_index", index),
			slog.String("error", err.Error()),
		)
		return domain.Progress{}, err
	}

	if progress.Duplicate {
		metrics.ObserveWebhookDelivery(metrics.OutcomeDuplicate)
		c.logger.Debug("Duplicate shard delivery ignored",
			slog.String("job_id", jobID),
			slog.Int("shard_index", index),
		)
		return progress, nil
	}

	metrics.ObserveWebhookDelivery(metrics.OutcomeAccepted)
	c.logger.Info("Shard outcome recorded",
		slog.String("job_id", jobID),
		slog.Int("shard_index", index),
		slog.Bool("succeeded", outcome.Succeeded),
		slog.Int("completed_count", progress.CompletedCount),
		slog.Int("total_shards", progress.TotalShards),
	)

	if progress.ShouldTriggerAnalysis {
		metrics.ObserveAnalysisTriggered()
		if err := c.scheduler.ScheduleAnalysis(ctx, jobID); err != nil {
			c.logger.Error("Failed to schedule analysis",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		} else {
			c.logger.Info("Analysis scheduled", slog.String("job_id", jobID))
		}
	}

	return progress, nil
}

// FailJob moves the whole job to failed. It is used when a failure signal
// cannot be attributed to a shard.
func (c *Controller) FailJob(ctx context.Context, jobID, reason string) error {
	if strings.TrimSpace(jobID) == "" {
		return domain.NewValidationError("jobId", "is required")
	}

	failed, err := c.store.FailJob(ctx, jobID, reason)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	if failed {
		metrics.ObserveJobFinished(string(domain.JobStatusFailed))
		c.logger.Warn("Job failed by callback",
			slog.String("job_id", jobID),
			slog.String("reason", reason),
		)
	}
	return nil
}

func deliveryOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotDistributedJob):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}
