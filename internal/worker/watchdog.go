package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/shard-reports/internal/domain"
	"github.com/cuongbtq/shard-reports/internal/metrics"
	"github.com/robfig/cron/v3"
)

// Watchdog actions
const (
	ActionRequeued       = "requeued"
	ActionFailedAnalysis = "failed_analysis"
	ActionFailedScraping = "failed_scraping"
)

// StaleJobStore is the job persistence the watchdog needs
type StaleJobStore interface {
	ListStaleJobs(ctx context.Context, statuses []domain.JobStatus, cutoff time.Time, limit int) ([]*domain.Job, error)
	TouchJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID, reason string) (bool, error)
}

// Requeuer re-enqueues an analysis trigger
type Requeuer interface {
	ScheduleAnalysis(ctx context.Context, jobID string) error
}

// Locker elects one sweeping replica per tick
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// WatchdogConfig holds the sweep thresholds. A zero timeout disables its step.
type WatchdogConfig struct {
	Schedule        string
	RequeueAfter    time.Duration
	AnalysisTimeout time.Duration
	ScrapingTimeout time.Duration
	BatchSize       int
}

// SweepResult counts what one sweep did
type SweepResult struct {
	Requeued       int
	FailedAnalysis int
	FailedScraping int
}

// Watchdog finds jobs that stopped making progress. It re-enqueues analysis
// for triggered jobs whose message was lost and fails jobs stuck in a phase
// for longer than its timeout.
type Watchdog struct {
	store    StaleJobStore
	requeuer Requeuer
	lock     Locker
	cfg      WatchdogConfig
	logger   *slog.Logger
	cron     *cron.Cron
	now      func() time.Time
}

// NewWatchdog creates a new Watchdog. lock may be nil when a single replica runs.
func NewWatchdog(store StaleJobStore, requeuer Requeuer, lock Locker, cfg WatchdogConfig, logger *slog.Logger) *Watchdog {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	return &Watchdog{
		store:    store,
		requeuer: requeuer,
		lock:     lock,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules the sweep. It returns an error for an invalid schedule.
func (w *Watchdog) Start(ctx context.Context) error {
	w.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := w.cron.AddFunc(w.cfg.Schedule, func() { w.tick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule watchdog: %w", err)
	}

	w.cron.Start()
	w.logger.Info("Watchdog started", slog.String("schedule", w.cfg.Schedule))
	return nil
}

// Stop stops scheduling and waits for a running sweep
func (w *Watchdog) Stop() {
	if w.cron == nil {
		return
	}
	<-w.cron.Stop().Done()
	w.logger.Info("Watchdog stopped")
}

func (w *Watchdog) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if w.lock != nil {
		acquired, err := w.lock.TryLock(ctx)
		if err != nil {
			w.logger.Error("Failed to acquire watchdog lock", slog.String("error", err.Error()))
			return
		}
		if !acquired {
			w.logger.Debug("Watchdog lock held by another replica")
			return
		}
		defer func() {
			if err := w.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				w.logger.Warn("Failed to release watchdog lock", slog.String("error", err.Error()))
			}
		}()
	}

	result, err := w.Sweep(ctx)
	if err != nil {
		w.logger.Error("Watchdog sweep failed", slog.String("error", err.Error()))
	}
	if result != (SweepResult{}) {
		w.logger.Info("Watchdog sweep finished",
			slog.Int("requeued", result.Requeued),
			slog.Int("failed_analysis", result.FailedAnalysis),
			slog.Int("failed_scraping", result.FailedScraping),
		)
	}
}

// Sweep runs every enabled step once. Steps run independently and their
// errors are joined.
func (w *Watchdog) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	var errs []error

	if w.cfg.RequeueAfter > 0 {
		n, err := w.requeueLost(ctx)
		result.Requeued = n
		errs = append(errs, err)
	}

	if w.cfg.AnalysisTimeout > 0 {
		n, err := w.failStale(ctx,
			[]domain.JobStatus{domain.JobStatusAnalyzing, domain.JobStatusMerging},
			w.cfg.AnalysisTimeout, ActionFailedAnalysis, "analysis")
		result.FailedAnalysis = n
		errs = append(errs, err)
	}

	if w.cfg.ScrapingTimeout > 0 {
		n, err := w.failStale(ctx,
			[]domain.JobStatus{domain.JobStatusPending, domain.JobStatusScraping},
			w.cfg.ScrapingTimeout, ActionFailedScraping, "scraping")
		result.FailedScraping = n
		errs = append(errs, err)
	}

	return result, errors.Join(errs...)
}

// requeueLost re-enqueues jobs that were triggered but never claimed
func (w *Watchdog) requeueLost(ctx context.Context) (int, error) {
	jobs, err := w.store.ListStaleJobs(ctx, []domain.JobStatus{domain.JobStatusScraped},
		w.now().Add(-w.cfg.RequeueAfter), w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list jobs awaiting analysis: %w", err)
	}

	requeued := 0
	for _, job := range jobs {
		if !job.AnalysisTriggered {
			continue
		}
		if err := w.store.TouchJob(ctx, job.JobID); err != nil {
			return requeued, err
		}
		if err := w.requeuer.ScheduleAnalysis(ctx, job.JobID); err != nil {
			return requeued, fmt.Errorf("failed to requeue job %s: %w", job.JobID, err)
		}

		requeued++
		metrics.ObserveWatchdogAction(ActionRequeued)
		w.logger.Warn("Requeued analysis for stale job",
			slog.String("job_id", job.JobID),
			slog.Time("updated_at", job.UpdatedAt),
		)
	}
	return requeued, nil
}

func (w *Watchdog) failStale(ctx context.Context, statuses []domain.JobStatus, timeout time.Duration, action, phase string) (int, error) {
	jobs, err := w.store.ListStaleJobs(ctx, statuses, w.now().Add(-timeout), w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale %s jobs: %w", phase, err)
	}

	failed := 0
	for _, job := range jobs {
		reason := fmt.Sprintf("%s timed out after %s in status %s", phase, timeout, job.Status)
		ok, err := w.store.FailJob(ctx, job.JobID, reason)
		if err != nil {
			if errors.Is(err, domain.ErrJobNotFound) {
				continue
			}
			return failed, err
		}
		if !ok {
			continue
		}

		failed++
		metrics.ObserveWatchdogAction(action)
		metrics.ObserveJobFinished(string(domain.JobStatusFailed))
		w.logger.Warn("Failed stale job",
			slog.String("job_id", job.JobID),
			slog.String("status", string(job.Status)),
			slog.String("reason", reason),
		)
	}
	return failed, nil
}
