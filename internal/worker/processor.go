package worker

import (
	"context"
	"log/slog"
	"time"
)

// processJob runs the analysis phase for one message under the job timeout.
// A claimed job is finished even if the worker is shutting down.
func (w *Worker) processJob(ctx context.Context, task *analysisTask) error {
	w.logger.Info("Processing analysis",
		slog.String("job_id", task.JobID),
		slog.String("reason", task.Reason),
		slog.String("worker_id", w.workerID),
	)

	jobCtx := context.WithoutCancel(ctx)
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, w.jobTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := w.runner.Run(jobCtx, task.JobID); err != nil {
		return err
	}

	w.logger.Info("Analysis processed",
		slog.String("job_id", task.JobID),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}
