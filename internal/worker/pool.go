package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/shard-reports/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned",
		slog.Int("worker_count", w.concurrency),
		slog.String("worker_id", w.workerID),
	)
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)

	for {
		select {
		case <-w.stopChan:
			return

		case <-ctx.Done():
			return

		case task := <-w.jobsChan:
			err := w.processJob(ctx, task)
			if err == nil {
				if ackErr := w.source.Ack(task.DeliveryTag); ackErr != nil {
					w.logger.Error("Failed to ACK message",
						slog.String("worker_name", workerName),
						slog.String("job_id", task.JobID),
						slog.String("error", ackErr.Error()),
					)
				}
				continue
			}

			requeue := shouldRequeue(err)
			w.logger.Error("Analysis processing failed",
				slog.String("worker_name", workerName),
				slog.String("job_id", task.JobID),
				slog.Bool("requeue", requeue),
				slog.String("error", err.Error()),
			)
			w.nack(task, task.DeliveryTag, requeue)
		}
	}
}

// shouldRequeue requeues only transient failures. Everything else was
// already recorded on the job.
func shouldRequeue(err error) bool {
	return domain.IsRetryable(err)
}
