package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner executes the analysis phase for a job
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// LocalScheduler runs analysis in a goroutine of the calling process. It is
// used with the in-memory store, where no other process can see the job.
type LocalScheduler struct {
	runner  Runner
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewLocalScheduler creates a new LocalScheduler
func NewLocalScheduler(runner Runner, timeout time.Duration, logger *slog.Logger) *LocalScheduler {
	return &LocalScheduler{
		runner:  runner,
		timeout: timeout,
		logger:  logger,
	}
}

// ScheduleAnalysis starts the run and returns immediately. The run is not
// cancelled when ctx is, since ctx usually belongs to the webhook request.
func (s *LocalScheduler) ScheduleAnalysis(ctx context.Context, jobID string) error {
	runCtx := context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if s.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, s.timeout)
			defer cancel()
		}

		if err := s.runner.Run(runCtx, jobID); err != nil {
			s.logger.Error("Analysis run failed",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}()

	return nil
}

// Wait blocks until every started run has returned
func (s *LocalScheduler) Wait() {
	s.wg.Wait()
}
