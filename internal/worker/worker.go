// Package worker consumes analysis triggers from RabbitMQ and runs the
// analysis phase for each job on a bounded pool of goroutines.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDeliveriesClosed is returned by Start when the broker closes the consumer
var ErrDeliveriesClosed = errors.New("rabbitmq delivery channel closed")

// MessageSource is the consuming side of the RabbitMQ client
type MessageSource interface {
	SetPrefetch(count int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Ack(deliveryTag uint64) error
	Nack(deliveryTag uint64, requeue bool) error
}

// AnalysisRunner runs the analysis phase for one job
type AnalysisRunner interface {
	Run(ctx context.Context, jobID string) error
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Source        MessageSource
	Runner        AnalysisRunner
	Concurrency   int
	PrefetchCount int
	JobTimeout    time.Duration
}

// Worker represents the background analysis worker
type Worker struct {
	logger        *slog.Logger
	source        MessageSource
	runner        AnalysisRunner
	workerID      string
	concurrency   int
	prefetchCount int
	jobTimeout    time.Duration
	jobsChan      chan *analysisTask
	wg            sync.WaitGroup
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// analysisTask is one parsed analysis message awaiting a pool goroutine
type analysisTask struct {
	JobID       string
	Reason      string
	DeliveryTag uint64
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}

	return &Worker{
		logger:        cfg.Logger,
		source:        cfg.Source,
		runner:        cfg.Runner,
		workerID:      "worker-" + uuid.New().String()[:8],
		concurrency:   concurrency,
		prefetchCount: prefetch,
		jobTimeout:    cfg.JobTimeout,
		jobsChan:      make(chan *analysisTask),
		stopChan:      make(chan struct{}),
	}
}

// Start subscribes to the analysis queue and processes messages until ctx is
// canceled or the broker closes the delivery channel.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)

	if closed := w.startMessageDispatcher(ctx, deliveries); closed {
		return ErrDeliveriesClosed
	}
	return nil
}

// Stop gracefully stops the worker and waits for in-flight jobs
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
