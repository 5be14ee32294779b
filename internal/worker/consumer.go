package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/shard-reports/internal/scheduler"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer sets QoS and returns the delivery channel
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	if err := w.source.SetPrefetch(w.prefetchCount); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := w.source.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
	)

	return deliveries, nil
}

// startMessageDispatcher hands deliveries to the worker pool. It reports
// whether it stopped because the delivery channel was closed.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return false

		case <-w.stopChan:
			w.logger.Info("Message dispatcher stopped - worker stopping")
			return false

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return true
			}

			task, err := parseAnalysisMessage(delivery)
			if err != nil {
				w.logger.Error("Dropping malformed analysis message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// malformed messages go to the dead letter exchange, if any
				w.nack(task, delivery.DeliveryTag, false)
				continue
			}

			select {
			case w.jobsChan <- task:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", task.JobID),
					slog.Uint64("delivery_tag", task.DeliveryTag),
				)
			case <-ctx.Done():
				w.nack(task, task.DeliveryTag, true)
				return false
			case <-w.stopChan:
				w.nack(task, task.DeliveryTag, true)
				return false
			}
		}
	}
}

func parseAnalysisMessage(delivery amqp.Delivery) (*analysisTask, error) {
	var msg scheduler.AnalysisMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message JSON: %w", err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return nil, fmt.Errorf("invalid job_id %q: %w", msg.JobID, err)
	}

	return &analysisTask{
		JobID:       msg.JobID,
		Reason:      msg.Reason,
		DeliveryTag: delivery.DeliveryTag,
	}, nil
}

func (w *Worker) nack(task *analysisTask, deliveryTag uint64, requeue bool) {
	if err := w.source.Nack(deliveryTag, requeue); err != nil {
		attrs := []any{
			slog.Uint64("delivery_tag", deliveryTag),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		}
		if task != nil {
			attrs = append(attrs, slog.String("job_id", task.JobID))
		}
		w.logger.Error("Failed to NACK message", attrs...)
	}
}
