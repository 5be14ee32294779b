package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// QueueScheduler enqueues analysis triggers for the worker service
type QueueScheduler struct {
	publisher  Publisher
	routingKey string
	reason     string
	logger     *slog.Logger
}

// NewQueueScheduler creates a scheduler publishing trigger messages with routingKey
func NewQueueScheduler(publisher Publisher, routingKey string, logger *slog.Logger) *QueueScheduler {
	return &QueueScheduler{
		publisher:  publisher,
		routingKey: routingKey,
		reason:     ReasonTrigger,
		logger:     logger,
	}
}

// ForRequeue returns a copy that marks its messages as watchdog requeues
func (s *QueueScheduler) ForRequeue() *QueueScheduler {
	c := *s
	c.reason = ReasonRequeue
	return &c
}

// ScheduleAnalysis publishes one analysis message for jobID
func (s *QueueScheduler) ScheduleAnalysis(ctx context.Context, jobID string) error {
	body, err := json.Marshal(AnalysisMessage{
		JobID:       jobID,
		RequestedAt: time.Now().UTC(),
		Reason:      s.reason,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal analysis message: %w", err)
	}

	if err := s.publisher.PublishWithRetry(ctx, s.routingKey, body, ContentTypeJSON); err != nil {
		return fmt.Errorf("failed to publish analysis message: %w", err)
	}

	s.logger.Debug("Analysis message published",
		slog.String("job_id", jobID),
		slog.String("reason", s.reason),
	)
	return nil
}
