package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/cuongbtq/shard-reports/internal/domain"
)

// ShardDispatcher hands each shard of a new job to the scraping provider
type ShardDispatcher struct {
	publisher       Publisher
	routingKey      string
	callbackBaseURL string
	logger          *slog.Logger
}

// NewShardDispatcher creates a new ShardDispatcher
func NewShardDispatcher(publisher Publisher, routingKey, callbackBaseURL string, logger *slog.Logger) *ShardDispatcher {
	return &ShardDispatcher{
		publisher:       publisher,
		routingKey:      routingKey,
		callbackBaseURL: strings.TrimRight(callbackBaseURL, "/"),
		logger:          logger,
	}
}

// Dispatch publishes one task per shard. It stops at the first failure.
func (d *ShardDispatcher) Dispatch(ctx context.Context, job *domain.Job) error {
	for _, shard := range job.Shards {
		task := ShardTask{
			JobID:       job.JobID,
			ShardIndex:  shard.Index,
			TotalShards: job.TotalShards,
			Prompt:      job.OriginalPrompt,
			Market:      job.Market,
			CallbackURL: d.CallbackURL(job.JobID, shard.Index),
			CreatedAt:   job.CreatedAt,
		}

		body, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal shard task: %w", err)
		}

		if err := d.publisher.PublishWithRetry(ctx, d.routingKey, body, ContentTypeJSON); err != nil {
			return fmt.Errorf("failed to dispatch shard %d: %w", shard.Index, err)
		}
	}

	d.logger.Info("Shards dispatched",
		slog.String("job_id", job.JobID),
		slog.Int("total_shards", job.TotalShards),
	)
	return nil
}

// CallbackURL is the webhook address the provider reports a shard to
func (d *ShardDispatcher) CallbackURL(jobID string, shardIndex int) string {
	q := url.Values{}
	q.Set("jobId", jobID)
	q.Set("shardIndex", strconv.Itoa(shardIndex))
	return d.callbackBaseURL + "/webhooks/shards?" + q.Encode()
}
