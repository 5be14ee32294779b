// Package scheduler publishes the messages that move a job between services:
// shard tasks for the scraping provider and analysis triggers for the worker.
package scheduler

import (
	"context"
	"time"
)

// ContentTypeJSON is the content type of every message published here
const ContentTypeJSON = "application/json"

// Publisher publishes a message with a routing key
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// AnalysisMessage asks the worker to run the analysis phase for a job
type AnalysisMessage struct {
	JobID       string    `json:"job_id"`
	RequestedAt time.Time `json:"requested_at"`
	// Reason is "trigger" for the last shard delivery and "requeue" for the watchdog
	Reason string `json:"reason"`
}

// Analysis message reasons
const (
	ReasonTrigger = "trigger"
	ReasonRequeue = "requeue"
)

// ShardTask is one unit of scraping work for the provider adapter. The
// provider reports back by POSTing to CallbackURL.
type ShardTask struct {
	JobID       string    `json:"job_id"`
	ShardIndex  int       `json:"shard_index"`
	TotalShards int       `json:"total_shards"`
	Prompt      string    `json:"prompt"`
	Market      string    `json:"market"`
	CallbackURL string    `json:"callback_url"`
	CreatedAt   time.Time `json:"created_at"`
}
