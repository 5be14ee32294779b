package ingest

import (
	"bytes"
	"encoding/json"

	"github.com/cuongbtq/shard-reports/internal/domain"
)

type shardEnvelope struct {
	Status *string          `json:"status"`
	Error  string           `json:"error"`
	Data   *json.RawMessage `json:"data"`
}

// ParseShardPayload converts a callback body into a shard outcome. The body
// is either an envelope carrying an explicit status or the shard's raw result.
// A body that is empty or not JSON becomes a failure outcome.
func ParseShardPayload(body []byte) domain.ShardOutcome {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return domain.FailedOutcome("empty callback body")
	}
	if !json.Valid(trimmed) {
		return domain.FailedOutcome("callback body is not valid JSON")
	}

	var env shardEnvelope
	if trimmed[0] == '{' && json.Unmarshal(trimmed, &env) == nil && env.Status != nil {
		switch *env.Status {
		case "failed", "error":
			reason := env.Error
			if reason == "" {
				reason = "unknown error"
			}
			return domain.FailedOutcome(reason)
		case "succeeded", "success", "completed":
			if env.Data == nil || string(*env.Data) == "null" {
				return domain.FailedOutcome("succeeded callback carried no data")
			}
			return domain.SucceededOutcome(*env.Data)
		}
	}

	return domain.SucceededOutcome(json.RawMessage(trimmed))
}
