package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cuongbtq/shard-reports/internal/domain"
)

// Request is the input of both analysis phases
type Request struct {
	JobID  string
	Prompt string
	Market string
	Shards []ShardResult
}

// ShardResult is the raw payload of one succeeded shard
type ShardResult struct {
	Index int             `json:"index"`
	Data  json.RawMessage `json:"data"`
}

// Analyzer is the external analysis and merge capability
type Analyzer interface {
	// Analyze produces intermediate findings from the succeeded shards
	Analyze(ctx context.Context, req Request) (json.RawMessage, error)
	// Merge turns the findings into the final report
	Merge(ctx context.Context, req Request, findings json.RawMessage) (json.RawMessage, error)
}

// NewRequest builds a request from the job and only its succeeded shards
func NewRequest(job *domain.Job, succeeded []domain.Shard) Request {
	shards := make([]ShardResult, len(succeeded))
	for i, s := range succeeded {
		shards[i] = ShardResult{Index: s.Index, Data: s.RawData}
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].Index < shards[j].Index })

	return Request{
		JobID:  job.JobID,
		Prompt: job.OriginalPrompt,
		Market: job.Market,
		Shards: shards,
	}
}

// ConcatAnalyzer assembles the report from the shard payloads without calling
// a model. It is used for local runs and as the default provider.
type ConcatAnalyzer struct{}

type concatFindings struct {
	ShardCount int           `json:"shard_count"`
	Shards     []ShardResult `json:"shards"`
}

type concatReport struct {
	Prompt          string          `json:"prompt"`
	Market          string          `json:"market"`
	SucceededShards []int           `json:"succeeded_shards"`
	Findings        json.RawMessage `json:"findings"`
}

// Analyze collects the shard payloads in index order
func (ConcatAnalyzer) Analyze(_ context.Context, req Request) (json.RawMessage, error) {
	if len(req.Shards) == 0 {
		return nil, fmt.Errorf("no shard data to analyze")
	}

	out, err := json.Marshal(concatFindings{ShardCount: len(req.Shards), Shards: req.Shards})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal findings: %w", err)
	}
	return out, nil
}

// Merge wraps the findings with the request parameters
func (ConcatAnalyzer) Merge(_ context.Context, req Request, findings json.RawMessage) (json.RawMessage, error) {
	if !json.Valid(findings) {
		return nil, fmt.Errorf("findings are not valid JSON")
	}

	indexes := make([]int, len(req.Shards))
	for i, s := range req.Shards {
		indexes[i] = s.Index
	}

	out, err := json.Marshal(concatReport{
		Prompt:          req.Prompt,
		Market:          req.Market,
		SucceededShards: indexes,
		Findings:        findings,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return out, nil
}
