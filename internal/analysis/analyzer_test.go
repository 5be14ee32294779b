package analysis

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/shard-reports/internal/domain"
	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest_KeepsOnlyGivenShardsInOrder(t *testing.T) {
	job := domain.NewJob("job-1", "user-1", "prompt", "vn", 3, time.Now())
	succeeded := []domain.Shard{
		{Index: 3, Status: domain.ShardStatusSucceeded, RawData: json.RawMessage(`{"c":3}`)},
		{Index: 1, Status: domain.ShardStatusSucceeded, RawData: json.RawMessage(`{"a":1}`)},
	}

	req := NewRequest(job, succeeded)

	require.Len(t, req.Shards, 2)
	assert.Equal(t, 1, req.Shards[0].Index)
	assert.Equal(t, 3, req.Shards[1].Index)
	assert.Equal(t, "prompt", req.Prompt)
}

func TestConcatAnalyzer(t *testing.T) {
	ctx := context.Background()
	req := Request{
		JobID:  "job-1",
		Prompt: "gyms in hcmc",
		Market: "vn",
		Shards: []ShardResult{
			{Index: 2, Data: json.RawMessage(`{"gyms":4}`)},
			{Index: 5, Data: json.RawMessage(`[1,2]`)},
		},
	}

	var a ConcatAnalyzer
	findings, err := a.Analyze(ctx, req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"shard_count":2,"shards":[{"index":2,"data":{"gyms":4}},{"index":5,"data":[1,2]}]}`, string(findings))

	report, err := a.Merge(ctx, req, findings)
	require.NoError(t, err)

	var parsed struct {
		Prompt          string `json:"prompt"`
		SucceededShards []int  `json:"succeeded_shards"`
	}
	require.NoError(t, json.Unmarshal(report, &parsed))
	assert.Equal(t, "gyms in hcmc", parsed.Prompt)
	assert.Equal(t, []int{2, 5}, parsed.SucceededShards)

	_, err = a.Analyze(ctx, Request{})
	assert.Error(t, err)
}

func TestNewOpenAIAnalyzer_RequiresKey(t *testing.T) {
	_, err := NewOpenAIAnalyzer("", "", 0)
	assert.ErrorIs(t, err, ErrAPIKeyNotSet)
}

func chatCompletionServer(t *testing.T, content string, prompts *[]string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.Unmarshal(body, &req)
		if len(req.Messages) > 0 {
			*prompts = append(*prompts, req.Messages[0].Content)
		}

		w.Header().Set("Content-Type", "application/json")
		resp := map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "gpt-4o-mini",
			"choices": []map[string]interface{}{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]interface{}{"role": "assistant", "content": content},
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIAnalyzer_AnalyzeAndMerge(t *testing.T) {
	var prompts []string
	srv := chatCompletionServer(t, `{"summary":"three gyms"}`, &prompts)

	a, err := NewOpenAIAnalyzer("test-key", "", time.Second,
		option.WithBaseURL(srv.URL+"/"),
		option.WithMaxRetries(0),
	)
	require.NoError(t, err)

	req := Request{Prompt: "gyms in hcmc", Market: "vn", Shards: []ShardResult{{Index: 1, Data: json.RawMessage(`{"g":1}`)}}}

	findings, err := a.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"three gyms"}`, string(findings))

	_, err = a.Merge(context.Background(), req, findings)
	require.NoError(t, err)

	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], "gyms in hcmc")
	assert.Contains(t, prompts[0], `{"g":1}`)
	assert.Contains(t, prompts[1], "three gyms")
}

func TestOpenAIAnalyzer_RejectsNonJSONContent(t *testing.T) {
	var prompts []string
	srv := chatCompletionServer(t, "Sure! Here is your report.", &prompts)

	a, err := NewOpenAIAnalyzer("test-key", "gpt-4o", time.Second,
		option.WithBaseURL(srv.URL+"/"),
		option.WithMaxRetries(0),
	)
	require.NoError(t, err)

	_, err = a.Analyze(context.Background(), Request{Shards: []ShardResult{{Index: 1, Data: json.RawMessage(`{}`)}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestOpenAIAnalyzer_RejectsNonObjectJSON(t *testing.T) {
	var prompts []string
	srv := chatCompletionServer(t, "null", &prompts)

	a, err := NewOpenAIAnalyzer("test-key", "gpt-4o", time.Second,
		option.WithBaseURL(srv.URL+"/"),
		option.WithMaxRetries(0),
	)
	require.NoError(t, err)

	_, err = a.Merge(context.Background(), Request{}, json.RawMessage(`{"summary":"x"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an object")
}
