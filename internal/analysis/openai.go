package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/shard-reports/internal/domain"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	// DefaultModel is used when no model is configured
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout bounds one completion call
	DefaultTimeout = 2 * time.Minute
)

// ErrAPIKeyNotSet is returned when the analyzer is built without a key
var ErrAPIKeyNotSet = errors.New("OpenAI API key not set")

// OpenAIAnalyzer runs both phases as JSON-mode chat completions
type OpenAIAnalyzer struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIAnalyzer creates an analyzer. Extra request options are passed to
// the client, which is how tests point it at a local server.
func NewOpenAIAnalyzer(apiKey, model string, timeout time.Duration, opts ...option.RequestOption) (*OpenAIAnalyzer, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if model == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)

	return &OpenAIAnalyzer{
		client:  openai.NewClient(opts...),
		model:   model,
		timeout: timeout,
	}, nil
}

// Analyze asks the model for findings across the shard payloads
func (a *OpenAIAnalyzer) Analyze(ctx context.Context, req Request) (json.RawMessage, error) {
	shards, err := json.Marshal(req.Shards)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal shard data: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Research request: %s\n", req.Prompt)
	fmt.Fprintf(&b, "Market: %s\n", req.Market)
	b.WriteString("Below is scraped data from independent sources, as a JSON array of {index, data}.\n")
	b.WriteString("Extract the key findings, competitors, and figures. Respond with a JSON object.\n\n")
	b.Write(shards)

	return a.complete(ctx, b.String())
}

// Merge asks the model to write the final report from the findings
func (a *OpenAIAnalyzer) Merge(ctx context.Context, req Request, findings json.RawMessage) (json.RawMessage, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Research request: %s\n", req.Prompt)
	fmt.Fprintf(&b, "Market: %s\n", req.Market)
	b.WriteString("Write a business analysis report from these findings. ")
	b.WriteString("Respond with a JSON object with keys summary, sections and recommendations.\n\n")
	b.Write(findings)

	return a.complete(ctx, b.String())
}

func (a *OpenAIAnalyzer) complete(ctx context.Context, prompt string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	completion, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(a.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI API call failed: %w", err)
	}

	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no completion choices returned")
	}

	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("model returned invalid JSON")
	}
	if !domain.ValidReport(json.RawMessage(content)) {
		return nil, fmt.Errorf("model returned JSON that is not an object")
	}
	return json.RawMessage(content), nil
}
