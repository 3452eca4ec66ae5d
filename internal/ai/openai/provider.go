// Package openai implements the completion provider against the OpenAI API.
package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/rowforge/rowforge/internal/config"
	"github.com/rowforge/rowforge/pkg/models"
)

// Provider implements models.CompletionProvider using OpenAI.
type Provider struct {
	cfg    config.OpenAIConfig
	client *goopenai.Client
}

func NewProvider(cfg config.OpenAIConfig) *Provider {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Provider{cfg: cfg, client: goopenai.NewClientWithConfig(clientCfg)}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResult, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	chatReq := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(req.Messages),
	}

	start := time.Now()
	if req.OnChunk != nil {
		return p.completeStreaming(ctx, chatReq, req.OnChunk, start)
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &models.ProviderError{
			Message:    "completion returned no choices",
			StatusCode: http.StatusBadGateway,
		}
	}

	return &models.CompletionResult{
		Message: models.ChatMessage{
			Role:    resp.Choices[0].Message.Role,
			Content: resp.Choices[0].Message.Content,
		},
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Cost:         estimateCost(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		Latency:      time.Since(start),
		StatusCode:   http.StatusOK,
	}, nil
}

func (p *Provider) completeStreaming(ctx context.Context, chatReq goopenai.ChatCompletionRequest, onChunk func(string), start time.Time) (*models.CompletionResult, error) {
	chatReq.Stream = true
	chatReq.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer stream.Close()

	var content string
	var usage goopenai.Usage
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classifyError(err)
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta != "" {
			content += delta
			onChunk(delta)
		}
	}

	return &models.CompletionResult{
		Message:      models.ChatMessage{Role: "assistant", Content: content},
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		Cost:         estimateCost(chatReq.Model, usage.PromptTokens, usage.CompletionTokens),
		Latency:      time.Since(start),
		StatusCode:   http.StatusOK,
	}, nil
}

func toOpenAIMessages(msgs []models.ChatMessage) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		out[i] = goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// classifyError maps an OpenAI client error into the provider error contract.
// Rate limits and upstream 5xx responses are auto-retryable; everything else
// is terminal for the caller.
func classifyError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &models.ProviderError{
			Message:    apiErr.Message,
			StatusCode: apiErr.HTTPStatusCode,
			AutoRetry:  apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500,
		}
	}
	// Transport-level failures (connection refused, timeouts) are transient.
	return &models.ProviderError{
		Message:    err.Error(),
		StatusCode: http.StatusServiceUnavailable,
		AutoRetry:  true,
	}
}

// Rough per-million-token pricing for cost accounting. Unknown models report
// zero cost rather than guessing.
var modelPricing = map[string]struct{ in, out float64 }{
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
	"gpt-4.1":     {2.00, 8.00},
}

func estimateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := modelPricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)*p.in/1e6 + float64(outputTokens)*p.out/1e6
}

var _ models.CompletionProvider = (*Provider)(nil)
