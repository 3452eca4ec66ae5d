// Package mock provides a configurable CompletionProvider for testing.
package mock

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rowforge/rowforge/pkg/models"
)

// MockProvider satisfies models.CompletionProvider for testing.
type MockProvider struct {
	Name_        string
	CompleteFunc func(ctx context.Context, req models.CompletionRequest) (*models.CompletionResult, error)

	calls atomic.Int64
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResult, error) {
	m.calls.Add(1)
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return &models.CompletionResult{
		Message:    models.ChatMessage{Role: "assistant", Content: ""},
		StatusCode: http.StatusOK,
	}, nil
}

// Calls returns the number of Complete invocations so far.
func (m *MockProvider) Calls() int64 { return m.calls.Load() }

// NewMockProvider returns a MockProvider with a sensible default response,
// emitting the answer as two chunks when streaming is requested.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (*models.CompletionResult, error) {
			const answer = "Mock completion for testing"
			if req.OnChunk != nil {
				req.OnChunk("Mock completion ")
				req.OnChunk("for testing")
			}
			return &models.CompletionResult{
				Message:      models.ChatMessage{Role: "assistant", Content: answer},
				InputTokens:  12,
				OutputTokens: 5,
				Cost:         0.0001,
				Latency:      3 * time.Millisecond,
				StatusCode:   http.StatusOK,
			}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (*models.CompletionResult, error) {
			return nil, err
		},
	}
}

// NewRateLimitedProvider returns a MockProvider that always reports an
// auto-retryable rate-limit failure.
func NewRateLimitedProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-rate-limited",
		CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (*models.CompletionResult, error) {
			return nil, &models.ProviderError{
				Message:    "rate limit exceeded",
				StatusCode: http.StatusTooManyRequests,
				AutoRetry:  true,
			}
		},
	}
}

// Compile-time check that MockProvider implements CompletionProvider.
var _ models.CompletionProvider = (*MockProvider)(nil)
