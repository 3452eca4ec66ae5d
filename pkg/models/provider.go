package models

import (
	"context"
	"fmt"
	"time"
)

// CompletionProvider is the core interface that all model integrations must
// implement. Never call specific providers directly — always inject this
// interface.
type CompletionProvider interface {
	// Complete performs one model completion attempt. Failures are returned
	// as *ProviderError so callers can classify them for retry.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
	// Name returns the provider identifier (e.g., "openai", "mock").
	Name() string
}

// CompletionRequest is the input to one completion attempt.
type CompletionRequest struct {
	Model    string
	Messages []ChatMessage
	// OnChunk, when non-nil, is invoked for every partial output the provider
	// produces during the attempt, in order.
	OnChunk func(delta string)
}

// CompletionResult is a successful completion.
type CompletionResult struct {
	Message      ChatMessage
	InputTokens  int
	OutputTokens int
	Cost         float64
	Latency      time.Duration
	StatusCode   int
}

// ProviderError classifies a failed completion attempt. AutoRetry indicates
// the caller should reattempt after a delay rather than surface a terminal
// error.
type ProviderError struct {
	Message    string
	StatusCode int
	AutoRetry  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}
