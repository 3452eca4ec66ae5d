package mock_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowforge/rowforge/internal/ai/mock"
	"github.com/rowforge/rowforge/pkg/models"
)

func sampleRequest() models.CompletionRequest {
	return models.CompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []models.ChatMessage{
			{Role: "user", Content: "hello"},
		},
	}
}

// --- NewMockProvider ---

func TestNewMockProvider_Name(t *testing.T) {
	p := mock.NewMockProvider()
	assert.Equal(t, "mock", p.Name())
}

func TestNewMockProvider_Complete(t *testing.T) {
	p := mock.NewMockProvider()
	result, err := p.Complete(context.Background(), sampleRequest())

	require.NoError(t, err)
	assert.Equal(t, "assistant", result.Message.Role)
	assert.Equal(t, "Mock completion for testing", result.Message.Content)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Positive(t, result.InputTokens)
	assert.Positive(t, result.OutputTokens)
}

func TestNewMockProvider_StreamsChunks(t *testing.T) {
	p := mock.NewMockProvider()

	var chunks []string
	req := sampleRequest()
	req.OnChunk = func(delta string) { chunks = append(chunks, delta) }

	result, err := p.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"Mock completion ", "for testing"}, chunks)
	assert.Equal(t, "Mock completion for testing", result.Message.Content)
}

func TestMockProvider_CountsCalls(t *testing.T) {
	p := mock.NewMockProvider()
	ctx := context.Background()

	_, err := p.Complete(ctx, sampleRequest())
	require.NoError(t, err)
	_, err = p.Complete(ctx, sampleRequest())
	require.NoError(t, err)

	assert.EqualValues(t, 2, p.Calls())
}

func TestMockProvider_CompleteFuncOverride(t *testing.T) {
	p := &mock.MockProvider{
		Name_: "custom",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (*models.CompletionResult, error) {
			return &models.CompletionResult{
				Message:    models.ChatMessage{Role: "assistant", Content: "echo: " + req.Messages[0].Content},
				StatusCode: http.StatusOK,
			}, nil
		},
	}

	result, err := p.Complete(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", result.Message.Content)
	assert.Equal(t, "custom", p.Name())
}

// --- Failure factories ---

func TestNewFailingProvider(t *testing.T) {
	wantErr := errors.New("upstream exploded")
	p := mock.NewFailingProvider(wantErr)

	_, err := p.Complete(context.Background(), sampleRequest())
	assert.ErrorIs(t, err, wantErr)
	assert.EqualValues(t, 1, p.Calls())
}

func TestNewRateLimitedProvider(t *testing.T) {
	p := mock.NewRateLimitedProvider()

	_, err := p.Complete(context.Background(), sampleRequest())
	require.Error(t, err)

	var provErr *models.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, http.StatusTooManyRequests, provErr.StatusCode)
	assert.True(t, provErr.AutoRetry)
}
