package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rowforge/rowforge/internal/config"
	"github.com/rowforge/rowforge/internal/hash"
	"github.com/rowforge/rowforge/internal/store"
	"github.com/rowforge/rowforge/pkg/models"
)

// LLMRelabelProcessor rewrites each row's output by sending its input
// messages to a completion provider, optionally prefixed with configured
// instructions. Successful transforms are recorded in the processed-entry
// cache so identical rows at nodes with the same content hash never reach the
// provider again.
type LLMRelabelProcessor struct {
	store    store.Store
	provider models.CompletionProvider
	defaults config.PipelineConfig
}

// NewLLMRelabelProcessor creates an LLMRelabelProcessor.
func NewLLMRelabelProcessor(st store.Store, provider models.CompletionProvider, defaults config.PipelineConfig) *LLMRelabelProcessor {
	return &LLMRelabelProcessor{store: st, provider: provider, defaults: defaults}
}

func (p *LLMRelabelProcessor) Kind() models.NodeType { return models.NodeTypeLLMRelabel }

func (p *LLMRelabelProcessor) Concurrency(node *models.Node) int {
	cfg, err := parseRelabelConfig(node.Config)
	if err != nil || cfg.MaxConcurrency <= 0 {
		return p.defaults.DefaultConcurrency
	}
	if cfg.MaxConcurrency > p.defaults.MaxConcurrency {
		return p.defaults.MaxConcurrency
	}
	return cfg.MaxConcurrency
}

func (p *LLMRelabelProcessor) BatchSize() int { return p.defaults.DefaultBatchSize }

func (p *LLMRelabelProcessor) CacheMatchFields() []store.CacheMatchField {
	return []store.CacheMatchField{store.MatchIncomingInputHash}
}

func (p *LLMRelabelProcessor) CacheWriteFields() []store.CacheWriteField {
	return []store.CacheWriteField{store.WriteOutgoingOutputHash, store.WriteOutgoingSplit}
}

// BeforeProcessing bulk-shortcuts the pending set when the node is configured
// to skip relabeling, leaving incoming outputs untouched.
func (p *LLMRelabelProcessor) BeforeProcessing(ctx context.Context, node *models.Node) error {
	cfg, err := parseRelabelConfig(node.Config)
	if err != nil {
		return err
	}
	if !cfg.Skip {
		return nil
	}
	_, err = p.store.MarkPendingEntriesProcessed(ctx, node.ID)
	return err
}

func (p *LLMRelabelProcessor) ProcessEntry(ctx context.Context, node *models.Node, entry *models.NodeEntry) (Result, error) {
	cfg, err := parseRelabelConfig(node.Config)
	if err != nil {
		return Result{}, err
	}

	raw, err := p.store.GetPayload(ctx, entry.InputHash)
	if err != nil {
		return Result{}, fmt.Errorf("load input payload %s: %w", entry.InputHash, err)
	}
	var input models.EntryInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return Result{}, fmt.Errorf("decode input payload %s: %w", entry.InputHash, err)
	}

	messages := make([]models.ChatMessage, 0, len(input.Messages)+1)
	if cfg.Instructions != "" {
		messages = append(messages, models.ChatMessage{Role: "system", Content: cfg.Instructions})
	}
	messages = append(messages, input.Messages...)

	completion, err := p.provider.Complete(ctx, models.CompletionRequest{
		Model:    cfg.Model,
		Messages: messages,
	})
	if err != nil {
		var provErr *models.ProviderError
		if errors.As(err, &provErr) {
			if provErr.AutoRetry {
				return Result{Status: models.EntryStatusPending, Message: provErr.Message}, nil
			}
			return Result{Status: models.EntryStatusError, Message: provErr.Message}, nil
		}
		return Result{}, fmt.Errorf("complete: %w", err)
	}

	output := models.EntryOutput{Message: completion.Message}
	outputHash, err := hash.EntryOutputHash(output)
	if err != nil {
		return Result{}, err
	}
	payload, err := json.Marshal(output)
	if err != nil {
		return Result{}, fmt.Errorf("marshal output payload: %w", err)
	}
	if err := p.store.PutPayload(ctx, outputHash, payload); err != nil {
		return Result{}, err
	}

	cached := &models.CachedProcessedEntry{
		ID:                 uuid.New(),
		NodeHash:           node.Hash,
		NodeID:             node.ID,
		IncomingInputHash:  entry.InputHash,
		IncomingOutputHash: entry.OutputHash,
		PersistentID:       entry.PersistentID,
		OutgoingInputHash:  entry.InputHash,
		OutgoingOutputHash: outputHash,
		OutgoingSplit:      entry.Split,
		CreatedAt:          time.Now().UTC(),
	}
	if err := p.store.CreateCachedEntry(ctx, cached); err != nil {
		return Result{}, fmt.Errorf("record cached entry: %w", err)
	}

	return Result{
		Status:     models.EntryStatusProcessed,
		OutputHash: outputHash,
		Split:      entry.Split,
	}, nil
}

func parseRelabelConfig(raw json.RawMessage) (*models.LLMRelabelConfig, error) {
	var cfg models.LLMRelabelConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse llm_relabel config: %w", err)
		}
	}
	return &cfg, nil
}

var _ Processor = (*LLMRelabelProcessor)(nil)
