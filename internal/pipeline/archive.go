package pipeline

import (
	"context"

	"github.com/rowforge/rowforge/internal/config"
	"github.com/rowforge/rowforge/internal/store"
	"github.com/rowforge/rowforge/pkg/models"
)

// ArchiveProcessor handles archive source nodes. Rows arrive through
// ingestion already carrying their payload hashes, so processing is identity
// and the whole pending set is bulk-shortcut before the sweep.
type ArchiveProcessor struct {
	store    store.Store
	defaults config.PipelineConfig
}

// NewArchiveProcessor creates an ArchiveProcessor.
func NewArchiveProcessor(st store.Store, defaults config.PipelineConfig) *ArchiveProcessor {
	return &ArchiveProcessor{store: st, defaults: defaults}
}

func (p *ArchiveProcessor) Kind() models.NodeType { return models.NodeTypeArchive }

func (p *ArchiveProcessor) Concurrency(_ *models.Node) int { return p.defaults.DefaultConcurrency }

func (p *ArchiveProcessor) BatchSize() int { return p.defaults.DefaultBatchSize }

func (p *ArchiveProcessor) CacheMatchFields() []store.CacheMatchField { return nil }

func (p *ArchiveProcessor) CacheWriteFields() []store.CacheWriteField { return nil }

func (p *ArchiveProcessor) BeforeProcessing(ctx context.Context, node *models.Node) error {
	_, err := p.store.MarkPendingEntriesProcessed(ctx, node.ID)
	return err
}

func (p *ArchiveProcessor) ProcessEntry(_ context.Context, _ *models.Node, entry *models.NodeEntry) (Result, error) {
	return Result{
		Status:     models.EntryStatusProcessed,
		OutputHash: entry.OutputHash,
		Split:      entry.Split,
	}, nil
}

var _ Processor = (*ArchiveProcessor)(nil)
