package pipeline

import (
	"context"

	"github.com/rowforge/rowforge/internal/config"
	"github.com/rowforge/rowforge/internal/store"
	"github.com/rowforge/rowforge/pkg/models"
)

// DatasetProcessor handles dataset sink nodes. Rows propagated from upstream
// are already final; the node only makes them queryable as a dataset.
type DatasetProcessor struct {
	store    store.Store
	defaults config.PipelineConfig
}

// NewDatasetProcessor creates a DatasetProcessor.
func NewDatasetProcessor(st store.Store, defaults config.PipelineConfig) *DatasetProcessor {
	return &DatasetProcessor{store: st, defaults: defaults}
}

func (p *DatasetProcessor) Kind() models.NodeType { return models.NodeTypeDataset }

func (p *DatasetProcessor) Concurrency(_ *models.Node) int { return p.defaults.DefaultConcurrency }

func (p *DatasetProcessor) BatchSize() int { return p.defaults.DefaultBatchSize }

func (p *DatasetProcessor) CacheMatchFields() []store.CacheMatchField { return nil }

func (p *DatasetProcessor) CacheWriteFields() []store.CacheWriteField { return nil }

func (p *DatasetProcessor) BeforeProcessing(ctx context.Context, node *models.Node) error {
	_, err := p.store.MarkPendingEntriesProcessed(ctx, node.ID)
	return err
}

func (p *DatasetProcessor) ProcessEntry(_ context.Context, _ *models.Node, entry *models.NodeEntry) (Result, error) {
	return Result{
		Status:     models.EntryStatusProcessed,
		OutputHash: entry.OutputHash,
		Split:      entry.Split,
	}, nil
}

var _ Processor = (*DatasetProcessor)(nil)
