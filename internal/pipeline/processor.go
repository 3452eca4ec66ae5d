// Package pipeline drives node processing: per-kind strategies, cache
// propagation, batch sweeps, and downstream cascades.
package pipeline

import (
	"context"

	"github.com/rowforge/rowforge/internal/store"
	"github.com/rowforge/rowforge/pkg/models"
)

// Result is the outcome of processing a single entry. Status PENDING requeues
// the entry for a later sweep instead of finishing it.
type Result struct {
	Status     models.EntryStatus
	OutputHash string
	Split      models.Split
	Message    string
}

// Processor is the per-kind strategy the driver delegates to. One processor
// is registered per node kind at startup.
type Processor interface {
	Kind() models.NodeType

	// Concurrency returns the parallelism for a sweep of this node. The
	// driver clamps the value to the configured ceiling.
	Concurrency(node *models.Node) int
	BatchSize() int

	// CacheMatchFields and CacheWriteFields declare the kind's cache
	// propagation shape. Empty match fields disable caching for the kind.
	CacheMatchFields() []store.CacheMatchField
	CacheWriteFields() []store.CacheWriteField

	// BeforeProcessing runs once per invocation before the batch sweep,
	// e.g. to bulk-shortcut entries the kind will not transform.
	BeforeProcessing(ctx context.Context, node *models.Node) error

	// ProcessEntry transforms one entry. A returned error is an
	// infrastructure failure that aborts the sweep; transform outcomes,
	// including provider failures, are reported through Result.
	ProcessEntry(ctx context.Context, node *models.Node, entry *models.NodeEntry) (Result, error)
}
