package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rowforge/rowforge/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// CacheMatchField selects which attribute of an incoming PENDING entry must
// match a cached record for propagation to apply.
type CacheMatchField string

const (
	MatchIncomingInputHash  CacheMatchField = "incoming_input_hash"
	MatchIncomingOutputHash CacheMatchField = "incoming_output_hash"
	MatchPersistentID       CacheMatchField = "persistent_id"
)

// CacheWriteField selects which attribute of the entry a cache hit rewrites.
type CacheWriteField string

const (
	WriteOutgoingInputHash  CacheWriteField = "outgoing_input_hash"
	WriteOutgoingOutputHash CacheWriteField = "outgoing_output_hash"
	WriteOutgoingSplit      CacheWriteField = "outgoing_split"
)

// EntryFilter narrows ListEntries.
type EntryFilter struct {
	NodeID uuid.UUID
	Status models.EntryStatus
	Page   int
	Limit  int
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultProject(ctx context.Context) (*models.Project, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, projectID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, projectID uuid.UUID) error

	CreateNode(ctx context.Context, node *models.Node) error
	GetNode(ctx context.Context, id uuid.UUID) (*models.Node, error)
	UpdateNodeConfig(ctx context.Context, id uuid.UUID, config json.RawMessage) error
	UpdateNodeHash(ctx context.Context, id uuid.UUID, hash string) error
	LinkNodes(ctx context.Context, upstreamID, downstreamID uuid.UUID) error
	ListUpstreamNodes(ctx context.Context, id uuid.UUID) ([]*models.Node, error)
	ListDownstreamNodes(ctx context.Context, id uuid.UUID) ([]*models.Node, error)

	CreateEntry(ctx context.Context, entry *models.NodeEntry) error
	GetEntry(ctx context.Context, id uuid.UUID) (*models.NodeEntry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]*models.NodeEntry, int, error)
	// ListPendingEntries returns up to limit PENDING entries for the node in
	// stable (created_at, id) order. Restartable: consumed in batches.
	ListPendingEntries(ctx context.Context, nodeID uuid.UUID, limit int) ([]*models.NodeEntry, error)
	MarkEntryProcessing(ctx context.Context, id uuid.UUID) error
	MarkEntryProcessed(ctx context.Context, id uuid.UUID, outputHash string, split models.Split) error
	MarkEntryError(ctx context.Context, id uuid.UUID, message string) error
	// MarkEntryPending returns a rate-limited entry to the queue, preserving
	// the message for the operator.
	MarkEntryPending(ctx context.Context, id uuid.UUID, message string) error
	// MarkAllEntriesPending forces full reprocessing of a node.
	MarkAllEntriesPending(ctx context.Context, nodeID uuid.UUID) (int64, error)
	// MarkPendingEntriesProcessed bulk-shortcuts every PENDING entry, used by
	// kinds configured to skip their own transformation.
	MarkPendingEntriesProcessed(ctx context.Context, nodeID uuid.UUID) (int64, error)
	// ResetErrorEntries clears ERROR rows back to PENDING on an explicit
	// reprocessing request.
	ResetErrorEntries(ctx context.Context, nodeID uuid.UUID) (int64, error)
	// SoftDeleteOrphanedEntries logically removes entries whose persistent id
	// no longer has a live row at any upstream node.
	SoftDeleteOrphanedEntries(ctx context.Context, nodeID uuid.UUID) (int64, error)
	// PropagateEntriesDownstream creates a PENDING downstream entry for every
	// PROCESSED upstream row that has none, and re-pends downstream entries
	// whose incoming hashes no longer match the upstream row. Returns the
	// number of entries created or refreshed.
	PropagateEntriesDownstream(ctx context.Context, upstreamID, downstreamID uuid.UUID) (int64, error)

	// PutPayload stores a content-addressed payload; writing the same hash
	// twice is a no-op.
	PutPayload(ctx context.Context, hash string, payload []byte) error
	GetPayload(ctx context.Context, hash string) ([]byte, error)

	CreateCachedEntry(ctx context.Context, entry *models.CachedProcessedEntry) error
	// PropagateCacheHits rewrites, in one bulk operation, every PENDING entry
	// of the node whose match-field values coincide with a cached record
	// keyed by the node's hash or id. Returns the number of entries flipped
	// to PROCESSED. Empty matchFields means the kind has no caching
	// semantics and the call is a no-op.
	PropagateCacheHits(ctx context.Context, node *models.Node, matchFields []CacheMatchField, writeFields []CacheWriteField) (int64, error)

	CreatePromptVariant(ctx context.Context, variant *models.PromptVariant) error
	GetPromptVariant(ctx context.Context, id uuid.UUID) (*models.PromptVariant, error)
	CreateTestScenario(ctx context.Context, scenario *models.TestScenario) error
	GetTestScenario(ctx context.Context, id uuid.UUID) (*models.TestScenario, error)

	CreateCell(ctx context.Context, cell *models.ScenarioVariantCell) error
	GetCell(ctx context.Context, id uuid.UUID) (*models.ScenarioVariantCell, error)
	UpdateCellStatus(ctx context.Context, id uuid.UUID, status models.CellStatus, opts ...CellUpdateOption) error

	CreateModelOutput(ctx context.Context, output *models.ModelOutput) error
	GetModelOutputByCell(ctx context.Context, cellID uuid.UUID) (*models.ModelOutput, error)
}

type cellUpdateParams struct {
	StatusCode   *int
	ErrorMessage *string
	RetryTime    *time.Time
	ClearRetry   bool
}

// CellUpdateOption customizes UpdateCellStatus.
type CellUpdateOption func(*cellUpdateParams)

func WithStatusCode(code int) CellUpdateOption {
	return func(p *cellUpdateParams) {
		p.StatusCode = &code
	}
}

func WithErrorMessage(msg string) CellUpdateOption {
	return func(p *cellUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithRetryTime(t time.Time) CellUpdateOption {
	return func(p *cellUpdateParams) {
		p.RetryTime = &t
	}
}

// WithNoRetry clears any scheduled retry, leaving the cell terminal.
func WithNoRetry() CellUpdateOption {
	return func(p *cellUpdateParams) {
		p.ClearRetry = true
	}
}
