package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rowforge/rowforge/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Projects ---

func (s *PostgresStore) GetDefaultProject(ctx context.Context) (*models.Project, error) {
	var p models.Project
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM projects WHERE name = 'default' LIMIT 1`,
	).Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default project: %w", err)
	}
	return &p, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, project_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.ProjectID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, projectID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE project_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, projectID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND project_id = $2 AND deleted_at IS NULL`, id, projectID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.ProjectID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Nodes ---

const nodeColumns = `id, project_id, type, name, config, hash, created_at, updated_at`

func (s *PostgresStore) CreateNode(ctx context.Context, node *models.Node) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO nodes (id, project_id, type, name, config, hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		node.ID, node.ProjectID, node.Type, node.Name, node.Config, node.Hash,
		node.CreatedAt, node.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create node: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNode(ctx context.Context, id uuid.UUID) (*models.Node, error) {
	var n models.Node
	err := s.pool.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id,
	).Scan(&n.ID, &n.ProjectID, &n.Type, &n.Name, &n.Config, &n.Hash, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return &n, nil
}

func (s *PostgresStore) UpdateNodeConfig(ctx context.Context, id uuid.UUID, config json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE nodes SET config = $2, updated_at = NOW() WHERE id = $1`, id, config)
	if err != nil {
		return fmt.Errorf("update node config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateNodeHash(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE nodes SET hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("update node hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LinkNodes(ctx context.Context, upstreamID, downstreamID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO node_links (upstream_id, downstream_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, upstreamID, downstreamID)
	if err != nil {
		return fmt.Errorf("link nodes: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUpstreamNodes(ctx context.Context, id uuid.UUID) ([]*models.Node, error) {
	return s.listLinkedNodes(ctx,
		`SELECT n.id, n.project_id, n.type, n.name, n.config, n.hash, n.created_at, n.updated_at
		 FROM nodes n JOIN node_links l ON n.id = l.upstream_id
		 WHERE l.downstream_id = $1 ORDER BY n.created_at, n.id`, id)
}

func (s *PostgresStore) ListDownstreamNodes(ctx context.Context, id uuid.UUID) ([]*models.Node, error) {
	return s.listLinkedNodes(ctx,
		`SELECT n.id, n.project_id, n.type, n.name, n.config, n.hash, n.created_at, n.updated_at
		 FROM nodes n JOIN node_links l ON n.id = l.downstream_id
		 WHERE l.upstream_id = $1 ORDER BY n.created_at, n.id`, id)
}

func (s *PostgresStore) listLinkedNodes(ctx context.Context, query string, id uuid.UUID) ([]*models.Node, error) {
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("list linked nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		var n models.Node
		if err := rows.Scan(&n.ID, &n.ProjectID, &n.Type, &n.Name, &n.Config, &n.Hash,
			&n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

// --- Node Entries ---

const entryColumns = `id, node_id, persistent_id, status, input_hash, output_hash,
	original_output_hash, split, error, deleted_at, created_at, updated_at`

func (s *PostgresStore) CreateEntry(ctx context.Context, entry *models.NodeEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO node_entries (id, node_id, persistent_id, status, input_hash, output_hash,
		   original_output_hash, split, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.NodeID, entry.PersistentID, entry.Status, entry.InputHash, entry.OutputHash,
		entry.OriginalOutputHash, entry.Split, entry.Error, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, id uuid.UUID) (*models.NodeEntry, error) {
	var e models.NodeEntry
	err := s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM node_entries WHERE id = $1`, id,
	).Scan(&e.ID, &e.NodeID, &e.PersistentID, &e.Status, &e.InputHash, &e.OutputHash,
		&e.OriginalOutputHash, &e.Split, &e.Error, &e.DeletedAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, filter EntryFilter) ([]*models.NodeEntry, int, error) {
	conditions := []string{"node_id = $1", "deleted_at IS NULL"}
	args := []any{filter.NodeID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM node_entries WHERE " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count entries: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT `+entryColumns+` FROM node_entries WHERE %s ORDER BY created_at, id LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *PostgresStore) ListPendingEntries(ctx context.Context, nodeID uuid.UUID, limit int) ([]*models.NodeEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM node_entries
		 WHERE node_id = $1 AND status = 'PENDING' AND deleted_at IS NULL
		 ORDER BY created_at, id LIMIT $2`, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]*models.NodeEntry, error) {
	var entries []*models.NodeEntry
	for rows.Next() {
		var e models.NodeEntry
		if err := rows.Scan(&e.ID, &e.NodeID, &e.PersistentID, &e.Status, &e.InputHash, &e.OutputHash,
			&e.OriginalOutputHash, &e.Split, &e.Error, &e.DeletedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) MarkEntryProcessing(ctx context.Context, id uuid.UUID) error {
	return s.setEntryStatus(ctx, id,
		`UPDATE node_entries SET status = 'PROCESSING', updated_at = NOW() WHERE id = $1`)
}

func (s *PostgresStore) MarkEntryProcessed(ctx context.Context, id uuid.UUID, outputHash string, split models.Split) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE node_entries SET status = 'PROCESSED', output_hash = $2, split = $3,
		   error = NULL, updated_at = NOW() WHERE id = $1`, id, outputHash, split)
	if err != nil {
		return fmt.Errorf("mark entry processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkEntryError(ctx context.Context, id uuid.UUID, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE node_entries SET status = 'ERROR', error = $2, updated_at = NOW() WHERE id = $1`,
		id, message)
	if err != nil {
		return fmt.Errorf("mark entry error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkEntryPending(ctx context.Context, id uuid.UUID, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE node_entries SET status = 'PENDING', error = NULLIF($2, ''), updated_at = NOW() WHERE id = $1`,
		id, message)
	if err != nil {
		return fmt.Errorf("mark entry pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) setEntryStatus(ctx context.Context, id uuid.UUID, query string) error {
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("update entry status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkAllEntriesPending(ctx context.Context, nodeID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE node_entries SET status = 'PENDING', error = NULL, updated_at = NOW()
		 WHERE node_id = $1 AND deleted_at IS NULL AND status <> 'PENDING'`, nodeID)
	if err != nil {
		return 0, fmt.Errorf("mark all entries pending: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) MarkPendingEntriesProcessed(ctx context.Context, nodeID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE node_entries SET status = 'PROCESSED', error = NULL, updated_at = NOW()
		 WHERE node_id = $1 AND status = 'PENDING' AND deleted_at IS NULL`, nodeID)
	if err != nil {
		return 0, fmt.Errorf("mark pending entries processed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ResetErrorEntries(ctx context.Context, nodeID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE node_entries SET status = 'PENDING', error = NULL, updated_at = NOW()
		 WHERE node_id = $1 AND status = 'ERROR' AND deleted_at IS NULL`, nodeID)
	if err != nil {
		return 0, fmt.Errorf("reset error entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) SoftDeleteOrphanedEntries(ctx context.Context, nodeID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE node_entries e SET deleted_at = NOW(), updated_at = NOW()
		 WHERE e.node_id = $1 AND e.deleted_at IS NULL
		   AND NOT EXISTS (
		     SELECT 1 FROM node_entries u
		     JOIN node_links l ON u.node_id = l.upstream_id
		     WHERE l.downstream_id = $1
		       AND u.persistent_id = e.persistent_id
		       AND u.deleted_at IS NULL)`, nodeID)
	if err != nil {
		return 0, fmt.Errorf("soft delete orphaned entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PropagateEntriesDownstream feeds a downstream node from this node's
// PROCESSED rows. Existing downstream entries whose incoming pair drifted from
// the upstream row are re-pended with the fresh hashes; missing ones are
// created PENDING. The incoming output of a rewritten entry lives in
// original_output_hash, so drift is checked against that when set.
func (s *PostgresStore) PropagateEntriesDownstream(ctx context.Context, upstreamID, downstreamID uuid.UUID) (int64, error) {
	refreshed, err := s.pool.Exec(ctx,
		`UPDATE node_entries d
		 SET status = 'PENDING', input_hash = u.input_hash, output_hash = u.output_hash,
		   original_output_hash = NULL, error = NULL, updated_at = NOW()
		 FROM node_entries u
		 WHERE d.node_id = $2 AND u.node_id = $1
		   AND u.persistent_id = d.persistent_id
		   AND u.status = 'PROCESSED' AND u.deleted_at IS NULL AND d.deleted_at IS NULL
		   AND (d.input_hash <> u.input_hash
		     OR COALESCE(d.original_output_hash, d.output_hash) <> u.output_hash)`,
		upstreamID, downstreamID)
	if err != nil {
		return 0, fmt.Errorf("refresh downstream entries: %w", err)
	}

	created, err := s.pool.Exec(ctx,
		`INSERT INTO node_entries (id, node_id, persistent_id, status, input_hash, output_hash,
		   split, created_at, updated_at)
		 SELECT gen_random_uuid(), $2, u.persistent_id, 'PENDING', u.input_hash, u.output_hash,
		   u.split, NOW(), NOW()
		 FROM node_entries u
		 WHERE u.node_id = $1 AND u.status = 'PROCESSED' AND u.deleted_at IS NULL
		 ON CONFLICT (node_id, persistent_id) DO NOTHING`,
		upstreamID, downstreamID)
	if err != nil {
		return 0, fmt.Errorf("create downstream entries: %w", err)
	}

	return refreshed.RowsAffected() + created.RowsAffected(), nil
}

// --- Payloads ---

func (s *PostgresStore) PutPayload(ctx context.Context, hash string, payload []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entry_payloads (hash, payload, created_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (hash) DO NOTHING`, hash, payload)
	if err != nil {
		return fmt.Errorf("put payload: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPayload(ctx context.Context, hash string) ([]byte, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM entry_payloads WHERE hash = $1`, hash).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payload: %w", err)
	}
	return payload, nil
}

// --- Cached Processed Entries ---

func (s *PostgresStore) CreateCachedEntry(ctx context.Context, entry *models.CachedProcessedEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cached_processed_entries (id, node_hash, node_id, incoming_input_hash,
		   incoming_output_hash, persistent_id, outgoing_input_hash, outgoing_output_hash,
		   outgoing_split, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT DO NOTHING`,
		entry.ID, entry.NodeHash, entry.NodeID, entry.IncomingInputHash, entry.IncomingOutputHash,
		entry.PersistentID, entry.OutgoingInputHash, entry.OutgoingOutputHash, entry.OutgoingSplit,
		entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("create cached entry: %w", err)
	}
	return nil
}

// PropagateCacheHits is a single conditional bulk rewrite. The SET and WHERE
// lists are assembled from the kind's declared field sets; match on either
// the node's content hash or its id.
func (s *PostgresStore) PropagateCacheHits(ctx context.Context, node *models.Node, matchFields []CacheMatchField, writeFields []CacheWriteField) (int64, error) {
	if len(matchFields) == 0 {
		return 0, nil
	}

	sets := []string{"status = 'PROCESSED'", "error = NULL", "updated_at = NOW()"}
	for _, f := range writeFields {
		switch f {
		case WriteOutgoingInputHash:
			sets = append(sets, "input_hash = c.outgoing_input_hash")
		case WriteOutgoingOutputHash:
			sets = append(sets,
				"original_output_hash = COALESCE(e.original_output_hash, NULLIF(e.output_hash, ''))",
				"output_hash = c.outgoing_output_hash")
		case WriteOutgoingSplit:
			sets = append(sets, "split = c.outgoing_split")
		default:
			return 0, fmt.Errorf("unknown cache write field %q", f)
		}
	}

	conditions := []string{
		"e.node_id = $1",
		"e.status = 'PENDING'",
		"e.deleted_at IS NULL",
		"(c.node_hash = $2 OR c.node_id = $1)",
	}
	for _, f := range matchFields {
		switch f {
		case MatchIncomingInputHash:
			conditions = append(conditions, "e.input_hash = c.incoming_input_hash")
		case MatchIncomingOutputHash:
			conditions = append(conditions, "e.output_hash = c.incoming_output_hash")
		case MatchPersistentID:
			conditions = append(conditions, "e.persistent_id = c.persistent_id")
		default:
			return 0, fmt.Errorf("unknown cache match field %q", f)
		}
	}

	query := fmt.Sprintf(
		`UPDATE node_entries e SET %s FROM cached_processed_entries c WHERE %s`,
		strings.Join(sets, ", "), strings.Join(conditions, " AND "))

	tag, err := s.pool.Exec(ctx, query, node.ID, node.Hash)
	if err != nil {
		return 0, fmt.Errorf("propagate cache hits: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Prompt Variants / Test Scenarios ---

func (s *PostgresStore) CreatePromptVariant(ctx context.Context, variant *models.PromptVariant) error {
	template, err := json.Marshal(variant.Template)
	if err != nil {
		return fmt.Errorf("marshal variant template: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO prompt_variants (id, project_id, model, template, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		variant.ID, variant.ProjectID, variant.Model, template, variant.CreatedAt, variant.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create prompt variant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPromptVariant(ctx context.Context, id uuid.UUID) (*models.PromptVariant, error) {
	var v models.PromptVariant
	var template []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, model, template, created_at, updated_at
		 FROM prompt_variants WHERE id = $1`, id,
	).Scan(&v.ID, &v.ProjectID, &v.Model, &template, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt variant: %w", err)
	}
	if err := json.Unmarshal(template, &v.Template); err != nil {
		return nil, fmt.Errorf("unmarshal variant template: %w", err)
	}
	return &v, nil
}

func (s *PostgresStore) CreateTestScenario(ctx context.Context, scenario *models.TestScenario) error {
	variables, err := json.Marshal(scenario.Variables)
	if err != nil {
		return fmt.Errorf("marshal scenario variables: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO test_scenarios (id, project_id, variables, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		scenario.ID, scenario.ProjectID, variables, scenario.CreatedAt, scenario.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create test scenario: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTestScenario(ctx context.Context, id uuid.UUID) (*models.TestScenario, error) {
	var sc models.TestScenario
	var variables []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, variables, created_at, updated_at
		 FROM test_scenarios WHERE id = $1`, id,
	).Scan(&sc.ID, &sc.ProjectID, &variables, &sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get test scenario: %w", err)
	}
	if err := json.Unmarshal(variables, &sc.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal scenario variables: %w", err)
	}
	return &sc, nil
}

// --- Cells ---

func (s *PostgresStore) CreateCell(ctx context.Context, cell *models.ScenarioVariantCell) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scenario_variant_cells (id, project_id, variant_id, scenario_id,
		   retrieval_status, status_code, error_message, retry_time, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		cell.ID, cell.ProjectID, cell.VariantID, cell.ScenarioID, cell.RetrievalStatus,
		cell.StatusCode, cell.ErrorMessage, cell.RetryTime, cell.CreatedAt, cell.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create cell: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCell(ctx context.Context, id uuid.UUID) (*models.ScenarioVariantCell, error) {
	var c models.ScenarioVariantCell
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, variant_id, scenario_id, retrieval_status, status_code,
		   error_message, retry_time, created_at, updated_at
		 FROM scenario_variant_cells WHERE id = $1`, id,
	).Scan(&c.ID, &c.ProjectID, &c.VariantID, &c.ScenarioID, &c.RetrievalStatus,
		&c.StatusCode, &c.ErrorMessage, &c.RetryTime, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cell: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) UpdateCellStatus(ctx context.Context, id uuid.UUID, status models.CellStatus, opts ...CellUpdateOption) error {
	params := &cellUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	query := `UPDATE scenario_variant_cells SET retrieval_status = $2, updated_at = NOW()`
	args := []any{id, status}
	argIdx := 3

	if params.StatusCode != nil {
		query += fmt.Sprintf(", status_code = $%d", argIdx)
		args = append(args, *params.StatusCode)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.RetryTime != nil {
		query += fmt.Sprintf(", retry_time = $%d", argIdx)
		args = append(args, *params.RetryTime)
		argIdx++
	}
	if params.ClearRetry {
		query += ", retry_time = NULL"
	}

	query += " WHERE id = $1"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update cell status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Model Outputs ---

func (s *PostgresStore) CreateModelOutput(ctx context.Context, output *models.ModelOutput) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO model_outputs (id, cell_id, prompt_hash, output, input_tokens,
		   output_tokens, cost, latency_ms, status_code, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		output.ID, output.CellID, output.PromptHash, output.Output, output.InputTokens,
		output.OutputTokens, output.Cost, output.LatencyMS, output.StatusCode, output.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create model output: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetModelOutputByCell(ctx context.Context, cellID uuid.UUID) (*models.ModelOutput, error) {
	var o models.ModelOutput
	err := s.pool.QueryRow(ctx,
		`SELECT id, cell_id, prompt_hash, output, input_tokens, output_tokens, cost,
		   latency_ms, status_code, created_at
		 FROM model_outputs WHERE cell_id = $1`, cellID,
	).Scan(&o.ID, &o.CellID, &o.PromptHash, &o.Output, &o.InputTokens, &o.OutputTokens,
		&o.Cost, &o.LatencyMS, &o.StatusCode, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model output by cell: %w", err)
	}
	return &o, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
