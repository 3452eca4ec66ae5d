package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rowforge/rowforge/pkg/models"
)

// MemoryStore is an in-memory Store implementation with the same observable
// semantics as PostgresStore. It exists so the driver, the retry engine, and
// the API handlers can be tested without a database.
type MemoryStore struct {
	mu sync.Mutex

	project   models.Project
	apiKeys   map[uuid.UUID]*models.APIKey
	nodes     map[uuid.UUID]*models.Node
	links     map[uuid.UUID][]uuid.UUID // upstream -> downstreams
	backlinks map[uuid.UUID][]uuid.UUID // downstream -> upstreams
	entries   map[uuid.UUID]*models.NodeEntry
	payloads  map[string][]byte
	cached    []*models.CachedProcessedEntry
	variants  map[uuid.UUID]*models.PromptVariant
	scenarios map[uuid.UUID]*models.TestScenario
	cells     map[uuid.UUID]*models.ScenarioVariantCell
	outputs   map[uuid.UUID]*models.ModelOutput // keyed by cell id

	seq int64 // creation order tiebreaker for stable pending ordering
	ord map[uuid.UUID]int64
}

// NewMemoryStore creates an empty MemoryStore with a seeded default project.
func NewMemoryStore() *MemoryStore {
	now := time.Now().UTC()
	return &MemoryStore{
		project:   models.Project{ID: uuid.New(), Name: "default", CreatedAt: now, UpdatedAt: now},
		apiKeys:   make(map[uuid.UUID]*models.APIKey),
		nodes:     make(map[uuid.UUID]*models.Node),
		links:     make(map[uuid.UUID][]uuid.UUID),
		backlinks: make(map[uuid.UUID][]uuid.UUID),
		entries:   make(map[uuid.UUID]*models.NodeEntry),
		payloads:  make(map[string][]byte),
		variants:  make(map[uuid.UUID]*models.PromptVariant),
		scenarios: make(map[uuid.UUID]*models.TestScenario),
		cells:     make(map[uuid.UUID]*models.ScenarioVariantCell),
		outputs:   make(map[uuid.UUID]*models.ModelOutput),
		ord:       make(map[uuid.UUID]int64),
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) GetDefaultProject(_ context.Context) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.project
	return &p, nil
}

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			keys = append(keys, &c)
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.apiKeys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiKeys[key.ID]; ok {
		return ErrDuplicateKey
	}
	c := *key
	s.apiKeys[key.ID] = &c
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context, projectID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.ProjectID == projectID && k.DeletedAt == nil {
			c := *k
			keys = append(keys, &c)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID, projectID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok || k.ProjectID != projectID || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

// --- Nodes ---

func (s *MemoryStore) CreateNode(_ context.Context, node *models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[node.ID]; ok {
		return ErrDuplicateKey
	}
	c := *node
	s.nodes[node.ID] = &c
	s.seq++
	s.ord[node.ID] = s.seq
	return nil
}

func (s *MemoryStore) GetNode(_ context.Context, id uuid.UUID) (*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *n
	return &c, nil
}

func (s *MemoryStore) UpdateNodeConfig(_ context.Context, id uuid.UUID, config json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.Config = append(json.RawMessage(nil), config...)
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateNodeHash(_ context.Context, id uuid.UUID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.Hash = hash
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) LinkNodes(_ context.Context, upstreamID, downstreamID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.links[upstreamID] {
		if d == downstreamID {
			return nil
		}
	}
	s.links[upstreamID] = append(s.links[upstreamID], downstreamID)
	s.backlinks[downstreamID] = append(s.backlinks[downstreamID], upstreamID)
	return nil
}

func (s *MemoryStore) ListUpstreamNodes(_ context.Context, id uuid.UUID) ([]*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectNodes(s.backlinks[id]), nil
}

func (s *MemoryStore) ListDownstreamNodes(_ context.Context, id uuid.UUID) ([]*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectNodes(s.links[id]), nil
}

func (s *MemoryStore) collectNodes(ids []uuid.UUID) []*models.Node {
	var nodes []*models.Node
	for _, id := range ids {
		if n, ok := s.nodes[id]; ok {
			c := *n
			nodes = append(nodes, &c)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return s.ord[nodes[i].ID] < s.ord[nodes[j].ID] })
	return nodes
}

// --- Node Entries ---

func (s *MemoryStore) CreateEntry(_ context.Context, entry *models.NodeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.NodeID == entry.NodeID && e.PersistentID == entry.PersistentID {
			return ErrDuplicateKey
		}
	}
	c := *entry
	s.entries[entry.ID] = &c
	s.seq++
	s.ord[entry.ID] = s.seq
	return nil
}

func (s *MemoryStore) GetEntry(_ context.Context, id uuid.UUID) (*models.NodeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *e
	return &c, nil
}

func (s *MemoryStore) ListEntries(_ context.Context, filter EntryFilter) ([]*models.NodeEntry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*models.NodeEntry
	for _, e := range s.entries {
		if e.NodeID != filter.NodeID || e.DeletedAt != nil {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		c := *e
		all = append(all, &c)
	}
	sort.Slice(all, func(i, j int) bool { return s.ord[all[i].ID] < s.ord[all[j].ID] })

	total := len(all)
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
	if offset >= len(all) {
		return []*models.NodeEntry{}, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (s *MemoryStore) ListPendingEntries(_ context.Context, nodeID uuid.UUID, limit int) ([]*models.NodeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*models.NodeEntry
	for _, e := range s.entries {
		if e.NodeID == nodeID && e.Status == models.EntryStatusPending && e.DeletedAt == nil {
			c := *e
			pending = append(pending, &c)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return s.ord[pending[i].ID] < s.ord[pending[j].ID] })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *MemoryStore) MarkEntryProcessing(_ context.Context, id uuid.UUID) error {
	return s.mutateEntry(id, func(e *models.NodeEntry) {
		e.Status = models.EntryStatusProcessing
	})
}

func (s *MemoryStore) MarkEntryProcessed(_ context.Context, id uuid.UUID, outputHash string, split models.Split) error {
	return s.mutateEntry(id, func(e *models.NodeEntry) {
		e.Status = models.EntryStatusProcessed
		e.OutputHash = outputHash
		e.Split = split
		e.Error = nil
	})
}

func (s *MemoryStore) MarkEntryError(_ context.Context, id uuid.UUID, message string) error {
	return s.mutateEntry(id, func(e *models.NodeEntry) {
		e.Status = models.EntryStatusError
		e.Error = &message
	})
}

func (s *MemoryStore) MarkEntryPending(_ context.Context, id uuid.UUID, message string) error {
	return s.mutateEntry(id, func(e *models.NodeEntry) {
		e.Status = models.EntryStatusPending
		if message != "" {
			e.Error = &message
		} else {
			e.Error = nil
		}
	})
}

func (s *MemoryStore) mutateEntry(id uuid.UUID, fn func(*models.NodeEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	fn(e)
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkAllEntriesPending(_ context.Context, nodeID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if e.NodeID == nodeID && e.DeletedAt == nil && e.Status != models.EntryStatusPending {
			e.Status = models.EntryStatusPending
			e.Error = nil
			e.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkPendingEntriesProcessed(_ context.Context, nodeID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if e.NodeID == nodeID && e.DeletedAt == nil && e.Status == models.EntryStatusPending {
			e.Status = models.EntryStatusProcessed
			e.Error = nil
			e.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ResetErrorEntries(_ context.Context, nodeID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if e.NodeID == nodeID && e.DeletedAt == nil && e.Status == models.EntryStatusError {
			e.Status = models.EntryStatusPending
			e.Error = nil
			e.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SoftDeleteOrphanedEntries(_ context.Context, nodeID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	upstream := make(map[uuid.UUID]bool)
	for _, upID := range s.backlinks[nodeID] {
		for _, e := range s.entries {
			if e.NodeID == upID && e.DeletedAt == nil {
				upstream[e.PersistentID] = true
			}
		}
	}

	var n int64
	now := time.Now().UTC()
	for _, e := range s.entries {
		if e.NodeID == nodeID && e.DeletedAt == nil && !upstream[e.PersistentID] {
			e.DeletedAt = &now
			e.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PropagateEntriesDownstream(_ context.Context, upstreamID, downstreamID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	downstream := make(map[uuid.UUID]*models.NodeEntry)
	for _, e := range s.entries {
		if e.NodeID == downstreamID && e.DeletedAt == nil {
			downstream[e.PersistentID] = e
		}
	}

	var ups []*models.NodeEntry
	for _, e := range s.entries {
		if e.NodeID == upstreamID && e.Status == models.EntryStatusProcessed && e.DeletedAt == nil {
			ups = append(ups, e)
		}
	}
	sort.Slice(ups, func(i, j int) bool { return s.ord[ups[i].ID] < s.ord[ups[j].ID] })

	var n int64
	now := time.Now().UTC()
	for _, u := range ups {
		d, ok := downstream[u.PersistentID]
		if !ok {
			c := models.NodeEntry{
				ID:           uuid.New(),
				NodeID:       downstreamID,
				PersistentID: u.PersistentID,
				Status:       models.EntryStatusPending,
				InputHash:    u.InputHash,
				OutputHash:   u.OutputHash,
				Split:        u.Split,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			s.entries[c.ID] = &c
			s.seq++
			s.ord[c.ID] = s.seq
			n++
			continue
		}
		incomingOutput := d.OutputHash
		if d.OriginalOutputHash != nil {
			incomingOutput = *d.OriginalOutputHash
		}
		if d.InputHash != u.InputHash || incomingOutput != u.OutputHash {
			d.Status = models.EntryStatusPending
			d.InputHash = u.InputHash
			d.OutputHash = u.OutputHash
			d.OriginalOutputHash = nil
			d.Error = nil
			d.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// --- Payloads ---

func (s *MemoryStore) PutPayload(_ context.Context, hash string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payloads[hash]; !ok {
		s.payloads[hash] = append([]byte(nil), payload...)
	}
	return nil
}

func (s *MemoryStore) GetPayload(_ context.Context, hash string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payloads[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), p...), nil
}

// --- Cached Processed Entries ---

func (s *MemoryStore) CreateCachedEntry(_ context.Context, entry *models.CachedProcessedEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cached {
		if c.NodeHash == entry.NodeHash &&
			c.IncomingInputHash == entry.IncomingInputHash &&
			c.IncomingOutputHash == entry.IncomingOutputHash &&
			c.PersistentID == entry.PersistentID {
			return nil
		}
	}
	c := *entry
	s.cached = append(s.cached, &c)
	return nil
}

func (s *MemoryStore) PropagateCacheHits(_ context.Context, node *models.Node, matchFields []CacheMatchField, writeFields []CacheWriteField) (int64, error) {
	if len(matchFields) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range s.entries {
		if e.NodeID != node.ID || e.Status != models.EntryStatusPending || e.DeletedAt != nil {
			continue
		}
		for _, c := range s.cached {
			if c.NodeHash != node.Hash && c.NodeID != node.ID {
				continue
			}
			if !cacheMatches(e, c, matchFields) {
				continue
			}
			applyCacheWrite(e, c, writeFields)
			e.Status = models.EntryStatusProcessed
			e.Error = nil
			e.UpdatedAt = time.Now().UTC()
			n++
			break
		}
	}
	return n, nil
}

func cacheMatches(e *models.NodeEntry, c *models.CachedProcessedEntry, fields []CacheMatchField) bool {
	for _, f := range fields {
		switch f {
		case MatchIncomingInputHash:
			if e.InputHash != c.IncomingInputHash {
				return false
			}
		case MatchIncomingOutputHash:
			if e.OutputHash != c.IncomingOutputHash {
				return false
			}
		case MatchPersistentID:
			if e.PersistentID != c.PersistentID {
				return false
			}
		}
	}
	return true
}

func applyCacheWrite(e *models.NodeEntry, c *models.CachedProcessedEntry, fields []CacheWriteField) {
	for _, f := range fields {
		switch f {
		case WriteOutgoingInputHash:
			e.InputHash = c.OutgoingInputHash
		case WriteOutgoingOutputHash:
			if e.OriginalOutputHash == nil && e.OutputHash != "" {
				prev := e.OutputHash
				e.OriginalOutputHash = &prev
			}
			e.OutputHash = c.OutgoingOutputHash
		case WriteOutgoingSplit:
			e.Split = c.OutgoingSplit
		}
	}
}

// --- Prompt Variants / Test Scenarios ---

func (s *MemoryStore) CreatePromptVariant(_ context.Context, variant *models.PromptVariant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *variant
	s.variants[variant.ID] = &c
	return nil
}

func (s *MemoryStore) GetPromptVariant(_ context.Context, id uuid.UUID) (*models.PromptVariant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *v
	return &c, nil
}

func (s *MemoryStore) CreateTestScenario(_ context.Context, scenario *models.TestScenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *scenario
	s.scenarios[scenario.ID] = &c
	return nil
}

func (s *MemoryStore) GetTestScenario(_ context.Context, id uuid.UUID) (*models.TestScenario, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scenarios[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *sc
	return &c, nil
}

// --- Cells ---

func (s *MemoryStore) CreateCell(_ context.Context, cell *models.ScenarioVariantCell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cells[cell.ID]; ok {
		return ErrDuplicateKey
	}
	c := *cell
	s.cells[cell.ID] = &c
	return nil
}

func (s *MemoryStore) GetCell(_ context.Context, id uuid.UUID) (*models.ScenarioVariantCell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cells[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpdateCellStatus(_ context.Context, id uuid.UUID, status models.CellStatus, opts ...CellUpdateOption) error {
	params := &cellUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cells[id]
	if !ok {
		return ErrNotFound
	}
	c.RetrievalStatus = status
	if params.StatusCode != nil {
		c.StatusCode = params.StatusCode
	}
	if params.ErrorMessage != nil {
		c.ErrorMessage = params.ErrorMessage
	}
	if params.RetryTime != nil {
		c.RetryTime = params.RetryTime
	}
	if params.ClearRetry {
		c.RetryTime = nil
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Model Outputs ---

func (s *MemoryStore) CreateModelOutput(_ context.Context, output *models.ModelOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outputs[output.CellID]; ok {
		return ErrDuplicateKey
	}
	c := *output
	s.outputs[output.CellID] = &c
	return nil
}

func (s *MemoryStore) GetModelOutputByCell(_ context.Context, cellID uuid.UUID) (*models.ModelOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outputs[cellID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *o
	return &c, nil
}

var _ Store = (*MemoryStore)(nil)
