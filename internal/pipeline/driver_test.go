package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowforge/rowforge/internal/config"
	"github.com/rowforge/rowforge/internal/hash"
	"github.com/rowforge/rowforge/internal/pipeline"
	"github.com/rowforge/rowforge/internal/store"
	"github.com/rowforge/rowforge/pkg/models"
)

// --- mock provider ---

type mockProvider struct {
	mu      sync.Mutex
	calls   int
	respond func(req models.CompletionRequest) (*models.CompletionResult, error)
}

func (m *mockProvider) Complete(_ context.Context, req models.CompletionRequest) (*models.CompletionResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.respond != nil {
		return m.respond(req)
	}
	return &models.CompletionResult{
		Message: models.ChatMessage{Role: "assistant", Content: "relabeled"},
	}, nil
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// --- helpers ---

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		DefaultBatchSize:   10,
		DefaultConcurrency: 2,
		MaxConcurrency:     4,
	}
}

func newTestDriver(t *testing.T, provider models.CompletionProvider) (*store.MemoryStore, *pipeline.Driver) {
	t.Helper()
	st := store.NewMemoryStore()
	cfg := testPipelineConfig()
	registry, err := pipeline.NewRegistry(
		pipeline.NewArchiveProcessor(st, cfg),
		pipeline.NewLLMRelabelProcessor(st, provider, cfg),
		pipeline.NewDatasetProcessor(st, cfg),
	)
	require.NoError(t, err)
	return st, pipeline.NewDriver(st, registry, cfg)
}

func createNode(t *testing.T, st *store.MemoryStore, typ models.NodeType, cfg string) *models.Node {
	t.Helper()
	now := time.Now().UTC()
	node := &models.Node{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Type:      typ,
		Name:      string(typ) + " node",
		Config:    json.RawMessage(cfg),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateNode(context.Background(), node))
	return node
}

// seedEntry creates a PENDING entry whose input payload is stored and
// addressable by its hash, like ingestion would leave it.
func seedEntry(t *testing.T, st *store.MemoryStore, nodeID uuid.UUID, content string) *models.NodeEntry {
	t.Helper()
	ctx := context.Background()

	input := models.EntryInput{Messages: []models.ChatMessage{{Role: "user", Content: content}}}
	inputHash, err := hash.EntryInputHash(input)
	require.NoError(t, err)
	inputPayload, err := json.Marshal(input)
	require.NoError(t, err)
	require.NoError(t, st.PutPayload(ctx, inputHash, inputPayload))

	output := models.EntryOutput{Message: models.ChatMessage{Role: "assistant", Content: "original " + content}}
	outputHash, err := hash.EntryOutputHash(output)
	require.NoError(t, err)
	outputPayload, err := json.Marshal(output)
	require.NoError(t, err)
	require.NoError(t, st.PutPayload(ctx, outputHash, outputPayload))

	now := time.Now().UTC()
	entry := &models.NodeEntry{
		ID:           uuid.New(),
		NodeID:       nodeID,
		PersistentID: uuid.New(),
		Status:       models.EntryStatusPending,
		InputHash:    inputHash,
		OutputHash:   outputHash,
		Split:        models.SplitTrain,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, st.CreateEntry(ctx, entry))
	return entry
}

func entriesByStatus(t *testing.T, st *store.MemoryStore, nodeID uuid.UUID, status models.EntryStatus) []*models.NodeEntry {
	t.Helper()
	entries, _, err := st.ListEntries(context.Background(), store.EntryFilter{NodeID: nodeID, Status: status, Limit: 100})
	require.NoError(t, err)
	return entries
}

// ========================================
// Archive sweeps
// ========================================

func TestDriver_ArchiveSweep_MarksAllProcessed(t *testing.T) {
	st, driver := newTestDriver(t, &mockProvider{})
	node := createNode(t, st, models.NodeTypeArchive, `{}`)
	for i := 0; i < 3; i++ {
		seedEntry(t, st, node.ID, fmt.Sprintf("record %d", i))
	}

	require.NoError(t, driver.ProcessNode(context.Background(), node.ID, pipeline.Options{}))

	assert.Len(t, entriesByStatus(t, st, node.ID, models.EntryStatusProcessed), 3)
	assert.Empty(t, entriesByStatus(t, st, node.ID, models.EntryStatusPending))

	got, err := st.GetNode(context.Background(), node.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.Hash, "sweep should persist the computed content hash")
}

// ========================================
// Relabel sweeps
// ========================================

func TestDriver_Relabel_RewritesOutputs(t *testing.T) {
	provider := &mockProvider{}
	st, driver := newTestDriver(t, provider)
	node := createNode(t, st, models.NodeTypeLLMRelabel, `{"model":"gpt-4o-mini","instructions":"be terse"}`)
	e1 := seedEntry(t, st, node.ID, "first")
	seedEntry(t, st, node.ID, "second")

	require.NoError(t, driver.ProcessNode(context.Background(), node.ID, pipeline.Options{}))

	assert.Equal(t, 2, provider.callCount())
	processed := entriesByStatus(t, st, node.ID, models.EntryStatusProcessed)
	require.Len(t, processed, 2)

	wantHash, err := hash.EntryOutputHash(models.EntryOutput{
		Message: models.ChatMessage{Role: "assistant", Content: "relabeled"},
	})
	require.NoError(t, err)
	for _, e := range processed {
		assert.Equal(t, wantHash, e.OutputHash)
		assert.NotEqual(t, e1.OutputHash, wantHash, "relabel should replace the original output")
	}

	// The rewritten payload is stored and addressable.
	payload, err := st.GetPayload(context.Background(), wantHash)
	require.NoError(t, err)
	var out models.EntryOutput
	require.NoError(t, json.Unmarshal(payload, &out))
	assert.Equal(t, "relabeled", out.Message.Content)
}

func TestDriver_Relabel_CacheHitsSkipProvider(t *testing.T) {
	provider := &mockProvider{}
	st, driver := newTestDriver(t, provider)
	node := createNode(t, st, models.NodeTypeLLMRelabel, `{"model":"gpt-4o-mini"}`)
	seedEntry(t, st, node.ID, "first")
	seedEntry(t, st, node.ID, "second")

	ctx := context.Background()
	require.NoError(t, driver.ProcessNode(ctx, node.ID, pipeline.Options{}))
	require.Equal(t, 2, provider.callCount())

	// Force reprocessing: the invalidated rows must resolve from the
	// processed-entry cache, not from fresh completions.
	require.NoError(t, driver.ProcessNode(ctx, node.ID, pipeline.Options{InvalidateData: true}))

	assert.Equal(t, 2, provider.callCount(), "cache hits must not reach the provider")
	assert.Len(t, entriesByStatus(t, st, node.ID, models.EntryStatusProcessed), 2)
}

func TestDriver_Relabel_SkipConfigBypassesProvider(t *testing.T) {
	provider := &mockProvider{}
	st, driver := newTestDriver(t, provider)
	node := createNode(t, st, models.NodeTypeLLMRelabel, `{"model":"gpt-4o-mini","skip":true}`)
	seedEntry(t, st, node.ID, "first")
	original := seedEntry(t, st, node.ID, "second")

	require.NoError(t, driver.ProcessNode(context.Background(), node.ID, pipeline.Options{}))

	assert.Zero(t, provider.callCount())
	processed := entriesByStatus(t, st, node.ID, models.EntryStatusProcessed)
	require.Len(t, processed, 2)
	for _, e := range processed {
		if e.ID == original.ID {
			assert.Equal(t, original.OutputHash, e.OutputHash, "skip must leave outputs untouched")
		}
	}
}

func TestDriver_Relabel_RateLimitedEntriesStayPending(t *testing.T) {
	provider := &mockProvider{
		respond: func(_ models.CompletionRequest) (*models.CompletionResult, error) {
			return nil, &models.ProviderError{Message: "rate limited", StatusCode: 429, AutoRetry: true}
		},
	}
	st, driver := newTestDriver(t, provider)
	node := createNode(t, st, models.NodeTypeLLMRelabel, `{"model":"gpt-4o-mini"}`)
	seedEntry(t, st, node.ID, "first")
	seedEntry(t, st, node.ID, "second")

	require.NoError(t, driver.ProcessNode(context.Background(), node.ID, pipeline.Options{}))

	// Each entry is attempted once per sweep; requeued rows wait for the next
	// invocation instead of spinning.
	assert.Equal(t, 2, provider.callCount())
	pending := entriesByStatus(t, st, node.ID, models.EntryStatusPending)
	require.Len(t, pending, 2)
	for _, e := range pending {
		require.NotNil(t, e.Error)
		assert.Equal(t, "rate limited", *e.Error)
	}
}

func TestDriver_Relabel_TerminalProviderErrorMarksError(t *testing.T) {
	provider := &mockProvider{
		respond: func(_ models.CompletionRequest) (*models.CompletionResult, error) {
			return nil, &models.ProviderError{Message: "invalid model", StatusCode: 400}
		},
	}
	st, driver := newTestDriver(t, provider)
	node := createNode(t, st, models.NodeTypeLLMRelabel, `{"model":"nope"}`)
	seedEntry(t, st, node.ID, "first")

	require.NoError(t, driver.ProcessNode(context.Background(), node.ID, pipeline.Options{}))

	failed := entriesByStatus(t, st, node.ID, models.EntryStatusError)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].Error)
	assert.Equal(t, "invalid model", *failed[0].Error)
}

// ========================================
// Cascades and propagation
// ========================================

func TestDriver_PropagatesToDownstreamAndCascades(t *testing.T) {
	provider := &mockProvider{}
	st, driver := newTestDriver(t, provider)
	archive := createNode(t, st, models.NodeTypeArchive, `{}`)
	dataset := createNode(t, st, models.NodeTypeDataset, `{}`)
	require.NoError(t, st.LinkNodes(context.Background(), archive.ID, dataset.ID))

	e1 := seedEntry(t, st, archive.ID, "first")
	e2 := seedEntry(t, st, archive.ID, "second")

	require.NoError(t, driver.ProcessNode(context.Background(), archive.ID, pipeline.Options{}))

	// Rows flowed downstream under the same persistent IDs and the cascade
	// swept the dataset node in the same call.
	downstream := entriesByStatus(t, st, dataset.ID, models.EntryStatusProcessed)
	require.Len(t, downstream, 2)
	gotPIDs := map[uuid.UUID]bool{}
	for _, e := range downstream {
		gotPIDs[e.PersistentID] = true
	}
	assert.True(t, gotPIDs[e1.PersistentID])
	assert.True(t, gotPIDs[e2.PersistentID])
}

func TestDriver_RepropagationRefreshesDriftedRows(t *testing.T) {
	provider := &mockProvider{}
	st, driver := newTestDriver(t, provider)
	archive := createNode(t, st, models.NodeTypeArchive, `{}`)
	dataset := createNode(t, st, models.NodeTypeDataset, `{}`)
	ctx := context.Background()
	require.NoError(t, st.LinkNodes(ctx, archive.ID, dataset.ID))

	entry := seedEntry(t, st, archive.ID, "first")
	require.NoError(t, driver.ProcessNode(ctx, archive.ID, pipeline.Options{}))
	require.Len(t, entriesByStatus(t, st, dataset.ID, models.EntryStatusProcessed), 1)

	// Upstream output changes: re-running propagates the new pair downstream.
	require.NoError(t, st.MarkEntryProcessed(ctx, entry.ID, "sha256:new-output", models.SplitTrain))
	require.NoError(t, driver.ProcessNode(ctx, archive.ID, pipeline.Options{InvalidateData: true}))

	all, _, err := st.ListEntries(ctx, store.EntryFilter{NodeID: dataset.ID, Limit: 100})
	require.NoError(t, err)
	require.Len(t, all, 1, "refresh must reuse the existing downstream row")
	assert.Equal(t, "sha256:new-output", all[0].OutputHash)
}

func TestDriver_ConfigChangeInvalidatesEntries(t *testing.T) {
	provider := &mockProvider{}
	st, driver := newTestDriver(t, provider)
	node := createNode(t, st, models.NodeTypeLLMRelabel, `{"model":"gpt-4o-mini","instructions":"v1"}`)
	seedEntry(t, st, node.ID, "first")

	ctx := context.Background()
	require.NoError(t, driver.ProcessNode(ctx, node.ID, pipeline.Options{}))
	firstHash := mustGetNode(t, st, node.ID).Hash

	require.NoError(t, st.UpdateNodeConfig(ctx, node.ID, json.RawMessage(`{"model":"gpt-4o-mini","instructions":"v2"}`)))
	require.NoError(t, driver.ProcessNode(ctx, node.ID, pipeline.Options{}))

	secondHash := mustGetNode(t, st, node.ID).Hash
	assert.NotEqual(t, firstHash, secondHash, "instruction change must change the content hash")
	assert.Len(t, entriesByStatus(t, st, node.ID, models.EntryStatusProcessed), 1)
}

func TestDriver_ConcurrencyTuningDoesNotChangeHash(t *testing.T) {
	provider := &mockProvider{}
	st, driver := newTestDriver(t, provider)
	node := createNode(t, st, models.NodeTypeLLMRelabel, `{"model":"gpt-4o-mini","max_concurrency":2}`)
	seedEntry(t, st, node.ID, "first")

	ctx := context.Background()
	require.NoError(t, driver.ProcessNode(ctx, node.ID, pipeline.Options{}))
	firstHash := mustGetNode(t, st, node.ID).Hash
	require.Equal(t, 1, provider.callCount())

	require.NoError(t, st.UpdateNodeConfig(ctx, node.ID, json.RawMessage(`{"model":"gpt-4o-mini","max_concurrency":8}`)))
	require.NoError(t, driver.ProcessNode(ctx, node.ID, pipeline.Options{}))

	assert.Equal(t, firstHash, mustGetNode(t, st, node.ID).Hash)
	assert.Equal(t, 1, provider.callCount(), "tuning-only change must not reprocess")
}

// ========================================
// Coalescing
// ========================================

func TestDriver_CoalescesConcurrentSweeps(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	provider := &mockProvider{
		respond: func(_ models.CompletionRequest) (*models.CompletionResult, error) {
			close(entered)
			<-release
			return &models.CompletionResult{
				Message: models.ChatMessage{Role: "assistant", Content: "relabeled"},
			}, nil
		},
	}
	st, driver := newTestDriver(t, provider)
	node := createNode(t, st, models.NodeTypeLLMRelabel, `{"model":"gpt-4o-mini"}`)
	seedEntry(t, st, node.ID, "first")

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- driver.ProcessNode(ctx, node.ID, pipeline.Options{}) }()
	<-entered

	// Second invocation while the first holds the node: must return without
	// doing any work.
	require.NoError(t, driver.ProcessNode(ctx, node.ID, pipeline.Options{}))
	assert.Equal(t, 1, provider.callCount())

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, entriesByStatus(t, st, node.ID, models.EntryStatusProcessed), 1)
}

// ========================================
// Failure paths
// ========================================

type recordingNodeMirror struct {
	mu       sync.Mutex
	statuses []string
}

func (m *recordingNodeMirror) SetNodeStatus(_ context.Context, _ uuid.UUID, status string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *recordingNodeMirror) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.statuses...)
}

func TestDriver_MirrorsSweepActivity(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := testPipelineConfig()
	registry, err := pipeline.NewRegistry(
		pipeline.NewArchiveProcessor(st, cfg),
		pipeline.NewLLMRelabelProcessor(st, &mockProvider{}, cfg),
		pipeline.NewDatasetProcessor(st, cfg),
	)
	require.NoError(t, err)

	mirror := &recordingNodeMirror{}
	driver := pipeline.NewDriver(st, registry, cfg, pipeline.WithNodeStatusMirror(mirror))

	node := createNode(t, st, models.NodeTypeArchive, `{}`)
	seedEntry(t, st, node.ID, "hello")

	require.NoError(t, driver.ProcessNode(context.Background(), node.ID, pipeline.Options{}))
	assert.Equal(t, []string{"PROCESSING", "IDLE"}, mirror.recorded())
}

func TestDriver_UnknownNode(t *testing.T) {
	_, driver := newTestDriver(t, &mockProvider{})
	err := driver.ProcessNode(context.Background(), uuid.New(), pipeline.Options{})
	assert.Error(t, err)
}

func mustGetNode(t *testing.T, st *store.MemoryStore, id uuid.UUID) *models.Node {
	t.Helper()
	n, err := st.GetNode(context.Background(), id)
	require.NoError(t, err)
	return n
}
