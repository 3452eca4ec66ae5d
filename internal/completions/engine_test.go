package completions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowforge/rowforge/internal/store"
	"github.com/rowforge/rowforge/pkg/models"
)

// --- scripted provider ---

// scriptedProvider returns queued outcomes in order; once the script is
// exhausted it repeats the last outcome.
type scriptedProvider struct {
	mu      sync.Mutex
	calls   int
	chunks  []string
	script  []providerStep
	lastReq models.CompletionRequest
}

type providerStep struct {
	result *models.CompletionResult
	err    error
}

func (p *scriptedProvider) Complete(_ context.Context, req models.CompletionRequest) (*models.CompletionResult, error) {
	p.mu.Lock()
	i := p.calls
	p.calls++
	p.lastReq = req
	chunks := append([]string(nil), p.chunks...)
	p.mu.Unlock()

	for _, c := range chunks {
		if req.OnChunk != nil {
			req.OnChunk(c)
		}
	}
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	step := p.script[i]
	return step.result, step.err
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func success(content string) providerStep {
	return providerStep{result: &models.CompletionResult{
		Message:      models.ChatMessage{Role: "assistant", Content: content},
		InputTokens:  12,
		OutputTokens: 7,
		StatusCode:   200,
	}}
}

func transientFailure() providerStep {
	return providerStep{err: &models.ProviderError{Message: "overloaded", StatusCode: 529, AutoRetry: true}}
}

// --- fixtures ---

type cellFixture struct {
	store  *store.MemoryStore
	cell   *models.ScenarioVariantCell
	cellID uuid.UUID
}

func newCellFixture(t *testing.T, template []models.ChatMessage, variables map[string]string) *cellFixture {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	variant := &models.PromptVariant{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Model:     "gpt-4o-mini",
		Template:  template,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreatePromptVariant(ctx, variant))

	scenario := &models.TestScenario{
		ID:        uuid.New(),
		ProjectID: variant.ProjectID,
		Variables: variables,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateTestScenario(ctx, scenario))

	cell := &models.ScenarioVariantCell{
		ID:              uuid.New(),
		ProjectID:       variant.ProjectID,
		VariantID:       variant.ID,
		ScenarioID:      scenario.ID,
		RetrievalStatus: models.CellStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, st.CreateCell(ctx, cell))

	return &cellFixture{store: st, cell: cell, cellID: cell.ID}
}

func defaultTemplate() []models.ChatMessage {
	return []models.ChatMessage{
		{Role: "system", Content: "You answer about {{topic}}."},
		{Role: "user", Content: "Tell me about {{topic}}."},
	}
}

// instantEngine builds an Engine whose sleeps return immediately and whose
// jitter is zero, recording every requested delay.
func instantEngine(st *store.MemoryStore, provider models.CompletionProvider) (*Engine, *[]time.Duration) {
	var delays []time.Duration
	e := NewEngine(st, provider, NewBroadcaster(), time.Second)
	e.jitter = func(time.Duration) time.Duration { return 0 }
	e.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return e, &delays
}

func getCell(t *testing.T, st *store.MemoryStore, id uuid.UUID) *models.ScenarioVariantCell {
	t.Helper()
	c, err := st.GetCell(context.Background(), id)
	require.NoError(t, err)
	return c
}

// ========================================
// ProcessCell
// ========================================

func TestProcessCell_Success(t *testing.T) {
	fx := newCellFixture(t, defaultTemplate(), map[string]string{"topic": "tides"})
	provider := &scriptedProvider{script: []providerStep{success("tides answer")}}
	engine, _ := instantEngine(fx.store, provider)

	require.NoError(t, engine.ProcessCell(context.Background(), fx.cellID))

	cell := getCell(t, fx.store, fx.cellID)
	assert.Equal(t, models.CellStatusComplete, cell.RetrievalStatus)
	require.NotNil(t, cell.StatusCode)
	assert.Equal(t, 200, *cell.StatusCode)
	assert.Nil(t, cell.RetryTime)

	output, err := fx.store.GetModelOutputByCell(context.Background(), fx.cellID)
	require.NoError(t, err)
	assert.Contains(t, string(output.Output), "tides answer")
	assert.Equal(t, 12, output.InputTokens)
	assert.NotEmpty(t, output.PromptHash)

	// Variables were substituted before the provider saw the prompt.
	assert.Equal(t, "Tell me about tides.", provider.lastReq.Messages[1].Content)
}

func TestProcessCell_NonPendingCellIsNoOp(t *testing.T) {
	fx := newCellFixture(t, defaultTemplate(), map[string]string{"topic": "tides"})
	provider := &scriptedProvider{script: []providerStep{success("x")}}
	engine, _ := instantEngine(fx.store, provider)

	ctx := context.Background()
	require.NoError(t, fx.store.UpdateCellStatus(ctx, fx.cellID, models.CellStatusInProgress))

	require.NoError(t, engine.ProcessCell(ctx, fx.cellID))
	assert.Zero(t, provider.callCount(), "a claimed cell must not be re-attempted")
	assert.Equal(t, models.CellStatusInProgress, getCell(t, fx.store, fx.cellID).RetrievalStatus)
}

func TestProcessCell_TransientFailureRetriesThenSucceeds(t *testing.T) {
	fx := newCellFixture(t, defaultTemplate(), map[string]string{"topic": "tides"})
	provider := &scriptedProvider{script: []providerStep{
		transientFailure(),
		transientFailure(),
		success("third time"),
	}}
	engine, delays := instantEngine(fx.store, provider)

	require.NoError(t, engine.ProcessCell(context.Background(), fx.cellID))

	assert.Equal(t, 3, provider.callCount())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, *delays)

	cell := getCell(t, fx.store, fx.cellID)
	assert.Equal(t, models.CellStatusComplete, cell.RetrievalStatus)
	assert.Nil(t, cell.RetryTime)
}

func TestProcessCell_ExhaustsAutoRetries(t *testing.T) {
	fx := newCellFixture(t, defaultTemplate(), map[string]string{"topic": "tides"})
	provider := &scriptedProvider{script: []providerStep{transientFailure()}}
	engine, delays := instantEngine(fx.store, provider)

	require.NoError(t, engine.ProcessCell(context.Background(), fx.cellID))

	// Initial attempt plus maxAutoRetries retries.
	assert.Equal(t, maxAutoRetries+1, provider.callCount())
	assert.Len(t, *delays, maxAutoRetries)

	cell := getCell(t, fx.store, fx.cellID)
	assert.Equal(t, models.CellStatusError, cell.RetrievalStatus)
	require.NotNil(t, cell.StatusCode)
	assert.Equal(t, 529, *cell.StatusCode)
	require.NotNil(t, cell.ErrorMessage)
	assert.Equal(t, "overloaded", *cell.ErrorMessage)
	assert.Nil(t, cell.RetryTime, "terminal failure must clear the retry schedule")

	_, err := fx.store.GetModelOutputByCell(context.Background(), fx.cellID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessCell_NonRetryableFailureIsTerminal(t *testing.T) {
	fx := newCellFixture(t, defaultTemplate(), map[string]string{"topic": "tides"})
	provider := &scriptedProvider{script: []providerStep{
		{err: &models.ProviderError{Message: "invalid model", StatusCode: 404}},
	}}
	engine, delays := instantEngine(fx.store, provider)

	require.NoError(t, engine.ProcessCell(context.Background(), fx.cellID))

	assert.Equal(t, 1, provider.callCount())
	assert.Empty(t, *delays)
	cell := getCell(t, fx.store, fx.cellID)
	assert.Equal(t, models.CellStatusError, cell.RetrievalStatus)
}

func TestProcessCell_UnboundVariableFailsWithoutProviderCall(t *testing.T) {
	fx := newCellFixture(t, defaultTemplate(), map[string]string{})
	provider := &scriptedProvider{script: []providerStep{success("x")}}
	engine, _ := instantEngine(fx.store, provider)

	require.NoError(t, engine.ProcessCell(context.Background(), fx.cellID))

	assert.Zero(t, provider.callCount())
	cell := getCell(t, fx.store, fx.cellID)
	assert.Equal(t, models.CellStatusError, cell.RetrievalStatus)
	require.NotNil(t, cell.StatusCode)
	assert.Equal(t, 400, *cell.StatusCode)
	require.NotNil(t, cell.ErrorMessage)
	assert.Contains(t, *cell.ErrorMessage, "topic")
}

func TestProcessCell_MissingVariantIs404(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	cell := &models.ScenarioVariantCell{
		ID:              uuid.New(),
		VariantID:       uuid.New(),
		ScenarioID:      uuid.New(),
		RetrievalStatus: models.CellStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, st.CreateCell(ctx, cell))

	provider := &scriptedProvider{script: []providerStep{success("x")}}
	engine, _ := instantEngine(st, provider)

	require.NoError(t, engine.ProcessCell(ctx, cell.ID))

	got := getCell(t, st, cell.ID)
	assert.Equal(t, models.CellStatusError, got.RetrievalStatus)
	require.NotNil(t, got.StatusCode)
	assert.Equal(t, 404, *got.StatusCode)
}

func TestProcessCell_StreamsChunksAndEventsInOrder(t *testing.T) {
	fx := newCellFixture(t, defaultTemplate(), map[string]string{"topic": "tides"})
	provider := &scriptedProvider{
		chunks: []string{"par", "tial"},
		script: []providerStep{success("partial")},
	}
	engine, _ := instantEngine(fx.store, provider)

	ch, cancel := engine.broadcaster.Subscribe(fx.cellID)
	defer cancel()

	require.NoError(t, engine.ProcessCell(context.Background(), fx.cellID))

	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	require.Len(t, events, 3)
	assert.Equal(t, Event{Type: EventChunk, Delta: "par"}, events[0])
	assert.Equal(t, Event{Type: EventChunk, Delta: "tial"}, events[1])
	assert.Equal(t, EventComplete, events[2].Type)
}

func TestProcessCell_ResultHookFires(t *testing.T) {
	fx := newCellFixture(t, defaultTemplate(), map[string]string{"topic": "tides"})
	provider := &scriptedProvider{script: []providerStep{success("x")}}

	var hookCell uuid.UUID
	engine := NewEngine(fx.store, provider, NewBroadcaster(), time.Second,
		WithResultHook(func(_ context.Context, cell *models.ScenarioVariantCell, _ *models.ModelOutput) {
			hookCell = cell.ID
		}))

	require.NoError(t, engine.ProcessCell(context.Background(), fx.cellID))
	assert.Equal(t, fx.cellID, hookCell)
}

type recordingStatusMirror struct {
	mu       sync.Mutex
	statuses []string
}

func (m *recordingStatusMirror) SetCellStatus(_ context.Context, _ uuid.UUID, status string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *recordingStatusMirror) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.statuses...)
}

func TestProcessCell_MirrorsEveryStatusTransition(t *testing.T) {
	fx := newCellFixture(t, defaultTemplate(), map[string]string{"topic": "tides"})
	provider := &scriptedProvider{script: []providerStep{transientFailure(), success("ok")}}

	mirror := &recordingStatusMirror{}
	engine := NewEngine(fx.store, provider, NewBroadcaster(), time.Second, WithStatusMirror(mirror))
	engine.jitter = func(time.Duration) time.Duration { return 0 }
	engine.sleep = func(context.Context, time.Duration) error { return nil }

	require.NoError(t, engine.ProcessCell(context.Background(), fx.cellID))

	assert.Equal(t, []string{
		"IN_PROGRESS", "ERROR", "PENDING", "IN_PROGRESS", "COMPLETE",
	}, mirror.recorded())
}

// ========================================
// Backoff
// ========================================

func TestBackoffDelay_GrowthAndCap(t *testing.T) {
	zero := func(time.Duration) time.Duration { return 0 }

	assert.Equal(t, 500*time.Millisecond, backoffDelay(0, zero))
	assert.Equal(t, time.Second, backoffDelay(1, zero))
	assert.Equal(t, 2*time.Second, backoffDelay(2, zero))
	assert.Equal(t, 8*time.Second, backoffDelay(4, zero))
	assert.Equal(t, 15*time.Second, backoffDelay(5, zero))
	assert.Equal(t, 15*time.Second, backoffDelay(50, zero))
}

func TestBackoffDelay_JitterRange(t *testing.T) {
	e := NewEngine(store.NewMemoryStore(), &scriptedProvider{script: []providerStep{success("x")}}, NewBroadcaster(), time.Second)

	for attempt := 0; attempt <= 6; attempt++ {
		base := backoffDelay(attempt, func(time.Duration) time.Duration { return 0 })
		for i := 0; i < 50; i++ {
			d := backoffDelay(attempt, e.jitter)
			assert.GreaterOrEqual(t, d, base)
			assert.Less(t, d, 2*base)
		}
	}
}

// ========================================
// Variable substitution
// ========================================

func TestSubstituteVariables(t *testing.T) {
	vars := map[string]string{"name": "Ada", "lang": "Go"}

	out, err := substituteVariables("Hello {{name}}, write {{ lang }}.", vars)
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada, write Go.", out)

	out, err = substituteVariables("no placeholders", vars)
	require.NoError(t, err)
	assert.Equal(t, "no placeholders", out)

	_, err = substituteVariables("{{name}} uses {{editor}} and {{os}}", vars)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "editor")
	assert.Contains(t, err.Error(), "os")
}
