package completions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rowforge/rowforge/internal/hash"
	"github.com/rowforge/rowforge/internal/store"
	"github.com/rowforge/rowforge/pkg/models"
)

const (
	minBackoff     = 500 * time.Millisecond
	maxBackoff     = 15 * time.Second
	maxAutoRetries = 10

	statusMirrorTTL = time.Minute
)

// StatusMirror receives every cell status transition so pollers can read the
// current state from a shared cache instead of the database. Implemented by
// cache.RedisCache.
type StatusMirror interface {
	SetCellStatus(ctx context.Context, cellID uuid.UUID, status string, ttl time.Duration) error
}

// Engine resolves one cell at a time: it builds the prompt from the variant
// template and scenario variables, calls the provider, retries auto-retryable
// failures in-process, and records the model output exactly once.
type Engine struct {
	store       store.Store
	provider    models.CompletionProvider
	broadcaster *Broadcaster
	timeout     time.Duration

	resultHook func(ctx context.Context, cell *models.ScenarioVariantCell, output *models.ModelOutput)
	mirror     StatusMirror
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func(base time.Duration) time.Duration
}

// Option customizes an Engine.
type Option func(*Engine)

// WithResultHook registers a callback invoked after a cell completes
// successfully, e.g. to kick off downstream evaluations.
func WithResultHook(fn func(ctx context.Context, cell *models.ScenarioVariantCell, output *models.ModelOutput)) Option {
	return func(e *Engine) { e.resultHook = fn }
}

// WithStatusMirror mirrors cell status transitions into the given cache.
func WithStatusMirror(m StatusMirror) Option {
	return func(e *Engine) { e.mirror = m }
}

// NewEngine creates an Engine. timeout bounds each individual provider
// attempt, not the whole retry loop.
func NewEngine(st store.Store, provider models.CompletionProvider, b *Broadcaster, timeout time.Duration, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		provider:    provider,
		broadcaster: b,
		timeout:     timeout,
		sleep:       sleepCtx,
		jitter: func(base time.Duration) time.Duration {
			if base <= 0 {
				return 0
			}
			return time.Duration(rand.Int64N(int64(base)))
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessCell drives the cell from PENDING to a terminal state. A cell that
// is not PENDING has been taken by another worker or already resolved, and
// the call is a no-op. Returned errors are infrastructure failures; provider
// failures are recorded on the cell itself.
func (e *Engine) ProcessCell(ctx context.Context, cellID uuid.UUID) error {
	cell, err := e.store.GetCell(ctx, cellID)
	if err != nil {
		return fmt.Errorf("get cell: %w", err)
	}
	if cell.RetrievalStatus != models.CellStatusPending {
		slog.Info("cell not pending, skipping", "cell_id", cellID, "status", cell.RetrievalStatus)
		return nil
	}
	if err := e.setStatus(ctx, cellID, models.CellStatusInProgress); err != nil {
		return fmt.Errorf("mark cell in progress: %w", err)
	}

	model, messages, code, err := e.resolvePrompt(ctx, cell)
	if err != nil {
		e.fail(ctx, cellID, code, err.Error())
		return nil
	}
	promptHash, err := hash.PromptHash(model, messages)
	if err != nil {
		e.fail(ctx, cellID, http.StatusInternalServerError, err.Error())
		return nil
	}

	for attempt := 0; ; attempt++ {
		result, err := e.complete(ctx, cellID, model, messages)
		if err == nil {
			return e.finish(ctx, cell, promptHash, result)
		}

		var provErr *models.ProviderError
		if !errors.As(err, &provErr) {
			e.fail(ctx, cellID, http.StatusInternalServerError, err.Error())
			return nil
		}
		if !provErr.AutoRetry || attempt >= maxAutoRetries {
			e.fail(ctx, cellID, provErr.StatusCode, provErr.Message)
			return nil
		}

		delay := backoffDelay(attempt, e.jitter)
		retryAt := time.Now().UTC().Add(delay)
		if err := e.setStatus(ctx, cellID, models.CellStatusError,
			store.WithStatusCode(provErr.StatusCode),
			store.WithErrorMessage(provErr.Message),
			store.WithRetryTime(retryAt)); err != nil {
			return fmt.Errorf("record transient failure: %w", err)
		}
		e.broadcaster.Publish(cellID, Event{Type: EventRetry, Message: provErr.Message, Attempt: attempt + 1})
		slog.Warn("cell attempt failed, retrying",
			"cell_id", cellID, "attempt", attempt+1, "delay", delay, "status_code", provErr.StatusCode)

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
		if err := e.setStatus(ctx, cellID, models.CellStatusPending); err != nil {
			return fmt.Errorf("reset cell for retry: %w", err)
		}
		if err := e.setStatus(ctx, cellID, models.CellStatusInProgress); err != nil {
			return fmt.Errorf("mark cell in progress: %w", err)
		}
	}
}

// complete runs one bounded provider attempt, streaming chunks to subscribers.
func (e *Engine) complete(ctx context.Context, cellID uuid.UUID, model string, messages []models.ChatMessage) (*models.CompletionResult, error) {
	attemptCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	return e.provider.Complete(attemptCtx, models.CompletionRequest{
		Model:    model,
		Messages: messages,
		OnChunk: func(delta string) {
			e.broadcaster.Publish(cellID, Event{Type: EventChunk, Delta: delta})
		},
	})
}

func (e *Engine) finish(ctx context.Context, cell *models.ScenarioVariantCell, promptHash string, result *models.CompletionResult) error {
	outputJSON, err := json.Marshal(result.Message)
	if err != nil {
		return fmt.Errorf("marshal model output: %w", err)
	}
	statusCode := result.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	output := &models.ModelOutput{
		ID:           uuid.New(),
		CellID:       cell.ID,
		PromptHash:   promptHash,
		Output:       outputJSON,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		Cost:         result.Cost,
		LatencyMS:    result.Latency.Milliseconds(),
		StatusCode:   statusCode,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.store.CreateModelOutput(ctx, output); err != nil {
		// Another worker won the race; the cell still converges to COMPLETE.
		if !errors.Is(err, store.ErrDuplicateKey) {
			return fmt.Errorf("create model output: %w", err)
		}
	}
	if err := e.setStatus(ctx, cell.ID, models.CellStatusComplete,
		store.WithStatusCode(statusCode), store.WithNoRetry()); err != nil {
		return fmt.Errorf("mark cell complete: %w", err)
	}

	if e.resultHook != nil {
		e.resultHook(ctx, cell, output)
	}
	e.broadcaster.Publish(cell.ID, Event{Type: EventComplete})
	e.broadcaster.Finish(cell.ID)
	return nil
}

// setStatus updates the cell status and best-effort mirrors it into the
// shared cache; a mirror failure never blocks the state machine.
func (e *Engine) setStatus(ctx context.Context, cellID uuid.UUID, status models.CellStatus, opts ...store.CellUpdateOption) error {
	if err := e.store.UpdateCellStatus(ctx, cellID, status, opts...); err != nil {
		return err
	}
	if e.mirror != nil {
		if err := e.mirror.SetCellStatus(ctx, cellID, string(status), statusMirrorTTL); err != nil {
			slog.Warn("mirror cell status", "cell_id", cellID, "status", status, "error", err)
		}
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, cellID uuid.UUID, statusCode int, message string) {
	if err := e.setStatus(ctx, cellID, models.CellStatusError,
		store.WithStatusCode(statusCode),
		store.WithErrorMessage(message),
		store.WithNoRetry()); err != nil {
		slog.Error("record cell failure", "cell_id", cellID, "error", err)
	}
	slog.Error("cell failed", "cell_id", cellID, "status_code", statusCode, "message", message)
	e.broadcaster.Publish(cellID, Event{Type: EventError, Message: message})
	e.broadcaster.Finish(cellID)
}

// resolvePrompt loads the cell's variant and scenario and substitutes
// scenario variables into the template. The returned code classifies
// failures: 404 for missing references, 400 for unusable templates.
func (e *Engine) resolvePrompt(ctx context.Context, cell *models.ScenarioVariantCell) (string, []models.ChatMessage, int, error) {
	variant, err := e.store.GetPromptVariant(ctx, cell.VariantID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, http.StatusNotFound, fmt.Errorf("prompt variant %s not found", cell.VariantID)
	}
	if err != nil {
		return "", nil, http.StatusInternalServerError, err
	}
	scenario, err := e.store.GetTestScenario(ctx, cell.ScenarioID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, http.StatusNotFound, fmt.Errorf("test scenario %s not found", cell.ScenarioID)
	}
	if err != nil {
		return "", nil, http.StatusInternalServerError, err
	}

	if len(variant.Template) == 0 {
		return "", nil, http.StatusBadRequest, fmt.Errorf("prompt variant %s has no template messages", variant.ID)
	}

	messages := make([]models.ChatMessage, len(variant.Template))
	for i, m := range variant.Template {
		content, err := substituteVariables(m.Content, scenario.Variables)
		if err != nil {
			return "", nil, http.StatusBadRequest, err
		}
		messages[i] = models.ChatMessage{Role: m.Role, Content: content}
	}
	return variant.Model, messages, 0, nil
}

var variablePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// substituteVariables replaces {{name}} references with scenario variable
// values. An unbound reference is a construction error, not a provider error.
func substituteVariables(content string, variables map[string]string) (string, error) {
	var missing []string
	out := variablePattern.ReplaceAllStringFunc(content, func(match string) string {
		name := variablePattern.FindStringSubmatch(match)[1]
		value, ok := variables[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("template references unbound variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// backoffDelay computes the wait before the next attempt: exponential growth
// from minBackoff capped at maxBackoff, plus uniform jitter in [0, base).
func backoffDelay(attempt int, jitter func(time.Duration) time.Duration) time.Duration {
	base := minBackoff
	for i := 0; i < attempt && base < maxBackoff; i++ {
		base *= 2
	}
	if base > maxBackoff {
		base = maxBackoff
	}
	return base + jitter(base)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
