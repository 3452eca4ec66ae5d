package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	mw "github.com/rowforge/rowforge/internal/api/middleware"
	"github.com/rowforge/rowforge/internal/api/response"
	"github.com/rowforge/rowforge/internal/completions"
	"github.com/rowforge/rowforge/internal/queue"
	"github.com/rowforge/rowforge/internal/store"
	"github.com/rowforge/rowforge/pkg/models"
)

// CreateVariant handles POST /api/v1/variants.
func (h *Handlers) CreateVariant(w http.ResponseWriter, r *http.Request) {
	projectID, ok := mw.GetProjectID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
		return
	}

	var req struct {
		Model    string               `json:"model"`
		Template []models.ChatMessage `json:"template"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if req.Model == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "model is required", nil)
		return
	}
	if len(req.Template) == 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "template must have at least one message", nil)
		return
	}

	now := time.Now().UTC()
	variant := &models.PromptVariant{
		ID:        uuid.New(),
		ProjectID: projectID,
		Model:     req.Model,
		Template:  req.Template,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreatePromptVariant(r.Context(), variant); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create variant", nil)
		return
	}
	response.Created(w, variant)
}

// CreateScenario handles POST /api/v1/scenarios.
func (h *Handlers) CreateScenario(w http.ResponseWriter, r *http.Request) {
	projectID, ok := mw.GetProjectID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
		return
	}

	var req struct {
		Variables map[string]string `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if req.Variables == nil {
		req.Variables = map[string]string{}
	}

	now := time.Now().UTC()
	scenario := &models.TestScenario{
		ID:        uuid.New(),
		ProjectID: projectID,
		Variables: req.Variables,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateTestScenario(r.Context(), scenario); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create scenario", nil)
		return
	}
	response.Created(w, scenario)
}

// CreateCell handles POST /api/v1/cells, pairing a variant with a scenario
// and queueing retrieval.
func (h *Handlers) CreateCell(w http.ResponseWriter, r *http.Request) {
	projectID, ok := mw.GetProjectID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
		return
	}

	var req struct {
		VariantID  uuid.UUID `json:"variant_id"`
		ScenarioID uuid.UUID `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.VariantID == uuid.Nil || req.ScenarioID == uuid.Nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "variant_id and scenario_id are required", nil)
		return
	}

	if _, err := h.store.GetPromptVariant(r.Context(), req.VariantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Prompt variant not found", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load variant", nil)
		return
	}
	if _, err := h.store.GetTestScenario(r.Context(), req.ScenarioID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Test scenario not found", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load scenario", nil)
		return
	}

	now := time.Now().UTC()
	cell := &models.ScenarioVariantCell{
		ID:              uuid.New(),
		ProjectID:       projectID,
		VariantID:       req.VariantID,
		ScenarioID:      req.ScenarioID,
		RetrievalStatus: models.CellStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := h.store.CreateCell(r.Context(), cell); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			response.Error(w, http.StatusConflict, "CONFLICT", "Cell already exists for this variant and scenario", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create cell", nil)
		return
	}

	if err := h.queue.Enqueue(r.Context(), queue.NewCellJob(cell.ID)); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to queue retrieval", nil)
		return
	}
	response.Accepted(w, cell)
}

// GetCell handles GET /api/v1/cells/{cellID}.
func (h *Handlers) GetCell(w http.ResponseWriter, r *http.Request) {
	cellID, ok := urlUUID(w, r, "cellID")
	if !ok {
		return
	}
	cell, err := h.store.GetCell(r.Context(), cellID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Cell not found", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load cell", nil)
		return
	}
	response.JSON(w, cell)
}

// cellStatusTTL bounds how long a store-sourced status stays in the cache
// before a poll has to re-read the database.
const cellStatusTTL = time.Minute

// GetCellStatus handles GET /api/v1/cells/{cellID}/status. Polls are served
// from the cache mirror when warm; on a miss the store is consulted and the
// result mirrored for subsequent polls.
func (h *Handlers) GetCellStatus(w http.ResponseWriter, r *http.Request) {
	cellID, ok := urlUUID(w, r, "cellID")
	if !ok {
		return
	}

	if h.statusCache != nil {
		if status, found, err := h.statusCache.GetCellStatus(r.Context(), cellID); err == nil && found {
			response.JSON(w, map[string]any{"cell_id": cellID, "retrieval_status": status})
			return
		}
	}

	cell, err := h.store.GetCell(r.Context(), cellID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Cell not found", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load cell", nil)
		return
	}
	if h.statusCache != nil {
		// Best effort; the next poll simply misses again.
		_ = h.statusCache.SetCellStatus(r.Context(), cellID, string(cell.RetrievalStatus), cellStatusTTL)
	}
	response.JSON(w, map[string]any{"cell_id": cell.ID, "retrieval_status": cell.RetrievalStatus})
}

// GetCellOutput handles GET /api/v1/cells/{cellID}/output.
func (h *Handlers) GetCellOutput(w http.ResponseWriter, r *http.Request) {
	cellID, ok := urlUUID(w, r, "cellID")
	if !ok {
		return
	}
	output, err := h.store.GetModelOutputByCell(r.Context(), cellID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "No output recorded for this cell", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load output", nil)
		return
	}
	response.JSON(w, output)
}

// RetryCell handles POST /api/v1/cells/{cellID}/retry, returning a terminal
// ERROR cell to PENDING and queueing retrieval again.
func (h *Handlers) RetryCell(w http.ResponseWriter, r *http.Request) {
	cellID, ok := urlUUID(w, r, "cellID")
	if !ok {
		return
	}

	cell, err := h.store.GetCell(r.Context(), cellID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Cell not found", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load cell", nil)
		return
	}
	if cell.RetrievalStatus != models.CellStatusError {
		response.Error(w, http.StatusConflict, "CONFLICT", "Only failed cells can be retried", nil)
		return
	}

	if err := h.store.UpdateCellStatus(r.Context(), cellID, models.CellStatusPending, store.WithNoRetry()); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to reset cell", nil)
		return
	}
	if err := h.queue.Enqueue(r.Context(), queue.NewCellJob(cellID)); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to queue retrieval", nil)
		return
	}
	response.Accepted(w, map[string]any{"cell_id": cellID, "status": "queued"})
}

// StreamCell handles GET /api/v1/cells/{cellID}/stream as server-sent events.
// Subscribers receive chunk, retry, and terminal events in order. A cell that
// is already terminal gets a single snapshot event.
func (h *Handlers) StreamCell(w http.ResponseWriter, r *http.Request) {
	cellID, ok := urlUUID(w, r, "cellID")
	if !ok {
		return
	}

	cell, err := h.store.GetCell(r.Context(), cellID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Cell not found", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load cell", nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Streaming unsupported", nil)
		return
	}

	ch, cancel := h.broadcaster.Subscribe(cellID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Re-read after subscribing: the terminal event may have been published
	// between the first read and the subscription.
	cell, err = h.store.GetCell(r.Context(), cellID)
	if err == nil && isTerminal(cell) {
		writeSSE(w, flusher, terminalSnapshot(cell))
		return
	}

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, flusher, ev)
			if ev.Type == completions.EventComplete || ev.Type == completions.EventError {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func isTerminal(cell *models.ScenarioVariantCell) bool {
	switch cell.RetrievalStatus {
	case models.CellStatusComplete:
		return true
	case models.CellStatusError:
		return cell.RetryTime == nil
	default:
		return false
	}
}

func terminalSnapshot(cell *models.ScenarioVariantCell) completions.Event {
	if cell.RetrievalStatus == models.CellStatusComplete {
		return completions.Event{Type: completions.EventComplete}
	}
	msg := ""
	if cell.ErrorMessage != nil {
		msg = *cell.ErrorMessage
	}
	return completions.Event{Type: completions.EventError, Message: msg}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev completions.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
