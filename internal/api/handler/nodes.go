package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	mw "github.com/rowforge/rowforge/internal/api/middleware"
	"github.com/rowforge/rowforge/internal/api/response"
	"github.com/rowforge/rowforge/internal/queue"
	"github.com/rowforge/rowforge/internal/store"
	"github.com/rowforge/rowforge/pkg/models"
)

var validNodeTypes = map[models.NodeType]bool{
	models.NodeTypeArchive:    true,
	models.NodeTypeLLMRelabel: true,
	models.NodeTypeDataset:    true,
}

// CreateNode handles POST /api/v1/nodes.
func (h *Handlers) CreateNode(w http.ResponseWriter, r *http.Request) {
	projectID, ok := mw.GetProjectID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
		return
	}

	var req struct {
		Type   string          `json:"type"`
		Name   string          `json:"name"`
		Config json.RawMessage `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if !validNodeTypes[models.NodeType(req.Type)] {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
			"type must be one of archive, llm_relabel, dataset", nil)
		return
	}
	if req.Name == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
		return
	}

	now := time.Now().UTC()
	node := &models.Node{
		ID:        uuid.New(),
		ProjectID: projectID,
		Type:      models.NodeType(req.Type),
		Name:      req.Name,
		Config:    req.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// Hash is computed and stored on the first driver sweep.
	if err := h.store.CreateNode(r.Context(), node); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create node", nil)
		return
	}
	response.Created(w, node)
}

// GetNodeStatus handles GET /api/v1/nodes/{nodeID}/status, reporting sweep
// activity from the cache mirror. A node without a mirrored entry is idle.
func (h *Handlers) GetNodeStatus(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := urlUUID(w, r, "nodeID")
	if !ok {
		return
	}
	if _, err := h.store.GetNode(r.Context(), nodeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Node not found", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load node", nil)
		return
	}

	status := "IDLE"
	if h.statusCache != nil {
		if s, found, err := h.statusCache.GetNodeStatus(r.Context(), nodeID); err == nil && found {
			status = s
		}
	}
	response.JSON(w, map[string]any{"node_id": nodeID, "status": status})
}

// GetNode handles GET /api/v1/nodes/{nodeID}.
func (h *Handlers) GetNode(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := urlUUID(w, r, "nodeID")
	if !ok {
		return
	}
	node, err := h.store.GetNode(r.Context(), nodeID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Node not found", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load node", nil)
		return
	}
	response.JSON(w, node)
}

// UpdateNodeConfig handles PATCH /api/v1/nodes/{nodeID}/config. The new
// config is persisted and a sweep is queued; the driver decides from the
// hash whether anything must be reprocessed.
func (h *Handlers) UpdateNodeConfig(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := urlUUID(w, r, "nodeID")
	if !ok {
		return
	}

	var req struct {
		Config json.RawMessage `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Config) == 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "config is required", nil)
		return
	}

	err := h.store.UpdateNodeConfig(r.Context(), nodeID, req.Config)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Node not found", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update config", nil)
		return
	}

	if err := h.queue.Enqueue(r.Context(), queue.NewNodeJob(nodeID, false)); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to queue processing", nil)
		return
	}
	response.Accepted(w, map[string]any{"node_id": nodeID, "status": "queued"})
}

// LinkNodes handles POST /api/v1/nodes/{nodeID}/links, wiring this node as
// upstream of the given downstream node.
func (h *Handlers) LinkNodes(w http.ResponseWriter, r *http.Request) {
	upstreamID, ok := urlUUID(w, r, "nodeID")
	if !ok {
		return
	}

	var req struct {
		DownstreamID uuid.UUID `json:"downstream_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DownstreamID == uuid.Nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "downstream_id is required", nil)
		return
	}
	if req.DownstreamID == upstreamID {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "a node cannot be linked to itself", nil)
		return
	}

	for _, id := range []uuid.UUID{upstreamID, req.DownstreamID} {
		if _, err := h.store.GetNode(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Node not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load node", nil)
			return
		}
	}

	cycle, err := h.wouldCycle(r.Context(), upstreamID, req.DownstreamID)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to inspect pipeline shape", nil)
		return
	}
	if cycle {
		response.Error(w, http.StatusConflict, "CONFLICT", "Link would create a cycle", nil)
		return
	}

	if err := h.store.LinkNodes(r.Context(), upstreamID, req.DownstreamID); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to link nodes", nil)
		return
	}

	// A new upstream changes the downstream node's lineage hash.
	if err := h.queue.Enqueue(r.Context(), queue.NewNodeJob(req.DownstreamID, false)); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to queue processing", nil)
		return
	}
	response.Created(w, map[string]any{"upstream_id": upstreamID, "downstream_id": req.DownstreamID})
}

// wouldCycle reports whether upstream is reachable from downstream, in which
// case adding the link would close a cycle. Pipelines must stay acyclic: a
// cycle makes the lineage hashes of its members oscillate, re-invalidating
// their entries on every sweep.
func (h *Handlers) wouldCycle(ctx context.Context, upstreamID, downstreamID uuid.UUID) (bool, error) {
	frontier := []uuid.UUID{downstreamID}
	seen := map[uuid.UUID]bool{downstreamID: true}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if id == upstreamID {
			return true, nil
		}
		next, err := h.store.ListDownstreamNodes(ctx, id)
		if err != nil {
			return false, err
		}
		for _, n := range next {
			if !seen[n.ID] {
				seen[n.ID] = true
				frontier = append(frontier, n.ID)
			}
		}
	}
	return false, nil
}

// ProcessNode handles POST /api/v1/nodes/{nodeID}/process, queueing a sweep.
func (h *Handlers) ProcessNode(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := urlUUID(w, r, "nodeID")
	if !ok {
		return
	}

	var req struct {
		Invalidate bool `json:"invalidate"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
	}

	if _, err := h.store.GetNode(r.Context(), nodeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Node not found", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load node", nil)
		return
	}

	if err := h.queue.Enqueue(r.Context(), queue.NewNodeJob(nodeID, req.Invalidate)); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to queue processing", nil)
		return
	}
	response.Accepted(w, map[string]any{"node_id": nodeID, "status": "queued", "invalidate": req.Invalidate})
}

// IngestEntries handles POST /api/v1/nodes/{nodeID}/entries with a JSONL body.
func (h *Handlers) IngestEntries(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := urlUUID(w, r, "nodeID")
	if !ok {
		return
	}

	node, err := h.store.GetNode(r.Context(), nodeID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Node not found", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load node", nil)
		return
	}
	if node.Type != models.NodeTypeArchive {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Entries can only be ingested into archive nodes", nil)
		return
	}

	report, err := h.ingestor.IngestJSONL(r.Context(), node, r.Body)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Ingestion failed", nil)
		return
	}

	if report.Created > 0 {
		if err := h.queue.Enqueue(r.Context(), queue.NewNodeJob(nodeID, false)); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to queue processing", nil)
			return
		}
	}
	response.Created(w, report)
}

// ListEntries handles GET /api/v1/nodes/{nodeID}/entries.
func (h *Handlers) ListEntries(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := urlUUID(w, r, "nodeID")
	if !ok {
		return
	}

	filter := store.EntryFilter{NodeID: nodeID}
	if s := r.URL.Query().Get("status"); s != "" {
		status := models.EntryStatus(s)
		switch status {
		case models.EntryStatusPending, models.EntryStatusProcessing,
			models.EntryStatusProcessed, models.EntryStatusError:
			filter.Status = status
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid status filter", nil)
			return
		}
	}
	filter.Page = queryInt(r, "page", 1)
	filter.Limit = queryInt(r, "limit", 20)

	entries, total, err := h.store.ListEntries(r.Context(), filter)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list entries", nil)
		return
	}
	if entries == nil {
		entries = []*models.NodeEntry{}
	}
	response.Collection(w, entries, response.NewMeta(filter.Page, filter.Limit, total))
}

// ResetErrorEntries handles POST /api/v1/nodes/{nodeID}/reprocess-errors,
// returning ERROR rows to PENDING and queueing a sweep.
func (h *Handlers) ResetErrorEntries(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := urlUUID(w, r, "nodeID")
	if !ok {
		return
	}

	if _, err := h.store.GetNode(r.Context(), nodeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Node not found", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load node", nil)
		return
	}

	n, err := h.store.ResetErrorEntries(r.Context(), nodeID)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to reset entries", nil)
		return
	}
	if n > 0 {
		if err := h.queue.Enqueue(r.Context(), queue.NewNodeJob(nodeID, false)); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to queue processing", nil)
			return
		}
	}
	response.Accepted(w, map[string]any{"node_id": nodeID, "reset": n})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
