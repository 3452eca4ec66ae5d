// Package handler implements the HTTP handlers for the RowForge API.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rowforge/rowforge/internal/api/response"
	"github.com/rowforge/rowforge/internal/completions"
	"github.com/rowforge/rowforge/internal/pipeline"
	"github.com/rowforge/rowforge/internal/queue"
	"github.com/rowforge/rowforge/internal/store"
)

// StatusCache serves node and cell status polls from the shared cache so they
// never touch the database on the hot path. Implemented by cache.RedisCache.
// A nil StatusCache disables the fast path; the handlers fall back to the store.
type StatusCache interface {
	GetNodeStatus(ctx context.Context, nodeID uuid.UUID) (string, bool, error)
	GetCellStatus(ctx context.Context, cellID uuid.UUID) (string, bool, error)
	SetCellStatus(ctx context.Context, cellID uuid.UUID, status string, ttl time.Duration) error
}

// Handlers bundles the API handlers over the store, the job queue, the
// ingestor, the cell stream broadcaster, and the status cache.
type Handlers struct {
	store       store.Store
	queue       queue.Queue
	ingestor    *pipeline.Ingestor
	broadcaster *completions.Broadcaster
	statusCache StatusCache
}

// New creates the handler set.
func New(st store.Store, q queue.Queue, ing *pipeline.Ingestor, b *completions.Broadcaster, sc StatusCache) *Handlers {
	return &Handlers{store: st, queue: q, ingestor: ing, broadcaster: b, statusCache: sc}
}

// urlUUID parses a UUID path parameter, writing a 400 response on failure.
func urlUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", param+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
