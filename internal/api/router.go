package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/rowforge/rowforge/internal/api/middleware"
	"github.com/rowforge/rowforge/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateNode       http.HandlerFunc
	GetNode          http.HandlerFunc
	GetNodeStatus    http.HandlerFunc
	UpdateNodeConfig http.HandlerFunc
	LinkNodes        http.HandlerFunc
	ProcessNode      http.HandlerFunc
	IngestEntries    http.HandlerFunc
	ListEntries      http.HandlerFunc
	ResetErrors      http.HandlerFunc

	CreateVariant  http.HandlerFunc
	CreateScenario http.HandlerFunc
	CreateCell     http.HandlerFunc
	GetCell        http.HandlerFunc
	GetCellStatus  http.HandlerFunc
	GetCellOutput  http.HandlerFunc
	RetryCell      http.HandlerFunc
	StreamCell     http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/nodes", orNotImplemented(deps.CreateNode))
		r.Get("/api/v1/nodes/{nodeID}", orNotImplemented(deps.GetNode))
		r.Get("/api/v1/nodes/{nodeID}/status", orNotImplemented(deps.GetNodeStatus))
		r.Patch("/api/v1/nodes/{nodeID}/config", orNotImplemented(deps.UpdateNodeConfig))
		r.Post("/api/v1/nodes/{nodeID}/links", orNotImplemented(deps.LinkNodes))
		r.Post("/api/v1/nodes/{nodeID}/process", orNotImplemented(deps.ProcessNode))
		r.Post("/api/v1/nodes/{nodeID}/entries", orNotImplemented(deps.IngestEntries))
		r.Get("/api/v1/nodes/{nodeID}/entries", orNotImplemented(deps.ListEntries))
		r.Post("/api/v1/nodes/{nodeID}/reprocess-errors", orNotImplemented(deps.ResetErrors))

		r.Post("/api/v1/variants", orNotImplemented(deps.CreateVariant))
		r.Post("/api/v1/scenarios", orNotImplemented(deps.CreateScenario))
		r.Post("/api/v1/cells", orNotImplemented(deps.CreateCell))
		r.Get("/api/v1/cells/{cellID}", orNotImplemented(deps.GetCell))
		r.Get("/api/v1/cells/{cellID}/status", orNotImplemented(deps.GetCellStatus))
		r.Get("/api/v1/cells/{cellID}/output", orNotImplemented(deps.GetCellOutput))
		r.Post("/api/v1/cells/{cellID}/retry", orNotImplemented(deps.RetryCell))
		r.Get("/api/v1/cells/{cellID}/stream", orNotImplemented(deps.StreamCell))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
