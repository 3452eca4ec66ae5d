package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/rowforge/rowforge/internal/api/middleware"
	"github.com/rowforge/rowforge/internal/api/response"
	"github.com/rowforge/rowforge/internal/store"
	"github.com/rowforge/rowforge/pkg/models"
)

const rawKeyBytes = 24

// CreateKey handles POST /api/v1/admin/keys. The raw key is returned exactly
// once; only the bcrypt hash and the lookup prefix are stored.
func (h *Handlers) CreateKey(w http.ResponseWriter, r *http.Request) {
	projectID, ok := mw.GetProjectID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
		return
	}

	var req struct {
		Name   string   `json:"name"`
		Scopes []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{"read", "write"}
	}

	rawKey, err := generateKey()
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate key", nil)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to hash key", nil)
		return
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		ProjectID: projectID,
		Name:      req.Name,
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:8],
		Scopes:    req.Scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to store key", nil)
		return
	}

	response.Created(w, map[string]any{
		"id":         key.ID,
		"name":       key.Name,
		"key":        rawKey,
		"key_prefix": key.KeyPrefix,
		"scopes":     key.Scopes,
		"created_at": key.CreatedAt,
	})
}

// ListKeys handles GET /api/v1/admin/keys.
func (h *Handlers) ListKeys(w http.ResponseWriter, r *http.Request) {
	projectID, ok := mw.GetProjectID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
		return
	}

	keys, err := h.store.ListAPIKeys(r.Context(), projectID)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list keys", nil)
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	response.JSON(w, keys)
}

// RevokeKey handles DELETE /api/v1/admin/keys/{keyID}.
func (h *Handlers) RevokeKey(w http.ResponseWriter, r *http.Request) {
	projectID, ok := mw.GetProjectID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
		return
	}
	keyID, ok := urlUUID(w, r, "keyID")
	if !ok {
		return
	}

	err := h.store.RevokeAPIKey(r.Context(), keyID, projectID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "API key not found", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke key", nil)
		return
	}
	response.JSON(w, map[string]any{"id": keyID, "revoked": true})
}

func generateKey() (string, error) {
	buf := make([]byte, rawKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("rf_%s", hex.EncodeToString(buf)), nil
}
