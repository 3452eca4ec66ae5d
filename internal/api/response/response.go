// Package response writes the API's JSON envelopes. Successful bodies nest
// under "data", entry listings carry a "meta" page window, and failures nest a
// code/message pair under "error" so clients can branch on the code without
// parsing the message.
package response

import (
	"encoding/json"
	"net/http"
)

// Meta is the page window attached to entry listings.
type Meta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// NewMeta builds the page window for a listing of total rows.
func NewMeta(page, limit, total int) Meta {
	return Meta{
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasNext: page*limit < total,
	}
}

// JSON writes a 200 with the payload under "data".
func JSON(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, struct {
		Data any `json:"data"`
	}{data})
}

// Created writes a 201 with the new resource under "data".
func Created(w http.ResponseWriter, data any) {
	write(w, http.StatusCreated, struct {
		Data any `json:"data"`
	}{data})
}

// Accepted writes a 202 for work that was queued rather than completed.
func Accepted(w http.ResponseWriter, data any) {
	write(w, http.StatusAccepted, struct {
		Data any `json:"data"`
	}{data})
}

// Collection writes a 200 listing with its page window.
func Collection(w http.ResponseWriter, data any, meta Meta) {
	write(w, http.StatusOK, struct {
		Data any  `json:"data"`
		Meta Meta `json:"meta"`
	}{data, meta})
}

// Error writes a failure envelope. code is a stable machine-readable
// identifier (NOT_FOUND, INVALID_REQUEST, ...); details is optional
// field-level context such as per-line ingestion failures.
func Error(w http.ResponseWriter, status int, code, message string, details any) {
	type body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details any    `json:"details,omitempty"`
	}
	write(w, status, struct {
		Error body `json:"error"`
	}{body{Code: code, Message: message, Details: details}})
}

func write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
