package models

import (
	"time"

	"github.com/google/uuid"
)

// EntryStatus is the per-row state at a node.
type EntryStatus string

const (
	EntryStatusPending    EntryStatus = "PENDING"
	EntryStatusProcessing EntryStatus = "PROCESSING"
	EntryStatusProcessed  EntryStatus = "PROCESSED"
	EntryStatusError      EntryStatus = "ERROR"
)

// Split assigns a row to the train or test partition.
type Split string

const (
	SplitTrain Split = "TRAIN"
	SplitTest  Split = "TEST"
)

// NodeEntry is one logical row as it exists at one node. PersistentID is
// stable across the same logical row flowing through multiple nodes and is
// the join key for lineage. Exactly one row exists per (NodeID, PersistentID).
type NodeEntry struct {
	ID           uuid.UUID   `db:"id"            json:"id"`
	NodeID       uuid.UUID   `db:"node_id"       json:"node_id"`
	PersistentID uuid.UUID   `db:"persistent_id" json:"persistent_id"`
	Status       EntryStatus `db:"status"        json:"status"`
	InputHash    string      `db:"input_hash"    json:"input_hash"`
	OutputHash   string      `db:"output_hash"   json:"output_hash"`
	// OriginalOutputHash preserves the output hash that existed before a
	// cache-driven overwrite, for audit.
	OriginalOutputHash *string    `db:"original_output_hash" json:"original_output_hash,omitempty"`
	Split              Split      `db:"split"      json:"split"`
	Error              *string    `db:"error"      json:"error,omitempty"`
	DeletedAt          *time.Time `db:"deleted_at" json:"-"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// ChatMessage is a single message in a chat-style record.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EntryInput is the content-addressed input payload of a row: the prompt-side
// messages presented to a node.
type EntryInput struct {
	Messages []ChatMessage `json:"messages"`
}

// EntryOutput is the content-addressed output payload of a row: the response
// message a node produced or passed through.
type EntryOutput struct {
	Message ChatMessage `json:"message"`
}
