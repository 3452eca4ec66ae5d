package models

import (
	"time"

	"github.com/google/uuid"
)

// CachedProcessedEntry is a memoization record created on successful
// processing of one entry at one node. It is keyed by both the node's content
// hash and the node id: any node whose hash matches may reuse the record,
// since a hash-equal node performs identical work by construction. Records
// are never mutated after creation.
type CachedProcessedEntry struct {
	ID       uuid.UUID `db:"id"        json:"id"`
	NodeHash string    `db:"node_hash" json:"node_hash"`
	NodeID   uuid.UUID `db:"node_id"   json:"node_id"`

	// Match-side keys: what the incoming PENDING entry must look like.
	IncomingInputHash  string    `db:"incoming_input_hash"  json:"incoming_input_hash"`
	IncomingOutputHash string    `db:"incoming_output_hash" json:"incoming_output_hash"`
	PersistentID       uuid.UUID `db:"persistent_id"        json:"persistent_id"`

	// Write-side values: what the entry becomes when the record is applied.
	OutgoingInputHash  string `db:"outgoing_input_hash"  json:"outgoing_input_hash"`
	OutgoingOutputHash string `db:"outgoing_output_hash" json:"outgoing_output_hash"`
	OutgoingSplit      Split  `db:"outgoing_split"       json:"outgoing_split"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
