// Package models contains shared data models used across the RowForge codebase.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NodeType is the closed set of processing kinds a pipeline node can have.
type NodeType string

const (
	// NodeTypeArchive is a source node holding ingested rows.
	NodeTypeArchive NodeType = "archive"
	// NodeTypeLLMRelabel rewrites each row's output via a model completion.
	NodeTypeLLMRelabel NodeType = "llm_relabel"
	// NodeTypeDataset is a sink node exposing processed rows as a dataset.
	NodeTypeDataset NodeType = "dataset"
)

// Node is one stage of a data-processing pipeline. Hash is a content hash over
// the node's type, its semantically relevant config fields, and the hashes of
// its direct upstream nodes; a hash change is the sole trigger for reprocessing.
type Node struct {
	ID        uuid.UUID       `db:"id"         json:"id"`
	ProjectID uuid.UUID       `db:"project_id" json:"project_id"`
	Type      NodeType        `db:"type"       json:"type"`
	Name      string          `db:"name"       json:"name"`
	Config    json.RawMessage `db:"config"     json:"config"`
	Hash      string          `db:"hash"       json:"hash"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// LLMRelabelConfig is the kind-specific configuration for llm_relabel nodes.
// Only Model and Instructions participate in the content hash; Skip and
// MaxConcurrency change behavior but not the produced output per row.
type LLMRelabelConfig struct {
	Model          string `json:"model"`
	Instructions   string `json:"instructions"`
	Skip           bool   `json:"skip,omitempty"`
	MaxConcurrency int    `json:"max_concurrency,omitempty"`
}

// DatasetConfig is the kind-specific configuration for dataset nodes.
type DatasetConfig struct {
	Name string `json:"name,omitempty"`
}

// ArchiveConfig is the kind-specific configuration for archive nodes.
type ArchiveConfig struct {
	Name string `json:"name,omitempty"`
}
