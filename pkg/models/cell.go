package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CellStatus is the retrieval state of a scenario-variant cell.
type CellStatus string

const (
	CellStatusPending    CellStatus = "PENDING"
	CellStatusInProgress CellStatus = "IN_PROGRESS"
	CellStatusComplete   CellStatus = "COMPLETE"
	CellStatusError      CellStatus = "ERROR"
)

// ScenarioVariantCell represents one (prompt-variant x test-scenario) pairing
// awaiting a model completion. The completion retry engine is the only writer
// of RetrievalStatus and RetryTime.
type ScenarioVariantCell struct {
	ID              uuid.UUID  `db:"id"               json:"id"`
	ProjectID       uuid.UUID  `db:"project_id"       json:"project_id"`
	VariantID       uuid.UUID  `db:"variant_id"       json:"variant_id"`
	ScenarioID      uuid.UUID  `db:"scenario_id"      json:"scenario_id"`
	RetrievalStatus CellStatus `db:"retrieval_status" json:"retrieval_status"`
	StatusCode      *int       `db:"status_code"      json:"status_code,omitempty"`
	ErrorMessage    *string    `db:"error_message"    json:"error_message,omitempty"`
	// RetryTime is the scheduled instant of the next attempt; nil when no
	// retry is scheduled (terminal states).
	RetryTime *time.Time `db:"retry_time" json:"retry_time,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// ModelOutput is the immutable result of one successful completion, created
// exactly once per resolved cell. PromptHash is the content hash of the
// resolved prompt, used for downstream evaluation caching.
type ModelOutput struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	CellID       uuid.UUID       `db:"cell_id"       json:"cell_id"`
	PromptHash   string          `db:"prompt_hash"   json:"prompt_hash"`
	Output       json.RawMessage `db:"output"        json:"output"`
	InputTokens  int             `db:"input_tokens"  json:"input_tokens"`
	OutputTokens int             `db:"output_tokens" json:"output_tokens"`
	Cost         float64         `db:"cost"          json:"cost"`
	LatencyMS    int64           `db:"latency_ms"    json:"latency_ms"`
	StatusCode   int             `db:"status_code"   json:"status_code"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
}
