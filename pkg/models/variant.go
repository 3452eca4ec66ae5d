package models

import (
	"time"

	"github.com/google/uuid"
)

// PromptVariant is one configuration of a prompt under evaluation: a model
// plus a message template. Template message contents may reference scenario
// variables as {{name}}.
type PromptVariant struct {
	ID        uuid.UUID     `db:"id"         json:"id"`
	ProjectID uuid.UUID     `db:"project_id" json:"project_id"`
	Model     string        `db:"model"      json:"model"`
	Template  []ChatMessage `db:"template"   json:"template"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
}

// TestScenario carries the variable bindings substituted into a variant's
// template to produce one cell's resolved prompt.
type TestScenario struct {
	ID        uuid.UUID         `db:"id"         json:"id"`
	ProjectID uuid.UUID         `db:"project_id" json:"project_id"`
	Variables map[string]string `db:"variables"  json:"variables"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`
}
