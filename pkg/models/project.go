package models

import (
	"time"

	"github.com/google/uuid"
)

// Project scopes pipelines, entries, and cells. Every other entity belongs to
// a project.
type Project struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
