// Package queue provides background job dispatch for node sweeps and cell
// retrievals, backed by Redis in production and by an in-process queue in
// tests.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobType identifies what a job targets.
type JobType string

const (
	// JobProcessNode triggers a full driver sweep of a pipeline node.
	JobProcessNode JobType = "process_node"
	// JobProcessCell triggers completion retrieval for a scenario-variant cell.
	JobProcessCell JobType = "process_cell"
)

// Job is one unit of background work.
type Job struct {
	ID       uuid.UUID `json:"id"`
	Type     JobType   `json:"type"`
	TargetID uuid.UUID `json:"target_id"`
	// InvalidateData forces full reprocessing on process_node jobs.
	InvalidateData bool      `json:"invalidate_data,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// Queue is the job transport with at-least-once delivery: a dequeued job
// stays claimed until Ack, and an unacked claim survives a consumer crash to
// be redelivered. Implementations must be safe for concurrent producers and
// consumers.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// EnqueueAt schedules the job to become available at the given instant.
	EnqueueAt(ctx context.Context, job Job, at time.Time) error
	// Dequeue blocks up to timeout for the next job. Returns (nil, nil) when
	// the timeout elapses with no job available.
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)
	// Ack releases a dequeued job's claim once it has run. Acking a job the
	// queue does not hold a claim for is a no-op.
	Ack(ctx context.Context, job *Job) error
	Close() error
}

// NewNodeJob builds a process_node job.
func NewNodeJob(nodeID uuid.UUID, invalidate bool) Job {
	return Job{
		ID:             uuid.New(),
		Type:           JobProcessNode,
		TargetID:       nodeID,
		InvalidateData: invalidate,
		EnqueuedAt:     time.Now().UTC(),
	}
}

// NewCellJob builds a process_cell job.
func NewCellJob(cellID uuid.UUID) Job {
	return Job{
		ID:         uuid.New(),
		Type:       JobProcessCell,
		TargetID:   cellID,
		EnqueuedAt: time.Now().UTC(),
	}
}
