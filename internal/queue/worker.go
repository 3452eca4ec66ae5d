package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rowforge/rowforge/internal/completions"
	"github.com/rowforge/rowforge/internal/pipeline"
)

const dequeueTimeout = 5 * time.Second

// Workers consumes jobs and dispatches them to the pipeline driver and the
// completion engine.
type Workers struct {
	queue  Queue
	driver *pipeline.Driver
	engine *completions.Engine
	count  int
}

// NewWorkers creates a worker pool of the given size.
func NewWorkers(q Queue, driver *pipeline.Driver, engine *completions.Engine, count int) *Workers {
	if count <= 0 {
		count = 1
	}
	return &Workers{queue: q, driver: driver, engine: engine, count: count}
}

// Run blocks consuming jobs until the context is cancelled. Job failures are
// logged, not fatal.
func (w *Workers) Run(ctx context.Context) error {
	slog.Info("starting queue workers", "count", w.count)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.count; i++ {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Workers) loop(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx, dequeueTimeout)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		if err != nil {
			slog.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if err := w.handle(ctx, job); err != nil {
			slog.Error("job failed", "job_id", job.ID, "type", job.Type, "target_id", job.TargetID, "error", err)
		}
		// Failures above are application outcomes already recorded on the
		// target; the claim covers crashes, not handler errors.
		if err := w.queue.Ack(ctx, job); err != nil {
			slog.Error("ack failed", "job_id", job.ID, "error", err)
		}
	}
}

func (w *Workers) handle(ctx context.Context, job *Job) error {
	switch job.Type {
	case JobProcessNode:
		return w.driver.ProcessNode(ctx, job.TargetID, pipeline.Options{InvalidateData: job.InvalidateData})
	case JobProcessCell:
		return w.engine.ProcessCell(ctx, job.TargetID)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}
