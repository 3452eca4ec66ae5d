package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue with the same observable semantics as
// RedisQueue, used in tests and single-process deployments. Unacked jobs are
// tracked so Ack mirrors the production contract, though in-process there is
// no crash to recover from.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    chan Job
	delayed  []scheduledJob
	inflight map[uuid.UUID]Job
	done     chan struct{}
	closed   bool
}

type scheduledJob struct {
	job Job
	at  time.Time
}

// NewMemoryQueue creates a MemoryQueue with the given buffer capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		ready:    make(chan Job, capacity),
		inflight: make(map[uuid.UUID]Job),
		done:     make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return context.Canceled
	}
	q.mu.Unlock()

	// Block outside the lock so a full buffer never wedges the queue.
	select {
	case q.ready <- job:
		return nil
	case <-q.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) EnqueueAt(_ context.Context, job Job, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return context.Canceled
	}
	q.delayed = append(q.delayed, scheduledJob{job: job, at: at})
	sort.Slice(q.delayed, func(i, j int) bool { return q.delayed[i].at.Before(q.delayed[j].at) })
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	q.promoteDue()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case job := <-q.ready:
		q.mu.Lock()
		q.inflight[job.ID] = job
		q.mu.Unlock()
		return &job, nil
	case <-q.done:
		return nil, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack releases the job's claim. Unknown jobs are a no-op per the contract.
func (q *MemoryQueue) Ack(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, job.ID)
	return nil
}

// promoteDue moves due delayed jobs onto the ready buffer. Sends are
// non-blocking: with a full buffer the remainder stays delayed and is
// promoted by a later call, so no caller ever blocks behind the lock.
func (q *MemoryQueue) promoteDue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for len(q.delayed) > 0 && !q.delayed[0].at.After(now) {
		select {
		case q.ready <- q.delayed[0].job:
			q.delayed = q.delayed[1:]
		default:
			return
		}
	}
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
