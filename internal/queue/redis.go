package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyKey      = "jobs:ready"
	delayedKey    = "jobs:delayed"
	processingKey = "jobs:processing"
)

// RedisQueue implements Queue on a Redis list plus a sorted set for delayed
// jobs. Due delayed jobs are promoted to the ready list on every Dequeue, so
// no separate scheduler process is needed. Dequeue moves the job onto a
// processing list rather than popping it, so a job a crashed worker never
// acked stays in Redis and is requeued by RecoverOrphans on the next start.
type RedisQueue struct {
	client *redis.Client

	mu       sync.Mutex
	inflight map[string]string
}

// NewRedisQueue creates a RedisQueue sharing an existing client. Close is a
// no-op for the connection, which belongs to the caller.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, inflight: make(map[string]string)}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, readyKey, b).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (q *RedisQueue) EnqueueAt(ctx context.Context, job Job, at time.Time) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	err = q.client.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: b,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue delayed job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	raw, err := q.client.BLMove(ctx, readyKey, processingKey, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	// Ack needs the exact payload bytes to remove the claim from Redis.
	q.mu.Lock()
	q.inflight[job.ID.String()] = raw
	q.mu.Unlock()
	return &job, nil
}

// Ack drops the job from the processing list once it has run.
func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	q.mu.Lock()
	raw, ok := q.inflight[job.ID.String()]
	delete(q.inflight, job.ID.String())
	q.mu.Unlock()
	if !ok {
		return nil
	}
	if err := q.client.LRem(ctx, processingKey, 1, raw).Err(); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// RecoverOrphans moves every job left on the processing list back to the
// ready list. Called on startup, it requeues work a previous process dequeued
// but never acked; job handlers tolerate the resulting duplicate delivery.
func (q *RedisQueue) RecoverOrphans(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.client.LMove(ctx, processingKey, readyKey, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover orphaned job: %w", err)
		}
		n++
	}
}

// promoteDue moves delayed jobs whose time has come onto the ready list.
// ZRem arbitrates between concurrent workers: only the remover pushes.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("list due jobs: %w", err)
	}

	for _, m := range members {
		removed, err := q.client.ZRem(ctx, delayedKey, m).Result()
		if err != nil {
			return fmt.Errorf("claim due job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, readyKey, m).Err(); err != nil {
			return fmt.Errorf("promote due job: %w", err)
		}
	}
	return nil
}

func (q *RedisQueue) Close() error { return nil }

var _ Queue = (*RedisQueue)(nil)
