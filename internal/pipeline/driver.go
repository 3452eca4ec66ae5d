package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rowforge/rowforge/internal/config"
	"github.com/rowforge/rowforge/internal/hash"
	"github.com/rowforge/rowforge/internal/store"
	"github.com/rowforge/rowforge/pkg/models"
)

// Driver runs full node sweeps. Each invocation recomputes the node's content
// hash, invalidates on change, propagates cache hits, processes pending
// entries in batches, feeds downstream nodes, and cascades to them.
type Driver struct {
	store    store.Store
	registry *Registry
	defaults config.PipelineConfig
	mirror   NodeStatusMirror

	mu     sync.Mutex
	active map[uuid.UUID]bool
}

// NodeStatusMirror receives node sweep transitions so pollers can read
// activity from a shared cache. Implemented by cache.RedisCache.
type NodeStatusMirror interface {
	SetNodeStatus(ctx context.Context, nodeID uuid.UUID, status string, ttl time.Duration) error
}

const nodeStatusTTL = time.Minute

// DriverOption customizes a Driver.
type DriverOption func(*Driver)

// WithNodeStatusMirror mirrors sweep activity into the given cache.
func WithNodeStatusMirror(m NodeStatusMirror) DriverOption {
	return func(d *Driver) { d.mirror = m }
}

// NewDriver creates a Driver.
func NewDriver(st store.Store, registry *Registry, defaults config.PipelineConfig, opts ...DriverOption) *Driver {
	d := &Driver{
		store:    st,
		registry: registry,
		defaults: defaults,
		active:   make(map[uuid.UUID]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Options control a single driver invocation.
type Options struct {
	// InvalidateData forces every entry back to PENDING even when the
	// node's hash is unchanged.
	InvalidateData bool
}

// ProcessNode runs a full sweep of the node, then walks downstream nodes
// breadth-first, invoking each at most once per call. Concurrent invocations
// for the same node coalesce: the second caller sees the active flag and
// returns, while the running sweep keeps refetching pending entries until
// none remain, so rows added mid-sweep are picked up.
func (d *Driver) ProcessNode(ctx context.Context, nodeID uuid.UUID, opts Options) error {
	type item struct {
		id         uuid.UUID
		invalidate bool
	}
	queue := []item{{nodeID, opts.InvalidateData}}
	visited := make(map[uuid.UUID]bool)

	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if visited[it.id] {
			continue
		}
		visited[it.id] = true

		changed, err := d.processOne(ctx, it.id, it.invalidate)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}

		downstream, err := d.store.ListDownstreamNodes(ctx, it.id)
		if err != nil {
			return fmt.Errorf("list downstream nodes: %w", err)
		}
		// Downstream hash recomputation detects the upstream change, so no
		// forced invalidation is carried across the link.
		for _, dn := range downstream {
			queue = append(queue, item{id: dn.ID})
		}
	}
	return nil
}

// processOne sweeps a single node. Returns whether downstream inputs may have
// changed and a cascade is warranted.
func (d *Driver) processOne(ctx context.Context, nodeID uuid.UUID, invalidate bool) (bool, error) {
	if !d.acquire(nodeID) {
		slog.Info("node sweep already active, coalescing", "node_id", nodeID)
		return false, nil
	}
	defer d.release(nodeID)

	d.mirrorStatus(ctx, nodeID, "PROCESSING")
	defer d.mirrorStatus(ctx, nodeID, "IDLE")

	node, err := d.store.GetNode(ctx, nodeID)
	if err != nil {
		return false, fmt.Errorf("get node: %w", err)
	}
	proc, err := d.registry.Get(node.Type)
	if err != nil {
		return false, err
	}

	upstream, err := d.store.ListUpstreamNodes(ctx, nodeID)
	if err != nil {
		return false, fmt.Errorf("list upstream nodes: %w", err)
	}
	upstreamHashes := make([]string, len(upstream))
	for i, u := range upstream {
		upstreamHashes[i] = u.Hash
	}

	newHash, err := hash.NodeHash(node.Type, node.Config, upstreamHashes)
	if err != nil {
		return false, fmt.Errorf("compute node hash: %w", err)
	}
	hashChanged := newHash != node.Hash
	if hashChanged {
		slog.Info("node hash changed, invalidating",
			"node_id", nodeID, "type", node.Type, "old_hash", node.Hash, "new_hash", newHash)
		if err := d.store.UpdateNodeHash(ctx, nodeID, newHash); err != nil {
			return false, fmt.Errorf("update node hash: %w", err)
		}
		node.Hash = newHash
	}

	if hashChanged || invalidate {
		if _, err := d.store.MarkAllEntriesPending(ctx, nodeID); err != nil {
			return false, fmt.Errorf("mark all entries pending: %w", err)
		}
	}
	// Source nodes have no upstream; orphan detection would wipe them.
	if len(upstream) > 0 {
		if _, err := d.store.SoftDeleteOrphanedEntries(ctx, nodeID); err != nil {
			return false, fmt.Errorf("soft delete orphaned entries: %w", err)
		}
	}

	if err := proc.BeforeProcessing(ctx, node); err != nil {
		return false, fmt.Errorf("before processing %s: %w", node.Type, err)
	}

	hits, err := d.store.PropagateCacheHits(ctx, node, proc.CacheMatchFields(), proc.CacheWriteFields())
	if err != nil {
		return false, fmt.Errorf("propagate cache hits: %w", err)
	}
	if hits > 0 {
		slog.Info("cache hits propagated", "node_id", nodeID, "count", hits)
	}

	processed, err := d.sweep(ctx, proc, node)
	if err != nil {
		return false, err
	}

	downstream, err := d.store.ListDownstreamNodes(ctx, nodeID)
	if err != nil {
		return false, fmt.Errorf("list downstream nodes: %w", err)
	}
	var propagated int64
	for _, dn := range downstream {
		n, err := d.store.PropagateEntriesDownstream(ctx, nodeID, dn.ID)
		if err != nil {
			return false, fmt.Errorf("propagate entries to node %s: %w", dn.ID, err)
		}
		propagated += n
	}

	slog.Info("node sweep complete",
		"node_id", nodeID, "type", node.Type, "cache_hits", hits,
		"processed", processed, "propagated", propagated)

	return hashChanged || invalidate || processed > 0 || propagated > 0, nil
}

// sweep drains the node's pending entries in batches with bounded
// concurrency. Entries a processor sends back to PENDING (rate limits) are
// attempted once per sweep, so the loop always terminates.
func (d *Driver) sweep(ctx context.Context, proc Processor, node *models.Node) (int64, error) {
	batchSize := proc.BatchSize()
	if batchSize <= 0 {
		batchSize = d.defaults.DefaultBatchSize
	}
	concurrency := proc.Concurrency(node)
	if concurrency <= 0 {
		concurrency = d.defaults.DefaultConcurrency
	}
	if concurrency > d.defaults.MaxConcurrency {
		concurrency = d.defaults.MaxConcurrency
	}

	attempted := make(map[uuid.UUID]bool)
	var processed atomic.Int64
	for {
		// Requeued entries stay PENDING and would otherwise occupy the head
		// of the listing, so over-fetch by the attempted count.
		batch, err := d.store.ListPendingEntries(ctx, node.ID, batchSize+len(attempted))
		if err != nil {
			return processed.Load(), fmt.Errorf("list pending entries: %w", err)
		}
		var fresh []*models.NodeEntry
		for _, e := range batch {
			if attempted[e.ID] {
				continue
			}
			fresh = append(fresh, e)
			if len(fresh) == batchSize {
				break
			}
		}
		if len(fresh) == 0 {
			return processed.Load(), nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for _, e := range fresh {
			attempted[e.ID] = true
			entry := e
			g.Go(func() error {
				done, err := d.processEntry(gctx, proc, node, entry)
				if err != nil {
					return err
				}
				if done {
					processed.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return processed.Load(), err
		}
	}
}

// processEntry runs one entry through the processor and records the outcome.
// Returns whether the entry reached PROCESSED.
func (d *Driver) processEntry(ctx context.Context, proc Processor, node *models.Node, entry *models.NodeEntry) (bool, error) {
	if err := d.store.MarkEntryProcessing(ctx, entry.ID); err != nil {
		return false, fmt.Errorf("mark entry processing: %w", err)
	}

	res, err := proc.ProcessEntry(ctx, node, entry)
	if err != nil {
		// Infrastructure failure: requeue the entry so the sweep that
		// aborts here can be retried, then surface the error.
		if markErr := d.store.MarkEntryPending(ctx, entry.ID, err.Error()); markErr != nil {
			slog.Error("requeue entry after failure", "entry_id", entry.ID, "error", markErr)
		}
		return false, fmt.Errorf("process entry %s: %w", entry.ID, err)
	}

	switch res.Status {
	case models.EntryStatusProcessed:
		outputHash := res.OutputHash
		if outputHash == "" {
			outputHash = entry.OutputHash
		}
		split := res.Split
		if split == "" {
			split = entry.Split
		}
		if err := d.store.MarkEntryProcessed(ctx, entry.ID, outputHash, split); err != nil {
			return false, fmt.Errorf("mark entry processed: %w", err)
		}
		return true, nil
	case models.EntryStatusPending:
		slog.Warn("entry requeued", "entry_id", entry.ID, "node_id", node.ID, "reason", res.Message)
		if err := d.store.MarkEntryPending(ctx, entry.ID, res.Message); err != nil {
			return false, fmt.Errorf("mark entry pending: %w", err)
		}
		return false, nil
	case models.EntryStatusError:
		if err := d.store.MarkEntryError(ctx, entry.ID, res.Message); err != nil {
			return false, fmt.Errorf("mark entry error: %w", err)
		}
		return false, nil
	default:
		return false, fmt.Errorf("processor %s returned invalid status %q", proc.Kind(), res.Status)
	}
}

// mirrorStatus is best-effort; a cache failure never blocks a sweep.
func (d *Driver) mirrorStatus(ctx context.Context, nodeID uuid.UUID, status string) {
	if d.mirror == nil {
		return
	}
	if err := d.mirror.SetNodeStatus(ctx, nodeID, status, nodeStatusTTL); err != nil {
		slog.Warn("mirror node status", "node_id", nodeID, "status", status, "error", err)
	}
}

func (d *Driver) acquire(nodeID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active[nodeID] {
		return false
	}
	d.active[nodeID] = true
	return true
}

func (d *Driver) release(nodeID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, nodeID)
}
