// Copyright 2024 The octiler Authors
// This file is part of the octiler library.
//
// The octiler library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The octiler library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the octiler library. If not, see <http://www.gnu.org/licenses/>.

// Package coordinator drives spec.md §4.4: it owns the work queue (here,
// a bounded errgroup.Group of self-fanning-out tasks rather than an
// explicit message channel — see the "fan-out-safe counting" note on
// spawn below), tracks the node state machine, applies the
// halt_at_depth policy, and decides when a node may be finalized and
// emitted to a tile file.
//
// Grounded on the teacher's triedb/pathdb ownership model (spec.md §5:
// "workers receive serialized blobs by value and return updated blobs
// by value") adapted to Go's natural idiom: instead of literal
// serialize/deserialize-by-value message passing, each node is guarded
// by its own mutex (lockFor) so "a node is never processed by two
// workers simultaneously" is enforced directly rather than through a
// copy-in/copy-out queue discipline.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/geopoints/octiler/catalog"
	"github.com/geopoints/octiler/config"
	"github.com/geopoints/octiler/internal/xlog"
	"github.com/geopoints/octiler/nodecache"
	"github.com/geopoints/octiler/octerr"
	"github.com/geopoints/octiler/octree"
	"github.com/geopoints/octiler/reader"
	"github.com/geopoints/octiler/tilefile"
	"golang.org/x/sync/errgroup"
)

// maxPointsInFlight is spec.md §4.4's backpressure threshold: readers
// pause once more than this many points have been accepted but not yet
// emitted.
const maxPointsInFlight = 60_000_000

// Coordinator implements spec.md §4.4 and §5. It is safe for its Build
// method to be called once; a Coordinator is not reusable across builds.
type Coordinator struct {
	cfg   config.Config
	cat   *catalog.Catalog
	cache *nodecache.Store
	log   *slog.Logger
	stats Stats

	mu        sync.Mutex
	active    map[string]int  // refcount of in-flight tasks per node name
	finalized map[string]bool // nodes already emitted (or attempted)
	locks     sync.Map        // node name string -> *sync.Mutex

	bpMu          sync.Mutex
	bpCond        *sync.Cond
	activeReaders int
}

// New builds a Coordinator over cat/cache, configured by cfg.
func New(cfg config.Config, cat *catalog.Catalog, cache *nodecache.Store) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		cat:       cat,
		cache:     cache,
		log:       xlog.New("coordinator"),
		active:    make(map[string]int),
		finalized: make(map[string]bool),
	}
	c.bpCond = sync.NewCond(&c.bpMu)
	return c
}

// Stats returns the running point/node counters (safe to read concurrently
// from a progress-printing goroutine while Build is in flight).
func (c *Coordinator) Stats() *Stats { return &c.stats }

// Build drives every source to exhaustion, builds the full octree, and
// emits a first-pass tile file for every node that ends up with at least
// one point of its own. It returns once every reader is done and every
// node it touched has been finalized — the manifest post-pass of spec.md
// §4.5 (package manifest) runs separately, after Build returns, over the
// same catalog.
func (c *Coordinator) Build(ctx context.Context, sources []reader.Source) (*Stats, error) {
	if len(sources) == 0 {
		return &c.stats, nil
	}
	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("coordinator: create output dir: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)

	maxReaders := c.cfg.Workers / 2
	if maxReaders < 1 {
		maxReaders = 1
	}

	root := octree.Name{}
	for _, src := range sources {
		src := src
		c.spawn(g, root, func(dispatch func(octree.Name, octree.Batch)) error {
			return c.readLoop(ctx, src, maxReaders, dispatch)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Safety-net sweep: by this point every node's active refcount is
	// zero everywhere, so the ancestor check trivially passes for every
	// materialized node. Most nodes were already emitted opportunistically
	// as their subtree went quiet (tryFinalizeSubtree); this walk catches
	// anything the opportunistic path missed and is a cheap no-op for
	// nodes already in c.finalized.
	if err := c.finalizeSweep(root); err != nil {
		return nil, err
	}
	if err := c.cache.Flush(); err != nil {
		return nil, fmt.Errorf("coordinator: final cache flush: %w", err)
	}
	// Post-condition assertion (spec.md §7 InternalInvariant): every point
	// read must end up in exactly one emitted tile. A mismatch here means
	// a point was dropped or double-counted somewhere in the insert/split/
	// flush pipeline, not a recoverable condition.
	if read, emitted := c.stats.PointsRead(), c.stats.PointsEmitted(); emitted != read {
		return nil, fmt.Errorf("%w: emitted %d points but read %d", octerr.ErrInternalInvariant, emitted, read)
	}
	return &c.stats, nil
}

// readLoop is one reader task's body: pull batches until EOF, feeding
// each into the root via dispatch. It holds a reader-concurrency slot
// for its entire lifetime and blocks on waitForCapacity between batches,
// implementing spec.md §4.4's two backpressure conditions.
func (c *Coordinator) readLoop(ctx context.Context, src reader.Source, maxReaders int, dispatch func(octree.Name, octree.Batch)) error {
	c.acquireReaderSlot(maxReaders)
	defer c.releaseReaderSlot()

	root := octree.Name{}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pb, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return src.Close()
		}
		if err != nil {
			return fmt.Errorf("coordinator: read source %d: %w", pb.SourceID, err)
		}
		if err := pb.Validate(); err != nil {
			return fmt.Errorf("coordinator: source %d: %w", pb.SourceID, err)
		}
		c.stats.addRead(pb.Count)
		if err := c.waitForCapacity(ctx); err != nil {
			return err
		}
		rgb := pb.RGB
		if rgb == nil {
			// Colorless source: the node engine carries one color per point.
			rgb = make([][3]uint8, len(pb.XYZ))
		}
		if err := c.ingestAndFlush(root, octree.Batch{XYZ: pb.XYZ, RGB: rgb}, true, dispatch); err != nil {
			return fmt.Errorf("coordinator: ingest root batch from source %d: %w", pb.SourceID, err)
		}
	}
}

// spawn dispatches one task for name under g, tracking it in the active
// refcount for the duration of its run plus everything it fans out to.
//
// Fan-out safety: a task's own "done" bookkeeping (decActiveAndFinalize)
// runs in its deferred call, which fires only after work returns — and
// work is the one place new child tasks get spawned (via the dispatch
// closure it's given). Since each nested spawn call increments its
// child's refcount synchronously, before this task's own defer can run,
// the active set is never visibly empty while a child dispatch is still
// in flight, even though nothing here uses a single shared WaitGroup.
func (c *Coordinator) spawn(g *errgroup.Group, name octree.Name, work func(dispatch func(octree.Name, octree.Batch)) error) {
	c.incActive(name)
	g.Go(func() error {
		defer c.decActiveAndFinalize(name)
		dispatch := func(childName octree.Name, b octree.Batch) {
			c.spawn(g, childName, func(dc func(octree.Name, octree.Batch)) error {
				return c.ingestAndFlush(childName, b, false, dc)
			})
		}
		return work(dispatch)
	})
}

// ingestAndFlush implements one Process task of spec.md §4.4: insert the
// batch, flush pending up to the halt_at_depth bound for this node's
// depth, dump the now-dirty node to the cache, then hand any remaining
// requeued batches to dispatch for re-scheduling as new tasks.
func (c *Coordinator) ingestAndFlush(name octree.Name, batch octree.Batch, makeEmpty bool, dispatch func(octree.Name, octree.Batch)) error {
	lock := c.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	node, err := c.cat.GetNode(name)
	if err != nil {
		return fmt.Errorf("coordinator: materialize %s: %w", name, err)
	}
	c.stats.touchNode()
	if err := node.Insert(c.cat, c.cfg.RootScale, batch.XYZ, batch.RGB, makeEmpty); err != nil {
		return fmt.Errorf("coordinator: insert into %s: %w", name, err)
	}
	budget := haltAtDepth(name.Depth())
	requeued, err := node.FlushPending(c.cat, c.cfg.RootScale, budget)
	if err != nil {
		return fmt.Errorf("coordinator: flush %s: %w", name, err)
	}
	// FlushPending may have recursed synchronously into descendants up to
	// budget levels deep, mutating them in place without a dispatched task
	// of their own. Dump must cover the same depth, or a node only ever
	// touched this way is never persisted — and evicting it later (see
	// tryFinalizeSubtree) would lose state no store blob ever captured.
	if err := c.cat.Dump(name, true, budget); err != nil {
		return fmt.Errorf("coordinator: dump %s: %w", name, err)
	}
	for key, b := range requeued {
		childName, err := octree.ParseName(key)
		if err != nil {
			return fmt.Errorf("coordinator: parse requeued name %q: %w", key, err)
		}
		dispatch(childName, b)
	}
	return nil
}

func (c *Coordinator) lockFor(name octree.Name) *sync.Mutex {
	v, _ := c.locks.LoadOrStore(name.String(), &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (c *Coordinator) incActive(name octree.Name) {
	c.mu.Lock()
	c.active[name.String()]++
	c.mu.Unlock()
}

func (c *Coordinator) decActiveAndFinalize(name octree.Name) {
	c.mu.Lock()
	key := name.String()
	c.active[key]--
	if c.active[key] <= 0 {
		delete(c.active, key)
	}
	c.mu.Unlock()
	c.tryFinalizeSubtree(name)
}

// ancestorsClear implements the finalization rule of spec.md §4.4: name
// may transition Inactive -> Emit-queued iff no ancestor of name
// (including name itself) is Input-queued or Active.
func (c *Coordinator) ancestorsClear(name octree.Name) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i <= len(name); i++ {
		if c.active[octree.Name(name[:i]).String()] > 0 {
			return false
		}
	}
	return true
}

// tryFinalizeSubtree is the opportunistic half of finalization: called
// whenever a task for name completes, it emits name if eligible, then
// walks already-quiet children (they may have been blocked only by name
// itself still being active moments ago) attempting the same. Errors are
// logged rather than propagated here since this path runs off the
// errgroup's goroutines after their own work has already returned nil.
// A node whose emission failed stays marked finalized, so the safety-net
// sweep in Build does not emit it again; the failure surfaces there as the
// emitted/read point-count mismatch Build returns.
func (c *Coordinator) tryFinalizeSubtree(name octree.Name) {
	if !c.ancestorsClear(name) {
		return
	}
	if err := c.maybeEmit(name); err != nil {
		c.log.Error("tile emission failed", "node", name.String(), "err", err)
		return
	}
	node, err := c.cat.GetNode(name)
	if err != nil {
		return
	}
	children := node.Children()
	// name is confirmed off the active-ancestor path. Dump any remaining
	// dirty state before dropping the live node (a no-op if it's already
	// clean), then evict: nothing will touch it again without going
	// through GetNode, which re-materializes it from the byte store. This
	// is the node-cache eviction spec.md §4.4/§9 calls for — without it
	// the in-memory node graph, not just the serialized cache, grows for
	// the life of the build.
	if err := c.cat.Dump(name, false, 0); err != nil {
		c.log.Error("dump before evict failed", "node", name.String(), "err", err)
		return
	}
	c.cat.Evict(name)
	for _, child := range children {
		c.mu.Lock()
		busy := c.active[child.String()] > 0
		c.mu.Unlock()
		if !busy {
			c.tryFinalizeSubtree(child)
		}
	}
}

// finalizeSweep walks the whole materialized subtree rooted at name,
// emitting every node not already finalized. Used once, after Build's
// errgroup has fully drained, as a safety net against races in the
// opportunistic path above.
func (c *Coordinator) finalizeSweep(name octree.Name) error {
	node, err := c.cat.GetNode(name)
	if err != nil {
		return fmt.Errorf("coordinator: sweep %s: %w", name, err)
	}
	children := node.Children()
	for _, child := range children {
		if err := c.finalizeSweep(child); err != nil {
			return err
		}
	}
	if err := c.maybeEmit(name); err != nil {
		return err
	}
	if err := c.cat.Dump(name, false, 0); err != nil {
		return fmt.Errorf("coordinator: dump %s before evict: %w", name, err)
	}
	c.cat.Evict(name)
	return nil
}

// maybeEmit writes name's first-pass tile file exactly once (spec.md §3
// "Emitted exactly once per non-empty node"). A node with zero points of
// its own (an internal node whose content lives entirely in children) is
// skipped; it still appears in the manifest via its children.
func (c *Coordinator) maybeEmit(name octree.Name) error {
	key := name.String()
	c.mu.Lock()
	if c.finalized[key] {
		c.mu.Unlock()
		return nil
	}
	c.finalized[key] = true
	c.mu.Unlock()

	node, err := c.cat.GetNode(name)
	if err != nil {
		return fmt.Errorf("coordinator: emit %s: %w", key, err)
	}
	xyz, rgb := node.Points()
	if len(xyz) == 0 {
		return nil
	}
	t := tilefile.Tile{XYZ: xyz}
	if c.cfg.IncludeRGB {
		t.RGB = rgb
	}
	path := filepath.Join(c.cfg.OutputDir, key+".pnts")
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("coordinator: create %s: %w", tmp, err)
	}
	if err := tilefile.Encode(f, t); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("coordinator: encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("coordinator: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("coordinator: rename %s: %w", tmp, err)
	}
	c.stats.addEmitted(len(xyz))
	c.log.Debug("emitted tile", "node", key, "points", len(xyz))
	return nil
}

func (c *Coordinator) acquireReaderSlot(max int) {
	c.bpMu.Lock()
	for c.activeReaders >= max {
		c.bpCond.Wait()
	}
	c.activeReaders++
	c.bpMu.Unlock()
}

func (c *Coordinator) releaseReaderSlot() {
	c.bpMu.Lock()
	c.activeReaders--
	c.bpCond.Broadcast()
	c.bpMu.Unlock()
}

// waitForCapacity blocks a reader while points_in_flight exceeds
// maxPointsInFlight (spec.md §4.4). Polling rather than condition-signaled
// wakeups keeps this independent of exactly which goroutine's emit just
// freed up budget; the poll interval is short enough not to matter for a
// batch tool with no per-task deadlines (spec.md §5).
func (c *Coordinator) waitForCapacity(ctx context.Context) error {
	for c.stats.PointsInFlight() > maxPointsInFlight {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}
