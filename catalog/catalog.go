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

// Package catalog implements spec.md §4.1: it owns node identity, derives
// AABBs from node names, and serializes/deserializes nodes to/from an
// opaque byte store. It is deliberately thin — the byte store (compressed,
// memory-budgeted, disk-spilling) lives in package nodecache; the catalog
// only knows how to turn bytes into a *octree.Node and back.
package catalog

import (
	"fmt"
	"sync"

	"github.com/geopoints/octiler/geom"
	"github.com/geopoints/octiler/octree"
)

// Store is the byte-level persistence the catalog materializes nodes
// from/to. nodecache.Store implements this.
type Store interface {
	Get(name string) ([]byte, bool)
	Put(name string, data []byte)
}

// Catalog maps octree.Name to *octree.Node, materializing lazily from a
// Store and deriving AABB/spacing deterministically from the name and the
// root parameters (spec.md §4.1: "The AABB of a node is deterministic
// from its name and the root AABB, independent of which worker
// materialized it.").
type Catalog struct {
	mu           sync.Mutex
	rootAABB     geom.AABB
	rootSpacing  float64
	store        Store
	nodes        map[string]*octree.Node
}

// New creates a catalog backed by store, rooted at rootAABB with the given
// root spacing.
func New(store Store, rootAABB geom.AABB, rootSpacing float64) *Catalog {
	return &Catalog{
		rootAABB:    rootAABB,
		rootSpacing: rootSpacing,
		store:       store,
		nodes:       make(map[string]*octree.Node),
	}
}

// GetNode returns the in-memory node for name, materializing it from the
// byte store if present there, else constructing an empty leaf with the
// AABB/spacing derived by walking name from the root (spec.md §4.1
// get_node). Implements octree.Provider.
func (c *Catalog) GetNode(name octree.Name) (*octree.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getNodeLocked(name)
}

func (c *Catalog) getNodeLocked(name octree.Name) (*octree.Node, error) {
	key := name.String()
	if n, ok := c.nodes[key]; ok {
		return n, nil
	}
	aabb := name.AABB(c.rootAABB)
	spacing := name.Spacing(c.rootSpacing)
	node := octree.NewNode(name, aabb, spacing)
	if blob, ok := c.store.Get(key); ok {
		if err := node.Decode(blob); err != nil {
			return nil, fmt.Errorf("catalog: materialize %s: %w", key, err)
		}
	}
	c.nodes[key] = node
	return node, nil
}

// Evict drops name from the in-memory working set without touching the
// byte store. The node must have been Dump'd (or never dirty) first, or
// its in-memory-only changes are lost; the coordinator is responsible for
// only evicting nodes it has already serialized (spec.md §5 node cache
// eviction).
func (c *Catalog) Evict(name octree.Name) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, name.String())
}

// Dump serializes name and writes it (and, if recursive, its materialized
// descendants up to maxDepth levels) into the byte store. Only dirty nodes
// are re-encoded; clean ones are left untouched in the store (spec.md
// §4.1 dump: "Only dirty nodes are re-serialized; clean ones reuse their
// last blob.").
func (c *Catalog) Dump(name octree.Name, recursive bool, maxDepth int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dumpLocked(name, recursive, 0, maxDepth)
}

func (c *Catalog) dumpLocked(name octree.Name, recursive bool, depth, maxDepth int) error {
	node, ok := c.nodes[name.String()]
	if !ok {
		return nil // nothing materialized, nothing to do
	}
	if node.Dirty {
		c.store.Put(name.String(), node.Encode())
		node.Dirty = false
	}
	if recursive && !node.IsLeaf() && depth < maxDepth {
		for _, child := range node.Children() {
			if err := c.dumpLocked(child, recursive, depth+1, maxDepth); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load materializes name directly from a supplied blob (the inverse of a
// single node's Encode), bypassing the store and replacing any in-memory
// node of that name. The coordinator does not call it; it materializes
// nodes through GetNode.
func (c *Catalog) Load(name octree.Name, blob []byte) (*octree.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	aabb := name.AABB(c.rootAABB)
	spacing := name.Spacing(c.rootSpacing)
	node := octree.NewNode(name, aabb, spacing)
	if len(blob) > 0 {
		if err := node.Decode(blob); err != nil {
			return nil, fmt.Errorf("catalog: load %s: %w", name, err)
		}
	}
	c.nodes[name.String()] = node
	return node, nil
}

// MaterializedCount returns the number of nodes currently held in the
// in-memory working set. Exposed for tests and diagnostics exercising
// the coordinator's eviction policy (spec.md §4.4/§9 bounded memory).
func (c *Catalog) MaterializedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// RootAABB returns the catalog's root bounding box.
func (c *Catalog) RootAABB() geom.AABB { return c.rootAABB }

// RootSpacing returns the catalog's root spacing.
func (c *Catalog) RootSpacing() float64 { return c.rootSpacing }
