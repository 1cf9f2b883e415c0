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

package octree

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/geopoints/octiler/geom"
)

const (
	// leafSplitCount is the point count at which a leaf splits into a
	// branch, per spec.md §4.2.
	leafSplitCount = 20_000
	// minSpacingFactor * scale is the hard floor below which a leaf never
	// splits again, regardless of point count (max-depth leaves retain
	// everything).
	minSpacingFactor = 1e-3
)

// Batch is one accumulation of points handed to Insert, mirroring the
// reader contract's PointBatch (spec.md §6) without the source_id field
// the node engine doesn't need.
type Batch struct {
	XYZ []geom.Vec3
	RGB [][3]uint8
}

func (b Batch) Len() int { return len(b.XYZ) }

// Provider materializes nodes by name, used by Insert/FlushPending to reach
// children without the node engine depending on the catalog package
// (catalog depends on octree, not the reverse).
type Provider interface {
	GetNode(name Name) (*Node, error)
}

// Node is the core entity of spec.md §3: a leaf accumulates batches
// unfiltered; a branch holds a distance-filtered Grid plus a pending
// buffer of points rejected by the grid, awaiting routing to children.
type Node struct {
	Name    Name
	AABB    geom.AABB
	Spacing float64
	Kind    geom.SubdivisionType

	leaf    []Batch
	leafLen int

	children mapset.Set[string]
	grid     *Grid
	pending  []Batch

	Dirty bool
}

// NewNode constructs an empty leaf node with the AABB/spacing derived from
// its name and the catalog root (spec.md §4.1 get_node).
func NewNode(name Name, aabb geom.AABB, spacing float64) *Node {
	return &Node{
		Name:    name,
		AABB:    aabb,
		Spacing: spacing,
		Kind:    geom.SplitKind(aabb.Size()),
	}
}

// IsLeaf reports whether the node has not yet split.
func (n *Node) IsLeaf() bool { return n.children == nil }

// Children returns the child names known to have received points, in
// index order. Empty (not nil) once the node has split, per spec.md §3
// "children: either absent ... or a set of child NodeNames".
func (n *Node) Children() []Name {
	if n.children == nil {
		return nil
	}
	out := make([]Name, 0, n.children.Cardinality())
	for idx := 0; idx < 8; idx++ {
		if n.children.Contains(childKey(idx)) {
			out = append(out, n.Name.Child(idx))
		}
	}
	return out
}

func childKey(idx int) string { return string([]byte{byte(idx)}) }

// PendingCount returns the number of points awaiting routing to children.
func (n *Node) PendingCount() int {
	c := 0
	for _, b := range n.pending {
		c += b.Len()
	}
	return c
}

// PointCount returns the number of points retained directly at this node
// (leaf buffer, or grid contents for a branch); it does not recurse into
// children.
func (n *Node) PointCount() int {
	if n.IsLeaf() {
		return n.leafLen
	}
	if n.grid == nil {
		return 0
	}
	return n.grid.PointCount()
}

// Points returns every point retained directly at this node, concatenated
// in a deterministic (but otherwise unspecified) order.
func (n *Node) Points() ([]geom.Vec3, [][3]uint8) {
	if n.IsLeaf() {
		xyz := make([]geom.Vec3, 0, n.leafLen)
		rgb := make([][3]uint8, 0, n.leafLen)
		for _, b := range n.leaf {
			xyz = append(xyz, b.XYZ...)
			rgb = append(rgb, b.RGB...)
		}
		return xyz, rgb
	}
	if n.grid == nil {
		return nil, nil
	}
	return n.grid.Points()
}

// Insert implements spec.md §4.2. make_empty=true is used by the reader
// path, which has no distance-filter preference: the batch is queued into
// pending and the node is immediately marked as a (still childless) branch
// so the coordinator knows it must be flushed.
func (n *Node) Insert(provider Provider, scale float64, xyz []geom.Vec3, rgb [][3]uint8, makeEmpty bool) error {
	if makeEmpty {
		n.pending = append(n.pending, Batch{XYZ: xyz, RGB: rgb})
		if n.children == nil {
			n.children = mapset.NewThreadUnsafeSet[string]()
		}
		n.Dirty = true
		return nil
	}

	if n.IsLeaf() {
		n.leaf = append(n.leaf, Batch{XYZ: xyz, RGB: rgb})
		n.leafLen += len(xyz)
		n.Dirty = true
		if n.leafLen >= leafSplitCount && n.Spacing > minSpacingFactor*scale {
			return n.split(provider, scale)
		}
		return nil
	}

	if n.grid == nil {
		n.grid = NewGrid(n.Spacing, n.Kind)
	}
	rejXYZ, rejRGB, needsBalance := n.grid.Insert(n.AABB, xyz, rgb)
	if needsBalance {
		n.grid.Rebalance(n.AABB)
	}
	if len(rejXYZ) > 0 {
		n.pending = append(n.pending, Batch{XYZ: rejXYZ, RGB: rejRGB})
	}
	n.Dirty = true
	return nil
}

// split converts a leaf into a branch, re-inserting every previously
// buffered batch in original arrival order (the resolution chosen for
// spec.md §9's open question on leaf/branch split point-retention order:
// buffers replay in call order rather than being flattened and re-chunked,
// so the set of points that land in the grid vs. pending is stable across
// runs for a fixed input ordering).
func (n *Node) split(provider Provider, scale float64) error {
	batches := n.leaf
	n.leaf = nil
	n.leafLen = 0
	n.children = mapset.NewThreadUnsafeSet[string]()
	n.grid = NewGrid(n.Spacing, n.Kind)
	for _, b := range batches {
		if err := n.Insert(provider, scale, b.XYZ, b.RGB, false); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) childIndex(p geom.Vec3) int {
	c := n.AABB.Center()
	idx := 0
	if p[0] >= c[0] {
		idx |= 4
	}
	if p[1] >= c[1] {
		idx |= 2
	}
	if n.Kind != geom.Quadtree && p[2] >= c[2] {
		idx |= 1
	}
	return idx
}

// FlushPending implements spec.md §4.2's flush_pending plus the
// halt_at_depth bound from §4.4: depthBudget caps how many additional
// levels this call may recurse into before serializing the remainder back
// to the caller for re-dispatch. A depthBudget of 0 records which children
// this node's pending points route to and returns all of them for
// re-dispatch, without materializing or inserting into any child.
func (n *Node) FlushPending(provider Provider, scale float64, depthBudget int) (map[string]Batch, error) {
	if len(n.pending) == 0 {
		return nil, nil
	}
	batches := n.pending
	n.pending = nil

	perChild := make(map[int]Batch)
	for _, b := range batches {
		for i, p := range b.XYZ {
			idx := n.childIndex(p)
			cb := perChild[idx]
			cb.XYZ = append(cb.XYZ, p)
			cb.RGB = append(cb.RGB, b.RGB[i])
			perChild[idx] = cb
		}
	}

	requeued := make(map[string]Batch)
	for idx, b := range perChild {
		childName := n.Name.Child(idx)
		key := childKey(idx)
		if !n.children.Contains(key) {
			n.children.Add(key)
			n.Dirty = true
		}
		if depthBudget <= 0 {
			requeued[childName.String()] = mergeBatch(requeued[childName.String()], b)
			continue
		}
		child, err := provider.GetNode(childName)
		if err != nil {
			return nil, err
		}
		if err := child.Insert(provider, scale, b.XYZ, b.RGB, false); err != nil {
			return nil, err
		}
		childRequeued, err := child.FlushPending(provider, scale, depthBudget-1)
		if err != nil {
			return nil, err
		}
		for name, cb := range childRequeued {
			requeued[name] = mergeBatch(requeued[name], cb)
		}
	}
	return requeued, nil
}

func mergeBatch(a, b Batch) Batch {
	a.XYZ = append(a.XYZ, b.XYZ...)
	a.RGB = append(a.RGB, b.RGB...)
	return a
}
