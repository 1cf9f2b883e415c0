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
	"math/bits"

	"github.com/geopoints/octiler/geom"
)

// cellCapacity is the per-cell point count above which a grid with room to
// grow (N < maxCellCount) is flagged for rebalance (spec.md §4.3).
const cellCapacity = 200_000

// maxCellCount is the largest per-axis cell count a grid balances up to.
const maxCellCount = 8

// gridCell holds the points retained in one bucket, in insertion order.
type gridCell struct {
	xyz []geom.Vec3
	rgb [][3]uint8
}

func (c *gridCell) farEnough(p geom.Vec3, spacingSq float64) bool {
	for i := len(c.xyz) - 1; i >= 0; i-- {
		if c.xyz[i].DistSquared(p) < spacingSq {
			return false
		}
	}
	return true
}

// Grid is the sparse hierarchical distance-filter grid owned by a branch
// node (spec.md §4.3). Grounded on original_source/py3dtiles/points/points_grid.py:
// the cell key packs (x,y,z) bucket indices into one integer using a shift
// of ceil(log2(N)) bits per axis, and rebalance grows N by one and force-
// reinserts every retained point without re-running the distance test
// (points already satisfy it pairwise).
type Grid struct {
	nx, ny, nz int
	kind       geom.SubdivisionType
	spacingSq  float64
	cells      []gridCell
}

// NewGrid creates a 3x3x3 grid (3x3x1 for quadtree nodes) for the given
// node spacing.
func NewGrid(spacing float64, kind geom.SubdivisionType) *Grid {
	g := &Grid{nx: 3, ny: 3, nz: 3, kind: kind, spacingSq: spacing * spacing}
	if kind == geom.Quadtree {
		g.nz = 1
	}
	g.cells = make([]gridCell, g.slotCount())
	return g
}

// dims returns the per-axis cell counts, for serialization.
func (g *Grid) dims() (int, int, int) { return g.nx, g.ny, g.nz }

// restoreFromCells rebuilds a grid of the given dimensions from
// already-partitioned cell contents, used when decoding a serialized node.
// Cells must already be in the same key order NewGrid/Insert would produce.
func restoreFromCells(nx, ny, nz int, kind geom.SubdivisionType, spacing float64, cells []gridCell) *Grid {
	return &Grid{nx: nx, ny: ny, nz: nz, kind: kind, spacingSq: spacing * spacing, cells: cells}
}

func shiftFor(n int) uint {
	if n <= 1 {
		return 0
	}
	return uint(bits.Len(uint(n - 1)))
}

// slotCount is the length of the cells slice: one slot per value the
// packed key can take, so some slots stay empty when N is not a power of
// two.
func (g *Grid) slotCount() int {
	shift := shiftFor(maxInt(g.nx, g.nz))
	if g.nz > 1 {
		return 1 << (3 * shift)
	}
	return 1 << (2 * shift)
}

func (g *Grid) key(p geom.Vec3, aabb geom.AABB) int {
	size := aabb.Size()
	ix := clampIdx(int((float64(p[0]-aabb.Min[0])/float64(size[0]))*float64(g.nx)), g.nx)
	iy := clampIdx(int((float64(p[1]-aabb.Min[1])/float64(size[1]))*float64(g.ny)), g.ny)
	iz := 0
	if g.nz > 1 {
		iz = clampIdx(int((float64(p[2]-aabb.Min[2])/float64(size[2]))*float64(g.nz)), g.nz)
	}
	shift := shiftFor(maxInt(g.nx, g.nz))
	return ix | iy<<shift | iz<<(2*shift)
}

func clampIdx(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Insert accepts points that clear the distance test against their cell,
// appends them in order, and returns the rejected points (for routing to
// pending) plus whether any cell crossed the rebalance threshold.
func (g *Grid) Insert(aabb geom.AABB, xyz []geom.Vec3, rgb [][3]uint8) (rejXYZ []geom.Vec3, rejRGB [][3]uint8, needsBalance bool) {
	for i, p := range xyz {
		k := g.key(p, aabb)
		cell := &g.cells[k]
		if len(cell.xyz) == 0 || cell.farEnough(p, g.spacingSq) {
			cell.xyz = append(cell.xyz, p)
			cell.rgb = append(cell.rgb, rgb[i])
			if g.nx < maxCellCount && len(cell.xyz) > cellCapacity {
				needsBalance = true
			}
		} else {
			rejXYZ = append(rejXYZ, p)
			rejRGB = append(rejRGB, rgb[i])
		}
	}
	return
}

// NeedsBalance reports whether any cell has crossed the capacity threshold
// while the grid still has room to grow.
func (g *Grid) NeedsBalance() bool {
	if g.nx >= maxCellCount {
		return false
	}
	for i := range g.cells {
		if len(g.cells[i].xyz) > cellCapacity {
			return true
		}
	}
	return false
}

// Rebalance grows the grid by one cell per axis (z too, unless quadtree)
// and force-reinserts every retained point into the new, finer keyspace.
// Points are accepted unconditionally: they already satisfy the distance
// test pairwise, since they were accepted under the coarser grid.
func (g *Grid) Rebalance(aabb geom.AABB) {
	old := g.cells
	g.nx++
	g.ny++
	if g.kind != geom.Quadtree {
		g.nz++
	}
	g.cells = make([]gridCell, g.slotCount())
	for i := range old {
		cell := &old[i]
		for j, p := range cell.xyz {
			k := g.key(p, aabb)
			g.cells[k].xyz = append(g.cells[k].xyz, p)
			g.cells[k].rgb = append(g.cells[k].rgb, cell.rgb[j])
		}
	}
}

// N returns the current per-axis cell count (x/y; z is 1 for quadtree).
func (g *Grid) N() int { return g.nx }

// PointCount returns the total number of retained points.
func (g *Grid) PointCount() int {
	n := 0
	for i := range g.cells {
		n += len(g.cells[i].xyz)
	}
	return n
}

// Points concatenates all cells in key order. The concatenation order is
// deterministic given a fixed grid size and insertion history, but is not
// otherwise specified (spec.md §4.3 "Get all points").
func (g *Grid) Points() (xyz []geom.Vec3, rgb [][3]uint8) {
	total := g.PointCount()
	xyz = make([]geom.Vec3, 0, total)
	rgb = make([][3]uint8, 0, total)
	for i := range g.cells {
		xyz = append(xyz, g.cells[i].xyz...)
		rgb = append(rgb, g.cells[i].rgb...)
	}
	return
}
