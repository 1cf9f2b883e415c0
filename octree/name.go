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
	"fmt"
	"strings"

	"github.com/geopoints/octiler/geom"
)

// Name is the path from the octree root to a node: one byte per level,
// holding a child index in 0..7. The empty name is the root. Names are
// compared and stored as strings (via String) so they work as map keys
// and set elements without incurring per-lookup allocation beyond the
// conversion itself.
type Name []byte

// String renders the name as its digit-string form, e.g. "0", "204".
// The empty name renders as "r", matching the filename convention used
// for the root tile (spec.md §8 scenario 1: "one file r.pnts").
func (n Name) String() string {
	if len(n) == 0 {
		return "r"
	}
	var b strings.Builder
	b.Grow(len(n))
	for _, d := range n {
		b.WriteByte('0' + d)
	}
	return b.String()
}

// Depth is the number of levels below the root.
func (n Name) Depth() int { return len(n) }

// Child returns the name of child index (0..7).
func (n Name) Child(index int) Name {
	if index < 0 || index > 7 {
		panic(fmt.Sprintf("octree: child index %d out of range", index))
	}
	child := make(Name, len(n)+1)
	copy(child, n)
	child[len(n)] = byte(index)
	return child
}

// Parent returns the name of the parent and true, or (nil, false) for the
// root.
func (n Name) Parent() (Name, bool) {
	if len(n) == 0 {
		return nil, false
	}
	return n[:len(n)-1], true
}

// IsAncestorOf reports whether n is a prefix of other, i.e. n is an
// ancestor of other or equal to it. The coordinator's finalization rule
// (spec.md §4.4) applies the same prefix relation through its own scan of
// the active-task map.
func (n Name) IsAncestorOf(other Name) bool {
	if len(n) > len(other) {
		return false
	}
	for i := range n {
		if n[i] != other[i] {
			return false
		}
	}
	return true
}

// ParseName parses the digit-string form produced by String. "r" parses to
// the root (empty) name.
func ParseName(s string) (Name, error) {
	if s == "r" || s == "" {
		return Name{}, nil
	}
	name := make(Name, len(s))
	for i := 0; i < len(s); i++ {
		d := s[i]
		if d < '0' || d > '7' {
			return nil, fmt.Errorf("octree: invalid node name %q", s)
		}
		name[i] = d - '0'
	}
	return name, nil
}

// AABB derives a node's bounding box by walking its name from the root
// AABB, per spec.md §4.1. Deterministic from (root, name) alone, so any
// worker can materialize the same box regardless of scheduling.
func (n Name) AABB(root geom.AABB) geom.AABB {
	box := root
	for _, idx := range n {
		box = geom.ChildAABB(box, int(idx))
	}
	return box
}

// Spacing derives a node's grid spacing by halving the root spacing once
// per level (spec.md §3 "spacing is monotonically halved with depth").
func (n Name) Spacing(rootSpacing float64) float64 {
	s := rootSpacing
	for i := 0; i < len(n); i++ {
		s /= 2
	}
	return s
}
