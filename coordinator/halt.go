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

package coordinator

// haltAtDepth implements spec.md §4.4's halt_at_depth policy table: the
// number of additional levels a single task may flush into before the
// remainder of a node's pending buffer is serialized and re-queued as
// new tasks keyed by child name. Re-dispatch past the halt depth is what
// gives the build its parallelism: concurrent workers end up owning
// disjoint subtrees instead of one worker racing to the bottom.
func haltAtDepth(depth int) int {
	switch {
	case depth <= 2:
		return 1
	case depth <= 4:
		return 2
	case depth <= 6:
		return 3
	default:
		return 5
	}
}
