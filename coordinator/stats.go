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

import "sync/atomic"

// Stats is the progress/point-count telemetry of SPEC_FULL.md's
// "Supplemented features" section: counters a CLI can poll and print at
// a configurable verbosity (spec.md §7 "Progress telemetry ... is
// emitted at a configurable verbosity"), without the coordinator itself
// depending on any particular output sink.
type Stats struct {
	pointsRead    atomic.Int64
	pointsEmitted atomic.Int64
	nodesTouched  atomic.Int64
	nodesEmitted  atomic.Int64
	readersDone   atomic.Int64
}

// PointsRead is the total point count accepted from every reader so far.
func (s *Stats) PointsRead() int64 { return s.pointsRead.Load() }

// PointsEmitted is the total point count written into tile files so far.
func (s *Stats) PointsEmitted() int64 { return s.pointsEmitted.Load() }

// PointsInFlight approximates spec.md §4.4's backpressure signal: points
// accepted from readers but not yet flushed into an emitted tile.
func (s *Stats) PointsInFlight() int64 {
	inFlight := s.pointsRead.Load() - s.pointsEmitted.Load()
	if inFlight < 0 {
		return 0
	}
	return inFlight
}

// NodesEmitted is the number of nodes finalized to a tile file so far.
func (s *Stats) NodesEmitted() int64 { return s.nodesEmitted.Load() }

func (s *Stats) addRead(n int)          { s.pointsRead.Add(int64(n)) }
func (s *Stats) addEmitted(points int)  { s.pointsEmitted.Add(int64(points)); s.nodesEmitted.Add(1) }
func (s *Stats) touchNode()             { s.nodesTouched.Add(1) }
