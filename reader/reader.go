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

// Package reader defines the input contract of spec.md §6. Concrete file
// format decoders (LAS, XYZ, ...) are out of scope for this core (spec.md
// §1); this package only carries the interface the coordinator drives and
// a synthetic in-memory source used by tests and the seed-suite scenarios
// of spec.md §8.
package reader

import (
	"context"
	"io"

	"github.com/geopoints/octiler/geom"
	"github.com/geopoints/octiler/octerr"
)

// PointBatch is one chunk of points from a source, already reprojected
// into builder-local coordinates (offset subtracted, scaled, optionally
// rotated) and with colors normalized, per spec.md §6.
type PointBatch struct {
	SourceID int
	XYZ      []geom.Vec3
	RGB      [][3]uint8 // nil when the source carries no color
	Count    int
}

// Validate checks the structural well-formedness spec.md §7's
// InputFormat error kind guards against: mismatched array lengths and
// non-finite coordinates.
func (b PointBatch) Validate() error {
	if len(b.XYZ) != b.Count {
		return octerr.ErrInputFormat
	}
	if b.RGB != nil && len(b.RGB) != b.Count {
		return octerr.ErrInputFormat
	}
	for _, p := range b.XYZ {
		for _, c := range p {
			if c != c || c > 3.4e38 || c < -3.4e38 { // NaN or overflow guard
				return octerr.ErrInputFormat
			}
		}
	}
	return nil
}

// Source streams PointBatch values from a single source region. Next
// returns io.EOF once the source is exhausted (spec.md §6 "ReaderDone"),
// matching spec.md §9's guidance to model this as "a finite, single-pass
// stream ... with an explicit ... marker" rather than relying on implicit
// completion.
type Source interface {
	Next(ctx context.Context) (PointBatch, error)
	Close() error
}

// Slice is a Source over an in-memory set of batches, used by tests and
// by the seed-suite scenarios (spec.md §8) that don't need a real file
// decoder.
type Slice struct {
	sourceID int
	batches  []PointBatch
	pos      int
}

// NewSlice wraps batches as a Source, stamping each with sourceID.
func NewSlice(sourceID int, batches []PointBatch) *Slice {
	for i := range batches {
		batches[i].SourceID = sourceID
	}
	return &Slice{sourceID: sourceID, batches: batches}
}

func (s *Slice) Next(ctx context.Context) (PointBatch, error) {
	if err := ctx.Err(); err != nil {
		return PointBatch{}, err
	}
	if s.pos >= len(s.batches) {
		return PointBatch{}, io.EOF
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

func (s *Slice) Close() error { return nil }
