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
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/geopoints/octiler/geom"
)

func uint32frombits(f float32) uint32   { return math.Float32bits(f) }
func float32frombits(u uint32) float32  { return math.Float32frombits(u) }

const (
	nodeKindLeaf   byte = 0
	nodeKindBranch byte = 1
)

// Encode serializes a node's content (everything but name/aabb/spacing,
// which the catalog derives from the name and never persists) into a
// self-describing byte blob, per spec.md §4.1 dump/load. Grounded on the
// teacher's explicit-length, binary.LittleEndian codec style (see
// core/rawdb/freezer_table.go's header format).
func (n *Node) Encode() []byte {
	var buf bytes.Buffer
	if n.IsLeaf() {
		buf.WriteByte(nodeKindLeaf)
		writeBatches(&buf, n.leaf)
		return buf.Bytes()
	}

	buf.WriteByte(nodeKindBranch)
	nx, ny, nz := 0, 0, 0
	if n.grid != nil {
		nx, ny, nz = n.grid.dims()
	} else {
		nx, ny, nz = 3, 3, 3
		if n.Kind == geom.Quadtree {
			nz = 1
		}
	}
	buf.WriteByte(byte(nx))
	buf.WriteByte(byte(ny))
	buf.WriteByte(byte(nz))

	var cells []gridCell
	if n.grid != nil {
		cells = n.grid.cells
	}
	writeUint32(&buf, uint32(len(cells)))
	for i := range cells {
		writePoints(&buf, cells[i].xyz, cells[i].rgb)
	}

	var mask byte
	for idx := 0; idx < 8; idx++ {
		if n.children.Contains(childKey(idx)) {
			mask |= 1 << uint(idx)
		}
	}
	buf.WriteByte(mask)

	writeBatches(&buf, n.pending)
	return buf.Bytes()
}

// Decode populates n's content (leaf/branch state, grid, pending, children)
// from a blob produced by Encode. The caller must already have constructed
// n with NewNode (so Name/AABB/Spacing/Kind are set).
func (n *Node) Decode(data []byte) error {
	r := bytes.NewReader(data)
	kind, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("octree: decode node %s: %w", n.Name, err)
	}
	switch kind {
	case nodeKindLeaf:
		batches, err := readBatches(r)
		if err != nil {
			return fmt.Errorf("octree: decode leaf %s: %w", n.Name, err)
		}
		n.leaf = batches
		n.leafLen = 0
		for _, b := range batches {
			n.leafLen += b.Len()
		}
		n.children = nil
		n.grid = nil
	case nodeKindBranch:
		dims := make([]byte, 3)
		if _, err := r.Read(dims); err != nil {
			return fmt.Errorf("octree: decode branch %s: %w", n.Name, err)
		}
		nx, ny, nz := int(dims[0]), int(dims[1]), int(dims[2])
		cellCount, err := readUint32(r)
		if err != nil {
			return err
		}
		cells := make([]gridCell, cellCount)
		for i := range cells {
			xyz, rgb, err := readPoints(r)
			if err != nil {
				return fmt.Errorf("octree: decode cell %d of %s: %w", i, n.Name, err)
			}
			cells[i] = gridCell{xyz: xyz, rgb: rgb}
		}
		n.grid = restoreFromCells(nx, ny, nz, n.Kind, n.Spacing, cells)

		mask, err := r.ReadByte()
		if err != nil {
			return err
		}
		n.children = mapset.NewThreadUnsafeSet[string]()
		for idx := 0; idx < 8; idx++ {
			if mask&(1<<uint(idx)) != 0 {
				n.children.Add(childKey(idx))
			}
		}
		batches, err := readBatches(r)
		if err != nil {
			return fmt.Errorf("octree: decode pending of %s: %w", n.Name, err)
		}
		n.pending = batches
	default:
		return fmt.Errorf("octree: decode %s: unknown node kind %d", n.Name, kind)
	}
	n.Dirty = false
	return nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := r.Read(tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func writePoints(buf *bytes.Buffer, xyz []geom.Vec3, rgb [][3]uint8) {
	writeUint32(buf, uint32(len(xyz)))
	var tmp [12]byte
	for _, p := range xyz {
		binary.LittleEndian.PutUint32(tmp[0:4], uint32frombits(p[0]))
		binary.LittleEndian.PutUint32(tmp[4:8], uint32frombits(p[1]))
		binary.LittleEndian.PutUint32(tmp[8:12], uint32frombits(p[2]))
		buf.Write(tmp[:])
	}
	for _, c := range rgb {
		buf.WriteByte(c[0])
		buf.WriteByte(c[1])
		buf.WriteByte(c[2])
	}
}

func readPoints(r *bytes.Reader) ([]geom.Vec3, [][3]uint8, error) {
	count, err := readUint32(r)
	if err != nil {
		return nil, nil, err
	}
	xyz := make([]geom.Vec3, count)
	var tmp [12]byte
	for i := range xyz {
		if _, err := r.Read(tmp[:]); err != nil {
			return nil, nil, err
		}
		xyz[i] = geom.Vec3{
			float32frombits(binary.LittleEndian.Uint32(tmp[0:4])),
			float32frombits(binary.LittleEndian.Uint32(tmp[4:8])),
			float32frombits(binary.LittleEndian.Uint32(tmp[8:12])),
		}
	}
	rgb := make([][3]uint8, count)
	var c [3]byte
	for i := range rgb {
		if _, err := r.Read(c[:]); err != nil {
			return nil, nil, err
		}
		rgb[i] = [3]uint8{c[0], c[1], c[2]}
	}
	return xyz, rgb, nil
}

func writeBatches(buf *bytes.Buffer, batches []Batch) {
	total := 0
	for _, b := range batches {
		total += b.Len()
	}
	xyz := make([]geom.Vec3, 0, total)
	rgb := make([][3]uint8, 0, total)
	for _, b := range batches {
		xyz = append(xyz, b.XYZ...)
		rgb = append(rgb, b.RGB...)
	}
	writeUint32(buf, uint32(len(batches)))
	for _, b := range batches {
		writeUint32(buf, uint32(b.Len()))
	}
	writePoints(buf, xyz, rgb)
}

func readBatches(r *bytes.Reader) ([]Batch, error) {
	numBatches, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	lens := make([]uint32, numBatches)
	for i := range lens {
		lens[i], err = readUint32(r)
		if err != nil {
			return nil, err
		}
	}
	xyz, rgb, err := readPoints(r)
	if err != nil {
		return nil, err
	}
	batches := make([]Batch, numBatches)
	off := 0
	for i, l := range lens {
		batches[i] = Batch{XYZ: xyz[off : off+int(l)], RGB: rgb[off : off+int(l)]}
		off += int(l)
	}
	return batches, nil
}
