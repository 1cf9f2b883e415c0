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

// Package tilefile encodes/decodes the binary point-tile format of
// spec.md §6: a fixed 28-byte header, a padded JSON feature table, and an
// interleaved-free binary body (positions, then optionally colors).
// Grounded on core/rawdb/freezer_table.go's explicit-length,
// binary.LittleEndian header style — the same "byte lengths must be
// exact, readers check total_len == actual file size" discipline.
package tilefile

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/geopoints/octiler/geom"
)

const (
	magic         = "pnts"
	version       = uint32(1)
	headerLen     = 28
	posStride     = 12 // 3 * float32
	rgbStride     = 3  // 3 * uint8
	alignment     = 4
)

// FeatureTable is the subset of the pnts feature-table JSON this builder
// populates (spec.md §6): point count, position/color byte offsets, and
// an optional relative-to-center origin (SPEC_FULL.md "Supplemented
// features").
type FeatureTable struct {
	PointsLength int        `json:"POINTS_LENGTH"`
	Position     ByteOffset `json:"POSITION"`
	RGB          *ByteOffset `json:"RGB,omitempty"`
	RTCCenter    *geom.Vec3  `json:"RTC_CENTER,omitempty"`
}

// ByteOffset is the {byteOffset: N} shape 3D Tiles feature tables use to
// locate a semantic's data within the binary body.
type ByteOffset struct {
	ByteOffset int `json:"byteOffset"`
}

// Tile is a decoded .pnts file: the points directly retained at one
// octree node (spec.md §3 "Tile (output artifact)").
type Tile struct {
	XYZ       []geom.Vec3
	RGB       [][3]uint8 // nil when colors are absent
	RTCCenter *geom.Vec3
}

// Encode writes t to w in the wire format of spec.md §6.
func Encode(w io.Writer, t Tile) error {
	if t.RGB != nil && len(t.RGB) != len(t.XYZ) {
		return fmt.Errorf("tilefile: encode: %d positions but %d colors", len(t.XYZ), len(t.RGB))
	}
	ft := FeatureTable{
		PointsLength: len(t.XYZ),
		Position:     ByteOffset{ByteOffset: 0},
		RTCCenter:    t.RTCCenter,
	}
	if t.RGB != nil {
		ft.RGB = &ByteOffset{ByteOffset: len(t.XYZ) * posStride}
	}
	ftJSON, err := json.Marshal(ft)
	if err != nil {
		return fmt.Errorf("tilefile: encode feature table: %w", err)
	}
	ftJSON = padJSON(ftJSON)

	ftBinLen := len(t.XYZ) * posStride
	if t.RGB != nil {
		ftBinLen += len(t.RGB) * rgbStride
	}
	totalLen := headerLen + len(ftJSON) + ftBinLen

	var header bytes.Buffer
	header.WriteString(magic)
	writeU32(&header, version)
	writeU32(&header, uint32(totalLen))
	writeU32(&header, uint32(len(ftJSON)))
	writeU32(&header, uint32(ftBinLen))
	writeU32(&header, 0) // bt_json_len: batch tables unused by this core
	writeU32(&header, 0) // bt_bin_len

	if _, err := w.Write(header.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(ftJSON); err != nil {
		return err
	}
	var tmp [4]byte
	for _, p := range t.XYZ {
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(p[0]))
		if _, err := w.Write(tmp[:]); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(p[1]))
		if _, err := w.Write(tmp[:]); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(p[2]))
		if _, err := w.Write(tmp[:]); err != nil {
			return err
		}
	}
	if t.RGB != nil {
		for _, c := range t.RGB {
			if _, err := w.Write(c[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Decode reads a .pnts file from r, validating that total_len matches the
// bytes actually read (spec.md §6 "readers check total_len == actual file
// size").
func Decode(r io.Reader) (Tile, error) {
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Tile{}, fmt.Errorf("tilefile: decode header: %w", err)
	}
	if string(hdr[0:4]) != magic {
		return Tile{}, fmt.Errorf("tilefile: decode: bad magic %q", hdr[0:4])
	}
	ver := binary.LittleEndian.Uint32(hdr[4:8])
	if ver != version {
		return Tile{}, fmt.Errorf("tilefile: decode: unsupported version %d", ver)
	}
	totalLen := binary.LittleEndian.Uint32(hdr[8:12])
	ftJSONLen := binary.LittleEndian.Uint32(hdr[12:16])
	ftBinLen := binary.LittleEndian.Uint32(hdr[16:20])

	ftJSON := make([]byte, ftJSONLen)
	if _, err := io.ReadFull(r, ftJSON); err != nil {
		return Tile{}, fmt.Errorf("tilefile: decode feature table: %w", err)
	}
	var ft FeatureTable
	if err := json.Unmarshal(bytes.TrimRight(ftJSON, " "), &ft); err != nil {
		return Tile{}, fmt.Errorf("tilefile: decode feature table json: %w", err)
	}
	ftBin := make([]byte, ftBinLen)
	if _, err := io.ReadFull(r, ftBin); err != nil {
		return Tile{}, fmt.Errorf("tilefile: decode feature table binary: %w", err)
	}
	if got := uint32(headerLen) + ftJSONLen + ftBinLen; got != totalLen {
		return Tile{}, fmt.Errorf("tilefile: decode: total_len %d != actual %d", totalLen, got)
	}

	xyz := make([]geom.Vec3, ft.PointsLength)
	for i := range xyz {
		off := i * posStride
		xyz[i] = geom.Vec3{
			math.Float32frombits(binary.LittleEndian.Uint32(ftBin[off:])),
			math.Float32frombits(binary.LittleEndian.Uint32(ftBin[off+4:])),
			math.Float32frombits(binary.LittleEndian.Uint32(ftBin[off+8:])),
		}
	}
	var rgb [][3]uint8
	if ft.RGB != nil {
		rgb = make([][3]uint8, ft.PointsLength)
		base := ft.RGB.ByteOffset
		for i := range rgb {
			off := base + i*rgbStride
			rgb[i] = [3]uint8{ftBin[off], ftBin[off+1], ftBin[off+2]}
		}
	}
	return Tile{XYZ: xyz, RGB: rgb, RTCCenter: ft.RTCCenter}, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

// padJSON space-pads b to the next 4-byte boundary, per spec.md §6
// "Feature-table JSON, ASCII, space-padded to 4-byte alignment".
func padJSON(b []byte) []byte {
	pad := (alignment - len(b)%alignment) % alignment
	if pad == 0 {
		return b
	}
	out := make([]byte, len(b)+pad)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = ' '
	}
	return out
}
