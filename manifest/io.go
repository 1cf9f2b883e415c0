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

package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/geopoints/octiler/geom"
	"github.com/geopoints/octiler/octree"
	"github.com/geopoints/octiler/tilefile"
)

func (b *Builder) tilePath(name octree.Name) string {
	return filepath.Join(b.OutDir, name.String()+".pnts")
}

func readTile(path string) (tilefile.Tile, bool, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return tilefile.Tile{}, false, nil
	}
	if err != nil {
		return tilefile.Tile{}, false, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	defer f.Close()
	t, err := tilefile.Decode(f)
	if err != nil {
		return tilefile.Tile{}, false, fmt.Errorf("manifest: decode %s: %w", path, err)
	}
	return t, true, nil
}

func writeTile(path string, t tilefile.Tile, includeRGB, useRTC bool, aabb geom.AABB) error {
	if !includeRGB {
		t.RGB = nil
	}
	if useRTC {
		center := aabb.Center()
		shifted := make([]geom.Vec3, len(t.XYZ))
		for i, p := range t.XYZ {
			shifted[i] = p.Sub(center)
		}
		t.XYZ = shifted
		t.RTCCenter = &center
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("manifest: create %s: %w", tmp, err)
	}
	if err := tilefile.Encode(f, t); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("manifest: encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// foldTile concatenates a folded child's points into the parent's tile
// content (spec.md §4.5 small-node coalescing).
func foldTile(parent, child tilefile.Tile) tilefile.Tile {
	parent.XYZ = append(parent.XYZ, child.XYZ...)
	if child.RGB != nil {
		parent.RGB = append(parent.RGB, child.RGB...)
	}
	return parent
}

// empiricalAABB computes the tightest box containing t's actual points,
// per spec.md §4.5 ("compute the empirical AABB from the actual points").
// Falls back to the node's geometric AABB when the node carries no points
// of its own (an internal node whose content lives entirely in children).
func empiricalAABB(t tilefile.Tile, fallback geom.AABB) geom.AABB {
	if len(t.XYZ) == 0 {
		return fallback
	}
	min, max := t.XYZ[0], t.XYZ[0]
	for _, p := range t.XYZ[1:] {
		for i := 0; i < 3; i++ {
			if p[i] < min[i] {
				min[i] = p[i]
			}
			if p[i] > max[i] {
				max[i] = p[i]
			}
		}
	}
	return geom.AABB{Min: min, Max: max}
}

func (b *Builder) writeDocument(doc *Document, filename string) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("manifest: marshal %s: %w", filename, err)
	}
	path := filepath.Join(b.OutDir, filename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("manifest: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
