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

// Package manifest builds the 3D Tiles tileset JSON (spec.md §6) and
// implements the bottom-up small-node-coalescing post-pass (spec.md
// §4.5), grounded on the teacher's post-order traversal style in
// triedb/pathdb/lookup.go (descend, then fold state back up on the way
// out).
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

// smallNodeThreshold is the tunable from spec.md §9's third open
// question: tiles with fewer points than this are folded into their
// parent during the post-pass.
const smallNodeThreshold = 100

// externalizeBytes is the approximate encoded-JSON size beyond which a
// subtree is split into its own tileset.<name>.json (spec.md §4.5/§6).
const externalizeBytes = 100_000

// Tile is one node of the manifest tree, per spec.md §6.
type Tile struct {
	BoundingVolume BoundingVolume `json:"boundingVolume"`
	GeometricError float64        `json:"geometricError"`
	Content        *Content       `json:"content,omitempty"`
	Children       []*Tile        `json:"children,omitempty"`
	Refine         string         `json:"refine,omitempty"`
	Transform      []float64      `json:"transform,omitempty"`
}

// BoundingVolume is the 12-number box form: center[3] + half-axes[3x3]
// column-major, per spec.md §6.
type BoundingVolume struct {
	Box [12]float64 `json:"box"`
}

// Content names the tile's payload file (a .pnts tile or an external
// sub-manifest).
type Content struct {
	URI string `json:"uri"`
}

// Document is the top-level tileset.json shape of spec.md §6.
type Document struct {
	Asset          Asset   `json:"asset"`
	GeometricError float64 `json:"geometricError"`
	Root           *Tile   `json:"root"`
}

// Asset is the fixed 3D Tiles asset block.
type Asset struct {
	Version string `json:"version"`
}

func boxFromAABB(b geom.AABB) BoundingVolume {
	c := b.Center()
	h := b.Size().Scale(0.5)
	return BoundingVolume{Box: [12]float64{
		float64(c[0]), float64(c[1]), float64(c[2]),
		float64(h[0]), 0, 0,
		0, float64(h[1]), 0,
		0, 0, float64(h[2]),
	}}
}

// NodeSource abstracts the catalog for the post-pass so manifest doesn't
// need to import catalog; by the time the manifest walk runs, every node
// touched by the build has already been finalized by the coordinator.
type NodeSource interface {
	GetNode(name octree.Name) (*octree.Node, error)
}

// Builder walks the finished octree bottom-up, producing the manifest
// tree and performing the small-node coalescing pass of spec.md §4.5.
type Builder struct {
	OutDir       string
	RootScale    float64
	RootOffset   *geom.Vec3
	RootRotation *[9]float64
	UseRTCCenter bool
	IncludeRGB   bool
	Source       NodeSource
}

// visitResult carries the decoded tile content alongside the manifest
// node so a parent can fold a small child without re-reading its file.
type visitResult struct {
	tile        *Tile
	content     tilefile.Tile
	hasFile     bool
	hasChildren bool // true if this node had any descendant content, even if tile was later externalized and tile.Children cleared
}

// Build walks root bottom-up and writes tileset.json (plus any external
// sub-manifests) into b.OutDir. It returns the in-memory document for
// tests.
func (b *Builder) Build(root octree.Name) (*Document, error) {
	res, err := b.visit(root)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("manifest: root tile %s has no content", root)
	}
	tile := res.tile
	tile.Refine = "ADD"
	if b.RootRotation != nil || b.RootOffset != nil {
		tile.Transform = rootTransform(b.RootRotation, b.RootOffset)
	}
	doc := &Document{
		Asset:          Asset{Version: "1.0"},
		GeometricError: tile.GeometricError,
		Root:           tile,
	}
	return doc, b.writeDocument(doc, "tileset.json")
}

// visit implements the bottom-up post-pass (spec.md §4.5): for every node,
// read its tile file if any, compute the empirical (tighter-than-geometric)
// AABB from the actual points, and fold any true-leaf child (no descendant
// content of its own) whose tile has fewer than smallNodeThreshold points
// into the current node's tile, deleting the child's file. A child with
// real descendants is never folded, even if its own point count is below
// the threshold: folding it would have to either drop its descendants or
// (once the child's own subtree has been externalized into its own
// tileset.<name>.json, clearing tile.Children) drop the externalized
// reference entirely, so such a child is always kept as-is. It returns nil
// if neither this node nor any descendant produced content.
func (b *Builder) visit(name octree.Name) (*visitResult, error) {
	node, err := b.Source.GetNode(name)
	if err != nil {
		return nil, fmt.Errorf("manifest: visit %s: %w", name, err)
	}

	tilePath := b.tilePath(name)
	own, hasOwn, err := readTile(tilePath)
	if err != nil {
		return nil, err
	}

	var children []*Tile
	for _, childName := range node.Children() {
		child, err := b.visit(childName)
		if err != nil {
			return nil, err
		}
		if child == nil {
			continue
		}
		if len(child.content.XYZ) < smallNodeThreshold && !child.hasChildren {
			own = foldTile(own, child.content)
			hasOwn = true
			if child.hasFile {
				if err := os.Remove(b.tilePath(childName)); err != nil && !os.IsNotExist(err) {
					return nil, fmt.Errorf("manifest: remove folded tile %s: %w", childName, err)
				}
			}
			continue
		}
		children = append(children, child.tile)
	}

	if !hasOwn && len(children) == 0 {
		return nil, nil
	}

	aabb := empiricalAABB(own, node.Name.AABB(b.rootAABB()))
	tile := &Tile{
		BoundingVolume: boxFromAABB(aabb),
		GeometricError: 20 * node.Spacing / b.RootScale,
	}
	if hasOwn {
		if err := writeTile(tilePath, own, b.IncludeRGB, b.UseRTCCenter, aabb); err != nil {
			return nil, err
		}
		tile.Content = &Content{URI: filepath.Base(tilePath)}
	}
	if len(children) > 0 {
		tile.Children = children
	} else {
		tile.GeometricError = 0
	}

	if name.Depth() > 0 && len(children) > 0 && encodedSize(tile) > externalizeBytes {
		subName := fmt.Sprintf("tileset.%s.json", name.String())
		subDoc := &Document{
			Asset:          Asset{Version: "1.0"},
			GeometricError: tile.GeometricError,
			Root:           tile,
		}
		if err := b.writeDocument(subDoc, subName); err != nil {
			return nil, err
		}
		tile = &Tile{
			BoundingVolume: tile.BoundingVolume,
			GeometricError: subDoc.GeometricError,
			Content:        &Content{URI: subName},
		}
	}

	return &visitResult{tile: tile, content: own, hasFile: hasOwn, hasChildren: len(children) > 0}, nil
}

// rootAABB is a lightweight accessor so visit can compute an empirical
// AABB fallback (when a node has no tile file, e.g. an internal node with
// all points folded into children) without importing catalog.
func (b *Builder) rootAABB() geom.AABB {
	root, err := b.Source.GetNode(octree.Name{})
	if err != nil {
		return geom.AABB{}
	}
	return root.AABB
}

func encodedSize(t *Tile) int {
	data, err := json.Marshal(t)
	if err != nil {
		return 0
	}
	return len(data)
}

func rootTransform(rot *[9]float64, offset *geom.Vec3) []float64 {
	m := [16]float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
	if rot != nil {
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				m[c*4+r] = rot[r*3+c]
			}
		}
	}
	if offset != nil {
		m[12] = float64(offset[0])
		m[13] = float64(offset[1])
		m[14] = float64(offset[2])
	}
	return m[:]
}
