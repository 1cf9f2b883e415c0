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
	"os"
	"path/filepath"
	"testing"

	"github.com/geopoints/octiler/geom"
	"github.com/geopoints/octiler/internal/testutil"
	"github.com/geopoints/octiler/octree"
	"github.com/geopoints/octiler/tilefile"
	"github.com/stretchr/testify/require"
)

// fakeSource is a minimal in-memory octree.Provider/manifest.NodeSource,
// letting tests build a small finished tree by hand without a catalog. It
// auto-materializes nodes on first GetNode, the way catalog.Catalog does,
// so octree.Node.FlushPending can reach children it has never seen.
type fakeSource struct {
	root    geom.AABB
	spacing float64
	nodes   map[string]*octree.Node
}

func newFakeSource(root geom.AABB, spacing float64) *fakeSource {
	return &fakeSource{root: root, spacing: spacing, nodes: make(map[string]*octree.Node)}
}

func (f *fakeSource) GetNode(name octree.Name) (*octree.Node, error) {
	key := name.String()
	if n, ok := f.nodes[key]; ok {
		return n, nil
	}
	n := octree.NewNode(name, name.AABB(f.root), name.Spacing(f.spacing))
	f.nodes[key] = n
	return n, nil
}

func rootBox() geom.AABB {
	return geom.AABB{Min: geom.Vec3{0, 0, 0}, Max: geom.Vec3{10, 10, 10}}
}

func TestBuildFoldsSmallChildIntoParent(t *testing.T) {
	dir := t.TempDir()
	src := newFakeSource(rootBox(), 2.0)
	root := octree.NewNode(octree.Name{}, rootBox(), 2.0)
	src.nodes[root.Name.String()] = root

	low, lowRGB := testutil.UniformInBox(50, geom.AABB{Min: geom.Vec3{0, 0, 0}, Max: geom.Vec3{4, 4, 4}})
	high, highRGB := testutil.UniformInBox(200, geom.AABB{Min: geom.Vec3{6, 6, 6}, Max: geom.Vec3{10, 10, 10}})
	xyz := append(append([]geom.Vec3{}, low...), high...)
	rgb := append(append([][3]uint8{}, lowRGB...), highRGB...)
	require.NoError(t, root.Insert(src, 10, xyz, rgb, true))
	_, err := root.FlushPending(src, 10, 1)
	require.NoError(t, err)

	var small, large *octree.Node
	for _, childName := range root.Children() {
		child, err := src.GetNode(childName)
		require.NoError(t, err)
		src.nodes[childName.String()] = child
		if child.PointCount() < 100 {
			small = child
		} else {
			large = child
		}
	}
	require.NotNil(t, small)
	require.NotNil(t, large)

	b := &Builder{OutDir: dir, RootScale: 10, IncludeRGB: true, Source: src}
	smallXYZ, smallRGB := small.Points()
	require.NoError(t, writeTile(b.tilePath(small.Name), tilefile.Tile{XYZ: smallXYZ, RGB: smallRGB}, true, false, small.AABB))
	largeXYZ, largeRGB := large.Points()
	require.NoError(t, writeTile(b.tilePath(large.Name), tilefile.Tile{XYZ: largeXYZ, RGB: largeRGB}, true, false, large.AABB))

	doc, err := b.Build(octree.Name{})
	require.NoError(t, err)

	require.Len(t, doc.Root.Children, 1, "the small child must be folded away, leaving only the large one")
	require.NotNil(t, doc.Root.Content, "the parent must gain its own tile from the folded child's points")

	_, err = os.Stat(b.tilePath(small.Name))
	require.True(t, os.IsNotExist(err), "the folded child's tile file must be removed")
	_, err = os.Stat(b.tilePath(large.Name))
	require.NoError(t, err, "the retained child's tile file must survive")

	rootTile, hasRoot, err := readTile(b.tilePath(octree.Name{}))
	require.NoError(t, err)
	require.True(t, hasRoot)
	require.Len(t, rootTile.XYZ, 50, "the root's own content must be exactly the folded child's points")
}

// TestBuildKeepsInternalChildWithRealGrandchild covers the case the
// leaf-only fold above doesn't: a non-root branch with few/no own points
// that still has a real (large) grandchild of its own. Such a child must
// never be folded away, since folding it would have to either drop the
// grandchild or (once large enough to be externalized into its own
// tileset.<name>.json) drop the externalized reference entirely.
func TestBuildKeepsInternalChildWithRealGrandchild(t *testing.T) {
	dir := t.TempDir()
	src := newFakeSource(rootBox(), 2.0)
	root := octree.NewNode(octree.Name{}, rootBox(), 2.0)
	src.nodes[root.Name.String()] = root

	// One point inside octant 0 of the root box ([0,5]^3) is enough to
	// register child0 as a child of root without disturbing anything we
	// build into child0 by hand below (depthBudget 0 only registers the
	// child key, it never materializes or inserts into it).
	require.NoError(t, root.Insert(src, 10, []geom.Vec3{{0.5, 0.5, 0.5}}, [][3]uint8{{0, 0, 0}}, true))
	_, err := root.FlushPending(src, 10, 0)
	require.NoError(t, err)

	child0, err := src.GetNode(octree.Name{}.Child(0))
	require.NoError(t, err)

	// child0's own box is [0,5]^3, center (2.5,2.5,2.5); a point at
	// (4,4,4) lands in its octant 7, registering a grandchild without
	// giving child0 any own content.
	require.NoError(t, child0.Insert(src, 10, []geom.Vec3{{4, 4, 4}}, [][3]uint8{{0, 0, 0}}, true))
	_, err = child0.FlushPending(src, 10, 0)
	require.NoError(t, err)

	require.Len(t, root.Children(), 1)
	require.Len(t, child0.Children(), 1)
	grandchildName := child0.Children()[0]

	b := &Builder{OutDir: dir, RootScale: 10, IncludeRGB: true, Source: src}

	// child0 itself gets no tile file (zero own points, below threshold).
	// Its grandchild gets a real one, well above the fold threshold.
	grandXYZ, grandRGB := testutil.UniformInBox(150, geom.AABB{Min: geom.Vec3{4, 4, 4}, Max: geom.Vec3{5, 5, 5}})
	grandchild, err := src.GetNode(grandchildName)
	require.NoError(t, err)
	require.NoError(t, writeTile(b.tilePath(grandchildName), tilefile.Tile{XYZ: grandXYZ, RGB: grandRGB}, true, false, grandchild.AABB))

	doc, err := b.Build(octree.Name{})
	require.NoError(t, err)

	require.Len(t, doc.Root.Children, 1, "child0 has a real grandchild, so it must be kept, not folded")
	child0Tile := doc.Root.Children[0]
	require.Nil(t, child0Tile.Content, "child0 itself has no own points")
	require.Len(t, child0Tile.Children, 1, "child0's own grandchild must still be nested beneath it")
	require.Equal(t, filepath.Base(b.tilePath(grandchildName)), child0Tile.Children[0].Content.URI)

	_, err = os.Stat(b.tilePath(grandchildName))
	require.NoError(t, err, "the grandchild's tile file must survive, not just its manifest entry")
}

func TestBuildErrorsWhenRootHasNoContent(t *testing.T) {
	dir := t.TempDir()
	src := newFakeSource(rootBox(), 2.0)
	root := octree.NewNode(octree.Name{}, rootBox(), 2.0)
	src.nodes[root.Name.String()] = root

	b := &Builder{OutDir: dir, RootScale: 10, Source: src}
	_, err := b.Build(octree.Name{})
	require.Error(t, err)
}

func TestBuildAppliesRootOffsetTransform(t *testing.T) {
	dir := t.TempDir()
	src := newFakeSource(rootBox(), 2.0)
	root := octree.NewNode(octree.Name{}, rootBox(), 2.0)
	src.nodes[root.Name.String()] = root
	xyz, rgb := testutil.UniformInBox(10, rootBox())
	require.NoError(t, root.Insert(src, 10, xyz, rgb, false))

	b := &Builder{OutDir: dir, RootScale: 10, Source: src}
	require.NoError(t, writeTile(b.tilePath(root.Name), tilefile.Tile{XYZ: xyz, RGB: rgb}, false, false, root.AABB))

	offset := geom.Vec3{1, 2, 3}
	b.RootOffset = &offset
	doc, err := b.Build(octree.Name{})
	require.NoError(t, err)
	require.Len(t, doc.Root.Transform, 16)
	require.Equal(t, 1.0, doc.Root.Transform[12])
	require.Equal(t, 2.0, doc.Root.Transform[13])
	require.Equal(t, 3.0, doc.Root.Transform[14])
	require.Equal(t, "ADD", doc.Root.Refine)
}
