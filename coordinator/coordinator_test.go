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

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/geopoints/octiler/catalog"
	"github.com/geopoints/octiler/config"
	"github.com/geopoints/octiler/geom"
	"github.com/geopoints/octiler/internal/testutil"
	"github.com/geopoints/octiler/manifest"
	"github.com/geopoints/octiler/nodecache"
	"github.com/geopoints/octiler/octree"
	"github.com/geopoints/octiler/reader"
	"github.com/geopoints/octiler/tilefile"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, workers int) (*Coordinator, string) {
	t.Helper()
	outDir := t.TempDir()
	cfg := config.Defaults()
	cfg.Workers = workers
	cfg.OutputDir = outDir
	cache := nodecache.New(cfg.CacheBudgetMB, nodecache.WithSpillDir(t.TempDir()))
	cat := catalog.New(cache, geom.AABB{Min: geom.Vec3{-1, -1, -1}, Max: geom.Vec3{1, 1, 1}}, 2)
	return New(cfg, cat, cache), outDir
}

func sliceSource(xyz []geom.Vec3, rgb [][3]uint8, batchSize int) reader.Source {
	xs, rs := testutil.Chunk(xyz, rgb, batchSize)
	batches := make([]reader.PointBatch, len(xs))
	for i := range xs {
		batches[i] = reader.PointBatch{XYZ: xs[i], RGB: rs[i], Count: len(xs[i])}
	}
	return reader.NewSlice(0, batches)
}

func totalEmittedPoints(t *testing.T, outDir string) int {
	t.Helper()
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	total := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".pnts" {
			continue
		}
		f, err := os.Open(filepath.Join(outDir, e.Name()))
		require.NoError(t, err)
		tile, err := tilefile.Decode(f)
		require.NoError(t, err)
		f.Close()
		total += len(tile.XYZ)
	}
	return total
}

func TestBuildSinglePoint(t *testing.T) {
	c, outDir := newTestCoordinator(t, 2)
	src := sliceSource([]geom.Vec3{{0, 0, 0}}, [][3]uint8{{1, 2, 3}}, 100)

	_, err := c.Build(context.Background(), []reader.Source{src})
	require.NoError(t, err)

	// Reader input reaches the root through its pending buffer, so Build
	// leaves the point in child 7's tile; the manifest post-pass then folds
	// that small child back into the root.
	b := &manifest.Builder{OutDir: outDir, RootScale: c.cfg.RootScale, IncludeRGB: true, Source: c.cat}
	doc, err := b.Build(octree.Name{})
	require.NoError(t, err)
	require.Empty(t, doc.Root.Children)

	require.FileExists(t, filepath.Join(outDir, "r.pnts"))
	require.Equal(t, 1, totalEmittedPoints(t, outDir))
}

func TestBuildMassConservationAcrossWorkerCounts(t *testing.T) {
	box := geom.AABB{Min: geom.Vec3{-1, -1, -1}, Max: geom.Vec3{1, 1, 1}}
	xyz, rgb := testutil.UniformInSphere(20_000)

	for _, workers := range []int{1, 2, 8} {
		c, outDir := newTestCoordinator(t, workers)
		_ = box
		src := sliceSource(xyz, rgb, 2_000)

		_, err := c.Build(context.Background(), []reader.Source{src})
		require.NoError(t, err)
		require.Equal(t, len(xyz), totalEmittedPoints(t, outDir))
	}
}

func TestBuildSplitsAndEmitsMultipleTiles(t *testing.T) {
	c, outDir := newTestCoordinator(t, 4)
	xyz, rgb := testutil.UniformInSphere(60_000)
	src := sliceSource(xyz, rgb, 5_000)

	_, err := c.Build(context.Background(), []reader.Source{src})
	require.NoError(t, err)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	pntsCount := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".pnts" {
			pntsCount++
		}
	}
	require.Greater(t, pntsCount, 1, "a dense sphere should force the root to split")
	require.Equal(t, len(xyz), totalEmittedPoints(t, outDir))
}

// TestBuildEvictsFinishedNodesFromMemory verifies the catalog's live
// working set is actually drained as nodes finalize, not just the
// serialized node-cache byte budget: a build that touches many nodes
// must not leave them all materialized in memory once every node has
// been finalized.
func TestBuildEvictsFinishedNodesFromMemory(t *testing.T) {
	c, _ := newTestCoordinator(t, 4)
	xyz, rgb := testutil.UniformInSphere(60_000)
	src := sliceSource(xyz, rgb, 5_000)

	_, err := c.Build(context.Background(), []reader.Source{src})
	require.NoError(t, err)

	require.Zero(t, c.cat.MaterializedCount(), "every finalized node must be evicted from the live working set")
}

func TestHaltAtDepthTable(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 2: 1, 3: 2, 4: 2, 5: 3, 6: 3, 7: 5, 20: 5}
	for depth, want := range cases {
		require.Equal(t, want, haltAtDepth(depth), "depth %d", depth)
	}
}

func TestAncestorsClearRespectsActiveAncestor(t *testing.T) {
	c, _ := newTestCoordinator(t, 1)
	root := octree.Name{}
	child := root.Child(3)
	grandchild := child.Child(1)

	require.True(t, c.ancestorsClear(grandchild))

	c.incActive(child)
	require.False(t, c.ancestorsClear(grandchild), "an active ancestor blocks finalization")
	require.False(t, c.ancestorsClear(child))
	require.True(t, c.ancestorsClear(root.Child(5)), "an unrelated sibling subtree is unaffected")

	c.decActiveAndFinalize(child)
	require.True(t, c.ancestorsClear(grandchild))
}

func TestMaybeEmitIsIdempotent(t *testing.T) {
	c, outDir := newTestCoordinator(t, 1)
	root := octree.Name{}
	node, err := c.cat.GetNode(root)
	require.NoError(t, err)
	require.NoError(t, node.Insert(c.cat, c.cfg.RootScale, []geom.Vec3{{0.1, 0.1, 0.1}}, [][3]uint8{{9, 9, 9}}, false))

	require.NoError(t, c.maybeEmit(root))
	require.NoError(t, c.maybeEmit(root))
	require.Equal(t, int64(1), c.stats.NodesEmitted(), "a second call must not double-count")
	require.Equal(t, 1, totalEmittedPoints(t, outDir))
}
