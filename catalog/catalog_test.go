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

package catalog

import (
	"testing"

	"github.com/geopoints/octiler/geom"
	"github.com/geopoints/octiler/internal/testutil"
	"github.com/geopoints/octiler/octree"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (s *memStore) Get(name string) ([]byte, bool) {
	b, ok := s.data[name]
	return b, ok
}

func (s *memStore) Put(name string, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data[name] = cp
}

func testRoot() geom.AABB {
	return geom.AABB{Min: geom.Vec3{0, 0, 0}, Max: geom.Vec3{8, 8, 8}}
}

func TestCatalogGetNodeMaterializesEmptyLeaf(t *testing.T) {
	cat := New(newMemStore(), testRoot(), 2.0)
	n, err := cat.GetNode(octree.Name{}.Child(3))
	require.NoError(t, err)
	require.True(t, n.IsLeaf())
	require.Equal(t, 0, n.PointCount())
	require.Equal(t, octree.Name{}.Child(3).AABB(testRoot()), n.AABB)
}

func TestCatalogGetNodeIsDeterministicAcrossCalls(t *testing.T) {
	cat := New(newMemStore(), testRoot(), 2.0)
	a, err := cat.GetNode(octree.Name{}.Child(5))
	require.NoError(t, err)
	b, err := cat.GetNode(octree.Name{}.Child(5))
	require.NoError(t, err)
	require.Same(t, a, b, "repeated GetNode for the same name must return the same in-memory node")
}

func TestCatalogDumpOnlyWritesDirtyNodes(t *testing.T) {
	store := newMemStore()
	cat := New(store, testRoot(), 2.0)
	n, err := cat.GetNode(octree.Name{})
	require.NoError(t, err)
	require.False(t, n.Dirty)

	require.NoError(t, cat.Dump(octree.Name{}, false, 0))
	_, ok := store.Get("r")
	require.False(t, ok, "a clean node must not be written to the store")

	xyz, rgb := testutil.UniformInBox(10, testRoot())
	require.NoError(t, n.Insert(cat, 8, xyz, rgb, false))
	require.True(t, n.Dirty)

	require.NoError(t, cat.Dump(octree.Name{}, false, 0))
	_, ok = store.Get("r")
	require.True(t, ok, "a dirty node must be written on Dump")
	require.False(t, n.Dirty, "Dump must clear the dirty flag")
}

func TestCatalogDumpAndReloadRoundTrip(t *testing.T) {
	store := newMemStore()
	cat := New(store, testRoot(), 2.0)
	name := octree.Name{}.Child(2)
	n, err := cat.GetNode(name)
	require.NoError(t, err)

	xyz, rgb := testutil.UniformInBox(250, name.AABB(testRoot()))
	require.NoError(t, n.Insert(cat, 8, xyz, rgb, false))
	require.NoError(t, cat.Dump(name, false, 0))

	cat.Evict(name)
	reloaded, err := cat.GetNode(name)
	require.NoError(t, err)
	require.NotSame(t, n, reloaded)
	require.Equal(t, n.PointCount(), reloaded.PointCount())
}

func TestCatalogLoadBypassesStore(t *testing.T) {
	store := newMemStore()
	cat := New(store, testRoot(), 2.0)
	name := octree.Name{}.Child(1)
	n, err := cat.GetNode(name)
	require.NoError(t, err)
	xyz, rgb := testutil.UniformInBox(50, name.AABB(testRoot()))
	require.NoError(t, n.Insert(cat, 8, xyz, rgb, false))
	blob := n.Encode()

	cat.Evict(name)
	loaded, err := cat.Load(name, blob)
	require.NoError(t, err)
	require.Equal(t, n.PointCount(), loaded.PointCount())

	_, ok := store.Get(name.String())
	require.False(t, ok, "Load must not touch the byte store")
}

func TestCatalogRootAccessors(t *testing.T) {
	cat := New(newMemStore(), testRoot(), 3.5)
	require.Equal(t, testRoot(), cat.RootAABB())
	require.Equal(t, 3.5, cat.RootSpacing())
}
