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

// Package testutil generates seeded random point clouds for the
// property/seed-suite tests of spec.md §8. Grounded on
// trie/testutil/rand.go's "seed printed on startup, so failures are
// reproducible" pattern.
package testutil

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"math"

	"github.com/geopoints/octiler/geom"
)

var prng = initRnd()

func initRnd() *mrand.Rand {
	var seed [8]byte
	crand.Read(seed[:])
	rnd := mrand.New(mrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))
	fmt.Printf("octiler testutil seed: %x\n", seed)
	return rnd
}

// UniformInBox returns n points uniformly distributed within box, with
// random RGB.
func UniformInBox(n int, box geom.AABB) ([]geom.Vec3, [][3]uint8) {
	xyz := make([]geom.Vec3, n)
	rgb := make([][3]uint8, n)
	size := box.Size()
	for i := range xyz {
		xyz[i] = geom.Vec3{
			box.Min[0] + float32(prng.Float64())*size[0],
			box.Min[1] + float32(prng.Float64())*size[1],
			box.Min[2] + float32(prng.Float64())*size[2],
		}
		rgb[i] = [3]uint8{byte(prng.Intn(256)), byte(prng.Intn(256)), byte(prng.Intn(256))}
	}
	return xyz, rgb
}

// UniformInSphere returns n points uniformly sampled within the unit
// sphere centered at the origin (spec.md §8 scenario 3).
func UniformInSphere(n int) ([]geom.Vec3, [][3]uint8) {
	xyz := make([]geom.Vec3, 0, n)
	rgb := make([][3]uint8, 0, n)
	for len(xyz) < n {
		p := geom.Vec3{
			float32(prng.Float64()*2 - 1),
			float32(prng.Float64()*2 - 1),
			float32(prng.Float64()*2 - 1),
		}
		if p[0]*p[0]+p[1]*p[1]+p[2]*p[2] <= 1 {
			xyz = append(xyz, p)
			rgb = append(rgb, [3]uint8{byte(prng.Intn(256)), byte(prng.Intn(256)), byte(prng.Intn(256))})
		}
	}
	return xyz, rgb
}

// Lattice returns the n^3 points of a regular n x n x n lattice within box
// (spec.md §8 scenario 2).
func Lattice(n int, box geom.AABB) ([]geom.Vec3, [][3]uint8) {
	size := box.Size()
	xyz := make([]geom.Vec3, 0, n*n*n)
	rgb := make([][3]uint8, 0, n*n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				p := geom.Vec3{
					box.Min[0] + size[0]*float32(i)/float32(n-1),
					box.Min[1] + size[1]*float32(j)/float32(n-1),
					box.Min[2] + size[2]*float32(k)/float32(n-1),
				}
				xyz = append(xyz, p)
				rgb = append(rgb, [3]uint8{0, 0, 0})
			}
		}
	}
	return xyz, rgb
}

// Chunk splits xyz/rgb into batches of at most size points each, the way
// a reader would emit successive PointBatch values.
func Chunk(xyz []geom.Vec3, rgb [][3]uint8, size int) ([][]geom.Vec3, [][][3]uint8) {
	var outXYZ [][]geom.Vec3
	var outRGB [][][3]uint8
	for off := 0; off < len(xyz); off += size {
		end := off + size
		if end > len(xyz) {
			end = len(xyz)
		}
		outXYZ = append(outXYZ, xyz[off:end])
		outRGB = append(outRGB, rgb[off:end])
	}
	return outXYZ, outRGB
}

// NaN returns a deliberately malformed float for InputFormat error tests.
func NaN() float32 { return float32(math.NaN()) }
