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

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/geopoints/octiler/geom"
)

// scanBoundingBox makes one unscaled, untransformed pass over every input
// file to compute a root AABB in the files' own coordinates, used when the
// caller doesn't supply --root-min/--root-max explicitly; run applies the
// configured offset and scale to the result. It intentionally duplicates
// textSource's line parser rather than sharing it, since this pass applies
// neither.
func scanBoundingBox(paths []string) (geom.AABB, error) {
	var box geom.AABB
	first := true
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return geom.AABB{}, fmt.Errorf("octiler: open %s: %w", path, err)
		}
		scan := bufio.NewScanner(f)
		scan.Buffer(make([]byte, 64*1024), 1024*1024)
		for scan.Scan() {
			line := strings.TrimSpace(scan.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) != 3 && len(fields) != 6 {
				f.Close()
				return geom.AABB{}, fmt.Errorf("octiler: %s: expected 3 or 6 fields, got %d", path, len(fields))
			}
			p, err := parseVec3(fields[0:3])
			if err != nil {
				f.Close()
				return geom.AABB{}, fmt.Errorf("octiler: %s: %w", path, err)
			}
			if first {
				box = geom.AABB{Min: p, Max: p}
				first = false
				continue
			}
			for i := 0; i < 3; i++ {
				if p[i] < box.Min[i] {
					box.Min[i] = p[i]
				}
				if p[i] > box.Max[i] {
					box.Max[i] = p[i]
				}
			}
		}
		err = scan.Err()
		f.Close()
		if err != nil {
			return geom.AABB{}, fmt.Errorf("octiler: scan %s: %w", path, err)
		}
	}
	if first {
		return geom.AABB{}, fmt.Errorf("octiler: no points found across %d input file(s)", len(paths))
	}
	return box, nil
}
