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

// Package octerr defines the five error kinds of spec.md §7 as sentinel
// values, grounded on the teacher's small-exported-error-values pattern
// (contracts/lotterybook/errors.go). Callers wrap a sentinel with
// fmt.Errorf("...: %w", ...) to attach the offending node name or source
// region; errors.Is against the sentinel still works through the wrap.
package octerr

import "errors"

var (
	// ErrInputFormat signals a malformed batch from a reader (mismatched
	// xyz/rgb lengths, NaN, Inf). Fatal to the reader task and the build.
	ErrInputFormat = errors.New("octiler: malformed point batch")

	// ErrCapacity signals a temp-store write failure (disk full). Fatal
	// to the current task and the build.
	ErrCapacity = errors.New("octiler: temp store write failed")

	// ErrInternalInvariant signals a violated post-condition of spec.md
	// §3 (e.g. point count after Emit doesn't match expectation). Fatal;
	// the caller should log the offending node name before aborting.
	ErrInternalInvariant = errors.New("octiler: invariant violated")

	// ErrWorkerCrash signals an unhandled panic/error in a worker
	// goroutine. Fatal; the coordinator shuts down every other worker.
	ErrWorkerCrash = errors.New("octiler: worker crashed")

	// ErrConfig signals a configuration problem (e.g. missing input SRS
	// when an output SRS is requested). Reported before any work starts.
	ErrConfig = errors.New("octiler: invalid configuration")
)
