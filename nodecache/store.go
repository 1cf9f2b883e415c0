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

// Package nodecache is the coordinator's node cache (spec.md §4.4): a
// clean, GC-friendly cache of compressed blobs backed by a dirty
// aggregation buffer, grounded on the teacher's triedb/pathdb disk-layer
// and buffer types. Unlike the teacher (which flushes to a real
// key-value store), the budget-exceeded path here flushes the entire
// dirty set to a single atomically-renamed spill file per spec.md §5
// ("written atomically (rename-after-write) and deleted on success"),
// since the core has no use for point-in-time queries against the spill.
package nodecache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/golang/snappy"

	"github.com/geopoints/octiler/octerr"
)

// defaultCacheBudgetMB is the floor spec.md §6 mandates for cache_budget_mb.
const defaultCacheBudgetMB = 200

// Store is a two-tier node cache: a bounded clean cache of compressed
// blobs (read mostly; eviction is LRU-ish and handled internally by
// fastcache) plus a dirty buffer that aggregates repeated writes to the
// same node before they are ever flushed, so a hot node touched by many
// tasks is compressed and persisted once.
type Store struct {
	mu sync.Mutex

	clean     *fastcache.Cache
	dirty     map[string][]byte
	dirtyComp map[string]int // per-entry accounted (compressed) size, mirrors dirty
	dirtySize uint64          // sum of dirtyComp, the quantity budgeted against limit
	limit     uint64
	spillDir  string
	log       *slog.Logger
}

// Option configures a Store at construction.
type Option func(*Store)

// WithSpillDir sets the directory the store atomically spills its dirty
// set into when the budget is exceeded (spec.md §5 "temporary disk spill
// area").
func WithSpillDir(dir string) Option {
	return func(s *Store) { s.spillDir = dir }
}

// New creates a Store with the given budget in megabytes, floored to
// defaultCacheBudgetMB per spec.md §6 "cache_budget_mb ... Floored to
// 200 MB."
func New(budgetMB int, opts ...Option) *Store {
	if budgetMB < defaultCacheBudgetMB {
		budgetMB = defaultCacheBudgetMB
	}
	s := &Store{
		clean:     fastcache.New(budgetMB * 1024 * 1024),
		dirty:     make(map[string][]byte),
		dirtyComp: make(map[string]int),
		limit:     uint64(budgetMB) * 1024 * 1024,
		log:       slog.With("component", "nodecache"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the decompressed node blob for name, checking the dirty
// buffer first (it holds the most recent write) and falling back to the
// clean cache.
func (s *Store) Get(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if raw, ok := s.dirty[name]; ok {
		return raw, true
	}
	if comp, ok := s.clean.HasGet(nil, []byte(name)); ok {
		raw, err := snappy.Decode(nil, comp)
		if err != nil {
			s.log.Error("corrupt cached node", "name", name, "err", err)
			return nil, false
		}
		return raw, true
	}
	return nil, false
}

// Put stages a write in the dirty buffer, merging repeated writes to the
// same name (spec.md §4.4 "aggregate the disk write"), and triggers a
// flush when the accounted size crosses the configured budget. The
// accounted size is the post-compression byte count flushLocked will
// actually write into the clean cache (spec.md §9 Design Notes: "sum of
// compressed blob bytes held + fixed per-entry overhead"), not the raw
// Encode() length, so the budget reflects real memory footprint rather
// than the larger uncompressed size.
func (s *Store) Put(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.dirtyComp[name]; ok {
		s.dirtySize -= uint64(old)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.dirty[name] = cp
	compLen := len(snappy.Encode(nil, cp))
	s.dirtyComp[name] = compLen
	s.dirtySize += uint64(compLen)
	if s.dirtySize > s.limit {
		s.flushLocked()
	}
}

// Flush forces the dirty buffer to spill, regardless of size. Used by the
// coordinator at shutdown so no dirty node is lost.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// flushLocked moves every dirty entry into the clean cache (compressed)
// and, if a spill directory is configured, additionally persists the
// whole dirty set to disk via rename-after-write so a crash mid-write
// never leaves a partial file (spec.md §5).
func (s *Store) flushLocked() error {
	if len(s.dirty) == 0 {
		return nil
	}
	if s.spillDir != "" {
		if err := s.spillToDisk(); err != nil {
			return fmt.Errorf("nodecache: spill flush: %w", err)
		}
	}
	for name, raw := range s.dirty {
		comp := snappy.Encode(nil, raw)
		s.clean.Set([]byte(name), comp)
	}
	s.log.Debug("flushed dirty node cache", "entries", len(s.dirty), "bytes", s.dirtySize)
	s.dirty = make(map[string][]byte)
	s.dirtyComp = make(map[string]int)
	s.dirtySize = 0
	return nil
}

// spillToDisk persists the whole dirty set to a single file via
// rename-after-write. Every failure that reflects the underlying disk
// rather than a programming error is wrapped in octerr.ErrCapacity
// (spec.md §7: "a temp-store write failure (disk full)"), so a caller can
// errors.Is-match it regardless of which syscall actually failed.
func (s *Store) spillToDisk() error {
	if err := os.MkdirAll(s.spillDir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", octerr.ErrCapacity, s.spillDir, err)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.dirty); err != nil {
		return fmt.Errorf("nodecache: encode spill set: %w", err)
	}
	tmp, err := os.CreateTemp(s.spillDir, "spill-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp spill file: %v", octerr.ErrCapacity, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write spill file: %v", octerr.ErrCapacity, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close spill file: %v", octerr.ErrCapacity, err)
	}
	final := filepath.Join(s.spillDir, "nodecache.spill")
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename spill file: %v", octerr.ErrCapacity, err)
	}
	return nil
}

// Reload restores a previously spilled dirty set, for resuming after a
// flush without re-deriving every node from the clean cache. Unused by
// the coordinator's normal path (the clean cache already holds a
// compressed copy after flush); exposed for crash-recovery tooling.
func (s *Store) Reload() (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.spillDir, "nodecache.spill")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out map[string][]byte
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&out); err != nil {
		return nil, fmt.Errorf("nodecache: reload spill: %w", err)
	}
	return out, nil
}

// Size returns the current accounted size of the dirty buffer, for tests
// and the coordinator's memory-pressure diagnostics.
func (s *Store) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirtySize
}

// DeleteSpill removes the on-disk spill file after a successful build
// (spec.md §5: the temp disk spill area "is ... deleted on success").
func (s *Store) DeleteSpill() error {
	if s.spillDir == "" {
		return nil
	}
	path := filepath.Join(s.spillDir, "nodecache.spill")
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
