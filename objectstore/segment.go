// Package objectstore implements the plasma-style shared-memory object
// store (spec §4.1, component C2): Create/Seal/Get/Release/Delete/Evict
// over mmapped segments with reference-count eviction.
//
// Grounded on spec §4.1 and original_source/src/plasma/plasma_client.cc
// (Create/Seal/Get/Release state machine) and
// original_source/src/ray/object_manager/plasma/create_request_queue.cc
// for the admission policy consumed by the createqueue subpackage.
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package objectstore

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// segment is one mmapped arena backing the store (spec §4.1 "mmapped
// region is managed by a dlmalloc-style allocator"; §5 "mmapped segments
// are shared across processes on the node"). The allocator here is a
// simplified bump/freelist scheme sufficient for the store's semantics —
// a faithful dlmalloc port is out of scope for this exercise.
type segment struct {
	mu       sync.Mutex
	data     []byte // mmapped region
	used     int64
	free     []freeSpan
	refCount int // distinct ObjectEntries referencing this segment (spec §3 invariant)
}

type freeSpan struct {
	offset, length int64
}

func newSegment(size int64) (*segment, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap segment of %d bytes: %w", size, err)
	}
	return &segment{data: data, free: []freeSpan{{0, size}}}, nil
}

// alloc finds a free span of at least n bytes (first-fit) and returns its
// offset, or ok=false if none fits.
func (s *segment) alloc(n int64) (offset int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, span := range s.free {
		if span.length >= n {
			offset = span.offset
			if span.length == n {
				s.free = append(s.free[:i], s.free[i+1:]...)
			} else {
				s.free[i] = freeSpan{offset: span.offset + n, length: span.length - n}
			}
			s.used += n
			s.refCount++
			return offset, true
		}
	}
	return 0, false
}

func (s *segment) freeSpanAt(offset, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = append(s.free, freeSpan{offset, n})
	s.used -= n
	s.refCount--
}

func (s *segment) bytesFree() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, f := range s.free {
		total += f.length
	}
	return total
}

// munmapIfUnused releases the OS mapping once no ObjectEntry references it
// (spec §3 invariant: "not unmapped while any entry references it").
func (s *segment) munmapIfUnused() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refCount > 0 {
		return nil
	}
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}

// isUnmapped reports whether munmapIfUnused has already released this
// segment's mapping.
func (s *segment) isUnmapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data == nil
}
