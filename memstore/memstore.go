// Package memstore implements the per-worker blocking small-object cache
// (spec §4.3, component C4): Put/Get/Wait unified through a single
// GetOrWait routine, mirrored on
// original_source/src/ray/core_worker/store_provider/memory_store.cc.
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package memstore

import (
	"sync"
	"time"

	"github.com/ray-project/raylet-go/cmn"
	"github.com/ray-project/raylet-go/ids"
)

// Object is whatever a worker Puts: an inline value or an error marker
// (spec §7 IntentionalSystemExit/UnexpectedSystemExit are written here so
// waiters can distinguish).
type Object struct {
	Value []byte
	Err   *cmn.Status // non-nil for a terminal/error object

	// InPlasma marks a resolved future: the real bytes live in the plasma
	// object store (C2), not inline here; a waiter that sees this set
	// should fetch by the same ObjectId from there instead (spec §4.2
	// future resolution sentinel).
	InPlasma bool
}

type waiter struct {
	ch chan struct{}
}

// Store is the InMemoryStore (C4).
type Store struct {
	mu      sync.Mutex
	objects map[ids.ObjectId]Object
	waiters map[ids.ObjectId][]*waiter
}

func New() *Store {
	return &Store{
		objects: make(map[ids.ObjectId]Object),
		waiters: make(map[ids.ObjectId][]*waiter),
	}
}

// Put publishes obj under id (spec §4.3 Put). Returns KeyError if id is
// already published, matching plasma's duplicate-put semantics.
func (s *Store) Put(id ids.ObjectId, obj Object) error {
	s.mu.Lock()
	if _, exists := s.objects[id]; exists {
		s.mu.Unlock()
		return cmn.NewErr(cmn.KindKeyError, "memstore: duplicate put of "+id.String())
	}
	s.objects[id] = obj
	ws := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()

	for _, w := range ws {
		close(w.ch)
	}
	return nil
}

// Get blocks until every id in objIds is present or timeout elapses,
// returning the objects in input order with nil for any still missing
// (spec §4.3 Get via GetOrWait).
func (s *Store) Get(objIds []ids.ObjectId, timeout time.Duration) []*Object {
	return s.getOrWait(objIds, len(objIds), timeout)
}

// Wait returns once n of objIds have arrived or timeout elapses (spec
// §4.3 Wait via GetOrWait); the returned slice has the same length as
// objIds with nil for ids that have not arrived.
func (s *Store) Wait(objIds []ids.ObjectId, n int, timeout time.Duration) []*Object {
	return s.getOrWait(objIds, n, timeout)
}

func (s *Store) getOrWait(objIds []ids.ObjectId, n int, timeout time.Duration) []*Object {
	out := make([]*Object, len(objIds))
	deadline := time.Now().Add(timeout)

	for {
		s.mu.Lock()
		ready := 0
		var myWaiters []*waiter
		for i, id := range objIds {
			if out[i] != nil {
				ready++
				continue
			}
			if obj, ok := s.objects[id]; ok {
				o := obj
				out[i] = &o
				ready++
			}
		}
		if ready >= n || ready == len(objIds) {
			s.mu.Unlock()
			return out
		}
		if timeout > 0 && time.Now().After(deadline) {
			s.mu.Unlock()
			return out
		}
		w := &waiter{ch: make(chan struct{})}
		for i, id := range objIds {
			if out[i] == nil {
				s.waiters[id] = append(s.waiters[id], w)
				myWaiters = append(myWaiters, w)
			}
		}
		s.mu.Unlock()

		if timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				s.cancelWaiter(objIds, w)
				continue
			}
			select {
			case <-w.ch:
			case <-time.After(remaining):
			}
		} else {
			<-w.ch
		}
		s.cancelWaiter(objIds, w)
	}
}

// cancelWaiter deregisters w from every id's waiter list; idempotent and
// removes empty per-id lists (spec §4.3 Cancellation).
func (s *Store) cancelWaiter(objIds []ids.ObjectId, w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range objIds {
		list := s.waiters[id]
		for i, ww := range list {
			if ww == w {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(s.waiters, id)
		} else {
			s.waiters[id] = list
		}
	}
}
