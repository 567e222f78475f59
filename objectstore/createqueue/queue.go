// Package createqueue implements the admission queue in front of
// objectstore.Store (spec §4.2, component C3), so that concurrent Create
// calls under memory pressure retry with spill instead of live-locking.
//
// Grounded on original_source/src/ray/object_manager/plasma/create_request_queue.cc.
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package createqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/teris-io/shortid"

	"github.com/ray-project/raylet-go/cmn"
	"github.com/ray-project/raylet-go/cmn/nlog"
	"github.com/ray-project/raylet-go/objectstore"
)

var fallbackCounter atomicCounter

type atomicCounter struct {
	mu sync.Mutex
	n  int64
}

func (c *atomicCounter) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func fallbackId() string { return fmt.Sprintf("fallback-%d", fallbackCounter.next()) }

// CreateFn performs one Create attempt with the given evict_if_full
// policy, returning the mutable buffer or an error.
type CreateFn func(evictIfFull bool) (*objectstore.Buffer, error)

type request struct {
	id       string
	client   any
	createFn CreateFn
	attempts int

	mu     sync.Mutex
	done   bool
	buf    *objectstore.Buffer
	err    error
}

// Queue is the CreateRequestQueue (C3).
type Queue struct {
	mu                  sync.Mutex
	pending             []*request
	byId                map[string]*request
	evictIfFullDefault  bool
	spillObjectsCallback func(numBytes int64) (freed int64, ok bool)
	onGlobalGC           func()

	lastGC time.Time
}

// SetGlobalGCHook registers the callback fired by the §4.2 GC debounce.
func (q *Queue) SetGlobalGCHook(cb func()) {
	q.mu.Lock()
	q.onGlobalGC = cb
	q.mu.Unlock()
}

func New(evictIfFullDefault bool) *Queue {
	return &Queue{
		byId:               make(map[string]*request),
		evictIfFullDefault: evictIfFullDefault,
	}
}

// SetSpillObjectsCallback registers the callback invoked on
// TransientObjectStoreFull (spec §4.2 process_requests).
func (q *Queue) SetSpillObjectsCallback(cb func(numBytes int64) (freed int64, ok bool)) {
	q.mu.Lock()
	q.spillObjectsCallback = cb
	q.mu.Unlock()
}

// AddRequest enqueues a closure and returns its request id (spec §4.2
// add_request).
func (q *Queue) AddRequest(client any, fn CreateFn) string {
	id, err := shortid.Generate()
	if err != nil {
		// shortid's generator pool is exhausted/misconfigured; fall back to
		// a counter-based id rather than fail admission outright.
		id = fallbackId()
	}
	r := &request{id: id, client: client, createFn: fn}
	q.mu.Lock()
	q.pending = append(q.pending, r)
	q.byId[id] = r
	q.mu.Unlock()
	return id
}

// GetRequestResult is idempotent, one-shot retrieval (spec §4.2
// get_request_result): returns ok=false while pending, then exactly once
// returns the result.
func (q *Queue) GetRequestResult(requestId string) (buf *objectstore.Buffer, err error, ok bool) {
	q.mu.Lock()
	r, exists := q.byId[requestId]
	q.mu.Unlock()
	if !exists {
		return nil, nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.done {
		return nil, nil, false
	}
	buf, err = r.buf, r.err
	delete(q.byId, requestId) // one-shot: second call sees !exists
	return buf, err, true
}

// TryRequestImmediately is the fast path used when the queue is empty
// (spec §4.2 try_request_immediately): on failure the request is finished
// with OutOfMemory synchronously, no retry.
func (q *Queue) TryRequestImmediately(client any, fn CreateFn) (buf *objectstore.Buffer, err error) {
	q.mu.Lock()
	empty := len(q.pending) == 0
	q.mu.Unlock()
	if !empty {
		id := q.AddRequest(client, fn)
		q.ProcessRequests()
		for {
			if b, e, ok := q.GetRequestResult(id); ok {
				return b, e
			}
			time.Sleep(time.Millisecond)
		}
	}
	buf, err = fn(q.evictIfFullDefault)
	if err != nil {
		return nil, cmn.NewErr(cmn.KindOutOfMemory, "try_request_immediately: "+err.Error())
	}
	return buf, nil
}

// ProcessRequests drains the FIFO (spec §4.2 process_requests).
func (q *Queue) ProcessRequests() {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	cb := q.spillObjectsCallback
	q.markNonEmptyForGCLocked(len(pending) > 0)
	q.mu.Unlock()

	var requeue []*request
	for _, r := range pending {
		evictIfFull := q.evictIfFullDefault
		if r.attempts > 0 {
			evictIfFull = true // "after the first attempt, set evict_if_full=true unconditionally"
		}
		r.attempts++
		buf, err := r.createFn(evictIfFull)
		if err == nil {
			q.finish(r, buf, nil)
			continue
		}
		if !cmn.IsErrOutOfMemory(err) {
			q.finish(r, nil, err)
			continue
		}
		if cb == nil {
			q.finish(r, nil, cmn.NewErr(cmn.KindObjectStoreFull, "no spill callback registered"))
			continue
		}
		if _, ok := cb(1); !ok {
			q.finish(r, nil, cmn.NewErr(cmn.KindObjectStoreFull, "spill callback could not free space"))
			continue
		}
		requeue = append(requeue, r)
	}
	if len(requeue) > 0 {
		q.mu.Lock()
		q.pending = append(requeue, q.pending...)
		q.mu.Unlock()
	}
}

func (q *Queue) finish(r *request, buf *objectstore.Buffer, err error) {
	r.mu.Lock()
	r.buf, r.err, r.done = buf, err, true
	r.mu.Unlock()
}

// RemoveDisconnectedClientRequests purges queued and fulfilled-but-unread
// entries tied to client (spec §4.2), preventing leaks when peers
// disconnect.
func (q *Queue) RemoveDisconnectedClientRequests(client any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.pending[:0]
	for _, r := range q.pending {
		if r.client == client {
			delete(q.byId, r.id)
			continue
		}
		kept = append(kept, r)
	}
	q.pending = kept
	for id, r := range q.byId {
		if r.client == client {
			delete(q.byId, id)
		}
	}
}

// markNonEmptyForGCLocked implements the §4.2 global-GC debounce: fires at
// most once per 10s while the queue has been non-empty.
func (q *Queue) markNonEmptyForGCLocked(nonEmpty bool) {
	if !nonEmpty {
		return
	}
	now := time.Now()
	if now.Sub(q.lastGC) < 10*time.Second {
		return
	}
	q.lastGC = now
	nlog.Infoln("create-request-queue: requesting global GC")
	if q.onGlobalGC != nil {
		q.onGlobalGC()
	}
}
