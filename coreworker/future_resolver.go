package coreworker

import (
	"sync"
	"time"

	"github.com/ray-project/raylet-go/cmn/nlog"
	"github.com/ray-project/raylet-go/ids"
	"github.com/ray-project/raylet-go/memstore"
)

// ObjectStatus mirrors GetObjectStatusReply's status field: whether the
// object's owner still considers it pending (spec §4.2 futures).
type ObjectStatus int

const (
	StatusPending ObjectStatus = iota
	StatusCreated
	StatusOwnerGone
)

// GetObjectStatusFn polls the object's owner for its status (spec
// §4.2/§6 GetObjectStatus RPC); ok=false models an RPC failure (owner
// unreachable).
type GetObjectStatusFn func(objId ids.ObjectId, ownerId ids.TaskId) (status ObjectStatus, ok bool)

// FutureResolver drives a remote ownership future to local resolution:
// it polls the owner until the object is reported created (or the owner
// is gone), then unblocks local Get/Wait callers by writing a plasma-
// sentinel marker into the in-memory store, grounded on
// original_source/src/ray/core_worker/future_resolver.cc.
type FutureResolver struct {
	mu             sync.Mutex
	inFlight       map[ids.ObjectId]chan struct{}
	pollInterval   time.Duration
	getStatus      GetObjectStatusFn
	memStore       *memstore.Store
}

func NewFutureResolver(pollInterval time.Duration, getStatus GetObjectStatusFn, memStore *memstore.Store) *FutureResolver {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &FutureResolver{
		inFlight:     make(map[ids.ObjectId]chan struct{}),
		pollInterval: pollInterval,
		getStatus:    getStatus,
		memStore:     memStore,
	}
}

// ResolveFutureAsync starts (or no-ops if already running) a background
// poll loop for objId, owned by ownerId (future_resolver.cc
// ResolveFutureAsync / AttemptFutureResolution).
func (r *FutureResolver) ResolveFutureAsync(objId ids.ObjectId, ownerId ids.TaskId) {
	r.mu.Lock()
	if _, running := r.inFlight[objId]; running {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	r.inFlight[objId] = stop
	r.mu.Unlock()

	go r.attemptLoop(objId, ownerId, stop)
}

// Cancel stops polling for objId, e.g. because the caller gave up
// waiting (deadline_timer cancellation in the original).
func (r *FutureResolver) Cancel(objId ids.ObjectId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stop, ok := r.inFlight[objId]; ok {
		close(stop)
		delete(r.inFlight, objId)
	}
}

func (r *FutureResolver) attemptLoop(objId ids.ObjectId, ownerId ids.TaskId, stop chan struct{}) {
	for {
		status, ok := r.getStatus(objId, ownerId)
		if !ok || status != StatusPending {
			// Either the owner is gone or the object has been created; in
			// both cases the caller can now fetch it via the local object
			// store (future_resolver.cc: both branches write the plasma
			// sentinel and return).
			r.markResolved(objId)
			return
		}

		select {
		case <-time.After(r.pollInterval):
		case <-stop:
			return
		}

		r.mu.Lock()
		_, stillRunning := r.inFlight[objId]
		r.mu.Unlock()
		if !stillRunning {
			return
		}
	}
}

func (r *FutureResolver) markResolved(objId ids.ObjectId) {
	r.mu.Lock()
	delete(r.inFlight, objId)
	r.mu.Unlock()
	if err := r.memStore.Put(objId, memstore.Object{InPlasma: true}); err != nil {
		nlog.Warningln("future-resolver: failed to mark object resolved", objId.String(), err)
	}
}
