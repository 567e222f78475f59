// Package actors implements ActorManager and ActorHandle (spec §4.11,
// component C12): actor creation, handle forking, sequence-numbered
// dispatch ordering per actor, and dead-letter finalization, grounded on
// original_source/src/ray/core_worker/actor_handle.h's persistent-field
// layout and fork/serialize operations.
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package actors

import (
	"sync"

	"github.com/ray-project/raylet-go/ids"
)

// Handle is ActorHandle: the caller-side reference to an actor, forkable
// and independently sequence-numbered per fork (spec §4.11 "Actor handle
// fork produces a new handle_id and resets the new handle's counter and
// fork count to 0").
type Handle struct {
	mu sync.Mutex

	actorId       ids.ActorId
	handleId      ids.ActorId // reuses the ActorId width for handle ids, same derivation scheme
	creationJobId ids.JobId
	lang          workerLanguage

	numForks        uint64
	taskCounter     uint64
	newChildHandles []ids.ActorId // forked since this handle's last submitted task; attached to the next submission for GC (spec §4.11)
}

// workerLanguage avoids importing workerpool (which would create an
// import cycle once coreworker wires both together); actors only needs to
// carry the language tag through, not interpret it.
type workerLanguage int

// NewHandle constructs the root handle created alongside actor creation
// (spec §4.11, original's ActorHandle(actor_id, actor_handle_id, ...)
// constructor).
func NewHandle(actorId ids.ActorId, creationJobId ids.JobId) *Handle {
	return &Handle{actorId: actorId, handleId: actorId, creationJobId: creationJobId}
}

func (h *Handle) ActorId() ids.ActorId  { return h.actorId }
func (h *Handle) HandleId() ids.ActorId { return h.handleId }

// Fork derives a new handle with a fresh handle id and reset counters,
// and records the fork against the parent for later GC attachment (spec
// §4.11: "the parent's num_forks is incremented... attaches the list of
// new child handle ids").
func (h *Handle) Fork(deriveHandleId func(parent ids.ActorId, forkIndex uint64) ids.ActorId) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.numForks++
	child := &Handle{
		actorId:       h.actorId,
		handleId:      deriveHandleId(h.handleId, h.numForks),
		creationJobId: h.creationJobId,
	}
	h.newChildHandles = append(h.newChildHandles, child.handleId)
	return child
}

// NextTaskCounter returns the sequence number to attach to the next task
// submitted on this handle, along with the list of child handles forked
// since the last submission (consumed and cleared here, per spec §4.11's
// "since the last task on this handle was submitted").
func (h *Handle) NextTaskCounter() (counter uint64, newChildHandles []ids.ActorId) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.taskCounter
	h.taskCounter++
	newChildHandles = h.newChildHandles
	h.newChildHandles = nil
	return c, newChildHandles
}
