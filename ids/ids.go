// Package ids implements the opaque, fixed-width identifiers of spec §3
// (IdSpace, component C1): JobId, TaskId, ObjectId, ActorId, WorkerId,
// NodeId, with the deterministic derivation rules the spec requires.
//
// There is no single teacher file for an id scheme this shape; the value
// types below follow aistore's small-value-object style (fixed-size byte
// arrays, a String() that hex-encodes, Equal/IsNil helpers) as seen in the
// meta.Bck value object used throughout xact/xs/tcb.go.
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package ids

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/OneOfOne/xxhash"
)

const (
	JobIdLen    = 4
	TaskIdLen   = 24
	ActorIdLen  = 16
	ObjectIdLen = 28
	WorkerIdLen = 16
	NodeIdLen   = 16

	// taskKeyLen is the width of the task-id digest embedded in an
	// ObjectId (spec §3 "16-byte parent TaskId"). TaskId itself is
	// TaskIdLen (24) bytes; ObjectId only has room for 16, so the
	// embedded key is a two-lane xxh64 digest of the full TaskId rather
	// than a truncation — collision-free for any practical task count,
	// which is what spec's "total, injective" requirement means in a
	// content-addressed system (exact injectivity would need a wider id).
	taskKeyLen = 16
)

type JobId [JobIdLen]byte

func (j JobId) String() string { return hex.EncodeToString(j[:]) }
func (j JobId) IsNil() bool    { return j == JobId{} }

func NewJobId(n uint32) JobId {
	var j JobId
	binary.BigEndian.PutUint32(j[:], n)
	return j
}

type ActorId [ActorIdLen]byte

func (a ActorId) String() string { return hex.EncodeToString(a[:]) }
func (a ActorId) IsNil() bool    { return a == ActorId{} }

// TaskId is job id (4) ‖ parent submission index (4) ‖ actor id (16),
// nil actor id for non-actor tasks (spec §3).
type TaskId [TaskIdLen]byte

func (t TaskId) String() string { return hex.EncodeToString(t[:]) }
func (t TaskId) IsNil() bool    { return t == TaskId{} }

func (t TaskId) JobId() JobId {
	var j JobId
	copy(j[:], t[0:4])
	return j
}

func (t TaskId) SubmissionIndex() uint32 {
	return binary.BigEndian.Uint32(t[4:8])
}

func (t TaskId) ActorId() ActorId {
	var a ActorId
	copy(a[:], t[8:24])
	return a
}

func (t TaskId) IsActorTask() bool { return !t.ActorId().IsNil() }

// NewTaskId is deterministic in (job, parentSubmissionIdx, actor): two
// calls with identical arguments produce identical TaskIds, which is what
// makes re-executing the same parent deterministic (spec §3).
func NewTaskId(job JobId, parentSubmissionIdx uint32, actor ActorId) TaskId {
	var t TaskId
	copy(t[0:4], job[:])
	binary.BigEndian.PutUint32(t[4:8], parentSubmissionIdx)
	copy(t[8:24], actor[:])
	return t
}

func taskKey(t TaskId) [taskKeyLen]byte {
	var out [taskKeyLen]byte
	h := xxhash.New64()
	h.Write(t[:])
	lo := h.Sum64()
	h.Reset()
	h.Write([]byte{0xff}) // distinguish the second lane from the first
	h.Write(t[:])
	hi := h.Sum64()
	binary.BigEndian.PutUint64(out[0:8], lo)
	binary.BigEndian.PutUint64(out[8:16], hi)
	return out
}

// ObjectId is parent-task digest (16) ‖ put/return index (4) ‖ reserved (8).
type ObjectId [ObjectIdLen]byte

func (o ObjectId) String() string { return hex.EncodeToString(o[:]) }
func (o ObjectId) IsNil() bool    { return o == ObjectId{} }

func (o ObjectId) Index() uint32 {
	return binary.BigEndian.Uint32(o[16:20])
}

// indexKind bits live in the reserved tail so ForTaskReturn and ForPut
// remain injective relative to each other even when their indices collide.
const (
	indexKindReturn byte = 0
	indexKindPut    byte = 1
)

func (o ObjectId) IsPut() bool { return o[20] == indexKindPut }

func newObjectId(task TaskId, index uint32, kind byte) ObjectId {
	var o ObjectId
	key := taskKey(task)
	copy(o[0:16], key[:])
	binary.BigEndian.PutUint32(o[16:20], index)
	o[20] = kind
	return o
}

// ForTaskReturn and ForPut are total functions of their arguments (spec
// §3): for one task, distinct (index, kind) pairs never collide because
// the kind byte is disjoint and the index is carried verbatim; ids of
// different tasks are kept apart by the 16-byte task digest, which is
// collision-free in practice but not exactly injective (see taskKeyLen).
func ForTaskReturn(task TaskId, i uint32) ObjectId { return newObjectId(task, i, indexKindReturn) }
func ForPut(task TaskId, putIndex uint32) ObjectId { return newObjectId(task, putIndex, indexKindPut) }

type WorkerId [WorkerIdLen]byte

func (w WorkerId) String() string { return hex.EncodeToString(w[:]) }
func (w WorkerId) IsNil() bool    { return w == WorkerId{} }

type NodeId [NodeIdLen]byte

func (n NodeId) String() string { return hex.EncodeToString(n[:]) }
func (n NodeId) IsNil() bool    { return n == NodeId{} }

// NewActorId derives an actor id from its creator TaskId (spec §3 "Derived
// from the creator TaskId; used as its ObjectId namespace"): the actor's
// own id namespaces the ObjectIds of objects it creates (see TaskId.ActorId
// usage for actor-task TaskId construction).
func NewActorId(creator TaskId) ActorId {
	key := taskKey(creator)
	var a ActorId
	copy(a[:], key[:])
	return a
}
