package coreworker

import (
	"sync"
	"time"

	"github.com/ray-project/raylet-go/actors"
	"github.com/ray-project/raylet-go/clustertask"
	"github.com/ray-project/raylet-go/cmn/debug"
	"github.com/ray-project/raylet-go/cmn/nlog"
	"github.com/ray-project/raylet-go/ids"
	"github.com/ray-project/raylet-go/memstore"
	"github.com/ray-project/raylet-go/workerpool"
)

// TaskSpec is what a caller hands to SubmitTask: the function descriptor
// is opaque to the core worker (spec §4.12 only cares about dependency
// and return-arity bookkeeping, not invocation).
type TaskSpec struct {
	Class      clustertask.SchedulingClass
	Lang       workerpool.Language
	Args       []ids.ObjectId // object dependencies, for ownership ref-counting and locality
	NumReturns uint32
}

// ownedObject is what this worker tracks for every object id it is the
// owner of, i.e. every id it minted via ForTaskReturn/ForPut while running
// as the submitting task (spec §4.12 "ownership table").
type ownedObject struct {
	ownerAddr  string // this worker's own address; objects this worker creates are always locally owned
	refCount   int
	containedIn ids.TaskId // the task whose execution produced it, for reconstruction lookups
}

// CoreWorker is the facade tying task/actor submission, ownership
// tracking and future resolution together (spec §4.12, component C13),
// grounded on original_source/src/ray/core_worker/core_worker.cc.
type CoreWorker struct {
	mu sync.Mutex

	ctx      *Context
	resolver *FutureResolver
	picker   *LessorPicker

	memStore *memstore.Store
	tasks    *clustertask.Manager
	actorMgr *actors.Manager

	ownership map[ids.ObjectId]*ownedObject
	handles   map[ids.ActorId]*actors.Handle // actor handles this worker holds, keyed by the actor (not the handle id)

	submitRemoteActorTask func(handle *actors.Handle, counter uint64, spec TaskSpec) error
}

func NewCoreWorker(ctx *Context, resolver *FutureResolver, picker *LessorPicker,
	memStore *memstore.Store, tasks *clustertask.Manager, actorMgr *actors.Manager,
	submitRemoteActorTask func(handle *actors.Handle, counter uint64, spec TaskSpec) error) *CoreWorker {
	return &CoreWorker{
		ctx:                   ctx,
		resolver:              resolver,
		picker:                picker,
		memStore:              memStore,
		tasks:                 tasks,
		actorMgr:              actorMgr,
		ownership:             make(map[ids.ObjectId]*ownedObject),
		handles:               make(map[ids.ActorId]*actors.Handle),
		submitRemoteActorTask: submitRemoteActorTask,
	}
}

// SubmitTask numbers and submits a normal (non-actor) task, returning the
// ObjectIds of its declared returns, which this worker now owns
// (core_worker.cc SubmitTask: builds the TaskSpecification, registers
// ownership of every return id, then hands off to the task manager).
func (c *CoreWorker) SubmitTask(spec TaskSpec) []ids.ObjectId {
	idx := c.ctx.NextTaskIndex()
	taskId := ids.NewTaskId(c.ctx.JobId(), idx, ids.ActorId{})

	returns := c.registerReturnsLocked(taskId, spec.NumReturns)

	c.tasks.SubmitTask(&clustertask.Task{
		TaskId:      taskId,
		Class:       spec.Class,
		Lang:        spec.Lang,
		MissingArgs: append([]ids.ObjectId(nil), spec.Args...),
	})
	return returns
}

// CreateActor submits the actor-creation task and returns the root handle
// for the new actor (core_worker.cc CreateActor / actor_handle.h's
// "constructed alongside creation" contract).
func (c *CoreWorker) CreateActor(spec TaskSpec) *actors.Handle {
	idx := c.ctx.NextTaskIndex()
	actorId := ids.NewActorId(ids.NewTaskId(c.ctx.JobId(), idx, ids.ActorId{}))
	creationTaskId := ids.NewTaskId(c.ctx.JobId(), idx, actorId)

	c.actorMgr.RegisterActor(actorId)
	handle := actors.NewHandle(actorId, c.ctx.JobId())

	c.mu.Lock()
	c.handles[actorId] = handle
	c.mu.Unlock()

	c.tasks.SubmitTask(&clustertask.Task{
		TaskId:      creationTaskId,
		Class:       spec.Class,
		Lang:        spec.Lang,
		MissingArgs: append([]ids.ObjectId(nil), spec.Args...),
	})
	return handle
}

// SubmitActorTask numbers the call against handle's own counter and hands
// it to submitRemoteActorTask; it never dispatches through the
// ActorManager directly (core_worker.cc SubmitActorTask, actor_handle.h's
// per-handle task_counter).
func (c *CoreWorker) SubmitActorTask(handle *actors.Handle, spec TaskSpec) (ids.TaskId, []ids.ObjectId, error) {
	counter, newChildren := handle.NextTaskCounter()
	taskId := ids.NewTaskId(c.ctx.JobId(), counter, handle.ActorId())

	returns := c.registerReturnsLocked(taskId, spec.NumReturns)
	_ = newChildren // attached to the call envelope by the transport layer, not tracked further here

	if err := c.submitRemoteActorTask(handle, counter, spec); err != nil {
		return taskId, nil, err
	}
	return taskId, returns, nil
}

// registerReturnsLocked mints and takes ownership of numReturns return
// ids for taskId (core_worker.cc BuildCommonTaskSpec's AddReturnId loop).
func (c *CoreWorker) registerReturnsLocked(taskId ids.TaskId, numReturns uint32) []ids.ObjectId {
	c.mu.Lock()
	defer c.mu.Unlock()

	returns := make([]ids.ObjectId, numReturns)
	for i := range returns {
		obj := ids.ForTaskReturn(taskId, uint32(i))
		returns[i] = obj
		c.ownership[obj] = &ownedObject{ownerAddr: c.ctx.WorkerId().String(), refCount: 1, containedIn: taskId}
	}
	return returns
}

// Put assigns a fresh put-index object id to value and publishes it
// locally, taking ownership of it (core_worker.cc Put).
func (c *CoreWorker) Put(value []byte) ids.ObjectId {
	idx := c.ctx.NextPutIndex()
	obj := ids.ForPut(c.ctx.CurrentTaskId(), idx)

	c.mu.Lock()
	c.ownership[obj] = &ownedObject{ownerAddr: c.ctx.WorkerId().String(), refCount: 1, containedIn: c.ctx.CurrentTaskId()}
	c.mu.Unlock()

	if err := c.memStore.Put(obj, memstore.Object{Value: value}); err != nil {
		nlog.Warningln("coreworker: put failed", obj.String(), err)
	}
	return obj
}

// Get blocks for every id in objIds, kicking off remote future resolution
// for any the caller does not own locally before waiting (core_worker.cc
// Get: "if not owned here, first resolve the ownership future").
func (c *CoreWorker) Get(objIds []ids.ObjectId, ownerOf func(ids.ObjectId) ids.TaskId, timeout time.Duration) []*memstore.Object {
	c.mu.Lock()
	for _, obj := range objIds {
		if _, owned := c.ownership[obj]; !owned {
			c.resolver.ResolveFutureAsync(obj, ownerOf(obj))
		}
	}
	c.mu.Unlock()
	return c.memStore.Get(objIds, timeout)
}

// AddLocalReference increments the ref count a worker holds on an object
// it does not itself own the canonical reference for (e.g. received as a
// task argument), mirroring core_worker.cc's reference-counting on task
// argument deserialization.
func (c *CoreWorker) AddLocalReference(obj ids.ObjectId, containedIn ids.TaskId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.ownership[obj]; ok {
		o.refCount++
		return
	}
	c.ownership[obj] = &ownedObject{ownerAddr: c.ctx.WorkerId().String(), refCount: 1, containedIn: containedIn}
}

// RemoveLocalReference drops a ref, deleting the ownership entry once it
// reaches zero (core_worker.cc RemoveLocalReference / reference_count.cc).
func (c *CoreWorker) RemoveLocalReference(obj ids.ObjectId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.ownership[obj]
	if !ok {
		return
	}
	o.refCount--
	debug.Assert(o.refCount >= 0)
	if o.refCount <= 0 {
		delete(c.ownership, obj)
	}
}

// OwnsObject reports whether this worker is the reference-counting owner
// of obj (core_worker.cc OwnObjectIfNotOwned / HasOwner check sites).
func (c *CoreWorker) OwnsObject(obj ids.ObjectId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ownership[obj]
	return ok
}

// PickBestNode exposes the lessor picker for a task's dependencies, used
// by the caller to decide where to submit a task directly rather than
// going through local scheduling (core_worker.cc's GetBestNodeForTask call
// site ahead of SubmitTask).
func (c *CoreWorker) PickBestNode(args []ids.ObjectId) (ids.NodeId, bool) {
	return c.picker.GetBestNodeIdForTask(args)
}
