package actors

import (
	"sort"
	"sync"

	"github.com/ray-project/raylet-go/cmn/nlog"
	"github.com/ray-project/raylet-go/ids"
)

// State is an actor's lifecycle state as tracked by the owning node (spec
// §4.11 / gcs.ActorTable).
type State int

const (
	Alive State = iota
	Reconstructing
	Dead
)

// queuedTask is one pending actor task, ordered by its actor_counter (spec
// §4.11 "a per-actor queue, sorted by actor_counter").
type queuedTask struct {
	counter uint64
	taskId  ids.TaskId
}

// actorState is the owning node's per-actor dispatch bookkeeping.
type actorState struct {
	lifecycle    State
	lastExecuted int64 // -1 until the first task executes; counters are >= 0
	pinnedIdle   bool
	queue        []queuedTask
}

// DispatchFn executes the head task of an actor's queue once its
// preconditions are met (spec §4.11 dispatch preconditions).
type DispatchFn func(actorId ids.ActorId, taskId ids.TaskId)

// Manager is ActorManager (C12): per-actor ordered dispatch plus
// lifecycle tracking.
type Manager struct {
	mu sync.Mutex

	actors   map[ids.ActorId]*actorState
	dispatch DispatchFn
}

func New(dispatch DispatchFn) *Manager {
	return &Manager{actors: make(map[ids.ActorId]*actorState), dispatch: dispatch}
}

// RegisterActor starts tracking a newly created actor as Alive with an
// idle pinned worker.
func (m *Manager) RegisterActor(actorId ids.ActorId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actors[actorId]; ok {
		return
	}
	m.actors[actorId] = &actorState{lifecycle: Alive, lastExecuted: -1, pinnedIdle: true}
}

// SubmitActorTask enqueues taskId at actorCounter in the actor's ordered
// queue, inserting in counter order under concurrent out-of-order retries,
// and discards it as a duplicate if its counter has already executed
// (spec §4.11: "Tasks whose counter is last_executed or lower are
// discarded as duplicates").
func (m *Manager) SubmitActorTask(actorId ids.ActorId, actorCounter uint64, taskId ids.TaskId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.actors[actorId]
	if !ok {
		nlog.Warningln("actors: task submitted for unknown actor", actorId.String())
		return
	}
	if int64(actorCounter) <= st.lastExecuted {
		return // duplicate, per spec §4.11
	}
	for _, qt := range st.queue {
		if qt.counter == actorCounter {
			return // already queued
		}
	}
	st.queue = append(st.queue, queuedTask{counter: actorCounter, taskId: taskId})
	sort.Slice(st.queue, func(i, j int) bool { return st.queue[i].counter < st.queue[j].counter })
	m.tryDispatchLocked(actorId, st)
}

// WorkerIdle marks the actor's pinned worker as available and attempts
// dispatch of the queue head (spec §4.11 dispatch precondition "the
// actor's pinned worker is Idle").
func (m *Manager) WorkerIdle(actorId ids.ActorId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.actors[actorId]
	if !ok {
		return
	}
	st.pinnedIdle = true
	m.tryDispatchLocked(actorId, st)
}

// TaskExecuted advances last_executed after the dispatched task completes,
// and attempts to dispatch the new head (spec §4.11).
func (m *Manager) TaskExecuted(actorId ids.ActorId, actorCounter uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.actors[actorId]
	if !ok {
		return
	}
	if int64(actorCounter) > st.lastExecuted {
		st.lastExecuted = int64(actorCounter)
	}
	if len(st.queue) > 0 && st.queue[0].counter == actorCounter {
		st.queue = st.queue[1:]
	}
	st.pinnedIdle = true
	m.tryDispatchLocked(actorId, st)
}

// tryDispatchLocked dispatches the queue head iff both preconditions hold:
// actor_counter == last_executed + 1, and the pinned worker is Idle (spec
// §4.11).
func (m *Manager) tryDispatchLocked(actorId ids.ActorId, st *actorState) {
	if !st.pinnedIdle || len(st.queue) == 0 || st.lifecycle != Alive {
		return
	}
	head := st.queue[0]
	if int64(head.counter) != st.lastExecuted+1 {
		return
	}
	st.pinnedIdle = false
	if m.dispatch != nil {
		m.dispatch(actorId, head.taskId)
	}
}

// MarkDead transitions the actor to Dead, draining its queue (spec §4.11
// / §4.3's dead-letter finalization: queued tasks never execute and must
// resolve their return ids with a failure marker by the caller).
func (m *Manager) MarkDead(actorId ids.ActorId) []ids.TaskId {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.actors[actorId]
	if !ok {
		return nil
	}
	st.lifecycle = Dead
	drained := make([]ids.TaskId, 0, len(st.queue))
	for _, qt := range st.queue {
		drained = append(drained, qt.taskId)
	}
	st.queue = nil
	return drained
}

// MarkReconstructing transitions the actor to Reconstructing: dispatch is
// paused until a new pinned worker registers (spec §4.11 reconstruction
// notification, wired from C7).
func (m *Manager) MarkReconstructing(actorId ids.ActorId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.actors[actorId]; ok {
		st.lifecycle = Reconstructing
		st.pinnedIdle = false
	}
}

// Rebind re-pins a reconstructed actor to its new worker and resumes
// dispatch from the given last-executed high-water mark.
func (m *Manager) Rebind(actorId ids.ActorId, lastExecuted int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.actors[actorId]
	if !ok {
		return
	}
	st.lifecycle = Alive
	st.pinnedIdle = true
	if lastExecuted > st.lastExecuted {
		st.lastExecuted = lastExecuted
	}
	m.tryDispatchLocked(actorId, st)
}

func (m *Manager) State(actorId ids.ActorId) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.actors[actorId]
	if !ok {
		return Dead, false
	}
	return st.lifecycle, true
}
