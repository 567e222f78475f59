// Package clustertask implements ClusterTaskManager (spec §4.10, component
// C11): the three-queue scheduling state machine, grounded on
// original_source/src/photon/photon_algorithm.c's waiting_task_queue /
// dispatch_task_queue / available_workers model, generalized from a
// single FIFO to the §4.10 per-scheduling-class fairness rules.
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package clustertask

import (
	"sort"
	"sync"
	"time"

	"github.com/ray-project/raylet-go/clusterscheduler"
	"github.com/ray-project/raylet-go/cmn"
	"github.com/ray-project/raylet-go/cmn/nlog"
	"github.com/ray-project/raylet-go/ids"
	"github.com/ray-project/raylet-go/resources"
	"github.com/ray-project/raylet-go/workerpool"
)

// SchedulingClass groups tasks with the same function descriptor and
// resource demand (spec §4.10 "hash of (function descriptor, resource
// demand)").
type SchedulingClass string

// Task is the subset of task state the manager tracks across its queues.
type Task struct {
	TaskId    ids.TaskId
	Class     SchedulingClass
	Lang      workerpool.Language
	Spec      clusterscheduler.Spec
	MissingArgs []ids.ObjectId // args not yet local; cleared as they arrive

	numSpillbacks int
	nextRetryAt   time.Time
}

// ForwardFn sends a task to a remote node chosen by the scheduler;
// returning an error models the destination rejecting the forward (spec
// §4.10 "Forwarding failure").
type ForwardFn func(task *Task, node ids.NodeId) error

// SubscribeFn subscribes to the still-missing args of task via §4.5/§4.6
// so TasksUnblocked is eventually called for it.
type SubscribeFn func(task *Task)

// DispatchFn performs the actual worker<->task bind (lease + send RunTask)
// once resources are held and a worker is available.
type DispatchFn func(task *Task, worker *workerpool.Record)

// Manager is ClusterTaskManager (C11).
type Manager struct {
	mu sync.Mutex

	selfNode ids.NodeId

	tasksToSchedule map[SchedulingClass][]*Task
	waitingTasks    map[ids.TaskId]*Task
	tasksToDispatch map[SchedulingClass][]*Task

	byId map[ids.TaskId]*Task // every task currently owned by one of the three queues, for O(1) Cancel lookup + dedup

	dispatchRoundRobin []SchedulingClass // fairness cursor across classes (spec §4.10 "round-robin when dispatching")
	rrIndex            int

	scheduler   *clusterscheduler.Scheduler
	locality    clusterscheduler.LocalityFn
	forward     ForwardFn
	subscribe   SubscribeFn
	dispatch    DispatchFn
}

func New(selfNode ids.NodeId, scheduler *clusterscheduler.Scheduler, locality clusterscheduler.LocalityFn,
	forward ForwardFn, subscribe SubscribeFn, dispatch DispatchFn) *Manager {
	return &Manager{
		selfNode:        selfNode,
		tasksToSchedule: make(map[SchedulingClass][]*Task),
		waitingTasks:    make(map[ids.TaskId]*Task),
		tasksToDispatch: make(map[SchedulingClass][]*Task),
		byId:            make(map[ids.TaskId]*Task),
		scheduler:       scheduler,
		locality:        locality,
		forward:         forward,
		subscribe:       subscribe,
		dispatch:        dispatch,
	}
}

// SubmitTask enqueues task into tasks_to_schedule (spec §4.10 SubmitTask).
func (m *Manager) SubmitTask(task *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byId[task.TaskId]; dup {
		return
	}
	m.tasksToSchedule[task.Class] = append(m.tasksToSchedule[task.Class], task)
	m.byId[task.TaskId] = task
}

// SchedulePendingTasks drains tasks_to_schedule through §4.9, moving each
// to waiting_tasks (local choice), forwarding it (remote choice, with
// spillback accounting), or leaving it queued (no feasible node) (spec
// §4.10 SchedulePendingTasks).
func (m *Manager) SchedulePendingTasks(nodes []clusterscheduler.NodeView) {
	m.mu.Lock()
	now := time.Now()
	var ready []*Task
	for class, queue := range m.tasksToSchedule {
		var kept []*Task
		for _, t := range queue {
			if now.Before(t.nextRetryAt) {
				kept = append(kept, t)
				continue
			}
			ready = append(ready, t)
		}
		if len(kept) == 0 {
			delete(m.tasksToSchedule, class)
		} else {
			m.tasksToSchedule[class] = kept
		}
	}
	m.mu.Unlock()

	for _, t := range ready {
		node, ok := m.scheduler.Schedule(t.Spec, nodes, m.locality)
		if !ok {
			m.requeueToSchedule(t) // waiting-for-capacity: stays in tasks_to_schedule
			continue
		}
		if node == m.selfNode {
			m.mu.Lock()
			m.moveToWaitingLocked(t)
			m.mu.Unlock()
			if m.subscribe != nil && len(t.MissingArgs) > 0 {
				m.subscribe(t)
			}
			continue
		}
		m.spillback(t, node)
	}
}

func (m *Manager) requeueToSchedule(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byId[t.TaskId]; !ok {
		m.byId[t.TaskId] = t
	}
	m.tasksToSchedule[t.Class] = append(m.tasksToSchedule[t.Class], t)
}

func (m *Manager) moveToWaitingLocked(t *Task) {
	m.byId[t.TaskId] = t
	if len(t.MissingArgs) == 0 {
		m.tasksToDispatch[t.Class] = append(m.tasksToDispatch[t.Class], t)
		m.refreshRoundRobinLocked()
		return
	}
	m.waitingTasks[t.TaskId] = t
}

// spillback forwards task to node and applies the spec's exponential
// backoff counter (spec §4.10 "Spillback backoff": spillback_allowed_min
// << num_spillbacks - 1 ms). On forward rejection it is requeued after
// node_manager_forward_task_retry_timeout_ms instead (spec "Forwarding
// failure").
func (m *Manager) spillback(t *Task, node ids.NodeId) {
	t.numSpillbacks++
	cfg := cmn.GCO.Get()
	if m.forward == nil {
		m.requeueToSchedule(t)
		return
	}
	if err := m.forward(t, node); err != nil {
		nlog.Warningln("clustertask: forward rejected, will retry", t.TaskId.String(), err)
		t.nextRetryAt = time.Now().Add(cfg.Scheduler.ForwardTaskRetryMillis)
		m.requeueToSchedule(t)
		return
	}
	shift := t.numSpillbacks - 1
	if shift < 0 {
		shift = 0
	}
	backoff := cfg.Scheduler.SpillbackAllowedMinMillis << uint(shift)
	t.nextRetryAt = time.Now().Add(backoff)
	m.mu.Lock()
	delete(m.byId, t.TaskId)
	m.mu.Unlock()
}

// TasksUnblocked promotes any waiting_tasks whose missing-arg set is now
// fully covered by readyIds into tasks_to_dispatch (spec §4.10
// TasksUnblocked).
func (m *Manager) TasksUnblocked(readyIds []ids.ObjectId) {
	ready := make(map[ids.ObjectId]struct{}, len(readyIds))
	for _, o := range readyIds {
		ready[o] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for taskId, t := range m.waitingTasks {
		still := t.MissingArgs[:0]
		for _, a := range t.MissingArgs {
			if _, ok := ready[a]; !ok {
				still = append(still, a)
			}
		}
		t.MissingArgs = still
		if len(t.MissingArgs) == 0 {
			delete(m.waitingTasks, taskId)
			m.tasksToDispatch[t.Class] = append(m.tasksToDispatch[t.Class], t)
			m.refreshRoundRobinLocked()
		}
	}
}

func (m *Manager) refreshRoundRobinLocked() {
	classes := make([]SchedulingClass, 0, len(m.tasksToDispatch))
	for c := range m.tasksToDispatch {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	m.dispatchRoundRobin = classes
	if m.rrIndex >= len(classes) {
		m.rrIndex = 0
	}
}

// DispatchScheduledTasksToWorkers pops workers from C9 and tasks from the
// head of tasks_to_dispatch, round-robining across scheduling classes
// (spec §4.10 DispatchScheduledTasksToWorkers + Fairness). It re-checks
// §4.7 immediately before each dispatch since another task may have
// consumed the resources since scheduling.
func (m *Manager) DispatchScheduledTasksToWorkers(pool *workerpool.Pool, node *resources.Node) {
	for {
		m.mu.Lock()
		t := m.popNextDispatchLocked()
		m.mu.Unlock()
		if t == nil {
			return
		}

		worker := pool.PopIdle(t.Lang)
		if worker == nil {
			m.pushBackToDispatchHead(t)
			return
		}
		if !node.Acquire(t.Spec.RequiredResources) {
			m.pushBackToDispatchHead(t)
			return
		}

		pool.Lease(worker.WorkerId, t.TaskId)
		m.mu.Lock()
		delete(m.byId, t.TaskId)
		m.mu.Unlock()
		if m.dispatch != nil {
			m.dispatch(t, worker)
		}
	}
}

func (m *Manager) popNextDispatchLocked() *Task {
	if len(m.dispatchRoundRobin) == 0 {
		return nil
	}
	n := len(m.dispatchRoundRobin)
	for i := 0; i < n; i++ {
		idx := (m.rrIndex + i) % n
		class := m.dispatchRoundRobin[idx]
		queue := m.tasksToDispatch[class]
		if len(queue) == 0 {
			continue
		}
		t := queue[0]
		m.tasksToDispatch[class] = queue[1:]
		if len(m.tasksToDispatch[class]) == 0 {
			delete(m.tasksToDispatch, class)
		}
		m.rrIndex = (idx + 1) % n
		m.refreshRoundRobinLocked()
		return t
	}
	return nil
}

// pushBackToDispatchHead re-queues t at the head of its class's dispatch
// queue (spec §4.10: "on failure, the task goes back to the head of the
// dispatch queue").
func (m *Manager) pushBackToDispatchHead(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byId[t.TaskId] = t
	m.tasksToDispatch[t.Class] = append([]*Task{t}, m.tasksToDispatch[t.Class]...)
	m.refreshRoundRobinLocked()
}

// CancelTask removes task_id from whichever queue holds it. Returns true
// iff the task was found and was not already running (spec §4.10
// CancelTask).
func (m *Manager) CancelTask(taskId ids.TaskId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byId[taskId]
	if !ok {
		return false
	}
	delete(m.byId, taskId)
	delete(m.waitingTasks, taskId)
	m.removeFromQueueLocked(m.tasksToSchedule, t)
	m.removeFromQueueLocked(m.tasksToDispatch, t)
	return true
}

func (m *Manager) removeFromQueueLocked(queues map[SchedulingClass][]*Task, t *Task) {
	queue, ok := queues[t.Class]
	if !ok {
		return
	}
	out := queue[:0]
	for _, qt := range queue {
		if qt.TaskId != t.TaskId {
			out = append(out, qt)
		}
	}
	if len(out) == 0 {
		delete(queues, t.Class)
	} else {
		queues[t.Class] = out
	}
}
