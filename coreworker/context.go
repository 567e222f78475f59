// Package coreworker implements the CoreWorker facade (spec §4.12 data
// flow / component C13): task and actor-task submission, ownership
// tracking of objects this worker creates, and remote-future resolution,
// grounded on
// original_source/src/ray/core_worker/{core_worker,context,future_resolver,lessor_picker}.cc.
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package coreworker

import (
	"sync"

	"github.com/ray-project/raylet-go/ids"
)

// WorkerType distinguishes a long-lived driver process from a leased
// worker process (spec §4.8's pool manages the latter).
type WorkerType int

const (
	Driver WorkerType = iota
	Worker
)

// Context is per-worker submission-sequencing state, grounded on
// context.cc's WorkerThreadContext: task_index/put_index reset whenever
// the current task changes, since they number the *current* task's
// children, not the worker's lifetime totals.
type Context struct {
	mu sync.Mutex

	workerType    WorkerType
	workerId      ids.WorkerId
	currentJobId  ids.JobId
	currentTaskId ids.TaskId
	taskIndex     uint32
	putIndex      uint32
}

func NewContext(workerType WorkerType, workerId ids.WorkerId, jobId ids.JobId) *Context {
	return &Context{workerType: workerType, workerId: workerId, currentJobId: jobId}
}

func (c *Context) WorkerId() ids.WorkerId { return c.workerId }
func (c *Context) JobId() ids.JobId       { return c.currentJobId }

func (c *Context) CurrentTaskId() ids.TaskId {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTaskId
}

// SetCurrentTask installs a new current task, resetting the per-task
// submission counters (context.cc SetCurrentTaskId).
func (c *Context) SetCurrentTask(taskId ids.TaskId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTaskId = taskId
	c.taskIndex = 0
	c.putIndex = 0
}

// NextTaskIndex numbers the next task submitted by the current task
// (context.cc GetNextTaskIndex).
func (c *Context) NextTaskIndex() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taskIndex++
	return c.taskIndex
}

// NextPutIndex numbers the next ray.put() call made by the current task
// (context.cc GetNextPutIndex).
func (c *Context) NextPutIndex() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putIndex++
	return c.putIndex
}
