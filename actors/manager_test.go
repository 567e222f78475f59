package actors

import (
	"testing"

	"github.com/ray-project/raylet-go/ids"
)

func testActor(n byte) ids.ActorId {
	var a ids.ActorId
	a[0] = n
	return a
}

func testTaskId(n byte) ids.TaskId {
	var t ids.TaskId
	t[0] = n
	return t
}

func TestOutOfOrderSubmissionDispatchesInCounterOrder(t *testing.T) {
	var dispatched []ids.TaskId
	m := New(func(actorId ids.ActorId, taskId ids.TaskId) {
		dispatched = append(dispatched, taskId)
	})
	actor := testActor(1)
	m.RegisterActor(actor)

	t1, t0 := testTaskId(1), testTaskId(0)
	m.SubmitActorTask(actor, 1, t1) // arrives first but must wait
	if len(dispatched) != 0 {
		t.Fatal("counter 1 must not dispatch before counter 0 executes")
	}
	m.SubmitActorTask(actor, 0, t0)
	if len(dispatched) != 1 || dispatched[0] != t0 {
		t.Fatalf("expected counter 0 to dispatch first, got %v", dispatched)
	}

	m.TaskExecuted(actor, 0)
	if len(dispatched) != 2 || dispatched[1] != t1 {
		t.Fatalf("expected counter 1 to dispatch after 0 executes, got %v", dispatched)
	}
}

func TestDuplicateCounterDiscarded(t *testing.T) {
	count := 0
	m := New(func(ids.ActorId, ids.TaskId) { count++ })
	actor := testActor(2)
	m.RegisterActor(actor)

	m.SubmitActorTask(actor, 0, testTaskId(1))
	m.TaskExecuted(actor, 0)
	m.SubmitActorTask(actor, 0, testTaskId(1)) // retried duplicate
	if count != 1 {
		t.Fatalf("expected the duplicate resubmission to be discarded, dispatched %d times", count)
	}
}

func TestDispatchWaitsForWorkerIdle(t *testing.T) {
	count := 0
	m := New(func(ids.ActorId, ids.TaskId) { count++ })
	actor := testActor(3)
	m.RegisterActor(actor)
	m.MarkReconstructing(actor) // not idle, not alive
	m.SubmitActorTask(actor, 0, testTaskId(9))
	if count != 0 {
		t.Fatal("dispatch must not proceed while the actor is reconstructing")
	}
	m.Rebind(actor, -1)
	if count != 1 {
		t.Fatalf("expected dispatch to resume once rebound, got count=%d", count)
	}
}

func TestMarkDeadDrainsQueue(t *testing.T) {
	m := New(func(ids.ActorId, ids.TaskId) {})
	actor := testActor(5)
	m.RegisterActor(actor)
	m.MarkReconstructing(actor) // block dispatch so the task stays queued
	m.SubmitActorTask(actor, 0, testTaskId(1))
	drained := m.MarkDead(actor)
	if len(drained) != 1 || drained[0] != testTaskId(1) {
		t.Fatalf("expected the queued task to drain on death, got %v", drained)
	}
}
