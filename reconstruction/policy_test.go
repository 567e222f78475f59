package reconstruction

import (
	"sync"
	"testing"

	"github.com/ray-project/raylet-go/gcs"
	"github.com/ray-project/raylet-go/ids"
)

func testTask(n byte) ids.TaskId {
	var t ids.TaskId
	t[0] = n
	return t
}

func testObj(n byte) ids.ObjectId {
	var o ids.ObjectId
	o[0] = n
	return o
}

func testNode(n byte) ids.NodeId {
	var nd ids.NodeId
	nd[0] = n
	return nd
}

// TestTimeoutTriggersReconstruction mirrors the original's Tick/Reconstruct
// flow: an object with no Notify before its ticks expire triggers a single
// re-execution of its producing task.
func TestTimeoutTriggersReconstruction(t *testing.T) {
	gc, err := gcs.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer gc.Close()

	var mu sync.Mutex
	var triggered []ids.TaskId
	p := New(testNode(1), 2, gc, func(taskId ids.TaskId) {
		mu.Lock()
		triggered = append(triggered, taskId)
		mu.Unlock()
	})

	obj := testObj(1)
	task := testTask(1)
	taskOf := func(ids.ObjectId) ids.TaskId { return task }

	p.Listen(obj, task)
	p.Tick(taskOf) // tick 1: 2->1, not expired
	p.Tick(taskOf) // tick 2: 1->0, expires, reconstructs

	mu.Lock()
	defer mu.Unlock()
	if len(triggered) != 1 || triggered[0] != task {
		t.Fatalf("expected exactly one reconstruction of task %v, got %v", task, triggered)
	}
}

// TestNotifyResetsTimer ensures a Notify before expiry prevents
// reconstruction from firing.
func TestNotifyResetsTimer(t *testing.T) {
	gc, err := gcs.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer gc.Close()

	fired := false
	p := New(testNode(1), 2, gc, func(ids.TaskId) { fired = true })

	obj := testObj(2)
	task := testTask(2)
	taskOf := func(ids.ObjectId) ids.TaskId { return task }

	p.Listen(obj, task)
	p.Tick(taskOf) // 2->1
	p.Notify(obj)  // reset to 2
	p.Tick(taskOf) // 2->1, still not expired
	if fired {
		t.Fatal("reconstruction must not fire after a fresh Notify")
	}
}

// TestSiblingObjectsShareOneReconstruction verifies that when two objects
// from the same producing task both expire, only one append/trigger
// happens for that task (spec §4.6 grouping by producing task).
func TestSiblingObjectsShareOneReconstruction(t *testing.T) {
	gc, err := gcs.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer gc.Close()

	var mu sync.Mutex
	count := 0
	task := testTask(3)
	p := New(testNode(1), 1, gc, func(ids.TaskId) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	o1, o2 := testObj(3), testObj(4)
	taskOf := func(ids.ObjectId) ids.TaskId { return task }
	p.Listen(o1, task)
	p.Listen(o2, task)
	p.Tick(taskOf) // both expire on first tick (numTicks=1)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one reconstruction trigger for shared task, got %d", count)
	}
}

// TestCancelStopsTimer ensures a canceled object never reconstructs.
func TestCancelStopsTimer(t *testing.T) {
	gc, err := gcs.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer gc.Close()

	fired := false
	p := New(testNode(1), 1, gc, func(ids.TaskId) { fired = true })

	obj := testObj(5)
	task := testTask(5)
	taskOf := func(ids.ObjectId) ids.TaskId { return task }

	p.Listen(obj, task)
	p.Cancel(obj, task)
	p.Tick(taskOf)
	if fired {
		t.Fatal("canceled object must not trigger reconstruction")
	}
}
