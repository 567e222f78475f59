package gcs

import "testing"

func TestAppendReconstructionSingleWinner(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	won1, err := c.AppendReconstruction("task-1", 0, []byte("node-a"))
	if err != nil {
		t.Fatal(err)
	}
	won2, err := c.AppendReconstruction("task-1", 0, []byte("node-b"))
	if err != nil {
		t.Fatal(err)
	}
	if !won1 || won2 {
		t.Fatalf("expected exactly one winner, got won1=%v won2=%v", won1, won2)
	}

	won3, err := c.AppendReconstruction("task-1", 1, []byte("node-c"))
	if err != nil {
		t.Fatal(err)
	}
	if !won3 {
		t.Fatal("a new attempt index must be independently contestable")
	}
}

func TestObjectLocationsAddRemove(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.ObjectAppendLocation("obj-1", "node-1"); err != nil {
		t.Fatal(err)
	}
	if err := c.ObjectAppendLocation("obj-1", "node-2"); err != nil {
		t.Fatal(err)
	}
	locs, err := c.ObjectLocations("obj-1")
	if err != nil || len(locs) != 2 {
		t.Fatalf("expected 2 locations, got %v (err=%v)", locs, err)
	}

	if err := c.ObjectRemoveLocation("obj-1", "node-1"); err != nil {
		t.Fatal(err)
	}
	locs, err = c.ObjectLocations("obj-1")
	if err != nil || len(locs) != 1 || locs[0] != "node-2" {
		t.Fatalf("expected only node-2 left, got %v (err=%v)", locs, err)
	}
}

func TestJobDeleteCascades(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.JobPut("job-1", []byte("job-data")); err != nil {
		t.Fatal(err)
	}
	if err := c.ActorRegister("job-1", "actor-1", []byte("actor-data")); err != nil {
		t.Fatal(err)
	}
	if err := c.TaskAdd("job-1", "task-1", []byte("task-data")); err != nil {
		t.Fatal(err)
	}
	// a second job's rows must survive job-1's cascade.
	if err := c.ActorRegister("job-2", "actor-1", []byte("other-job-actor")); err != nil {
		t.Fatal(err)
	}

	if err := c.JobDelete("job-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.JobGet("job-1"); ok {
		t.Fatal("job row should be gone")
	}
	if _, ok, _ := c.ActorGet("job-1", "actor-1"); ok {
		t.Fatal("namespaced actor row should have cascaded")
	}
	if _, ok, _ := c.TaskGet("job-1", "task-1"); ok {
		t.Fatal("namespaced task row should have cascaded")
	}
	if _, ok, _ := c.ActorGet("job-2", "actor-1"); !ok {
		t.Fatal("job-2's actor row must not be touched by job-1's cascade")
	}
}
