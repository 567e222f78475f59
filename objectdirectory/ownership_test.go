package objectdirectory

import (
	"sync"
	"testing"

	"github.com/ray-project/raylet-go/ids"
)

type alwaysLive struct{}

func (alwaysLive) IsLive(ids.NodeId) bool { return true }

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

func TestOwnedSubscriptionSeesAddAndRemove(t *testing.T) {
	reg := NewInProcessRegistry()
	owner := NewOwnershipDirectory(reg, alwaysLive{})
	reg.Register("owner-1", owner)

	obj := testObj(1)
	n1 := testNode(1)

	var mu sync.Mutex
	var seen []int
	owner.SubscribeObjectLocations("cb", obj, "owner-1", func(nodes map[ids.NodeId]struct{}, _ ObjectInfo) {
		mu.Lock()
		seen = append(seen, len(nodes))
		mu.Unlock()
	})

	owner.ReportObjectAdded(obj, n1, ObjectInfo{Size: 10})
	owner.ReportObjectRemoved(obj, n1)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 { // initial empty snapshot + add + remove
		t.Fatalf("expected 3 deliveries, got %d: %v", len(seen), seen)
	}
	if seen[0] != 0 || seen[1] != 1 || seen[2] != 0 {
		t.Fatalf("unexpected sequence: %v", seen)
	}
}

func TestRemoteLookupThroughTransport(t *testing.T) {
	reg := NewInProcessRegistry()
	owner := NewOwnershipDirectory(reg, alwaysLive{})
	client := NewOwnershipDirectory(reg, alwaysLive{})
	reg.Register("owner-1", owner)

	obj := testObj(2)
	owner.ReportObjectAdded(obj, testNode(9), ObjectInfo{Size: 42})

	var gotSize int64
	var gotNodes int
	err := client.LookupLocations(obj, "owner-1", func(nodes map[ids.NodeId]struct{}, info ObjectInfo) {
		gotNodes = len(nodes)
		gotSize = info.Size
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotNodes != 1 || gotSize != 42 {
		t.Fatalf("expected 1 node, size 42; got nodes=%d size=%d", gotNodes, gotSize)
	}
}

func TestDeadNodeFiltered(t *testing.T) {
	reg := NewInProcessRegistry()
	live := &selectiveLive{live: map[ids.NodeId]bool{}}
	owner := NewOwnershipDirectory(reg, live)
	obj := testObj(3)
	n1, n2 := testNode(1), testNode(2)
	live.live[n1] = true
	live.live[n2] = false

	owner.ReportObjectAdded(obj, n1, ObjectInfo{})
	owner.ReportObjectAdded(obj, n2, ObjectInfo{})

	var last map[ids.NodeId]struct{}
	owner.LookupLocations(obj, "", func(nodes map[ids.NodeId]struct{}, _ ObjectInfo) { last = nodes })
	if _, ok := last[n2]; ok {
		t.Fatal("dead node n2 must be filtered out of delivered set")
	}
	if _, ok := last[n1]; !ok {
		t.Fatal("live node n1 must remain")
	}
}

type selectiveLive struct{ live map[ids.NodeId]bool }

func (s *selectiveLive) IsLive(n ids.NodeId) bool { return s.live[n] }
