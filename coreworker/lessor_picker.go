package coreworker

import (
	"sync"

	"github.com/ray-project/raylet-go/ids"
)

// LocalityData is what the owner knows about one object's replication: its
// size and the nodes currently holding a copy, grounded on
// lessor_picker.cc's GetLocalityData result (spec §4.4 ObjectDirectory
// feeds this).
type LocalityData struct {
	ObjectSize        int64
	NodesContainingIt []ids.NodeId
}

// LocalityDataProvider answers "what do we know about this object's
// placement", typically backed by objectdirectory (spec §4.4/§4.9).
type LocalityDataProvider interface {
	GetLocalityData(obj ids.ObjectId) (LocalityData, bool)
}

// LessorPicker picks the node with the most locally-available bytes for a
// task's dependencies, grounded verbatim on
// original_source/src/ray/core_worker/lessor_picker.cc.
type LessorPicker struct {
	mu       sync.Mutex
	provider LocalityDataProvider
}

func NewLessorPicker(provider LocalityDataProvider) *LessorPicker {
	return &LessorPicker{provider: provider}
}

// GetBestNodeIdForObjects returns the node holding the most bytes, summed
// over objectIds, or ok=false if none of them have known locality data
// (lessor_picker.cc GetBestNodeIdForObjects).
func (p *LessorPicker) GetBestNodeIdForObjects(objectIds []ids.ObjectId) (ids.NodeId, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bytesLocal := make(map[ids.NodeId]int64)
	var maxBytes int64
	var maxNode ids.NodeId
	var found bool

	for _, obj := range objectIds {
		data, ok := p.provider.GetLocalityData(obj)
		if !ok {
			continue
		}
		for _, node := range data.NodesContainingIt {
			bytesLocal[node] += data.ObjectSize
			if b := bytesLocal[node]; b > maxBytes || !found {
				maxBytes = b
				maxNode = node
				found = true
			}
		}
	}
	return maxNode, found
}

// GetBestNodeIdForTask is GetBestNodeIdForObjects over a task's argument
// object ids (lessor_picker.cc GetBestNodeIdForTask).
func (p *LessorPicker) GetBestNodeIdForTask(args []ids.ObjectId) (ids.NodeId, bool) {
	return p.GetBestNodeIdForObjects(args)
}

// AsLocalityFn adapts the picker to clusterscheduler.LocalityFn: the bytes
// of candidate already known local among args, used by the locality
// tie-break in ClusterResourceScheduler (spec §4.9).
func (p *LessorPicker) AsLocalityFn() func(candidate ids.NodeId, args []ids.ObjectId) int64 {
	return func(candidate ids.NodeId, args []ids.ObjectId) int64 {
		p.mu.Lock()
		defer p.mu.Unlock()
		var total int64
		for _, obj := range args {
			data, ok := p.provider.GetLocalityData(obj)
			if !ok {
				continue
			}
			for _, node := range data.NodesContainingIt {
				if node == candidate {
					total += data.ObjectSize
					break
				}
			}
		}
		return total
	}
}
