package objectdirectory

import (
	"fmt"
	"sync"

	"github.com/ray-project/raylet-go/cmn"
	"github.com/ray-project/raylet-go/ids"
)

// InProcessRegistry is a Transport that resolves an owner address to the
// OwnershipDirectory instance registered under it, reference-counting
// outstanding "connections" the way spec §4.4 describes one pooled RPC
// client per owner worker, dropped when the count returns to zero.
//
// A multi-process deployment would implement Transport over the node
// manager's actual RPC client pool instead; the gRPC wire framing itself
// is out of scope (spec §1).
type InProcessRegistry struct {
	mu      sync.Mutex
	owners  map[string]*OwnershipDirectory
	refs    map[string]int
}

func NewInProcessRegistry() *InProcessRegistry {
	return &InProcessRegistry{
		owners: make(map[string]*OwnershipDirectory),
		refs:   make(map[string]int),
	}
}

func (reg *InProcessRegistry) Register(addr string, d *OwnershipDirectory) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.owners[addr] = d
}

func (reg *InProcessRegistry) Dial(addr string) (ownerFacing, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	d, ok := reg.owners[addr]
	if !ok {
		return nil, cmn.NewErr(cmn.KindIOError, fmt.Sprintf("object-directory: no owner registered at %q", addr))
	}
	reg.refs[addr]++
	return &pooledConn{reg: reg, addr: addr, owner: d}, nil
}

func (reg *InProcessRegistry) release(addr string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.refs[addr]--
	if reg.refs[addr] <= 0 {
		delete(reg.refs, addr)
	}
}

// pooledConn wraps an owner so closing out the refcount is explicit in the
// type even though this in-process model never actually tears down a
// socket; Close lets a caller signal "done with this RPC" symmetrically
// with a real Transport.
type pooledConn struct {
	reg   *InProcessRegistry
	addr  string
	owner ownerFacing
}

func (c *pooledConn) Close() { c.reg.release(c.addr) }

func (c *pooledConn) reportAdded(obj ids.ObjectId, node ids.NodeId, info ObjectInfo) {
	c.owner.reportAdded(obj, node, info)
}
func (c *pooledConn) reportRemoved(obj ids.ObjectId, node ids.NodeId) {
	c.owner.reportRemoved(obj, node)
}
func (c *pooledConn) subscribe(callbackId string, obj ids.ObjectId, cb func(map[ids.NodeId]struct{}, ObjectInfo)) {
	c.owner.subscribe(callbackId, obj, cb)
}
func (c *pooledConn) unsubscribe(callbackId string, obj ids.ObjectId) {
	c.owner.unsubscribe(callbackId, obj)
}
func (c *pooledConn) lookup(obj ids.ObjectId) (map[ids.NodeId]struct{}, ObjectInfo, bool) {
	return c.owner.lookup(obj)
}

var _ ownerFacing = (*pooledConn)(nil)
