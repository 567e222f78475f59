package objectdirectory

import (
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"golang.org/x/sync/singleflight"

	"github.com/ray-project/raylet-go/cmn/nlog"
	"github.com/ray-project/raylet-go/ids"
)

// ownerRecord is the authoritative location set for one object, held by
// whichever OwnershipDirectory is that object's owner (spec §4.4 "Object
// locations live on the owner worker").
type ownerRecord struct {
	mu        sync.Mutex
	locations map[ids.NodeId]struct{}
	info      ObjectInfo
	subs      map[string]LocationsCallback
}

// Transport abstracts the owner RPC round trip (spec §1 "the gRPC wire
// framing" is out of scope; only the logical Add/Remove/Get operations of
// spec §6 are modeled). OwnerRegistry below is the in-process transport
// used when owner and caller share a registry (e.g. in tests or a
// single-process cluster simulation); a real deployment would implement
// Transport over the raylet's RPC client pool.
type Transport interface {
	// Dial returns the owner-side directory for ownerAddr, establishing
	// (and reference-counting) a connection if needed.
	Dial(ownerAddr string) (ownerFacing, error)
}

// ownerFacing is what a Transport hands back: the subset of owner
// operations a remote caller may invoke.
type ownerFacing interface {
	reportAdded(obj ids.ObjectId, node ids.NodeId, info ObjectInfo)
	reportRemoved(obj ids.ObjectId, node ids.NodeId)
	subscribe(callbackId string, obj ids.ObjectId, cb func(map[ids.NodeId]struct{}, ObjectInfo))
	unsubscribe(callbackId string, obj ids.ObjectId)
	lookup(obj ids.ObjectId) (map[ids.NodeId]struct{}, ObjectInfo, bool)
}

// OwnershipDirectory is the ownership-based Directory (spec §4.4). A
// single instance plays both roles: owner for objects this worker
// created, and client for objects owned elsewhere (reached through
// Transport).
type OwnershipDirectory struct {
	mu    sync.Mutex
	owned map[ids.ObjectId]*ownerRecord

	transport Transport
	live      LiveNodes

	// seen is a local "might have heard of this object" membership filter
	// (spec §4.4 enrichment), filled by ReportObjectAdded and
	// LookupLocations. LookupLocations consults it but goes to the owner
	// either way: neither a negative nor a positive hit skips the round trip.
	seen    *cuckoo.Filter
	seenMu  sync.Mutex
	group   singleflight.Group // collapses concurrent LookupLocations for the same object
}

func NewOwnershipDirectory(transport Transport, live LiveNodes) *OwnershipDirectory {
	return &OwnershipDirectory{
		owned:     make(map[ids.ObjectId]*ownerRecord),
		transport: transport,
		live:      live,
		seen:      cuckoo.NewFilter(1 << 16),
	}
}

func (d *OwnershipDirectory) recordLocked(obj ids.ObjectId) *ownerRecord {
	r, ok := d.owned[obj]
	if !ok {
		r = &ownerRecord{locations: make(map[ids.NodeId]struct{}), subs: make(map[string]LocationsCallback)}
		d.owned[obj] = r
	}
	return r
}

func (d *OwnershipDirectory) markSeen(obj ids.ObjectId) {
	d.seenMu.Lock()
	d.seen.InsertUnique(obj[:])
	d.seenMu.Unlock()
}

func (d *OwnershipDirectory) mightHaveSeen(obj ids.ObjectId) bool {
	d.seenMu.Lock()
	defer d.seenMu.Unlock()
	return d.seen.Lookup(obj[:])
}

// ReportObjectAdded is the owner-side handler for an Add RPC (spec §4.4;
// wire name AddObjectLocationOwner, §6). Delivers the updated, dead-node-
// filtered set to every subscriber in order.
func (d *OwnershipDirectory) ReportObjectAdded(obj ids.ObjectId, node ids.NodeId, info ObjectInfo) {
	d.markSeen(obj)
	d.mu.Lock()
	r := d.recordLocked(obj)
	d.mu.Unlock()

	r.mu.Lock()
	r.locations[node] = struct{}{}
	r.info = info
	snapshot := d.filterLiveLocked(r.locations)
	subs := cloneCallbacks(r.subs)
	r.mu.Unlock()

	for _, cb := range subs {
		cb(snapshot, info)
	}
}

// ReportObjectRemoved is the owner-side handler for a Remove RPC (spec
// §4.4; wire name RemoveObjectLocationOwner, §6).
func (d *OwnershipDirectory) ReportObjectRemoved(obj ids.ObjectId, node ids.NodeId) {
	d.mu.Lock()
	r, ok := d.owned[obj]
	d.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.locations, node)
	snapshot := d.filterLiveLocked(r.locations)
	info := r.info
	subs := cloneCallbacks(r.subs)
	r.mu.Unlock()

	for _, cb := range subs {
		cb(snapshot, info)
	}
}

func (d *OwnershipDirectory) filterLiveLocked(locations map[ids.NodeId]struct{}) map[ids.NodeId]struct{} {
	out := make(map[ids.NodeId]struct{}, len(locations))
	for n := range locations {
		if d.live == nil || d.live.IsLive(n) {
			out[n] = struct{}{}
		}
	}
	return out
}

func cloneCallbacks(m map[string]LocationsCallback) map[string]LocationsCallback {
	out := make(map[string]LocationsCallback, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SubscribeObjectLocations registers callbackId against obj, dialing the
// owner if obj is not locally owned (spec §4.4 "subscribers poll the
// owner with a long-lived RPC; each reply immediately triggers the next
// request" — modeled here as a direct callback registration since the
// transport already delivers a push stream).
func (d *OwnershipDirectory) SubscribeObjectLocations(callbackId string, obj ids.ObjectId, ownerAddr string, onLocations LocationsCallback) error {
	d.mu.Lock()
	r, owned := d.owned[obj]
	d.mu.Unlock()
	if owned {
		r.mu.Lock()
		r.subs[callbackId] = onLocations
		snapshot := d.filterLiveLocked(r.locations)
		info := r.info
		r.mu.Unlock()
		onLocations(snapshot, info)
		return nil
	}
	owner, err := d.transport.Dial(ownerAddr)
	if err != nil {
		nlog.Errorln("object-directory: dial owner", ownerAddr, err)
		return err
	}
	owner.subscribe(callbackId, obj, onLocations)
	return nil
}

func (d *OwnershipDirectory) UnsubscribeObjectLocations(callbackId string, obj ids.ObjectId) {
	d.mu.Lock()
	r, owned := d.owned[obj]
	d.mu.Unlock()
	if owned {
		r.mu.Lock()
		delete(r.subs, callbackId)
		r.mu.Unlock()
	}
	// For an object owned elsewhere nothing is sent to the owner: a
	// callback registered there through SubscribeObjectLocations stays
	// registered and keeps receiving updates.
}

// LookupLocations is the single-shot lookup (spec §4.4 lookup_locations).
// Concurrent lookups for the same object id are collapsed via singleflight
// so a burst of callers triggers at most one owner round trip.
func (d *OwnershipDirectory) LookupLocations(obj ids.ObjectId, ownerAddr string, onLocations LocationsCallback) error {
	if !d.mightHaveSeen(obj) {
		// still attempt it: a negative might mean we simply never
		// observed an Add locally (e.g. this node didn't hold a replica
		// yet); the filter never prunes an owner round trip and never
		// causes a false "does not exist".
	}
	key := obj.String() + "|" + ownerAddr
	v, err, _ := d.group.Do(key, func() (any, error) {
		d.mu.Lock()
		r, owned := d.owned[obj]
		d.mu.Unlock()
		if owned {
			r.mu.Lock()
			snapshot := d.filterLiveLocked(r.locations)
			info := r.info
			r.mu.Unlock()
			return lookupResult{snapshot, info}, nil
		}
		owner, derr := d.transport.Dial(ownerAddr)
		if derr != nil {
			return nil, derr
		}
		nodes, info, ok := owner.lookup(obj)
		if !ok {
			return lookupResult{map[ids.NodeId]struct{}{}, ObjectInfo{}}, nil
		}
		return lookupResult{nodes, info}, nil
	})
	if err != nil {
		return err
	}
	res := v.(lookupResult)
	d.markSeen(obj)
	onLocations(res.nodes, res.info)
	return nil
}

type lookupResult struct {
	nodes map[ids.NodeId]struct{}
	info  ObjectInfo
}

// reportAdded etc. let an OwnershipDirectory satisfy ownerFacing so two
// directories can Dial each other through an in-process Transport.
func (d *OwnershipDirectory) reportAdded(obj ids.ObjectId, node ids.NodeId, info ObjectInfo) {
	d.ReportObjectAdded(obj, node, info)
}
func (d *OwnershipDirectory) reportRemoved(obj ids.ObjectId, node ids.NodeId) {
	d.ReportObjectRemoved(obj, node)
}
func (d *OwnershipDirectory) subscribe(callbackId string, obj ids.ObjectId, cb func(map[ids.NodeId]struct{}, ObjectInfo)) {
	d.mu.Lock()
	r := d.recordLocked(obj)
	d.mu.Unlock()
	r.mu.Lock()
	r.subs[callbackId] = cb
	snapshot := d.filterLiveLocked(r.locations)
	info := r.info
	r.mu.Unlock()
	cb(snapshot, info)
}
func (d *OwnershipDirectory) unsubscribe(callbackId string, obj ids.ObjectId) {
	d.UnsubscribeObjectLocations(callbackId, obj)
}
func (d *OwnershipDirectory) lookup(obj ids.ObjectId) (map[ids.NodeId]struct{}, ObjectInfo, bool) {
	d.mu.Lock()
	r, ok := d.owned[obj]
	d.mu.Unlock()
	if !ok {
		return nil, ObjectInfo{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return d.filterLiveLocked(r.locations), r.info, true
}

var _ Directory = (*OwnershipDirectory)(nil)
var _ ownerFacing = (*OwnershipDirectory)(nil)
