package objectstore

import (
	"sort"
	"sync"
	"time"

	"github.com/ray-project/raylet-go/cmn"
	"github.com/ray-project/raylet-go/cmn/cos"
	"github.com/ray-project/raylet-go/cmn/debug"
	"github.com/ray-project/raylet-go/cmn/nlog"
	"github.com/ray-project/raylet-go/ids"
)

type State int

const (
	Unsealed State = iota
	Sealed
	Spilled
)

// ObjectInfo is what gets published on seal (spec §4.1 Seal "publishes an
// object-added notification") — the subset of ObjectEntry a subscriber
// (objectdirectory, pullmanager) needs, without exposing the buffer.
type ObjectInfo struct {
	Id           ids.ObjectId
	DataSize     int64
	MetadataSize int64
	Hash         uint64
}

// ObjectEntry mirrors spec §3's ObjectEntry.
type ObjectEntry struct {
	Id           ids.ObjectId
	DataSize     int64
	MetadataSize int64
	seg          *segment
	offset       int64
	State        State
	SpilledURL   string
	hash         uint64
	refCount     int
	lastRelease  int64 // mono nanos of last Release, for LRU eviction order
	creator      any   // opaque client handle; only the creator may write while Unsealed
}

func (e *ObjectEntry) totalSize() int64 { return e.DataSize + e.MetadataSize }

// Buffer is the mutable view returned by Create and the read-only view
// returned by Get.
type Buffer struct {
	Data     []byte
	Metadata []byte
}

// SpillCallback moves numBytes of sealed, unreferenced object data to
// external storage (spec §4.1 "active spill callback"; implemented
// concretely by spillstore.Backend). Returns bytes actually freed.
type SpillCallback func(candidates []*ObjectEntry, numBytes int64) (freed int64, err error)

// RestoreCallback fetches a spilled object back into the store (spec §4.5
// "restore-from-spill").
type RestoreCallback func(e *ObjectEntry) error

type releaseRecord struct {
	id ids.ObjectId
	at int64
}

// Store is the plasma-style object store (C2).
type Store struct {
	mu       sync.Mutex
	config   *cmn.Config
	capacity int64
	segments []*segment
	entries  map[ids.ObjectId]*ObjectEntry

	// release_history: deferred release LRU (spec §4.1 Release note).
	releaseHistory []releaseRecord
	inUseBytes     int64

	onSeal        []func(ObjectInfo)
	spillCallback SpillCallback
}

func New(config *cmn.Config, capacity int64) *Store {
	if config == nil {
		config = cmn.GCO.Get()
	}
	return &Store{
		config:   config,
		capacity: capacity,
		entries:  make(map[ids.ObjectId]*ObjectEntry),
	}
}

// SetSpillCallback registers the §4.1 spill hook. Create and Restore
// invoke it when the store is out of capacity, before falling back to
// eviction; Evict itself never calls it.
func (s *Store) SetSpillCallback(cb SpillCallback) {
	s.mu.Lock()
	s.spillCallback = cb
	s.mu.Unlock()
}

// Subscribe registers a callback fired synchronously, under no lock, after
// each successful Seal (spec §4.1 "publishes ... to the directory and any
// subscribers").
func (s *Store) Subscribe(cb func(ObjectInfo)) {
	s.mu.Lock()
	s.onSeal = append(s.onSeal, cb)
	s.mu.Unlock()
}

// Create returns a mutable buffer for obj_id, evicting sealed/unreferenced
// objects if needed and permitted (spec §4.1 Create).
func (s *Store) Create(id ids.ObjectId, dataSize, metadataSize int64, evictIfFull bool, creator any) (*Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return nil, cmn.NewErr(cmn.KindObjectExists, "object "+id.String()+" already exists")
	}

	need := dataSize + metadataSize
	seg, offset, err := s.findOrMakeSpaceLocked(need, evictIfFull)
	if err != nil {
		return nil, err
	}

	e := &ObjectEntry{
		Id:           id,
		DataSize:     dataSize,
		MetadataSize: metadataSize,
		seg:          seg,
		offset:       offset,
		State:        Unsealed,
		refCount:     1, // creator holds the initial reference until Seal
		creator:      creator,
	}
	s.entries[id] = e
	s.inUseBytes += need

	buf := &Buffer{
		Data:     seg.data[offset : offset+dataSize],
		Metadata: seg.data[offset+dataSize : offset+need],
	}
	return buf, nil
}

func (s *Store) findOrMakeSpaceLocked(need int64, evictIfFull bool) (*segment, int64, error) {
	for _, seg := range s.segments {
		if off, ok := seg.alloc(need); ok {
			return seg, off, nil
		}
	}
	if s.totalCapacityLocked()+need <= s.capacity {
		seg, err := newSegment(maxI64(need, 4*cos.MiB))
		if err != nil {
			return nil, 0, cmn.NewErrWrap(cmn.KindIOError, "allocate segment", err)
		}
		s.segments = append(s.segments, seg)
		off, ok := seg.alloc(need)
		debug.Assert(ok)
		return seg, off, nil
	}
	if !evictIfFull {
		return nil, 0, cmn.NewErr(cmn.KindOutOfMemory, "insufficient space and evict_if_full=false")
	}

	// Prefer spilling sealed/unreferenced candidates to the external tier
	// over plain eviction: plain eviction deletes the entry outright (data
	// loss unless another node holds a copy), while spilling preserves it.
	// Only fall back to outright eviction for whatever the spill callback
	// doesn't cover.
	var freed int64
	if s.spillCallback != nil {
		candidates := s.sealedUnreferencedLocked()
		cb := s.spillCallback

		// The spill callback performs a network upload and then calls back
		// into MarkSpilled, which takes s.mu itself; no lock may be held
		// across that RPC (spec §5 invariant), so release it for the
		// duration of the call and recheck state on return.
		s.mu.Unlock()
		f, err := cb(candidates, need)
		s.mu.Lock()
		if err == nil {
			freed += f
		}
	}
	if freed < need {
		freed += s.evictLocked(need - freed)
	}
	if freed < need {
		return nil, 0, cmn.NewErr(cmn.KindOutOfMemory, "TransientObjectStoreFull")
	}
	for _, seg := range s.segments {
		if off, ok := seg.alloc(need); ok {
			return seg, off, nil
		}
	}
	seg, err := newSegment(maxI64(need, 4*cos.MiB))
	if err != nil {
		return nil, 0, cmn.NewErrWrap(cmn.KindIOError, "allocate segment", err)
	}
	s.segments = append(s.segments, seg)
	off, ok := seg.alloc(need)
	debug.Assert(ok)
	return seg, off, nil
}

func (s *Store) totalCapacityLocked() int64 {
	var total int64
	for _, seg := range s.segments {
		total += int64(len(seg.data))
	}
	return total
}

// Seal transitions Unsealed -> Sealed, computes the content hash, and
// notifies subscribers (spec §4.1 Seal). Sealing an unknown or
// already-sealed id is a caller contract violation (fatal via debug.Assert
// in debug builds; returns KeyError in release builds so a misbehaving
// peer cannot crash the store process).
func (s *Store) Seal(id ids.ObjectId) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.State != Unsealed {
		s.mu.Unlock()
		debug.Assert(false, "seal of unknown or already-sealed object", id.String())
		return cmn.NewErr(cmn.KindKeyError, "seal: unknown or already-sealed "+id.String())
	}
	data := e.seg.data[e.offset : e.offset+e.DataSize]
	meta := e.seg.data[e.offset+e.DataSize : e.offset+e.totalSize()]
	e.hash = cos.ContentHash(data, meta)
	e.State = Sealed
	e.refCount-- // creator's implicit write-reference ends at seal
	info := ObjectInfo{Id: id, DataSize: e.DataSize, MetadataSize: e.MetadataSize, Hash: e.hash}
	subs := append([]func(ObjectInfo){}, s.onSeal...)
	s.mu.Unlock()

	for _, cb := range subs {
		cb(info)
	}
	return nil
}

// Get returns references to sealed buffers in input order; missing
// entries are nil (spec §4.1 Get). Each returned entry increments
// ref_count; callers must Release exactly once per successful Get.
func (s *Store) Get(objIds []ids.ObjectId, timeout time.Duration) ([]*Buffer, error) {
	deadline := time.Now().Add(timeout)
	out := make([]*Buffer, len(objIds))
	for {
		remaining := 0
		s.mu.Lock()
		for i, id := range objIds {
			if out[i] != nil {
				continue
			}
			e, ok := s.entries[id]
			if !ok || e.State != Sealed {
				remaining++
				continue
			}
			e.refCount++
			out[i] = &Buffer{
				Data:     e.seg.data[e.offset : e.offset+e.DataSize],
				Metadata: e.seg.data[e.offset+e.DataSize : e.offset+e.totalSize()],
			}
		}
		s.mu.Unlock()
		if remaining == 0 || timeout <= 0 || time.Now().After(deadline) {
			return out, nil
		}
		time.Sleep(time.Millisecond)
	}
}

// Release decrements ref_count and records the release in release_history
// (spec §4.1 Release). The object is evictable as soon as its ref_count
// reaches 0; release_history does not delay that.
func (s *Store) Release(id ids.ObjectId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return
	}
	e.refCount--
	debug.Assert(e.refCount >= 0, "ref_count went negative for", id.String())
	e.lastRelease = monoNow()
	s.releaseHistory = append(s.releaseHistory, releaseRecord{id: id, at: e.lastRelease})
	s.drainReleaseHistoryLocked()
}

// drainReleaseHistoryLocked trims release_history to release_delay
// entries, and empties it while in-use bytes exceed 90% of capacity.
// Draining only trims the bookkeeping list; reclamation happens in Evict,
// which considers every ref_count==0 Sealed entry whether or not it is
// still in release_history.
func (s *Store) drainReleaseHistoryLocked() {
	delay := s.config.Object.ReleaseDelay
	watermark := s.capacity * 9 / 10
	for len(s.releaseHistory) > delay || s.inUseBytes > watermark {
		if len(s.releaseHistory) == 0 {
			break
		}
		s.releaseHistory = s.releaseHistory[1:]
	}
}

// Delete hints that objects are no longer needed; equivalent to forcing
// release when ref_count==0 (spec §4.1 Delete).
func (s *Store) Delete(objIds []ids.ObjectId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range objIds {
		if e, ok := s.entries[id]; ok && e.refCount == 0 {
			s.freeEntryLocked(e)
		}
	}
}

// Evict frees up to numBytes from Sealed, ref_count==0 entries in LRU
// order by last release time, excluding pinned (still-referenced)
// entries, per spec §4.1 and the Open Question decision recorded in
// SPEC_FULL.md (LRU by release time, pinned excluded).
func (s *Store) Evict(numBytes int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(numBytes)
}

func (s *Store) evictLocked(numBytes int64) int64 {
	candidates := s.sealedUnreferencedLocked()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].lastRelease < candidates[j].lastRelease })
	var freed int64
	for _, e := range candidates {
		if freed >= numBytes {
			break
		}
		freed += e.totalSize()
		s.freeEntryLocked(e)
	}
	return freed
}

func (s *Store) sealedUnreferencedLocked() []*ObjectEntry {
	var out []*ObjectEntry
	for _, e := range s.entries {
		if e.State == Sealed && e.refCount == 0 {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) freeEntryLocked(e *ObjectEntry) {
	delete(s.entries, e.Id)
	if e.State != Spilled {
		e.seg.freeSpanAt(e.offset, e.totalSize())
		s.inUseBytes -= e.totalSize()
		if err := e.seg.munmapIfUnused(); err != nil {
			nlog.Warningln("munmap segment:", err)
		}
		if e.seg.isUnmapped() {
			s.removeSegmentLocked(e.seg)
		}
	}
}

// removeSegmentLocked drops seg from s.segments once it has been
// munmapped, so findOrMakeSpaceLocked never allocs against a free span
// backed by a nil data slice (spec §4.1/§7: "no panics on valid input").
func (s *Store) removeSegmentLocked(seg *segment) {
	for i, sg := range s.segments {
		if sg == seg {
			s.segments = append(s.segments[:i], s.segments[i+1:]...)
			return
		}
	}
}

// RegisterRecoveredSpill inserts an already-Spilled entry discovered by a
// startup spill-directory scan (spec §4.1 restart recovery): the object
// was never Created in this process's lifetime, so there is no
// Sealed-entry transition to replay, only the bookkeeping MarkSpilled
// would otherwise have produced. A no-op if id is already known.
func (s *Store) RegisterRecoveredSpill(id ids.ObjectId, url string, totalSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; exists {
		return
	}
	s.entries[id] = &ObjectEntry{
		Id:         id,
		DataSize:   totalSize,
		State:      Spilled,
		SpilledURL: url,
	}
}

// Entry exposes read-only entry metadata, used by spillstore and tests.
func (s *Store) Entry(id ids.ObjectId) (ObjectInfo, State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ObjectInfo{}, 0, false
	}
	return ObjectInfo{Id: e.Id, DataSize: e.DataSize, MetadataSize: e.MetadataSize, Hash: e.hash}, e.State, true
}

// InUseBytes and ObjectCount report the two gauges cmd/plasma-store
// publishes on /metricz (spec §6 "ambient instrumentation").
func (s *Store) InUseBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUseBytes
}

func (s *Store) ObjectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

var monoStart = time.Now()

func monoNow() int64 { return int64(time.Since(monoStart)) }
