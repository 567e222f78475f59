// Package pullmanager implements the PullManager (spec §4.5, component
// C6): a prioritized, budget-constrained, deduplicated queue of pull
// bundles, backed by
// original_source/src/ray/object_manager/test/pull_manager_test.cc for the
// exercised admission semantics.
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package pullmanager

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ray-project/raylet-go/cmn/nlog"
	"github.com/ray-project/raylet-go/ids"
)

// RestoreFromSpillFn attempts to restore a spilled object directly (spec
// §4.5 Tick step 1); ok=false falls back to a peer pull.
type RestoreFromSpillFn func(obj ids.ObjectId, spilledURL string) (ok bool)

// PeerPullFn sends a peer PullRequest to node for obj (spec §4.5 Tick
// step 2 / §6 Pull RPC).
type PeerPullFn func(ctx context.Context, obj ids.ObjectId, node ids.NodeId) error

type objectState struct {
	lastAttempt time.Time
	numTries    int
	locations   map[ids.NodeId]struct{}
	spilledURL  string
	size        int64
	local       bool
}

type bundle struct {
	requestId string
	objects   []ids.ObjectId
}

// Manager is the PullManager (C6).
type Manager struct {
	mu sync.Mutex

	objectPullRequests       map[ids.ObjectId]*objectState
	activeObjectPullRequests map[ids.ObjectId]struct{}
	pullBundles              []bundle
	bundleOf                 map[ids.ObjectId]string // object -> owning bundle's request id, for dedup
	numBytesAvailable        int64
	activeBytes              int64
	nextRequestId            int64

	restoreFromSpill RestoreFromSpillFn
	peerPull         PeerPullFn

	backoffBase time.Duration
	backoffCap  time.Duration
}

func New(numBytesAvailable int64, restore RestoreFromSpillFn, peerPull PeerPullFn) *Manager {
	return &Manager{
		objectPullRequests:       make(map[ids.ObjectId]*objectState),
		activeObjectPullRequests: make(map[ids.ObjectId]struct{}),
		bundleOf:                 make(map[ids.ObjectId]string),
		numBytesAvailable:        numBytesAvailable,
		restoreFromSpill:         restore,
		peerPull:                 peerPull,
		backoffBase:              10 * time.Second,
		backoffCap:               160 * time.Second,
	}
}

// Pull enqueues a bundle and returns its request id plus the subset of
// objects not already known to the manager, i.e. those the caller must
// still subscribe to the object directory for (spec §4.5 Pull).
func (m *Manager) Pull(refs []ids.ObjectId) (requestId string, needsLookup []ids.ObjectId) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRequestId++
	requestId = requestIdString(m.nextRequestId)

	for _, obj := range refs {
		if _, ok := m.objectPullRequests[obj]; !ok {
			m.objectPullRequests[obj] = &objectState{locations: make(map[ids.NodeId]struct{})}
			needsLookup = append(needsLookup, obj)
		}
		if _, dup := m.bundleOf[obj]; !dup {
			m.bundleOf[obj] = requestId
		}
	}
	m.pullBundles = append(m.pullBundles, bundle{requestId: requestId, objects: refs})
	m.recomputeActiveLocked()
	return requestId, needsLookup
}

// CancelPull removes a bundle and returns the object ids no longer
// referenced by any remaining active bundle, so the caller can unsubscribe
// from the object directory (spec §4.5 CancelPull).
func (m *Manager) CancelPull(requestId string) []ids.ObjectId {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removedObjs []ids.ObjectId
	kept := m.pullBundles[:0]
	for _, b := range m.pullBundles {
		if b.requestId == requestId {
			removedObjs = append(removedObjs, b.objects...)
			continue
		}
		kept = append(kept, b)
	}
	m.pullBundles = kept

	stillNeeded := make(map[ids.ObjectId]struct{})
	for _, b := range m.pullBundles {
		for _, o := range b.objects {
			stillNeeded[o] = struct{}{}
		}
	}

	var toCancel []ids.ObjectId
	for _, o := range removedObjs {
		if _, still := stillNeeded[o]; still {
			continue
		}
		delete(m.objectPullRequests, o)
		delete(m.activeObjectPullRequests, o)
		delete(m.bundleOf, o)
		toCancel = append(toCancel, o)
	}
	m.recomputeActiveLocked()
	return toCancel
}

// OnLocationChange updates known locations/size for obj (spec §4.5); may
// deactivate the object if it is now local or would overflow the budget.
func (m *Manager) OnLocationChange(obj ids.ObjectId, nodes map[ids.NodeId]struct{}, spilledURL string, size int64, isLocal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.objectPullRequests[obj]
	if !ok {
		return
	}
	st.locations = nodes
	st.spilledURL = spilledURL
	st.size = size
	st.local = isLocal
	m.recomputeActiveLocked()
}

// UpdatePullsBasedOnAvailableMemory recomputes the active set under a new
// budget using greedy FIFO admission over pull_bundles, all-or-nothing per
// bundle (spec §4.5).
func (m *Manager) UpdatePullsBasedOnAvailableMemory(bytes int64) {
	m.mu.Lock()
	m.numBytesAvailable = bytes
	m.recomputeActiveLocked()
	m.mu.Unlock()
}

func (m *Manager) recomputeActiveLocked() {
	newActive := make(map[ids.ObjectId]struct{})
	var used int64
	for _, b := range m.pullBundles {
		var bundleBytes int64
		eligible := true
		for _, o := range b.objects {
			st, ok := m.objectPullRequests[o]
			if !ok || st.local {
				continue // already local: doesn't count against the budget
			}
			if st.size == 0 && len(st.locations) == 0 && st.spilledURL == "" {
				eligible = false // no location or size reported yet: size unknown
			}
			bundleBytes += st.size
		}
		if used+bundleBytes > m.numBytesAvailable {
			eligible = false
		}
		if !eligible {
			continue // FIFO: a bundle that doesn't fit blocks nothing behind it from being tried
		}
		used += bundleBytes
		for _, o := range b.objects {
			if st, ok := m.objectPullRequests[o]; ok && !st.local {
				newActive[o] = struct{}{}
			}
		}
	}
	m.activeObjectPullRequests = newActive
	m.activeBytes = used
}

// ActiveBytes reports the current total size of active_object_pull_requests
// (spec §8 invariant 3 "never exceed num_bytes_available").
func (m *Manager) ActiveBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeBytes
}

func (m *Manager) ActiveObjects() []ids.ObjectId {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ids.ObjectId, 0, len(m.activeObjectPullRequests))
	for o := range m.activeObjectPullRequests {
		out = append(out, o)
	}
	return out
}

// Tick retries each active object with no known local copy whose last
// attempt has aged past its exponential backoff (spec §4.5 Tick).
func (m *Manager) Tick(ctx context.Context) error {
	now := time.Now()
	var toRetry []ids.ObjectId
	m.mu.Lock()
	for obj := range m.activeObjectPullRequests {
		st := m.objectPullRequests[obj]
		if st == nil || st.local {
			continue
		}
		backoff := m.backoffBase << uint(st.numTries)
		if backoff > m.backoffCap || backoff <= 0 {
			backoff = m.backoffCap
		}
		if st.numTries == 0 || now.Sub(st.lastAttempt) >= backoff {
			toRetry = append(toRetry, obj)
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, obj := range toRetry {
		obj := obj
		g.Go(func() error { return m.retryOne(gctx, obj) })
	}
	return g.Wait()
}

func (m *Manager) retryOne(ctx context.Context, obj ids.ObjectId) error {
	m.mu.Lock()
	st := m.objectPullRequests[obj]
	if st == nil {
		m.mu.Unlock()
		return nil
	}
	st.lastAttempt = time.Now()
	st.numTries++
	spilledURL := st.spilledURL
	var nodes []ids.NodeId
	for n := range st.locations {
		nodes = append(nodes, n)
	}
	m.mu.Unlock()

	if spilledURL != "" && m.restoreFromSpill != nil {
		if m.restoreFromSpill(obj, spilledURL) {
			return nil
		}
		nlog.Warningln("pull-manager: restore-from-spill failed, falling back to peer pull", obj.String())
	}
	if len(nodes) == 0 || m.peerPull == nil {
		return nil
	}
	node := nodes[rand.Intn(len(nodes))]
	return m.peerPull(ctx, obj, node)
}

func requestIdString(n int64) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append(buf, digits[n%int64(len(digits))])
		n /= int64(len(digits))
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return "req-" + string(buf)
}
