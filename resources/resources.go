// Package resources implements the ResourceAccountant (spec §4.7, C8):
// fixed-point resource vectors, subset/superset arithmetic, and strict
// acquire/release bookkeeping per node.
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package resources

import (
	"fmt"
	"sync"

	"github.com/ray-project/raylet-go/cmn/debug"
	"github.com/ray-project/raylet-go/ids"
)

// FixedPoint is a 16-bit-fixed-point quantity with denominator 1024 (spec
// §4.7): Value holds the quantity scaled by scale so equality is exact
// integer comparison, never float comparison.
const scale = 1024

type FixedPoint int64

func FromFloat(f float64) FixedPoint {
	return FixedPoint(int64(f*scale + 0.5)) // round half-up, matching spec's serialization rule
}

func (f FixedPoint) Float64() float64 { return float64(f) / scale }

func (f FixedPoint) String() string { return fmt.Sprintf("%.3f", f.Float64()) }

// Vector maps resource name to fixed-point quantity.
type Vector map[string]FixedPoint

func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// IsSubset reports whether, for every name in a, b has at least as much
// (spec §4.7 is_subset).
func IsSubset(a, b Vector) bool {
	for name, need := range a {
		if b[name] < need {
			return false
		}
	}
	return true
}

// Add returns the union of names with per-name sums.
func Add(a, b Vector) Vector {
	out := make(Vector, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] += v
	}
	return out
}

// SubtractStrict mutates a in place, a -= b; fatal (debug.Assert) if any
// resulting quantity would go negative, per spec §4.7.
func SubtractStrict(a Vector, b Vector) {
	for name, need := range b {
		a[name] -= need
		debug.Assertf(a[name] >= 0, "resource %q went negative after subtract", name)
	}
}

// Node is one node's static capacity and currently available capacity.
type Node struct {
	mu     sync.Mutex
	Id     ids.NodeId
	static    Vector
	available Vector
}

func NewNode(id ids.NodeId, static Vector) *Node {
	return &Node{Id: id, static: static.Clone(), available: static.Clone()}
}

func (n *Node) Static() Vector {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.static.Clone()
}

func (n *Node) Available() Vector {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.available.Clone()
}

// Acquire atomically subset-checks then subtracts demand from available
// (spec §4.7 acquire). Returns false, leaving available untouched, when
// demand does not fit.
func (n *Node) Acquire(demand Vector) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !IsSubset(demand, n.available) {
		return false
	}
	SubtractStrict(n.available, demand)
	return true
}

// Release adds demand back to available, clamped by static capacity so
// bookkeeping drift after node loss / inconsistent accounting cannot push
// available above what the node actually has (spec §4.7 release).
func (n *Node) Release(demand Vector) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for name, qty := range demand {
		n.available[name] += qty
		if cap, ok := n.static[name]; ok && n.available[name] > cap {
			n.available[name] = cap
		}
	}
}

// Invariant1 checks spec §8 invariant 1 for testing: available + held ==
// static, component-wise, given the set of currently-held demands.
func Invariant1(n *Node, held []Vector) bool {
	n.mu.Lock()
	avail := n.available.Clone()
	static := n.static.Clone()
	n.mu.Unlock()
	sum := avail.Clone()
	for _, h := range held {
		sum = Add(sum, h)
	}
	for name, want := range static {
		if sum[name] != want {
			return false
		}
	}
	return true
}
