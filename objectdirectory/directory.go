// Package objectdirectory implements the ObjectDirectory (spec §4.4,
// component C5): it maps object id to the set of nodes holding a copy and
// publishes add/remove events to subscribers.
//
// Grounded on original_source/src/ray/object_manager/object_directory.cc
// (interface) and
// original_source/src/ray/object_manager/ownership_based_object_directory.cc
// (the ownership-based variant implemented here).
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package objectdirectory

import (
	"github.com/ray-project/raylet-go/ids"
)

// ObjectInfo is the minimal per-object metadata the directory needs beyond
// the location set (size for budget decisions in pullmanager, spill url
// when the only remaining copy is external).
type ObjectInfo struct {
	Size       int64
	SpilledURL string
}

// LocationsCallback is invoked on every change to an object's location
// set, in delivery order (spec §5 "monotonically consistent per object").
type LocationsCallback func(nodes map[ids.NodeId]struct{}, info ObjectInfo)

// Directory is the C5 interface (spec §4.4); OwnershipDirectory is its
// only implementation in this package.
type Directory interface {
	ReportObjectAdded(obj ids.ObjectId, node ids.NodeId, info ObjectInfo)
	ReportObjectRemoved(obj ids.ObjectId, node ids.NodeId)
	SubscribeObjectLocations(callbackId string, obj ids.ObjectId, ownerAddr string, onLocations LocationsCallback) error
	UnsubscribeObjectLocations(callbackId string, obj ids.ObjectId)
	LookupLocations(obj ids.ObjectId, ownerAddr string, onLocations LocationsCallback) error
}

// LiveNodes answers "is this node currently live", used to filter stale
// entries out of every delivered location set (spec §4.4 "Dead-node
// filtering").
type LiveNodes interface {
	IsLive(ids.NodeId) bool
}
