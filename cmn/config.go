// Package cmn holds cluster-wide configuration, the global config owner
// (GCO) indirection, and the error-kind taxonomy consumed at every
// component boundary (spec §6 configuration, §7 error handling).
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package cmn

import (
	"sync/atomic"
	"time"
)

// Config collects every knob enumerated in spec §6, grouped by the
// subsystem that consumes it. Constructed once at process start and
// published through GCO; components never mutate it in place — a config
// reload builds a new *Config and swaps the pointer.
type Config struct {
	Protocol struct {
		RayProtocolVersion uint64
	}
	Heartbeat struct {
		TimeoutMillis   time.Duration
		NumTimeouts     int // node-death threshold, in heartbeats
	}
	Object struct {
		GetTimeoutMillis time.Duration
		ReleaseDelay     int // C2 deferred-release LRU depth
	}
	Worker struct {
		KillTimeoutMillis  time.Duration
		NumPerProcess      int
	}
	Lineage struct {
		MaxSize int
	}
	Scheduler struct {
		FetchTimeoutMillis          time.Duration
		ReconstructionTimeoutMillis time.Duration
		ForwardTaskRetryMillis      time.Duration
		SpillbackAllowedMinMillis   time.Duration
	}
	ObjectManager struct {
		PullTimeoutMillis   time.Duration
		PushTimeoutMillis   time.Duration
		DefaultChunkSize    int64
	}
	Actor struct {
		MaxTaskLeaseTimeoutMillis   time.Duration
		CreationNumSpillbacksWarn   int
	}
	Reconstruction struct {
		InitialTimeoutMillis time.Duration
	}
	Spill struct {
		Bucket        string
		Prefix        string
		UploadTimeout time.Duration
		LocalDir      string // fallback spill-to-disk directory, scanned at startup to rebuild the spilled-object index
	}
}

// DefaultConfig returns the §6 defaults.
func DefaultConfig() *Config {
	c := &Config{}
	c.Protocol.RayProtocolVersion = 1
	c.Heartbeat.TimeoutMillis = 100 * time.Millisecond
	c.Heartbeat.NumTimeouts = 300
	c.Object.GetTimeoutMillis = 1000 * time.Millisecond
	c.Object.ReleaseDelay = 64
	c.Worker.KillTimeoutMillis = 100 * time.Millisecond
	c.Worker.NumPerProcess = 1
	c.Lineage.MaxSize = 100
	c.Scheduler.FetchTimeoutMillis = 1000 * time.Millisecond
	c.Scheduler.ReconstructionTimeoutMillis = 1000 * time.Millisecond
	c.Scheduler.ForwardTaskRetryMillis = 1000 * time.Millisecond
	c.Scheduler.SpillbackAllowedMinMillis = 100 * time.Millisecond
	c.ObjectManager.PullTimeoutMillis = 10000 * time.Millisecond
	c.ObjectManager.PushTimeoutMillis = 10000 * time.Millisecond
	c.ObjectManager.DefaultChunkSize = 1 << 20
	c.Actor.MaxTaskLeaseTimeoutMillis = 60000 * time.Millisecond
	c.Actor.CreationNumSpillbacksWarn = 100
	c.Reconstruction.InitialTimeoutMillis = 10000 * time.Millisecond
	c.Spill.Bucket = "ray-spill"
	c.Spill.Prefix = "objects/"
	c.Spill.UploadTimeout = 30000 * time.Millisecond
	c.Spill.LocalDir = "/tmp/ray-spill"
	return c
}

// gco is the global config owner: a single atomic pointer swapped on
// reload, read via GCO.Get() everywhere else (mirrors cmn.GCO.Get() in the
// teacher's xact/xs/tcb.go).
type gco struct {
	p atomic.Pointer[Config]
}

func (g *gco) Get() *Config { return g.p.Load() }

func (g *gco) Put(c *Config) { g.p.Store(c) }

var GCO = &gco{}

func init() { GCO.Put(DefaultConfig()) }
