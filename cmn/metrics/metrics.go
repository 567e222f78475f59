// Package metrics is the lightweight self-instrumentation every component
// carries (queue depths, resource utilization, bytes used), exposed on the
// node manager's /metricz endpoint rather than the out-of-scope external
// profiling sink (spec §1/§6). Grounded on the teacher's XactTCB/XactTCObjs
// atomic counter fields (cmn/atomic.Int64/Int32), generalized to proper
// prometheus gauges/counters since this spec's metrics are externally
// scraped, not just in-process atomics.
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every gauge/counter the node manager and object store
// processes publish. One Registry per process, registered against
// prometheus.DefaultRegisterer at construction.
type Registry struct {
	TasksToSchedule  *prometheus.GaugeVec
	TasksToDispatch  *prometheus.GaugeVec
	WaitingTasks     prometheus.Gauge
	ObjectStoreBytes prometheus.Gauge
	ObjectStoreCount prometheus.Gauge
	PullsActive      prometheus.Gauge
	Spillbacks       prometheus.Counter
	Reconstructions  prometheus.Counter
	WorkersIdle      prometheus.Gauge
	WorkersLeased    prometheus.Gauge
}

// NewRegistry constructs and registers every metric under the ray_raylet_
// namespace.
func NewRegistry() *Registry {
	r := &Registry{
		TasksToSchedule: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ray_raylet",
			Name:      "tasks_to_schedule",
			Help:      "Tasks currently queued for scheduling, by scheduling class.",
		}, []string{"class"}),
		TasksToDispatch: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ray_raylet",
			Name:      "tasks_to_dispatch",
			Help:      "Tasks scheduled locally and waiting for a worker, by scheduling class.",
		}, []string{"class"}),
		WaitingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ray_raylet",
			Name:      "waiting_tasks",
			Help:      "Tasks blocked on missing arguments.",
		}),
		ObjectStoreBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ray_raylet",
			Name:      "object_store_bytes_used",
			Help:      "Bytes currently in use in the local object store.",
		}),
		ObjectStoreCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ray_raylet",
			Name:      "object_store_object_count",
			Help:      "Objects currently tracked by the local object store.",
		}),
		PullsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ray_raylet",
			Name:      "pulls_active",
			Help:      "Objects currently admitted for pulling.",
		}),
		Spillbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ray_raylet",
			Name:      "spillbacks_total",
			Help:      "Tasks forwarded to another node (spillback).",
		}),
		Reconstructions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ray_raylet",
			Name:      "reconstructions_total",
			Help:      "Task re-executions triggered by the reconstruction policy.",
		}),
		WorkersIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ray_raylet",
			Name:      "workers_idle",
			Help:      "Idle workers in the pool.",
		}),
		WorkersLeased: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ray_raylet",
			Name:      "workers_leased",
			Help:      "Workers currently leased to a task.",
		}),
	}
	prometheus.MustRegister(
		r.TasksToSchedule, r.TasksToDispatch, r.WaitingTasks,
		r.ObjectStoreBytes, r.ObjectStoreCount, r.PullsActive,
		r.Spillbacks, r.Reconstructions, r.WorkersIdle, r.WorkersLeased,
	)
	return r
}
