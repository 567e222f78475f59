// Package gcs implements the logical GCS tables of spec §6 on top of an
// embedded, indexed KV store (github.com/tidwall/buntdb), with
// github.com/json-iterator/go for row encoding. A production deployment
// would back these operations with a replicated store; this module only
// consumes their logical contract (spec §6 "whatever the storage, the
// core consumes these operations").
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package gcs

import (
	"fmt"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/ray-project/raylet-go/cmn"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client wraps one buntdb handle and implements every §6 logical table on
// top of simple key conventions ("/"-joined prefixes such as
// job/<jobId>/task/<taskId>, with by_job, by_actor and by_task buntdb
// indexes for prefix scans such as "every row for job X").
type Client struct {
	db *buntdb.DB
	mu sync.Mutex // not locked by any method; conditional appends rely on buntdb's own transaction serialization
}

// Open creates an in-memory (path ":memory:") or file-backed GCS client.
func Open(path string) (*Client, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, cmn.NewErrWrap(cmn.KindGCSError, "open gcs store", err)
	}
	c := &Client{db: db}
	c.createIndexes()
	return c, nil
}

func (c *Client) createIndexes() {
	_ = c.db.CreateIndex("by_job", "job/*", buntdb.IndexString)
	_ = c.db.CreateIndex("by_actor", "job/*/actor/*", buntdb.IndexString)
	_ = c.db.CreateIndex("by_task", "job/*/task/*", buntdb.IndexString)
}

func (c *Client) Close() error { return c.db.Close() }

// actorKey and taskKey nest under the owning job so JobDelete's cascade
// (below) can find them by prefix; a worker process outlives any one job
// (it is a node-level resource leased across jobs over its lifetime), so
// workerKey is deliberately not job-scoped and does not cascade.
func jobKey(jobId string) string           { return "job/" + jobId }
func actorKey(jobId, actorId string) string { return "job/" + jobId + "/actor/" + actorId }
func taskKey(jobId, taskId string) string   { return "job/" + jobId + "/task/" + taskId }
func leaseKey(taskId string) string        { return "lease/" + taskId }
func objectLocKey(objId string) string      { return "objloc/" + objId }
func workerKey(workerId string) string     { return "worker/" + workerId }
func profileKey(nodeId, seq string) string { return "profile/" + nodeId + "/" + seq }
func checkpointKey(actorId, cpId string) string {
	return "ckpt/" + actorId + "/" + cpId
}
func checkpointIdKey(actorId string) string { return "ckptid/" + actorId }

// reconstructionKey builds the conditional-append slot: one winner per
// (taskId, attemptIndex), per spec §4.6/§6 TaskReconstructionTable.
func reconstructionKey(taskId string, attemptIndex int) string {
	return fmt.Sprintf("reconstruction/%s/%d", taskId, attemptIndex)
}

// --- JobTable ---

func (c *Client) JobPut(jobId string, data []byte) error {
	return c.set(jobKey(jobId), data)
}

func (c *Client) JobGet(jobId string) ([]byte, bool, error) {
	return c.get(jobKey(jobId))
}

// JobDelete cascades to every row nested under the job's key prefix (spec
// §6 "DeleteByJobId cascades to the per-job rows in other tables"): the
// job row itself plus every job/<id>/task/* and job/<id>/actor/* row
// actorKey/taskKey produced.
func (c *Client) JobDelete(jobId string) error {
	root := jobKey(jobId)
	nested := root + "/"
	return c.db.Update(func(tx *buntdb.Tx) error {
		var toDelete []string
		_ = tx.Ascend("", func(key, _ string) bool {
			if key == root || strings.HasPrefix(key, nested) {
				toDelete = append(toDelete, key)
			}
			return true
		})
		for _, k := range toDelete {
			if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

// --- ActorTable ---

type ActorState int

const (
	ActorAlive ActorState = iota
	ActorReconstructing
	ActorDead
)

func (c *Client) ActorRegister(jobId, actorId string, data []byte) error {
	return c.set(actorKey(jobId, actorId), data)
}

func (c *Client) ActorUpdate(jobId, actorId string, data []byte) error {
	return c.set(actorKey(jobId, actorId), data)
}

func (c *Client) ActorGet(jobId, actorId string) ([]byte, bool, error) {
	return c.get(actorKey(jobId, actorId))
}

// --- TaskTable ---

func (c *Client) TaskAdd(jobId, taskId string, data []byte) error {
	return c.set(taskKey(jobId, taskId), data)
}
func (c *Client) TaskGet(jobId, taskId string) ([]byte, bool, error) {
	return c.get(taskKey(jobId, taskId))
}
func (c *Client) TaskDelete(jobId, taskId string) error { return c.del(taskKey(jobId, taskId)) }

// --- TaskLeaseTable ---

func (c *Client) AddTaskLease(taskId string, data []byte, ttlSeconds int) error {
	return c.db.Update(func(tx *buntdb.Tx) error {
		opts := &buntdb.SetOptions{Expires: ttlSeconds > 0, TTL: secondsToDuration(ttlSeconds)}
		_, _, err := tx.Set(leaseKey(taskId), string(data), opts)
		return err
	})
}

// --- TaskReconstructionTable ---

// AppendReconstruction is the conditional-append-at-index primitive (spec
// §4.6/§6): it writes record only if no row exists yet at
// (taskId, attemptIndex), returning won=true iff this call created it.
// This is the core of single-winner reconstruction (spec §8 invariant 5).
func (c *Client) AppendReconstruction(taskId string, attemptIndex int, record []byte) (won bool, err error) {
	key := reconstructionKey(taskId, attemptIndex)
	err = c.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(key); err == nil {
			won = false
			return nil
		} else if err != buntdb.ErrNotFound {
			return err
		}
		_, _, serr := tx.Set(key, string(record), nil)
		if serr != nil {
			return serr
		}
		won = true
		return nil
	})
	if err != nil {
		return false, cmn.NewErrWrap(cmn.KindGCSError, "append reconstruction", err)
	}
	return won, nil
}

// --- ObjectTable ---

func (c *Client) ObjectAppendLocation(objId, nodeId string) error {
	key := objectLocKey(objId)
	return c.db.Update(func(tx *buntdb.Tx) error {
		existing, _ := tx.Get(key)
		set := splitCSV(existing)
		set[nodeId] = struct{}{}
		_, _, err := tx.Set(key, joinCSV(set), nil)
		return err
	})
}

func (c *Client) ObjectRemoveLocation(objId, nodeId string) error {
	key := objectLocKey(objId)
	return c.db.Update(func(tx *buntdb.Tx) error {
		existing, err := tx.Get(key)
		if err != nil {
			return nil
		}
		set := splitCSV(existing)
		delete(set, nodeId)
		_, _, serr := tx.Set(key, joinCSV(set), nil)
		return serr
	})
}

func (c *Client) ObjectLocations(objId string) ([]string, error) {
	val, ok, err := c.get(objectLocKey(objId))
	if err != nil || !ok {
		return nil, err
	}
	set := splitCSV(string(val))
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out, nil
}

// --- WorkerTable ---

func (c *Client) WorkerRegister(workerId string, data []byte) error {
	return c.set(workerKey(workerId), data)
}
func (c *Client) WorkerGet(workerId string) ([]byte, bool, error) { return c.get(workerKey(workerId)) }
func (c *Client) WorkerAddInfo(workerId string, data []byte) error {
	return c.set(workerKey(workerId), data)
}

// --- ProfileTable ---

func (c *Client) ProfileAdd(nodeId, seq string, data []byte) error {
	return c.set(profileKey(nodeId, seq), data)
}

// --- ActorCheckpointTable / ActorCheckpointIdTable ---

func (c *Client) CheckpointPut(actorId, checkpointId string, data []byte) error {
	return c.set(checkpointKey(actorId, checkpointId), data)
}
func (c *Client) CheckpointIdPut(actorId string, data []byte) error {
	return c.set(checkpointIdKey(actorId), data)
}

// --- small helpers over the raw KV surface ---

func (c *Client) set(key string, data []byte) error {
	return c.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(data), nil)
		return err
	})
}

func (c *Client) get(key string) ([]byte, bool, error) {
	var val string
	err := c.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if err == buntdb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cmn.NewErrWrap(cmn.KindGCSError, "get "+key, err)
	}
	return []byte(val), true, nil
}

func (c *Client) del(key string) error {
	return c.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func splitCSV(s string) map[string]struct{} {
	out := make(map[string]struct{})
	if s == "" {
		return out
	}
	for _, part := range strings.Split(s, ",") {
		if part != "" {
			out[part] = struct{}{}
		}
	}
	return out
}

func joinCSV(set map[string]struct{}) string {
	parts := make([]string, 0, len(set))
	for k := range set {
		parts = append(parts, k)
	}
	return strings.Join(parts, ",")
}
