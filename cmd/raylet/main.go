// Command raylet is the node-manager process entrypoint: it owns the
// single-threaded scheduling core (C9-C11) plus the supporting directory,
// pull, reconstruction and GCS-client pieces, and hosts the operator
// /statusz and /metricz endpoints.
//
// The object store itself runs as the separate cmd/plasma-store process
// (spec §5 "The object store runs on its own thread with its own
// reactor"); this process talks to it only through the §6 socket
// protocol, which is out of this exercise's scope beyond the envelope
// shape (transport package).
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ray-project/raylet-go/actors"
	"github.com/ray-project/raylet-go/clusterscheduler"
	"github.com/ray-project/raylet-go/clustertask"
	"github.com/ray-project/raylet-go/cmn"
	"github.com/ray-project/raylet-go/cmn/debugsrv"
	"github.com/ray-project/raylet-go/cmn/metrics"
	"github.com/ray-project/raylet-go/cmn/nlog"
	"github.com/ray-project/raylet-go/gcs"
	"github.com/ray-project/raylet-go/ids"
	"github.com/ray-project/raylet-go/objectdirectory"
	"github.com/ray-project/raylet-go/pullmanager"
	"github.com/ray-project/raylet-go/reconstruction"
	"github.com/ray-project/raylet-go/resources"
	"github.com/ray-project/raylet-go/workerpool"
)

func main() {
	var (
		nodeIdHex   = flag.String("node-id", "", "hex-encoded 16-byte node id; random if empty")
		gcsPath     = flag.String("gcs-path", "raylet-gcs.db", "path to the embedded GCS database file")
		debugAddr   = flag.String("debug-addr", ":9090", "address for the /statusz and /metricz endpoints")
		numCPU      = flag.Float64("num-cpus", 4, "static CPU capacity advertised by this node")
	)
	flag.Parse()

	cmn.GCO.Put(cmn.DefaultConfig())
	cfg := cmn.GCO.Get()

	nodeId, err := parseOrRandomNodeId(*nodeIdHex)
	if err != nil {
		nlog.Errorln("raylet: invalid -node-id:", err)
		os.Exit(1)
	}

	gcsClient, err := gcs.Open(*gcsPath)
	if err != nil {
		nlog.Errorln("raylet: open gcs:", err)
		os.Exit(1)
	}
	defer gcsClient.Close()

	node := resources.NewNode(nodeId, resources.Vector{"CPU": resources.FromFloat(*numCPU)})

	reg := objectdirectory.NewInProcessRegistry()
	directory := objectdirectory.NewOwnershipDirectory(reg, singleNodeLiveness{})
	reg.Register(nodeId.String(), directory)

	metricsReg := metrics.NewRegistry()

	pulls := pullmanager.New(1<<30,
		func(ids.ObjectId, string) bool { return false }, // single-process: nothing is ever spilled remotely yet
		func(_ context.Context, _ ids.ObjectId, _ ids.NodeId) error {
			return cmn.NewErr(cmn.KindIOError, "raylet: no peer nodes configured")
		})

	// Policy.Tick runs once per runBackgroundTickers tick (every 100ms), so
	// the configured timeout is converted into a tick count.
	recon := reconstruction.New(nodeId, int(cfg.Reconstruction.InitialTimeoutMillis/(100*time.Millisecond)), gcsClient,
		func(taskId ids.TaskId) {
			nlog.Infoln("raylet: reconstruction triggered for", taskId.String())
			// Re-dispatch belongs to whatever owns the task's original
			// submission (C13 CoreWorker or a remote owner via §6
			// ForwardTaskRetryMillis); this single-process entrypoint has
			// no remote owner to call back into, so it only logs.
			metricsReg.Reconstructions.Inc()
		})

	scheduler := clusterscheduler.New(clusterscheduler.LocalityCapacityPolicy{})

	pool := workerpool.New(
		map[workerpool.Language]int{workerpool.LangPython: 4},
		cfg.Worker.KillTimeoutMillis,
		signingKeyFromEnv(),
		func(workerpool.Language) error {
			return cmn.NewErr(cmn.KindNotImplemented, "raylet: worker process spawning is out of scope")
		},
		nil,
		func(worker ids.WorkerId, midTask ids.TaskId, intentional bool) {
			nlog.Warningln("raylet: worker", worker.String(), "disconnected mid-task", midTask.String(), "intentional:", intentional)
		},
	)

	taskMgr := clustertask.New(nodeId, scheduler, func(ids.NodeId, []ids.ObjectId) int64 { return 0 },
		func(_ *clustertask.Task, _ ids.NodeId) error {
			return cmn.NewErr(cmn.KindIOError, "raylet: no peer nodes configured for spillback")
		},
		func(t *clustertask.Task) {},
		func(task *clustertask.Task, worker *workerpool.Record) {
			nlog.Infoln("raylet: dispatching", task.TaskId.String(), "to worker", worker.WorkerId.String())
		},
	)

	actorMgr := actors.New(func(actorId ids.ActorId, taskId ids.TaskId) {
		nlog.Infoln("raylet: dispatching actor task", taskId.String(), "to actor", actorId.String())
	})
	_ = actorMgr

	srv := debugsrv.New(*debugAddr, func() string {
		return fmt.Sprintf("node_id=%s pool_size=%d static=%v\n", nodeId.String(), pool.PoolSize(), node.Static())
	})
	go func() {
		if err := srv.Serve(); err != nil {
			nlog.Errorln("raylet: debug server:", err)
		}
	}()

	shutdownCh := make(chan struct{})
	go runBackgroundTickers(shutdownCh, pulls, recon, metricsReg, taskMgr, pool, node)

	nlog.Infoln("raylet: node manager started, node_id=", nodeId.String())
	waitForShutdown()
	close(shutdownCh)
	nlog.Infoln("raylet: shutting down")
	pool.Drain()
}

// runBackgroundTickers drives the periodic, non-blocking housekeeping work
// that has no natural caller elsewhere in this single-process entrypoint:
// retrying admitted pulls (C6), detecting lost objects that need
// reconstruction (C7), advancing the scheduler's three queues against the
// one node this process owns (C11), and refreshing the operator-facing
// gauges.
func runBackgroundTickers(done <-chan struct{}, pulls *pullmanager.Manager, recon *reconstruction.Policy,
	metricsReg *metrics.Registry, taskMgr *clustertask.Manager, pool *workerpool.Pool, node *resources.Node) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := pulls.Tick(ctx); err != nil {
				nlog.Warningln("raylet: pull tick:", err)
			}
			recon.Tick(func(ids.ObjectId) ids.TaskId { return ids.TaskId{} })
			taskMgr.SchedulePendingTasks([]clusterscheduler.NodeView{
				{NodeId: node.Id, Static: node.Static(), Available: node.Available()},
			})
			taskMgr.DispatchScheduledTasksToWorkers(pool, node)
			metricsReg.PullsActive.Set(float64(len(pulls.ActiveObjects())))
		}
	}
}

type singleNodeLiveness struct{}

func (singleNodeLiveness) IsLive(ids.NodeId) bool { return true }

func parseOrRandomNodeId(hexStr string) (ids.NodeId, error) {
	var n ids.NodeId
	if hexStr == "" {
		if _, err := rand.Read(n[:]); err != nil {
			return n, err
		}
		return n, nil
	}
	if len(hexStr) != len(n)*2 {
		return n, fmt.Errorf("expected %d hex chars, got %d", len(n)*2, len(hexStr))
	}
	if _, err := hex.Decode(n[:], []byte(hexStr)); err != nil {
		return n, err
	}
	return n, nil
}

func signingKeyFromEnv() []byte {
	if k := os.Getenv("RAYLET_WORKER_SIGNING_KEY"); k != "" {
		return []byte(k)
	}
	return []byte("dev-only-insecure-signing-key")
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
