// Command plasma-store is the object-store process entrypoint: it hosts
// ObjectStore (C2) and CreateRequestQueue (C3) behind the §6 "object store
// socket", a Unix-domain socket framed with the transport package.
//
// The real plasma protocol hands the client a shared-memory mapping to
// write object bytes into directly; that IPC layer is out of this
// exercise's scope (spec §1 puts the gRPC/shared-memory wire plumbing out
// of scope, "beyond the envelope shape"). This socket instead carries the
// object bytes inline in the CreateRequest/GetRequest frames themselves,
// so Create+write+Seal happen as a single round trip rather than the
// real protocol's create-then-mmap-then-seal sequence.
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ray-project/raylet-go/cmn"
	"github.com/ray-project/raylet-go/cmn/debugsrv"
	"github.com/ray-project/raylet-go/cmn/metrics"
	"github.com/ray-project/raylet-go/cmn/nlog"
	"github.com/ray-project/raylet-go/ids"
	"github.com/ray-project/raylet-go/objectstore"
	"github.com/ray-project/raylet-go/objectstore/createqueue"
	"github.com/ray-project/raylet-go/spillstore"
	"github.com/ray-project/raylet-go/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	var (
		socketPath = flag.String("socket", "/tmp/ray-plasma.sock", "path of the object store Unix-domain socket")
		capacity   = flag.Int64("capacity", 1<<30, "object store capacity in bytes")
		debugAddr  = flag.String("debug-addr", ":9091", "address for the /statusz and /metricz endpoints")
	)
	flag.Parse()

	cmn.GCO.Put(cmn.DefaultConfig())

	store := objectstore.New(cmn.GCO.Get(), *capacity)
	queue := createqueue.New(false)
	metricsReg := metrics.NewRegistry()

	queue.SetSpillObjectsCallback(func(numBytes int64) (int64, bool) {
		freed := store.Evict(numBytes)
		return freed, freed > 0
	})
	queue.SetGlobalGCHook(func() {
		nlog.Infoln("plasma-store: global GC requested, evicting proactively")
		store.Evict(*capacity / 10)
	})

	var backend spillstore.Backend
	if s3, err := spillstore.NewS3Backend(context.Background()); err != nil {
		nlog.Warningln("plasma-store: S3 spill backend unavailable, falling back to local disk:", err)
		local, lerr := spillstore.NewLocalBackend(cmn.GCO.Get().Spill.LocalDir)
		if lerr != nil {
			nlog.Warningln("plasma-store: local spill backend unavailable, running without spill:", lerr)
		} else {
			backend = local
		}
	} else {
		backend = s3
	}
	if backend != nil {
		spillstore.WireSpillCallback(store, backend, func(id ids.ObjectId) ([]byte, []byte, error) {
			bufs, err := store.Get([]ids.ObjectId{id}, 0)
			if err != nil {
				return nil, nil, err
			}
			if bufs[0] == nil {
				return nil, nil, cmn.NewErr(cmn.KindKeyError, "spill read: not found "+id.String())
			}
			data := append([]byte(nil), bufs[0].Data...)
			meta := append([]byte(nil), bufs[0].Metadata...)
			store.Release(id)
			return data, meta, nil
		})
	}

	if recovered, err := spillstore.RebuildIndex(cmn.GCO.Get().Spill.LocalDir); err != nil {
		nlog.Warningln("plasma-store: spill index scan:", err)
	} else {
		for _, r := range recovered {
			store.RegisterRecoveredSpill(r.Id, r.URL, r.TotalSize)
		}
		if len(recovered) > 0 {
			nlog.Infoln("plasma-store: recovered", len(recovered), "spilled objects from", cmn.GCO.Get().Spill.LocalDir)
		}
	}

	h := &handler{store: store, queue: queue}
	store.Subscribe(h.broadcastSealed)

	listener, err := net.Listen("unix", *socketPath)
	if err != nil {
		nlog.Errorln("plasma-store: listen on", *socketPath, ":", err)
		os.Exit(1)
	}
	defer os.Remove(*socketPath)

	srv := debugsrv.New(*debugAddr, func() string {
		return fmt.Sprintf("socket=%s capacity=%d\n", *socketPath, *capacity)
	})
	go func() {
		if err := srv.Serve(); err != nil {
			nlog.Errorln("plasma-store: debug server:", err)
		}
	}()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				nlog.Warningln("plasma-store: accept:", err)
				return
			}
			go h.handleConn(conn)
		}
	}()

	metricsDone := make(chan struct{})
	go reportMetrics(metricsDone, store, metricsReg)

	nlog.Infoln("plasma-store: listening on", *socketPath)
	waitForShutdown()
	close(metricsDone)
	nlog.Infoln("plasma-store: shutting down")
	listener.Close()
	h.closeSubscribers()
}

// reportMetrics refreshes the object-store gauges off the store's own
// counters, since they change on every Create/Seal/Evict and a push-on-
// mutation hook would complicate the hot path for no operator benefit.
func reportMetrics(done <-chan struct{}, store *objectstore.Store, reg *metrics.Registry) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			reg.ObjectStoreBytes.Set(float64(store.InUseBytes()))
			reg.ObjectStoreCount.Set(float64(store.ObjectCount()))
		}
	}
}

// handler dispatches framed object-store-socket requests against the one
// Store/Queue pair this process owns, and fans out MsgObjectInfoNotify to
// every connection that sent MsgPlasmaSubscribeRequest (spec §4.1 Seal
// "publishes an object-added notification").
type handler struct {
	store *objectstore.Store
	queue *createqueue.Queue

	mu          sync.Mutex
	subscribers map[*connWriter]struct{}
}

// connWriter serializes writes to one connection, since unsolicited
// ObjectInfoNotify pushes can race with in-flight request replies.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *connWriter) write(typ transport.MessageType, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return transport.WriteMessage(c.conn, typ, payload)
}

func (h *handler) handleConn(conn net.Conn) {
	cw := &connWriter{conn: conn}
	defer func() {
		conn.Close()
		h.queue.RemoveDisconnectedClientRequests(cw)
		h.mu.Lock()
		delete(h.subscribers, cw)
		h.mu.Unlock()
	}()

	for {
		typ, payload, err := transport.ReadMessage(conn)
		if err != nil {
			return
		}
		reply, replyErr := h.dispatch(cw, typ, payload)
		if replyErr != nil {
			nlog.Warningln("plasma-store: handling", typ.String(), ":", replyErr)
		}
		if reply != nil {
			if err := cw.write(typ, reply); err != nil {
				return
			}
		}
	}
}

func (h *handler) dispatch(cw *connWriter, typ transport.MessageType, payload []byte) ([]byte, error) {
	switch typ {
	case transport.MsgPlasmaCreateRequest:
		return h.handleCreate(cw, payload)
	case transport.MsgPlasmaGetRequest:
		return h.handleGet(payload)
	case transport.MsgPlasmaReleaseRequest:
		return h.handleRelease(payload)
	case transport.MsgPlasmaEvictRequest:
		return h.handleEvict(payload)
	case transport.MsgPlasmaWaitRequest:
		return h.handleWait(payload)
	case transport.MsgPlasmaSubscribeRequest:
		h.mu.Lock()
		if h.subscribers == nil {
			h.subscribers = make(map[*connWriter]struct{})
		}
		h.subscribers[cw] = struct{}{}
		h.mu.Unlock()
		return json.Marshal(struct{ Error string }{})
	default:
		return json.Marshal(struct{ Error string }{Error: "unhandled message type " + typ.String()})
	}
}

type createReq struct {
	Id           string
	DataSize     int64
	MetadataSize int64
	Data         []byte
	Metadata     []byte
	EvictIfFull  bool
}

type createResp struct {
	Id    string
	Hash  uint64
	Error string
}

func (h *handler) handleCreate(cw *connWriter, payload []byte) ([]byte, error) {
	var req createReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return json.Marshal(createResp{Error: err.Error()})
	}
	id, err := parseObjectId(req.Id)
	if err != nil {
		return json.Marshal(createResp{Id: req.Id, Error: err.Error()})
	}

	buf, err := h.queue.TryRequestImmediately(cw, func(evictIfFull bool) (*objectstore.Buffer, error) {
		return h.store.Create(id, req.DataSize, req.MetadataSize, evictIfFull || req.EvictIfFull, cw)
	})
	if err != nil {
		return json.Marshal(createResp{Id: req.Id, Error: err.Error()})
	}
	copy(buf.Data, req.Data)
	copy(buf.Metadata, req.Metadata)
	if err := h.store.Seal(id); err != nil {
		return json.Marshal(createResp{Id: req.Id, Error: err.Error()})
	}
	info, _, _ := h.store.Entry(id)
	return json.Marshal(createResp{Id: req.Id, Hash: info.Hash})
}

type getReq struct {
	Ids           []string
	TimeoutMillis int64
}

type getResult struct {
	Id       string
	Found    bool
	Data     []byte
	Metadata []byte
}

type getResp struct {
	Results []getResult
	Error   string
}

func (h *handler) handleGet(payload []byte) ([]byte, error) {
	var req getReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return json.Marshal(getResp{Error: err.Error()})
	}
	objIds := make([]ids.ObjectId, len(req.Ids))
	for i, s := range req.Ids {
		id, err := parseObjectId(s)
		if err != nil {
			return json.Marshal(getResp{Error: err.Error()})
		}
		objIds[i] = id
	}
	bufs, err := h.store.Get(objIds, time.Duration(req.TimeoutMillis)*time.Millisecond)
	if err != nil {
		return json.Marshal(getResp{Error: err.Error()})
	}
	results := make([]getResult, len(bufs))
	for i, b := range bufs {
		if b == nil {
			results[i] = getResult{Id: req.Ids[i]}
			continue
		}
		results[i] = getResult{Id: req.Ids[i], Found: true, Data: b.Data, Metadata: b.Metadata}
	}
	return json.Marshal(getResp{Results: results})
}

type releaseReq struct{ Ids []string }

func (h *handler) handleRelease(payload []byte) ([]byte, error) {
	var req releaseReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return json.Marshal(struct{ Error string }{Error: err.Error()})
	}
	for _, s := range req.Ids {
		id, err := parseObjectId(s)
		if err != nil {
			continue
		}
		h.store.Release(id)
	}
	return json.Marshal(struct{ Error string }{})
}

type evictReq struct{ NumBytes int64 }
type evictResp struct{ Freed int64 }

func (h *handler) handleEvict(payload []byte) ([]byte, error) {
	var req evictReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return json.Marshal(evictResp{})
	}
	freed := h.store.Evict(req.NumBytes)
	return json.Marshal(evictResp{Freed: freed})
}

type waitReq struct {
	Ids           []string
	NumRequired   int
	TimeoutMillis int64
}

type waitResp struct{ Ready []string }

func (h *handler) handleWait(payload []byte) ([]byte, error) {
	var req waitReq
	if err := json.Unmarshal(payload, &req); err != nil {
		return json.Marshal(waitResp{})
	}
	deadline := time.Now().Add(time.Duration(req.TimeoutMillis) * time.Millisecond)
	for {
		var ready []string
		for _, s := range req.Ids {
			id, err := parseObjectId(s)
			if err != nil {
				continue
			}
			if _, state, found := h.store.Entry(id); found && state == objectstore.Sealed {
				ready = append(ready, s)
			}
		}
		if len(ready) >= req.NumRequired || time.Now().After(deadline) {
			return json.Marshal(waitResp{Ready: ready})
		}
		time.Sleep(time.Millisecond)
	}
}

type objectInfoNotify struct {
	Id           string
	DataSize     int64
	MetadataSize int64
	Hash         uint64
}

func (h *handler) broadcastSealed(info objectstore.ObjectInfo) {
	payload, err := json.Marshal(objectInfoNotify{
		Id: info.Id.String(), DataSize: info.DataSize, MetadataSize: info.MetadataSize, Hash: info.Hash,
	})
	if err != nil {
		return
	}
	h.mu.Lock()
	subs := make([]*connWriter, 0, len(h.subscribers))
	for cw := range h.subscribers {
		subs = append(subs, cw)
	}
	h.mu.Unlock()
	for _, cw := range subs {
		_ = cw.write(transport.MsgObjectInfoNotify, payload)
	}
}

func (h *handler) closeSubscribers() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cw := range h.subscribers {
		cw.conn.Close()
	}
}

func parseObjectId(s string) (ids.ObjectId, error) {
	var id ids.ObjectId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("plasma-store: invalid object id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("plasma-store: object id %q is %d bytes, want %d", s, len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
