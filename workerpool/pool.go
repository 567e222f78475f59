// Package workerpool implements WorkerPool (spec §4.8, component C9): the
// state machine a worker process passes through from connection to exit,
// and the pool-level register/lease/return/disconnect/drain operations,
// grounded on original_source/src/raylet/LsResources.h's pool_ field and
// local_scheduler.cc's AddWorker/RemoveWorker/PopWorker call sites.
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package workerpool

import (
	"encoding/hex"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/ray-project/raylet-go/cmn"
	"github.com/ray-project/raylet-go/cmn/debug"
	"github.com/ray-project/raylet-go/cmn/nlog"
	"github.com/ray-project/raylet-go/ids"
)

// State is a worker's position in the spec §4.8 state machine.
type State int

const (
	Starting State = iota
	Registered
	Idle
	Leased
	Pinned // actor worker bound to its actor after actor-creation completes
	Dead
)

func (s State) String() string {
	switch s {
	case Starting:
		return "Starting"
	case Registered:
		return "Registered"
	case Idle:
		return "Idle"
	case Leased:
		return "Leased"
	case Pinned:
		return "Pinned"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// Language mirrors the multi-language worker pools the spec's pop_idle
// filters on (spec §4.8 "Idle worker of the given language").
type Language int

const (
	LangPython Language = iota
	LangJava
	LangCpp
)

// Record is one pool-managed worker.
type Record struct {
	WorkerId   ids.WorkerId
	Lang       Language
	State      State
	LeasedTask ids.TaskId
	ActorId    ids.ActorId // non-nil once Pinned
	startedAt  time.Time
}

// DisconnectHandler is invoked with the task that was mid-flight (if any)
// so the caller can mark it Failed with the right §4.3 exit marker (spec
// §4.8 disconnect: "an IntentionalSystemExit or UnexpectedSystemExit
// marker so that waiters wake deterministically").
type DisconnectHandler func(worker ids.WorkerId, midTask ids.TaskId, intentional bool)

// StartWorkerFn launches a new worker process of the given language; the
// pool does not block on it (spec §4.8 Startup policy).
type StartWorkerFn func(lang Language) error

// SignalFn delivers a Unix-style signal to a worker process during drain.
type SignalFn func(worker ids.WorkerId, sigkill bool)

// registrationClaims is the handshake token a newly-forked worker presents
// on connect, binding it to the node manager that spawned it.
type registrationClaims struct {
	jwt.RegisteredClaims
	WorkerId string `json:"wid"`
}

// Pool is WorkerPool (C9).
type Pool struct {
	mu      sync.Mutex
	workers map[ids.WorkerId]*Record

	targetIdle       map[Language]int
	killTimeout      time.Duration
	signingKey       []byte
	onDisconnect     DisconnectHandler
	startWorker      StartWorkerFn
	signal           SignalFn
	returnedCallback func(worker ids.WorkerId)
}

func New(targetIdle map[Language]int, killTimeout time.Duration, signingKey []byte,
	start StartWorkerFn, signal SignalFn, onDisconnect DisconnectHandler) *Pool {
	return &Pool{
		workers:      make(map[ids.WorkerId]*Record),
		targetIdle:   targetIdle,
		killTimeout:  killTimeout,
		signingKey:   signingKey,
		startWorker:  start,
		signal:       signal,
		onDisconnect: onDisconnect,
	}
}

// IssueRegistrationToken signs a handshake token a spawned worker process
// must present to register_worker, binding it to this node manager.
func (p *Pool) IssueRegistrationToken(worker ids.WorkerId) (string, error) {
	claims := registrationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(30 * time.Second)),
		},
		WorkerId: worker.String(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(p.signingKey)
}

// VerifyRegistrationToken validates a presented token and extracts the
// worker id it was issued for.
func (p *Pool) VerifyRegistrationToken(token string) (ids.WorkerId, error) {
	var claims registrationClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return p.signingKey, nil
	})
	if err != nil {
		return ids.WorkerId{}, cmn.NewErrWrap(cmn.KindInvalid, "registration token", err)
	}
	raw, err := hex.DecodeString(claims.WorkerId)
	if err != nil {
		return ids.WorkerId{}, cmn.NewErrWrap(cmn.KindInvalid, "registration token: malformed worker id", err)
	}
	var w ids.WorkerId
	copy(w[:], raw)
	return w, nil
}

// RegisterWorker transitions Starting -> Registered -> Idle (spec §4.8
// register_worker).
func (p *Pool) RegisterWorker(worker ids.WorkerId, lang Language) *Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := &Record{WorkerId: worker, Lang: lang, State: Idle, startedAt: time.Now()}
	p.workers[worker] = rec
	nlog.Infoln("workerpool: registered", worker.String())
	return rec
}

// PopIdle returns an Idle worker of the given language, or nil (spec §4.8
// pop_idle).
func (p *Pool) PopIdle(lang Language) *Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.workers {
		if rec.State == Idle && rec.Lang == lang {
			return rec
		}
	}
	if p.startWorker != nil {
		_ = p.startWorker(lang) // fire-and-forget; dispatch caller does not block (spec §4.8 Startup policy)
	}
	return nil
}

// Lease marks worker Leased and records the task id (spec §4.8 lease).
func (p *Pool) Lease(worker ids.WorkerId, task ids.TaskId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.workers[worker]
	debug.Assert(ok, "lease: unknown worker")
	rec.State = Leased
	rec.LeasedTask = task
}

// ReturnWorker moves worker back to Idle, or to Pinned if it just finished
// an actor-creation task (spec §4.8 return_worker / §4.10 dispatch
// triggers on return).
func (p *Pool) ReturnWorker(worker ids.WorkerId, pinnedActor ids.ActorId) {
	p.mu.Lock()
	rec, ok := p.workers[worker]
	if !ok {
		p.mu.Unlock()
		return
	}
	rec.LeasedTask = ids.TaskId{}
	if !pinnedActor.IsNil() {
		rec.State = Pinned
		rec.ActorId = pinnedActor
	} else {
		rec.State = Idle
	}
	cb := p.returnedCallback
	p.mu.Unlock()
	if cb != nil {
		cb(worker)
	}
}

// OnReturn registers the hook that triggers §4.11 dispatch on worker
// return.
func (p *Pool) OnReturn(cb func(worker ids.WorkerId)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.returnedCallback = cb
}

// Disconnect terminates worker and, if it was mid-task, reports that task
// as failed with the right exit marker (spec §4.8 disconnect).
func (p *Pool) Disconnect(worker ids.WorkerId, intentional bool) {
	p.mu.Lock()
	rec, ok := p.workers[worker]
	if !ok {
		p.mu.Unlock()
		return
	}
	midTask := rec.LeasedTask
	rec.State = Dead
	delete(p.workers, worker)
	p.mu.Unlock()
	if !midTask.IsNil() && p.onDisconnect != nil {
		p.onDisconnect(worker, midTask, intentional)
	}
}

// Drain sends SIGTERM to every live worker, escalating to SIGKILL after
// killTimeout elapses (spec §4.8 drain).
func (p *Pool) Drain() {
	if p.signal == nil {
		return
	}
	p.mu.Lock()
	live := p.liveWorkerIdsLocked()
	p.mu.Unlock()

	for _, id := range live {
		p.signal(id, false)
	}
	if p.killTimeout <= 0 {
		return
	}
	go func(deadline time.Duration, targets []ids.WorkerId) {
		time.Sleep(deadline)
		p.mu.Lock()
		stillLive := make([]ids.WorkerId, 0, len(targets))
		for _, id := range targets {
			if rec, ok := p.workers[id]; ok && rec.State != Dead {
				stillLive = append(stillLive, id)
			}
		}
		p.mu.Unlock()
		for _, id := range stillLive {
			p.signal(id, true)
		}
	}(p.killTimeout, live)
}

func (p *Pool) liveWorkerIdsLocked() []ids.WorkerId {
	out := make([]ids.WorkerId, 0, len(p.workers))
	for id, rec := range p.workers {
		if rec.State != Dead {
			out = append(out, id)
		}
	}
	return out
}

// PoolSize reports the number of non-dead workers currently tracked.
func (p *Pool) PoolSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, rec := range p.workers {
		if rec.State != Dead {
			n++
		}
	}
	return n
}

func (p *Pool) Get(worker ids.WorkerId) (*Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.workers[worker]
	return rec, ok
}
