// Package debugsrv serves the minimal /statusz and /metricz operator
// endpoints off the node manager's own loop goroutine pool, independent of
// the raylet/object-store Unix-domain sockets that carry the actual
// protocol traffic (spec §6). Grounded on spec's "ambient instrumentation"
// DOMAIN STACK entry for valyala/fasthttp.
/*
 * Copyright (c) 2024, Ray-Temp Authors. All rights reserved.
 */
package debugsrv

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"

	"github.com/ray-project/raylet-go/cmn/nlog"
)

// StatusFn renders a short operator-facing summary (queue depths, worker
// counts) as plain text for /statusz.
type StatusFn func() string

// Server is a minimal fasthttp server exposing /statusz and /metricz.
type Server struct {
	addr   string
	status StatusFn
}

func New(addr string, status StatusFn) *Server {
	return &Server{addr: addr, status: status}
}

// Serve blocks, serving until the process exits or fasthttp.ListenAndServe
// returns an error (e.g. the listener was closed); callers typically run
// it in its own goroutine.
func (s *Server) Serve() error {
	nlog.Infoln("debugsrv: listening on", s.addr)
	return fasthttp.ListenAndServe(s.addr, s.handle)
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/statusz":
		ctx.SetContentType("text/plain; charset=utf-8")
		ctx.SetBodyString(s.status())
	case "/metricz":
		s.serveMetrics(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) serveMetrics(ctx *fasthttp.RequestCtx) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(err.Error())
		return
	}
	ctx.SetContentType(string(expfmt.FmtText))
	enc := expfmt.NewEncoder(ctx, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			nlog.Warningln("debugsrv: encode metric family:", err)
			return
		}
	}
}
