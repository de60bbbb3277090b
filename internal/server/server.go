// Copyright 2025 The LokiKV authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server accepts LokiQL over TCP and drives the periodic
// checkpoint and cluster jobs.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"k8s.io/klog/v2"

	lokikv "github.com/lokikv-dev/lokikv"
	"github.com/lokikv-dev/lokikv/internal/checkpoint"
	"github.com/lokikv-dev/lokikv/internal/cluster"
	"github.com/lokikv-dev/lokikv/internal/query"
	"github.com/lokikv-dev/lokikv/internal/store"
)

// Sentinel terminates every response; it is the sole framing on the wire.
const Sentinel = "<END_OF_RESPONSE>\n"

var (
	meter          = otel.Meter("lokikv/server")
	requestCounter metric.Int64Counter
	requestLatency metric.Float64Histogram
)

func init() {
	var err error
	requestCounter, err = meter.Int64Counter("lokikv_requests_total", metric.WithDescription("Number of LokiQL requests served"))
	if err != nil {
		klog.Exitf("Failed to create request counter: %v", err)
	}
	requestLatency, err = meter.Float64Histogram("lokikv_request_seconds", metric.WithDescription("LokiQL request latency"), metric.WithUnit("s"))
	if err != nil {
		klog.Exitf("Failed to create request histogram: %v", err)
	}
}

// Server owns the TCP accept loop and the periodic jobs of one node.
type Server struct {
	addr string
	opts *lokikv.ServeOptions

	// mu is the engine's reader/writer coordinator: readers share it,
	// every mutation holds it exclusively for one WAL-append-plus-apply.
	mu     sync.RWMutex
	engine *store.Engine
	exec   *query.Executor
	cp     *checkpoint.Checkpointer

	// cluster is nil when the node runs standalone.
	cluster *cluster.Manager

	// cache holds parsed programs keyed by request line. Parsed trees are
	// immutable, so cached hits are shared freely across connections.
	cache *lru.Cache[string, []*query.Node]

	ready chan struct{}
	bound net.Addr
}

// New assembles a server around an engine. cp and cl may be nil for
// checkpoint-less or standalone operation respectively.
func New(addr string, engine *store.Engine, cp *checkpoint.Checkpointer, cl *cluster.Manager, opts *lokikv.ServeOptions) (*Server, error) {
	cache, err := lru.New[string, []*query.Node](opts.ParseCacheSize())
	if err != nil {
		return nil, fmt.Errorf("failed to create parse cache: %v", err)
	}
	s := &Server{
		addr:    addr,
		opts:    opts,
		engine:  engine,
		cp:      cp,
		cluster: cl,
		cache:   cache,
		ready:   make(chan struct{}),
	}
	var cpHook func() error
	if cp != nil {
		cpHook = func() error { return cp.Run(engine) }
	}
	s.exec = query.NewExecutor(&s.mu, engine, cpHook)
	return s, nil
}

// Addr blocks until the listener is bound and returns its address. Useful
// when serving on an ephemeral port.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
		return s.bound, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Checkpoint snapshots the engine under the shared lock.
func (s *Server) Checkpoint() error {
	if s.cp == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cp.Run(s.engine)
}

// Serve binds the listener and blocks serving connections until ctx is
// cancelled. A bind failure is returned to the caller and is fatal.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind %q: %w", s.addr, err)
	}
	s.bound = ln.Addr()
	close(s.ready)
	klog.Infof("Serving LokiQL on %s", s.bound)

	sched, err := s.startJobs()
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if err := sched.Shutdown(); err != nil {
			klog.Warningf("Scheduler shutdown: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			klog.Errorf("Accept: %v", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

// startJobs schedules the checkpoint and cluster timers.
func (s *Server) startJobs() (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %v", err)
	}
	if s.cp != nil {
		if _, err := sched.NewJob(
			gocron.DurationJob(s.opts.CheckpointInterval()),
			gocron.NewTask(func() {
				if err := s.Checkpoint(); err != nil {
					klog.Errorf("Periodic checkpoint: %v", err)
				}
			}),
		); err != nil {
			return nil, fmt.Errorf("failed to schedule checkpoints: %v", err)
		}
	}
	if s.cluster != nil {
		if _, err := sched.NewJob(
			gocron.DurationJob(s.opts.PaxosInterval()),
			gocron.NewTask(func(ctx context.Context) { s.cluster.Round(ctx) }),
		); err != nil {
			return nil, fmt.Errorf("failed to schedule cluster rounds: %v", err)
		}
	}
	sched.Start()
	return sched, nil
}

// handle serves one connection: newline-terminated LokiQL requests in, one
// result line per command plus the sentinel out. A zero-byte read closes
// the session; command errors keep it open.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer func() {
		if err := conn.Close(); err != nil {
			klog.V(2).Infof("Close %v: %v", conn.RemoteAddr(), err)
		}
	}()
	klog.V(1).Infof("Session open from %v", conn.RemoteAddr())

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for ctx.Err() == nil {
		line, err := r.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				klog.V(1).Infof("Session %v read: %v", conn.RemoteAddr(), err)
			}
			return
		}
		start := time.Now()
		resp := s.respond(strings.TrimSpace(line))
		if _, err := w.WriteString(resp); err != nil {
			klog.V(1).Infof("Session %v write: %v", conn.RemoteAddr(), err)
			return
		}
		if err := w.Flush(); err != nil {
			klog.V(1).Infof("Session %v flush: %v", conn.RemoteAddr(), err)
			return
		}
		requestCounter.Add(ctx, 1)
		requestLatency.Record(ctx, time.Since(start).Seconds())
	}
}

// respond parses and executes one request line and renders the framed
// response. Parse errors are reported as a single line; the connection
// stays usable.
func (s *Server) respond(line string) string {
	var sb strings.Builder
	prog, err := s.parse(line)
	if err != nil {
		fmt.Fprintf(&sb, "ERROR: %v\n", err)
		sb.WriteString(Sentinel)
		return sb.String()
	}
	for _, v := range s.exec.Execute(prog) {
		sb.WriteString(v.String())
		sb.WriteByte('\n')
	}
	sb.WriteString(Sentinel)
	return sb.String()
}

func (s *Server) parse(line string) ([]*query.Node, error) {
	if prog, ok := s.cache.Get(line); ok {
		return prog, nil
	}
	prog, err := query.Parse(line)
	if err != nil {
		return nil, err
	}
	s.cache.Add(line, prog)
	return prog, nil
}
