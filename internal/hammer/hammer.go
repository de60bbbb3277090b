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

package hammer

import (
	"context"
	"sync/atomic"
)

// Opts configures a Hammer.
type Opts struct {
	MaxReadOpsPerSecond  int
	MaxWriteOpsPerSecond int

	NumReaders int
	NumWriters int
}

// NewHammer wires reader and writer sessions against the node at addr,
// feeding samples and errors to the analyser's channels.
func NewHammer(addr string, a *Analyser, opts Opts) *Hammer {
	readThrottle := NewThrottle(opts.MaxReadOpsPerSecond)
	writeThrottle := NewThrottle(opts.MaxWriteOpsPerSecond)
	next := &atomic.Uint64{}

	h := &Hammer{
		opts:          opts,
		readThrottle:  readThrottle,
		writeThrottle: writeThrottle,
		written:       next,
	}
	h.readers.spawn = func() Worker {
		return NewKeyReader(addr, next, readThrottle, a.ErrChan, a.SampleChan)
	}
	h.writers.spawn = func() Worker {
		return NewKeyWriter(addr, next, writeThrottle, a.ErrChan, a.SampleChan)
	}
	return h
}

// Hammer coordinates the SET and GET sessions hitting one node. There are
// two load dimensions: the throttles cap operations per second, while the
// session counts control connection-level parallelism (every session is
// its own TCP connection into the server's accept loop). Interpreting the
// results lives in the Analyser.
type Hammer struct {
	opts          Opts
	readers       sessionPool
	writers       sessionPool
	readThrottle  *Throttle
	writeThrottle *Throttle
	written       *atomic.Uint64
}

// Run starts the configured sessions; they stop when ctx is cancelled.
func (h *Hammer) Run(ctx context.Context) {
	for range h.opts.NumReaders {
		h.readers.open(ctx)
	}
	for range h.opts.NumWriters {
		h.writers.open(ctx)
	}
}

// AddSessions opens one more reader and one more writer connection.
func (h *Hammer) AddSessions(ctx context.Context) {
	h.readers.open(ctx)
	h.writers.open(ctx)
}

// DropSessions closes the newest reader and writer connections.
func (h *Hammer) DropSessions() {
	h.readers.close()
	h.writers.close()
}

// ReadSessions returns the number of live GET sessions.
func (h *Hammer) ReadSessions() int { return len(h.readers.live) }

// WriteSessions returns the number of live SET sessions.
func (h *Hammer) WriteSessions() int { return len(h.writers.live) }

// Written returns the number of keys written so far.
func (h *Hammer) Written() uint64 { return h.written.Load() }

// sessionPool tracks the live sessions of one traffic kind. Each open
// session dials its own connection; close tears down the newest one so
// the original sessions run for the whole hammer lifetime.
type sessionPool struct {
	spawn func() Worker
	live  []Worker
}

func (p *sessionPool) open(ctx context.Context) {
	s := p.spawn()
	p.live = append(p.live, s)
	go s.Run(ctx)
}

func (p *sessionPool) close() {
	n := len(p.live)
	if n == 0 {
		return
	}
	p.live[n-1].Kill()
	p.live = p.live[:n-1]
}
