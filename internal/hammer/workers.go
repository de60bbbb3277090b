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
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"
)

// OpTime records one operation's round-trip, fed to the analyser.
type OpTime struct {
	Write    bool
	SentAt   time.Time
	Duration time.Duration
}

// Worker is anything the pools can run and kill.
type Worker interface {
	Run(ctx context.Context)
	Kill()
}

// KeyWriter SETs sequential keys against the target collection, recording
// round-trip samples.
type KeyWriter struct {
	client   *Client
	next     *atomic.Uint64
	throttle *Throttle
	errChan  chan<- error
	sampleCh chan<- OpTime
	cancel   func()
}

// NewKeyWriter creates a writer. next is shared across all writers so keys
// never collide, and doubles as the readers' upper bound.
func NewKeyWriter(addr string, next *atomic.Uint64, throttle *Throttle, errChan chan<- error, sampleCh chan<- OpTime) *KeyWriter {
	return &KeyWriter{
		client:   NewClient(addr),
		next:     next,
		throttle: throttle,
		errChan:  errChan,
		sampleCh: sampleCh,
	}
}

// Run writes until killed. This should be called in a goroutine.
func (w *KeyWriter) Run(ctx context.Context) {
	if w.cancel != nil {
		panic("KeyWriter was run multiple times")
	}
	ctx, w.cancel = context.WithCancel(ctx)
	defer w.client.Close()
	for {
		if err := w.throttle.Wait(ctx); err != nil {
			return
		}
		n := w.next.Add(1) - 1
		line := fmt.Sprintf("SET key-%d %d;", n, n)
		start := time.Now()
		resp, err := w.client.Do(line)
		if err != nil {
			w.errChan <- fmt.Errorf("write key-%d: %w", n, err)
			continue
		}
		if len(resp) != 1 || !strings.Contains(resp[0], "SET") {
			w.errChan <- fmt.Errorf("write key-%d: unexpected response %v", n, resp)
			continue
		}
		sample := OpTime{Write: true, SentAt: start, Duration: time.Since(start)}
		select {
		case w.sampleCh <- sample:
		default:
		}
		klog.V(2).Infof("Wrote key-%d", n)
	}
}

// Kill stops the writer at the next opportune moment.
func (w *KeyWriter) Kill() {
	if w.cancel != nil {
		w.cancel()
	}
}

// KeyReader GETs random already-written keys and verifies the response
// shape.
type KeyReader struct {
	client   *Client
	limit    *atomic.Uint64
	throttle *Throttle
	errChan  chan<- error
	sampleCh chan<- OpTime
	cancel   func()
}

// NewKeyReader creates a reader bounded by the writers' shared counter.
func NewKeyReader(addr string, limit *atomic.Uint64, throttle *Throttle, errChan chan<- error, sampleCh chan<- OpTime) *KeyReader {
	return &KeyReader{
		client:   NewClient(addr),
		limit:    limit,
		throttle: throttle,
		errChan:  errChan,
		sampleCh: sampleCh,
	}
}

// Run reads until killed. This should be called in a goroutine.
func (r *KeyReader) Run(ctx context.Context) {
	if r.cancel != nil {
		panic("KeyReader was run multiple times")
	}
	ctx, r.cancel = context.WithCancel(ctx)
	defer r.client.Close()
	for {
		if err := r.throttle.Wait(ctx); err != nil {
			return
		}
		max := r.limit.Load()
		if max == 0 {
			continue
		}
		n := rand.Uint64N(max)
		start := time.Now()
		resp, err := r.client.Do(fmt.Sprintf("GET key-%d;", n))
		if err != nil {
			r.errChan <- fmt.Errorf("read key-%d: %w", n, err)
			continue
		}
		if len(resp) != 1 || !strings.HasPrefix(resp[0], "IntData(") {
			r.errChan <- fmt.Errorf("read key-%d: unexpected response %v", n, resp)
			continue
		}
		sample := OpTime{SentAt: start, Duration: time.Since(start)}
		select {
		case r.sampleCh <- sample:
		default:
		}
	}
}

// Kill stops the reader at the next opportune moment.
func (r *KeyReader) Kill() {
	if r.cancel != nil {
		r.cancel()
	}
}
