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
	"sync"

	"golang.org/x/time/rate"
)

// Throttle caps worker operations per second, adjustable at runtime from
// the TUI.
type Throttle struct {
	mu           sync.Mutex
	opsPerSecond int
	limiter      *rate.Limiter
}

func NewThrottle(opsPerSecond int) *Throttle {
	return &Throttle{
		opsPerSecond: opsPerSecond,
		limiter:      rate.NewLimiter(rate.Limit(opsPerSecond), opsPerSecond),
	}
}

// Wait blocks until the next operation may proceed.
func (t *Throttle) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Increase raises the cap by 10% (at least 1 op/s).
func (t *Throttle) Increase() {
	t.mu.Lock()
	defer t.mu.Unlock()
	delta := t.opsPerSecond / 10
	if delta < 1 {
		delta = 1
	}
	t.opsPerSecond += delta
	t.limiter.SetLimit(rate.Limit(t.opsPerSecond))
	t.limiter.SetBurst(t.opsPerSecond)
}

// Decrease lowers the cap by 10%, bottoming out at 1 op/s.
func (t *Throttle) Decrease() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.opsPerSecond <= 1 {
		return
	}
	delta := t.opsPerSecond / 10
	if delta < 1 {
		delta = 1
	}
	t.opsPerSecond -= delta
	t.limiter.SetLimit(rate.Limit(t.opsPerSecond))
	t.limiter.SetBurst(t.opsPerSecond)
}

func (t *Throttle) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("Current max: %d/s", t.opsPerSecond)
}
