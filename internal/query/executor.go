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

package query

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	lokikv "github.com/lokikv-dev/lokikv"
	"github.com/lokikv-dev/lokikv/internal/hll"
	"github.com/lokikv-dev/lokikv/internal/store"
)

// Executor runs parsed command trees against an engine under the shared
// reader/writer coordinator.
//
// Read-only commands hold the shared side; each mutation holds the
// exclusive side for exactly one WAL-append-plus-apply, so the at-most-one-
// writer ordering covers the durability point.
type Executor struct {
	mu     *sync.RWMutex
	engine *store.Engine

	// checkpoint is invoked by PERSIST under the shared lock. May be nil.
	checkpoint func() error
	// exit terminates the process on SHUTDOWN; swapped out by tests.
	exit func(code int)
}

// NewExecutor returns an executor over engine guarded by mu. checkpoint may
// be nil when no checkpointer is wired (e.g. ephemeral test engines).
func NewExecutor(mu *sync.RWMutex, engine *store.Engine, checkpoint func() error) *Executor {
	return &Executor{
		mu:         mu,
		engine:     engine,
		checkpoint: checkpoint,
		exit:       os.Exit,
	}
}

// Execute runs every command of a parsed program in order, returning one
// result Value per command. Errors are scoped to their command: they
// surface as an ERROR output line and later commands still run.
func (x *Executor) Execute(prog []*Node) []lokikv.Value {
	results := make([]lokikv.Value, 0, len(prog))
	for _, n := range prog {
		v, err := x.execute(n)
		if err != nil {
			klog.V(1).Infof("Command failed: %v", err)
			v = lokikv.OutputString(fmt.Sprintf("ERROR: %v", err))
		}
		results = append(results, v)
	}
	return results
}

func (x *Executor) execute(n *Node) (lokikv.Value, error) {
	switch n.Cmd {
	case CmdSet:
		x.mu.Lock()
		defer x.mu.Unlock()
		if err := x.engine.Put(n.Key(), n.Value()); err != nil {
			return lokikv.Value{}, err
		}
		return lokikv.OutputString("SET"), nil

	case CmdGet:
		x.mu.RLock()
		defer x.mu.RUnlock()
		v, ok := x.engine.Get(n.Key())
		if !ok {
			return lokikv.Value{}, fmt.Errorf("key %q: %w", n.Key(), lokikv.ErrNotFound)
		}
		return v, nil

	case CmdIncr:
		x.mu.Lock()
		defer x.mu.Unlock()
		if err := x.engine.Incr(n.Key()); err != nil {
			return lokikv.Value{}, err
		}
		return lokikv.OutputString("INCR"), nil

	case CmdDecr:
		x.mu.Lock()
		defer x.mu.Unlock()
		if err := x.engine.Decr(n.Key()); err != nil {
			return lokikv.Value{}, err
		}
		return lokikv.OutputString("DECR"), nil

	case CmdAddHLL:
		item := n.Value()
		if item.Kind() != lokikv.KindString {
			return lokikv.Value{}, fmt.Errorf("ADDHLL takes a string item: %w", lokikv.ErrTypeMismatch)
		}
		x.mu.Lock()
		defer x.mu.Unlock()
		cur, ok := x.engine.Get(n.Key())
		if !ok {
			sketch := hll.New()
			sketch.Add(item.Str())
			if err := x.engine.Put(n.Key(), lokikv.HLLData(sketch)); err != nil {
				return lokikv.Value{}, err
			}
			return lokikv.OutputString("ADDHLL"), nil
		}
		if cur.Kind() != lokikv.KindHLL {
			return lokikv.Value{}, fmt.Errorf("key %q holds %s: %w", n.Key(), cur, lokikv.ErrTypeMismatch)
		}
		cur.HLL().Add(item.Str())
		return lokikv.OutputString("ADDHLL"), nil

	case CmdCountHLL:
		x.mu.RLock()
		defer x.mu.RUnlock()
		v, ok := x.engine.Get(n.Key())
		if !ok {
			return lokikv.Value{}, fmt.Errorf("key %q: %w", n.Key(), lokikv.ErrNotFound)
		}
		if v.Kind() != lokikv.KindHLL {
			return lokikv.Value{}, fmt.Errorf("key %q holds %s: %w", n.Key(), v, lokikv.ErrTypeMismatch)
		}
		return lokikv.DecimalData(v.HLL().Count()), nil

	case CmdCreateHCol, CmdCreateBCol, CmdCreateBCust:
		flavour, banner := store.FlavourHash, "CREATE CUSTOM H-MAP COLLECTION"
		switch n.Cmd {
		case CmdCreateBCol:
			flavour, banner = store.FlavourOrdered, "CREATE B-TREE MAP COLLECTION"
		case CmdCreateBCust:
			flavour, banner = store.FlavourCustomBTree, "CREATE CUSTOM B-TREE MAP COLLECTION"
		}
		x.mu.Lock()
		defer x.mu.Unlock()
		if err := x.engine.CreateCollection(n.Key(), flavour); err != nil {
			return lokikv.Value{}, err
		}
		return lokikv.OutputString(banner), nil

	case CmdSelCol:
		x.mu.Lock()
		defer x.mu.Unlock()
		if err := x.engine.SelectCollection(n.Key()); err != nil {
			return lokikv.Value{}, err
		}
		return lokikv.OutputString("SELECT COLUMN"), nil

	case CmdDisplay:
		x.mu.RLock()
		defer x.mu.RUnlock()
		return lokikv.OutputString(x.engine.Display()), nil

	case CmdCurColName:
		x.mu.RLock()
		defer x.mu.RUnlock()
		return lokikv.OutputString(x.engine.CurrentName()), nil

	case CmdListColNames:
		x.mu.RLock()
		defer x.mu.RUnlock()
		var sb strings.Builder
		for _, name := range x.engine.Names() {
			sb.WriteString(name)
			sb.WriteByte('\n')
		}
		return lokikv.OutputString(sb.String()), nil

	case CmdPersist:
		if x.checkpoint == nil {
			return lokikv.Value{}, fmt.Errorf("no checkpointer configured")
		}
		// The checkpointer reads collection snapshots; shared access is
		// enough and concurrent readers stay unblocked.
		x.mu.RLock()
		defer x.mu.RUnlock()
		klog.Infof("PERSIST requested for collection %q", n.Key())
		if err := x.checkpoint(); err != nil {
			return lokikv.Value{}, &lokikv.DurabilityError{Op: "checkpoint", Err: err}
		}
		return lokikv.OutputString("PERSIST"), nil

	case CmdShutdown:
		klog.Warning("SHUTDOWN requested by client")
		x.exit(1)
		return lokikv.OutputString("SHUTDOWN"), nil
	}
	return lokikv.Value{}, fmt.Errorf("unhandled command %d", n.Cmd)
}
