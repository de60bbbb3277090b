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

// Package checkpoint snapshots collection state into page files and
// reconstructs it at boot.
//
// A checkpoint is only considered complete once the control file's
// last_checkpoint_id has advanced, which happens after every page is on disk
// and the WAL has dumped; a crash mid-checkpoint leaves a partial directory
// which recovery never reads.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/lokikv-dev/lokikv/api/layout"
	"github.com/lokikv-dev/lokikv/internal/control"
	"github.com/lokikv-dev/lokikv/internal/store"
	"github.com/lokikv-dev/lokikv/internal/wal"
	"github.com/lokikv-dev/lokikv/internal/wire"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Checkpointer writes checkpoints for one engine.
type Checkpointer struct {
	ctl *control.File
	wal *wal.Manager
}

// New returns a checkpointer recording progress in ctl and closing WAL
// timelines through mgr.
func New(ctl *control.File, mgr *wal.Manager) *Checkpointer {
	return &Checkpointer{ctl: ctl, wal: mgr}
}

// Run snapshots every non-empty collection of e into page files and then
// closes the active WAL timeline. The caller must hold at least a read lock
// on the engine for the duration.
func (c *Checkpointer) Run(e *store.Engine) error {
	cpID := c.ctl.CheckpointID() + 1
	klog.V(1).Infof("Checkpoint %d starting", cpID)

	// Snapshot pairs inline; page encoding and file writes can then proceed
	// per collection in parallel.
	type job struct {
		name  string
		pairs []store.Pair
	}
	var jobs []job
	err := e.ForEach(func(name string, col store.Collection) error {
		pairs := col.Pairs()
		// HLL sketches are memory-only; everything else pages out.
		kept := pairs[:0]
		for _, p := range pairs {
			if wire.Encodable(p.Value) {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			return nil
		}
		jobs = append(jobs, job{name: name, pairs: kept})
		return nil
	})
	if err != nil {
		return err
	}

	g := errgroup.Group{}
	for _, j := range jobs {
		g.Go(func() error {
			return c.writeCollection(cpID, j.name, j.pairs)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("checkpoint %d: %w", cpID, err)
	}

	if err := c.wal.DumpRecords(cpID); err != nil {
		return fmt.Errorf("checkpoint %d: %w", cpID, err)
	}
	klog.Infof("Checkpoint %d complete (%d collections)", cpID, len(jobs))
	return nil
}

// writeCollection emits one collection's pairs as a run of page files, each
// holding at most layout.PageMaxPairs pairs, numbered in emission order so
// their concatenation preserves the collection's iteration order.
func (c *Checkpointer) writeCollection(cpID uint64, name string, pairs []store.Pair) error {
	dir := filepath.Join(c.ctl.CheckpointDir(), layout.CollectionDir(cpID, name))
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create page directory %q: %w", dir, err)
	}

	seq := uint64(0)
	for start := 0; start < len(pairs); start += layout.PageMaxPairs {
		end := min(start+layout.PageMaxPairs, len(pairs))
		page := make([]wire.Pair, 0, end-start)
		for _, p := range pairs[start:end] {
			page = append(page, wire.Pair{Key: p.Key, Value: p.Value})
		}
		raw, err := wire.EncodePage(page)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, layout.ChunkFile(seq))
		if err := overwrite(path, raw); err != nil {
			return err
		}
		klog.V(2).Infof("Checkpoint %d: wrote %s (%d pairs)", cpID, path, len(page))
		seq++
	}
	return nil
}

// overwrite atomically replaces the file at p with the provided data. A
// retried checkpoint after a crash may legitimately rewrite a partial
// directory's files with fresher content.
func overwrite(p string, d []byte) error {
	dir, f := filepath.Split(p)
	tmpF, err := os.CreateTemp(dir, f+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %v", err)
	}
	tmpName := tmpF.Name()
	if err := tmpF.Chmod(filePerm); err != nil {
		_ = tmpF.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %v", err)
	}
	if _, err := tmpF.Write(d); err != nil {
		_ = tmpF.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("unable to write data to temporary file: %v", err)
	}
	if err := tmpF.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temporary file: %v", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to move temp file into target location %q: %v", p, err)
	}
	return nil
}
