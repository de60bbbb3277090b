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

// Package testonly provides shared fixtures for LokiKV tests.
package testonly

import (
	"path/filepath"
	"testing"

	"github.com/lokikv-dev/lokikv/internal/checkpoint"
	"github.com/lokikv-dev/lokikv/internal/control"
	"github.com/lokikv-dev/lokikv/internal/store"
	"github.com/lokikv-dev/lokikv/internal/wal"
)

// TestDB is an ephemeral single-node database rooted in a temp directory.
type TestDB struct {
	// Root is the directory holding the control file, WAL, and checkpoints.
	Root         string
	Control      *control.File
	WAL          *wal.Manager
	Engine       *store.Engine
	Checkpointer *checkpoint.Checkpointer
}

// NewTestDB creates a fully wired engine over a fresh temp directory, which
// the testing package removes after use. Reopen over the same Root to
// exercise recovery.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	return openTestDB(t, t.TempDir())
}

// Reopen builds a second database over db's directories, the way a
// restarted process would, and runs recovery with the given flavours.
func (db *TestDB) Reopen(t *testing.T, flavours checkpoint.LoadSpec) *TestDB {
	t.Helper()
	next := openTestDB(t, db.Root)
	if _, err := checkpoint.Recover(next.Control, next.WAL, next.Engine, flavours); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	return next
}

func openTestDB(t *testing.T, root string) *TestDB {
	t.Helper()
	path := filepath.Join(root, "lokikv.control")
	ctl, err := control.Read(path)
	if err != nil {
		ctl, err = control.Write(path, control.Document{
			WALDirectoryPath:        filepath.Join(root, "wal"),
			CheckpointDirectoryPath: filepath.Join(root, "checkpoints"),
			Hostname:                "localhost",
			Port:                    8765,
		})
		if err != nil {
			t.Fatalf("control.Write: %v", err)
		}
	}
	mgr := wal.New(ctl)
	return &TestDB{
		Root:         root,
		Control:      ctl,
		WAL:          mgr,
		Engine:       store.NewEngine(mgr),
		Checkpointer: checkpoint.New(ctl, mgr),
	}
}
