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

// Package control manages the control file: the durable metadata anchor
// tying WAL timelines, checkpoints, data directory paths, and cluster
// identity together.
//
// The document is YAML so operators can read and patch it by hand. A single
// process owns the file; concurrent access from multiple processes is
// undefined.
package control

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Document is the on-disk shape of the control file.
type Document struct {
	LastWALTimeline  uint64 `yaml:"last_wal_timeline"`
	LastCheckpointID uint64 `yaml:"last_checkpoint_id"`

	CheckpointDirectoryPath string `yaml:"checkpoint_directory_path"`
	WALDirectoryPath        string `yaml:"wal_directory_path"`

	SelfIdentifier *uint64 `yaml:"self_identifier,omitempty"`
	CurrentLeader  *uint64 `yaml:"current_leader,omitempty"`

	ListenAddr  string `yaml:"listen_addr,omitempty"`
	SendAddr    string `yaml:"send_addr,omitempty"`
	ConsumeAddr string `yaml:"consume_addr,omitempty"`

	// GossipTimeout and PaxosInterval are Go duration strings ("500ms").
	GossipTimeout             string `yaml:"gossip_timeout,omitempty"`
	PaxosInterval             string `yaml:"paxos_interval,omitempty"`
	CheckpointIntervalMinutes uint64 `yaml:"checkpoint_interval_minutes,omitempty"`

	Port     uint16 `yaml:"port,omitempty"`
	Hostname string `yaml:"hostname,omitempty"`
}

// File is an in-memory handle on the control file. All mutating operations
// persist before returning.
type File struct {
	mu   sync.Mutex
	path string
	doc  Document
}

// Write creates both data directories, persists the document at path
// (overwriting any prior file there), and returns a handle.
func Write(path string, doc Document) (*File, error) {
	for _, dir := range []string{doc.WALDirectoryPath, doc.CheckpointDirectoryPath} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, fmt.Errorf("failed to create data directory %q: %w", dir, err)
		}
	}
	f := &File{path: path, doc: doc}
	if err := f.persistLocked(); err != nil {
		return nil, err
	}
	return f, nil
}

// Read loads the control file at path. A missing file is an error; callers
// deciding between fresh-init and recovery check errors.Is(err,
// os.ErrNotExist), since the returned error wraps the os error.
func Read(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read control file: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("control file %q is corrupt: %v", path, err)
	}
	return &File{path: path, doc: doc}, nil
}

// persistLocked atomically rewrites the file. Callers hold mu, except during
// construction when the handle has not escaped yet.
func (f *File) persistLocked() error {
	raw, err := yaml.Marshal(f.doc)
	if err != nil {
		return fmt.Errorf("failed to marshal control document: %v", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, filePerm); err != nil {
		return fmt.Errorf("failed to write temp control file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move control file into place: %w", err)
	}
	return nil
}

// SetNewParams advances the WAL timeline and records the checkpoint which
// closed the previous one. Called by the WAL's dump once a checkpoint's
// pages are all on disk.
func (f *File) SetNewParams(checkpointID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doc.LastWALTimeline++
	f.doc.LastCheckpointID = checkpointID
	klog.V(1).Infof("Control: timeline -> %d, checkpoint -> %d", f.doc.LastWALTimeline, checkpointID)
	return f.persistLocked()
}

// AdvanceTimeline starts a fresh WAL timeline without recording a
// checkpoint. Called once per boot after replay.
func (f *File) AdvanceTimeline() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doc.LastWALTimeline++
	return f.persistLocked()
}

// SetLeader records the currently observed cluster leader.
func (f *File) SetLeader(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doc.CurrentLeader = &id
	return f.persistLocked()
}

// Timeline returns the active WAL timeline id.
func (f *File) Timeline() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc.LastWALTimeline
}

// CheckpointID returns the id of the last complete checkpoint.
func (f *File) CheckpointID() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc.LastCheckpointID
}

// WALDir returns the WAL directory path.
func (f *File) WALDir() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc.WALDirectoryPath
}

// CheckpointDir returns the checkpoint directory path.
func (f *File) CheckpointDir() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc.CheckpointDirectoryPath
}

// Identity returns this node's cluster identifier, if assigned.
func (f *File) Identity() (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.doc.SelfIdentifier == nil {
		return 0, false
	}
	return *f.doc.SelfIdentifier, true
}

// Leader returns the last recorded cluster leader, if any.
func (f *File) Leader() (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.doc.CurrentLeader == nil {
		return 0, false
	}
	return *f.doc.CurrentLeader, true
}

// Addrs returns the cluster listen, send, and consume addresses.
func (f *File) Addrs() (listen, send, consume string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc.ListenAddr, f.doc.SendAddr, f.doc.ConsumeAddr
}

// ServerAddr returns the TCP host:port clients connect to.
func (f *File) ServerAddr() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("%s:%d", f.doc.Hostname, f.doc.Port)
}

// GossipTimeout returns the per-message gossip read deadline, or def if the
// field is unset or unparseable.
func (f *File) GossipTimeout(def time.Duration) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return parseDuration(f.doc.GossipTimeout, def)
}

// PaxosInterval returns the cluster round cadence, or def if unset.
func (f *File) PaxosInterval(def time.Duration) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return parseDuration(f.doc.PaxosInterval, def)
}

// CheckpointInterval returns the checkpoint cadence, or def if unset.
func (f *File) CheckpointInterval(def time.Duration) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.doc.CheckpointIntervalMinutes == 0 {
		return def
	}
	return time.Duration(f.doc.CheckpointIntervalMinutes) * time.Minute
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		klog.Warningf("Control: unparseable duration %q, using %v", s, def)
		return def
	}
	return d
}
