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

// Package lokikv provides the value model and serving options for the LokiKV
// networked key-value database.
package lokikv

import "time"

const (
	// DefaultCheckpointInterval is used by the server if no
	// WithCheckpointInterval option is provided.
	DefaultCheckpointInterval = 2 * time.Minute
	// DefaultPaxosInterval is the cadence of cluster gossip/replication
	// rounds if no WithPaxosInterval option is provided.
	DefaultPaxosInterval = 5 * time.Second
	// DefaultGossipTimeout bounds each blocking read during a gossip
	// consumption window.
	DefaultGossipTimeout = 500 * time.Millisecond
	// DefaultParseCacheSize is the number of parsed query programs the
	// server keeps in its LRU.
	DefaultParseCacheSize = 256
)

// ServeOptions holds optional settings for a LokiKV server instance.
//
// Use NewServeOptions and the With* builders; the zero value is not valid.
type ServeOptions struct {
	checkpointInterval time.Duration
	paxosInterval      time.Duration
	gossipTimeout      time.Duration
	parseCacheSize     int
}

// NewServeOptions creates a ServeOptions with defaults applied.
func NewServeOptions() *ServeOptions {
	return &ServeOptions{
		checkpointInterval: DefaultCheckpointInterval,
		paxosInterval:      DefaultPaxosInterval,
		gossipTimeout:      DefaultGossipTimeout,
		parseCacheSize:     DefaultParseCacheSize,
	}
}

// CheckpointInterval returns the configured checkpoint cadence.
func (o *ServeOptions) CheckpointInterval() time.Duration { return o.checkpointInterval }

// PaxosInterval returns the configured cluster round cadence.
func (o *ServeOptions) PaxosInterval() time.Duration { return o.paxosInterval }

// GossipTimeout returns the per-message gossip read deadline.
func (o *ServeOptions) GossipTimeout() time.Duration { return o.gossipTimeout }

// ParseCacheSize returns the size of the server's parsed-query LRU.
func (o *ServeOptions) ParseCacheSize() int { return o.parseCacheSize }

// WithCheckpointInterval configures how frequently the server snapshots
// collection state to page files.
//
// Checkpoints bound recovery time: everything up to the last complete
// checkpoint is loaded from pages, and only the WAL tail after it is
// replayed. More frequent checkpoints cost more I/O for faster recovery.
func (o *ServeOptions) WithCheckpointInterval(d time.Duration) *ServeOptions {
	o.checkpointInterval = d
	return o
}

// WithPaxosInterval configures the cadence of gossip and replication rounds.
func (o *ServeOptions) WithPaxosInterval(d time.Duration) *ServeOptions {
	o.paxosInterval = d
	return o
}

// WithGossipTimeout configures the per-message timeout used while draining
// gossip datagrams. On timeout the consumption window ends gracefully.
func (o *ServeOptions) WithGossipTimeout(d time.Duration) *ServeOptions {
	o.gossipTimeout = d
	return o
}

// WithParseCacheSize configures the server's parsed-query LRU size.
func (o *ServeOptions) WithParseCacheSize(n int) *ServeOptions {
	o.parseCacheSize = n
	return o
}
