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

// Package layout contains routines for specifying the on-disk layout of a
// LokiKV data directory: WAL timeline files, checkpoint page files, and the
// directories which group them.
//
// The layout is a public contract; recovery on any node must be able to read
// the files written by any other.
package layout

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// WALSuffix is the file extension of WAL timeline files.
	WALSuffix = ".wal"
	// PageSuffix is the file extension of checkpoint page files.
	PageSuffix = ".lqlpage"
	// PageMaxPairs is the maximum number of (key, value) pairs held by a
	// single checkpoint page.
	PageMaxPairs = 8000
)

// WALFile returns the file name of the WAL for the given timeline, relative
// to the WAL directory.
func WALFile(timeline uint64) string {
	return fmt.Sprintf("%d%s", timeline, WALSuffix)
}

// ParseWALFile returns the timeline id encoded in a WAL file name.
func ParseWALFile(name string) (uint64, error) {
	s, ok := strings.CutSuffix(name, WALSuffix)
	if !ok {
		return 0, fmt.Errorf("%q is not a WAL file", name)
	}
	t, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse timeline from %q: %v", name, err)
	}
	return t, nil
}

// CheckpointDir returns the directory which holds all page files for the
// given checkpoint, relative to the checkpoint directory.
func CheckpointDir(checkpointID uint64) string {
	return strconv.FormatUint(checkpointID, 10)
}

// CollectionDir returns the directory which holds one collection's pages
// within a checkpoint, relative to the checkpoint directory.
func CollectionDir(checkpointID uint64, collection string) string {
	return fmt.Sprintf("%d/%s", checkpointID, collection)
}

// ChunkFile returns the file name of the seq-th page of a collection within
// a checkpoint, relative to the collection directory.
func ChunkFile(seq uint64) string {
	return fmt.Sprintf("chunk_%d%s", seq, PageSuffix)
}

// ChunkPath returns the full path of a page file relative to the checkpoint
// directory.
func ChunkPath(checkpointID uint64, collection string, seq uint64) string {
	return fmt.Sprintf("%d/%s/%s", checkpointID, collection, ChunkFile(seq))
}

// ParseChunkFile returns the sequence number encoded in a page file name.
// Pages must be loaded in ascending sequence order for the ordered
// collection flavours to reconstruct correctly.
func ParseChunkFile(name string) (uint64, error) {
	s, ok := strings.CutSuffix(name, PageSuffix)
	if !ok {
		return 0, fmt.Errorf("%q is not a page file", name)
	}
	s, ok = strings.CutPrefix(s, "chunk_")
	if !ok {
		return 0, fmt.Errorf("%q is not a page file", name)
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse page sequence from %q: %v", name, err)
	}
	return seq, nil
}
