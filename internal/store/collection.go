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

// Package store implements the collection flavours and the engine which
// registers them.
package store

import (
	"fmt"
	"strings"

	gbtree "github.com/google/btree"

	lokikv "github.com/lokikv-dev/lokikv"
	"github.com/lokikv-dev/lokikv/internal/btree"
)

// Flavour identifies a collection's index structure.
type Flavour uint8

const (
	// FlavourHash is an unordered hash-indexed collection.
	FlavourHash Flavour = iota
	// FlavourOrdered is an ordered-map-indexed collection.
	FlavourOrdered
	// FlavourCustomBTree is backed by the arena B-tree.
	FlavourCustomBTree
)

func (f Flavour) String() string {
	switch f {
	case FlavourHash:
		return "hash"
	case FlavourOrdered:
		return "ordered"
	case FlavourCustomBTree:
		return "btree"
	}
	return fmt.Sprintf("flavour(%d)", uint8(f))
}

// ParseFlavour parses the operator-facing flavour names used by recovery.
func ParseFlavour(s string) (Flavour, error) {
	switch s {
	case "hash", "hmap":
		return FlavourHash, nil
	case "ordered", "bdef":
		return FlavourOrdered, nil
	case "btree", "bcust":
		return FlavourCustomBTree, nil
	}
	return 0, fmt.Errorf("unknown collection flavour %q", s)
}

// Pair is one (key, value) element of a collection snapshot.
type Pair struct {
	Key   string
	Value lokikv.Value
}

// Collection is the capability shared by every flavour. All flavours have
// identical semantics; they differ only in index structure and iteration
// order: ordered and custom-B-tree collections enumerate pairs in ascending
// key order, hash collections in unspecified order.
//
// Collections are not safe for concurrent use; the engine's callers hold a
// reader/writer lock around every operation.
type Collection interface {
	// Put stores value under key, returning true iff a prior value existed.
	Put(key string, value lokikv.Value) bool
	// Get returns the value stored under key.
	Get(key string) (lokikv.Value, bool)
	// Exists reports whether key is present.
	Exists(key string) bool
	// Display renders every pair in the collection's iteration order.
	Display() string
	// Pairs returns a snapshot of all pairs in iteration order.
	Pairs() []Pair
	// BulkPut populates the collection from pairs; later duplicates win.
	BulkPut(pairs []Pair)
	// Flavour identifies the index structure.
	Flavour() Flavour
}

// NewCollection returns an empty collection of the given flavour.
func NewCollection(f Flavour) Collection {
	switch f {
	case FlavourOrdered:
		return newOrderedCollection()
	case FlavourCustomBTree:
		return newBTreeCollection()
	default:
		return newHashCollection()
	}
}

func displayPairs(pairs []Pair) string {
	var sb strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&sb, "%q -> %s\n", p.Key, p.Value)
	}
	return sb.String()
}

// hashCollection is the unordered flavour.
type hashCollection struct {
	m map[string]lokikv.Value
}

func newHashCollection() *hashCollection {
	return &hashCollection{m: make(map[string]lokikv.Value)}
}

func (c *hashCollection) Put(key string, value lokikv.Value) bool {
	_, existed := c.m[key]
	c.m[key] = value
	return existed
}

func (c *hashCollection) Get(key string) (lokikv.Value, bool) {
	v, ok := c.m[key]
	return v, ok
}

func (c *hashCollection) Exists(key string) bool {
	_, ok := c.m[key]
	return ok
}

func (c *hashCollection) Display() string { return displayPairs(c.Pairs()) }

func (c *hashCollection) Pairs() []Pair {
	pairs := make([]Pair, 0, len(c.m))
	for k, v := range c.m {
		pairs = append(pairs, Pair{Key: k, Value: v})
	}
	return pairs
}

func (c *hashCollection) BulkPut(pairs []Pair) {
	for _, p := range pairs {
		c.Put(p.Key, p.Value)
	}
}

func (c *hashCollection) Flavour() Flavour { return FlavourHash }

// orderedCollection is the ordered-map flavour, backed by google/btree.
type orderedCollection struct {
	t *gbtree.BTreeG[Pair]
}

func newOrderedCollection() *orderedCollection {
	return &orderedCollection{
		t: gbtree.NewG(2, func(a, b Pair) bool { return a.Key < b.Key }),
	}
}

func (c *orderedCollection) Put(key string, value lokikv.Value) bool {
	_, existed := c.t.ReplaceOrInsert(Pair{Key: key, Value: value})
	return existed
}

func (c *orderedCollection) Get(key string) (lokikv.Value, bool) {
	p, ok := c.t.Get(Pair{Key: key})
	return p.Value, ok
}

func (c *orderedCollection) Exists(key string) bool {
	return c.t.Has(Pair{Key: key})
}

func (c *orderedCollection) Display() string { return displayPairs(c.Pairs()) }

func (c *orderedCollection) Pairs() []Pair {
	pairs := make([]Pair, 0, c.t.Len())
	c.t.Ascend(func(p Pair) bool {
		pairs = append(pairs, p)
		return true
	})
	return pairs
}

func (c *orderedCollection) BulkPut(pairs []Pair) {
	for _, p := range pairs {
		c.Put(p.Key, p.Value)
	}
}

func (c *orderedCollection) Flavour() Flavour { return FlavourOrdered }

// btreeCollection is backed by the arena B-tree.
type btreeCollection struct {
	t *btree.Tree[lokikv.Value]
}

func newBTreeCollection() *btreeCollection {
	return &btreeCollection{t: btree.New[lokikv.Value]()}
}

func (c *btreeCollection) Put(key string, value lokikv.Value) bool {
	existed := c.t.Search(key) != nil
	c.t.Insert(key, value)
	return existed
}

func (c *btreeCollection) Get(key string) (lokikv.Value, bool) {
	v := c.t.Search(key)
	if v == nil {
		return lokikv.Value{}, false
	}
	return *v, true
}

func (c *btreeCollection) Exists(key string) bool {
	return c.t.Search(key) != nil
}

func (c *btreeCollection) Display() string { return displayPairs(c.Pairs()) }

func (c *btreeCollection) Pairs() []Pair {
	pairs := make([]Pair, 0, c.t.Len())
	c.t.Ascend(func(k string, v lokikv.Value) bool {
		pairs = append(pairs, Pair{Key: k, Value: v})
		return true
	})
	return pairs
}

func (c *btreeCollection) BulkPut(pairs []Pair) {
	for _, p := range pairs {
		c.Put(p.Key, p.Value)
	}
}

func (c *btreeCollection) Flavour() Flavour { return FlavourCustomBTree }
