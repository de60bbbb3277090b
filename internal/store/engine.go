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

package store

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	lokikv "github.com/lokikv-dev/lokikv"
	"github.com/lokikv-dev/lokikv/internal/wire"
)

// DefaultCollection is the hash collection present in every fresh engine.
const DefaultCollection = "default"

// WALAppender is the durability hook invoked before any in-memory write.
// An implementation must only return nil once the record is flushed.
type WALAppender interface {
	Append(collection, key string, value lokikv.Value) error
}

// Engine is the named-collection registry and mutation facade.
//
// The engine itself is unsynchronised: the executor and the server's timer
// jobs hold a single reader/writer coordinator around all calls, with
// mutations under the exclusive side.
type Engine struct {
	collections map[string]Collection
	current     string
	wal         WALAppender
}

// NewEngine returns an engine holding the "default" hash collection, with
// every mutation logged through wal. A nil wal disables logging (used by
// recovery and by tests which don't exercise durability).
func NewEngine(wal WALAppender) *Engine {
	return &Engine{
		collections: map[string]Collection{DefaultCollection: newHashCollection()},
		current:     DefaultCollection,
		wal:         wal,
	}
}

// CreateCollection registers an empty collection of the given flavour.
func (e *Engine) CreateCollection(name string, f Flavour) error {
	if _, ok := e.collections[name]; ok {
		return fmt.Errorf("collection %q: %w", name, lokikv.ErrAlreadyExists)
	}
	e.collections[name] = NewCollection(f)
	return nil
}

// AttachCollection registers a pre-populated collection, replacing any
// existing collection of the same name. Used by recovery.
func (e *Engine) AttachCollection(name string, c Collection) {
	e.collections[name] = c
}

// RemoveCollection drops a collection. Removing the current collection
// resets the selector to the default.
func (e *Engine) RemoveCollection(name string) {
	delete(e.collections, name)
	if e.current == name {
		e.current = DefaultCollection
	}
}

// SelectCollection makes name the current collection.
func (e *Engine) SelectCollection(name string) error {
	if _, ok := e.collections[name]; !ok {
		return fmt.Errorf("collection %q: %w", name, lokikv.ErrNotFound)
	}
	e.current = name
	return nil
}

// CurrentName returns the name of the current collection.
func (e *Engine) CurrentName() string { return e.current }

// Collection returns the named collection.
func (e *Engine) Collection(name string) (Collection, bool) {
	c, ok := e.collections[name]
	return c, ok
}

// Names returns all collection names in ascending order.
func (e *Engine) Names() []string {
	names := maps.Keys(e.collections)
	slices.Sort(names)
	return names
}

// ForEach calls fn for every collection in ascending name order.
func (e *Engine) ForEach(fn func(name string, c Collection) error) error {
	for _, name := range e.Names() {
		if err := fn(name, e.collections[name]); err != nil {
			return err
		}
	}
	return nil
}

// PutInCollection durably logs and then applies one write.
//
// The WAL append (including its flush) happens first; if it fails the write
// is rejected and the in-memory state is untouched. HLL values have no disk
// representation and skip the log.
func (e *Engine) PutInCollection(name, key string, value lokikv.Value) error {
	c, ok := e.collections[name]
	if !ok {
		return fmt.Errorf("collection %q: %w", name, lokikv.ErrNotFound)
	}
	if e.wal != nil && wire.Encodable(value) {
		if err := e.wal.Append(name, key, value); err != nil {
			return &lokikv.DurabilityError{Op: "wal append", Err: err}
		}
	}
	c.Put(key, value)
	return nil
}

// Apply performs an in-memory write without logging. It is the replay path:
// the record being applied already lives in the WAL.
func (e *Engine) Apply(name, key string, value lokikv.Value) error {
	c, ok := e.collections[name]
	if !ok {
		return fmt.Errorf("collection %q: %w", name, lokikv.ErrNotFound)
	}
	c.Put(key, value)
	return nil
}

// Put writes to the current collection.
func (e *Engine) Put(key string, value lokikv.Value) error {
	return e.PutInCollection(e.current, key, value)
}

// Get reads from the current collection.
func (e *Engine) Get(key string) (lokikv.Value, bool) {
	return e.collections[e.current].Get(key)
}

// Incr adds one to the numeric value under key in the current collection.
// The adjusted value is logged like any other write.
func (e *Engine) Incr(key string) error { return e.adjust(key, +1) }

// Decr subtracts one from the numeric value under key in the current
// collection.
func (e *Engine) Decr(key string) error { return e.adjust(key, -1) }

func (e *Engine) adjust(key string, delta int64) error {
	v, ok := e.Get(key)
	if !ok {
		return fmt.Errorf("key %q: %w", key, lokikv.ErrTypeMismatch)
	}
	switch v.Kind() {
	case lokikv.KindInt:
		return e.Put(key, lokikv.IntData(v.Int()+delta))
	case lokikv.KindDecimal:
		return e.Put(key, lokikv.DecimalData(v.Decimal()+float64(delta)))
	}
	return fmt.Errorf("key %q holds %s: %w", key, v, lokikv.ErrTypeMismatch)
}

// Display renders the current collection.
func (e *Engine) Display() string {
	return e.collections[e.current].Display()
}
