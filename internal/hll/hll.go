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

// Package hll implements the HyperLogLog probabilistic cardinality
// estimator over strings.
//
// The sketch uses 2^16 one-byte registers. Items are hashed with xxhash64
// (a stable, documented 64-bit hash — the platform default hasher is not
// acceptable because estimates must not vary across builds). Sketches are
// in-memory only and are never persisted.
package hll

import (
	"math"
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

const (
	// Precision is the number of hash bits used to select a register.
	Precision = 16
	// Registers is the register count, 2^Precision.
	Registers = 1 << Precision
)

// alpha is the bias-correction constant for Registers >= 128.
var alpha = 0.7213 / (1 + 1.079/float64(Registers))

// Sketch is a HyperLogLog cardinality estimator.
//
// A Sketch is not safe for concurrent use; callers serialise access the same
// way they serialise collection mutations.
type Sketch struct {
	registers [Registers]uint8
}

// New returns an empty sketch.
func New() *Sketch {
	return &Sketch{}
}

// Add observes one item.
func (s *Sketch) Add(item string) {
	h := xxhash.Sum64String(item)
	bucket := h & (Registers - 1)
	w := h >> Precision
	// The low Precision bits were consumed by the bucket, so w has at most
	// 64-Precision significant bits; LeadingZeros64 on the shifted value is
	// offset accordingly.
	rank := uint8(bits.LeadingZeros64(w)) - Precision + 1
	if rank > 64-Precision {
		rank = 64 - Precision
	}
	if rank > s.registers[bucket] {
		s.registers[bucket] = rank
	}
}

// Count estimates the number of distinct items observed.
func (s *Sketch) Count() float64 {
	sum := 0.0
	zeros := 0
	for _, r := range s.registers {
		sum += 1.0 / float64(uint64(1)<<r)
		if r == 0 {
			zeros++
		}
	}
	m := float64(Registers)
	raw := alpha * m * m / sum

	if raw <= 2.5*m && zeros > 0 {
		// Small-range correction: linear counting over empty registers.
		return m * math.Log(m/float64(zeros))
	}
	if raw > (1.0/30.0)*math.Exp2(32) {
		// Large-range correction near 2^32.
		return -math.Exp2(32) * math.Log(1.0-raw/math.Exp2(32))
	}
	return raw
}

// Merge folds other into s by taking the register-wise maximum.
func (s *Sketch) Merge(other *Sketch) {
	for i := range s.registers {
		if other.registers[i] > s.registers[i] {
			s.registers[i] = other.registers[i]
		}
	}
}
