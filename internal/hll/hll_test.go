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

package hll

import (
	"fmt"
	"math"
	"testing"
)

func TestCountSmall(t *testing.T) {
	s := New()
	for _, item := range []string{"a", "b", "c"} {
		s.Add(item)
	}
	got := s.Count()
	if got < 2.85 || got > 3.15 {
		t.Errorf("Count() = %f, want within 5%% of 3", got)
	}
}

func TestCountDuplicatesDontInflate(t *testing.T) {
	s := New()
	for range 1000 {
		s.Add("same")
	}
	if got := s.Count(); math.Abs(got-1) > 0.05 {
		t.Errorf("Count() = %f, want ~1", got)
	}
}

func TestCountWithinFivePercent(t *testing.T) {
	for _, n := range []int{1_000, 10_000, 100_000, 1_000_000} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			s := New()
			for i := range n {
				s.Add(fmt.Sprintf("item-%d", i))
			}
			got := s.Count()
			if err := math.Abs(got-float64(n)) / float64(n); err > 0.05 {
				t.Errorf("Count() = %f for true cardinality %d: relative error %f > 0.05", got, n, err)
			}
		})
	}
}

func TestRegistersBounded(t *testing.T) {
	s := New()
	for i := range 100_000 {
		s.Add(fmt.Sprintf("item-%d", i))
	}
	for i, r := range s.registers {
		if r > 64-Precision {
			t.Fatalf("register %d holds %d, want <= %d", i, r, 64-Precision)
		}
	}
}

func TestMerge(t *testing.T) {
	a, b := New(), New()
	for i := range 500 {
		a.Add(fmt.Sprintf("a-%d", i))
		b.Add(fmt.Sprintf("b-%d", i))
	}
	a.Merge(b)
	got := a.Count()
	if err := math.Abs(got-1000) / 1000; err > 0.05 {
		t.Errorf("merged Count() = %f, want ~1000", got)
	}
}

func TestDeterministic(t *testing.T) {
	a, b := New(), New()
	for i := range 1000 {
		a.Add(fmt.Sprintf("item-%d", i))
		b.Add(fmt.Sprintf("item-%d", i))
	}
	if a.Count() != b.Count() {
		t.Errorf("identical inputs gave different estimates: %f vs %f", a.Count(), b.Count())
	}
}
