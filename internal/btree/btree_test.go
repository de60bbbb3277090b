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

package btree

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func collect(t *Tree[int]) ([]string, []int) {
	var keys []string
	var vals []int
	t.Ascend(func(k string, v int) bool {
		keys = append(keys, k)
		vals = append(vals, v)
		return true
	})
	return keys, vals
}

func TestInsertAndSearch(t *testing.T) {
	tr := New[int]()
	keys := []string{"b", "a", "c", "aa", "ab", "test1", "test2", "test3", "test4", "test5", "test6", "test7", "test0", "0000", "test-1"}
	for i, k := range keys {
		tr.Insert(k, i)
	}
	if err := tr.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
	for i, k := range keys {
		got := tr.Search(k)
		if got == nil {
			t.Fatalf("Search(%q) = nil, want %d", k, i)
		}
		if *got != i {
			t.Errorf("Search(%q) = %d, want %d", k, *got, i)
		}
	}
	if got := tr.Search("missing"); got != nil {
		t.Errorf("Search(missing) = %v, want nil", *got)
	}
}

func TestAscendOrder(t *testing.T) {
	tr := New[int]()
	keys := []string{"b", "a", "c", "aa", "ab"}
	for i, k := range keys {
		tr.Insert(k, i)
	}
	gotKeys, _ := collect(tr)
	want := []string{"a", "aa", "ab", "b", "c"}
	if diff := cmp.Diff(want, gotKeys); diff != "" {
		t.Errorf("Ascend order diff (-want +got):\n%s", diff)
	}
}

func TestReplaceOnDuplicateKey(t *testing.T) {
	tr := New[int]()
	for i := range 50 {
		tr.Insert(fmt.Sprintf("key-%02d", i), i)
	}
	// Overwrite every key; the tree must not grow.
	before := tr.Len()
	for i := range 50 {
		tr.Insert(fmt.Sprintf("key-%02d", i), i+1000)
	}
	if got := tr.Len(); got != before {
		t.Errorf("Len() = %d after overwrites, want %d", got, before)
	}
	for i := range 50 {
		k := fmt.Sprintf("key-%02d", i)
		if got := tr.Search(k); got == nil || *got != i+1000 {
			t.Errorf("Search(%q) did not observe replacement", k)
		}
	}
	if err := tr.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
}

func TestLargeRandomInsert(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	tr := New[int]()
	want := map[string]int{}
	for i := range 5000 {
		k := fmt.Sprintf("k%06d", rnd.Intn(2000))
		tr.Insert(k, i)
		want[k] = i
	}
	if err := tr.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
	if got := tr.Len(); got != len(want) {
		t.Fatalf("Len() = %d, want %d", got, len(want))
	}

	wantKeys := make([]string, 0, len(want))
	for k := range want {
		wantKeys = append(wantKeys, k)
	}
	sort.Strings(wantKeys)

	gotKeys, gotVals := collect(tr)
	if diff := cmp.Diff(wantKeys, gotKeys); diff != "" {
		t.Fatalf("key order diff (-want +got):\n%s", diff)
	}
	for i, k := range gotKeys {
		if gotVals[i] != want[k] {
			t.Errorf("value for %q = %d, want %d", k, gotVals[i], want[k])
		}
	}
}

func TestAscendEarlyStop(t *testing.T) {
	tr := New[int]()
	for i := range 20 {
		tr.Insert(fmt.Sprintf("k%02d", i), i)
	}
	n := 0
	tr.Ascend(func(string, int) bool {
		n++
		return n < 5
	})
	if n != 5 {
		t.Errorf("visited %d keys, want 5", n)
	}
}

func TestEmptyTree(t *testing.T) {
	tr := New[int]()
	if got := tr.Search("a"); got != nil {
		t.Errorf("Search on empty tree = %v, want nil", *got)
	}
	keys, _ := collect(tr)
	if len(keys) != 0 {
		t.Errorf("Ascend on empty tree visited %v", keys)
	}
	if err := tr.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants: %v", err)
	}
}
