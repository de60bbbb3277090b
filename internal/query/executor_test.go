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

package query

import (
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/lokikv-dev/lokikv/internal/store"
)

func testExecutor(t *testing.T) *Executor {
	t.Helper()
	var mu sync.RWMutex
	return NewExecutor(&mu, store.NewEngine(nil), nil)
}

// run parses and executes src, returning the rendered result lines.
func run(t *testing.T, x *Executor, src string) []string {
	t.Helper()
	prog, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	results := x.Execute(prog)
	lines := make([]string, len(results))
	for i, v := range results {
		lines[i] = v.String()
	}
	return lines
}

func TestSetGet(t *testing.T) {
	x := testExecutor(t)
	got := run(t, x, "/c_hcol users; /selectcol users; SET alice 42; GET alice;")
	if len(got) != 4 {
		t.Fatalf("got %d results: %v", len(got), got)
	}
	if !strings.Contains(got[3], "IntData(42)") {
		t.Errorf("GET result = %q, want IntData(42)", got[3])
	}
}

func TestSetGetString(t *testing.T) {
	x := testExecutor(t)
	got := run(t, x, "SET s 'value'; GET s;")
	if want := `StringData("'value'")`; got[1] != want {
		t.Errorf("GET result = %q, want %q", got[1], want)
	}
}

func TestIncrTwice(t *testing.T) {
	x := testExecutor(t)
	got := run(t, x, "SET k 1; INCR k; INCR k; GET k;")
	if !strings.Contains(got[3], "IntData(3)") {
		t.Errorf("GET result = %q, want IntData(3)", got[3])
	}
}

func TestIncrTypeMismatchLeavesValue(t *testing.T) {
	x := testExecutor(t)
	got := run(t, x, "SET s 'hi'; INCR s; GET s;")
	if !strings.Contains(got[1], "ERROR") || !strings.Contains(got[1], "type mismatch") {
		t.Errorf("INCR result = %q, want type mismatch error", got[1])
	}
	if want := `StringData("'hi'")`; got[2] != want {
		t.Errorf("GET result = %q, want %q", got[2], want)
	}
}

func TestGetUnknownKeyFailsCommandOnly(t *testing.T) {
	x := testExecutor(t)
	got := run(t, x, "GET missing; SET a 1; GET a;")
	if !strings.Contains(got[0], "ERROR") || !strings.Contains(got[0], "not found") {
		t.Errorf("GET missing = %q, want not found error", got[0])
	}
	// The error is scoped to its command; the rest of the program ran.
	if !strings.Contains(got[2], "IntData(1)") {
		t.Errorf("subsequent GET = %q, want IntData(1)", got[2])
	}
}

func TestHLLRoundTrip(t *testing.T) {
	x := testExecutor(t)
	got := run(t, x, "ADDHLL u 'a'; ADDHLL u 'b'; ADDHLL u 'c'; HLLCOUNT u;")
	last := got[3]
	if !strings.HasPrefix(last, "DecimalData(") {
		t.Fatalf("HLLCOUNT result = %q", last)
	}
	// ±5% of 3.
	est, err := decimalResult(last)
	if err != nil {
		t.Fatalf("could not parse estimate from %q: %v", last, err)
	}
	if est < 2.85 || est > 3.15 {
		t.Errorf("estimate = %f, want within [2.85, 3.15]", est)
	}
}

func TestHLLCountOnNonSketch(t *testing.T) {
	x := testExecutor(t)
	got := run(t, x, "SET k 1; HLLCOUNT k;")
	if !strings.Contains(got[1], "ERROR") {
		t.Errorf("HLLCOUNT on int = %q, want error", got[1])
	}
	got = run(t, x, "ADDHLL k 'a';")
	if !strings.Contains(got[0], "ERROR") {
		t.Errorf("ADDHLL on int = %q, want error", got[0])
	}
}

func TestCustomBTreeDisplayAscending(t *testing.T) {
	x := testExecutor(t)
	run(t, x, "/c_bcust tree; /selectcol tree; SET b 1; SET a 2; SET c 3; SET aa 4; SET ab 5;")
	got := run(t, x, "DISPLAY;")
	display := got[0]
	// DISPLAY is one OutputString, so the quoted keys appear escaped.
	order := []string{`\"a\"`, `\"aa\"`, `\"ab\"`, `\"b\"`, `\"c\"`}
	last := -1
	for _, k := range order {
		idx := strings.Index(display, k+" ->")
		if idx < 0 {
			t.Fatalf("DISPLAY output missing %s: %q", k, display)
		}
		if idx < last {
			t.Errorf("DISPLAY output out of order at %s: %q", k, display)
		}
		last = idx
	}
}

func TestCollectionLifecycle(t *testing.T) {
	x := testExecutor(t)
	got := run(t, x, "/c_hcol users; /getcur_colname; /selectcol users; /getcur_colname; /listcolnames;")
	if !strings.Contains(got[1], "default") {
		t.Errorf("current collection before select = %q", got[1])
	}
	if !strings.Contains(got[3], "users") {
		t.Errorf("current collection after select = %q", got[3])
	}
	if !strings.Contains(got[4], "default") || !strings.Contains(got[4], "users") {
		t.Errorf("list = %q", got[4])
	}
}

func TestCreateDuplicateCollection(t *testing.T) {
	x := testExecutor(t)
	got := run(t, x, "/c_hcol users; /c_bcol users;")
	if !strings.Contains(got[1], "ERROR") || !strings.Contains(got[1], "already exists") {
		t.Errorf("duplicate create = %q, want already exists error", got[1])
	}
}

func TestSelectUnknownCollection(t *testing.T) {
	x := testExecutor(t)
	got := run(t, x, "/selectcol nope; /getcur_colname;")
	if !strings.Contains(got[0], "ERROR") {
		t.Errorf("select unknown = %q, want error", got[0])
	}
	if !strings.Contains(got[1], "default") {
		t.Errorf("current collection = %q, want default", got[1])
	}
}

func TestShutdownUsesExitHook(t *testing.T) {
	x := testExecutor(t)
	code := -1
	x.exit = func(c int) { code = c }
	run(t, x, "SHUTDOWN;")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestPersistWithoutCheckpointer(t *testing.T) {
	x := testExecutor(t)
	got := run(t, x, "PERSIST users;")
	if !strings.Contains(got[0], "ERROR") {
		t.Errorf("PERSIST without checkpointer = %q, want error", got[0])
	}
}

func TestPersistInvokesCheckpoint(t *testing.T) {
	var mu sync.RWMutex
	called := false
	x := NewExecutor(&mu, store.NewEngine(nil), func() error {
		called = true
		return nil
	})
	got := run(t, x, "PERSIST users;")
	if !called {
		t.Error("checkpoint hook not invoked")
	}
	if want := `OutputString("PERSIST")`; got[0] != want {
		t.Errorf("PERSIST result = %q, want %q", got[0], want)
	}
}

// decimalResult pulls the float out of a DecimalData(...) rendering.
func decimalResult(s string) (float64, error) {
	s = strings.TrimPrefix(s, "DecimalData(")
	s = strings.TrimSuffix(s, ")")
	return strconv.ParseFloat(s, 64)
}
