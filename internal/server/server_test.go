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

package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	lokikv "github.com/lokikv-dev/lokikv"
	"github.com/lokikv-dev/lokikv/internal/store"
)

// startServer runs a checkpoint-less standalone server on an ephemeral port
// and returns a connected client.
func startServer(t *testing.T) *bufio.ReadWriter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	opts := lokikv.NewServeOptions().WithCheckpointInterval(time.Hour).WithPaxosInterval(time.Hour)
	s, err := New("127.0.0.1:0", store.NewEngine(nil), nil, nil, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go func() {
		if err := s.Serve(ctx); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	addr, err := s.Addr(ctx)
	if err != nil {
		t.Fatalf("Addr: %v", err)
	}

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
}

// request sends one LokiQL line and reads the response up to the sentinel.
func request(t *testing.T, rw *bufio.ReadWriter, line string) []string {
	t.Helper()
	if _, err := rw.WriteString(line + "\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := rw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	var lines []string
	for {
		l, err := rw.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v (got %v so far)", err, lines)
		}
		if l == Sentinel {
			return lines
		}
		lines = append(lines, strings.TrimSuffix(l, "\n"))
	}
}

func TestSessionScenario(t *testing.T) {
	rw := startServer(t)

	// S1: create, select, set, get.
	got := request(t, rw, "/c_hcol users;")
	if len(got) != 1 || !strings.Contains(got[0], "CREATE") {
		t.Fatalf("create response = %v", got)
	}
	request(t, rw, "/selectcol users;")
	request(t, rw, "SET alice 42;")
	got = request(t, rw, "GET alice;")
	if len(got) != 1 || !strings.Contains(got[0], "IntData(42)") {
		t.Errorf("GET response = %v, want IntData(42)", got)
	}

	// S2: increments.
	request(t, rw, "SET k 1;")
	got = request(t, rw, "INCR k; INCR k; GET k;")
	if len(got) != 3 || !strings.Contains(got[2], "IntData(3)") {
		t.Errorf("INCR pipeline response = %v", got)
	}

	// S3: type mismatch is reported and the connection stays open.
	request(t, rw, "SET s 'hi';")
	got = request(t, rw, "INCR s;")
	if len(got) != 1 || !strings.Contains(got[0], "ERROR") {
		t.Errorf("INCR on string = %v", got)
	}
	got = request(t, rw, "GET s;")
	if want := `StringData("'hi'")`; len(got) != 1 || got[0] != want {
		t.Errorf("GET after failed INCR = %v, want %q", got, want)
	}
}

func TestHLLOverWire(t *testing.T) {
	rw := startServer(t)
	request(t, rw, "ADDHLL u 'a'; ADDHLL u 'b'; ADDHLL u 'c';")
	got := request(t, rw, "HLLCOUNT u;")
	if len(got) != 1 || !strings.HasPrefix(got[0], "DecimalData(") {
		t.Fatalf("HLLCOUNT response = %v", got)
	}
}

func TestBTreeDisplayOrderOverWire(t *testing.T) {
	rw := startServer(t)
	request(t, rw, "/c_bcust tree; /selectcol tree; SET b 1; SET a 2; SET c 3; SET aa 4; SET ab 5;")
	got := request(t, rw, "DISPLAY;")
	joined := strings.Join(got, "\n")
	last := -1
	// DISPLAY is one OutputString line, so the quoted keys appear escaped.
	for _, k := range []string{`\"a\"`, `\"aa\"`, `\"ab\"`, `\"b\"`, `\"c\"`} {
		idx := strings.Index(joined, k+" ->")
		if idx < 0 || idx < last {
			t.Fatalf("DISPLAY out of order or missing %s:\n%s", k, joined)
		}
		last = idx
	}
}

func TestParseErrorKeepsConnection(t *testing.T) {
	rw := startServer(t)
	got := request(t, rw, "NOT A QUERY")
	if len(got) != 1 || !strings.HasPrefix(got[0], "ERROR") {
		t.Fatalf("parse error response = %v", got)
	}
	got = request(t, rw, "SET a 1; GET a;")
	if len(got) != 2 || !strings.Contains(got[1], "IntData(1)") {
		t.Errorf("follow-up response = %v", got)
	}
}

func TestParseCacheServesRepeats(t *testing.T) {
	rw := startServer(t)
	for i := range 3 {
		got := request(t, rw, "SET a 1; GET a;")
		if len(got) != 2 || !strings.Contains(got[1], "IntData(1)") {
			t.Fatalf("iteration %d response = %v", i, got)
		}
	}
}
