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

package cluster

import (
	"bytes"
	"testing"
)

func TestBallotOrdering(t *testing.T) {
	for _, test := range []struct {
		a, b Ballot
		want int
	}{
		{a: Ballot{N: 1, NodeID: 1}, b: Ballot{N: 2, NodeID: 1}, want: -1},
		{a: Ballot{N: 2, NodeID: 1}, b: Ballot{N: 1, NodeID: 2}, want: 1},
		{a: Ballot{N: 1, NodeID: 1}, b: Ballot{N: 1, NodeID: 2}, want: -1},
		{a: Ballot{N: 1, NodeID: 2}, b: Ballot{N: 1, NodeID: 1}, want: 1},
		{a: Ballot{N: 3, NodeID: 7}, b: Ballot{N: 3, NodeID: 7}, want: 0},
	} {
		if got := test.a.Compare(test.b); got != test.want {
			t.Errorf("%v.Compare(%v) = %d, want %d", test.a, test.b, got, test.want)
		}
		if got, want := test.b.Compare(test.a), -test.want; got != want {
			t.Errorf("%v.Compare(%v) = %d, want %d", test.b, test.a, got, want)
		}
	}
}

func TestMessageRoundTrip(t *testing.T) {
	ab := Ballot{N: 2, NodeID: 9}
	msgs := []Message{
		{Kind: MsgPrepare, Ballot: Ballot{N: 3, NodeID: 1}, Index: 4, NodeID: 1, LastLogIndex: 2, LastLogTerm: 1},
		{Kind: MsgPromise, Ballot: Ballot{N: 3, NodeID: 1}, Index: 4, NodeID: 2, AcceptedBallot: &ab, AcceptedValue: []byte("v")},
		{Kind: MsgNack, Ballot: Ballot{N: 5, NodeID: 2}, Index: 4, NodeID: 2},
		{Kind: MsgAccept, Ballot: Ballot{N: 3, NodeID: 1}, Index: 4, NodeID: 1, Value: []byte("v")},
		{Kind: MsgAccepted, Ballot: Ballot{N: 3, NodeID: 1}, Index: 4, NodeID: 2},
		{Kind: MsgHeartbeat, Ballot: Ballot{N: 3, NodeID: 1}, LeaderID: 1, NodeID: 1},
	}
	for _, m := range msgs {
		raw, err := EncodeMessage(m)
		if err != nil {
			t.Fatalf("EncodeMessage(%v): %v", m.Kind, err)
		}
		got, err := DecodeMessage(raw)
		if err != nil {
			t.Fatalf("DecodeMessage(%v): %v", m.Kind, err)
		}
		if got.Kind != m.Kind || got.Ballot != m.Ballot || got.Index != m.Index || got.NodeID != m.NodeID {
			t.Errorf("round trip %v: got %+v", m.Kind, got)
		}
		if (got.AcceptedBallot == nil) != (m.AcceptedBallot == nil) {
			t.Errorf("round trip %v: accepted ballot mismatch", m.Kind)
		}
		if !bytes.Equal(got.Value, m.Value) || !bytes.Equal(got.AcceptedValue, m.AcceptedValue) {
			t.Errorf("round trip %v: value mismatch", m.Kind)
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeMessage([]byte("1~127.0.0.1:9999")); err == nil {
		t.Error("DecodeMessage on gossip payload: want error")
	}
}

func TestPrepareGrantsOnHigherBallot(t *testing.T) {
	p := NewPaxos(2)
	low := Ballot{N: 1, NodeID: 1}
	high := Ballot{N: 2, NodeID: 1}

	reply := p.Handle(Message{Kind: MsgPrepare, Ballot: low, Index: 1})
	if reply.Kind != MsgPromise {
		t.Fatalf("first prepare: got %v, want Promise", reply.Kind)
	}
	// Same ballot again: not strictly greater, so Nack.
	reply = p.Handle(Message{Kind: MsgPrepare, Ballot: low, Index: 1})
	if reply.Kind != MsgNack {
		t.Fatalf("repeat prepare: got %v, want Nack", reply.Kind)
	}
	reply = p.Handle(Message{Kind: MsgPrepare, Ballot: high, Index: 1})
	if reply.Kind != MsgPromise {
		t.Fatalf("higher prepare: got %v, want Promise", reply.Kind)
	}
	// Once promised high, low Accept is refused.
	reply = p.Handle(Message{Kind: MsgAccept, Ballot: low, Index: 1, Value: []byte("x")})
	if reply.Kind != MsgNack {
		t.Fatalf("stale accept: got %v, want Nack", reply.Kind)
	}
	// Accept at the promised ballot succeeds (>= promised).
	reply = p.Handle(Message{Kind: MsgAccept, Ballot: high, Index: 1, Value: []byte("x")})
	if reply.Kind != MsgAccepted {
		t.Fatalf("accept at promised ballot: got %v, want Accepted", reply.Kind)
	}
}

func TestPromiseCarriesPriorAccepted(t *testing.T) {
	p := NewPaxos(2)
	b1 := Ballot{N: 1, NodeID: 1}
	p.Handle(Message{Kind: MsgPrepare, Ballot: b1, Index: 1, LastLogIndex: 0, LastLogTerm: 0})
	p.Handle(Message{Kind: MsgAccept, Ballot: b1, Index: 1, Value: []byte("old")})

	b2 := Ballot{N: 5, NodeID: 3}
	reply := p.Handle(Message{Kind: MsgPrepare, Ballot: b2, Index: 1, LastLogIndex: 1, LastLogTerm: 1})
	if reply.Kind != MsgPromise {
		t.Fatalf("got %v, want Promise", reply.Kind)
	}
	if reply.AcceptedBallot == nil || *reply.AcceptedBallot != b1 {
		t.Errorf("promise accepted ballot = %v, want %v", reply.AcceptedBallot, b1)
	}
	if !bytes.Equal(reply.AcceptedValue, []byte("old")) {
		t.Errorf("promise accepted value = %q, want old", reply.AcceptedValue)
	}
}

func TestUpToDateTest(t *testing.T) {
	// The receiver has an entry at index 2, term 3; a candidate with a
	// stale log must be refused even with a higher ballot.
	p := NewPaxos(2)
	b := Ballot{N: 3, NodeID: 1}
	p.Handle(Message{Kind: MsgPrepare, Ballot: b, Index: 2, LastLogIndex: 2, LastLogTerm: 3})
	p.Handle(Message{Kind: MsgAccept, Ballot: b, Index: 2, Value: []byte("v")})

	stale := Message{Kind: MsgPrepare, Ballot: Ballot{N: 9, NodeID: 4}, Index: 3, LastLogIndex: 1, LastLogTerm: 2}
	if reply := p.Handle(stale); reply.Kind != MsgNack {
		t.Errorf("stale candidate: got %v, want Nack", reply.Kind)
	}

	fresh := Message{Kind: MsgPrepare, Ballot: Ballot{N: 10, NodeID: 5}, Index: 3, LastLogIndex: 2, LastLogTerm: 3}
	if reply := p.Handle(fresh); reply.Kind != MsgPromise {
		t.Errorf("up-to-date candidate: got %v, want Promise", reply.Kind)
	}
	newer := Message{Kind: MsgPrepare, Ballot: Ballot{N: 11, NodeID: 6}, Index: 3, LastLogIndex: 0, LastLogTerm: 4}
	if reply := p.Handle(newer); reply.Kind != MsgPromise {
		t.Errorf("higher-term candidate: got %v, want Promise", reply.Kind)
	}
}

func TestNackRaisesTerm(t *testing.T) {
	p := NewPaxos(1)
	if got := p.Term(); got != 0 {
		t.Fatalf("initial term = %d", got)
	}
	p.Handle(Message{Kind: MsgNack, Ballot: Ballot{N: 7, NodeID: 2}})
	if got := p.Term(); got != 7 {
		t.Errorf("term after nack = %d, want 7", got)
	}
	// NextBallot must now outbid the nacker.
	if b := p.NextBallot(); b.N != 8 {
		t.Errorf("NextBallot.N = %d, want 8", b.N)
	}
}

func TestChooseValue(t *testing.T) {
	b1 := Ballot{N: 1, NodeID: 1}
	b2 := Ballot{N: 2, NodeID: 1}
	promises := []Message{
		{Kind: MsgPromise, NodeID: 1},
		{Kind: MsgPromise, NodeID: 2, AcceptedBallot: &b1, AcceptedValue: []byte("older")},
		{Kind: MsgPromise, NodeID: 3, AcceptedBallot: &b2, AcceptedValue: []byte("newer")},
	}
	if got := ChooseValue(promises, []byte("mine")); !bytes.Equal(got, []byte("newer")) {
		t.Errorf("ChooseValue = %q, want newer", got)
	}
	if got := ChooseValue(promises[:1], []byte("mine")); !bytes.Equal(got, []byte("mine")) {
		t.Errorf("ChooseValue with no accepted = %q, want mine", got)
	}
}

func TestCommitAdvancesContiguously(t *testing.T) {
	p := NewPaxos(1)
	b := Ballot{N: 1, NodeID: 1}
	p.Commit(2, b, []byte("b"))
	if got := p.CommitIndex(); got != 0 {
		t.Errorf("commitIndex = %d before gap filled, want 0", got)
	}
	p.Commit(1, b, []byte("a"))
	if got := p.CommitIndex(); got != 2 {
		t.Errorf("commitIndex = %d, want 2", got)
	}
	// I7: a committed slot never changes value.
	p.Commit(1, Ballot{N: 9, NodeID: 9}, []byte("other"))
	e, ok := p.Entry(1)
	if !ok || !bytes.Equal(e.Value, []byte("a")) {
		t.Errorf("entry 1 = %+v, want value a", e)
	}
}

func TestHeartbeatRefreshesLeadership(t *testing.T) {
	p := NewPaxos(2)
	p.Handle(Message{Kind: MsgHeartbeat, Ballot: Ballot{N: 4, NodeID: 1}, LeaderID: 1})
	if got := p.Term(); got != 4 {
		t.Errorf("term = %d, want 4", got)
	}
	if leader, ok := p.Leader(); !ok || leader != 1 {
		t.Errorf("leader = %d, %t; want 1", leader, ok)
	}
	// A stale heartbeat does not regress the term.
	p.Handle(Message{Kind: MsgHeartbeat, Ballot: Ballot{N: 2, NodeID: 3}, LeaderID: 3})
	if leader, _ := p.Leader(); leader != 1 {
		t.Errorf("leader overwritten by stale heartbeat: %d", leader)
	}
}

func TestParseAnnouncement(t *testing.T) {
	for _, test := range []struct {
		in       string
		wantID   uint64
		wantAddr string
		ok       bool
	}{
		{in: "1~127.0.0.1:8999", wantID: 1, wantAddr: "127.0.0.1:8999", ok: true},
		{in: "42~10.0.0.7:1234", wantID: 42, wantAddr: "10.0.0.7:1234", ok: true},
		{in: "nope", ok: false},
		{in: "x~addr", ok: false},
		{in: "7~", ok: false},
	} {
		id, addr, ok := parseAnnouncement(test.in)
		if ok != test.ok || id != test.wantID || addr != test.wantAddr {
			t.Errorf("parseAnnouncement(%q) = (%d, %q, %t), want (%d, %q, %t)", test.in, id, addr, ok, test.wantID, test.wantAddr, test.ok)
		}
	}
}
