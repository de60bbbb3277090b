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

// Package cluster implements peer discovery over UDP broadcast gossip and a
// Multi-Paxos log replication protocol between LokiKV nodes.
package cluster

import (
	"fmt"

	"github.com/ugorji/go/codec"
)

// Ballot orders proposals: (n, node_id) with lexicographic comparison, so
// ties on n break towards the higher node id. Ballot ordering is a strict
// total order across the cluster because node ids are unique.
type Ballot struct {
	N      uint64 `codec:"n"`
	NodeID uint64 `codec:"id"`
}

// Compare returns -1, 0 or 1 as b is less than, equal to, or greater
// than o.
func (b Ballot) Compare(o Ballot) int {
	switch {
	case b.N < o.N:
		return -1
	case b.N > o.N:
		return 1
	case b.NodeID < o.NodeID:
		return -1
	case b.NodeID > o.NodeID:
		return 1
	}
	return 0
}

func (b Ballot) String() string { return fmt.Sprintf("(%d,%d)", b.N, b.NodeID) }

// MsgKind discriminates the Paxos message variants.
type MsgKind uint8

const (
	MsgPrepare MsgKind = iota + 1
	MsgPromise
	MsgNack
	MsgAccept
	MsgAccepted
	MsgHeartbeat
)

func (k MsgKind) String() string {
	switch k {
	case MsgPrepare:
		return "Prepare"
	case MsgPromise:
		return "Promise"
	case MsgNack:
		return "Nack"
	case MsgAccept:
		return "Accept"
	case MsgAccepted:
		return "Accepted"
	case MsgHeartbeat:
		return "LeaderHeartbeat"
	}
	return fmt.Sprintf("MsgKind(%d)", uint8(k))
}

// Message is the single wire shape for all Paxos traffic. Fields beyond
// Kind, Ballot and NodeID are populated per variant.
type Message struct {
	Kind   MsgKind `codec:"t"`
	Ballot Ballot  `codec:"b"`
	// Index addresses one slot of the replicated log.
	Index uint64 `codec:"i,omitempty"`
	// NodeID identifies the sender.
	NodeID uint64 `codec:"nid,omitempty"`
	// Value carries the proposed value (wire-encoded) in Accept messages.
	Value []byte `codec:"v,omitempty"`
	// AcceptedBallot/AcceptedValue ride on a Promise when the acceptor has
	// previously accepted a value for the slot.
	AcceptedBallot *Ballot `codec:"ab,omitempty"`
	AcceptedValue  []byte  `codec:"av,omitempty"`
	// LastLogIndex/LastLogTerm describe the candidate's log in a Prepare,
	// and the receiver's in a Nack (the up-to-date test).
	LastLogIndex uint64 `codec:"lli,omitempty"`
	LastLogTerm  uint64 `codec:"llt,omitempty"`
	// LeaderID identifies the leader in heartbeats.
	LeaderID uint64 `codec:"l,omitempty"`
}

var paxosHandle = &codec.CborHandle{}

// EncodeMessage renders m as a single self-delimiting datagram payload.
func EncodeMessage(m Message) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, paxosHandle).Encode(m); err != nil {
		return nil, fmt.Errorf("failed to encode %v: %v", m.Kind, err)
	}
	return b, nil
}

// DecodeMessage parses a datagram payload.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := codec.NewDecoderBytes(b, paxosHandle).Decode(&m); err != nil {
		return Message{}, fmt.Errorf("failed to decode paxos message: %v", err)
	}
	if m.Kind < MsgPrepare || m.Kind > MsgHeartbeat {
		return Message{}, fmt.Errorf("unknown paxos message kind %d", m.Kind)
	}
	return m, nil
}
