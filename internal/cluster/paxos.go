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
	"sync"

	"k8s.io/klog/v2"
)

// LogEntry is one slot of the replicated log.
type LogEntry struct {
	Index     uint64
	Term      uint64
	Value     []byte
	Committed bool
}

type acceptedState struct {
	ballot Ballot
	value  []byte
}

// Paxos holds one node's acceptor and log state. It is independent of the
// transport: Handle consumes an incoming message and returns the reply to
// send, if any. All state mutation is serialised under the node's own
// reader/writer coordinator, separate from the engine's.
type Paxos struct {
	mu sync.RWMutex

	id          uint64
	currentTerm uint64

	// promised and accepted are per log index.
	promised map[uint64]Ballot
	accepted map[uint64]acceptedState

	log         map[uint64]*LogEntry
	commitIndex uint64

	leader   uint64
	seenLead bool
}

// NewPaxos returns the Paxos state for the node with the given id.
func NewPaxos(id uint64) *Paxos {
	return &Paxos{
		id:       id,
		promised: make(map[uint64]Ballot),
		accepted: make(map[uint64]acceptedState),
		log:      make(map[uint64]*LogEntry),
	}
}

// ID returns this node's identifier.
func (p *Paxos) ID() uint64 { return p.id }

// Term returns the node's current term.
func (p *Paxos) Term() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentTerm
}

// Leader returns the last observed leader, if any.
func (p *Paxos) Leader() (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.leader, p.seenLead
}

// CommitIndex returns the highest contiguous committed slot.
func (p *Paxos) CommitIndex() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.commitIndex
}

// Entry returns a copy of the log entry at index.
func (p *Paxos) Entry(index uint64) (LogEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.log[index]
	if !ok {
		return LogEntry{}, false
	}
	return *e, true
}

// lastLogLocked reports the highest populated slot and its term.
func (p *Paxos) lastLogLocked() (uint64, uint64) {
	var idx, term uint64
	for i, e := range p.log {
		if i > idx {
			idx, term = i, e.Term
		}
	}
	return idx, term
}

// upToDateLocked is the vote-granting test: the candidate's log must be at
// least as up-to-date as ours — strictly higher last term, or equal term
// and last index not behind.
func (p *Paxos) upToDateLocked(candLastIndex, candLastTerm uint64) bool {
	lastIndex, lastTerm := p.lastLogLocked()
	if candLastTerm != lastTerm {
		return candLastTerm > lastTerm
	}
	return candLastIndex >= lastIndex
}

// Handle applies one incoming message to the acceptor state and returns the
// reply to send back, or nil for fire-and-forget messages.
func (p *Paxos) Handle(m Message) *Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch m.Kind {
	case MsgPrepare:
		return p.handlePrepare(m)
	case MsgAccept:
		return p.handleAccept(m)
	case MsgNack:
		// A higher ballot means our term is stale; raise it and abandon
		// the round. Protocol errors stay internal to the cluster layer.
		if m.Ballot.N > p.currentTerm {
			klog.V(1).Infof("Paxos %d: nack with ballot %v, raising term %d -> %d", p.id, m.Ballot, p.currentTerm, m.Ballot.N)
			p.currentTerm = m.Ballot.N
		}
		return nil
	case MsgHeartbeat:
		// Heartbeats raise the local term and record the live leader;
		// the per-index promises are left unchanged.
		if m.Ballot.N >= p.currentTerm {
			p.currentTerm = m.Ballot.N
			p.leader, p.seenLead = m.LeaderID, true
		}
		return nil
	}
	return nil
}

func (p *Paxos) handlePrepare(m Message) *Message {
	promised, ok := p.promised[m.Index]
	grant := !ok || m.Ballot.Compare(promised) > 0
	// The candidate's log must also pass the up-to-date test; a promise to
	// a candidate with a stale log could commit over newer values.
	if grant && !p.upToDateLocked(m.LastLogIndex, m.LastLogTerm) {
		grant = false
	}
	if !grant {
		return &Message{Kind: MsgNack, Ballot: promised, Index: m.Index, NodeID: p.id}
	}

	p.promised[m.Index] = m.Ballot
	reply := &Message{Kind: MsgPromise, Ballot: m.Ballot, Index: m.Index, NodeID: p.id}
	if acc, ok := p.accepted[m.Index]; ok {
		b := acc.ballot
		reply.AcceptedBallot = &b
		reply.AcceptedValue = acc.value
	}
	return reply
}

func (p *Paxos) handleAccept(m Message) *Message {
	if promised, ok := p.promised[m.Index]; ok && m.Ballot.Compare(promised) < 0 {
		return &Message{Kind: MsgNack, Ballot: promised, Index: m.Index, NodeID: p.id}
	}
	p.promised[m.Index] = m.Ballot
	p.accepted[m.Index] = acceptedState{ballot: m.Ballot, value: m.Value}
	p.log[m.Index] = &LogEntry{Index: m.Index, Term: m.Ballot.N, Value: m.Value}
	return &Message{Kind: MsgAccepted, Ballot: m.Ballot, Index: m.Index, NodeID: p.id}
}

// NextBallot advances the term and returns a fresh ballot for a proposal.
func (p *Paxos) NextBallot() Ballot {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentTerm++
	return Ballot{N: p.currentTerm, NodeID: p.id}
}

// PrepareMessage builds the Prepare for one slot under ballot b, carrying
// this node's last-log coordinates for the up-to-date test.
func (p *Paxos) PrepareMessage(b Ballot, index uint64) Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	lastIndex, lastTerm := p.lastLogLocked()
	return Message{
		Kind:         MsgPrepare,
		Ballot:       b,
		Index:        index,
		NodeID:       p.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
}

// ChooseValue applies the Paxos value-selection rule over a quorum of
// promises: the value accepted under the highest ballot wins, otherwise the
// proposer's candidate.
func ChooseValue(promises []Message, candidate []byte) []byte {
	var best *Ballot
	value := candidate
	for _, pr := range promises {
		if pr.AcceptedBallot == nil {
			continue
		}
		if best == nil || pr.AcceptedBallot.Compare(*best) > 0 {
			b := *pr.AcceptedBallot
			best = &b
			value = pr.AcceptedValue
		}
	}
	return value
}

// Commit marks a slot committed and advances the contiguous commit index.
// Once a quorum has accepted (index, value), no other value can be observed
// there: the commit is idempotent and never rewrites an existing value.
func (p *Paxos) Commit(index uint64, b Ballot, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.log[index]; ok && e.Committed {
		return
	}
	p.log[index] = &LogEntry{Index: index, Term: b.N, Value: value, Committed: true}
	for {
		e, ok := p.log[p.commitIndex+1]
		if !ok || !e.Committed {
			break
		}
		p.commitIndex++
	}
	p.leader, p.seenLead = b.NodeID, true
	klog.V(1).Infof("Paxos %d: committed index %d under %v (commitIndex=%d)", p.id, index, b, p.commitIndex)
}

// HeartbeatMessage builds the leader's liveness refresh.
func (p *Paxos) HeartbeatMessage() Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Message{
		Kind:     MsgHeartbeat,
		Ballot:   Ballot{N: p.currentTerm, NodeID: p.id},
		LeaderID: p.id,
		NodeID:   p.id,
	}
}

// IsLeader reports whether this node last committed as leader.
func (p *Paxos) IsLeader() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seenLead && p.leader == p.id
}
