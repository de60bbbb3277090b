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
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/globocom/go-buffer"
	"k8s.io/klog/v2"

	lokikv "github.com/lokikv-dev/lokikv"
	"github.com/lokikv-dev/lokikv/internal/control"
)

const (
	// announceCopies is how many duplicates of the node announcement one
	// broadcast round pushes onto the wire; datagrams are lossy and cheap.
	announceCopies = 10
	maxDatagram    = 64 * 1024
	proposeRetries = 3
)

// Manager runs the gossip and Paxos traffic for one node over its two UDP
// sockets: a broadcast-capable send socket and a bound consume socket.
type Manager struct {
	ctl   *control.File
	paxos *Paxos
	opts  *lokikv.ServeOptions

	sendConn      *net.UDPConn
	consumeConn   *net.UDPConn
	broadcastAddr *net.UDPAddr

	// outbox batches gossip announcements; its flusher writes each queued
	// payload to the broadcast address.
	outbox *buffer.Buffer

	peersMu sync.RWMutex
	peers   map[uint64]string

	// promiseCh and acceptedCh route acceptor replies to an in-flight
	// proposal round.
	promiseCh  chan Message
	acceptedCh chan Message

	// coin decides each round between broadcasting and consuming.
	coin func() bool
}

// NewManager binds the node's cluster sockets as configured by the control
// file. A bind failure is fatal to startup and is returned to the caller.
func NewManager(ctl *control.File, p *Paxos, opts *lokikv.ServeOptions) (*Manager, error) {
	listen, send, consume := ctl.Addrs()
	if listen == "" || send == "" || consume == "" {
		return nil, fmt.Errorf("control file missing cluster addresses (listen=%q send=%q consume=%q)", listen, send, consume)
	}

	listenAddr, err := net.ResolveUDPAddr("udp4", listen)
	if err != nil {
		return nil, fmt.Errorf("bad listen address %q: %v", listen, err)
	}
	broadcastAddr, err := net.ResolveUDPAddr("udp4", send)
	if err != nil {
		return nil, fmt.Errorf("bad send address %q: %v", send, err)
	}
	consumeAddr, err := net.ResolveUDPAddr("udp4", consume)
	if err != nil {
		return nil, fmt.Errorf("bad consume address %q: %v", consume, err)
	}

	sendConn, err := net.ListenUDP("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind send socket %q: %w", listen, err)
	}
	consumeConn, err := net.ListenUDP("udp4", consumeAddr)
	if err != nil {
		_ = sendConn.Close()
		return nil, fmt.Errorf("failed to bind consume socket %q: %w", consume, err)
	}

	m := newManager(ctl, p, opts)
	m.sendConn = sendConn
	m.consumeConn = consumeConn
	m.broadcastAddr = broadcastAddr
	return m, nil
}

// newManager builds the socket-less core, shared with tests.
func newManager(ctl *control.File, p *Paxos, opts *lokikv.ServeOptions) *Manager {
	m := &Manager{
		ctl:        ctl,
		paxos:      p,
		opts:       opts,
		peers:      make(map[uint64]string),
		promiseCh:  make(chan Message, 64),
		acceptedCh: make(chan Message, 64),
		coin:       func() bool { return rand.Intn(2) == 0 },
	}
	m.outbox = buffer.New(
		buffer.WithSize(announceCopies),
		buffer.WithFlushInterval(opts.PaxosInterval()),
		buffer.WithFlusher(buffer.FlusherFunc(m.flushAnnouncements)),
	)
	return m
}

// Close releases the sockets and drains the outbox.
func (m *Manager) Close() error {
	if err := m.outbox.Close(); err != nil {
		klog.Warningf("Cluster: outbox close: %v", err)
	}
	if m.sendConn != nil {
		_ = m.sendConn.Close()
	}
	if m.consumeConn != nil {
		return m.consumeConn.Close()
	}
	return nil
}

// Peers returns a snapshot of the discovered peer set.
func (m *Manager) Peers() map[uint64]string {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	out := make(map[uint64]string, len(m.peers))
	for id, addr := range m.peers {
		out[id] = addr
	}
	return out
}

// addPeer records a discovered peer, ignoring our own announcements.
func (m *Manager) addPeer(id uint64, addr string) {
	if id == m.paxos.ID() {
		return
	}
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	if old, ok := m.peers[id]; !ok || old != addr {
		klog.Infof("Cluster: discovered peer %d at %s", id, addr)
	}
	m.peers[id] = addr
}

// quorum is a majority of the known peers including self.
func (m *Manager) quorum() int {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	return (len(m.peers)+1)/2 + 1
}

// announcement is the gossip payload: "<node_id>~<ip:port>".
func (m *Manager) announcement() string {
	listen, _, _ := m.ctl.Addrs()
	return fmt.Sprintf("%d~%s", m.paxos.ID(), listen)
}

// parseAnnouncement splits a gossip payload into id and address.
func parseAnnouncement(s string) (uint64, string, bool) {
	id, addr, ok := strings.Cut(s, "~")
	if !ok {
		return 0, "", false
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil || addr == "" {
		return 0, "", false
	}
	return n, addr, true
}

// Round runs one gossip/replication round: a coin flip chooses between
// broadcasting this node's announcement and draining incoming traffic.
// Leaders additionally broadcast a heartbeat, which raises followers' terms
// and records the leader (it does not change their promises), and a node that
// knows peers but no leader stands for election by proposing itself into
// the next log slot.
func (m *Manager) Round(ctx context.Context) {
	if m.coin() {
		m.broadcastAnnouncements()
	} else {
		m.consume(ctx)
	}
	if m.paxos.IsLeader() {
		if err := m.broadcastMessage(m.paxos.HeartbeatMessage()); err != nil {
			klog.Warningf("Cluster: heartbeat: %v", err)
		}
		return
	}
	if _, known := m.paxos.Leader(); !known && len(m.Peers()) > 0 {
		index := m.paxos.CommitIndex() + 1
		if err := m.Propose(ctx, index, []byte(m.announcement())); err != nil {
			klog.V(1).Infof("Cluster: leadership bid for slot %d: %v", index, err)
		}
	}
}

// broadcastAnnouncements queues the announcement copies on the outbox and
// forces a flush to the wire.
func (m *Manager) broadcastAnnouncements() {
	for range announceCopies {
		if err := m.outbox.Push(m.announcement()); err != nil {
			klog.Warningf("Cluster: outbox push: %v", err)
			return
		}
	}
	if err := m.outbox.Flush(); err != nil {
		klog.Warningf("Cluster: outbox flush: %v", err)
	}
}

func (m *Manager) flushAnnouncements(items []interface{}) {
	for _, item := range items {
		payload, ok := item.(string)
		if !ok {
			continue
		}
		if _, err := m.sendConn.WriteToUDP([]byte(payload), m.broadcastAddr); err != nil {
			klog.V(1).Infof("Cluster: announce write: %v", err)
			return
		}
	}
}

// consume drains datagrams from the consume socket, ending the window when
// a read sits idle for the configured gossip timeout.
func (m *Manager) consume(ctx context.Context) {
	timeout := m.ctl.GossipTimeout(m.opts.GossipTimeout())
	buf := make([]byte, maxDatagram)
	for ctx.Err() == nil {
		if err := m.consumeConn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			klog.Warningf("Cluster: set read deadline: %v", err)
			return
		}
		n, _, err := m.consumeConn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return // window over, resume on the next round
			}
			klog.V(1).Infof("Cluster: consume read: %v", err)
			return
		}
		m.dispatch(buf[:n])
	}
}

// dispatch classifies one datagram: Paxos messages are binary, gossip
// announcements are ASCII "<id>~<addr>".
func (m *Manager) dispatch(payload []byte) {
	if msg, err := DecodeMessage(payload); err == nil {
		m.handleMessage(msg)
		return
	}
	if id, addr, ok := parseAnnouncement(string(payload)); ok {
		m.addPeer(id, addr)
		return
	}
	klog.V(2).Infof("Cluster: dropping unintelligible datagram (%d bytes)", len(payload))
}

func (m *Manager) handleMessage(msg Message) {
	if msg.NodeID == m.paxos.ID() {
		return // our own broadcast echoed back
	}
	switch msg.Kind {
	case MsgPromise:
		select {
		case m.promiseCh <- msg:
		default:
		}
	case MsgAccepted:
		select {
		case m.acceptedCh <- msg:
		default:
		}
	default:
		if reply := m.paxos.Handle(msg); reply != nil {
			if err := m.broadcastMessage(*reply); err != nil {
				klog.V(1).Infof("Cluster: reply %v: %v", reply.Kind, err)
			}
		}
	}
}

func (m *Manager) broadcastMessage(msg Message) error {
	if m.sendConn == nil {
		return fmt.Errorf("no send socket")
	}
	b, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if _, err := m.sendConn.WriteToUDP(b, m.broadcastAddr); err != nil {
		return fmt.Errorf("broadcast %v: %w", msg.Kind, err)
	}
	return nil
}

// Propose replicates value into the given log slot, running the two-phase
// protocol against the discovered peers. Rounds that lose to a higher
// ballot are retried with a fresh one.
func (m *Manager) Propose(ctx context.Context, index uint64, value []byte) error {
	return retry.Do(
		func() error { return m.proposeOnce(ctx, index, value) },
		retry.Attempts(proposeRetries),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}

func (m *Manager) proposeOnce(ctx context.Context, index uint64, value []byte) error {
	quorum := m.quorum()
	deadline := m.opts.PaxosInterval()
	ballot := m.paxos.NextBallot()

	// Phase 1: Prepare / Promise. This node is its own first acceptor.
	prepare := m.paxos.PrepareMessage(ballot, index)
	promises := []Message{}
	if self := m.paxos.Handle(prepare); self != nil && self.Kind == MsgPromise {
		promises = append(promises, *self)
	}
	if err := m.broadcastMessage(prepare); err != nil {
		return err
	}
	promises = append(promises, m.collect(ctx, m.promiseCh, ballot, quorum-len(promises), deadline)...)
	if len(promises) < quorum {
		return fmt.Errorf("prepare %v for index %d: %d/%d promises", ballot, index, len(promises), quorum)
	}

	// Phase 2: Accept / Accepted, proposing the highest previously
	// accepted value if any promise carried one.
	chosen := ChooseValue(promises, value)
	accept := Message{Kind: MsgAccept, Ballot: ballot, Index: index, NodeID: m.paxos.ID(), Value: chosen}
	acks := []Message{}
	if self := m.paxos.Handle(accept); self != nil && self.Kind == MsgAccepted {
		acks = append(acks, *self)
	}
	if err := m.broadcastMessage(accept); err != nil {
		return err
	}
	acks = append(acks, m.collect(ctx, m.acceptedCh, ballot, quorum-len(acks), deadline)...)
	if len(acks) < quorum {
		return fmt.Errorf("accept %v for index %d: %d/%d acks", ballot, index, len(acks), quorum)
	}

	m.paxos.Commit(index, ballot, chosen)
	if err := m.ctl.SetLeader(ballot.NodeID); err != nil {
		klog.Warningf("Cluster: failed to record leader: %v", err)
	}
	return nil
}

// collect gathers up to want replies matching ballot from ch, giving up at
// the deadline. Stale-ballot replies are discarded.
func (m *Manager) collect(ctx context.Context, ch <-chan Message, ballot Ballot, want int, deadline time.Duration) []Message {
	if want <= 0 {
		return nil
	}
	var got []Message
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	seen := map[uint64]bool{}
	for len(got) < want {
		select {
		case <-ctx.Done():
			return got
		case <-timer.C:
			return got
		case msg := <-ch:
			if msg.Ballot != ballot || seen[msg.NodeID] {
				continue
			}
			seen[msg.NodeID] = true
			got = append(got, msg)
		}
	}
	return got
}
