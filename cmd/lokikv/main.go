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

// lokikv runs a LokiKV node: it recovers state from the last checkpoint
// and WAL, serves LokiQL over TCP, and optionally joins a gossip/paxos
// cluster.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"k8s.io/klog/v2"

	lokikv "github.com/lokikv-dev/lokikv"
	"github.com/lokikv-dev/lokikv/internal/checkpoint"
	"github.com/lokikv-dev/lokikv/internal/cluster"
	"github.com/lokikv-dev/lokikv/internal/control"
	"github.com/lokikv-dev/lokikv/internal/server"
	"github.com/lokikv-dev/lokikv/internal/store"
	"github.com/lokikv-dev/lokikv/internal/wal"
)

var (
	controlPath   = flag.String("control_file", "./lokikv.control", "Path of the control file; created on first start")
	dataDir       = flag.String("data_dir", "./lokikv-data", "Root for the WAL and checkpoint directories when initialising a fresh control file")
	hostname      = flag.String("hostname", "localhost", "Host to bind the LokiQL listener to (fresh control file only)")
	port          = flag.Uint("port", 8765, "Port to bind the LokiQL listener to (fresh control file only)")
	nodeID        = flag.Uint64("node_id", 0, "Cluster identity of this node (fresh control file only); 0 means standalone")
	listenAddr    = flag.String("cluster_listen", "", "UDP address the broadcast socket binds to")
	sendAddr      = flag.String("cluster_send", "255.255.255.255:8080", "UDP broadcast address cluster traffic is sent to")
	consumeAddr   = flag.String("cluster_consume", "", "UDP address gossip and paxos datagrams are consumed on")
	traceFraction = flag.Float64("trace_fraction", 0, "Fraction of requests to sample for tracing")

	loadFlavours = loadSpecFlag{spec: checkpoint.LoadSpec{}}
)

// loadSpecFlag accumulates repeated --load flags of the form
// "<collection>=<hash|ordered|btree>", mirroring the LOAD_HMAP/LOAD_BDEF/
// LOAD_BCUST recovery commands: the operator chooses each collection's
// index flavour at recovery time.
type loadSpecFlag struct {
	spec checkpoint.LoadSpec
}

func (l *loadSpecFlag) String() string { return fmt.Sprint(l.spec) }

func (l *loadSpecFlag) Set(s string) error {
	name, flavourName, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("want <collection>=<flavour>, got %q", s)
	}
	flavour, err := store.ParseFlavour(flavourName)
	if err != nil {
		return err
	}
	l.spec[name] = flavour
	return nil
}

func init() {
	flag.Var(&loadFlavours, "load", "Collection flavour for recovery as <collection>=<hash|ordered|btree>; may be repeated")
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownOTel := initOTel(ctx, *traceFraction)
	defer shutdownOTel(ctx)

	ctl := readOrInitControl()
	mgr := wal.New(ctl)
	engine := store.NewEngine(mgr)
	cp := checkpoint.New(ctl, mgr)

	replayed, err := checkpoint.Recover(ctl, mgr, engine, loadFlavours.spec)
	if err != nil {
		klog.Exitf("Recovery failed: %v", err)
	}

	opts := lokikv.NewServeOptions().
		WithCheckpointInterval(ctl.CheckpointInterval(lokikv.DefaultCheckpointInterval)).
		WithPaxosInterval(ctl.PaxosInterval(lokikv.DefaultPaxosInterval)).
		WithGossipTimeout(ctl.GossipTimeout(lokikv.DefaultGossipTimeout))

	var cl *cluster.Manager
	if id, ok := ctl.Identity(); ok {
		cl, err = cluster.NewManager(ctl, cluster.NewPaxos(id), opts)
		if err != nil {
			klog.Exitf("Failed to join cluster: %v", err)
		}
		defer func() {
			if err := cl.Close(); err != nil {
				klog.Warningf("Cluster close: %v", err)
			}
		}()
		klog.Infof("Cluster membership enabled as node %d", id)
	}

	s, err := server.New(ctl.ServerAddr(), engine, cp, cl, opts)
	if err != nil {
		klog.Exitf("Failed to build server: %v", err)
	}
	if replayed > 0 {
		// Fold the replayed tail into a checkpoint immediately so it isn't
		// stranded behind the timeline recovery just closed.
		if err := s.Checkpoint(); err != nil {
			klog.Exitf("Post-recovery checkpoint failed: %v", err)
		}
	}

	if err := s.Serve(ctx); err != nil {
		klog.Exitf("Serve: %v", err)
	}
}

// readOrInitControl loads the control file, writing a fresh one from flags
// on first start. A file which exists but cannot be parsed is fatal.
func readOrInitControl() *control.File {
	ctl, err := control.Read(*controlPath)
	if err == nil {
		return ctl
	}
	if !errors.Is(err, os.ErrNotExist) {
		klog.Exitf("Control file unreadable: %v", err)
	}

	doc := control.Document{
		WALDirectoryPath:        filepath.Join(*dataDir, "wal"),
		CheckpointDirectoryPath: filepath.Join(*dataDir, "checkpoints"),
		Hostname:                *hostname,
		Port:                    uint16(*port),
		ListenAddr:              *listenAddr,
		SendAddr:                *sendAddr,
		ConsumeAddr:             *consumeAddr,
	}
	if *nodeID != 0 {
		doc.SelfIdentifier = nodeID
	}
	ctl, err = control.Write(*controlPath, doc)
	if err != nil {
		klog.Exitf("Failed to initialise control file: %v", err)
	}
	klog.Infof("Initialised fresh control file at %q (this should only happen ONCE per node!)", *controlPath)
	return ctl
}
