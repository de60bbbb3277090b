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

// hammer is a load generator for LokiKV nodes: it drives SET/GET traffic
// over TCP with adjustable rates and reports round-trip latencies.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/lokikv-dev/lokikv/internal/hammer"
)

var (
	target      = flag.String("target", "localhost:8765", "Address of the LokiKV node to hammer")
	maxReadOps  = flag.Int("max_read_ops", 20, "The maximum read operations per second")
	maxWriteOps = flag.Int("max_write_ops", 40, "The maximum write operations per second")
	numReaders  = flag.Int("num_readers", 4, "The number of readers to run")
	numWriters  = flag.Int("num_writers", 4, "The number of writers to run")
	showUI      = flag.Bool("show_ui", true, "Set to false to disable the text-based UI")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	analyser := hammer.NewAnalyser()
	analyser.Run(ctx)

	h := hammer.NewHammer(*target, analyser, hammer.Opts{
		MaxReadOpsPerSecond:  *maxReadOps,
		MaxWriteOpsPerSecond: *maxWriteOps,
		NumReaders:           *numReaders,
		NumWriters:           *numWriters,
	})
	h.Run(ctx)

	if *showUI {
		hammer.NewController(h, analyser).Run(ctx)
		return
	}
	<-ctx.Done()
	klog.Infof("Hammer stopping: wrote %d keys", h.Written())
}
