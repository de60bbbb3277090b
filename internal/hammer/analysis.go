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

package hammer

import (
	"context"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"k8s.io/klog/v2"
)

// NewAnalyser returns an analyser ready to consume samples and errors.
func NewAnalyser() *Analyser {
	return &Analyser{
		SampleChan: make(chan OpTime, 100),
		ErrChan:    make(chan error, 20),
		ReadTime:   movingaverage.Concurrent(movingaverage.New(30)),
		WriteTime:  movingaverage.Concurrent(movingaverage.New(30)),
	}
}

// Analyser measures and interprets the result of hammering.
type Analyser struct {
	SampleChan chan OpTime
	ErrChan    chan error

	ReadTime  *movingaverage.ConcurrentMovingAverage
	WriteTime *movingaverage.ConcurrentMovingAverage
}

// Run starts the collection loops; they end when ctx does.
func (a *Analyser) Run(ctx context.Context) {
	go a.sampleLoop(ctx)
	go a.errorLoop(ctx)
}

func (a *Analyser) sampleLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-a.SampleChan:
			ms := float64(s.Duration) / float64(time.Millisecond)
			if s.Write {
				a.WriteTime.Add(ms)
			} else {
				a.ReadTime.Add(ms)
			}
		}
	}
}

// errorLoop rate-limits repeated error reporting to once a second.
func (a *Analyser) errorLoop(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	lastErr := ""
	lastErrCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if lastErrCount > 0 {
				klog.Warningf("(%d x) %s", lastErrCount, lastErr)
				lastErrCount = 0
			}
		case err := <-a.ErrChan:
			es := err.Error()
			if es != lastErr && lastErrCount > 0 {
				klog.Warningf("(%d x) %s", lastErrCount, lastErr)
				lastErr = es
				lastErrCount = 0
				continue
			}
			lastErr = es
			lastErrCount++
		}
	}
}
