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
	"flag"
	"fmt"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"k8s.io/klog/v2"
)

const helpText = `+ / -   raise or lower the GET rate
> / <   raise or lower the SET rate
s / S   open or drop a reader+writer session pair
q       quit`

// Controller renders live SET/GET throughput and latency for a hammer run
// and maps keystrokes onto its throttles and session pools.
type Controller struct {
	hammer   *Hammer
	analyser *Analyser

	app    *tview.Application
	status *tview.TextView
	trace  *tview.TextView
}

// NewController builds the interactive view: a fixed status pane on top
// showing rates and latencies per traffic kind, the scrolling klog output
// beneath it, and the key bindings pinned at the bottom.
func NewController(h *Hammer, a *Analyser) *Controller {
	c := &Controller{
		hammer:   h,
		analyser: a,
		app:      tview.NewApplication(),
		status:   tview.NewTextView(),
		trace:    tview.NewTextView(),
	}
	c.trace.ScrollToEnd()
	c.trace.SetMaxLines(10000)

	help := tview.NewTextView()
	help.SetText(helpText)

	rows := tview.NewGrid()
	rows.SetRows(5, 0, 6).SetColumns(0).SetBorders(true)
	rows.AddItem(c.status, 0, 0, 1, 1, 0, 0, false)
	rows.AddItem(c.trace, 1, 0, 1, 1, 0, 0, false)
	rows.AddItem(help, 2, 0, 1, 1, 0, 0, false)
	c.app.SetRoot(rows, true)
	return c
}

// Run takes over the terminal until the user quits or ctx ends.
func (c *Controller) Run(ctx context.Context) {
	// klog owns stderr by default, which tcell also wants; route log
	// output into the trace pane instead.
	for _, f := range []string{"logtostderr", "alsologtostderr"} {
		if err := flag.Set(f, "false"); err != nil {
			klog.Exitf("Failed to set --%s: %v", f, err)
		}
	}
	klog.SetOutput(c.trace)

	go c.refresh(ctx, 500*time.Millisecond)

	c.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case '+':
			c.hammer.readThrottle.Increase()
			klog.Infof("GET rate raised: %s", c.hammer.readThrottle)
		case '-':
			c.hammer.readThrottle.Decrease()
			klog.Infof("GET rate lowered: %s", c.hammer.readThrottle)
		case '>':
			c.hammer.writeThrottle.Increase()
			klog.Infof("SET rate raised: %s", c.hammer.writeThrottle)
		case '<':
			c.hammer.writeThrottle.Decrease()
			klog.Infof("SET rate lowered: %s", c.hammer.writeThrottle)
		case 's':
			c.hammer.AddSessions(ctx)
			klog.Infof("Sessions now %d readers / %d writers", c.hammer.ReadSessions(), c.hammer.WriteSessions())
		case 'S':
			c.hammer.DropSessions()
			klog.Infof("Sessions now %d readers / %d writers", c.hammer.ReadSessions(), c.hammer.WriteSessions())
		case 'q':
			c.app.Stop()
		}
		return event
	})
	if err := c.app.Run(); err != nil {
		klog.Exitf("TUI: %v", err)
	}
}

// refresh redraws the status pane on a fixed cadence.
func (c *Controller) refresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.status.SetText(fmt.Sprintf(
			"Keys written: %d\nGET: %d sessions, %s, latency %s\nSET: %d sessions, %s, latency %s",
			c.hammer.Written(),
			c.hammer.ReadSessions(), c.hammer.readThrottle, latencySummary(c.analyser.ReadTime),
			c.hammer.WriteSessions(), c.hammer.writeThrottle, latencySummary(c.analyser.WriteTime),
		))
		c.app.Draw()
	}
}

func latencySummary(ma *movingaverage.ConcurrentMovingAverage) string {
	lo, _ := ma.Min()
	hi, _ := ma.Max()
	return fmt.Sprintf("%.1f/%.1f/%.1fms (min/avg/max)", lo, ma.Avg(), hi)
}
