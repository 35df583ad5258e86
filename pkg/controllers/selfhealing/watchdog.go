/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package selfhealing

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/lifo4/edge-controller/pkg/alarms"
	"github.com/lifo4/edge-controller/pkg/bess"
)

// WatchdogTimeout is how stale the loop's beat may get before a restart.
const WatchdogTimeout = 30 * time.Second

// Beater is the loop surface the watchdog reads.
type Beater interface {
	LastBeat() time.Time
}

// Watchdog restarts a stalled control loop. The restart function is wired
// by the composition root; it cancels the loop goroutine and starts a
// fresh one.
type Watchdog struct {
	loop    Beater
	restart func(ctx context.Context) error
	sink    *alarms.Sink
	clk     clock.Clock
	log     logr.Logger

	timeout time.Duration
}

func NewWatchdog(loop Beater, restart func(ctx context.Context) error, sink *alarms.Sink, clk clock.Clock, log logr.Logger) *Watchdog {
	return &Watchdog{
		loop:    loop,
		restart: restart,
		sink:    sink,
		clk:     clk,
		log:     log.WithName("selfhealing.watchdog"),
		timeout: WatchdogTimeout,
	}
}

// WithTimeout overrides the stale threshold. Zero or negative keeps the
// default.
func (w *Watchdog) WithTimeout(timeout time.Duration) *Watchdog {
	if timeout > 0 {
		w.timeout = timeout
	}
	return w
}

// Check restarts the loop when its beat is stale. A zero beat means the
// loop has not started its first cycle yet; the watchdog waits.
func (w *Watchdog) Check(ctx context.Context) {
	beat := w.loop.LastBeat()
	if beat.IsZero() {
		return
	}
	stale := w.clk.Since(beat)
	if stale <= w.timeout {
		return
	}
	w.log.Info("control loop stalled, restarting", "last-beat", beat, "stale-for", stale.Round(time.Second))
	watchdogRestartsTotal.Inc()
	if err := w.restart(ctx); err != nil {
		w.log.Error(err, "control loop restart failed")
		w.sink.Raise(ctx, bess.NewAlarm(bess.SeverityCritical, bess.AlarmWatchdogRestartFailed,
			fmt.Sprintf("control loop stalled %s and restart failed: %s", stale.Round(time.Second), err), w.clk.Now()))
		return
	}
	w.sink.Raise(ctx, bess.NewAlarm(bess.SeverityWarning, bess.AlarmWatchdogRestart,
		fmt.Sprintf("control loop stalled %s, restarted", stale.Round(time.Second)), w.clk.Now()))
}
