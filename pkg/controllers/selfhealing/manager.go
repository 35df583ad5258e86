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
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

// checkInterval paces resource and watchdog checks. Much slower than the
// control cadence; self-healing is a background janitor, not a hot path.
const checkInterval = 10 * time.Second

// Manager runs the periodic self-healing checks.
type Manager struct {
	resources *ResourceMonitor
	watchdog  *Watchdog
	clk       clock.Clock
	log       logr.Logger
}

func NewManager(resources *ResourceMonitor, watchdog *Watchdog, clk clock.Clock, log logr.Logger) *Manager {
	return &Manager{
		resources: resources,
		watchdog:  watchdog,
		clk:       clk,
		log:       log.WithName("selfhealing"),
	}
}

// Run checks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clk.After(checkInterval):
		}
		m.Check(ctx)
	}
}

// Check runs one pass of every monitor.
func (m *Manager) Check(ctx context.Context) {
	start := m.clk.Now()
	m.resources.Check(ctx)
	m.watchdog.Check(ctx)
	m.log.V(1).Info("self-healing pass complete", "took", m.clk.Since(start).Round(time.Millisecond))
}
