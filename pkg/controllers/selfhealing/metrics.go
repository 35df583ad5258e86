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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lifo4/edge-controller/pkg/metrics"
)

const subsystem = "selfhealing"

var (
	busFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "bus_failures_total",
			Help:      "Consecutive-failure events noted against the field bus.",
		},
	)
	watchdogRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "watchdog_restarts_total",
			Help:      "Control loop restarts triggered by a stale beat.",
		},
	)
	memoryUsedRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "memory_used_ratio",
			Help:      "Heap usage as a fraction of the configured limit.",
		},
	)
	diskUsedRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "disk_used_ratio",
			Help:      "Data volume usage fraction.",
		},
	)
)

func init() {
	prometheus.MustRegister(busFailuresTotal, watchdogRestartsTotal, memoryUsedRatio, diskUsedRatio)
}
