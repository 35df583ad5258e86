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

package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lifo4/edge-controller/pkg/metrics"
)

const subsystem = "cache"

var (
	updatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "updates_total",
			Help:      "Cache entry updates partitioned by entry.",
		},
		[]string{"entry"},
	)
	freshnessGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "entry_fresh",
			Help:      "Whether the entry was fresh at the last snapshot (1) or served from defaults (0).",
		},
		[]string{"entry"},
	)
	flushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "flushes_total",
			Help:      "Cache flushes forced by memory pressure.",
		},
	)
)

func init() {
	prometheus.MustRegister(updatesTotal, freshnessGauge, flushesTotal)
}
