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

package controlloop

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lifo4/edge-controller/pkg/metrics"
)

const subsystem = "control"

var (
	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one control cycle.",
			Buckets:   metrics.DurationBuckets(),
		},
	)
	overrunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "overruns_total",
			Help:      "Cycles that exceeded the sample interval.",
		},
	)
	protectiveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "protective_actions_total",
			Help:      "Protective actions executed, by action.",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(cycleDuration, overrunsTotal, protectiveTotal)
}
