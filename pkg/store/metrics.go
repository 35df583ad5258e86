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

package store

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lifo4/edge-controller/pkg/metrics"
)

const subsystem = "store"

var (
	writesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "writes_total",
			Help:      "Successful writes partitioned by table.",
		},
		[]string{"table"},
	)
	writeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "write_errors_total",
			Help:      "Failed writes partitioned by table.",
		},
		[]string{"table"},
	)
	queueDepthGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Messages waiting in the outbound queue.",
		},
	)
	ackedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "queue_acked_total",
			Help:      "Queue messages deleted after broker confirmation.",
		},
	)
	cleanupsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "cleanups_total",
			Help:      "Retention sweeps applied.",
		},
	)
)

func init() {
	prometheus.MustRegister(writesTotal, writeErrors, queueDepthGauge, ackedTotal, cleanupsTotal)
}
