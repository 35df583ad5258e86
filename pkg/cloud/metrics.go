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

package cloud

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lifo4/edge-controller/pkg/metrics"
)

const subsystem = "cloud"

var (
	publishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "publishes_total",
			Help:      "Publish attempts partitioned by topic and result.",
		},
		[]string{metrics.TopicLabel, metrics.ResultLabel},
	)
	connectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "connects_total",
			Help:      "Successful broker (re)connections.",
		},
	)
	disconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "disconnects_total",
			Help:      "Unexpected broker connection losses.",
		},
	)
	breakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "publish_breaker_state",
			Help:      "Publish circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
	)
)

func init() {
	prometheus.MustRegister(publishesTotal, connectsTotal, disconnectsTotal, breakerState)
}
