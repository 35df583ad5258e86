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

package safety

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lifo4/edge-controller/pkg/metrics"
)

const subsystem = "safety"

var (
	checksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "checks_total",
			Help:      "Safety evaluations performed.",
		},
	)
	violationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "violations_total",
			Help:      "Threshold crossings partitioned by parameter and severity.",
		},
		[]string{metrics.ParameterLabel, metrics.SeverityLabel},
	)
	verdictSeverity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "verdict_severity",
			Help:      "Severity rank of the most recent verdict (0 advisory .. 3 critical).",
		},
	)
)

func init() {
	prometheus.MustRegister(checksTotal, violationsTotal, verdictSeverity)
}
