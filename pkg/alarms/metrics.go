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

package alarms

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lifo4/edge-controller/pkg/metrics"
)

const subsystem = "alarms"

var (
	raisedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "raised_total",
			Help:      "Alarms raised partitioned by kind and severity.",
		},
		[]string{metrics.KindLabel, metrics.SeverityLabel},
	)
	suppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "suppressed_total",
			Help:      "Alarm publishes suppressed by the cooldown.",
		},
		[]string{metrics.KindLabel},
	)
)

func init() {
	prometheus.MustRegister(raisedTotal, suppressedTotal)
}
