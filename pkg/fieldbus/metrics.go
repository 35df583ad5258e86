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

package fieldbus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lifo4/edge-controller/pkg/metrics"
)

const subsystem = "fieldbus"

var (
	transactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "transactions_total",
			Help:      "Bus transactions partitioned by operation and result.",
		},
		[]string{"op", metrics.ResultLabel},
	)
	transactionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "transaction_errors_total",
			Help:      "Bus transaction failures partitioned by error category.",
		},
		[]string{metrics.CategoryLabel},
	)
	transactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystem,
			Name:      "transaction_duration_seconds",
			Help:      "Duration of bus transactions.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(transactionsTotal, transactionErrors, transactionDuration)
}
