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

package ingress

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lifo4/edge-controller/pkg/metrics"
)

const (
	resultAccepted = "accepted"
	resultRejected = "rejected"
)

var messagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "ingress",
		Name:      "messages_total",
		Help:      "Inbound cloud messages partitioned by kind and outcome.",
	},
	[]string{metrics.KindLabel, metrics.ResultLabel},
)

func init() {
	prometheus.MustRegister(messagesTotal)
}
