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

// Package alarms is the single path operator-visible alarms travel:
// persist locally, then publish with QoS 1 or fall back to the outbound
// queue, deduplicated per kind so a flapping condition cannot spam the
// fleet operator.
package alarms

import (
	"context"
	"encoding/json"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cloud"
	"github.com/lifo4/edge-controller/pkg/store"
)

// Sink fans one alarm out to the store and the cloud.
type Sink struct {
	store  *store.Store
	broker cloud.Broker
	topics cloud.Topics
	dedupe *Deduper
	clk    clock.Clock
	log    logr.Logger
}

func NewSink(db *store.Store, broker cloud.Broker, topics cloud.Topics, clk clock.Clock, log logr.Logger) *Sink {
	return &Sink{
		store:  db,
		broker: broker,
		topics: topics,
		dedupe: NewDeduper(),
		clk:    clk,
		log:    log.WithName("alarms"),
	}
}

// Raise persists the alarm unconditionally, then publishes it unless the
// kind is cooling down. A failed publish lands in the outbound queue; the
// alarm is never lost between the two.
func (s *Sink) Raise(ctx context.Context, alarm bess.Alarm) {
	raisedTotal.WithLabelValues(alarm.Kind, string(alarm.Severity)).Inc()
	s.log.Info("alarm raised", "kind", alarm.Kind, "severity", alarm.Severity, "message", alarm.Message)

	if err := s.store.SaveAlarm(alarm); err != nil {
		s.log.Error(err, "persisting alarm failed", "kind", alarm.Kind)
	}
	if !s.dedupe.Allow(alarm.Kind, s.clk.Now()) {
		suppressedTotal.WithLabelValues(alarm.Kind).Inc()
		return
	}
	payload, err := json.Marshal(alarm)
	if err != nil {
		s.log.Error(err, "encoding alarm failed", "kind", alarm.Kind)
		return
	}
	if s.broker.IsConnected() {
		if err := s.broker.Publish(ctx, s.topics.Alarms(), payload, cloud.QoSAtLeastOnce); err == nil {
			return
		}
	}
	if err := s.store.Enqueue(s.topics.Alarms(), payload, cloud.QoSAtLeastOnce); err != nil {
		s.log.Error(err, "queueing alarm failed", "kind", alarm.Kind)
	}
}

// ResetCooldowns clears publish suppression, part of the operator reset.
func (s *Sink) ResetCooldowns() {
	s.dedupe.Reset()
}
