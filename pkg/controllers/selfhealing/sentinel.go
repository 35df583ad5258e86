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

// Package selfhealing remediates faults before they become operator
// problems: field-bus retry escalation, memory and disk pressure relief,
// and the control-loop watchdog. Remediation always runs before the
// operator-visible alarm.
package selfhealing

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/lifo4/edge-controller/pkg/alarms"
	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/engine"
)

// retrySchedule spaces bus re-attempts after consecutive failures. Once
// the last step also fails the sentinel latches safe mode; attempts keep
// running at the final spacing so recovery is still possible.
var retrySchedule = []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second}

// Sentinel tracks consecutive field-bus failures and owns the safe-mode
// escalation. It implements the control loop's BusSentinel.
type Sentinel struct {
	engine *engine.Engine
	sink   *alarms.Sink
	clk    clock.Clock
	log    logr.Logger

	mu          sync.Mutex
	failures    int
	nextAttempt time.Time
	exhausted   bool
}

func NewSentinel(eng *engine.Engine, sink *alarms.Sink, clk clock.Clock, log logr.Logger) *Sentinel {
	return &Sentinel{
		engine: eng,
		sink:   sink,
		clk:    clk,
		log:    log.WithName("selfhealing.sentinel"),
	}
}

// AllowAttempt reports whether the loop should touch the bus this cycle.
func (s *Sentinel) AllowAttempt(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures == 0 || !now.Before(s.nextAttempt)
}

// NoteSuccess clears the failure streak. Safe mode stays latched; only an
// operator command releases it.
func (s *Sentinel) NoteSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.log.Info("field bus recovered", "after-failures", s.failures)
	}
	s.failures = 0
	s.exhausted = false
}

// Healthy reports whether the bus has no active failure streak. Feeds the
// /healthz probe the OTA verifier judges.
func (s *Sentinel) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures == 0
}

// NoteFailure advances the retry schedule. Exhausting it enters safe mode
// and raises FIELD_BUS_EXHAUSTED once per streak.
func (s *Sentinel) NoteFailure(ctx context.Context, err error) {
	s.mu.Lock()
	s.failures++
	step := s.failures - 1
	if step >= len(retrySchedule) {
		step = len(retrySchedule) - 1
	}
	delay := retrySchedule[step]
	s.nextAttempt = s.clk.Now().Add(delay)
	escalate := s.failures > len(retrySchedule) && !s.exhausted
	if escalate {
		s.exhausted = true
	}
	failures := s.failures
	s.mu.Unlock()

	busFailuresTotal.Inc()
	s.log.Error(err, "field bus failure", "streak", failures, "next-attempt-in", delay)
	if escalate {
		s.engine.EnterSafeMode("field_bus_exhausted")
		s.sink.Raise(ctx, bess.NewAlarm(bess.SeverityCritical, bess.AlarmFieldBusExhausted,
			"field bus unreachable after full retry schedule", s.clk.Now()))
	}
}
