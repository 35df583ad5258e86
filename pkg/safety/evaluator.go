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

// Package safety decides, every cycle and before any optimization,
// whether the battery may operate. Evaluation is a pure function of the
// snapshot, the threshold table and the hysteresis latches; the evaluator
// holds no other state.
package safety

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/lifo4/edge-controller/pkg/bess"
)

// extractor pulls one monitored value out of a snapshot. The bool is false
// when the hardware variant does not expose the sensor, which skips the
// threshold rather than tripping it.
type extractor func(s bess.TelemetrySnapshot, age time.Duration) (float64, bool)

var extractors = map[string]extractor{
	ParamCellVoltageMax: func(s bess.TelemetrySnapshot, _ time.Duration) (float64, bool) { return s.CellVoltageMax, true },
	ParamCellVoltageMin: func(s bess.TelemetrySnapshot, _ time.Duration) (float64, bool) { return s.CellVoltageMin, true },
	ParamTempMax:        func(s bess.TelemetrySnapshot, _ time.Duration) (float64, bool) { return s.TempMax, true },
	ParamTempMin:        func(s bess.TelemetrySnapshot, _ time.Duration) (float64, bool) { return s.TempMin, true },
	ParamPackCurrent: func(s bess.TelemetrySnapshot, _ time.Duration) (float64, bool) {
		if s.Current < 0 {
			return -s.Current, true
		}
		return s.Current, true
	},
	ParamInsulation: func(s bess.TelemetrySnapshot, _ time.Duration) (float64, bool) {
		if s.InsulationResistanceKOhm == nil {
			return 0, false
		}
		return *s.InsulationResistanceKOhm, true
	},
	ParamSmoke: func(s bess.TelemetrySnapshot, _ time.Duration) (float64, bool) {
		if s.SmokeDetected == nil {
			return 0, false
		}
		if *s.SmokeDetected {
			return 1, true
		}
		return 0, true
	},
	ParamSOCHigh:      func(s bess.TelemetrySnapshot, _ time.Duration) (float64, bool) { return s.SOC, true },
	ParamSOCLow:       func(s bess.TelemetrySnapshot, _ time.Duration) (float64, bool) { return s.SOC, true },
	ParamTelemetryAge: func(_ bess.TelemetrySnapshot, age time.Duration) (float64, bool) { return age.Seconds(), true },
}

// latch remembers the worst severity a parameter has reached and the rung
// that put it there, so severity only reduces once the value clears the
// rung by its hysteresis.
type latch struct {
	severity bess.Severity
	level    Level
}

// Evaluator checks snapshots against the active threshold table.
type Evaluator struct {
	clk clock.Clock
	log logr.Logger

	mu      sync.RWMutex
	table   Table
	latches map[string]latch
}

func NewEvaluator(table Table, clk clock.Clock, log logr.Logger) (*Evaluator, error) {
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("validating threshold table, %w", err)
	}
	return &Evaluator{
		clk:     clk,
		log:     log.WithName("safety"),
		table:   table,
		latches: map[string]latch{},
	}, nil
}

// SetTable swaps the active table. A table that fails validation is
// rejected and the previous one stays in force. Latches are kept so a swap
// cannot silently clear an active violation.
func (e *Evaluator) SetTable(table Table) error {
	if err := table.Validate(); err != nil {
		return fmt.Errorf("rejecting threshold table, %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.table = table
	e.log.Info("safety threshold table replaced", "thresholds", len(table.Thresholds))
	return nil
}

// ResetLatches clears hysteresis state, part of the operator safe-mode
// reset.
func (e *Evaluator) ResetLatches() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latches = map[string]latch{}
}

// Check evaluates every threshold in table order and returns the
// highest-severity verdict. Ties go to the earliest threshold, which keeps
// the outcome deterministic.
func (e *Evaluator) Check(snapshot bess.TelemetrySnapshot) bess.SafetyVerdict {
	age := snapshot.Age(e.clk.Now())
	e.mu.Lock()
	defer e.mu.Unlock()

	verdict := bess.SafeVerdict()
	for _, threshold := range e.table.Thresholds {
		extract, ok := extractors[threshold.Parameter]
		if !ok {
			continue
		}
		value, present := extract(snapshot, age)
		if !present {
			continue
		}
		severity, level := e.grade(threshold, value)
		if severity == bess.SeverityAdvisory {
			continue
		}
		violationsTotal.WithLabelValues(threshold.Parameter, string(severity)).Inc()
		if severity.Rank() > verdict.Severity.Rank() {
			verdict = bess.SafetyVerdict{
				OK:        false,
				Severity:  severity,
				Action:    level.Action,
				Parameter: threshold.Parameter,
				Value:     value,
				Limit:     level.Value,
				Reason:    fmt.Sprintf("%s %s crossed %s limit %g (value %g)", threshold.Parameter, threshold.Sense, severity, level.Value, value),
			}
		}
	}
	checksTotal.Inc()
	verdictSeverity.Set(float64(verdict.Severity.Rank()))
	return verdict
}

// grade finds the severity the value sits at, honoring the latch: the
// current reading may cross a rung directly, or hold a previously crossed
// rung until it clears by the hysteresis margin.
func (e *Evaluator) grade(threshold Threshold, value float64) (bess.Severity, Level) {
	current := bess.SeverityAdvisory
	var currentLevel Level
	for _, severity := range []bess.Severity{bess.SeverityEmergency, bess.SeverityCritical, bess.SeverityAlarm, bess.SeverityWarning} {
		level := threshold.level(severity)
		if level == nil {
			continue
		}
		if threshold.crossed(*level, value) {
			current = severity
			currentLevel = *level
			break
		}
	}

	held, latched := e.latches[threshold.Parameter]
	if latched && held.severity.Rank() > current.Rank() && !threshold.cleared(held.level, value) {
		// still inside the hysteresis band of the worse rung
		return held.severity, held.level
	}
	if current == bess.SeverityAdvisory {
		delete(e.latches, threshold.Parameter)
	} else {
		e.latches[threshold.Parameter] = latch{severity: current, level: currentLevel}
	}
	return current, currentLevel
}
