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

// Package controlloop runs the fixed-cadence control cycle: read the
// battery, check safety, act on the verdict or the arbitrated decision,
// persist, and ship. Safety check and protective write happen back to
// back with nothing between them.
package controlloop

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	"github.com/lifo4/edge-controller/pkg/alarms"
	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cache"
	syncctrl "github.com/lifo4/edge-controller/pkg/controllers/sync"
	"github.com/lifo4/edge-controller/pkg/engine"
	"github.com/lifo4/edge-controller/pkg/ota"
	"github.com/lifo4/edge-controller/pkg/safety"
	"github.com/lifo4/edge-controller/pkg/store"
)

// Bus is the field-side surface the loop drives. Satisfied by
// *fieldbus.Client.
type Bus interface {
	ReadTelemetry(ctx context.Context) (bess.TelemetrySnapshot, error)
	WriteSetpointKW(ctx context.Context, kw float64) error
	SetChargeEnabled(ctx context.Context, on bool) error
	SetDischargeEnabled(ctx context.Context, on bool) error
	EmergencyStop(ctx context.Context) error
}

// BusSentinel gates bus attempts after failures. The loop keeps its
// cadence; the sentinel decides when a re-attempt is due and owns the
// safe-mode escalation when the schedule is exhausted.
type BusSentinel interface {
	AllowAttempt(now time.Time) bool
	NoteSuccess()
	NoteFailure(ctx context.Context, err error)
}

type Config struct {
	SampleInterval       time.Duration
	OptimizationInterval time.Duration
	DataDir              string
}

func DefaultConfig() Config {
	return Config{
		SampleInterval:       time.Second,
		OptimizationInterval: 5 * time.Second,
		DataDir:              "/data",
	}
}

type Loop struct {
	cfg      Config
	bus      Bus
	sentinel BusSentinel
	safety   *safety.Evaluator
	engine   *engine.Engine
	db       *store.Store
	cache    *cache.Manager
	shipper  *syncctrl.Controller
	sink     *alarms.Sink
	fs       afero.Fs
	clk      clock.Clock
	log      logr.Logger

	lastBeat         atomic.Int64 // unix nanos
	telemetryEnabled atomic.Bool
	lastOptimization time.Time
	criticalActive   bool
}

func NewLoop(cfg Config, bus Bus, sentinel BusSentinel, evaluator *safety.Evaluator, eng *engine.Engine, db *store.Store, cacheManager *cache.Manager, shipper *syncctrl.Controller, sink *alarms.Sink, fs afero.Fs, clk clock.Clock, log logr.Logger) *Loop {
	l := &Loop{
		cfg:      cfg,
		bus:      bus,
		sentinel: sentinel,
		safety:   evaluator,
		engine:   eng,
		db:       db,
		cache:    cacheManager,
		shipper:  shipper,
		sink:     sink,
		fs:       fs,
		clk:      clk,
		log:      log.WithName("controlloop"),
	}
	l.telemetryEnabled.Store(true)
	return l
}

// LastBeat reports the start of the most recent cycle, for the watchdog.
func (l *Loop) LastBeat() time.Time {
	nanos := l.lastBeat.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

// SetTelemetryPublish toggles best-effort telemetry shipping. Self-healing
// turns it off under memory pressure; persistence and safety are
// unaffected.
func (l *Loop) SetTelemetryPublish(on bool) {
	l.telemetryEnabled.Store(on)
}

// Run drives cycles at the sample cadence until ctx is done. A cycle that
// overruns its budget raises LOOP_OVERRUN and the next tick is skipped
// instead of stacking.
func (l *Loop) Run(ctx context.Context) error {
	next := l.clk.Now()
	for {
		l.Cycle(ctx)

		next = next.Add(l.cfg.SampleInterval)
		now := l.clk.Now()
		if !now.Before(next) {
			overrunsTotal.Inc()
			l.sink.Raise(ctx, bess.NewAlarm(bess.SeverityWarning, bess.AlarmLoopOverrun,
				"control cycle exceeded its sample interval", now))
			for !now.Before(next) {
				next = next.Add(l.cfg.SampleInterval)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clk.After(next.Sub(now)):
		}
	}
}

// Cycle executes one control pass.
func (l *Loop) Cycle(ctx context.Context) {
	start := l.clk.Now()
	l.lastBeat.Store(start.UnixNano())
	defer func() {
		cycleDuration.Observe(l.clk.Since(start).Seconds())
	}()

	view := l.cache.Snapshot()

	if !l.sentinel.AllowAttempt(start) {
		return
	}
	snapshot, err := l.bus.ReadTelemetry(ctx)
	if err != nil {
		l.sentinel.NoteFailure(ctx, err)
		return
	}
	l.sentinel.NoteSuccess()

	// verdict and protective write are one indivisible step
	verdict := l.safety.Check(snapshot)
	if verdict.Action.Protective() {
		l.protect(ctx, snapshot, verdict)
		return
	}
	l.criticalActive = false
	if !verdict.OK {
		l.sink.Raise(ctx, bess.NewAlarm(verdict.Severity, bess.AlarmSafetyViolation, verdict.String(), start).
			WithMetadata("parameter", verdict.Parameter))
	}

	if err := l.db.SaveTelemetry(snapshot); err != nil {
		l.log.Error(err, "persisting snapshot failed")
	}
	if l.telemetryEnabled.Load() {
		if err := l.shipper.PublishTelemetry(ctx, snapshot); err != nil {
			l.log.V(1).Info("shipping telemetry failed", "error", err)
		}
	}

	if l.lastOptimization.IsZero() || start.Sub(l.lastOptimization) >= l.cfg.OptimizationInterval {
		l.optimize(ctx, snapshot, view)
		l.lastOptimization = start
	}

	l.shipper.Heartbeat(ctx, l.operationalState(snapshot))
	if err := l.shipper.Drain(ctx); err != nil {
		l.log.V(1).Info("queue drain incomplete", "error", err)
	}
	l.writeState(snapshot)
}

func (l *Loop) optimize(ctx context.Context, snapshot bess.TelemetrySnapshot, view cache.View) {
	decision := l.engine.Decide(snapshot, view)
	if err := decision.Validate(); err != nil {
		l.log.Error(err, "discarding malformed decision", "decision", decision)
		return
	}
	if err := l.apply(ctx, decision); err != nil {
		l.log.Error(err, "applying decision failed", "action", decision.Action, "power-kw", decision.PowerKW)
		return
	}
	if err := l.db.SaveDecision(decision); err != nil {
		l.log.Error(err, "persisting decision failed")
	}
	if err := l.shipper.PublishDecision(ctx, decision); err != nil {
		l.log.V(1).Info("shipping decision failed", "error", err)
	}
}

// apply translates a decision into bus writes. The setpoint register
// carries the magnitude; direction comes from the permissive coils, and
// the opposite coil is always dropped so the directions can never be
// enabled at once.
func (l *Loop) apply(ctx context.Context, decision bess.Decision) error {
	switch decision.Action {
	case bess.ActionCharge:
		if err := l.bus.SetChargeEnabled(ctx, true); err != nil {
			return err
		}
		if err := l.bus.SetDischargeEnabled(ctx, false); err != nil {
			return err
		}
		return l.bus.WriteSetpointKW(ctx, decision.PowerKW)
	case bess.ActionDischarge:
		if err := l.bus.SetDischargeEnabled(ctx, true); err != nil {
			return err
		}
		if err := l.bus.SetChargeEnabled(ctx, false); err != nil {
			return err
		}
		return l.bus.WriteSetpointKW(ctx, decision.PowerKW)
	case bess.ActionEmergencyStop:
		return l.bus.EmergencyStop(ctx)
	default:
		return l.bus.WriteSetpointKW(ctx, 0)
	}
}

// protect executes the verdict's action immediately, then persists and
// raises. The cycle ends here; optimization never sees a bad snapshot.
func (l *Loop) protect(ctx context.Context, snapshot bess.TelemetrySnapshot, verdict bess.SafetyVerdict) {
	if err := l.executeProtective(ctx, snapshot, verdict.Action); err != nil {
		l.log.Error(err, "protective write failed", "action", verdict.Action)
	}
	protectiveTotal.WithLabelValues(string(verdict.Action)).Inc()
	l.criticalActive = verdict.Severity.AtLeast(bess.SeverityCritical)

	if err := l.db.SaveTelemetry(snapshot); err != nil {
		l.log.Error(err, "persisting snapshot failed")
	}
	kind := bess.AlarmSafetyViolation
	if verdict.Action == bess.SafetyActionEmergencyStop {
		kind = bess.AlarmSafetyEmergencyStop
	}
	l.sink.Raise(ctx, bess.NewAlarm(verdict.Severity, kind, verdict.String(), l.clk.Now()).
		WithMetadata("parameter", verdict.Parameter).
		WithMetadata("action", string(verdict.Action)))
	l.writeState(snapshot)
}

func (l *Loop) executeProtective(ctx context.Context, snapshot bess.TelemetrySnapshot, action bess.SafetyAction) error {
	switch action {
	case bess.SafetyActionReducePower:
		// the register holds a magnitude, telemetry power is signed
		return l.bus.WriteSetpointKW(ctx, math.Abs(snapshot.PowerKW)/2)
	case bess.SafetyActionStopCharge:
		if err := l.bus.SetChargeEnabled(ctx, false); err != nil {
			return err
		}
		if snapshot.PowerKW < 0 {
			return l.bus.WriteSetpointKW(ctx, 0)
		}
		return nil
	case bess.SafetyActionStopDischarge:
		if err := l.bus.SetDischargeEnabled(ctx, false); err != nil {
			return err
		}
		if snapshot.PowerKW > 0 {
			return l.bus.WriteSetpointKW(ctx, 0)
		}
		return nil
	case bess.SafetyActionStopAll:
		if err := l.bus.WriteSetpointKW(ctx, 0); err != nil {
			return err
		}
		if err := l.bus.SetChargeEnabled(ctx, false); err != nil {
			return err
		}
		return l.bus.SetDischargeEnabled(ctx, false)
	case bess.SafetyActionEmergencyStop:
		return l.bus.EmergencyStop(ctx)
	}
	return nil
}

func (l *Loop) operationalState(snapshot bess.TelemetrySnapshot) bess.OperationalState {
	return bess.OperationalState{
		SOCPercent:    snapshot.SOC,
		PowerKW:       snapshot.PowerKW,
		CriticalAlarm: l.criticalActive,
		IslandMode:    l.engine.IslandMode(),
		Mode:          l.engine.Mode(),
		UpdatedAt:     l.clk.Now(),
	}
}

func (l *Loop) writeState(snapshot bess.TelemetrySnapshot) {
	if err := ota.WriteOperationalState(l.fs, l.cfg.DataDir, l.operationalState(snapshot)); err != nil {
		l.log.Error(err, "writing operational state failed")
	}
}
