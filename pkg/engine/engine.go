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

// Package engine arbitrates the sub-controllers into one decision per
// optimization pass. The priority order is fixed: grid code, then
// contractual peak shaving, then economics, then the longevity default.
// Safety never reaches the engine; the control loop handles it first.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cache"
	"github.com/lifo4/edge-controller/pkg/policies/arbitrage"
	"github.com/lifo4/edge-controller/pkg/policies/blackstart"
	"github.com/lifo4/edge-controller/pkg/policies/peakshaving"
	"github.com/lifo4/edge-controller/pkg/policies/solar"
)

// Config bounds the engine's mode handling and safe-mode behavior.
type Config struct {
	// CloudTimeout is how long the cloud may stay silent before the edge
	// drops from online to autonomous.
	CloudTimeout time.Duration
	// Safe-mode SOC band and correction cap. Inside the band the battery
	// idles; outside it corrects conservatively toward the band.
	SafeMinSOC    float64
	SafeMaxSOC    float64
	SafeModeCapKW float64
}

func DefaultConfig() Config {
	return Config{
		CloudTimeout:  15 * time.Minute,
		SafeMinSOC:    20,
		SafeMaxSOC:    80,
		SafeModeCapKW: 5,
	}
}

// Engine owns the operating mode and the sub-controller set.
type Engine struct {
	cfg Config
	clk clock.Clock
	log logr.Logger

	blackstart *blackstart.Controller
	peak       *peakshaving.Controller
	solar      *solar.Controller
	arbitrage  *arbitrage.Controller

	mu               sync.Mutex
	lastCloudContact time.Time
	safe             bool
	safeReason       string
}

func New(cfg Config, clk clock.Clock, log logr.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		clk:        clk,
		log:        log.WithName("engine"),
		blackstart: blackstart.NewController(blackstart.DefaultLimits()),
		peak:       peakshaving.NewController(),
		solar:      solar.NewController(),
		arbitrage:  arbitrage.NewController(),
		// treat boot as cloud contact so a freshly started edge gives the
		// cloud one timeout window before going autonomous
		lastCloudContact: clk.Now(),
	}
}

// NoteCloudContact records a valid cloud command or heartbeat, which flips
// autonomous back to online.
func (e *Engine) NoteCloudContact(t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.After(e.lastCloudContact) {
		e.lastCloudContact = t
	}
}

// Mode derives the current operating mode. Safe latches until an operator
// reset; online decays to autonomous after the cloud timeout.
func (e *Engine) Mode() bess.OperatingMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode()
}

func (e *Engine) mode() bess.OperatingMode {
	if e.safe {
		return bess.ModeSafe
	}
	if e.clk.Since(e.lastCloudContact) > e.cfg.CloudTimeout {
		return bess.ModeAutonomous
	}
	return bess.ModeOnline
}

// EnterSafeMode latches conservative behavior. Idempotent.
func (e *Engine) EnterSafeMode(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.safe {
		return
	}
	e.safe = true
	e.safeReason = reason
	e.log.Info("entering safe mode", "reason", reason)
	safeModeGauge.Set(1)
}

// ExitSafeMode releases the latch after an operator reset. The caller is
// responsible for verifying conditions are healthy first. The edge resumes
// autonomous; the next cloud contact restores online.
func (e *Engine) ExitSafeMode() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.safe {
		return
	}
	e.safe = false
	e.safeReason = ""
	e.lastCloudContact = time.Time{}
	e.log.Info("exiting safe mode")
	safeModeGauge.Set(0)
}

// InSafeMode reports the safe latch.
func (e *Engine) InSafeMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.safe
}

// IslandMode reports whether the grid-code machine has the site islanded.
// Software updates are blocked while true.
func (e *Engine) IslandMode() bool {
	return e.blackstart.IslandMode()
}

// Decide runs one arbitration pass. It performs no I/O; the control loop
// applies the returned decision. The cache view is the snapshot taken at
// cycle start, so mid-cycle cloud updates are never observed.
func (e *Engine) Decide(snapshot bess.TelemetrySnapshot, view cache.View) bess.Decision {
	now := e.clk.Now()
	mode := e.Mode()

	// the grid-code machine advances every pass, even in safe mode, so
	// island detection stays current
	gridProposal := e.blackstart.Evaluate(snapshot, view)

	var decision bess.Decision
	switch {
	case mode == bess.ModeSafe:
		decision = e.safeDecision(snapshot, now)
	case e.blackstart.State() != blackstart.StateGridConnected:
		decision = e.finish(gridProposal, bess.PriorityGridCode, mode, now)
	default:
		if proposal := e.peak.Evaluate(snapshot, view); proposal.Action == bess.ActionCharge || proposal.Action == bess.ActionDischarge {
			decision = e.finish(proposal, bess.PriorityContractual, mode, now)
			break
		}
		decision = e.economic(snapshot, view, mode, now)
	}
	decisionsTotal.WithLabelValues(string(decision.Priority), string(decision.Action)).Inc()
	return decision
}

// economic is the fourth arbitration rung: cloud setpoint when online and
// fresh, otherwise the local autonomous policies.
func (e *Engine) economic(snapshot bess.TelemetrySnapshot, view cache.View, mode bess.OperatingMode, now time.Time) bess.Decision {
	if mode == bess.ModeOnline && view.SetpointFresh() {
		sp := view.Setpoint
		return bess.Decision{
			Action:   sp.Action,
			PowerKW:  lo.Clamp(sp.PowerKW, 0, view.Config.MaxPowerKW),
			Priority: bess.PriorityEconomic,
			Reason:   fmt.Sprintf("cloud setpoint: %s", lo.Ternary(sp.Reason != "", sp.Reason, "unspecified")),
			Mode:     mode,
			IssuedAt: now,
		}
	}
	if proposal := e.solar.Evaluate(snapshot, view, now); !proposal.IsIdle() {
		return e.finish(proposal, bess.PriorityEconomic, mode, now)
	}
	if proposal := e.arbitrage.Evaluate(snapshot, view, now); !proposal.IsIdle() {
		return e.finish(proposal, bess.PriorityEconomic, mode, now)
	}
	return bess.Decision{
		Action:   bess.ActionIdle,
		Priority: bess.PriorityLongevity,
		Reason:   e.tag(mode, "no policy fired, preserving cycle life"),
		Mode:     mode,
		IssuedAt: now,
	}
}

// safeDecision keeps SOC inside the conservative band with corrections
// capped at the safe-mode rate. Always LONGEVITY priority.
func (e *Engine) safeDecision(snapshot bess.TelemetrySnapshot, now time.Time) bess.Decision {
	decision := bess.Decision{
		Action:   bess.ActionIdle,
		Priority: bess.PriorityLongevity,
		Reason:   fmt.Sprintf("[SAFE] holding, reason: %s", e.safeReason),
		Mode:     bess.ModeSafe,
		IssuedAt: now,
	}
	if snapshot.SOC < e.cfg.SafeMinSOC {
		decision.Action = bess.ActionCharge
		decision.PowerKW = e.cfg.SafeModeCapKW
		decision.Reason = fmt.Sprintf("[SAFE] soc %.1f%% below %.1f%%, conservative charge", snapshot.SOC, e.cfg.SafeMinSOC)
	} else if snapshot.SOC > e.cfg.SafeMaxSOC {
		decision.Action = bess.ActionDischarge
		decision.PowerKW = e.cfg.SafeModeCapKW
		decision.Reason = fmt.Sprintf("[SAFE] soc %.1f%% above %.1f%%, conservative discharge", snapshot.SOC, e.cfg.SafeMaxSOC)
	}
	return decision
}

func (e *Engine) finish(proposal bess.Proposal, priority bess.Priority, mode bess.OperatingMode, now time.Time) bess.Decision {
	return bess.Decision{
		Action:   proposal.Action,
		PowerKW:  proposal.PowerKW,
		Priority: priority,
		Reason:   e.tag(mode, proposal.Reason),
		Mode:     mode,
		IssuedAt: now,
	}
}

func (e *Engine) tag(mode bess.OperatingMode, reason string) string {
	if mode == bess.ModeAutonomous {
		return "[AUTONOMOUS] " + reason
	}
	return reason
}
