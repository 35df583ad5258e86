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

package engine_test

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	clock "k8s.io/utils/clock/testing"

	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cache"
	"github.com/lifo4/edge-controller/pkg/engine"
	"github.com/lifo4/edge-controller/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	fakeClock *clock.FakeClock
	arbiter   *engine.Engine
)

func TestEngine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Engine")
}

var _ = BeforeEach(func() {
	fakeClock = clock.NewFakeClock(test.FixedTime)
	arbiter = engine.New(engine.DefaultConfig(), fakeClock, logr.Discard())
})

func nominalView() cache.View {
	return cache.View{
		Prices:        cache.DefaultPrices(),
		Config:        cache.DefaultOptimizationConfig(),
		LoadForecast:  cache.DefaultForecast(),
		SolarForecast: cache.DefaultForecast(),
		TakenAt:       fakeClock.Now(),
	}
}

var _ = Describe("Online mode", func() {
	It("should execute a fresh cloud setpoint verbatim", func() {
		view := nominalView()
		view.Setpoint = &cache.Setpoint{Action: bess.ActionCharge, PowerKW: 30, Reason: "fleet optimization"}

		decision := arbiter.Decide(test.Snapshot(bess.TelemetrySnapshot{SOC: 50}), view)
		Expect(decision.Action).To(Equal(bess.ActionCharge))
		Expect(decision.PowerKW).To(Equal(30.0))
		Expect(decision.Priority).To(Equal(bess.PriorityEconomic))
		Expect(decision.Mode).To(Equal(bess.ModeOnline))
	})
	It("should clamp a setpoint beyond the inverter rating", func() {
		view := nominalView()
		view.Setpoint = &cache.Setpoint{Action: bess.ActionDischarge, PowerKW: 500}
		decision := arbiter.Decide(test.Snapshot(), view)
		Expect(decision.PowerKW).To(Equal(view.Config.MaxPowerKW))
	})
	It("should fall through to local policies when the setpoint is stale", func() {
		decision := arbiter.Decide(test.Snapshot(), nominalView())
		Expect(decision.Priority).To(Equal(bess.PriorityLongevity))
		Expect(decision.Action).To(Equal(bess.ActionIdle))
	})
})

var _ = Describe("Mode transitions", func() {
	It("should decay online to autonomous after the cloud timeout", func() {
		Expect(arbiter.Mode()).To(Equal(bess.ModeOnline))
		fakeClock.Step(20 * time.Minute)
		Expect(arbiter.Mode()).To(Equal(bess.ModeAutonomous))
	})
	It("should return to online on cloud contact", func() {
		fakeClock.Step(20 * time.Minute)
		Expect(arbiter.Mode()).To(Equal(bess.ModeAutonomous))
		arbiter.NoteCloudContact(fakeClock.Now())
		Expect(arbiter.Mode()).To(Equal(bess.ModeOnline))
	})
	It("should run arbitrage autonomously with a cheap price", func() {
		fakeClock.Step(20 * time.Minute)
		view := nominalView()
		view.Prices = test.FlatPrices(0.20)
		view.Config.ArbitrageBuyThreshold = 0.45

		decision := arbiter.Decide(test.Snapshot(bess.TelemetrySnapshot{SOC: 50}), view)
		Expect(decision.Mode).To(Equal(bess.ModeAutonomous))
		Expect(decision.Action).To(Equal(bess.ActionCharge))
		Expect(decision.Reason).To(ContainSubstring("[AUTONOMOUS]"))
	})
	It("should latch safe mode until an explicit exit", func() {
		arbiter.EnterSafeMode("field_bus_exhausted")
		Expect(arbiter.Mode()).To(Equal(bess.ModeSafe))
		arbiter.NoteCloudContact(fakeClock.Now())
		Expect(arbiter.Mode()).To(Equal(bess.ModeSafe))
		arbiter.ExitSafeMode()
		Expect(arbiter.Mode()).To(Equal(bess.ModeAutonomous))
	})
})

var _ = Describe("Arbitration order", func() {
	It("should let peak shaving beat cheap-price arbitrage", func() {
		view := nominalView()
		view.Prices = test.FlatPrices(0.05) // arbitrage would buy
		snapshot := test.Snapshot(bess.TelemetrySnapshot{SOC: 60, SiteDemandKW: lo.ToPtr(90.0)})

		decision := arbiter.Decide(snapshot, view)
		Expect(decision.Priority).To(Equal(bess.PriorityContractual))
		Expect(decision.Action).To(Equal(bess.ActionDischarge))
		Expect(decision.PowerKW).To(BeNumerically("<=", 10))
	})
	It("should promote grid-code decisions over everything but safety", func() {
		view := nominalView()
		view.Setpoint = &cache.Setpoint{Action: bess.ActionCharge, PowerKW: 30}
		gridDown := test.Snapshot(bess.TelemetrySnapshot{SOC: 60, GridVoltage: 12, GridFrequency: 47})

		var decision bess.Decision
		for i := 0; i < 6; i++ {
			decision = arbiter.Decide(gridDown, view)
		}
		Expect(decision.Priority).To(Equal(bess.PriorityGridCode))
		Expect(decision.Action).To(Equal(bess.ActionDischarge))
		Expect(arbiter.IslandMode()).To(BeTrue())
	})
	It("should prefer solar over arbitrage autonomously", func() {
		fakeClock.Step(20 * time.Minute)
		view := nominalView()
		view.Prices = test.FlatPrices(0.05)
		view.SolarForecast = test.FlatPrices(30)
		view.LoadForecast = test.FlatPrices(10)

		decision := arbiter.Decide(test.Snapshot(bess.TelemetrySnapshot{SOC: 50}), view)
		Expect(decision.Action).To(Equal(bess.ActionCharge))
		Expect(decision.Reason).To(ContainSubstring("solar"))
	})
})

var _ = Describe("Safe mode decisions", func() {
	BeforeEach(func() {
		arbiter.EnterSafeMode("test")
	})
	It("should idle inside the safe band", func() {
		decision := arbiter.Decide(test.Snapshot(bess.TelemetrySnapshot{SOC: 50}), nominalView())
		Expect(decision.Action).To(Equal(bess.ActionIdle))
		Expect(decision.Priority).To(Equal(bess.PriorityLongevity))
		Expect(decision.Mode).To(Equal(bess.ModeSafe))
	})
	It("should correct conservatively below the band", func() {
		decision := arbiter.Decide(test.Snapshot(bess.TelemetrySnapshot{SOC: 15}), nominalView())
		Expect(decision.Action).To(Equal(bess.ActionCharge))
		Expect(decision.PowerKW).To(BeNumerically("<=", engine.DefaultConfig().SafeModeCapKW))
		Expect(decision.Priority).To(Equal(bess.PriorityLongevity))
	})
	It("should ignore cloud setpoints entirely", func() {
		view := nominalView()
		view.Setpoint = &cache.Setpoint{Action: bess.ActionDischarge, PowerKW: 50}
		decision := arbiter.Decide(test.Snapshot(bess.TelemetrySnapshot{SOC: 50}), view)
		Expect(decision.Action).To(Equal(bess.ActionIdle))
	})
	It("should cap every safe-mode decision", func() {
		for _, soc := range []float64{5, 15, 50, 85, 99} {
			decision := arbiter.Decide(test.Snapshot(bess.TelemetrySnapshot{SOC: soc}), nominalView())
			Expect(decision.Priority).To(Equal(bess.PriorityLongevity))
			Expect(decision.PowerKW).To(BeNumerically("<=", engine.DefaultConfig().SafeModeCapKW))
		}
	})
})
