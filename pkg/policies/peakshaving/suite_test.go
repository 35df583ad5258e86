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

package peakshaving_test

import (
	"testing"

	"github.com/samber/lo"

	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cache"
	"github.com/lifo4/edge-controller/pkg/policies/peakshaving"
	"github.com/lifo4/edge-controller/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var controller *peakshaving.Controller

func TestPeakShaving(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "PeakShaving")
}

var _ = BeforeEach(func() {
	controller = peakshaving.NewController()
})

// demand limit 100, trigger 80% => engage at 80kW
func view() cache.View {
	return cache.View{Config: cache.DefaultOptimizationConfig(), TakenAt: test.FixedTime}
}

func atDemand(kw float64) bess.TelemetrySnapshot {
	return test.Snapshot(bess.TelemetrySnapshot{SOC: 60, SiteDemandKW: lo.ToPtr(kw)})
}

var _ = Describe("PeakShaving", func() {
	It("should engage at exactly the trigger level", func() {
		proposal := controller.Evaluate(atDemand(80), view())
		Expect(controller.Engaged()).To(BeTrue())
		Expect(proposal.IsIdle()).To(BeTrue()) // no excess yet
	})
	It("should discharge exactly the excess over the trigger", func() {
		proposal := controller.Evaluate(atDemand(90), view())
		Expect(proposal.Action).To(Equal(bess.ActionDischarge))
		Expect(proposal.PowerKW).To(Equal(10.0))
	})
	It("should cap the shave at the inverter rating", func() {
		v := view()
		v.Config.MaxPowerKW = 5
		proposal := controller.Evaluate(atDemand(95), v)
		Expect(proposal.PowerKW).To(Equal(5.0))
	})
	It("should stay engaged until demand drops below the release point", func() {
		controller.Evaluate(atDemand(90), view())
		Expect(controller.Engaged()).To(BeTrue())

		// 70% of the 80kW trigger is 56kW; 60kW keeps the latch
		controller.Evaluate(atDemand(60), view())
		Expect(controller.Engaged()).To(BeTrue())

		controller.Evaluate(atDemand(55), view())
		Expect(controller.Engaged()).To(BeFalse())
	})
	It("should not engage below the SOC floor", func() {
		snapshot := test.Snapshot(bess.TelemetrySnapshot{SOC: 10, SiteDemandKW: lo.ToPtr(90.0)})
		proposal := controller.Evaluate(snapshot, view())
		Expect(controller.Engaged()).To(BeFalse())
		Expect(proposal.IsIdle()).To(BeTrue())
	})
	It("should fall back to battery power plus baseline without a meter", func() {
		snapshot := test.Snapshot(bess.TelemetrySnapshot{SOC: 60, PowerKW: 70})
		snapshot.SiteDemandKW = nil
		// |70| + 20 baseline = 90 demand
		proposal := controller.Evaluate(snapshot, view())
		Expect(proposal.Action).To(Equal(bess.ActionDischarge))
		Expect(proposal.PowerKW).To(Equal(10.0))
	})
})
