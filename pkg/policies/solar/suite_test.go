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

package solar_test

import (
	"testing"

	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cache"
	"github.com/lifo4/edge-controller/pkg/policies/solar"
	"github.com/lifo4/edge-controller/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var controller *solar.Controller

func TestSolar(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Solar")
}

var _ = BeforeEach(func() {
	controller = solar.NewController()
})

func view(generation, load float64) cache.View {
	v := cache.View{Config: cache.DefaultOptimizationConfig(), TakenAt: test.FixedTime}
	v.SolarForecast = test.FlatPrices(generation)
	v.LoadForecast = test.FlatPrices(load)
	return v
}

var _ = Describe("Solar", func() {
	It("should charge with the surplus above the threshold", func() {
		proposal := controller.Evaluate(test.Snapshot(bess.TelemetrySnapshot{SOC: 50}), view(30, 12), test.FixedTime)
		Expect(proposal.Action).To(Equal(bess.ActionCharge))
		Expect(proposal.PowerKW).To(Equal(18.0))
	})
	It("should idle when the surplus is below the threshold", func() {
		proposal := controller.Evaluate(test.Snapshot(bess.TelemetrySnapshot{SOC: 50}), view(12.5, 12), test.FixedTime)
		Expect(proposal.IsIdle()).To(BeTrue())
	})
	It("should not charge past the target SOC", func() {
		proposal := controller.Evaluate(test.Snapshot(bess.TelemetrySnapshot{SOC: 92}), view(30, 12), test.FixedTime)
		Expect(proposal.IsIdle()).To(BeTrue())
	})
	It("should cap the charge at the inverter rating", func() {
		v := view(120, 10)
		proposal := controller.Evaluate(test.Snapshot(bess.TelemetrySnapshot{SOC: 50}), v, test.FixedTime)
		Expect(proposal.PowerKW).To(Equal(v.Config.MaxPowerKW))
	})
	It("should discharge toward load at night when configured", func() {
		v := view(0, 8)
		v.Config.SolarNightDischargeKW = 5
		proposal := controller.Evaluate(test.Snapshot(bess.TelemetrySnapshot{SOC: 50}), v, test.FixedTime)
		Expect(proposal.Action).To(Equal(bess.ActionDischarge))
		Expect(proposal.PowerKW).To(Equal(5.0))
	})
	It("should stay idle at night by default", func() {
		proposal := controller.Evaluate(test.Snapshot(bess.TelemetrySnapshot{SOC: 50}), view(0, 8), test.FixedTime)
		Expect(proposal.IsIdle()).To(BeTrue())
	})
})
