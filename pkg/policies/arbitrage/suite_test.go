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

package arbitrage_test

import (
	"testing"

	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cache"
	"github.com/lifo4/edge-controller/pkg/policies/arbitrage"
	"github.com/lifo4/edge-controller/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var controller *arbitrage.Controller

func TestArbitrage(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Arbitrage")
}

var _ = BeforeEach(func() {
	controller = arbitrage.NewController()
})

func view(priceLevel float64) cache.View {
	v := cache.View{Config: cache.DefaultOptimizationConfig(), TakenAt: test.FixedTime}
	v.Prices = test.FlatPrices(priceLevel)
	v.Config.ArbitrageBuyThreshold = 0.45
	v.Config.ArbitrageSellThreshold = 0.60
	return v
}

var _ = Describe("Arbitrage", func() {
	It("should charge when the price is at or below the buy threshold", func() {
		proposal := controller.Evaluate(test.Snapshot(bess.TelemetrySnapshot{SOC: 50}), view(0.20), test.FixedTime)
		Expect(proposal.Action).To(Equal(bess.ActionCharge))
		Expect(proposal.PowerKW).To(Equal(25.0))
	})
	It("should not charge above the SOC buy ceiling", func() {
		proposal := controller.Evaluate(test.Snapshot(bess.TelemetrySnapshot{SOC: 95}), view(0.20), test.FixedTime)
		Expect(proposal.IsIdle()).To(BeTrue())
	})
	It("should discharge when the price is at or above the sell threshold", func() {
		proposal := controller.Evaluate(test.Snapshot(bess.TelemetrySnapshot{SOC: 50}), view(0.80), test.FixedTime)
		Expect(proposal.Action).To(Equal(bess.ActionDischarge))
	})
	It("should hold at exactly the minimum sell SOC", func() {
		v := view(0.80)
		proposal := controller.Evaluate(test.Snapshot(bess.TelemetrySnapshot{SOC: v.Config.ArbitrageMinSOCForSell}), v, test.FixedTime)
		Expect(proposal.IsIdle()).To(BeTrue())
	})
	It("should idle inside the dead band", func() {
		proposal := controller.Evaluate(test.Snapshot(bess.TelemetrySnapshot{SOC: 50}), view(0.50), test.FixedTime)
		Expect(proposal.IsIdle()).To(BeTrue())
	})
	It("should cap the rate at the inverter rating", func() {
		v := view(0.20)
		v.Config.ArbitrageRateKW = 100
		v.Config.MaxPowerKW = 50
		proposal := controller.Evaluate(test.Snapshot(bess.TelemetrySnapshot{SOC: 50}), v, test.FixedTime)
		Expect(proposal.PowerKW).To(Equal(50.0))
	})
})
