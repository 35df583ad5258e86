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

package cache_test

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	gocache "github.com/patrickmn/go-cache"
	clock "k8s.io/utils/clock/testing"

	"github.com/lifo4/edge-controller/pkg/bess"
	edgecache "github.com/lifo4/edge-controller/pkg/cache"
	"github.com/lifo4/edge-controller/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	fakeClock *clock.FakeClock
	manager   *edgecache.Manager
)

func TestCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cache")
}

var _ = BeforeEach(func() {
	fakeClock = clock.NewFakeClock(test.FixedTime)
	manager = edgecache.NewManager(gocache.New(gocache.NoExpiration, time.Minute), fakeClock, logr.Discard())
})

var _ = Describe("Snapshot", func() {
	It("should serve compiled defaults before any cloud data arrives", func() {
		view := manager.Snapshot()
		Expect(view.PricesFresh).To(BeFalse())
		Expect(view.Prices.At(test.FixedTime)).To(Equal(0.20))
		Expect(view.ForecastFresh).To(BeFalse())
		Expect(view.Setpoint).To(BeNil())
		Expect(view.Config).To(Equal(edgecache.DefaultOptimizationConfig()))
		Expect(view.TakenAt).To(Equal(test.FixedTime))
	})
	It("should reflect stored entries with freshness raised", func() {
		manager.SetPrices(test.FlatPrices(0.05))
		manager.SetLoadForecast(test.FlatPrices(12))
		manager.SetSolarForecast(test.FlatPrices(3))
		manager.SetSetpoint(edgecache.Setpoint{Action: bess.ActionCharge, PowerKW: 30, IssuedAt: test.FixedTime})

		view := manager.Snapshot()
		Expect(view.PricesFresh).To(BeTrue())
		Expect(view.Prices.At(test.FixedTime)).To(Equal(0.05))
		Expect(view.ForecastFresh).To(BeTrue())
		Expect(view.Setpoint).ToNot(BeNil())
		Expect(view.Setpoint.PowerKW).To(Equal(30.0))
		Expect(view.SetpointFresh()).To(BeTrue())
	})
	It("should hand out views that later writes cannot mutate", func() {
		manager.SetPrices(test.FlatPrices(0.05))
		view := manager.Snapshot()
		manager.SetPrices(test.FlatPrices(0.50))
		Expect(view.Prices.At(test.FixedTime)).To(Equal(0.05))
	})
	It("should lower forecast freshness when either forecast is missing", func() {
		manager.SetLoadForecast(test.FlatPrices(12))
		view := manager.Snapshot()
		Expect(view.ForecastFresh).To(BeFalse())
	})
})

var _ = Describe("Setpoint lifecycle", func() {
	It("should drop the setpoint when cleared", func() {
		manager.SetSetpoint(edgecache.Setpoint{Action: bess.ActionDischarge, PowerKW: 10})
		Expect(manager.Snapshot().Setpoint).ToNot(BeNil())
		manager.ClearSetpoint()
		Expect(manager.Snapshot().Setpoint).To(BeNil())
	})
})

var _ = Describe("OptimizationConfig", func() {
	It("should merge partial updates over defaults", func() {
		Expect(manager.SetOptimizationConfig(edgecache.OptimizationConfig{DemandLimitKW: 250})).To(Succeed())
		config := manager.Snapshot().Config
		Expect(config.DemandLimitKW).To(Equal(250.0))
		// untouched knobs keep their defaults
		Expect(config.ArbitrageBuyThreshold).To(Equal(edgecache.DefaultOptimizationConfig().ArbitrageBuyThreshold))
		Expect(config.PeakTriggerPercent).To(Equal(0.8))
	})
	It("should reject an inverted soc envelope and keep the previous config", func() {
		Expect(manager.SetOptimizationConfig(edgecache.OptimizationConfig{DemandLimitKW: 250})).To(Succeed())
		Expect(manager.SetOptimizationConfig(edgecache.OptimizationConfig{MinSOC: 96})).ToNot(Succeed())
		Expect(manager.Snapshot().Config.DemandLimitKW).To(Equal(250.0))
	})
	It("should survive a flush", func() {
		Expect(manager.SetOptimizationConfig(edgecache.OptimizationConfig{DemandLimitKW: 321})).To(Succeed())
		manager.SetPrices(test.FlatPrices(0.01))
		manager.Flush()
		view := manager.Snapshot()
		Expect(view.PricesFresh).To(BeFalse())
		Expect(view.Config.DemandLimitKW).To(Equal(321.0))
	})
})
