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

package blackstart_test

import (
	"testing"

	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cache"
	"github.com/lifo4/edge-controller/pkg/policies/blackstart"
	"github.com/lifo4/edge-controller/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var controller *blackstart.Controller

func TestBlackStart(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "BlackStart")
}

var _ = BeforeEach(func() {
	controller = blackstart.NewController(blackstart.DefaultLimits())
})

func view() cache.View {
	return cache.View{Config: cache.DefaultOptimizationConfig(), TakenAt: test.FixedTime}
}

func gridOK() bess.TelemetrySnapshot {
	return test.Snapshot(bess.TelemetrySnapshot{SOC: 60})
}

func gridDown() bess.TelemetrySnapshot {
	return test.Snapshot(bess.TelemetrySnapshot{SOC: 60, GridVoltage: 12, GridFrequency: 47})
}

func cycles(snapshot bess.TelemetrySnapshot, n int) bess.Proposal {
	var proposal bess.Proposal
	for i := 0; i < n; i++ {
		proposal = controller.Evaluate(snapshot, view())
	}
	return proposal
}

var _ = Describe("BlackStart", func() {
	It("should stay connected on a healthy grid", func() {
		proposal := cycles(gridOK(), 10)
		Expect(controller.State()).To(Equal(blackstart.StateGridConnected))
		Expect(proposal.IsIdle()).To(BeTrue())
	})
	It("should ignore a single bad reading", func() {
		controller.Evaluate(gridDown(), view())
		cycles(gridOK(), 3)
		Expect(controller.State()).To(Equal(blackstart.StateGridConnected))
	})
	It("should island after confirmed grid failure", func() {
		// 3 cycles confirm the failure, then detected -> transferring -> island
		cycles(gridDown(), 5)
		Expect(controller.State()).To(Equal(blackstart.StateIslandMode))
		Expect(controller.IslandMode()).To(BeTrue())
	})
	It("should size the island discharge by SOC", func() {
		cycles(gridDown(), 5)
		proposal := controller.Evaluate(gridDown(), view())
		Expect(proposal.Action).To(Equal(bess.ActionDischarge))
		Expect(proposal.PowerKW).To(BeNumerically(">", 0))

		low := test.Snapshot(bess.TelemetrySnapshot{SOC: 20, GridVoltage: 12, GridFrequency: 47})
		lowProposal := controller.Evaluate(low, view())
		Expect(lowProposal.PowerKW).To(BeNumerically("<", proposal.PowerKW))
	})
	It("should hold at the reserve floor in island mode", func() {
		cycles(gridDown(), 5)
		floor := test.Snapshot(bess.TelemetrySnapshot{SOC: 10, GridVoltage: 12, GridFrequency: 47})
		Expect(controller.Evaluate(floor, view()).IsIdle()).To(BeTrue())
	})
	It("should resynchronize once the grid holds steady", func() {
		cycles(gridDown(), 5)
		Expect(controller.State()).To(Equal(blackstart.StateIslandMode))

		// 5 steady cycles release island mode, then reconnect and sync
		cycles(gridOK(), 5)
		Expect(controller.State()).To(Equal(blackstart.StateReconnecting))
		cycles(gridOK(), 2)
		Expect(controller.State()).To(Equal(blackstart.StateGridConnected))
	})
	It("should fall back to island if the grid fails during resync", func() {
		cycles(gridDown(), 5)
		cycles(gridOK(), 5)
		Expect(controller.State()).To(Equal(blackstart.StateReconnecting))
		controller.Evaluate(gridDown(), view())
		Expect(controller.State()).To(Equal(blackstart.StateIslandMode))
	})
})
