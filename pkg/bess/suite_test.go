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

package bess_test

import (
	"math"
	"testing"
	"time"

	"github.com/samber/lo"

	"github.com/lifo4/edge-controller/pkg/bess"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestBess(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Bess")
}

func validSnapshot() bess.TelemetrySnapshot {
	return bess.TelemetrySnapshot{
		SOC:            55,
		SOH:            97,
		PackVoltage:    812.4,
		Current:        -12.2,
		PowerKW:        -9.9,
		TempMin:        18.1,
		TempMax:        24.7,
		TempAvg:        21.3,
		GridFrequency:  49.98,
		GridVoltage:    230.1,
		CellVoltageMin: 3.31,
		CellVoltageMax: 3.38,
		CapturedAt:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

var _ = Describe("TelemetrySnapshot", func() {
	It("should accept a nominal snapshot", func() {
		Expect(validSnapshot().Validate()).To(Succeed())
	})
	It("should reject the whole snapshot when any required field is not finite", func() {
		s := validSnapshot()
		s.GridFrequency = math.NaN()
		Expect(s.Validate()).ToNot(Succeed())

		s = validSnapshot()
		s.PackVoltage = math.Inf(1)
		Expect(s.Validate()).ToNot(Succeed())
	})
	It("should reject out of range soc and soh", func() {
		s := validSnapshot()
		s.SOC = 104
		Expect(s.Validate()).ToNot(Succeed())

		s = validSnapshot()
		s.SOH = -1
		Expect(s.Validate()).ToNot(Succeed())
	})
	It("should reject a zero capture time", func() {
		s := validSnapshot()
		s.CapturedAt = time.Time{}
		Expect(s.Validate()).ToNot(Succeed())
	})
	It("should tolerate absent optional sensors and validate present ones", func() {
		s := validSnapshot()
		Expect(s.Validate()).To(Succeed())

		s.SiteDemandKW = lo.ToPtr(math.NaN())
		Expect(s.Validate()).ToNot(Succeed())
	})
})

var _ = Describe("Priority", func() {
	It("should rank strictly from safety down to longevity", func() {
		ordered := []bess.Priority{
			bess.PrioritySafety,
			bess.PriorityGridCode,
			bess.PriorityContractual,
			bess.PriorityEconomic,
			bess.PriorityLongevity,
		}
		for i := 1; i < len(ordered); i++ {
			Expect(ordered[i-1].Outranks(ordered[i])).To(BeTrue())
			Expect(ordered[i].Outranks(ordered[i-1])).To(BeFalse())
		}
	})
	It("should never let an unknown priority win", func() {
		Expect(bess.Priority("BOGUS").Outranks(bess.PriorityLongevity)).To(BeFalse())
		Expect(bess.PriorityLongevity.Outranks(bess.Priority("BOGUS"))).To(BeTrue())
	})
})

var _ = Describe("Decision", func() {
	It("should validate a well formed decision", func() {
		d := bess.Decision{
			Action:   bess.ActionCharge,
			PowerKW:  30,
			Priority: bess.PriorityEconomic,
			Reason:   "cloud setpoint",
			Mode:     bess.ModeOnline,
			IssuedAt: time.Now(),
		}
		Expect(d.Validate()).To(Succeed())
	})
	It("should reject negative or non-finite magnitudes", func() {
		d := bess.Decision{Action: bess.ActionDischarge, PowerKW: -5, Priority: bess.PriorityEconomic, Reason: "x", Mode: bess.ModeOnline}
		Expect(d.Validate()).ToNot(Succeed())
		d.PowerKW = math.Inf(1)
		Expect(d.Validate()).ToNot(Succeed())
	})
	It("should reject unknown enums", func() {
		d := bess.Decision{Action: "sprint", PowerKW: 1, Priority: "URGENT", Reason: "x", Mode: "offline"}
		Expect(d.Validate()).ToNot(Succeed())
	})
})

var _ = Describe("Severity", func() {
	It("should order advisory < warning < alarm < critical < emergency", func() {
		Expect(bess.SeverityCritical.AtLeast(bess.SeverityAlarm)).To(BeTrue())
		Expect(bess.SeverityWarning.AtLeast(bess.SeverityAlarm)).To(BeFalse())
		Expect(bess.SeverityEmergency.AtLeast(bess.SeverityCritical)).To(BeTrue())
		Expect(bess.SeverityAdvisory.Rank()).To(Equal(0))
		Expect(bess.SeverityEmergency.Rank()).To(Equal(4))
	})
})

var _ = Describe("DeviceIdentity", func() {
	It("should derive a stable edge id independent of mac formatting", func() {
		a := bess.NewDeviceIdentity("AA:BB:CC:DD:EE:FF", "SN-1234", "lifo4-mk3", "2.1.0")
		b := bess.NewDeviceIdentity("aa-bb-cc-dd-ee-ff", "SN-1234", "lifo4-mk3", "2.1.0")
		Expect(a.EdgeID).To(Equal(b.EdgeID))
		Expect(a.EdgeID).To(HavePrefix("edge-"))
		Expect(a.EdgeID).To(HaveLen(len("edge-") + 12))
	})
	It("should change when serial changes", func() {
		a := bess.NewDeviceIdentity("aa:bb:cc:dd:ee:ff", "SN-1", "m", "v")
		b := bess.NewDeviceIdentity("aa:bb:cc:dd:ee:ff", "SN-2", "m", "v")
		Expect(a.EdgeID).ToNot(Equal(b.EdgeID))
	})
})

var _ = Describe("SafetyVerdict", func() {
	It("should report ok exactly when no action is demanded", func() {
		v := bess.SafeVerdict()
		Expect(v.OK).To(BeTrue())
		Expect(v.Action.Protective()).To(BeFalse())
		Expect(bess.SafetyActionStopCharge.Protective()).To(BeTrue())
	})
})
