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

package controlloop_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	gocache "github.com/patrickmn/go-cache"
	"github.com/spf13/afero"
	clock "k8s.io/utils/clock/testing"

	"github.com/lifo4/edge-controller/pkg/alarms"
	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cache"
	"github.com/lifo4/edge-controller/pkg/cloud"
	"github.com/lifo4/edge-controller/pkg/controllers/controlloop"
	syncctrl "github.com/lifo4/edge-controller/pkg/controllers/sync"
	"github.com/lifo4/edge-controller/pkg/engine"
	"github.com/lifo4/edge-controller/pkg/fake"
	"github.com/lifo4/edge-controller/pkg/fieldbus"
	"github.com/lifo4/edge-controller/pkg/ota"
	"github.com/lifo4/edge-controller/pkg/safety"
	"github.com/lifo4/edge-controller/pkg/store"
	"github.com/lifo4/edge-controller/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	fakeClock *clock.FakeClock
	transport *fake.BusTransport
	registers *fieldbus.RegisterMap
	broker    *fake.Broker
	topics    cloud.Topics
	db        *store.Store
	manager   *cache.Manager
	arbiter   *engine.Engine
	sentinel  *fakeSentinel
	fs        afero.Fs
	loop      *controlloop.Loop
)

type fakeSentinel struct {
	allow    bool
	failures int
}

func (s *fakeSentinel) AllowAttempt(time.Time) bool           { return s.allow }
func (s *fakeSentinel) NoteSuccess()                          {}
func (s *fakeSentinel) NoteFailure(context.Context, error)    { s.failures++ }

func TestControlLoop(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ControlLoop")
}

var _ = BeforeEach(func() {
	fakeClock = clock.NewFakeClock(test.FixedTime)
	transport = fake.NewBusTransport()
	registers = fieldbus.DefaultRegisterMap()
	broker = fake.NewBroker()
	topics = cloud.Topics{Site: "site-001"}
	manager = cache.NewManager(gocache.New(gocache.NoExpiration, time.Minute), fakeClock, logr.Discard())
	arbiter = engine.New(engine.DefaultConfig(), fakeClock, logr.Discard())
	sentinel = &fakeSentinel{allow: true}
	fs = afero.NewMemMapFs()

	var err error
	db, err = store.Open(filepath.Join(GinkgoT().TempDir(), "lifo4.db"), store.DefaultRetention(), fakeClock, logr.Discard())
	Expect(err).ToNot(HaveOccurred())
	DeferCleanup(func() {
		Expect(db.Close()).To(Succeed())
	})

	bus := fieldbus.NewClient(transport, registers, fakeClock, logr.Discard())
	evaluator, err := safety.NewEvaluator(safety.DefaultTable(), fakeClock, logr.Discard())
	Expect(err).ToNot(HaveOccurred())
	sink := alarms.NewSink(db, broker, topics, fakeClock, logr.Discard())
	shipper := syncctrl.NewController(db, broker, topics, syncctrl.DefaultOptions(), fakeClock, logr.Discard())

	cfg := controlloop.DefaultConfig()
	loop = controlloop.NewLoop(cfg, bus, sentinel, evaluator, arbiter, db, manager, shipper, sink, fs, fakeClock, logr.Discard())

	seedNominal()
})

func seedNominal() {
	transport.Seed(registers, fieldbus.RegSOC, 55)
	transport.Seed(registers, fieldbus.RegSOH, 97)
	transport.Seed(registers, fieldbus.RegPackVoltage, 812.4)
	transport.Seed(registers, fieldbus.RegCurrent, 0)
	transport.Seed(registers, fieldbus.RegPowerKW, 0)
	transport.Seed(registers, fieldbus.RegTempMin, 18.1)
	transport.Seed(registers, fieldbus.RegTempMax, 24.7)
	transport.Seed(registers, fieldbus.RegTempAvg, 21.3)
	transport.Seed(registers, fieldbus.RegGridFrequency, 49.98)
	transport.Seed(registers, fieldbus.RegGridVoltage, 230.1)
	transport.Seed(registers, fieldbus.RegCellVoltageMin, 3.31)
	transport.Seed(registers, fieldbus.RegCellVoltageMax, 3.38)
	transport.Seed(registers, fieldbus.RegInsulation, 1500)
	transport.Seed(registers, fieldbus.RegSiteDemandKW, 42.5)
}

func setpointRegister() uint16 {
	return transport.HoldingValue(200)
}

var _ = Describe("Nominal cycle", func() {
	It("should read, persist, ship and beat", func() {
		loop.Cycle(context.Background())

		Expect(loop.LastBeat()).To(BeTemporally("==", test.FixedTime))

		latest, err := db.LatestTelemetry(1)
		Expect(err).ToNot(HaveOccurred())
		Expect(latest).To(HaveLen(1))
		Expect(latest[0].SOC).To(Equal(55.0))

		Expect(broker.Published(topics.Telemetry())).To(HaveLen(1))
		Expect(broker.Published(topics.Decisions())).To(HaveLen(1))
		Expect(broker.Published(topics.Heartbeat())).To(HaveLen(1))

		state, err := ota.ReadOperationalState(fs, "/data")
		Expect(err).ToNot(HaveOccurred())
		Expect(state.SOCPercent).To(Equal(55.0))
		Expect(state.UpdatedAt).To(Equal(test.FixedTime))
	})
	It("should execute a fresh cloud setpoint on the bus", func() {
		arbiter.NoteCloudContact(fakeClock.Now())
		manager.SetSetpoint(cache.Setpoint{Action: bess.ActionCharge, PowerKW: 30, IssuedAt: fakeClock.Now()})

		loop.Cycle(context.Background())

		// 30 kW magnitude at 0.1 scale; direction comes from the coils
		Expect(setpointRegister()).To(Equal(uint16(300)))
		Expect(transport.CoilValue(1)).To(BeTrue())
		Expect(transport.CoilValue(2)).To(BeFalse())
	})
	It("should drop the opposite direction coil when the decision flips", func() {
		transport.SeedCoil(registers, fieldbus.RegDischargeEnable, true)
		arbiter.NoteCloudContact(fakeClock.Now())
		manager.SetSetpoint(cache.Setpoint{Action: bess.ActionCharge, PowerKW: 30, IssuedAt: fakeClock.Now()})

		loop.Cycle(context.Background())

		Expect(transport.CoilValue(1)).To(BeTrue())
		Expect(transport.CoilValue(2)).To(BeFalse(), "both direction coils must never be enabled at once")
	})
	It("should optimize only on the optimization interval", func() {
		loop.Cycle(context.Background())
		Expect(broker.Published(topics.Decisions())).To(HaveLen(1))

		fakeClock.Step(time.Second)
		loop.Cycle(context.Background())
		Expect(broker.Published(topics.Decisions())).To(HaveLen(1))

		fakeClock.Step(4 * time.Second)
		loop.Cycle(context.Background())
		Expect(broker.Published(topics.Decisions())).To(HaveLen(2))
	})
	It("should keep persisting when telemetry publishing is shed", func() {
		loop.SetTelemetryPublish(false)
		loop.Cycle(context.Background())

		Expect(broker.Published(topics.Telemetry())).To(BeEmpty())
		latest, err := db.LatestTelemetry(1)
		Expect(err).ToNot(HaveOccurred())
		Expect(latest).To(HaveLen(1))
	})
})

var _ = Describe("Safety override", func() {
	It("should emergency stop on critical temperature without consulting the engine", func() {
		arbiter.NoteCloudContact(fakeClock.Now())
		manager.SetSetpoint(cache.Setpoint{Action: bess.ActionDischarge, PowerKW: 50, IssuedAt: fakeClock.Now()})
		transport.SeedCoil(registers, fieldbus.RegChargeEnable, true)
		transport.SeedCoil(registers, fieldbus.RegDischargeEnable, true)
		transport.Seed(registers, fieldbus.RegTempMax, 62)

		loop.Cycle(context.Background())

		Expect(transport.CoilValue(3)).To(BeTrue(), "e-stop coil must trip")
		Expect(transport.CoilValue(1)).To(BeFalse())
		Expect(transport.CoilValue(2)).To(BeFalse())
		Expect(setpointRegister()).To(Equal(uint16(0)))

		Expect(broker.Published(topics.Decisions())).To(BeEmpty())
		active, err := db.ActiveAlarms()
		Expect(err).ToNot(HaveOccurred())
		Expect(active).To(HaveLen(1))
		Expect(active[0].Kind).To(Equal(bess.AlarmSafetyEmergencyStop))
		Expect(broker.Published(topics.Alarms())).To(HaveLen(1))

		state, err := ota.ReadOperationalState(fs, "/data")
		Expect(err).ToNot(HaveOccurred())
		Expect(state.CriticalAlarm).To(BeTrue())

		// snapshot is still persisted on the protective path
		latest, err := db.LatestTelemetry(1)
		Expect(err).ToNot(HaveOccurred())
		Expect(latest).To(HaveLen(1))
		Expect(latest[0].TempMax).To(Equal(62.0))
	})
	It("should raise but keep optimizing on a warning with no action", func() {
		transport.Seed(registers, fieldbus.RegCellVoltageMax, 3.56)

		loop.Cycle(context.Background())

		Expect(broker.Published(topics.Decisions())).To(HaveLen(1))
		active, err := db.ActiveAlarms()
		Expect(err).ToNot(HaveOccurred())
		Expect(active).To(HaveLen(1))
		Expect(active[0].Kind).To(Equal(bess.AlarmSafetyViolation))
	})
})

var _ = Describe("Bus failures", func() {
	It("should hand read errors to the sentinel and end the cycle", func() {
		transport.ReadInputRegistersBehavior.Error.Set(fmt.Errorf("unit unreachable"))

		loop.Cycle(context.Background())

		Expect(sentinel.failures).To(Equal(1))
		latest, err := db.LatestTelemetry(1)
		Expect(err).ToNot(HaveOccurred())
		Expect(latest).To(BeEmpty())
	})
	It("should skip the bus entirely while the sentinel holds it back", func() {
		sentinel.allow = false
		loop.Cycle(context.Background())
		Expect(loop.LastBeat()).To(BeTemporally("==", test.FixedTime))
		latest, err := db.LatestTelemetry(1)
		Expect(err).ToNot(HaveOccurred())
		Expect(latest).To(BeEmpty())
	})
})
