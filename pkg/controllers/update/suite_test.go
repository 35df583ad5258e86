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

package update_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	clock "k8s.io/utils/clock/testing"

	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/controllers/update"
	"github.com/lifo4/edge-controller/pkg/ota"
	"github.com/lifo4/edge-controller/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	fakeClock  *clock.FakeClock
	fs         afero.Fs
	applier    *fakeApplier
	notices    chan ota.UpdateNotice
	controller *update.Controller
	notice     ota.UpdateNotice
)

type event struct {
	kind    string
	version string
	detail  string
	opening time.Time
}

type fakeApplier struct {
	mu       sync.Mutex
	events   []event
	applyErr error
}

func (a *fakeApplier) record(e event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *fakeApplier) Apply(_ context.Context, n ota.UpdateNotice) error {
	a.record(event{kind: "apply", version: n.Version})
	return a.applyErr
}

func (a *fakeApplier) Reject(_ context.Context, n ota.UpdateNotice, reason string) {
	a.record(event{kind: "reject", version: n.Version, detail: reason})
}

func (a *fakeApplier) Scheduled(_ context.Context, n ota.UpdateNotice, opening time.Time) {
	a.record(event{kind: "scheduled", version: n.Version, opening: opening})
}

func (a *fakeApplier) Received(_ context.Context, n ota.UpdateNotice) {
	a.record(event{kind: "received", version: n.Version})
}

func (a *fakeApplier) Events() []event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]event(nil), a.events...)
}

func (a *fakeApplier) Kinds() []string {
	var kinds []string
	for _, e := range a.Events() {
		kinds = append(kinds, e.kind)
	}
	return kinds
}

func TestUpdate(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Update")
}

func writeState(state bess.OperationalState) {
	Expect(ota.WriteOperationalState(fs, "/data", state)).To(Succeed())
}

func idleState(at time.Time) bess.OperationalState {
	return bess.OperationalState{
		SOCPercent: 55,
		PowerKW:    0,
		Mode:       bess.ModeOnline,
		UpdatedAt:  at,
	}
}

var _ = BeforeEach(func() {
	fakeClock = clock.NewFakeClock(test.FixedTime)
	fs = afero.NewMemMapFs()
	applier = &fakeApplier{}
	notices = make(chan ota.UpdateNotice, 4)
	notice = ota.UpdateNotice{
		Version:  "2.4.0",
		URL:      "https://updates.example.com/2.4.0.tar.gz",
		Checksum: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
	}
	// open window unless the test narrows it
	controller = newController(ota.MaintenanceWindow{})
})

func newController(window ota.MaintenanceWindow) *update.Controller {
	return update.NewController(notices, applier, window, fs, "/data", fakeClock, logr.Discard())
}

var _ = Describe("Safety gate", func() {
	It("should apply immediately when idle and inside the window", func() {
		writeState(idleState(fakeClock.Now()))
		Expect(controller.Process(context.Background(), notice)).To(Succeed())
		Expect(applier.Kinds()).To(Equal([]string{"received", "apply"}))
	})
	It("should reject when no operational state has been written", func() {
		Expect(controller.Process(context.Background(), notice)).To(Succeed())
		events := applier.Events()
		Expect(applier.Kinds()).To(Equal([]string{"received", "reject"}))
		Expect(events[1].detail).To(ContainSubstring("operational state unavailable"))
	})
	It("should reject a stale operational state", func() {
		writeState(idleState(fakeClock.Now().Add(-2 * time.Minute)))
		Expect(controller.Process(context.Background(), notice)).To(Succeed())
		Expect(applier.Kinds()).To(Equal([]string{"received", "reject"}))
	})
	It("should reject while the battery moves real power", func() {
		state := idleState(fakeClock.Now())
		state.PowerKW = 25
		writeState(state)
		Expect(controller.Process(context.Background(), notice)).To(Succeed())
		events := applier.Events()
		Expect(events[1].kind).To(Equal("reject"))
		Expect(events[1].detail).To(ContainSubstring("moving"))
	})
	It("should reject below the state-of-charge floor", func() {
		state := idleState(fakeClock.Now())
		state.SOCPercent = 15
		writeState(state)
		Expect(controller.Process(context.Background(), notice)).To(Succeed())
		Expect(applier.Events()[1].kind).To(Equal("reject"))
	})
	It("should reject during a critical alarm", func() {
		state := idleState(fakeClock.Now())
		state.CriticalAlarm = true
		writeState(state)
		Expect(controller.Process(context.Background(), notice)).To(Succeed())
		Expect(applier.Events()[1].kind).To(Equal("reject"))
	})
	It("should reject in island mode", func() {
		state := idleState(fakeClock.Now())
		state.IslandMode = true
		writeState(state)
		Expect(controller.Process(context.Background(), notice)).To(Succeed())
		Expect(applier.Events()[1].kind).To(Equal("reject"))
	})
})

var _ = Describe("Maintenance window", func() {
	// FixedTime is 12:00 UTC, the default 02:00-05:00 window is shut
	BeforeEach(func() {
		controller = newController(ota.DefaultMaintenanceWindow())
	})

	It("should defer to the next opening and apply on wake", func() {
		opening := fakeClock.Now().Add(14 * time.Hour)
		// state fresh at the time the window opens
		writeState(idleState(opening))

		done := make(chan error, 1)
		go func() {
			defer GinkgoRecover()
			done <- controller.Process(context.Background(), notice)
		}()

		Eventually(applier.Kinds).Should(Equal([]string{"received", "scheduled"}))
		Expect(applier.Events()[1].opening).To(Equal(opening))

		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(14 * time.Hour)

		Eventually(done).Should(Receive(Succeed()))
		Expect(applier.Kinds()).To(Equal([]string{"received", "scheduled", "apply"}))
	})
	It("should re-gate on wake and reject a state gone stale overnight", func() {
		writeState(idleState(fakeClock.Now()))

		done := make(chan error, 1)
		go func() {
			defer GinkgoRecover()
			done <- controller.Process(context.Background(), notice)
		}()

		Eventually(applier.Kinds).Should(Equal([]string{"received", "scheduled"}))
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(14 * time.Hour)

		Eventually(done).Should(Receive(Succeed()))
		Expect(applier.Kinds()).To(Equal([]string{"received", "scheduled", "reject"}))
	})
	It("should stop waiting when the context ends", func() {
		writeState(idleState(fakeClock.Now()))
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			defer GinkgoRecover()
			done <- controller.Process(ctx, notice)
		}()

		Eventually(applier.Kinds).Should(Equal([]string{"received", "scheduled"}))
		cancel()
		Eventually(done).Should(Receive(MatchError(context.Canceled)))
	})
})

var _ = Describe("Run", func() {
	It("should drain the notice stream until cancelled", func() {
		writeState(idleState(fakeClock.Now()))
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			defer GinkgoRecover()
			done <- controller.Run(ctx)
		}()

		notices <- notice
		Eventually(applier.Kinds).Should(Equal([]string{"received", "apply"}))

		cancel()
		Eventually(done).Should(Receive(MatchError(context.Canceled)))
	})
})
