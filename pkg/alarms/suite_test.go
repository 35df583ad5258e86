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

package alarms_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	clock "k8s.io/utils/clock/testing"

	"github.com/lifo4/edge-controller/pkg/alarms"
	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cloud"
	"github.com/lifo4/edge-controller/pkg/fake"
	"github.com/lifo4/edge-controller/pkg/store"
	"github.com/lifo4/edge-controller/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	ctx       context.Context
	fakeClock *clock.FakeClock
	broker    *fake.Broker
	db        *store.Store
	topics    = cloud.Topics{Site: "site-1"}
	sink      *alarms.Sink
)

func TestAlarms(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Alarms")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	fakeClock = clock.NewFakeClock(test.FixedTime)
	broker = fake.NewBroker()
	var err error
	db, err = store.Open(filepath.Join(GinkgoT().TempDir(), "lifo4.db"), store.DefaultRetention(), fakeClock, logr.Discard())
	Expect(err).ToNot(HaveOccurred())
	DeferCleanup(func() { Expect(db.Close()).To(Succeed()) })
	sink = alarms.NewSink(db, broker, topics, fakeClock, logr.Discard())
})

var _ = Describe("Sink", func() {
	It("should persist and publish a first alarm", func() {
		sink.Raise(ctx, test.Alarm(bess.Alarm{Kind: bess.AlarmDiskCritical}))
		active, err := db.ActiveAlarms()
		Expect(err).ToNot(HaveOccurred())
		Expect(active).To(HaveLen(1))
		Expect(broker.Published(topics.Alarms())).To(HaveLen(1))
	})
	It("should enqueue instead of publish while disconnected", func() {
		broker.SetConnected(false)
		sink.Raise(ctx, test.Alarm())
		Expect(broker.Published(topics.Alarms())).To(BeEmpty())
		depth, err := db.QueueDepth()
		Expect(err).ToNot(HaveOccurred())
		Expect(depth).To(Equal(1))
	})
	It("should enqueue when the publish fails", func() {
		broker.PublishBehavior.Error.Set(fmt.Errorf("broker gone"))
		sink.Raise(ctx, test.Alarm())
		depth, err := db.QueueDepth()
		Expect(err).ToNot(HaveOccurred())
		Expect(depth).To(Equal(1))
	})
	It("should suppress repeats inside the cooldown but persist them all", func() {
		for i := 0; i < 5; i++ {
			sink.Raise(ctx, test.Alarm(bess.Alarm{ID: fmt.Sprintf("a-%d", i)}))
			fakeClock.Step(time.Minute)
		}
		Expect(broker.Published(topics.Alarms())).To(HaveLen(1))
		active, err := db.ActiveAlarms()
		Expect(err).ToNot(HaveOccurred())
		Expect(active).To(HaveLen(5))
	})
})

var _ = Describe("Deduper", func() {
	It("should allow again after the base cooldown", func() {
		d := alarms.NewDeduper()
		now := test.FixedTime
		Expect(d.Allow("K", now)).To(BeTrue())
		Expect(d.Allow("K", now.Add(5*time.Minute))).To(BeFalse())
		Expect(d.Allow("K", now.Add(11*time.Minute))).To(BeTrue())
	})
	It("should escalate the cooldown for flapping kinds", func() {
		d := alarms.NewDeduper()
		now := test.FixedTime
		Expect(d.Allow("K", now)).To(BeTrue())
		Expect(d.Allow("K", now.Add(12*time.Minute))).To(BeTrue())
		// third occurrence within 30 minutes: escalated to the hour-long
		// cooldown, so the next base-cooldown boundary stays quiet
		Expect(d.Allow("K", now.Add(24*time.Minute))).To(BeFalse())
		Expect(d.Allow("K", now.Add(40*time.Minute))).To(BeFalse())
		Expect(d.Allow("K", now.Add(24*time.Minute+flap()))).To(BeTrue())
	})
	It("should track kinds independently", func() {
		d := alarms.NewDeduper()
		Expect(d.Allow("A", test.FixedTime)).To(BeTrue())
		Expect(d.Allow("B", test.FixedTime)).To(BeTrue())
	})
})

func flap() time.Duration { return time.Hour }
