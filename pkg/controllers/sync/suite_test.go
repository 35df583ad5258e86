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

package sync_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	clock "k8s.io/utils/clock/testing"

	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cloud"
	syncctrl "github.com/lifo4/edge-controller/pkg/controllers/sync"
	"github.com/lifo4/edge-controller/pkg/fake"
	"github.com/lifo4/edge-controller/pkg/store"
	"github.com/lifo4/edge-controller/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	fakeClock  *clock.FakeClock
	broker     *fake.Broker
	topics     cloud.Topics
	db         *store.Store
	controller *syncctrl.Controller
	opts       syncctrl.Options
)

func TestSync(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Sync")
}

var _ = BeforeEach(func() {
	fakeClock = clock.NewFakeClock(test.FixedTime)
	broker = fake.NewBroker()
	topics = cloud.Topics{Site: "site-001"}

	var err error
	db, err = store.Open(filepath.Join(GinkgoT().TempDir(), "lifo4.db"), store.DefaultRetention(), fakeClock, logr.Discard())
	Expect(err).ToNot(HaveOccurred())
	DeferCleanup(func() {
		Expect(db.Close()).To(Succeed())
	})

	opts = syncctrl.DefaultOptions()
	opts.QueueSoftLimit = 5
	opts.SampleEvery = 3
	controller = syncctrl.NewController(db, broker, topics, opts, fakeClock, logr.Discard())
})

func queueDepth() int {
	depth, err := db.QueueDepth()
	Expect(err).ToNot(HaveOccurred())
	return depth
}

var _ = Describe("Telemetry", func() {
	It("should publish best-effort while connected", func() {
		Expect(controller.PublishTelemetry(context.Background(), test.Snapshot())).To(Succeed())
		Expect(broker.Published(topics.Telemetry())).To(HaveLen(1))
		Expect(queueDepth()).To(Equal(0))
	})
	It("should queue snapshots while disconnected", func() {
		broker.SetConnected(false)
		Expect(controller.PublishTelemetry(context.Background(), test.Snapshot())).To(Succeed())
		Expect(queueDepth()).To(Equal(1))
	})
	It("should down-sample once the backlog passes the soft limit", func() {
		broker.SetConnected(false)
		for i := 0; i < opts.QueueSoftLimit; i++ {
			Expect(db.Enqueue(topics.Telemetry(), []byte(fmt.Sprintf("backlog-%d", i)), cloud.QoSBestEffort)).To(Succeed())
		}
		for i := 0; i < 6; i++ {
			Expect(controller.PublishTelemetry(context.Background(), test.Snapshot())).To(Succeed())
		}
		// 1 in 3 kept above the limit
		Expect(queueDepth()).To(Equal(opts.QueueSoftLimit + 2))
	})
})

var _ = Describe("Decisions", func() {
	It("should publish at-least-once while connected", func() {
		Expect(controller.PublishDecision(context.Background(), test.Decision())).To(Succeed())
		Expect(broker.Published(topics.Decisions())).To(HaveLen(1))
		Expect(queueDepth()).To(Equal(0))
	})
	It("should queue when the publish fails", func() {
		broker.PublishBehavior.Error.Set(fmt.Errorf("broker unavailable"), fake.MaxCalls(1))
		Expect(controller.PublishDecision(context.Background(), test.Decision())).To(Succeed())
		Expect(queueDepth()).To(Equal(1))
	})
	It("should never down-sample decisions", func() {
		broker.SetConnected(false)
		for i := 0; i < opts.QueueSoftLimit; i++ {
			Expect(db.Enqueue(topics.Telemetry(), []byte(fmt.Sprintf("backlog-%d", i)), cloud.QoSBestEffort)).To(Succeed())
		}
		for i := 0; i < 6; i++ {
			Expect(controller.PublishDecision(context.Background(), test.Decision())).To(Succeed())
		}
		Expect(queueDepth()).To(Equal(opts.QueueSoftLimit + 6))
	})
})

var _ = Describe("Draining", func() {
	BeforeEach(func() {
		for i := 0; i < 3; i++ {
			Expect(db.Enqueue(topics.Decisions(), []byte(fmt.Sprintf("decision-%d", i)), cloud.QoSAtLeastOnce)).To(Succeed())
		}
	})
	It("should republish the backlog in arrival order and ack each", func() {
		Expect(controller.Drain(context.Background())).To(Succeed())

		published := broker.Published(topics.Decisions())
		Expect(published).To(HaveLen(3))
		Expect(string(published[0])).To(Equal("decision-0"))
		Expect(string(published[2])).To(Equal("decision-2"))
		Expect(queueDepth()).To(Equal(0))
	})
	It("should skip the drain entirely while disconnected", func() {
		broker.SetConnected(false)
		Expect(controller.Drain(context.Background())).To(Succeed())
		Expect(queueDepth()).To(Equal(3))
	})
	It("should defer the batch on a publish failure and retry after the delay", func() {
		broker.PublishBehavior.Error.Set(fmt.Errorf("broker flapping"), fake.MaxCalls(1))

		Expect(controller.Drain(context.Background())).ToNot(Succeed())
		Expect(queueDepth()).To(Equal(3))
		Expect(broker.Published(topics.Decisions())).To(BeEmpty())

		// still deferred before the nack delay elapses
		Expect(controller.Drain(context.Background())).To(Succeed())
		Expect(broker.Published(topics.Decisions())).To(BeEmpty())

		fakeClock.Step(opts.NackDelay + time.Second)
		Expect(controller.Drain(context.Background())).To(Succeed())
		Expect(broker.Published(topics.Decisions())).To(HaveLen(3))
		Expect(queueDepth()).To(Equal(0))
	})
})

var _ = Describe("Heartbeat and sweep", func() {
	It("should publish the liveness beacon best-effort", func() {
		controller.Heartbeat(context.Background(), bess.OperationalState{
			Mode:       bess.ModeOnline,
			SOCPercent: 55,
		})
		Expect(broker.Published(topics.Heartbeat())).To(HaveLen(1))
	})
	It("should not queue a failed heartbeat", func() {
		broker.SetConnected(false)
		controller.Heartbeat(context.Background(), bess.OperationalState{Mode: bess.ModeAutonomous})
		Expect(queueDepth()).To(Equal(0))
	})
	It("should run the retention sweep", func() {
		Expect(controller.Sweep(context.Background())).To(Succeed())
	})
})
