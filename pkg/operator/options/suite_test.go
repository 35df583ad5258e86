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

package options_test

import (
	"os"
	"testing"
	"time"

	"github.com/lifo4/edge-controller/pkg/operator/options"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestOptions(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Options")
}

var environmentVariables = []string{
	"DATA_DIR",
	"CERTS_DIR",
	"MQTT_BROKER_HOST",
	"MQTT_BROKER_PORT",
	"SITE_ID",
	"SAMPLE_INTERVAL",
	"OPTIMIZATION_INTERVAL",
	"CLOUD_TIMEOUT_MINUTES",
	"WATCHDOG_TIMEOUT_S",
	"OTA_ALLOWED_HOSTS",
	"OTA_ALLOW_UNSIGNED",
	"MAINTENANCE_WINDOW_START_H",
	"MAINTENANCE_WINDOW_END_H",
	"HEALTHCHECK_TIMEOUT_S",
	"METRICS_PORT",
	"HEALTH_PROBE_PORT",
	"LOG_LEVEL",
	"LOG_MODE",
	"MEMORY_LIMIT",
}

var _ = Describe("Options", func() {
	var envState map[string]string

	BeforeEach(func() {
		envState = map[string]string{}
		for _, ev := range environmentVariables {
			if val, ok := os.LookupEnv(ev); ok {
				envState[ev] = val
			}
			os.Unsetenv(ev)
		}
	})
	AfterEach(func() {
		for _, ev := range environmentVariables {
			os.Unsetenv(ev)
		}
		for ev, val := range envState {
			os.Setenv(ev, val)
		}
	})

	It("should carry the documented defaults", func() {
		opts := options.New()
		Expect(opts.Parse(nil)).To(Succeed())
		Expect(opts.DataDir).To(Equal("/data"))
		Expect(opts.CertsDir).To(Equal("/certs"))
		Expect(opts.BrokerHost).To(Equal("localhost"))
		Expect(opts.BrokerPort).To(Equal(8883))
		Expect(opts.SampleInterval).To(Equal(time.Second))
		Expect(opts.OptimizationInterval).To(Equal(5 * time.Second))
		Expect(opts.CloudTimeoutMinutes).To(Equal(15))
		Expect(opts.WatchdogTimeoutS).To(Equal(30))
		Expect(opts.WindowStartHour).To(Equal(2))
		Expect(opts.WindowEndHour).To(Equal(5))
		Expect(opts.HealthcheckTimeoutS).To(Equal(300))
		Expect(opts.OTAAllowUnsigned).To(BeFalse())
		Expect(opts.OTAAllowedHosts).To(BeEmpty())
		Expect(opts.LogLevel).To(Equal("info"))
		Expect(opts.LogMode).To(Equal("production"))
		Expect(opts.Validate()).To(Succeed())
	})
	It("should read environment variables", func() {
		os.Setenv("MQTT_BROKER_HOST", "broker.example.com")
		os.Setenv("MQTT_BROKER_PORT", "1883")
		os.Setenv("SAMPLE_INTERVAL", "250ms")
		os.Setenv("OTA_ALLOWED_HOSTS", "updates.example.com, mirror.example.com")
		opts := options.New()
		Expect(opts.Parse(nil)).To(Succeed())
		Expect(opts.BrokerHost).To(Equal("broker.example.com"))
		Expect(opts.BrokerPort).To(Equal(1883))
		Expect(opts.SampleInterval).To(Equal(250 * time.Millisecond))
		Expect(opts.OTAAllowedHosts).To(Equal([]string{"updates.example.com", "mirror.example.com"}))
	})
	It("should let flags override environment variables", func() {
		os.Setenv("MQTT_BROKER_HOST", "broker.example.com")
		opts := options.New()
		Expect(opts.Parse([]string{"--mqtt-broker-host", "bench.local"})).To(Succeed())
		Expect(opts.BrokerHost).To(Equal("bench.local"))
	})

	Context("validation", func() {
		var opts *options.Options

		BeforeEach(func() {
			opts = options.New()
			Expect(opts.Parse(nil)).To(Succeed())
		})

		It("should reject a non-positive sample interval", func() {
			opts.SampleInterval = 0
			Expect(opts.Validate()).ToNot(Succeed())
		})
		It("should reject an optimization interval shorter than the sample interval", func() {
			opts.OptimizationInterval = 500 * time.Millisecond
			Expect(opts.Validate()).ToNot(Succeed())
		})
		It("should reject out-of-range window hours", func() {
			opts.WindowStartHour = 24
			Expect(opts.Validate()).ToNot(Succeed())
		})
		It("should reject out-of-range ports", func() {
			opts.MetricsPort = 0
			Expect(opts.Validate()).ToNot(Succeed())
		})
		It("should reject the unsigned override without an allow-list", func() {
			opts.OTAAllowUnsigned = true
			opts.OTAAllowedHosts = nil
			Expect(opts.Validate()).ToNot(Succeed())
		})
		It("should accept the unsigned override with an allow-list", func() {
			opts.OTAAllowUnsigned = true
			opts.OTAAllowedHosts = []string{"bench.local"}
			Expect(opts.Validate()).To(Succeed())
		})
		It("should reject an unknown log level", func() {
			opts.LogLevel = "verbose"
			Expect(opts.Validate()).ToNot(Succeed())
		})
	})
})
