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

// Package options is the single place environment and flags are read.
// Everything downstream receives typed values; nothing else touches
// os.Getenv.
package options

import (
	"errors"
	"flag"
	"os"
	"time"

	"github.com/lifo4/edge-controller/pkg/utils/env"
)

// Options for running the edge controller daemon.
type Options struct {
	*flag.FlagSet

	// Runtime layout
	DataDir    string
	CertsDir   string
	PartitionA string
	PartitionB string

	// Cloud link
	BrokerHost string
	BrokerPort int
	SiteID     string // override; normally learned from provisioning

	// Device identity inputs
	DeviceMAC       string
	DeviceSerial    string
	HardwareModel   string
	SoftwareVersion string

	// Field bus bench fallbacks, used when no provisioned bus config exists
	ModbusHost   string
	ModbusPort   int
	ModbusUnitID int

	// Control cadence
	SampleInterval       time.Duration
	OptimizationInterval time.Duration
	CloudTimeoutMinutes  int
	WatchdogTimeoutS     int

	// OTA
	OTAAllowedHosts     []string
	OTAAllowUnsigned    bool
	WindowStartHour     int
	WindowEndHour       int
	HealthcheckTimeoutS int

	// Safety
	SafetyTablePath string // "" = compiled defaults, no watcher

	// Observability
	MetricsPort     int
	HealthProbePort int
	LogLevel        string
	LogMode         string
	MemoryLimit     int64
}

// New creates an Options struct and registers CLI flags and environment
// variables to fill-in the Options struct fields.
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("edge-controller", flag.ContinueOnError)
	opts.FlagSet = f

	f.StringVar(&opts.DataDir, "data-dir", env.WithDefaultString("DATA_DIR", "/data"), "Root of the writable data volume (database, runtime state, OTA staging)")
	f.StringVar(&opts.CertsDir, "certs-dir", env.WithDefaultString("CERTS_DIR", "/certs"), "Root of the credential tree (bootstrap and device certificate sets)")
	f.StringVar(&opts.PartitionA, "partition-a", env.WithDefaultString("PARTITION_A", "/partition-a"), "Mount point of software partition A")
	f.StringVar(&opts.PartitionB, "partition-b", env.WithDefaultString("PARTITION_B", "/partition-b"), "Mount point of software partition B")

	f.StringVar(&opts.BrokerHost, "mqtt-broker-host", env.WithDefaultString("MQTT_BROKER_HOST", "localhost"), "MQTT broker hostname")
	f.IntVar(&opts.BrokerPort, "mqtt-broker-port", env.WithDefaultInt("MQTT_BROKER_PORT", 8883), "MQTT broker port")
	f.StringVar(&opts.SiteID, "site-id", env.WithDefaultString("SITE_ID", ""), "Site identifier override; normally taken from the provisioned device config")

	f.StringVar(&opts.DeviceMAC, "device-mac", env.WithDefaultString("DEVICE_MAC", ""), "Primary interface MAC address used to derive the device identity")
	f.StringVar(&opts.DeviceSerial, "device-serial", env.WithDefaultString("DEVICE_SERIAL", ""), "Hardware serial number used to derive the device identity")
	f.StringVar(&opts.HardwareModel, "hardware-model", env.WithDefaultString("HARDWARE_MODEL", "lifo4-mk3"), "Hardware model reported during provisioning")
	f.StringVar(&opts.SoftwareVersion, "software-version", env.WithDefaultString("SOFTWARE_VERSION", "dev"), "Software version reported during provisioning and OTA")

	f.StringVar(&opts.ModbusHost, "modbus-host", env.WithDefaultString("MODBUS_HOST", ""), "Modbus TCP host for bench setups without a provisioned bus config")
	f.IntVar(&opts.ModbusPort, "modbus-port", env.WithDefaultInt("MODBUS_PORT", 502), "Modbus TCP port")
	f.IntVar(&opts.ModbusUnitID, "modbus-unit-id", env.WithDefaultInt("MODBUS_UNIT_ID", 1), "Modbus unit (slave) ID")

	f.DurationVar(&opts.SampleInterval, "sample-interval", env.WithDefaultDuration("SAMPLE_INTERVAL", time.Second), "Control loop cycle period")
	f.DurationVar(&opts.OptimizationInterval, "optimization-interval", env.WithDefaultDuration("OPTIMIZATION_INTERVAL", 5*time.Second), "How often the decision engine runs inside the control loop")
	f.IntVar(&opts.CloudTimeoutMinutes, "cloud-timeout-minutes", env.WithDefaultInt("CLOUD_TIMEOUT_MINUTES", 15), "Minutes of cloud silence before dropping to autonomous mode")
	f.IntVar(&opts.WatchdogTimeoutS, "watchdog-timeout-s", env.WithDefaultInt("WATCHDOG_TIMEOUT_S", 30), "Seconds without a loop beat before the watchdog restarts the loop")

	f.Var(newStringSliceValue(&opts.OTAAllowedHosts, env.WithDefaultStringSlice("OTA_ALLOWED_HOSTS", nil)), "ota-allowed-hosts", "Comma-separated hostnames update images may be downloaded from")
	f.BoolVar(&opts.OTAAllowUnsigned, "ota-allow-unsigned", env.WithDefaultBool("OTA_ALLOW_UNSIGNED", false), "Accept unsigned update images and plain-http image URLs. Development only.")
	f.IntVar(&opts.WindowStartHour, "maintenance-window-start-h", env.WithDefaultInt("MAINTENANCE_WINDOW_START_H", 2), "Local hour the maintenance window opens")
	f.IntVar(&opts.WindowEndHour, "maintenance-window-end-h", env.WithDefaultInt("MAINTENANCE_WINDOW_END_H", 5), "Local hour the maintenance window closes; equal to start means always open")
	f.IntVar(&opts.HealthcheckTimeoutS, "healthcheck-timeout-s", env.WithDefaultInt("HEALTHCHECK_TIMEOUT_S", 300), "Seconds the post-reboot verifier waits for a healthy daemon before rolling back")

	f.StringVar(&opts.SafetyTablePath, "safety-table", env.WithDefaultString("SAFETY_TABLE", ""), "TOML safety threshold table to load and hot-reload; empty uses the compiled defaults")

	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the metric endpoint binds to")
	f.IntVar(&opts.HealthProbePort, "health-probe-port", env.WithDefaultInt("HEALTH_PROBE_PORT", 8081), "The port the health probe endpoint binds to")
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "Log level: debug, info, warn or error")
	f.StringVar(&opts.LogMode, "log-mode", env.WithDefaultString("LOG_MODE", "production"), "Log encoder: production (JSON) or development (console)")
	f.Int64Var(&opts.MemoryLimit, "memory-limit", env.WithDefaultInt64("MEMORY_LIMIT", -1), "Memory limit in bytes for the self-healing pressure thresholds; -1 disables memory checks")
	return opts
}

// MustParse reads the user passed flags, environment variables, and
// default values. Options are validated and panics if an error is returned.
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

// stringSliceValue adapts a []string field to the flag.Value interface.
type stringSliceValue struct {
	target *[]string
}

func newStringSliceValue(target *[]string, def []string) *stringSliceValue {
	*target = def
	return &stringSliceValue{target: target}
}

func (v *stringSliceValue) String() string {
	if v.target == nil {
		return ""
	}
	return join(*v.target)
}

func (v *stringSliceValue) Set(s string) error {
	*v.target = env.SplitCommaSeparated(s)
	return nil
}

func join(values []string) string {
	out := ""
	for i, s := range values {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
