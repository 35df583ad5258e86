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

package options

import (
	"fmt"

	"go.uber.org/multierr"
)

func (o *Options) Validate() error {
	return multierr.Combine(
		o.validateCadence(),
		o.validateWindow(),
		o.validatePorts(),
		o.validateOTA(),
		o.validateLogging(),
	)
}

func (o *Options) validateCadence() error {
	var err error
	if o.SampleInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("sample-interval must be positive"))
	}
	if o.OptimizationInterval < o.SampleInterval {
		err = multierr.Append(err, fmt.Errorf("optimization-interval may not be shorter than sample-interval"))
	}
	if o.CloudTimeoutMinutes <= 0 {
		err = multierr.Append(err, fmt.Errorf("cloud-timeout-minutes must be positive"))
	}
	if o.WatchdogTimeoutS <= 0 {
		err = multierr.Append(err, fmt.Errorf("watchdog-timeout-s must be positive"))
	}
	return err
}

func (o *Options) validateWindow() error {
	if o.WindowStartHour < 0 || o.WindowStartHour > 23 || o.WindowEndHour < 0 || o.WindowEndHour > 23 {
		return fmt.Errorf("maintenance window hours must be within 0..23")
	}
	return nil
}

func (o *Options) validatePorts() error {
	var err error
	for name, port := range map[string]int{
		"mqtt-broker-port":  o.BrokerPort,
		"metrics-port":      o.MetricsPort,
		"health-probe-port": o.HealthProbePort,
	} {
		if port < 1 || port > 65535 {
			err = multierr.Append(err, fmt.Errorf("%s %d out of range", name, port))
		}
	}
	return err
}

func (o *Options) validateOTA() error {
	// without an allow-list every download is refused, which is a valid
	// locked-down configuration, but unsigned-without-allow-list is a
	// misconfiguration worth rejecting
	if o.OTAAllowUnsigned && len(o.OTAAllowedHosts) == 0 {
		return fmt.Errorf("ota-allow-unsigned requires ota-allowed-hosts")
	}
	if o.HealthcheckTimeoutS <= 0 {
		return fmt.Errorf("healthcheck-timeout-s must be positive")
	}
	return nil
}

func (o *Options) validateLogging() error {
	switch o.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level %q not one of debug, info, warn, error", o.LogLevel)
	}
	switch o.LogMode {
	case "production", "development":
	default:
		return fmt.Errorf("log-mode %q not one of production, development", o.LogMode)
	}
	return nil
}
