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

// Package provisioning enrolls a factory-fresh controller into the fleet:
// register with the bootstrap credential, receive the per-device config,
// install permanent credentials, discover the field bus, report in. The
// flow is one-shot and idempotent; a provisioned device returns its saved
// config without touching the network.
package provisioning

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cloud"
)

// Timeout bounds the wait for the per-device config after registration.
const Timeout = 5 * time.Minute

// registrationRepublish paces re-sends of the registration while waiting.
const registrationRepublish = 30 * time.Second

// discoveryUnits is the unit-ID range probed during field-bus discovery.
const discoveryUnits = 10

// Dialer opens a broker session with the given credential set. The
// composition root backs it with the real MQTT client; tests with a fake.
type Dialer interface {
	Dial(ctx context.Context, creds *cloud.CredentialSet, clientID string) (cloud.Broker, error)
}

// UnitProber checks one field-bus unit for liveness.
type UnitProber func(ctx context.Context, unit byte) error

// DeviceConfig is the provisioning result persisted as device.json.
type DeviceConfig struct {
	Identity        bess.DeviceIdentity `json:"identity"`
	SiteID          string              `json:"site_id"`
	ProvisionedAt   time.Time           `json:"provisioned_at"`
	DiscoveredUnits []byte              `json:"discovered_units"`
}

// registration is the payload published on the fleet registration topic.
type registration struct {
	EdgeID          string `json:"edge_id"`
	MAC             string `json:"mac"`
	Serial          string `json:"serial"`
	HardwareModel   string `json:"hardware_model"`
	SoftwareVersion string `json:"software_version"`
}

// grant is the per-device config message the fleet answers with.
type grant struct {
	SiteID string `json:"site_id" validate:"required"`
	CA     string `json:"ca_pem" validate:"required"`
	Cert   string `json:"cert_pem" validate:"required"`
	Key    string `json:"key_pem" validate:"required"`
}

// statusReport announces the provisioned device on its site status topic.
type statusReport struct {
	Status          string    `json:"status"`
	EdgeID          string    `json:"edge_id"`
	DiscoveredUnits []byte    `json:"discovered_units"`
	Timestamp       time.Time `json:"timestamp"`
}

// StatusProvisioned is the wire string announcing a completed bootstrap.
const StatusProvisioned = "PROVISIONED_AND_OPERATIONAL"

type Config struct {
	ConfigDir string
	CertsDir  string
	MAC       string
	Serial    string
	Model     string
	Version   string
}

type Provisioner struct {
	cfg      Config
	fs       afero.Fs
	dialer   Dialer
	probe    UnitProber
	validate *validator.Validate
	clk      clock.Clock
	log      logr.Logger
}

func NewProvisioner(cfg Config, fs afero.Fs, dialer Dialer, probe UnitProber, clk clock.Clock, log logr.Logger) *Provisioner {
	return &Provisioner{
		cfg:      cfg,
		fs:       fs,
		dialer:   dialer,
		probe:    probe,
		validate: validator.New(),
		clk:      clk,
		log:      log.WithName("provisioning"),
	}
}

func (p *Provisioner) configPath() string {
	return filepath.Join(p.cfg.ConfigDir, "device.json")
}

// Provisioned reports whether a saved device config exists.
func (p *Provisioner) Provisioned() (bool, error) {
	return afero.Exists(p.fs, p.configPath())
}

// Load reads the saved device config.
func (p *Provisioner) Load() (DeviceConfig, error) {
	data, err := afero.ReadFile(p.fs, p.configPath())
	if err != nil {
		return DeviceConfig{}, fmt.Errorf("reading device config, %w", err)
	}
	var cfg DeviceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DeviceConfig{}, fmt.Errorf("decoding device config, %w", err)
	}
	return cfg, nil
}

// Run executes the bootstrap. Already-provisioned devices return their
// saved config immediately.
func (p *Provisioner) Run(ctx context.Context) (DeviceConfig, error) {
	if ok, err := p.Provisioned(); err != nil {
		return DeviceConfig{}, err
	} else if ok {
		p.log.Info("device already provisioned, skipping bootstrap")
		return p.Load()
	}

	identity := bess.NewDeviceIdentity(p.cfg.MAC, p.cfg.Serial, p.cfg.Model, p.cfg.Version)
	if err := identity.Validate(); err != nil {
		return DeviceConfig{}, err
	}
	p.log.Info("starting bootstrap", "edge-id", identity.EdgeID)

	bootstrap := cloud.BootstrapCredentials(p.fs, p.cfg.CertsDir)
	broker, err := p.dialer.Dial(ctx, bootstrap, identity.EdgeID+"-bootstrap")
	if err != nil {
		return DeviceConfig{}, fmt.Errorf("connecting with bootstrap credentials, %w", err)
	}
	defer broker.Close()

	granted, err := p.register(ctx, broker, identity)
	if err != nil {
		return DeviceConfig{}, err
	}

	device := cloud.DeviceCredentials(p.fs, p.cfg.CertsDir)
	if err := device.Install([]byte(granted.CA), []byte(granted.Cert), []byte(granted.Key)); err != nil {
		return DeviceConfig{}, fmt.Errorf("installing permanent credentials, %w", err)
	}

	units := p.discover(ctx)
	cfg := DeviceConfig{
		Identity:        identity,
		SiteID:          granted.SiteID,
		ProvisionedAt:   p.clk.Now().UTC(),
		DiscoveredUnits: units,
	}
	if err := p.save(cfg); err != nil {
		return DeviceConfig{}, err
	}

	// swap to the permanent credential before announcing
	broker.Close()
	permanent, err := p.dialer.Dial(ctx, device, identity.EdgeID)
	if err != nil {
		return DeviceConfig{}, fmt.Errorf("connecting with permanent credentials, %w", err)
	}
	defer permanent.Close()
	p.announce(ctx, permanent, cfg)

	p.log.Info("bootstrap complete", "edge-id", identity.EdgeID, "site", cfg.SiteID, "units", len(units))
	return cfg, nil
}

// register publishes the registration and waits for the per-device grant,
// re-publishing periodically until the provisioning window closes.
func (p *Provisioner) register(ctx context.Context, broker cloud.Broker, identity bess.DeviceIdentity) (grant, error) {
	grants := make(chan grant, 1)
	if err := broker.Subscribe(cloud.TopicProvisioningConfig(identity.EdgeID), cloud.QoSAtLeastOnce, func(_ string, payload []byte) {
		var g grant
		if err := json.Unmarshal(payload, &g); err != nil {
			p.log.Error(err, "discarding malformed provisioning grant")
			return
		}
		if err := p.validate.Struct(g); err != nil {
			p.log.Error(err, "discarding incomplete provisioning grant")
			return
		}
		select {
		case grants <- g:
		default:
		}
	}); err != nil {
		return grant{}, fmt.Errorf("subscribing for provisioning grant, %w", err)
	}

	payload, err := json.Marshal(registration{
		EdgeID:          identity.EdgeID,
		MAC:             identity.MAC,
		Serial:          identity.Serial,
		HardwareModel:   identity.HardwareModel,
		SoftwareVersion: identity.SoftwareVersion,
	})
	if err != nil {
		return grant{}, fmt.Errorf("encoding registration, %w", err)
	}

	deadline := p.clk.Now().Add(Timeout)
	publish := func() error {
		return retry.Do(func() error {
			return broker.Publish(ctx, cloud.TopicProvisioningRegister, payload, cloud.QoSAtLeastOnce)
		}, retry.Attempts(3), retry.Delay(time.Second), retry.Context(ctx))
	}
	if err := publish(); err != nil {
		return grant{}, fmt.Errorf("publishing registration, %w", err)
	}

	for {
		select {
		case g := <-grants:
			return g, nil
		case <-ctx.Done():
			return grant{}, ctx.Err()
		case <-p.clk.After(registrationRepublish):
			if !p.clk.Now().Before(deadline) {
				return grant{}, fmt.Errorf("no provisioning grant within %s", Timeout)
			}
			if err := publish(); err != nil {
				p.log.Error(err, "re-publishing registration failed")
			}
		}
	}
}

// discover probes the configured unit range and records responders.
// Discovery failure is not fatal: an empty result is a valid finding.
func (p *Provisioner) discover(ctx context.Context) []byte {
	var units []byte
	for unit := byte(1); unit <= discoveryUnits; unit++ {
		if err := p.probe(ctx, unit); err != nil {
			continue
		}
		units = append(units, unit)
	}
	p.log.Info("field bus discovery complete", "responding-units", units)
	return units
}

func (p *Provisioner) save(cfg DeviceConfig) error {
	if err := p.fs.MkdirAll(p.cfg.ConfigDir, 0o755); err != nil {
		return fmt.Errorf("creating config dir, %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding device config, %w", err)
	}
	tmp := p.configPath() + ".tmp"
	if err := afero.WriteFile(p.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing device config, %w", err)
	}
	if err := p.fs.Rename(tmp, p.configPath()); err != nil {
		return fmt.Errorf("replacing device config, %w", err)
	}
	return nil
}

func (p *Provisioner) announce(ctx context.Context, broker cloud.Broker, cfg DeviceConfig) {
	payload, err := json.Marshal(statusReport{
		Status:          StatusProvisioned,
		EdgeID:          cfg.Identity.EdgeID,
		DiscoveredUnits: cfg.DiscoveredUnits,
		Timestamp:       p.clk.Now().UTC(),
	})
	if err != nil {
		p.log.Error(err, "encoding provisioned status failed")
		return
	}
	topics := cloud.Topics{Site: cfg.SiteID}
	if err := broker.Publish(ctx, topics.Status(), payload, cloud.QoSAtLeastOnce); err != nil {
		p.log.Error(err, "announcing provisioned status failed")
	}
}
