/*
Copyright 2025 The RangeForge Authors.

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

// Package config loads and validates the control plane configuration.
// Values come from a YAML file with RANGEFORGE_* environment variable
// overrides; secrets are referenced by name only and resolved through
// the secrets oracle at use time.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
)

// Config is the root document.
type Config struct {
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	Registry Registry  `mapstructure:"registry"`
	Store    Store     `mapstructure:"store"`
	Secrets  Secrets   `mapstructure:"secrets"`
	Metrics  Metrics   `mapstructure:"metrics"`
	Network  Network   `mapstructure:"network"`
	Deploy   Deploy    `mapstructure:"deploy"`
	Mission  Mission   `mapstructure:"mission"`
	Drift    Drift     `mapstructure:"drift"`
	Agents   Agents    `mapstructure:"agents"`
	Backends []Backend `mapstructure:"backends" validate:"min=1,dive"`
}

// Registry is the connection to the external registry store.
type Registry struct {
	Addr           string `mapstructure:"addr" validate:"required,hostname_port"`
	PasswordSecret string `mapstructure:"password_secret"`
	DB             int    `mapstructure:"db" validate:"gte=0"`
}

// Store is the relational store connection. Exactly one of DSN and
// DSNSecret must be set; DSNSecret keeps credentials out of the file.
type Store struct {
	DSN       string `mapstructure:"dsn"`
	DSNSecret string `mapstructure:"dsn_secret"`
}

// Secrets locates the secret oracle.
type Secrets struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

// Metrics configures the telemetry listener. An empty Addr disables
// the listener.
type Metrics struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// Network bounds the VLAN/subnet pool labs lease from.
type Network struct {
	VLANMin int `mapstructure:"vlan_min" validate:"gte=1,lte=4094"`
	VLANMax int `mapstructure:"vlan_max" validate:"gte=1,lte=4094"`

	// CIDRTemplate maps a VLAN ID to its subnet; %d is replaced by
	// the VLAN ID, e.g. "10.40.%d.0/24".
	CIDRTemplate string `mapstructure:"cidr_template" validate:"required"`

	// LeaseCooldown is how long a released VLAN stays quarantined
	// before it can be leased again.
	LeaseCooldown time.Duration `mapstructure:"lease_cooldown" validate:"gte=0"`
}

// Deploy tunes the deployment engine.
type Deploy struct {
	MaxConcurrentClones int           `mapstructure:"max_concurrent_clones" validate:"gte=1"`
	Deadline            time.Duration `mapstructure:"deadline" validate:"gt=0"`
	LivenessTimeout     time.Duration `mapstructure:"liveness_timeout" validate:"gt=0"`
	LivenessPoll        time.Duration `mapstructure:"liveness_poll" validate:"gt=0"`
}

// Mission tunes the mission engine.
type Mission struct {
	StepTimeout  time.Duration `mapstructure:"step_timeout" validate:"gt=0"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`

	// AnsiblePath is the ansible-playbook binary used for playbook
	// exploits.
	AnsiblePath string `mapstructure:"ansible_path"`
}

// Drift schedules the periodic full-sweep comparison.
type Drift struct {
	SweepSchedule string `mapstructure:"sweep_schedule" validate:"required"`
}

// Agents sets the default polling cadence per tier. GraceFactor times
// the effective interval is how stale an observation may get before
// the resource is marked missing.
type Agents struct {
	VMInterval        time.Duration `mapstructure:"vm_interval" validate:"gt=0"`
	InventoryInterval time.Duration `mapstructure:"inventory_interval" validate:"gt=0"`
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval" validate:"gt=0"`
	GraceFactor       int           `mapstructure:"grace_factor" validate:"gte=2"`
}

// Backend declares one platform instance. Options carries the
// kind-specific settings (endpoints, placement defaults, secret
// names); adapter constructors validate their own keys.
type Backend struct {
	Kind          string            `mapstructure:"kind" validate:"required,oneof=vsphere aws azure fake"`
	Instance      string            `mapstructure:"instance" validate:"required"`
	MaxConcurrent int64             `mapstructure:"max_concurrent" validate:"gte=0"`
	VMInterval    time.Duration     `mapstructure:"vm_interval" validate:"gte=0"`
	GraceFactor   int               `mapstructure:"grace_factor" validate:"omitempty,gte=2"`
	Options       map[string]string `mapstructure:"options"`
}

// Ref returns the backend's reference.
func (b Backend) Ref() api.BackendRef {
	return api.BackendRef{Kind: api.BackendKind(b.Kind), Instance: b.Instance}
}

// Option returns a backend option value, or the fallback.
func (b Backend) Option(key, fallback string) string {
	if v, ok := b.Options[key]; ok {
		return v
	}
	return fallback
}

// RequireOption returns a backend option value or a ConfigInvalid
// fault naming the missing key.
func (b Backend) RequireOption(key string) (string, error) {
	v, ok := b.Options[key]
	if !ok || v == "" {
		return "", faults.New(faults.ConfigInvalid, "backend %s: option %q is required", b.Ref(), key)
	}
	return v, nil
}

var instanceNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Load reads the file at path, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("RANGEFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, faults.Wrap(err, faults.ConfigInvalid, "reading config %s", path)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, faults.Wrap(err, faults.ConfigInvalid, "decoding config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("registry.addr", "127.0.0.1:6379")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("network.vlan_min", 100)
	v.SetDefault("network.vlan_max", 170)
	v.SetDefault("network.cidr_template", "10.40.%d.0/24")
	v.SetDefault("network.lease_cooldown", 3*time.Minute)
	v.SetDefault("deploy.max_concurrent_clones", 4)
	v.SetDefault("deploy.deadline", 30*time.Minute)
	v.SetDefault("deploy.liveness_timeout", 10*time.Minute)
	v.SetDefault("deploy.liveness_poll", 5*time.Second)
	v.SetDefault("mission.step_timeout", 10*time.Minute)
	v.SetDefault("mission.probe_timeout", 30*time.Second)
	v.SetDefault("mission.ansible_path", "ansible-playbook")
	v.SetDefault("drift.sweep_schedule", "@every 1m")
	v.SetDefault("agents.vm_interval", 10*time.Second)
	v.SetDefault("agents.inventory_interval", time.Minute)
	v.SetDefault("agents.discovery_interval", 15*time.Second)
	v.SetDefault("agents.grace_factor", 3)
}

// Validate applies struct tags plus the cross-field rules tags cannot
// express.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return faults.Wrap(err, faults.ConfigInvalid, "config validation")
	}
	if c.Network.VLANMin > c.Network.VLANMax {
		return faults.New(faults.ConfigInvalid, "network: vlan_min %d > vlan_max %d", c.Network.VLANMin, c.Network.VLANMax)
	}
	if !strings.Contains(c.Network.CIDRTemplate, "%d") {
		return faults.New(faults.ConfigInvalid, "network: cidr_template %q must contain %%d", c.Network.CIDRTemplate)
	}
	if (c.Store.DSN == "") == (c.Store.DSNSecret == "") {
		return faults.New(faults.ConfigInvalid, "store: exactly one of dsn and dsn_secret must be set")
	}
	seen := map[string]bool{}
	for i := range c.Backends {
		b := &c.Backends[i]
		if !instanceNameRe.MatchString(b.Instance) {
			return faults.New(faults.ConfigInvalid, "backend %d: instance %q must match %s", i, b.Instance, instanceNameRe)
		}
		key := b.Kind + "/" + b.Instance
		if seen[key] {
			return faults.New(faults.ConfigInvalid, "duplicate backend %s", key)
		}
		seen[key] = true
		if b.MaxConcurrent == 0 {
			b.MaxConcurrent = 8
		}
	}
	return nil
}

// BackendFor returns the configuration for ref.
func (c *Config) BackendFor(ref api.BackendRef) (Backend, error) {
	for _, b := range c.Backends {
		if b.Kind == string(ref.Kind) && b.Instance == ref.Instance {
			return b, nil
		}
	}
	return Backend{}, faults.New(faults.ConfigInvalid, "backend %s is not configured", ref)
}

// StoreDSN resolves the store connection string through the oracle
// when it is secret-backed.
func (c *Config) StoreDSN(lookup func(string) (string, error)) (string, error) {
	if c.Store.DSN != "" {
		return c.Store.DSN, nil
	}
	dsn, err := lookup(c.Store.DSNSecret)
	if err != nil {
		return "", fmt.Errorf("resolving store dsn: %w", err)
	}
	return dsn, nil
}
