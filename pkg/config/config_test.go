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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
)

const minimalYAML = `
store:
  dsn: postgres://rangeforge@localhost:5432/rangeforge
secrets:
  dir: /run/rangeforge/secrets
backends:
  - kind: vsphere
    instance: dc01
    options:
      host: vc01.example.com
      username: administrator@vsphere.local
      password_secret: vc01-password
      datacenter: DC0
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rangeforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:6379", cfg.Registry.Addr)
	assert.Equal(t, 100, cfg.Network.VLANMin)
	assert.Equal(t, 170, cfg.Network.VLANMax)
	assert.Equal(t, "10.40.%d.0/24", cfg.Network.CIDRTemplate)
	assert.Equal(t, 3*time.Minute, cfg.Network.LeaseCooldown)
	assert.Equal(t, 4, cfg.Deploy.MaxConcurrentClones)
	assert.Equal(t, 10*time.Minute, cfg.Deploy.LivenessTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Mission.StepTimeout)
	assert.Equal(t, 30*time.Second, cfg.Mission.ProbeTimeout)
	assert.Equal(t, "@every 1m", cfg.Drift.SweepSchedule)
	assert.Equal(t, 10*time.Second, cfg.Agents.VMInterval)
	assert.Equal(t, 3, cfg.Agents.GraceFactor)

	require.Len(t, cfg.Backends, 1)
	b := cfg.Backends[0]
	assert.Equal(t, api.BackendRef{Kind: api.BackendVSphere, Instance: "dc01"}, b.Ref())
	assert.EqualValues(t, 8, b.MaxConcurrent, "per-backend concurrency defaults when omitted")
	assert.Equal(t, "vc01.example.com", b.Option("host", ""))
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
log_level: debug
network:
  vlan_min: 200
  vlan_max: 210
  cidr_template: 172.30.%d.0/24
  lease_cooldown: 90s
deploy:
  max_concurrent_clones: 2
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 200, cfg.Network.VLANMin)
	assert.Equal(t, 90*time.Second, cfg.Network.LeaseCooldown)
	assert.Equal(t, 2, cfg.Deploy.MaxConcurrentClones)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "no backends",
			body: `
store:
  dsn: postgres://localhost/rf
secrets:
  dir: /run/secrets
backends: []
`,
		},
		{
			name: "vlan range inverted",
			body: minimalYAML + `
network:
  vlan_min: 300
  vlan_max: 200
`,
		},
		{
			name: "cidr template without slot",
			body: minimalYAML + `
network:
  cidr_template: 10.40.0.0/16
`,
		},
		{
			name: "both dsn and dsn_secret",
			body: `
store:
  dsn: postgres://localhost/rf
  dsn_secret: store-dsn
secrets:
  dir: /run/secrets
backends:
  - kind: fake
    instance: local
`,
		},
		{
			name: "unknown backend kind",
			body: `
store:
  dsn: postgres://localhost/rf
secrets:
  dir: /run/secrets
backends:
  - kind: virtualbox
    instance: lab
`,
		},
		{
			name: "bad instance name",
			body: `
store:
  dsn: postgres://localhost/rf
secrets:
  dir: /run/secrets
backends:
  - kind: fake
    instance: "Bad_Name"
`,
		},
		{
			name: "duplicate backend",
			body: `
store:
  dsn: postgres://localhost/rf
secrets:
  dir: /run/secrets
backends:
  - kind: fake
    instance: a
  - kind: fake
    instance: a
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.True(t, faults.Is(err, faults.ConfigInvalid), "got %v", err)
		})
	}
}

func TestBackendFor(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	b, err := cfg.BackendFor(api.BackendRef{Kind: api.BackendVSphere, Instance: "dc01"})
	require.NoError(t, err)
	assert.Equal(t, "dc01", b.Instance)

	_, err = cfg.BackendFor(api.BackendRef{Kind: api.BackendAWS, Instance: "use1"})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.ConfigInvalid))
}

func TestRequireOption(t *testing.T) {
	b := Backend{Kind: "aws", Instance: "use1", Options: map[string]string{"region": "us-east-1"}}
	v, err := b.RequireOption("region")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", v)

	_, err = b.RequireOption("subnet_id")
	require.Error(t, err)
}

func TestStoreDSN(t *testing.T) {
	c := &Config{Store: Store{DSN: "postgres://direct"}}
	dsn, err := c.StoreDSN(nil)
	require.NoError(t, err)
	assert.Equal(t, "postgres://direct", dsn)

	c = &Config{Store: Store{DSNSecret: "store-dsn"}}
	dsn, err = c.StoreDSN(func(name string) (string, error) {
		require.Equal(t, "store-dsn", name)
		return "postgres://resolved", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "postgres://resolved", dsn)
}
