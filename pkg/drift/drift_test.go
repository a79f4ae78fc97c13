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

package drift

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
	"github.com/rangeforge/rangeforge/pkg/registry"
)

type fakeIntents struct {
	intents map[string]*api.LabIntent
	leases  map[string]api.Lease
}

func (f *fakeIntents) ListLabIntents(context.Context) ([]*api.LabIntent, error) {
	ids := make([]string, 0, len(f.intents))
	for id := range f.intents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*api.LabIntent, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.intents[id])
	}
	return out, nil
}

func (f *fakeIntents) GetLabIntent(_ context.Context, labID string) (*api.LabIntent, error) {
	in, ok := f.intents[labID]
	if !ok {
		return nil, faults.New(faults.ResourceMissing, "lab %s not found", labID)
	}
	return in, nil
}

func (f *fakeIntents) ActiveLeaseForLab(_ context.Context, labID string) (api.Lease, error) {
	l, ok := f.leases[labID]
	if !ok {
		return api.Lease{}, faults.New(faults.ResourceMissing, "no active lease for %s", labID)
	}
	return l, nil
}

func newTestRegistry(t *testing.T) *registry.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	s := registry.New(logr.Discard(), registry.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func vm(lab, name, nativeID string, state api.ResourceState, ip string, nics ...api.NIC) api.Resource {
	return api.Resource{
		Identity: api.Identity{Backend: api.BackendFake, Instance: "dc01", Kind: api.ResourceVM, NativeID: nativeID},
		Name:     name,
		State:    state,
		LabID:    lab,
		IP:       ip,
		NICs:     nics,
	}
}

func TestCompareFindsEveryRule(t *testing.T) {
	intent := &api.LabIntent{
		LabID:   "lab-1",
		Gateway: api.NodeSpec{Name: "gw", Template: "router"},
		Nodes: []api.NodeSpec{
			{Name: "web", Template: "ubuntu"},
			{Name: "db", Template: "ubuntu"},
			{Name: "app", Template: "ubuntu"},
			{Name: "cache", Template: "ubuntu"},
			{Name: "edge", Template: "ubuntu"},
		},
	}

	gw := vm("lab-1", "lab-1-gw", "vm-1", api.StateRunning, "198.51.100.5",
		api.NIC{MAC: "aa:00:00:00:00:01", Network: "uplink", IP: "198.51.100.5"},
		api.NIC{MAC: "aa:00:00:00:00:02", Network: "vlan-101", IP: "10.40.101.1"})
	web := vm("lab-1", "lab-1-web", "vm-2", api.StateStopped, "10.40.101.20")
	app := vm("lab-1", "lab-1-app", "vm-3", api.StateRunning, "192.0.2.50")
	cache := vm("lab-1", "cache-clone-7", "vm-4", api.StateRunning, "10.40.101.30")
	cache.Tags = map[string]string{platform.TagNode: "cache"}
	// edge keeps its leased address but its NIC was reattached to a
	// foreign port group, so only the segment rule catches it.
	edge := vm("lab-1", "lab-1-edge", "vm-6", api.StateRunning, "10.40.101.40",
		api.NIC{MAC: "aa:00:00:00:00:06", Network: "vlan-999", IP: "10.40.101.40"})
	rogue := vm("lab-1", "lab-1-rogue", "vm-5", api.StateRunning, "10.40.101.99")

	snap := &api.Snapshot{LabID: "lab-1", Resources: []api.Resource{gw, web, app, cache, edge, rogue}}
	report := Compare(intent, snap, "10.40.101.0/24", time.Now())

	byKind := map[api.DriftKind]api.DriftItem{}
	for _, it := range report.Items {
		byKind[it.Kind] = it
	}
	require.Len(t, report.Items, 6)

	missing := byKind[api.DriftMissingResource]
	assert.Equal(t, "db", missing.Node)
	assert.Equal(t, api.SeverityHigh, missing.Severity)

	state := byKind[api.DriftStateMismatch]
	assert.Equal(t, "web", state.Node)
	assert.Equal(t, "stopped", state.Got)
	assert.Equal(t, api.SeverityHigh, state.Severity)

	name := byKind[api.DriftNameMismatch]
	assert.Equal(t, "cache", name.Node)
	assert.Equal(t, "cache-clone-7", name.Got)
	assert.Equal(t, api.SeverityWarning, name.Severity)

	ip := byKind[api.DriftIPMismatch]
	assert.Equal(t, "app", ip.Node)
	assert.Contains(t, ip.Got, "192.0.2.50")
	assert.Equal(t, api.SeverityWarning, ip.Severity)

	network := byKind[api.DriftNetworkMismatch]
	assert.Equal(t, "edge", network.Node)
	assert.Contains(t, network.Got, "vlan-999")
	assert.Equal(t, api.SeverityWarning, network.Severity)

	extra := byKind[api.DriftExtraResource]
	assert.Contains(t, extra.Got, "lab-1-rogue")
	assert.Equal(t, api.SeverityInfo, extra.Severity)
}

func TestCompareCleanLab(t *testing.T) {
	intent := &api.LabIntent{
		LabID:   "lab-1",
		Gateway: api.NodeSpec{Name: "gw", Template: "router"},
		Nodes:   []api.NodeSpec{{Name: "web", Template: "ubuntu"}},
	}
	snap := &api.Snapshot{LabID: "lab-1", Resources: []api.Resource{
		vm("lab-1", "lab-1-gw", "vm-1", api.StateRunning, "198.51.100.5",
			api.NIC{MAC: "aa:00:00:00:00:02", Network: "vlan-101", IP: "10.40.101.1"}),
		vm("lab-1", "lab-1-web", "vm-2", api.StateRunning, "10.40.101.20",
			api.NIC{MAC: "aa:00:00:00:00:03", Network: "vlan-101", IP: "10.40.101.20"}),
	}}
	report := Compare(intent, snap, "10.40.101.0/24", time.Now())
	assert.True(t, report.Clean())
}

func TestCompareSkipsAddressRuleWithoutLease(t *testing.T) {
	intent := &api.LabIntent{
		LabID:   "lab-1",
		Gateway: api.NodeSpec{Name: "gw", Template: "router"},
	}
	snap := &api.Snapshot{LabID: "lab-1", Resources: []api.Resource{
		vm("lab-1", "lab-1-gw", "vm-1", api.StateRunning, "192.0.2.9"),
	}}
	report := Compare(intent, snap, "", time.Now())
	assert.True(t, report.Clean())
}

func TestCheckLabRecordsAndResolves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := newTestRegistry(t)
	src := &fakeIntents{
		intents: map[string]*api.LabIntent{
			"lab-2": {LabID: "lab-2", Gateway: api.NodeSpec{Name: "gw", Template: "router"}},
		},
		leases: map[string]api.Lease{
			"lab-2": {ID: "lease-1", VLAN: 102, CIDR: "10.40.102.0/24", LabID: "lab-2"},
		},
	}
	d := New(logr.Discard(), src, reg, Options{})

	detected, err := reg.Subscribe(ctx, registry.ChannelType(api.EventDriftDetected))
	require.NoError(t, err)
	resolved, err := reg.Subscribe(ctx, registry.ChannelType(api.EventDriftResolved))
	require.NoError(t, err)

	require.NoError(t, d.CheckLab(ctx, "lab-2"))

	items, err := reg.DriftItems(ctx, "lab-2")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, api.DriftMissingResource, items[0].Kind)

	status, err := reg.LabStatus(ctx, "lab-2")
	require.NoError(t, err)
	assert.Equal(t, StatusDrifted, status)

	select {
	case ev := <-detected:
		assert.Equal(t, "lab-2", ev.LabID)
		assert.Equal(t, string(api.DriftMissingResource), ev.Fields["kind"])
		assert.Equal(t, string(api.SeverityHigh), ev.Fields["severity"])
	case <-time.After(5 * time.Second):
		t.Fatal("no drift_detected event")
	}

	// The gateway appears; the next check clears the finding.
	_, err = reg.Observe(ctx, vm("lab-2", "lab-2-gw", "vm-9", api.StateRunning, "10.40.102.1"), "test")
	require.NoError(t, err)
	require.NoError(t, d.CheckLab(ctx, "lab-2"))

	items, err = reg.DriftItems(ctx, "lab-2")
	require.NoError(t, err)
	assert.Empty(t, items)

	status, err = reg.LabStatus(ctx, "lab-2")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, status)

	select {
	case ev := <-resolved:
		assert.Equal(t, "lab-2", ev.LabID)
		assert.Equal(t, string(api.DriftMissingResource), ev.Fields["kind"])
	case <-time.After(5 * time.Second):
		t.Fatal("no drift_resolved event")
	}

	// A second clean check emits nothing new and stays healthy.
	require.NoError(t, d.CheckLab(ctx, "lab-2"))
	select {
	case ev := <-detected:
		t.Fatalf("unexpected drift_detected: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCheckLabClearsDeletedIntent(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	src := &fakeIntents{intents: map[string]*api.LabIntent{}}
	d := New(logr.Discard(), src, reg, Options{})

	stale := api.DriftItem{Kind: api.DriftMissingResource, Severity: api.SeverityHigh, Node: "gw"}
	require.NoError(t, reg.SetDriftItems(ctx, "lab-gone", []api.DriftItem{stale}))

	require.NoError(t, d.CheckLab(ctx, "lab-gone"))

	items, err := reg.DriftItems(ctx, "lab-gone")
	require.NoError(t, err)
	assert.Empty(t, items)

	status, err := reg.LabStatus(ctx, "lab-gone")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, status)
}

func TestSweepJudgesEveryLab(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	src := &fakeIntents{
		intents: map[string]*api.LabIntent{
			"lab-a": {LabID: "lab-a", Gateway: api.NodeSpec{Name: "gw", Template: "router"}},
			"lab-b": {LabID: "lab-b", Gateway: api.NodeSpec{Name: "gw", Template: "router"}},
		},
	}
	_, err := reg.Observe(ctx, vm("lab-a", "lab-a-gw", "vm-1", api.StateRunning, "10.40.100.1"), "test")
	require.NoError(t, err)

	d := New(logr.Discard(), src, reg, Options{})
	require.NoError(t, d.Sweep(ctx))

	statusA, err := reg.LabStatus(ctx, "lab-a")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, statusA)

	statusB, err := reg.LabStatus(ctx, "lab-b")
	require.NoError(t, err)
	assert.Equal(t, StatusDrifted, statusB)
}

func TestRunReactsToEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := newTestRegistry(t)
	src := &fakeIntents{
		intents: map[string]*api.LabIntent{
			"lab-6": {LabID: "lab-6", Gateway: api.NodeSpec{Name: "gw", Template: "router"}},
		},
		leases: map[string]api.Lease{
			"lab-6": {ID: "lease-6", VLAN: 106, CIDR: "10.40.106.0/24", LabID: "lab-6"},
		},
	}

	detected, err := reg.Subscribe(ctx, registry.ChannelType(api.EventDriftDetected))
	require.NoError(t, err)
	resolved, err := reg.Subscribe(ctx, registry.ChannelType(api.EventDriftResolved))
	require.NoError(t, err)

	// Hourly schedule keeps cron quiet; the test drives everything
	// through the initial sweep and the event feed.
	d := New(logr.Discard(), src, reg, Options{SweepSchedule: "@every 1h"})
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case ev := <-detected:
		assert.Equal(t, "lab-6", ev.LabID)
	case <-time.After(5 * time.Second):
		t.Fatal("initial sweep produced no drift_detected")
	}

	_, err = reg.Observe(ctx, vm("lab-6", "lab-6-gw", "vm-1", api.StateRunning, "10.40.106.1"), "test")
	require.NoError(t, err)

	select {
	case ev := <-resolved:
		assert.Equal(t, "lab-6", ev.LabID)
	case <-time.After(5 * time.Second):
		t.Fatal("registration event did not resolve the drift")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("detector did not stop on cancel")
	}
}
