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

package netalloc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
)

// memLeaseStore is an in-memory LeaseStore with the same uniqueness
// rule the relational store enforces.
type memLeaseStore struct {
	mu     sync.Mutex
	leases map[string]*api.Lease
}

func newMemLeaseStore() *memLeaseStore {
	return &memLeaseStore{leases: map[string]*api.Lease{}}
}

func (m *memLeaseStore) ActiveLeases(_ context.Context) ([]api.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []api.Lease
	for _, l := range m.leases {
		if l.Active() {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (m *memLeaseStore) ReleasedSince(_ context.Context, cutoff time.Time) ([]api.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []api.Lease
	for _, l := range m.leases {
		if l.ReleasedAt != nil && !l.ReleasedAt.Before(cutoff) {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (m *memLeaseStore) CreateLease(_ context.Context, lease api.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.leases {
		if l.Active() && l.VLAN == lease.VLAN {
			return faults.New(faults.NameCollision, "vlan %d already leased", lease.VLAN)
		}
	}
	m.leases[lease.ID] = &lease
	return nil
}

func (m *memLeaseStore) ReleaseLease(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[id]; ok && l.ReleasedAt == nil {
		l.ReleasedAt = &at
	}
	return nil
}

func (m *memLeaseStore) ActiveLeaseForLab(_ context.Context, labID string) (api.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.leases {
		if l.Active() && l.LabID == labID {
			return *l, nil
		}
	}
	return api.Lease{}, faults.New(faults.ResourceMissing, "no active lease for lab %s", labID)
}

func newTestPool(t *testing.T, min, max int) (*Pool, *memLeaseStore, *testingclock.FakePassiveClock) {
	t.Helper()
	store := newMemLeaseStore()
	fake := testingclock.NewFakePassiveClock(time.Now())
	p := New(logr.Discard(), store, Options{
		VLANMin:      min,
		VLANMax:      max,
		CIDRTemplate: "10.40.%d.0/24",
		Cooldown:     3 * time.Minute,
	})
	p.clock = fake
	return p, store, fake
}

func TestAcquireAssignsLowestFreeVLAN(t *testing.T) {
	p, _, _ := newTestPool(t, 100, 102)
	ctx := context.Background()

	lease, err := p.Acquire(ctx, "lab-1")
	require.NoError(t, err)
	assert.Equal(t, 100, lease.VLAN)
	assert.Equal(t, "10.40.100.0/24", lease.CIDR)
	assert.Equal(t, "10.40.100.1", lease.GatewayIP)
	assert.Equal(t, "lab-1", lease.LabID)
	assert.NotEmpty(t, lease.ID)

	second, err := p.Acquire(ctx, "lab-2")
	require.NoError(t, err)
	assert.Equal(t, 101, second.VLAN)
}

func TestAcquireIsIdempotentPerLab(t *testing.T) {
	p, _, _ := newTestPool(t, 100, 102)
	ctx := context.Background()

	first, err := p.Acquire(ctx, "lab-1")
	require.NoError(t, err)
	again, err := p.Acquire(ctx, "lab-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.VLAN, again.VLAN)
}

func TestReleaseStartsCooldown(t *testing.T) {
	p, _, fake := newTestPool(t, 100, 100)
	ctx := context.Background()

	lease, err := p.Acquire(ctx, "lab-1")
	require.NoError(t, err)
	require.Equal(t, 100, lease.VLAN)
	require.NoError(t, p.Release(ctx, "lab-1"))

	// Still cooling: the only VLAN is quarantined.
	_, err = p.Acquire(ctx, "lab-2")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.PoolExhausted), "got %v", err)
	assert.Contains(t, err.Error(), "cooldown expires")

	// After the cooldown the pair is reusable.
	fake.SetTime(fake.Now().Add(3*time.Minute + time.Second))
	lease, err = p.Acquire(ctx, "lab-2")
	require.NoError(t, err)
	assert.Equal(t, 100, lease.VLAN)
}

func TestAcquirePoolExhausted(t *testing.T) {
	p, _, _ := newTestPool(t, 100, 101)
	ctx := context.Background()

	_, err := p.Acquire(ctx, "lab-1")
	require.NoError(t, err)
	_, err = p.Acquire(ctx, "lab-2")
	require.NoError(t, err)

	_, err = p.Acquire(ctx, "lab-3")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.PoolExhausted))
}

func TestAcquireSkipsVLANTakenByRace(t *testing.T) {
	p, store, fake := newTestPool(t, 100, 101)
	ctx := context.Background()

	// Simulate another process holding VLAN 100 without a lab entry
	// the allocator has seen.
	require.NoError(t, store.CreateLease(ctx, api.Lease{
		ID: "foreign", VLAN: 100, CIDR: "10.40.100.0/24", GatewayIP: "10.40.100.1",
		LabID: "other-lab", AcquiredAt: fake.Now(),
	}))

	lease, err := p.Acquire(ctx, "lab-1")
	require.NoError(t, err)
	assert.Equal(t, 101, lease.VLAN)
}

func TestReleaseWithoutLease(t *testing.T) {
	p, _, _ := newTestPool(t, 100, 101)
	assert.NoError(t, p.Release(context.Background(), "lab-unknown"))
}

func TestLookupReportsActiveLease(t *testing.T) {
	p, _, _ := newTestPool(t, 100, 101)
	ctx := context.Background()

	_, held, err := p.Lookup(ctx, "lab-1")
	require.NoError(t, err)
	assert.False(t, held)

	lease, err := p.Acquire(ctx, "lab-1")
	require.NoError(t, err)

	got, held, err := p.Lookup(ctx, "lab-1")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, lease.ID, got.ID)

	require.NoError(t, p.Release(ctx, "lab-1"))
	_, held, err = p.Lookup(ctx, "lab-1")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestGatewayFor(t *testing.T) {
	gw, err := gatewayFor("172.30.5.0/24")
	require.NoError(t, err)
	assert.Equal(t, "172.30.5.1", gw)

	_, err = gatewayFor("10.0.0.0/31")
	assert.Error(t, err, "point-to-point subnets have no spare host address")

	_, err = gatewayFor("not-a-cidr")
	assert.Error(t, err)
}
