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

// Package netalloc hands out VLAN/subnet pairs to labs. A released
// pair sits in a cooldown quarantine before reuse so straggler VMs
// from a torn-down lab cannot leak traffic into a new one. Lease state
// lives in the relational store; the allocator recovers its view from
// there on every call and survives restarts with no warm-up.
package netalloc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
)

// LeaseStore is the persistence the allocator needs.
type LeaseStore interface {
	// ActiveLeases returns every lease with no release time.
	ActiveLeases(ctx context.Context) ([]api.Lease, error)
	// ReleasedSince returns leases released at or after the cutoff.
	ReleasedSince(ctx context.Context, cutoff time.Time) ([]api.Lease, error)
	// CreateLease persists a new active lease. The store must reject
	// a second active lease on the same VLAN with a NameCollision
	// fault.
	CreateLease(ctx context.Context, lease api.Lease) error
	// ReleaseLease stamps the lease released. Releasing an already
	// released lease is a no-op.
	ReleaseLease(ctx context.Context, id string, at time.Time) error
	// ActiveLeaseForLab returns the lab's active lease or a
	// ResourceMissing fault.
	ActiveLeaseForLab(ctx context.Context, labID string) (api.Lease, error)
}

// Options bounds the pool.
type Options struct {
	VLANMin      int
	VLANMax      int
	CIDRTemplate string
	Cooldown     time.Duration
}

// Pool allocates from a contiguous VLAN range, mapping each VLAN to a
// subnet through the CIDR template.
type Pool struct {
	log   logr.Logger
	store LeaseStore
	opts  Options
	clock clock.PassiveClock

	// mu serializes in-process allocations; the store's uniqueness
	// constraint catches races with other processes.
	mu sync.Mutex
}

func New(log logr.Logger, store LeaseStore, opts Options) *Pool {
	return &Pool{log: log, store: store, opts: opts, clock: clock.RealClock{}}
}

// Acquire leases a VLAN/subnet pair for the lab. Calling it again for
// a lab that already holds a lease returns that lease unchanged.
func (p *Pool) Acquire(ctx context.Context, labID string) (api.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, err := p.store.ActiveLeaseForLab(ctx, labID); err == nil {
		return existing, nil
	} else if !faults.Is(err, faults.ResourceMissing) {
		return api.Lease{}, err
	}

	now := p.clock.Now()
	active, err := p.store.ActiveLeases(ctx)
	if err != nil {
		return api.Lease{}, err
	}
	cooling, err := p.store.ReleasedSince(ctx, now.Add(-p.opts.Cooldown))
	if err != nil {
		return api.Lease{}, err
	}

	busy := make(map[int]bool, len(active))
	for _, l := range active {
		busy[l.VLAN] = true
	}
	var earliestFree time.Time
	coolingUntil := make(map[int]time.Time, len(cooling))
	for _, l := range cooling {
		if l.ReleasedAt == nil {
			continue
		}
		until := l.ReleasedAt.Add(p.opts.Cooldown)
		if until.After(coolingUntil[l.VLAN]) {
			coolingUntil[l.VLAN] = until
		}
	}

	for vlan := p.opts.VLANMin; vlan <= p.opts.VLANMax; vlan++ {
		if busy[vlan] {
			continue
		}
		if until, ok := coolingUntil[vlan]; ok && until.After(now) {
			if earliestFree.IsZero() || until.Before(earliestFree) {
				earliestFree = until
			}
			continue
		}
		lease, err := p.buildLease(labID, vlan, now)
		if err != nil {
			return api.Lease{}, err
		}
		err = p.store.CreateLease(ctx, lease)
		if err == nil {
			p.log.Info("network lease acquired", "lab", labID, "vlan", vlan, "cidr", lease.CIDR)
			return lease, nil
		}
		// Another process grabbed the VLAN between our scan and the
		// insert; move on to the next candidate.
		if faults.Is(err, faults.NameCollision) {
			busy[vlan] = true
			continue
		}
		return api.Lease{}, err
	}

	if !earliestFree.IsZero() {
		return api.Lease{}, faults.New(faults.PoolExhausted,
			"no vlan free in %d-%d; earliest cooldown expires in %s",
			p.opts.VLANMin, p.opts.VLANMax, earliestFree.Sub(now).Round(time.Second))
	}
	return api.Lease{}, faults.New(faults.PoolExhausted, "no vlan free in %d-%d", p.opts.VLANMin, p.opts.VLANMax)
}

// Lookup returns the lab's active lease without allocating one.
func (p *Pool) Lookup(ctx context.Context, labID string) (api.Lease, bool, error) {
	lease, err := p.store.ActiveLeaseForLab(ctx, labID)
	if err != nil {
		if faults.Is(err, faults.ResourceMissing) {
			return api.Lease{}, false, nil
		}
		return api.Lease{}, false, err
	}
	return lease, true, nil
}

// Usage reports how many VLANs are leased out of the pool's capacity.
func (p *Pool) Usage(ctx context.Context) (active, capacity int, err error) {
	leases, err := p.store.ActiveLeases(ctx)
	if err != nil {
		return 0, 0, err
	}
	return len(leases), p.opts.VLANMax - p.opts.VLANMin + 1, nil
}

// Release returns the lab's lease to the pool, starting its cooldown.
// Labs without an active lease release cleanly.
func (p *Pool) Release(ctx context.Context, labID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	lease, err := p.store.ActiveLeaseForLab(ctx, labID)
	if err != nil {
		if faults.Is(err, faults.ResourceMissing) {
			return nil
		}
		return err
	}
	if err := p.store.ReleaseLease(ctx, lease.ID, p.clock.Now()); err != nil {
		return err
	}
	p.log.Info("network lease released", "lab", labID, "vlan", lease.VLAN, "cooldown", p.opts.Cooldown.String())
	return nil
}

func (p *Pool) buildLease(labID string, vlan int, now time.Time) (api.Lease, error) {
	cidr := fmt.Sprintf(p.opts.CIDRTemplate, vlan)
	gw, err := gatewayFor(cidr)
	if err != nil {
		return api.Lease{}, faults.Wrap(err, faults.ConfigInvalid, "cidr template %q with vlan %d", p.opts.CIDRTemplate, vlan)
	}
	return api.Lease{
		ID:         uuid.NewString(),
		VLAN:       vlan,
		CIDR:       cidr,
		GatewayIP:  gw,
		LabID:      labID,
		AcquiredAt: now,
	}, nil
}

// gatewayFor returns the first host address of the subnet, which the
// lab gateway claims on its inside interface.
func gatewayFor(cidr string) (string, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", err
	}
	ip := ipnet.IP.To4()
	if ip == nil {
		return "", fmt.Errorf("subnet %s is not IPv4", cidr)
	}
	ones, bits := ipnet.Mask.Size()
	if bits-ones < 2 {
		return "", fmt.Errorf("subnet %s too small for a gateway", cidr)
	}
	gw := make(net.IP, len(ip))
	copy(gw, ip)
	gw[3]++
	return gw.String(), nil
}
