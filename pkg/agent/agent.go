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

// Package agent keeps the registry synchronized with the backends. An
// agent is one polling loop against one backend instance: the vm tier
// tracks machines at high cadence, the inventory tier walks templates,
// networks and hypervisor hosts, and the discovery tier reads the
// backend's MAC-to-IP table to fill in addresses for guests that just
// booted. Agents only observe; they never mutate backend state.
package agent

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
	"github.com/rangeforge/rangeforge/pkg/registry"
)

// Tier selects what one agent watches.
type Tier string

const (
	// TierVM tracks virtual machines, the fast-changing core of a lab.
	TierVM Tier = "vm"
	// TierInventory tracks templates, networks and hypervisor hosts.
	TierInventory Tier = "inventory"
	// TierDiscovery correlates MAC addresses to IPs so just-booted
	// guests get an address before their in-guest tooling reports in.
	TierDiscovery Tier = "discovery"
)

// inventoryKinds are the slow-changing kinds the inventory tier walks.
var inventoryKinds = []api.ResourceKind{api.ResourceTemplate, api.ResourceNetwork, api.ResourceHost}

// Options configure one polling loop.
type Options struct {
	Tier     Tier
	Interval time.Duration

	// GraceFactor scales Interval into the staleness window passed to
	// MarkMissing; values below 2 fall back to the default 3.
	GraceFactor int

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Agent is a single-flight polling loop. Run executes ticks inline, so
// a tick that overruns its period delays the next one instead of
// overlapping it.
type Agent struct {
	log      logr.Logger
	adapter  platform.Adapter
	reg      registry.Interface
	tier     Tier
	interval time.Duration
	grace    time.Duration
	clock    clock.Clock
}

// New builds an agent. Discovery agents require an adapter that
// implements the AddressDiscoverer capability.
func New(log logr.Logger, adapter platform.Adapter, reg registry.Interface, opts Options) (*Agent, error) {
	if opts.Interval <= 0 {
		return nil, faults.New(faults.ConfigInvalid, "agent interval must be positive, got %s", opts.Interval)
	}
	switch opts.Tier {
	case TierVM, TierInventory:
	case TierDiscovery:
		if _, ok := platform.Discoverer(adapter); !ok {
			return nil, faults.New(faults.ConfigInvalid, "backend %s cannot discover addresses", platform.Ref(adapter))
		}
	default:
		return nil, faults.New(faults.ConfigInvalid, "unknown agent tier %q", opts.Tier)
	}
	factor := opts.GraceFactor
	if factor < 2 {
		factor = 3
	}
	c := opts.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	return &Agent{
		log:      log,
		adapter:  adapter,
		reg:      reg,
		tier:     opts.Tier,
		interval: opts.Interval,
		grace:    time.Duration(factor) * opts.Interval,
		clock:    c,
	}, nil
}

// Cadence is the per-tier polling cadence for one backend.
type Cadence struct {
	VM          time.Duration
	Inventory   time.Duration
	Discovery   time.Duration
	GraceFactor int
}

// ForAdapter builds the agent set for one backend: the vm and
// inventory tiers always, the discovery tier only when the adapter can
// report MAC-to-IP bindings.
func ForAdapter(log logr.Logger, adapter platform.Adapter, reg registry.Interface, c Cadence) ([]*Agent, error) {
	opts := []Options{
		{Tier: TierVM, Interval: c.VM, GraceFactor: c.GraceFactor},
		{Tier: TierInventory, Interval: c.Inventory, GraceFactor: c.GraceFactor},
	}
	if _, ok := platform.Discoverer(adapter); ok {
		opts = append(opts, Options{Tier: TierDiscovery, Interval: c.Discovery, GraceFactor: c.GraceFactor})
	}
	agents := make([]*Agent, 0, len(opts))
	for _, o := range opts {
		a, err := New(log, adapter, reg, o)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// Name identifies the agent in logs and heartbeat events.
func (a *Agent) Name() string {
	return platform.Ref(a.adapter).String() + ":" + string(a.tier)
}

// Run polls until ctx is done. The first tick fires immediately so a
// fresh process fills the registry without waiting a full period.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent starting", "agent", a.Name(), "interval", a.interval, "grace", a.grace)
	for seq := 1; ; seq++ {
		corr := fmt.Sprintf("%s#%d", a.Name(), seq)
		start := a.clock.Now()
		// A tick slower than the staleness window is worthless; cut
		// it off there.
		tctx, cancel := context.WithTimeout(ctx, a.grace)
		seen, missing, err := a.tick(tctx, corr)
		cancel()
		if ctx.Err() != nil {
			a.log.Info("agent stopping", "agent", a.Name())
			return nil
		}
		a.heartbeat(ctx, corr, seen, missing, a.clock.Since(start), err)
		if err != nil {
			a.log.Error(err, "tick failed", "agent", a.Name(), "tick", seq)
		}
		t := a.clock.NewTimer(jitter(a.interval))
		select {
		case <-ctx.Done():
			t.Stop()
			a.log.Info("agent stopping", "agent", a.Name())
			return nil
		case <-t.C():
		}
	}
}

// tick runs one poll pass, returning how many resources it observed
// and how many it newly marked missing.
func (a *Agent) tick(ctx context.Context, corr string) (int, int, error) {
	switch a.tier {
	case TierVM:
		return a.reconcileMachines(ctx, corr)
	case TierInventory:
		return a.reconcileInventory(ctx, corr)
	case TierDiscovery:
		attached, err := a.discover(ctx, corr)
		return attached, 0, err
	}
	return 0, 0, faults.New(faults.Internal, "unknown agent tier %q", a.tier)
}

// reconcileMachines runs the vm tier pass. One machine listing covers
// both machine kinds; the role tag splits gateways out of it, so the
// missing sweep has to cover both too.
func (a *Agent) reconcileMachines(ctx context.Context, corr string) (int, int, error) {
	listed, seen, err := a.observeListing(ctx, corr, api.ResourceVM)
	if err != nil {
		return seen, 0, err
	}
	var missing int
	for _, kind := range platform.MachineKinds {
		m, err := a.sweepKind(ctx, corr, kind, listed)
		missing += m
		if err != nil {
			return seen, missing, err
		}
	}
	return seen, missing, nil
}

// reconcileInventory lists each slow kind, observes everything found,
// then marks missing whatever the registry still indexes but the
// listing lacks.
func (a *Agent) reconcileInventory(ctx context.Context, corr string) (int, int, error) {
	var seen, missing int
	for _, kind := range inventoryKinds {
		listed, s, err := a.observeListing(ctx, corr, kind)
		seen += s
		if err != nil {
			return seen, missing, err
		}
		m, err := a.sweepKind(ctx, corr, kind, listed)
		missing += m
		if err != nil {
			return seen, missing, err
		}
	}
	return seen, missing, nil
}

func (a *Agent) observeListing(ctx context.Context, corr string, kind api.ResourceKind) (map[api.Identity]struct{}, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, faults.Wrap(err, faults.CancelRequested, "agent %s", a.Name())
	}
	it, err := a.adapter.List(ctx, kind)
	if err != nil {
		return nil, 0, err
	}
	defer it.Close()

	listed := map[api.Identity]struct{}{}
	seen := 0
	for {
		res, ok, err := it.Next(ctx)
		if err != nil {
			return listed, seen, err
		}
		if !ok {
			break
		}
		if res.Identity.IsZero() {
			a.log.V(1).Info("skipping listing entry without identity", "agent", a.Name(), "resourceKind", kind, "name", res.Name)
			continue
		}
		if _, err := a.reg.Observe(ctx, res, corr); err != nil {
			return listed, seen, err
		}
		listed[res.Identity] = struct{}{}
		seen++
	}
	return listed, seen, nil
}

func (a *Agent) sweepKind(ctx context.Context, corr string, kind api.ResourceKind, listed map[api.Identity]struct{}) (int, error) {
	known, err := a.reg.Identities(ctx, platform.Ref(a.adapter), kind)
	if err != nil {
		return 0, err
	}
	missing := 0
	for _, id := range known {
		if _, ok := listed[id]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return missing, faults.Wrap(err, faults.CancelRequested, "agent %s", a.Name())
		}
		flipped, err := a.reg.MarkMissing(ctx, id, a.grace, corr)
		if err != nil {
			return missing, err
		}
		if flipped {
			a.log.Info("resource vanished from listing", "agent", a.Name(), "identity", id.String())
			missing++
		}
	}
	return missing, nil
}

// discover reads the backend's MAC-to-IP table and writes addresses
// onto registry VMs whose NICs match. Only changed resources are
// rewritten.
func (a *Agent) discover(ctx context.Context, corr string) (int, error) {
	disc, ok := platform.Discoverer(a.adapter)
	if !ok {
		return 0, faults.New(faults.ConfigInvalid, "backend %s cannot discover addresses", platform.Ref(a.adapter))
	}
	addrs, err := disc.DiscoverAddresses(ctx)
	if err != nil {
		return 0, err
	}
	if len(addrs) == 0 {
		return 0, nil
	}
	var ids []api.Identity
	for _, kind := range platform.MachineKinds {
		kindIDs, err := a.reg.Identities(ctx, platform.Ref(a.adapter), kind)
		if err != nil {
			return 0, err
		}
		ids = append(ids, kindIDs...)
	}
	attached := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return attached, faults.Wrap(err, faults.CancelRequested, "agent %s", a.Name())
		}
		res, err := a.reg.Get(ctx, id)
		if err != nil {
			// Raced with a removal; the vm tier settles it.
			if faults.Is(err, faults.ResourceMissing) {
				continue
			}
			return attached, err
		}
		changed := false
		for i := range res.NICs {
			ip, ok := addrs[res.NICs[i].MAC]
			if ok && ip != "" && res.NICs[i].IP != ip {
				res.NICs[i].IP = ip
				changed = true
			}
		}
		if res.IP == "" {
			for _, nic := range res.NICs {
				if nic.IP != "" {
					res.IP = nic.IP
					changed = true
					break
				}
			}
		}
		if !changed {
			continue
		}
		res.LastSeen = a.clock.Now()
		if _, err := a.reg.Observe(ctx, res, corr); err != nil {
			return attached, err
		}
		attached++
	}
	return attached, nil
}

// heartbeat publishes the tick summary. Liveness dashboards key on it;
// losing one is not worth failing a tick over.
func (a *Agent) heartbeat(ctx context.Context, corr string, seen, missing int, took time.Duration, tickErr error) {
	fields := map[string]string{
		"agent":       a.Name(),
		"tier":        string(a.tier),
		"seen":        strconv.Itoa(seen),
		"missing":     strconv.Itoa(missing),
		"duration_ms": strconv.FormatInt(took.Milliseconds(), 10),
	}
	if tickErr != nil {
		fields["error"] = tickErr.Error()
	}
	ev := api.Event{Type: api.EventAgentHeartbeat, At: a.clock.Now(), CorrelationID: corr, Fields: fields}
	if err := a.reg.Publish(ctx, ev); err != nil {
		a.log.V(1).Info("dropping heartbeat", "agent", a.Name(), "reason", err.Error())
	}
}

// jitter stretches the period by up to a tenth so agents sharing a
// backend drift apart instead of listing in lockstep.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/10+1))
}
