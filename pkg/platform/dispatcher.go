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

package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
)

// Dispatcher routes calls to registered adapters. Every adapter is
// wrapped with a weighted semaphore bounding its in-flight API calls,
// a circuit breaker that sheds load while the backend is down, and a
// guard refusing calls whose context carries no deadline. The
// dispatcher is a plain value handed to its consumers; there is no
// package-level instance.
type Dispatcher struct {
	log             logr.Logger
	adapters        map[api.BackendRef]Adapter
	requireDeadline bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithoutDeadlineGuard admits calls without a context deadline. Tests
// and one-shot tooling that supervise themselves use it; production
// wiring keeps the guard.
func WithoutDeadlineGuard() Option {
	return func(d *Dispatcher) { d.requireDeadline = false }
}

func NewDispatcher(log logr.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:             log,
		adapters:        map[api.BackendRef]Adapter{},
		requireDeadline: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register wires an adapter under its reference. Registration happens
// once at startup, before any Get; the dispatcher is read-only
// afterwards.
func (d *Dispatcher) Register(a Adapter, maxConcurrent int64) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ref := Ref(a)
	d.adapters[ref] = &guarded{
		inner:           a,
		requireDeadline: d.requireDeadline,
		sem:             semaphore.NewWeighted(maxConcurrent),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    ref.String(),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// Only connectivity-class failures count against the
			// breaker; a quota refusal or missing template is the
			// backend answering, not the backend being down.
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				switch faults.KindOf(err) {
				case faults.BackendUnreachable, faults.AuthFailed, faults.Timeout:
					return false
				}
				return true
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				d.log.Info("backend circuit state changed", "backend", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Get returns the adapter for ref or a ConfigInvalid fault.
func (d *Dispatcher) Get(ref api.BackendRef) (Adapter, error) {
	a, ok := d.adapters[ref]
	if !ok {
		return nil, faults.New(faults.ConfigInvalid, "backend %s is not configured", ref)
	}
	return a, nil
}

// Refs lists the registered backends.
func (d *Dispatcher) Refs() []api.BackendRef {
	refs := make([]api.BackendRef, 0, len(d.adapters))
	for ref := range d.adapters {
		refs = append(refs, ref)
	}
	return refs
}

// Closer is implemented by adapters that hold sessions worth a clean
// logout on shutdown.
type Closer interface {
	Close(ctx context.Context) error
}

// Close logs out every adapter that holds a closable session.
func (d *Dispatcher) Close(ctx context.Context) error {
	var errs *multierror.Error
	for ref, a := range d.adapters {
		g, ok := a.(*guarded)
		if !ok {
			continue
		}
		c, ok := g.inner.(Closer)
		if !ok {
			continue
		}
		if err := c.Close(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing %s: %w", ref, err))
		}
	}
	return errs.ErrorOrNil()
}

// guarded decorates an Adapter with the semaphore and breaker. Long
// polling waits (WaitForLiveness) skip both: they pace themselves and
// holding a concurrency slot for minutes would starve the clone
// pipeline. The deadline guard applies to every call.
type guarded struct {
	inner           Adapter
	requireDeadline bool
	sem             *semaphore.Weighted
	cb              *gobreaker.CircuitBreaker
}

var _ Adapter = (*guarded)(nil)

// checkDeadline enforces that calls carry a deadline. An unbounded
// backend call holds its semaphore slot until the backend answers.
func (g *guarded) checkDeadline(ctx context.Context) error {
	if !g.requireDeadline {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		return faults.New(faults.Internal, "call to %s without a deadline", Ref(g.inner))
	}
	return nil
}

func (g *guarded) do(ctx context.Context, fn func() error) error {
	if err := g.checkDeadline(ctx); err != nil {
		return err
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return faults.Wrap(err, faults.CancelRequested, "waiting for a %s slot", Ref(g.inner))
	}
	defer g.sem.Release(1)
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return faults.Wrap(err, faults.BackendUnreachable, "backend %s circuit open", Ref(g.inner))
	}
	return err
}

func (g *guarded) Kind() api.BackendKind { return g.inner.Kind() }
func (g *guarded) Instance() string      { return g.inner.Instance() }

func (g *guarded) CloneFromTemplate(ctx context.Context, spec CloneSpec) (string, error) {
	var id string
	err := g.do(ctx, func() error {
		var err error
		id, err = g.inner.CloneFromTemplate(ctx, spec)
		return err
	})
	return id, err
}

func (g *guarded) SetPower(ctx context.Context, nativeID string, op PowerOp) error {
	return g.do(ctx, func() error {
		return g.inner.SetPower(ctx, nativeID, op)
	})
}

func (g *guarded) WaitForLiveness(ctx context.Context, nativeID string) (string, error) {
	if err := g.checkDeadline(ctx); err != nil {
		return "", err
	}
	return g.inner.WaitForLiveness(ctx, nativeID)
}

func (g *guarded) Describe(ctx context.Context, kind api.ResourceKind, nativeID string) (api.Resource, error) {
	var res api.Resource
	err := g.do(ctx, func() error {
		var err error
		res, err = g.inner.Describe(ctx, kind, nativeID)
		return err
	})
	return res, err
}

func (g *guarded) List(ctx context.Context, kind api.ResourceKind) (ResourceIterator, error) {
	var it ResourceIterator
	err := g.do(ctx, func() error {
		var err error
		it, err = g.inner.List(ctx, kind)
		return err
	})
	return it, err
}

func (g *guarded) AttachNetwork(ctx context.Context, nativeID string, lease api.Lease) error {
	return g.do(ctx, func() error {
		return g.inner.AttachNetwork(ctx, nativeID, lease)
	})
}

func (g *guarded) ExecCommand(ctx context.Context, nativeID string, cred Credential, command string) (ExecResult, error) {
	var res ExecResult
	err := g.do(ctx, func() error {
		var err error
		res, err = g.inner.ExecCommand(ctx, nativeID, cred, command)
		return err
	})
	return res, err
}

func (g *guarded) Delete(ctx context.Context, nativeID string, force bool) error {
	return g.do(ctx, func() error {
		return g.inner.Delete(ctx, nativeID, force)
	})
}

// DiscoverAddresses forwards the optional capability when the wrapped
// adapter has it.
func (g *guarded) DiscoverAddresses(ctx context.Context) (map[string]string, error) {
	disc, ok := g.inner.(AddressDiscoverer)
	if !ok {
		return nil, faults.New(faults.Internal, "backend %s cannot discover addresses", Ref(g.inner))
	}
	var out map[string]string
	err := g.do(ctx, func() error {
		var err error
		out, err = disc.DiscoverAddresses(ctx)
		return err
	})
	return out, err
}

// Discoverer reports whether the adapter supports address discovery
// and returns it if so.
func Discoverer(a Adapter) (AddressDiscoverer, bool) {
	if g, ok := a.(*guarded); ok {
		if _, ok := g.inner.(AddressDiscoverer); ok {
			return g, true
		}
		return nil, false
	}
	d, ok := a.(AddressDiscoverer)
	return d, ok
}
