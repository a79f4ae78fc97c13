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

// Package deploy turns lab intents into running infrastructure. The
// engine leases a network, compiles the intent into a dependency flow
// with the gateway in front, drives the backend through the platform
// layer and records every step durably. Request IDs namespace all of
// it: replaying one converges on the earlier outcome instead of
// cloning twice.
package deploy

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/netalloc"
	"github.com/rangeforge/rangeforge/pkg/platform"
	"github.com/rangeforge/rangeforge/pkg/registry"
)

const (
	// persistTimeout bounds trace writes that must land even after
	// the deployment's own context expired.
	persistTimeout = 10 * time.Second

	// teardownTimeout bounds compensating deletes after a failed
	// deployment.
	teardownTimeout = 2 * time.Minute

	// teardownParallelism bounds concurrent tenant deletes in Destroy.
	teardownParallelism = 4
)

// Store is the durable trace the engine writes. *store.Store
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	CreateDeploy(ctx context.Context, rec api.DeployRecord) error
	GetDeploy(ctx context.Context, id string) (api.DeployRecord, error)
	ListDeploysForLab(ctx context.Context, labID string) ([]api.DeployRecord, error)
	SetDeployState(ctx context.Context, id string, state api.DeployState) error
	FinishDeploy(ctx context.Context, id string, state api.DeployState, errMsg string, at time.Time) error
	UpsertDeployTask(ctx context.Context, task api.DeployTask) error
	GetLabIntent(ctx context.Context, labID string) (*api.LabIntent, error)
}

// AdapterSource resolves backend references to adapters.
// *platform.Dispatcher satisfies it.
type AdapterSource interface {
	Get(ref api.BackendRef) (platform.Adapter, error)
}

// Options tunes the engine.
type Options struct {
	// MaxConcurrentClones bounds node build tasks across every
	// deployment this engine runs, not per deployment.
	MaxConcurrentClones int

	// Deadline bounds one deployment end to end.
	Deadline time.Duration

	// LivenessTimeout bounds the wait for a powered-on node to report
	// an address.
	LivenessTimeout time.Duration

	// Clock is injected by tests.
	Clock clock.PassiveClock
}

// Engine executes deployments. One engine serves the whole process;
// its clone semaphore is the fairness boundary between deploys, so a
// wide lab cannot starve a narrow one.
type Engine struct {
	log      logr.Logger
	backends AdapterSource
	leases   *netalloc.Pool
	reg      registry.Interface
	store    Store
	opts     Options
	clones   *semaphore.Weighted
	clock    clock.PassiveClock
}

func New(log logr.Logger, backends AdapterSource, leases *netalloc.Pool, reg registry.Interface, st Store, opts Options) *Engine {
	if opts.MaxConcurrentClones <= 0 {
		opts.MaxConcurrentClones = 4
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 30 * time.Minute
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = 10 * time.Minute
	}
	c := opts.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	return &Engine{
		log:      log,
		backends: backends,
		leases:   leases,
		reg:      reg,
		store:    st,
		opts:     opts,
		clones:   semaphore.NewWeighted(int64(opts.MaxConcurrentClones)),
		clock:    c,
	}
}

// emit publishes a lifecycle event. Losing one is logged, never
// fatal: the store rows stay authoritative.
func (e *Engine) emit(ctx context.Context, typ api.EventType, labID, corr string, fields map[string]string) {
	ev := api.Event{
		Type:          typ,
		LabID:         labID,
		At:            e.clock.Now().UTC(),
		CorrelationID: corr,
		Fields:        fields,
	}
	if err := e.reg.Publish(ctx, ev); err != nil {
		e.log.V(1).Info("dropping event", "type", typ, "error", err.Error())
	}
}

// observe captures the adapter's current view of the VM into the
// registry so polling agents corroborate it from the first sweep.
// Losing the write delays visibility, it does not change the build.
func (e *Engine) observe(ctx context.Context, log logr.Logger, adapter platform.Adapter, nativeID, corr string) (api.Resource, bool) {
	res, err := adapter.Describe(ctx, api.ResourceVM, nativeID)
	if err != nil {
		log.Error(err, "describing clone", "native_id", nativeID)
		return api.Resource{}, false
	}
	if _, err := e.reg.Observe(ctx, res, corr); err != nil {
		log.Error(err, "registering clone", "native_id", nativeID)
	}
	return res, true
}

// persistCtx detaches trace writes from the caller's cancellation so
// a timed-out build still records its terminal state.
func persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}
