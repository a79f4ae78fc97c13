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

package platform_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
	"github.com/rangeforge/rangeforge/pkg/platform/fake"
)

func cloneSpec(request, node string) platform.CloneSpec {
	return platform.CloneSpec{
		RequestID: request,
		LabID:     "lab-1",
		Node:      api.NodeSpec{Name: node, Template: "ubuntu-2204"},
	}
}

// testCtx satisfies the dispatcher's deadline guard.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)
	return ctx
}

func TestDispatcherGet(t *testing.T) {
	d := platform.NewDispatcher(logr.Discard())
	f := fake.New("local")
	d.Register(f, 4)

	a, err := d.Get(api.BackendRef{Kind: api.BackendFake, Instance: "local"})
	require.NoError(t, err)
	assert.Equal(t, api.BackendFake, a.Kind())
	assert.Equal(t, "local", a.Instance())

	_, err = d.Get(api.BackendRef{Kind: api.BackendAWS, Instance: "use1"})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.ConfigInvalid))
}

func TestDispatcherLimitsConcurrency(t *testing.T) {
	d := platform.NewDispatcher(logr.Discard())
	f := fake.New("local")
	f.AddTemplate("ubuntu-2204", api.OSLinux)
	f.CloneDelay = 30 * time.Millisecond
	d.Register(f, 2)

	a, err := d.Get(api.BackendRef{Kind: api.BackendFake, Instance: "local"})
	require.NoError(t, err)

	g, ctx := errgroup.WithContext(testCtx(t))
	for i := 0; i < 6; i++ {
		node := fmt.Sprintf("web%02d", i)
		g.Go(func() error {
			_, err := a.CloneFromTemplate(ctx, cloneSpec("req-1", node))
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, f.MaxInFlightClones(), 2, "semaphore must bound concurrent clones")
	assert.Len(t, f.VMNames(), 6)
}

func TestDispatcherCircuitBreaker(t *testing.T) {
	d := platform.NewDispatcher(logr.Discard())
	f := fake.New("local")
	f.AddTemplate("ubuntu-2204", api.OSLinux)
	f.CloneErrs["web"] = faults.New(faults.BackendUnreachable, "endpoint down")
	d.Register(f, 4)

	a, err := d.Get(api.BackendRef{Kind: api.BackendFake, Instance: "local"})
	require.NoError(t, err)
	ctx := testCtx(t)

	for i := 0; i < 5; i++ {
		_, err := a.CloneFromTemplate(ctx, cloneSpec("req-1", "web"))
		require.Error(t, err)
		assert.True(t, faults.Is(err, faults.BackendUnreachable))
	}

	// The breaker is open now; even a different operation sheds load
	// without reaching the backend.
	_, err = a.CloneFromTemplate(ctx, cloneSpec("req-1", "web"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
	assert.True(t, faults.Is(err, faults.BackendUnreachable))

	_, err = a.Describe(ctx, api.ResourceVM, "vm-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestDispatcherBreakerIgnoresAnsweredFaults(t *testing.T) {
	d := platform.NewDispatcher(logr.Discard())
	f := fake.New("local")
	d.Register(f, 4)

	a, err := d.Get(api.BackendRef{Kind: api.BackendFake, Instance: "local"})
	require.NoError(t, err)
	ctx := testCtx(t)

	// A missing template is the backend answering; hammering it must
	// not open the circuit.
	for i := 0; i < 10; i++ {
		_, err := a.CloneFromTemplate(ctx, cloneSpec("req-1", "web"))
		require.Error(t, err)
		assert.True(t, faults.Is(err, faults.ResourceMissing), "iteration %d: got %v", i, err)
	}
}

func TestDispatcherRequiresDeadline(t *testing.T) {
	d := platform.NewDispatcher(logr.Discard())
	f := fake.New("local")
	f.AddTemplate("ubuntu-2204", api.OSLinux)
	d.Register(f, 4)

	a, err := d.Get(api.BackendRef{Kind: api.BackendFake, Instance: "local"})
	require.NoError(t, err)

	_, err = a.CloneFromTemplate(context.Background(), cloneSpec("req-1", "web"))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Internal))
	assert.Contains(t, err.Error(), "without a deadline")

	_, err = a.WaitForLiveness(context.Background(), "vm-1")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Internal))

	// The option waives the guard.
	d2 := platform.NewDispatcher(logr.Discard(), platform.WithoutDeadlineGuard())
	d2.Register(f, 4)
	a2, err := d2.Get(api.BackendRef{Kind: api.BackendFake, Instance: "local"})
	require.NoError(t, err)
	_, err = a2.CloneFromTemplate(context.Background(), cloneSpec("req-1", "web"))
	require.NoError(t, err)
}

type closableAdapter struct {
	*fake.Adapter
	closed  bool
	closeFn func() error
}

func (c *closableAdapter) Close(context.Context) error {
	c.closed = true
	if c.closeFn != nil {
		return c.closeFn()
	}
	return nil
}

func TestDispatcherClose(t *testing.T) {
	d := platform.NewDispatcher(logr.Discard())
	good := &closableAdapter{Adapter: fake.New("dc01")}
	bad := &closableAdapter{
		Adapter: fake.New("dc02"),
		closeFn: func() error { return faults.New(faults.BackendUnreachable, "logout refused") },
	}
	d.Register(good, 4)
	d.Register(bad, 4)
	d.Register(fake.New("dc03"), 4) // no Close, skipped

	err := d.Close(testCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dc02")
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}

func TestDiscoverer(t *testing.T) {
	d := platform.NewDispatcher(logr.Discard())
	f := fake.New("local")
	d.Register(fake.Discovery{Adapter: f}, 4)

	a, err := d.Get(api.BackendRef{Kind: api.BackendFake, Instance: "local"})
	require.NoError(t, err)

	disc, ok := platform.Discoverer(a)
	require.True(t, ok)
	_, err = disc.DiscoverAddresses(testCtx(t))
	require.NoError(t, err)

	// A backend without the capability probes false.
	d2 := platform.NewDispatcher(logr.Discard())
	d2.Register(fake.New("plain"), 1)
	a2, err := d2.Get(api.BackendRef{Kind: api.BackendFake, Instance: "plain"})
	require.NoError(t, err)
	_, ok = platform.Discoverer(a2)
	assert.False(t, ok)
}
