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

package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/registry"
)

type fakeDeployer struct {
	mu       sync.Mutex
	deploys  []string
	destroys []string
	runErr   error
}

func (f *fakeDeployer) Run(_ context.Context, intent *api.LabIntent, ref api.BackendRef, requestID string) (*api.DeployRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deploys = append(f.deploys, intent.LabID+" "+ref.String()+" "+requestID)
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &api.DeployRecord{ID: requestID, LabID: intent.LabID, State: api.DeployCompleted}, nil
}

func (f *fakeDeployer) Destroy(_ context.Context, labID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys = append(f.destroys, labID)
	return nil
}

func (f *fakeDeployer) calls() (deploys, destroys []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deploys...), append([]string(nil), f.destroys...)
}

func (f *fakeDeployer) destroyCount(labID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.destroys {
		if id == labID {
			n++
		}
	}
	return n
}

type fakeMissions struct {
	mu      sync.Mutex
	started []string
}

func (f *fakeMissions) Run(_ context.Context, missionID string) (*api.Mission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, missionID)
	return &api.Mission{ID: missionID, State: api.MissionCompleted}, nil
}

func (f *fakeMissions) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

type fakeIntents map[string]*api.LabIntent

func (f fakeIntents) GetLabIntent(_ context.Context, labID string) (*api.LabIntent, error) {
	in, ok := f[labID]
	if !ok {
		return nil, faults.New(faults.ResourceMissing, "lab %s has no intent", labID)
	}
	return in, nil
}

type harness struct {
	consumer *Consumer
	reg      *registry.Store
	deployer *fakeDeployer
	missions *fakeMissions
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	reg := registry.New(logr.Discard(), registry.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = reg.Close() })

	deployer := &fakeDeployer{}
	missions := &fakeMissions{}
	intents := fakeIntents{
		"lab-1": {LabID: "lab-1", Backend: api.BackendRef{Kind: api.BackendFake, Instance: "dc01"}},
	}
	return &harness{
		consumer: New(logr.Discard(), reg, intents, deployer, missions, Options{}),
		reg:      reg,
		deployer: deployer,
		missions: missions,
	}
}

// start runs the consumer in the background and returns once it is
// handling requests. A publish lands only after the subscription is
// up, so warmup requests are republished until one is seen.
func (h *harness) start(t *testing.T) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- h.consumer.Run(ctx) }()

	require.Eventually(t, func() bool {
		_ = h.reg.PublishControl(ctx, api.ControlRequest{
			Action: api.ControlDestroy, LabID: "warmup",
		})
		return h.deployer.destroyCount("warmup") > 0
	}, 2*time.Second, 10*time.Millisecond)
	return stop, errs
}

func TestRunDispatchesDeploy(t *testing.T) {
	h := newHarness(t)
	stop, _ := h.start(t)
	defer stop()

	ctx := context.Background()
	require.NoError(t, h.reg.PublishControl(ctx, api.ControlRequest{
		Action: api.ControlDeploy, LabID: "lab-1", RequestID: "d1",
	}))

	require.Eventually(t, func() bool {
		deploys, _ := h.deployer.calls()
		return len(deploys) == 1
	}, 2*time.Second, 10*time.Millisecond)
	deploys, _ := h.deployer.calls()
	assert.Equal(t, "lab-1 fake/dc01 d1", deploys[0])
}

func TestRunHonorsBackendOverride(t *testing.T) {
	h := newHarness(t)
	stop, _ := h.start(t)
	defer stop()

	require.NoError(t, h.reg.PublishControl(context.Background(), api.ControlRequest{
		Action:    api.ControlDeploy,
		LabID:     "lab-1",
		RequestID: "d2",
		Backend:   &api.BackendRef{Kind: api.BackendFake, Instance: "dc02"},
	}))

	require.Eventually(t, func() bool {
		deploys, _ := h.deployer.calls()
		return len(deploys) == 1
	}, 2*time.Second, 10*time.Millisecond)
	deploys, _ := h.deployer.calls()
	assert.Equal(t, "lab-1 fake/dc02 d2", deploys[0])
}

func TestRunDispatchesDestroyAndMission(t *testing.T) {
	h := newHarness(t)
	stop, _ := h.start(t)
	defer stop()

	ctx := context.Background()
	require.NoError(t, h.reg.PublishControl(ctx, api.ControlRequest{
		Action: api.ControlDestroy, LabID: "lab-1",
	}))
	require.NoError(t, h.reg.PublishControl(ctx, api.ControlRequest{
		Action: api.ControlStartMission, MissionID: "m1",
	}))

	require.Eventually(t, func() bool {
		return h.deployer.destroyCount("lab-1") == 1 && len(h.missions.calls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"m1"}, h.missions.calls())
}

func TestRunSurvivesBadRequests(t *testing.T) {
	h := newHarness(t)
	stop, _ := h.start(t)
	defer stop()

	ctx := context.Background()
	// Missing request_id, then a lab with no intent; neither may kill
	// the consumer or reach the engine.
	require.NoError(t, h.reg.PublishControl(ctx, api.ControlRequest{
		Action: api.ControlDestroy, LabID: "",
	}))
	require.NoError(t, h.reg.PublishControl(ctx, api.ControlRequest{
		Action: api.ControlDeploy, LabID: "ghost", RequestID: "d9",
	}))
	require.NoError(t, h.reg.PublishControl(ctx, api.ControlRequest{
		Action: api.ControlStartMission, MissionID: "m2",
	}))

	require.Eventually(t, func() bool {
		return len(h.missions.calls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	deploys, _ := h.deployer.calls()
	assert.Empty(t, deploys)
}

func TestRunReturnsNilOnCancel(t *testing.T) {
	h := newHarness(t)
	stop, done := h.start(t)

	stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
