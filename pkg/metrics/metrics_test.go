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

package metrics

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/registry"
)

type fakePool struct {
	active, capacity int
}

func (f *fakePool) Usage(context.Context) (int, int, error) {
	return f.active, f.capacity, nil
}

func TestObserveFoldsEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	reg := registry.New(logr.Discard(), registry.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = reg.Close() })
	e := New(logr.Discard(), reg, nil, Options{})

	e.observe(api.Event{Type: api.EventAgentHeartbeat, Fields: map[string]string{
		"agent": "fake/dc01:vm", "seen": "12",
	}})
	e.observe(api.Event{Type: api.EventAgentHeartbeat, Fields: map[string]string{
		"agent": "fake/dc01:vm", "seen": "11", "error": "backend_unreachable",
	}})
	e.observe(api.Event{Type: api.EventDeployProgress, Fields: map[string]string{
		"deploy_id": "req-1", "node": "gw", "state": "live",
	}})
	e.observe(api.Event{Type: api.EventMissionProgress, Fields: map[string]string{
		"mission_id": "m1", "step": "0", "outcome": "succeeded",
	}})
	e.observe(api.Event{Type: api.EventMissionProgress, Fields: map[string]string{
		"mission_id": "m1", "probe": "flag", "outcome": "found",
	}})
	// Progress-only mission events are not steps.
	e.observe(api.Event{Type: api.EventMissionProgress, Fields: map[string]string{
		"mission_id": "m1", "state": "starting",
	}})

	assert.Equal(t, 2.0, testutil.ToFloat64(e.eventsTotal.WithLabelValues("agent_heartbeat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.agentTicks.WithLabelValues("fake/dc01:vm", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.agentTicks.WithLabelValues("fake/dc01:vm", "error")))
	assert.Equal(t, 11.0, testutil.ToFloat64(e.agentSeen.WithLabelValues("fake/dc01:vm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.deployTasks.WithLabelValues("live")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.missionSteps.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.missionProbes.WithLabelValues("found")))
}

func TestRunConsumesFeed(t *testing.T) {
	mr := miniredis.RunT(t)
	reg := registry.New(logr.Discard(), registry.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = reg.Close() })

	e := New(logr.Discard(), reg, &fakePool{active: 3, capacity: 71}, Options{LeasePoll: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	pubCtx, pubCancel := context.WithTimeout(context.Background(), time.Minute)
	defer pubCancel()
	require.Eventually(t, func() bool {
		err := reg.Publish(pubCtx, api.Event{
			Type:   api.EventDeployProgress,
			Fields: map[string]string{"deploy_id": "req-1", "node": "gw", "state": "cloning"},
		})
		if err != nil {
			return false
		}
		return testutil.ToFloat64(e.eventsTotal.WithLabelValues("deploy_progress")) > 0
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(e.leasesActive) == 3.0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 71.0, testutil.ToFloat64(e.leasesCap))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("exporter did not stop")
	}
}

func TestHandlerServesScrape(t *testing.T) {
	mr := miniredis.RunT(t)
	reg := registry.New(logr.Discard(), registry.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = reg.Close() })

	e := New(logr.Discard(), reg, &fakePool{active: 1, capacity: 10}, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	e.pollLeases(ctx)

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "rangeforge_network_leases_capacity 10")
	assert.Contains(t, body, "go_goroutines")
}
