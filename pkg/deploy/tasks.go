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

package deploy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/deploy/flow"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
)

// tracker follows every node build of one deployment. The build set
// is complete before the flow starts and never grows; each task
// goroutine writes only its own entry, and the engine reads them
// after the flow's result channel has ordered those writes.
type tracker struct {
	deployID string
	labID    string
	corr     string
	log      logr.Logger
	total    int
	finished atomic.Int32

	gw     *build
	builds []*build
	byName map[string]*build
}

// build is one node's progress through the task machine.
type build struct {
	spec     api.NodeSpec
	gateway  bool
	state    api.TaskState
	nativeID string
	ip       string
	err      error
}

func newTracker(log logr.Logger, deployID string, intent *api.LabIntent, tenants []api.NodeSpec) *tracker {
	tr := &tracker{
		deployID: deployID,
		labID:    intent.LabID,
		corr:     "deploy:" + deployID,
		log:      log,
		byName:   make(map[string]*build, len(tenants)+1),
	}
	tr.gw = &build{spec: intent.Gateway, gateway: true, state: api.TaskPending}
	tr.builds = append(tr.builds, tr.gw)
	tr.byName[intent.Gateway.Name] = tr.gw
	for _, n := range tenants {
		b := &build{spec: n, state: api.TaskPending}
		tr.builds = append(tr.builds, b)
		tr.byName[n.Name] = b
	}
	tr.total = len(tr.builds)
	return tr
}

// failureSummary lists failed and skipped nodes; empty when every
// node went live.
func (tr *tracker) failureSummary() string {
	var parts []string
	for _, b := range tr.builds {
		switch b.state {
		case api.TaskFailed:
			parts = append(parts, fmt.Sprintf("%s: %s", b.spec.Name, faults.KindOf(b.err)))
		case api.TaskSkipped:
			parts = append(parts, b.spec.Name+": skipped")
		}
	}
	return strings.Join(parts, "; ")
}

// buildTask returns the flow task that drives one node from clone to
// live: clone, attach the leased segment, power on, wait for an
// address. Every transition is persisted and announced.
func (e *Engine) buildTask(tr *tracker, b *build, adapter platform.Adapter, lease api.Lease) flow.TaskFn {
	return func(ctx context.Context) error {
		log := tr.log.WithValues("node", b.spec.Name)
		spec := platform.CloneSpec{
			RequestID: tr.deployID,
			LabID:     tr.labID,
			Node:      b.spec,
			Lease:     &lease,
			Gateway:   b.gateway,
		}

		e.advance(ctx, tr, b, api.TaskCloning)
		nativeID, err := adapter.CloneFromTemplate(ctx, spec)
		if err != nil {
			return e.failTask(ctx, log, tr, b, err)
		}
		b.nativeID = nativeID
		log.Info("clone created", "native_id", nativeID, "vm", spec.VMName())
		e.observe(ctx, log, adapter, nativeID, tr.corr)

		e.advance(ctx, tr, b, api.TaskConfiguring)
		if err := adapter.AttachNetwork(ctx, nativeID, lease); err != nil {
			return e.failTask(ctx, log, tr, b, err)
		}

		e.advance(ctx, tr, b, api.TaskStarting)
		if err := adapter.SetPower(ctx, nativeID, platform.PowerOn); err != nil {
			return e.failTask(ctx, log, tr, b, err)
		}

		e.advance(ctx, tr, b, api.TaskWaitingIP)
		lctx, cancel := context.WithTimeout(ctx, e.opts.LivenessTimeout)
		ip, err := adapter.WaitForLiveness(lctx, nativeID)
		cancel()
		if err != nil {
			return e.failTask(ctx, log, tr, b, err)
		}
		b.ip = ip

		e.advance(ctx, tr, b, api.TaskLive)
		e.observe(ctx, log, adapter, nativeID, tr.corr)
		log.Info("node live", "ip", ip)
		return nil
	}
}

func (e *Engine) failTask(ctx context.Context, log logr.Logger, tr *tracker, b *build, err error) error {
	b.err = err
	log.Error(err, "node build failed", "at", b.state)
	e.advance(ctx, tr, b, api.TaskFailed)
	return err
}

// advance moves the build to the next state, persists it and emits
// deploy_progress. Terminal states carry the done/total tally.
func (e *Engine) advance(ctx context.Context, tr *tracker, b *build, state api.TaskState) {
	b.state = state
	e.persistTask(ctx, tr, b)

	fields := map[string]string{
		"deploy_id": tr.deployID,
		"node":      b.spec.Name,
		"state":     string(state),
	}
	if b.err != nil {
		fields["fault"] = string(faults.KindOf(b.err))
	}
	if state.Terminal() {
		fields["done"] = strconv.Itoa(int(tr.finished.Add(1)))
		fields["total"] = strconv.Itoa(tr.total)
	}

	pctx, cancel := persistCtx(ctx)
	defer cancel()
	e.emit(pctx, api.EventDeployProgress, tr.labID, tr.corr, fields)
}

func (e *Engine) persistTask(ctx context.Context, tr *tracker, b *build) {
	pctx, cancel := persistCtx(ctx)
	defer cancel()

	task := api.DeployTask{
		DeployID:  tr.deployID,
		Node:      b.spec.Name,
		State:     b.state,
		NativeID:  b.nativeID,
		UpdatedAt: e.clock.Now().UTC(),
	}
	if b.err != nil {
		task.FaultKind = string(faults.KindOf(b.err))
		task.Message = b.err.Error()
	}
	if err := e.store.UpsertDeployTask(pctx, task); err != nil {
		tr.log.Error(err, "recording task state", "node", b.spec.Name, "state", b.state)
	}
}
