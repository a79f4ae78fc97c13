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
	"errors"

	"github.com/go-logr/logr"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/deploy/flow"
	"github.com/rangeforge/rangeforge/pkg/faults"
)

// Run executes one deployment request end to end and returns its
// durable record. The request ID is chosen by the caller and is
// stable across retries: an ID that already has a record returns that
// record untouched, and within an interrupted run the adapters replay
// clones by the same ID instead of creating seconds.
//
// A tenant failure does not fail the deploy; siblings keep going and
// the outcome is completed_with_errors. A gateway failure fails it,
// tears down whatever was created and returns the causal fault
// alongside the record.
func (e *Engine) Run(ctx context.Context, intent *api.LabIntent, ref api.BackendRef, requestID string) (*api.DeployRecord, error) {
	if requestID == "" {
		return nil, faults.New(faults.ConfigInvalid, "deploy needs a request id")
	}
	if err := intent.Validate(); err != nil {
		return nil, faults.Wrap(err, faults.ConfigInvalid, "validating lab %s", intent.LabID)
	}

	if prev, err := e.store.GetDeploy(ctx, requestID); err == nil {
		// This ID already ran, or is running elsewhere; hand back its
		// trace instead of racing it.
		return &prev, nil
	} else if !faults.Is(err, faults.ResourceMissing) {
		return nil, err
	}

	adapter, err := e.backends.Get(ref)
	if err != nil {
		return nil, err
	}

	corr := "deploy:" + requestID
	log := e.log.WithValues("deploy", requestID, "lab", intent.LabID, "backend", ref.String())
	rec := api.DeployRecord{
		ID:            requestID,
		LabID:         intent.LabID,
		Backend:       ref,
		State:         api.DeployPending,
		CorrelationID: corr,
		StartedAt:     e.clock.Now().UTC(),
	}
	if err := e.store.CreateDeploy(ctx, rec); err != nil {
		if faults.Is(err, faults.NameCollision) {
			// Lost the race against a concurrent replay of this ID.
			if prev, gerr := e.store.GetDeploy(ctx, requestID); gerr == nil {
				return &prev, nil
			}
		}
		return nil, err
	}
	log.Info("deploy accepted", "nodes", len(intent.Nodes)+1)
	e.emit(ctx, api.EventReconcileStart, intent.LabID, corr, map[string]string{
		"deploy_id": requestID,
		"backend":   ref.String(),
	})

	// The lease comes first so a pool failure aborts with no backend
	// side effects. hadLease marks a redeploy of a lab that already
	// owns its subnet; that lease is never released on failure here.
	_, hadLease, err := e.leases.Lookup(ctx, intent.LabID)
	if err != nil {
		return e.finish(ctx, log, rec, api.DeployFailed, err)
	}
	lease, err := e.leases.Acquire(ctx, intent.LabID)
	if err != nil {
		return e.finish(ctx, log, rec, api.DeployFailed, err)
	}

	if err := e.store.SetDeployState(ctx, requestID, api.DeployRunning); err != nil {
		if !hadLease {
			if rerr := e.leases.Release(ctx, intent.LabID); rerr != nil {
				log.Error(rerr, "releasing lease")
			}
		}
		return e.finish(ctx, log, rec, api.DeployFailed, err)
	}
	rec.State = api.DeployRunning

	tenants := topoOrder(intent.Nodes)
	tr := newTracker(log, requestID, intent, tenants)
	// Persist the whole plan as pending up front so the trace shows
	// the full node set before any task starts.
	for _, b := range tr.builds {
		e.persistTask(ctx, tr, b)
	}

	g := flow.NewGraph("deploy-" + intent.LabID)
	gatewayID := flow.TaskID(intent.Gateway.Name)
	g.Add(flow.Task{Name: gatewayID, Fn: e.buildTask(tr, tr.gw, adapter, lease)})
	implicit := flow.NewTaskIDs(gatewayID)
	for _, n := range tenants {
		deps := implicit.Copy()
		for _, d := range n.DependsOn {
			deps.Insert(flow.TaskID(d))
		}
		g.Add(flow.Task{
			Name:         flow.TaskID(n.Name),
			Fn:           e.buildTask(tr, tr.byName[n.Name], adapter, lease),
			Dependencies: deps,
		})
	}

	dctx, cancel := context.WithTimeout(ctx, e.opts.Deadline)
	defer cancel()
	flowErr := g.Compile().Run(dctx, flow.Opts{Log: log, Sem: e.clones})
	if flowErr != nil {
		log.Info("deploy flow finished with failures", "error", flowErr.Error())
	}

	// Anything still pending was skipped: a dependency failed or the
	// deadline hit before the task could start.
	for _, b := range tr.builds {
		if b.state == api.TaskPending {
			e.advance(ctx, tr, b, api.TaskSkipped)
		}
	}

	if tr.gw.state != api.TaskLive {
		// No gateway means no lab. Compensate whatever was created
		// and surrender a lease this run acquired.
		cause := tr.gw.err
		if cause == nil {
			cause = flowErr
		}
		if cause == nil {
			cause = faults.New(faults.Internal, "gateway %s never became live", intent.Gateway.Name)
		}
		if derr := e.compensate(ctx, log, tr, adapter); derr != nil {
			log.Error(derr, "compensating teardown incomplete")
		}
		if !hadLease {
			if rerr := e.leases.Release(ctx, intent.LabID); rerr != nil {
				log.Error(rerr, "releasing lease")
			}
		}
		return e.finish(ctx, log, rec, api.DeployFailed, cause)
	}

	if summary := tr.failureSummary(); summary != "" {
		return e.finish(ctx, log, rec, api.DeployCompletedWithErrors, errors.New(summary))
	}
	return e.finish(ctx, log, rec, api.DeployCompleted, nil)
}

// finish stamps the terminal state, emits the closing event and
// shapes the return: failed deployments carry their causal fault out,
// partial and full completions return cleanly with the detail in the
// record.
func (e *Engine) finish(ctx context.Context, log logr.Logger, rec api.DeployRecord, state api.DeployState, cause error) (*api.DeployRecord, error) {
	now := e.clock.Now().UTC()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	rec.State = state
	rec.Error = msg
	rec.FinishedAt = &now

	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := e.store.FinishDeploy(pctx, rec.ID, state, msg, now); err != nil {
		log.Error(err, "recording deploy outcome", "state", state)
	}

	fields := map[string]string{"deploy_id": rec.ID, "state": string(state)}
	if msg != "" {
		fields["error"] = msg
	}
	if state == api.DeployFailed {
		e.emit(pctx, api.EventReconcileFailed, rec.LabID, rec.CorrelationID, fields)
		log.Info("deploy failed", "error", msg)
		return &rec, cause
	}
	e.emit(pctx, api.EventReconcileComplete, rec.LabID, rec.CorrelationID, fields)
	log.Info("deploy finished", "state", state)
	return &rec, nil
}

// topoOrder returns the tenant specs ordered so every dependency
// precedes its dependents, preserving intent order among independent
// nodes. Validate has already rejected cycles.
func topoOrder(nodes []api.NodeSpec) []api.NodeSpec {
	placed := make(map[string]bool, len(nodes))
	out := make([]api.NodeSpec, 0, len(nodes))
	for len(out) < len(nodes) {
		progressed := false
		for _, n := range nodes {
			if placed[n.Name] {
				continue
			}
			ready := true
			for _, d := range n.DependsOn {
				if !placed[d] {
					ready = false
					break
				}
			}
			if ready {
				placed[n.Name] = true
				out = append(out, n)
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return out
}
