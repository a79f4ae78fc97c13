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

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
)

// DeployEphemeral builds one stand-alone VM, the mission engine's
// path to an on-demand target: clone on the backend's default
// network, power on, wait for an address. No deploy record is
// written; the mission owns that trace. A build that fails after the
// clone reclaims it before returning.
func (e *Engine) DeployEphemeral(ctx context.Context, node api.NodeSpec, ref api.BackendRef, requestID string) (api.Resource, error) {
	if requestID == "" {
		return api.Resource{}, faults.New(faults.ConfigInvalid, "ephemeral deploy needs a request id")
	}
	if node.Name == "" || node.Template == "" {
		return api.Resource{}, faults.New(faults.ConfigInvalid, "ephemeral node needs a name and a template")
	}
	adapter, err := e.backends.Get(ref)
	if err != nil {
		return api.Resource{}, err
	}

	// One node, same envelope as a full deployment.
	ctx, cancel := context.WithTimeout(ctx, e.opts.Deadline)
	defer cancel()

	corr := "deploy:" + requestID
	log := e.log.WithValues("request", requestID, "node", node.Name)

	// Ephemeral builds draw from the same clone budget as lab
	// deployments.
	if err := e.clones.Acquire(ctx, 1); err != nil {
		return api.Resource{}, faults.Wrap(err, faults.CancelRequested, "waiting for a clone slot")
	}
	defer e.clones.Release(1)

	spec := platform.CloneSpec{RequestID: requestID, Node: node}
	nativeID, err := adapter.CloneFromTemplate(ctx, spec)
	if err != nil {
		return api.Resource{}, err
	}
	log.Info("ephemeral clone created", "native_id", nativeID, "vm", spec.VMName())
	identity := platform.Identity(adapter, api.ResourceVM, nativeID)
	e.observe(ctx, log, adapter, nativeID, corr)

	fail := func(err error) (api.Resource, error) {
		// The mission cannot use a half-built target; reclaim it.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if derr := adapter.Delete(pctx, nativeID, true); derr != nil {
			log.Error(derr, "reclaiming failed ephemeral clone", "native_id", nativeID)
		} else if rerr := e.reg.Remove(pctx, identity, corr); rerr != nil {
			log.Error(rerr, "removing registry entry", "native_id", nativeID)
		}
		return api.Resource{}, err
	}

	if err := adapter.SetPower(ctx, nativeID, platform.PowerOn); err != nil {
		return fail(err)
	}
	lctx, cancel := context.WithTimeout(ctx, e.opts.LivenessTimeout)
	ip, err := adapter.WaitForLiveness(lctx, nativeID)
	cancel()
	if err != nil {
		return fail(err)
	}

	res, ok := e.observe(ctx, log, adapter, nativeID, corr)
	if !ok {
		// Describe failing right after a successful liveness wait is
		// a transient read; return what the build itself knows.
		res = api.Resource{
			Identity: identity,
			Name:     spec.VMName(),
			State:    api.StateRunning,
			OSFamily: node.OSFamily,
			Tags:     spec.Tags(),
		}
	}
	if res.IP == "" {
		res.IP = ip
	}
	log.Info("ephemeral target live", "ip", res.IP)
	return res, nil
}
