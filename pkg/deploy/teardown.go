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

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
)

// compensate deletes whatever the failed deployment created, tenants
// before the gateway. Best effort under a detached deadline: the
// deployment's own context is usually already dead here.
func (e *Engine) compensate(ctx context.Context, log logr.Logger, tr *tracker, adapter platform.Adapter) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	var errs *multierror.Error
	for i := len(tr.builds) - 1; i >= 0; i-- {
		b := tr.builds[i]
		if b.nativeID == "" {
			continue
		}
		if err := adapter.Delete(pctx, b.nativeID, true); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("deleting %s: %w", b.spec.Name, err))
			continue
		}
		kind := api.ResourceVM
		if b.gateway {
			kind = api.ResourceGateway
		}
		if err := e.reg.Remove(pctx, platform.Identity(adapter, kind, b.nativeID), tr.corr); err != nil {
			log.Error(err, "removing registry entry", "node", b.spec.Name)
		}
		log.Info("compensating delete", "node", b.spec.Name, "native_id", b.nativeID)
	}
	return errs.ErrorOrNil()
}

// Destroy tears down every registered resource of the lab, tenants in
// parallel first and the gateway last so guests stay reachable while
// they shut down. The network lease is released only after a clean
// sweep; it outlives a failed teardown so a retry still finds the
// lab's subnet.
func (e *Engine) Destroy(ctx context.Context, labID string) error {
	corr := "destroy:" + labID
	log := e.log.WithValues("lab", labID)

	// Teardown runs under the same envelope as a deployment.
	ctx, cancel := context.WithTimeout(ctx, e.opts.Deadline)
	defer cancel()

	snap, err := e.reg.Snapshot(ctx, labID)
	if err != nil {
		return err
	}

	gatewayNode := ""
	if intent, err := e.store.GetLabIntent(ctx, labID); err == nil {
		gatewayNode = intent.Gateway.Name
	} else if !faults.Is(err, faults.ResourceMissing) {
		return err
	}

	var tenants, gateways []api.Resource
	for _, res := range snap.Resources {
		if res.Identity.Kind != api.ResourceVM && res.Identity.Kind != api.ResourceGateway {
			continue
		}
		if res.Identity.Kind == api.ResourceGateway ||
			(gatewayNode != "" && res.Tags[platform.TagNode] == gatewayNode) {
			gateways = append(gateways, res)
			continue
		}
		tenants = append(tenants, res)
	}

	if len(tenants)+len(gateways) == 0 {
		// Nothing registered; just return a dangling lease, if any.
		if err := e.leases.Release(ctx, labID); err != nil {
			return err
		}
		e.markDestroyed(ctx, log, labID)
		log.Info("nothing to destroy")
		return nil
	}

	e.emit(ctx, api.EventReconcileStart, labID, corr, map[string]string{
		"op":        "destroy",
		"resources": strconv.Itoa(len(tenants) + len(gateways)),
	})

	delErrs := make([]error, len(tenants))
	var g errgroup.Group
	g.SetLimit(teardownParallelism)
	for i, res := range tenants {
		i, res := i, res
		g.Go(func() error {
			delErrs[i] = e.destroyResource(ctx, log, res, corr)
			return nil
		})
	}
	_ = g.Wait()

	var errs *multierror.Error
	for _, err := range delErrs {
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, res := range gateways {
		if err := e.destroyResource(ctx, log, res, corr); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		e.emit(ctx, api.EventReconcileFailed, labID, corr, map[string]string{"op": "destroy", "error": err.Error()})
		return err
	}
	if err := e.leases.Release(ctx, labID); err != nil {
		e.emit(ctx, api.EventReconcileFailed, labID, corr, map[string]string{"op": "destroy", "error": err.Error()})
		return err
	}

	e.markDestroyed(ctx, log, labID)
	e.emit(ctx, api.EventReconcileComplete, labID, corr, map[string]string{"op": "destroy"})
	log.Info("lab destroyed", "resources", len(tenants)+len(gateways))
	return nil
}

func (e *Engine) destroyResource(ctx context.Context, log logr.Logger, res api.Resource, corr string) error {
	adapter, err := e.backends.Get(res.Identity.Ref())
	if err != nil {
		return err
	}
	if err := adapter.Delete(ctx, res.Identity.NativeID, true); err != nil {
		return fmt.Errorf("deleting %s: %w", res.Name, err)
	}
	if err := e.reg.Remove(ctx, res.Identity, corr); err != nil {
		return err
	}
	log.Info("resource deleted", "name", res.Name, "native_id", res.Identity.NativeID)
	return nil
}

// markDestroyed flips the lab's most recent deployment record so
// listings agree with reality.
func (e *Engine) markDestroyed(ctx context.Context, log logr.Logger, labID string) {
	deploys, err := e.store.ListDeploysForLab(ctx, labID)
	if err != nil {
		log.Error(err, "listing deploys")
		return
	}
	if len(deploys) == 0 || deploys[0].State == api.DeployDestroyed {
		return
	}
	if err := e.store.FinishDeploy(ctx, deploys[0].ID, api.DeployDestroyed, "", e.clock.Now().UTC()); err != nil {
		log.Error(err, "marking deploy destroyed", "deploy", deploys[0].ID)
	}
}
