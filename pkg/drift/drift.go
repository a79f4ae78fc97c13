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

// Package drift compares what labs should look like against what the
// agents actually observed. It reacts to resource events and runs a
// periodic full sweep, records divergences in the registry and emits
// drift_detected / drift_resolved as findings appear and clear.
package drift

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron"
	"k8s.io/utils/clock"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/registry"
)

// Lab status values the detector records.
const (
	StatusHealthy = "healthy"
	StatusDrifted = "drifted"
)

// IntentSource is the slice of the persistent store the detector
// needs: which labs exist, what they should contain, and which subnet
// they lease.
type IntentSource interface {
	ListLabIntents(ctx context.Context) ([]*api.LabIntent, error)
	GetLabIntent(ctx context.Context, labID string) (*api.LabIntent, error)
	ActiveLeaseForLab(ctx context.Context, labID string) (api.Lease, error)
}

// Options configure the detector.
type Options struct {
	// SweepSchedule is a cron spec for the full sweep, typically
	// "@every 1m".
	SweepSchedule string

	// Clock defaults to the wall clock.
	Clock clock.PassiveClock
}

// Detector is the drift engine. All comparisons run on the Run
// goroutine, so a sweep and an event-driven check never interleave
// their read-compare-write cycles.
type Detector struct {
	log      logr.Logger
	store    IntentSource
	reg      registry.Interface
	schedule string
	clock    clock.PassiveClock
}

func New(log logr.Logger, store IntentSource, reg registry.Interface, opts Options) *Detector {
	schedule := opts.SweepSchedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	c := opts.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	return &Detector{log: log, store: store, reg: reg, schedule: schedule, clock: c}
}

// resourceEvents are the feed types that warrant re-judging a lab.
// Drift events themselves are excluded, or the detector would chase
// its own tail.
var resourceEvents = map[api.EventType]bool{
	api.EventResourceCreated: true,
	api.EventResourceUpdated: true,
	api.EventStateChanged:    true,
	api.EventAddressChanged:  true,
	api.EventResourceDeleted: true,
}

// Run watches the feed and sweeps on schedule until ctx is done. The
// first sweep happens immediately so a restarted detector reconverges
// without waiting a period.
func (d *Detector) Run(ctx context.Context) error {
	events, err := d.reg.Subscribe(ctx, registry.ChannelAll)
	if err != nil {
		return err
	}

	sweepC := make(chan struct{}, 1)
	cr := cron.New()
	if err := cr.AddFunc(d.schedule, func() {
		select {
		case sweepC <- struct{}{}:
		default:
		}
	}); err != nil {
		return faults.Wrap(err, faults.ConfigInvalid, "drift sweep schedule %q", d.schedule)
	}
	cr.Start()
	defer cr.Stop()

	d.log.Info("drift detector starting", "schedule", d.schedule)
	if err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
		d.log.Error(err, "initial drift sweep failed")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweepC:
			if err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
				d.log.Error(err, "drift sweep failed")
			}
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				// The feed died underneath us; one resubscribe before
				// giving up to the supervisor.
				events, err = d.reg.Subscribe(ctx, registry.ChannelAll)
				if err != nil {
					return err
				}
				continue
			}
			if ev.LabID == "" || !resourceEvents[ev.Type] {
				continue
			}
			if err := d.CheckLab(ctx, ev.LabID); err != nil && ctx.Err() == nil {
				d.log.Error(err, "drift check failed", "lab", ev.LabID)
			}
		}
	}
}

// Sweep judges every lab with an intent on file.
func (d *Detector) Sweep(ctx context.Context) error {
	intents, err := d.store.ListLabIntents(ctx)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, in := range intents {
		if err := ctx.Err(); err != nil {
			return faults.Wrap(err, faults.CancelRequested, "drift sweep")
		}
		if err := d.judge(ctx, in); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// CheckLab judges one lab. A lab whose intent has been deleted gets
// its leftover records cleared instead.
func (d *Detector) CheckLab(ctx context.Context, labID string) error {
	intent, err := d.store.GetLabIntent(ctx, labID)
	if err != nil {
		if faults.Is(err, faults.ResourceMissing) {
			return d.clear(ctx, labID)
		}
		return err
	}
	return d.judge(ctx, intent)
}

func (d *Detector) judge(ctx context.Context, intent *api.LabIntent) error {
	snap, err := d.reg.Snapshot(ctx, intent.LabID)
	if err != nil {
		return err
	}
	var cidr string
	lease, err := d.store.ActiveLeaseForLab(ctx, intent.LabID)
	switch {
	case err == nil:
		cidr = lease.CIDR
	case faults.Is(err, faults.ResourceMissing):
		// No active lease, so there is no subnet to check addresses
		// against.
	default:
		return err
	}
	report := Compare(intent, snap, cidr, d.clock.Now())
	return d.commit(ctx, intent.LabID, report)
}

// commit stores the report, emits events for the delta against the
// previous findings, and updates the lab's status.
func (d *Detector) commit(ctx context.Context, labID string, report *api.DriftReport) error {
	prior, err := d.reg.DriftItems(ctx, labID)
	if err != nil {
		return err
	}
	priorKeys := make(map[string]bool, len(prior))
	for _, it := range prior {
		priorKeys[it.Key()] = true
	}
	currentKeys := make(map[string]bool, len(report.Items))
	for _, it := range report.Items {
		currentKeys[it.Key()] = true
	}

	if err := d.reg.SetDriftItems(ctx, labID, report.Items); err != nil {
		return err
	}
	for _, it := range report.Items {
		if priorKeys[it.Key()] {
			continue
		}
		d.log.Info("drift detected", "lab", labID, "kind", it.Kind, "node", it.Node, "severity", it.Severity)
		d.publish(ctx, api.EventDriftDetected, labID, it)
	}
	for _, it := range prior {
		if currentKeys[it.Key()] {
			continue
		}
		d.log.Info("drift resolved", "lab", labID, "kind", it.Kind, "node", it.Node)
		d.publish(ctx, api.EventDriftResolved, labID, it)
	}

	status := StatusHealthy
	if !report.Clean() {
		status = StatusDrifted
	}
	return d.reg.SetLabStatus(ctx, labID, status)
}

// clear drops whatever findings an intentless lab left behind.
func (d *Detector) clear(ctx context.Context, labID string) error {
	prior, err := d.reg.DriftItems(ctx, labID)
	if err != nil || len(prior) == 0 {
		return err
	}
	if err := d.reg.SetDriftItems(ctx, labID, nil); err != nil {
		return err
	}
	for _, it := range prior {
		d.publish(ctx, api.EventDriftResolved, labID, it)
	}
	return d.reg.SetLabStatus(ctx, labID, StatusHealthy)
}

func (d *Detector) publish(ctx context.Context, typ api.EventType, labID string, it api.DriftItem) {
	ev := api.Event{
		Type:          typ,
		LabID:         labID,
		Identity:      it.Identity,
		At:            d.clock.Now(),
		CorrelationID: "drift:" + labID,
		Fields: map[string]string{
			"kind":     string(it.Kind),
			"severity": string(it.Severity),
		},
	}
	if it.Node != "" {
		ev.Fields["node"] = it.Node
	}
	if it.Want != "" {
		ev.Fields["want"] = it.Want
	}
	if it.Got != "" {
		ev.Fields["got"] = it.Got
	}
	if err := d.reg.Publish(ctx, ev); err != nil {
		d.log.Error(err, "dropping drift event", "lab", labID, "kind", it.Kind)
	}
}

// ReportFor builds a one-off report for CLI inspection without
// touching stored records.
func (d *Detector) ReportFor(ctx context.Context, labID string) (*api.DriftReport, error) {
	intent, err := d.store.GetLabIntent(ctx, labID)
	if err != nil {
		return nil, err
	}
	snap, err := d.reg.Snapshot(ctx, labID)
	if err != nil {
		return nil, err
	}
	var cidr string
	if lease, err := d.store.ActiveLeaseForLab(ctx, labID); err == nil {
		cidr = lease.CIDR
	} else if !faults.Is(err, faults.ResourceMissing) {
		return nil, err
	}
	return Compare(intent, snap, cidr, d.clock.Now()), nil
}
