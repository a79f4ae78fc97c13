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

// Package control accepts lifecycle requests from thin CLI clients and
// hands them to the engines. The serving process is the only place the
// deploy and mission engines run; clients publish a request on the
// registry's control channel and watch the store for the resulting
// state change. Engine failures are persisted by the engines
// themselves, so the consumer logs them and moves on.
package control

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
)

const defaultMaxInFlight = 16

// Feed is the control side of the registry bus.
type Feed interface {
	SubscribeControl(ctx context.Context) (<-chan api.ControlRequest, error)
}

// Deployer is the slice of the deployment engine the consumer drives.
type Deployer interface {
	Run(ctx context.Context, intent *api.LabIntent, ref api.BackendRef, requestID string) (*api.DeployRecord, error)
	Destroy(ctx context.Context, labID string) error
}

// MissionRunner starts missions.
type MissionRunner interface {
	Run(ctx context.Context, missionID string) (*api.Mission, error)
}

// IntentSource resolves lab IDs to intents.
type IntentSource interface {
	GetLabIntent(ctx context.Context, labID string) (*api.LabIntent, error)
}

// Options tune the consumer.
type Options struct {
	// MaxInFlight bounds concurrently handled requests. Past it the
	// consumer stops draining the channel, which is the backpressure.
	MaxInFlight int
}

// Consumer runs control requests against the engines.
type Consumer struct {
	log      logr.Logger
	feed     Feed
	intents  IntentSource
	deploys  Deployer
	missions MissionRunner
	opts     Options
}

// New builds a consumer. It does not subscribe until Run.
func New(log logr.Logger, feed Feed, intents IntentSource, deploys Deployer, missions MissionRunner, opts Options) *Consumer {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	return &Consumer{
		log:      log.WithName("control"),
		feed:     feed,
		intents:  intents,
		deploys:  deploys,
		missions: missions,
		opts:     opts,
	}
}

// Run consumes the control channel until ctx ends. Each request is
// handled on its own goroutine, bounded by MaxInFlight; in-flight
// handlers finish before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	reqs, err := c.feed.SubscribeControl(ctx)
	if err != nil {
		return err
	}
	c.log.Info("control consumer starting", "max_in_flight", c.opts.MaxInFlight)

	var wg sync.WaitGroup
	defer wg.Wait()
	slots := make(chan struct{}, c.opts.MaxInFlight)

	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-reqs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return faults.New(faults.BackendUnreachable, "control feed closed")
			}
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-slots }()
				c.handle(ctx, req)
			}()
		}
	}
}

func (c *Consumer) handle(ctx context.Context, req api.ControlRequest) {
	log := c.log.WithValues("action", req.Action, "lab", req.LabID,
		"mission", req.MissionID, "request_id", req.RequestID)
	if err := req.Validate(); err != nil {
		log.Error(err, "dropping control request")
		return
	}
	log.Info("control request accepted")

	switch req.Action {
	case api.ControlDeploy:
		intent, err := c.intents.GetLabIntent(ctx, req.LabID)
		if err != nil {
			log.Error(err, "deploy request: loading intent")
			return
		}
		ref := intent.Backend
		if req.Backend != nil {
			ref = *req.Backend
		}
		rec, err := c.deploys.Run(ctx, intent, ref, req.RequestID)
		if err != nil {
			log.Error(err, "deploy failed", "kind", string(faults.KindOf(err)))
			return
		}
		log.Info("deploy finished", "state", string(rec.State))

	case api.ControlDestroy:
		if err := c.deploys.Destroy(ctx, req.LabID); err != nil {
			log.Error(err, "destroy failed", "kind", string(faults.KindOf(err)))
			return
		}
		log.Info("destroy finished")

	case api.ControlStartMission:
		m, err := c.missions.Run(ctx, req.MissionID)
		if err != nil {
			log.Error(err, "mission failed", "kind", string(faults.KindOf(err)))
			return
		}
		log.Info("mission finished", "state", string(m.State))
	}
}
