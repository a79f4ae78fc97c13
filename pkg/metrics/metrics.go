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

// Package metrics folds the registry's event feed into Prometheus
// series: agent ticks and inventory sizes, deploy task transitions,
// mission steps and probes, plus a polled gauge of the network lease
// pool. The exporter owns its own Prometheus registry; the cmd layer
// hangs the scrape handler off it.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/registry"
)

const (
	defaultLeasePoll = 15 * time.Second

	// leasePollTimeout bounds one store round trip for the gauge.
	leasePollTimeout = 5 * time.Second
)

// Subscriber is the slice of the registry the exporter consumes.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan api.Event, error)
}

// LeasePool reports pool usage for the lease gauges.
type LeasePool interface {
	Usage(ctx context.Context) (active, capacity int, err error)
}

// Options tunes the exporter.
type Options struct {
	// LeasePoll is how often the lease gauges refresh.
	LeasePoll time.Duration
}

// Exporter consumes the event firehose and keeps the series current.
type Exporter struct {
	log    logr.Logger
	events Subscriber
	pool   LeasePool
	opts   Options

	registry *prometheus.Registry

	eventsTotal   *prometheus.CounterVec
	agentTicks    *prometheus.CounterVec
	agentSeen     *prometheus.GaugeVec
	deployTasks   *prometheus.CounterVec
	missionSteps  *prometheus.CounterVec
	missionProbes *prometheus.CounterVec
	leasesActive  prometheus.Gauge
	leasesCap     prometheus.Gauge
}

func New(log logr.Logger, events Subscriber, pool LeasePool, opts Options) *Exporter {
	if opts.LeasePoll <= 0 {
		opts.LeasePoll = defaultLeasePoll
	}
	e := &Exporter{
		log:      log.WithName("metrics"),
		events:   events,
		pool:     pool,
		opts:     opts,
		registry: prometheus.NewRegistry(),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rangeforge_events_total",
			Help: "Events seen on the registry feed, by type.",
		}, []string{"type"}),
		agentTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rangeforge_agent_ticks_total",
			Help: "Polling agent ticks, by agent and outcome.",
		}, []string{"agent", "outcome"}),
		agentSeen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rangeforge_agent_resources_seen",
			Help: "Resources observed by the agent's latest tick.",
		}, []string{"agent"}),
		deployTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rangeforge_deploy_tasks_total",
			Help: "Deploy task state transitions, by state.",
		}, []string{"state"}),
		missionSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rangeforge_mission_steps_total",
			Help: "Mission exploit steps, by outcome.",
		}, []string{"outcome"}),
		missionProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rangeforge_mission_probes_total",
			Help: "Mission verification probes, by outcome.",
		}, []string{"outcome"}),
		leasesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rangeforge_network_leases_active",
			Help: "VLAN leases currently held by labs.",
		}),
		leasesCap: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rangeforge_network_leases_capacity",
			Help: "Size of the configured VLAN pool.",
		}),
	}
	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		e.eventsTotal,
		e.agentTicks,
		e.agentSeen,
		e.deployTasks,
		e.missionSteps,
		e.missionProbes,
		e.leasesActive,
		e.leasesCap,
	)
	return e
}

// Handler returns the scrape endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

// Run consumes the firehose and refreshes the lease gauges until ctx
// ends.
func (e *Exporter) Run(ctx context.Context) error {
	events, err := e.events.Subscribe(ctx, registry.ChannelAll)
	if err != nil {
		return err
	}
	e.pollLeases(ctx)

	ticker := time.NewTicker(e.opts.LeasePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.log.Info("exporter stopping")
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return faults.New(faults.BackendUnreachable, "event feed closed")
			}
			e.observe(ev)
		case <-ticker.C:
			e.pollLeases(ctx)
		}
	}
}

// observe folds one event into the series. Step and probe progress
// share the mission_progress type; the probe field tells them apart.
func (e *Exporter) observe(ev api.Event) {
	e.eventsTotal.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case api.EventAgentHeartbeat:
		agent := ev.Fields["agent"]
		if agent == "" {
			return
		}
		outcome := "ok"
		if ev.Fields["error"] != "" {
			outcome = "error"
		}
		e.agentTicks.WithLabelValues(agent, outcome).Inc()
		if n, err := strconv.Atoi(ev.Fields["seen"]); err == nil {
			e.agentSeen.WithLabelValues(agent).Set(float64(n))
		}
	case api.EventDeployProgress:
		if state := ev.Fields["state"]; state != "" {
			e.deployTasks.WithLabelValues(state).Inc()
		}
	case api.EventMissionProgress:
		outcome := ev.Fields["outcome"]
		if outcome == "" {
			return
		}
		if ev.Fields["probe"] != "" {
			e.missionProbes.WithLabelValues(outcome).Inc()
			return
		}
		e.missionSteps.WithLabelValues(outcome).Inc()
	}
}

func (e *Exporter) pollLeases(ctx context.Context) {
	if e.pool == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, leasePollTimeout)
	defer cancel()
	active, capacity, err := e.pool.Usage(pctx)
	if err != nil {
		e.log.V(1).Info("lease usage unavailable", "error", err.Error())
		return
	}
	e.leasesActive.Set(float64(active))
	e.leasesCap.Set(float64(capacity))
}
