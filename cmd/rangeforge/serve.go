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

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/rangeforge/rangeforge/pkg/agent"
	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/config"
	"github.com/rangeforge/rangeforge/pkg/control"
	"github.com/rangeforge/rangeforge/pkg/deploy"
	"github.com/rangeforge/rangeforge/pkg/drift"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/metrics"
	"github.com/rangeforge/rangeforge/pkg/mission"
	"github.com/rangeforge/rangeforge/pkg/netalloc"
	"github.com/rangeforge/rangeforge/pkg/platform"
	"github.com/rangeforge/rangeforge/pkg/platform/aws"
	"github.com/rangeforge/rangeforge/pkg/platform/azure"
	"github.com/rangeforge/rangeforge/pkg/platform/fake"
	"github.com/rangeforge/rangeforge/pkg/platform/vsphere"
	"github.com/rangeforge/rangeforge/pkg/runner"
	"github.com/rangeforge/rangeforge/pkg/secrets"
)

const shutdownGrace = 15 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			return serve(log, cfg)
		},
	}
}

func serve(log logr.Logger, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir, err := secrets.NewDir(log, cfg.Secrets.Dir)
	if err != nil {
		return err
	}
	defer func() { _ = dir.Close() }()
	oracle := secrets.Chain{secrets.Env{}, dir}

	c := &client{cfg: cfg, log: log, oracle: oracle}
	if err := c.openStore(); err != nil {
		return err
	}
	defer func() { _ = c.st.Close() }()
	if err := c.openRegistry(ctx); err != nil {
		return err
	}
	defer func() { _ = c.reg.Close() }()
	st, reg := c.st, c.reg

	dispatcher := platform.NewDispatcher(log)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer closeCancel()
		if err := dispatcher.Close(closeCtx); err != nil {
			log.Error(err, "closing backend adapters")
		}
	}()

	var agents []*agent.Agent
	for _, b := range cfg.Backends {
		adapter, err := buildAdapter(ctx, log, b, cfg, oracle)
		if err != nil {
			return err
		}
		dispatcher.Register(adapter, b.MaxConcurrent)
		// Agents poll through the dispatcher so their listings share
		// the backend's concurrency budget with the engines.
		guarded, err := dispatcher.Get(b.Ref())
		if err != nil {
			return err
		}
		tier, err := agent.ForAdapter(log, guarded, reg, cadenceFor(cfg, b))
		if err != nil {
			return err
		}
		agents = append(agents, tier...)
	}

	pool := netalloc.New(log, st, netalloc.Options{
		VLANMin:      cfg.Network.VLANMin,
		VLANMax:      cfg.Network.VLANMax,
		CIDRTemplate: cfg.Network.CIDRTemplate,
		Cooldown:     cfg.Network.LeaseCooldown,
	})
	deploys := deploy.New(log, dispatcher, pool, reg, st, deploy.Options{
		MaxConcurrentClones: cfg.Deploy.MaxConcurrentClones,
		Deadline:            cfg.Deploy.Deadline,
		LivenessTimeout:     cfg.Deploy.LivenessTimeout,
	})
	sessions := runner.New(log, runner.Options{AnsibleBin: cfg.Mission.AnsiblePath})
	missions := mission.New(log, st, reg, deploys, sessions, oracle, mission.Options{
		StepTimeout:  cfg.Mission.StepTimeout,
		ProbeTimeout: cfg.Mission.ProbeTimeout,
	})
	detector := drift.New(log, st, reg, drift.Options{SweepSchedule: cfg.Drift.SweepSchedule})
	consumer := control.New(log, reg, st, deploys, missions, control.Options{})

	var g run.Group
	// Termination handler.
	{
		term := make(chan os.Signal, 1)
		done := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case sig := <-term:
					log.Info("shutting down on signal", "signal", sig.String())
				case <-done:
				}
				return nil
			},
			func(error) { close(done) },
		)
	}
	for _, a := range agents {
		a := a
		g.Add(func() error { return a.Run(ctx) }, func(error) { cancel() })
	}
	g.Add(func() error { return detector.Run(ctx) }, func(error) { cancel() })
	g.Add(func() error { return consumer.Run(ctx) }, func(error) { cancel() })
	g.Add(func() error {
		err := dir.Watch(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}, func(error) { cancel() })
	if cfg.Metrics.Addr != "" {
		exporter := metrics.New(log, reg, pool, metrics.Options{})
		g.Add(func() error { return exporter.Run(ctx) }, func(error) { cancel() })

		mux := http.NewServeMux()
		mux.Handle("/metrics", exporter.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		g.Add(func() error {
			log.Info("telemetry listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer shutCancel()
			_ = srv.Shutdown(shutCtx)
			cancel()
		})
	}

	log.Info("control plane up",
		"backends", len(cfg.Backends), "agents", len(agents), "registry", cfg.Registry.Addr)
	return g.Run()
}

// buildAdapter constructs one platform adapter from its backend block.
// Credentials are named in the options and resolved through the
// oracle; the values never touch the config file.
func buildAdapter(ctx context.Context, log logr.Logger, b config.Backend, cfg *config.Config, oracle secrets.Oracle) (platform.Adapter, error) {
	switch api.BackendKind(b.Kind) {
	case api.BackendVSphere:
		server, err := b.RequireOption("server")
		if err != nil {
			return nil, err
		}
		username, err := b.RequireOption("username")
		if err != nil {
			return nil, err
		}
		secretName, err := b.RequireOption("password_secret")
		if err != nil {
			return nil, err
		}
		password, err := oracle.Lookup(secretName)
		if err != nil {
			return nil, err
		}
		keepAlive, _ := strconv.ParseBool(b.Option("keep_alive", "true"))
		return vsphere.New(log, vsphere.Options{
			Instance:            b.Instance,
			Server:              server,
			Username:            username,
			Password:            password,
			Thumbprint:          b.Option("thumbprint", ""),
			Datacenter:          b.Option("datacenter", ""),
			Datastore:           b.Option("datastore", ""),
			ResourcePool:        b.Option("resource_pool", ""),
			Folder:              b.Option("folder", ""),
			NetworkNameTemplate: b.Option("network_name_template", ""),
			LivenessPoll:        cfg.Deploy.LivenessPoll,
			KeepAlive:           keepAlive,
		})

	case api.BackendAWS:
		region, err := b.RequireOption("region")
		if err != nil {
			return nil, err
		}
		opts := aws.Options{
			Instance:     b.Instance,
			Region:       region,
			VPCID:        b.Option("vpc_id", ""),
			SubnetID:     b.Option("subnet_id", ""),
			InstanceType: b.Option("instance_type", ""),
			KeyName:      b.Option("key_name", ""),
			VLANTagKey:   b.Option("vlan_tag_key", ""),
			LivenessPoll: cfg.Deploy.LivenessPoll,
		}
		if groups := b.Option("security_group_ids", ""); groups != "" {
			opts.SecurityGroupIDs = strings.Split(groups, ",")
		}
		// Static keys are optional; without them the SDK's default
		// chain applies (profile, instance role).
		if keyID := b.Option("access_key_id", ""); keyID != "" {
			secretName, err := b.RequireOption("secret_access_key_secret")
			if err != nil {
				return nil, err
			}
			secret, err := oracle.Lookup(secretName)
			if err != nil {
				return nil, err
			}
			opts.AccessKeyID = keyID
			opts.SecretAccessKey = secret
		}
		return aws.New(ctx, log, opts)

	case api.BackendAzure:
		subscription, err := b.RequireOption("subscription_id")
		if err != nil {
			return nil, err
		}
		resourceGroup, err := b.RequireOption("resource_group")
		if err != nil {
			return nil, err
		}
		location, err := b.RequireOption("location")
		if err != nil {
			return nil, err
		}
		opts := azure.Options{
			Instance:           b.Instance,
			SubscriptionID:     subscription,
			ResourceGroup:      resourceGroup,
			Location:           location,
			VNet:               b.Option("vnet", ""),
			DefaultSubnet:      b.Option("default_subnet", ""),
			SubnetNameTemplate: b.Option("subnet_name_template", ""),
			VMSize:             b.Option("vm_size", ""),
			LivenessPoll:       cfg.Deploy.LivenessPoll,
		}
		// Service principal is optional; without it the default Azure
		// credential chain applies.
		if clientID := b.Option("client_id", ""); clientID != "" {
			tenant, err := b.RequireOption("tenant_id")
			if err != nil {
				return nil, err
			}
			secretName, err := b.RequireOption("client_secret_secret")
			if err != nil {
				return nil, err
			}
			secret, err := oracle.Lookup(secretName)
			if err != nil {
				return nil, err
			}
			opts.TenantID = tenant
			opts.ClientID = clientID
			opts.ClientSecret = secret
		}
		return azure.New(log, opts)

	case api.BackendFake:
		f := fake.New(b.Instance)
		if tpls := b.Option("templates", ""); tpls != "" {
			for _, tpl := range strings.Split(tpls, ",") {
				name, osName, _ := strings.Cut(strings.TrimSpace(tpl), ":")
				osFamily := api.OSLinux
				if osName == string(api.OSWindows) {
					osFamily = api.OSWindows
				}
				f.AddTemplate(name, osFamily)
			}
		}
		return fake.Discovery{Adapter: f}, nil

	default:
		return nil, faults.New(faults.ConfigInvalid, "unknown backend kind %q", b.Kind)
	}
}

func cadenceFor(cfg *config.Config, b config.Backend) agent.Cadence {
	c := agent.Cadence{
		VM:          cfg.Agents.VMInterval,
		Inventory:   cfg.Agents.InventoryInterval,
		Discovery:   cfg.Agents.DiscoveryInterval,
		GraceFactor: cfg.Agents.GraceFactor,
	}
	if b.VMInterval > 0 {
		c.VM = b.VMInterval
	}
	if b.GraceFactor > 0 {
		c.GraceFactor = b.GraceFactor
	}
	return c
}
