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
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/config"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/registry"
	"github.com/rangeforge/rangeforge/pkg/secrets"
	"github.com/rangeforge/rangeforge/pkg/store"
	"github.com/rangeforge/rangeforge/pkg/version"
)

const dialTimeout = 5 * time.Second

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:     "rangeforge",
		Short:   "rangeforge orchestrates vulnerable-by-design training labs across virtualization backends",
		Version: version.Version,
	}
	cmd.SilenceUsage = true

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "rangeforge.yaml",
		"Path to the configuration file.")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"Override the configured log level (debug, info, warn, error).")

	cmd.AddCommand(
		newInitCommand(opts),
		newServeCommand(opts),
		newLabCommand(opts),
		newDeployCommand(opts),
		newMissionCommand(opts),
		newExploitCommand(opts),
	)
	return cmd
}

// load reads the config file and builds the process logger. The flag
// wins over the file for the log level.
func (o *rootOptions) load() (*config.Config, logr.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, logr.Logger{}, err
	}
	level := cfg.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	log, err := newLogger(level)
	if err != nil {
		return nil, logr.Logger{}, err
	}
	return cfg, log, nil
}

func newLogger(level string) (logr.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return logr.Logger{}, faults.Wrap(err, faults.ConfigInvalid, "log level %q", level)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.DisableStacktrace = true
	z, err := zc.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(z), nil
}

// client bundles the connections a thin command needs. Close is safe
// on partially opened clients.
type client struct {
	cfg    *config.Config
	log    logr.Logger
	oracle secrets.Oracle
	dir    *secrets.Dir
	st     *store.Store
	reg    *registry.Store
}

func (c *client) Close() {
	if c.reg != nil {
		_ = c.reg.Close()
	}
	if c.st != nil {
		_ = c.st.Close()
	}
	if c.dir != nil {
		_ = c.dir.Close()
	}
}

// dialStore opens the secret oracle and the state store.
func (o *rootOptions) dialStore() (*client, error) {
	cfg, log, err := o.load()
	if err != nil {
		return nil, err
	}
	c := &client{cfg: cfg, log: log}
	if err := c.openOracle(); err != nil {
		return nil, err
	}
	if err := c.openStore(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// dial opens the oracle, the store and the registry.
func (o *rootOptions) dial(ctx context.Context) (*client, error) {
	c, err := o.dialStore()
	if err != nil {
		return nil, err
	}
	if err := c.openRegistry(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *client) openOracle() error {
	dir, err := secrets.NewDir(c.log, c.cfg.Secrets.Dir)
	if err != nil {
		return err
	}
	c.dir = dir
	// Environment secrets front the directory so one-off overrides
	// need no file edits.
	c.oracle = secrets.Chain{secrets.Env{}, dir}
	return nil
}

func (c *client) openStore() error {
	dsn, err := c.cfg.StoreDSN(c.oracle.Lookup)
	if err != nil {
		return err
	}
	st, err := store.Open(c.log, dsn)
	if err != nil {
		return err
	}
	c.st = st
	return nil
}

func (c *client) openRegistry(ctx context.Context) error {
	password := ""
	if c.cfg.Registry.PasswordSecret != "" {
		var err error
		password, err = c.oracle.Lookup(c.cfg.Registry.PasswordSecret)
		if err != nil {
			return err
		}
	}
	reg := registry.New(c.log, registry.Options{
		Addr:     c.cfg.Registry.Addr,
		Password: password,
		DB:       c.cfg.Registry.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := reg.Ping(pingCtx); err != nil {
		_ = reg.Close()
		return err
	}
	c.reg = reg
	return nil
}

func parseBackendRef(s string) (api.BackendRef, error) {
	kind, instance, ok := strings.Cut(s, "/")
	if !ok || kind == "" || instance == "" {
		return api.BackendRef{}, faults.New(faults.ConfigInvalid, "backend ref %q is not kind/instance", s)
	}
	return api.BackendRef{Kind: api.BackendKind(kind), Instance: instance}, nil
}

// awaitDone polls check until it reports done, the wake channel only
// shortens the wait. A nil or closed wake falls back to pure polling.
func awaitDone(ctx context.Context, wake <-chan api.Event, poll time.Duration, check func(context.Context) (bool, error)) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		done, err := check(ctx)
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return faults.New(faults.Timeout, "timed out waiting for the serving process; is `rangeforge serve` running?")
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}
}
