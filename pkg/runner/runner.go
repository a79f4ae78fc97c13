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

// Package runner executes scripts and playbooks on mission targets
// over the network: SSH for unix guests, WinRM for windows, and
// ansible-playbook for multi-host plays. Credentials pass through in
// memory only; anything retained afterwards is scrubbed first.
package runner

import (
	"context"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
)

const (
	defaultSSHPort        = 22
	defaultWinRMPort      = 5985
	defaultConnectTimeout = 30 * time.Second
	defaultAnsibleBin     = "ansible-playbook"
)

// Options tunes the session drivers.
type Options struct {
	SSHPort        int
	WinRMPort      int
	WinRMHTTPS     bool
	ConnectTimeout time.Duration

	// AnsibleBin is the ansible-playbook executable; resolved through
	// PATH when not absolute.
	AnsibleBin string
}

// Runner drives remote execution sessions.
type Runner struct {
	log  logr.Logger
	opts Options
}

// New returns a Runner with defaults applied.
func New(log logr.Logger, opts Options) *Runner {
	if opts.SSHPort <= 0 {
		opts.SSHPort = defaultSSHPort
	}
	if opts.WinRMPort <= 0 {
		opts.WinRMPort = defaultWinRMPort
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.AnsibleBin == "" {
		opts.AnsibleBin = defaultAnsibleBin
	}
	return &Runner{log: log.WithName("runner"), opts: opts}
}

// RunScript executes the script on the host, choosing the session
// driver by OS family. The exit code is data, not an error; errors
// mean the session itself failed.
func (r *Runner) RunScript(ctx context.Context, host string, cred platform.Credential, osFamily api.OSFamily, script string) (platform.ExecResult, error) {
	switch osFamily {
	case api.OSWindows:
		return r.runWindows(ctx, host, cred, script)
	case api.OSLinux:
		return r.runUnix(ctx, host, cred, script)
	default:
		return platform.ExecResult{}, faults.New(faults.IncompatibleOS, "no session driver for os family %q", osFamily)
	}
}

// Scrub removes credential material from text that will be retained.
func Scrub(text string, creds []platform.Credential) string {
	for _, c := range creds {
		if c.Password != "" {
			text = strings.ReplaceAll(text, c.Password, "********")
		}
		if len(c.PrivateKey) > 0 {
			text = strings.ReplaceAll(text, string(c.PrivateKey), "********")
		}
	}
	return text
}
