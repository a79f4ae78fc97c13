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

package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/masterzen/winrm"

	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
)

// runWindows executes the script as an encoded PowerShell command, so
// quoting survives the shell untouched.
func (r *Runner) runWindows(ctx context.Context, host string, cred platform.Credential, script string) (platform.ExecResult, error) {
	endpoint := winrm.NewEndpoint(host, r.opts.WinRMPort, r.opts.WinRMHTTPS, true, nil, nil, nil, r.opts.ConnectTimeout)
	client, err := winrm.NewClient(endpoint, cred.Username, cred.Password)
	if err != nil {
		return platform.ExecResult{}, faults.Wrap(err, faults.ConfigInvalid, "building winrm client for %s", host)
	}

	var stdout, stderr bytes.Buffer
	code, err := client.RunWithContext(ctx, winrm.Powershell(script), &stdout, &stderr)
	res := platform.ExecResult{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		return res, winrmFault(ctx, err, host)
	}
	return res, nil
}

func winrmFault(ctx context.Context, err error, host string) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return faults.Wrap(ctx.Err(), faults.CancelRequested, "winrm exec on %s", host)
		}
		return faults.Wrap(ctx.Err(), faults.Timeout, "winrm exec on %s", host)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "access is denied") {
		return faults.Wrap(err, faults.AuthFailed, "winrm exec on %s", host)
	}
	return faults.Wrap(err, faults.BackendUnreachable, "winrm exec on %s", host)
}
