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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
)

// PlaybookHost is one inventory entry. The credential is resolved by
// the caller immediately before the run and exists only in the
// inventory file, which lives in a 0700 temp dir for the duration of
// the play.
type PlaybookHost struct {
	Name       string
	Host       string
	OSFamily   api.OSFamily
	Credential platform.Credential
}

// PlaybookResult is the outcome of one play. Output is scrubbed of
// credential material before it is returned.
type PlaybookResult struct {
	ExitCode int
	Output   string
}

// Ansible exit codes this maps to faults; failed tasks (2) and play
// errors (1) are data for the caller to judge.
const (
	ansibleExitUnreachable = 4
	ansibleExitBadUsage    = 250
)

// RunPlaybook renders an INI inventory for the hosts and invokes
// ansible-playbook under the context. Non-zero exits from failing
// tasks come back in the result; only unreachable targets and
// invocation problems are errors.
func (r *Runner) RunPlaybook(ctx context.Context, hosts []PlaybookHost, playbookPath string, extraVars map[string]string) (PlaybookResult, error) {
	if len(hosts) == 0 {
		return PlaybookResult{}, faults.New(faults.ConfigInvalid, "playbook needs at least one host")
	}
	if _, err := os.Stat(playbookPath); err != nil {
		return PlaybookResult{}, faults.Wrap(err, faults.ConfigInvalid, "playbook %s", playbookPath)
	}

	dir, err := os.MkdirTemp("", "rf-inventory-")
	if err != nil {
		return PlaybookResult{}, faults.Wrap(err, faults.Internal, "creating inventory dir")
	}
	defer os.RemoveAll(dir)
	if err := os.Chmod(dir, 0o700); err != nil {
		return PlaybookResult{}, faults.Wrap(err, faults.Internal, "restricting inventory dir")
	}

	inventory, err := renderInventory(dir, hosts)
	if err != nil {
		return PlaybookResult{}, err
	}
	invPath := filepath.Join(dir, "inventory.ini")
	if err := os.WriteFile(invPath, []byte(inventory), 0o600); err != nil {
		return PlaybookResult{}, faults.Wrap(err, faults.Internal, "writing inventory")
	}

	args := []string{"-i", invPath, playbookPath}
	if len(extraVars) > 0 {
		vars, err := json.Marshal(extraVars)
		if err != nil {
			return PlaybookResult{}, faults.Wrap(err, faults.ConfigInvalid, "encoding extra vars")
		}
		args = append(args, "--extra-vars", string(vars))
	}

	cmd := exec.CommandContext(ctx, r.opts.AnsibleBin, args...)
	cmd.Env = append(os.Environ(),
		"ANSIBLE_HOST_KEY_CHECKING=False",
		"ANSIBLE_NOCOLOR=1",
		"ANSIBLE_RETRY_FILES_ENABLED=False",
	)
	var out bytes.Buffer
	cmd.Stdout, cmd.Stderr = &out, &out

	r.log.Info("running playbook", "playbook", playbookPath, "hosts", len(hosts))
	runErr := cmd.Run()

	creds := make([]platform.Credential, 0, len(hosts))
	for _, h := range hosts {
		creds = append(creds, h.Credential)
	}
	res := PlaybookResult{Output: Scrub(out.String(), creds)}

	if runErr == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return res, faults.Wrap(ctx.Err(), faults.CancelRequested, "playbook %s", playbookPath)
		}
		return res, faults.Wrap(ctx.Err(), faults.Timeout, "playbook %s", playbookPath)
	}
	var execErr *exec.Error
	if errors.As(runErr, &execErr) {
		return res, faults.Wrap(runErr, faults.ConfigInvalid, "ansible-playbook binary %q", r.opts.AnsibleBin)
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		switch res.ExitCode {
		case ansibleExitUnreachable:
			return res, faults.New(faults.BackendUnreachable, "playbook %s: targets unreachable", playbookPath)
		case ansibleExitBadUsage:
			return res, faults.New(faults.ConfigInvalid, "playbook %s: ansible rejected the invocation", playbookPath)
		default:
			return res, nil
		}
	}
	return res, faults.Wrap(runErr, faults.Internal, "playbook %s", playbookPath)
}

// renderInventory writes any key material into dir and returns the INI
// inventory text referencing it.
func renderInventory(dir string, hosts []PlaybookHost) (string, error) {
	var b strings.Builder
	b.WriteString("[targets]\n")
	for i, h := range hosts {
		if h.Name == "" || h.Host == "" {
			return "", faults.New(faults.ConfigInvalid, "inventory host %d needs name and address", i)
		}
		fmt.Fprintf(&b, "%s ansible_host=%s ansible_user=%s", h.Name, h.Host, iniQuote(h.Credential.Username))

		if h.Credential.Password != "" {
			fmt.Fprintf(&b, " ansible_password=%s", iniQuote(h.Credential.Password))
		}
		if len(h.Credential.PrivateKey) > 0 {
			keyPath := filepath.Join(dir, h.Name+".key")
			if err := os.WriteFile(keyPath, h.Credential.PrivateKey, 0o600); err != nil {
				return "", faults.Wrap(err, faults.Internal, "writing key for %s", h.Name)
			}
			fmt.Fprintf(&b, " ansible_ssh_private_key_file=%s", keyPath)
		}

		if h.OSFamily == api.OSWindows {
			b.WriteString(" ansible_connection=winrm ansible_winrm_transport=ntlm ansible_winrm_server_cert_validation=ignore")
		} else {
			b.WriteString(" ansible_connection=ssh")
		}
		b.WriteString("\n")
	}
	b.WriteString("\n[targets:vars]\nansible_ssh_common_args='-o StrictHostKeyChecking=no'\n")
	return b.String(), nil
}

// iniQuote wraps a value so spaces and quotes survive ansible's INI
// parser.
func iniQuote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}
