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
	"fmt"
	"net"
	"strconv"
	"strings"

	scp "github.com/bramvdbogaerde/go-scp"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
)

// runUnix uploads the script over SCP, runs it through /bin/sh and
// removes it in the same round trip so nothing lingers on the target.
func (r *Runner) runUnix(ctx context.Context, host string, cred platform.Credential, script string) (platform.ExecResult, error) {
	client, err := r.dialSSH(ctx, host, cred)
	if err != nil {
		return platform.ExecResult{}, err
	}
	defer client.Close()

	// SSH sessions do not take a context; closing the transport is
	// what unblocks Run when the deadline hits.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Close()
		case <-watchdogDone:
		}
	}()

	remote := "/tmp/rf-" + platform.ShortID(uuid.NewString()) + ".sh"
	if err := r.uploadScript(ctx, client, remote, script); err != nil {
		return platform.ExecResult{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		return platform.ExecResult{}, sshFault(ctx, err, host, "opening session")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout, session.Stderr = &stdout, &stderr
	cmd := fmt.Sprintf("/bin/sh %s; rc=$?; rm -f %s; exit $rc", remote, remote)
	runErr := session.Run(cmd)

	res := platform.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, sshFault(ctx, runErr, host, "running script")
	}
	return res, nil
}

func (r *Runner) uploadScript(ctx context.Context, client *ssh.Client, remote, script string) error {
	scpClient, err := scp.NewClientBySSH(client)
	if err != nil {
		return faults.Wrap(err, faults.BackendUnreachable, "opening scp channel")
	}
	defer scpClient.Close()
	if err := scpClient.CopyFile(ctx, strings.NewReader(script), remote, "0700"); err != nil {
		return sshFault(ctx, err, remote, "uploading script")
	}
	return nil
}

// dialSSH connects with the context honored during the TCP dial and
// handshake. Lab segments are ephemeral, so host keys carry no
// continuity and are not checked.
func (r *Runner) dialSSH(ctx context.Context, host string, cred platform.Credential) (*ssh.Client, error) {
	var auth []ssh.AuthMethod
	if len(cred.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cred.PrivateKey)
		if err != nil {
			return nil, faults.Wrap(err, faults.ConfigInvalid, "parsing private key for %s", host)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cred.Password != "" {
		auth = append(auth, ssh.Password(cred.Password))
	}
	if len(auth) == 0 {
		return nil, faults.New(faults.ConfigInvalid, "credential for %s carries neither password nor key", host)
	}

	cfg := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.opts.ConnectTimeout,
	}
	addr := net.JoinHostPort(host, strconv.Itoa(r.opts.SSHPort))

	d := net.Dialer{Timeout: r.opts.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, sshFault(ctx, err, host, "dialing")
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, sshFault(ctx, err, host, "ssh handshake")
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// TrySSHLogin attempts a password login and closes the connection
// immediately. The weak-credential probe treats success as a finding.
func (r *Runner) TrySSHLogin(ctx context.Context, host, username, password string) error {
	client, err := r.dialSSH(ctx, host, platform.Credential{Username: username, Password: password})
	if err != nil {
		return err
	}
	return client.Close()
}

func sshFault(ctx context.Context, err error, host, op string) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return faults.Wrap(ctx.Err(), faults.CancelRequested, "%s %s", op, host)
		}
		return faults.Wrap(ctx.Err(), faults.Timeout, "%s %s", op, host)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain") {
		return faults.Wrap(err, faults.AuthFailed, "%s %s", op, host)
	}
	return faults.Wrap(err, faults.BackendUnreachable, "%s %s", op, host)
}
