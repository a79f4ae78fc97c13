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

package vsphere

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vmware/govmomi/guest"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
	"github.com/rangeforge/rangeforge/pkg/util/retry"
)

const execPollInterval = time.Second

// ExecCommand runs a command inside the guest through the vSphere guest
// operations API, so it works before the VM is reachable over the lab
// network. Output is staged in guest temp files and collected after the
// process exits.
func (a *Adapter) ExecCommand(ctx context.Context, nativeID string, cred platform.Credential, command string) (platform.ExecResult, error) {
	sess, err := a.session(ctx)
	if err != nil {
		return platform.ExecResult{}, err
	}

	res, err := a.Describe(ctx, api.ResourceVM, nativeID)
	if err != nil {
		return platform.ExecResult{}, err
	}
	windows := res.OSFamily == api.OSWindows

	auth := &types.NamePasswordAuthentication{
		Username: cred.Username,
		Password: cred.Password,
	}
	om := guest.NewOperationsManager(sess.Client.Client, *a.vm(nativeID))
	pm, err := om.ProcessManager(ctx)
	if err != nil {
		return platform.ExecResult{}, a.guestFault(err, nativeID, "process manager")
	}

	stamp := platform.ShortID(uuid.NewString())
	outPath, errPath := guestTempPaths(windows, stamp)
	spec := guestProgramSpec(windows, command, outPath, errPath)

	pid, err := pm.StartProgram(ctx, auth, spec)
	if err != nil {
		return platform.ExecResult{}, a.guestFault(err, nativeID, "starting program")
	}

	var exitCode int32
	err = retry.Until(ctx, execPollInterval, func(ctx context.Context) (bool, error) {
		procs, err := pm.ListProcesses(ctx, auth, []int64{pid})
		if err != nil {
			return retry.SevereError(a.guestFault(err, nativeID, "listing processes"))
		}
		if len(procs) == 0 {
			return retry.SevereError(faults.New(faults.Internal, "guest process %d vanished on vm %q", pid, nativeID))
		}
		if procs[0].EndTime == nil {
			return retry.MinorError(faults.New(faults.Timeout, "guest process %d still running on vm %q", pid, nativeID))
		}
		exitCode = procs[0].ExitCode
		return retry.Ok()
	})
	if err != nil {
		return platform.ExecResult{}, err
	}

	fm, err := om.FileManager(ctx)
	if err != nil {
		return platform.ExecResult{}, a.guestFault(err, nativeID, "file manager")
	}
	stdout, err := a.downloadGuestFile(ctx, sess, fm, auth, outPath)
	if err != nil {
		return platform.ExecResult{}, err
	}
	stderr, err := a.downloadGuestFile(ctx, sess, fm, auth, errPath)
	if err != nil {
		return platform.ExecResult{}, err
	}
	for _, p := range []string{outPath, errPath} {
		if err := fm.DeleteFile(ctx, auth, p); err != nil {
			a.log.V(2).Info("could not remove guest temp file", "vm", nativeID, "path", p, "err", err.Error())
		}
	}

	return platform.ExecResult{ExitCode: int(exitCode), Stdout: stdout, Stderr: stderr}, nil
}

func (a *Adapter) guestFault(err error, nativeID, op string) error {
	if isToolsUnavailable(err) {
		return faults.Wrap(err, faults.TransitionBusy, "guest agent unavailable on vm %q", nativeID)
	}
	return classify(err, "%s on vm %q", op, nativeID)
}

func (a *Adapter) downloadGuestFile(ctx context.Context, sess *Session, fm *guest.FileManager, auth types.BaseGuestAuthentication, path string) (string, error) {
	info, err := fm.InitiateFileTransferFromGuest(ctx, auth, path)
	if err != nil {
		return "", classify(err, "fetching guest file %q", path)
	}
	u, err := fm.TransferURL(ctx, info.Url)
	if err != nil {
		return "", classify(err, "resolving transfer url for %q", path)
	}
	rc, _, err := sess.Client.Client.Download(ctx, u, &soap.DefaultDownload)
	if err != nil {
		return "", classify(err, "downloading guest file %q", path)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", faults.Wrap(err, faults.BackendUnreachable, "reading guest file %q", path)
	}
	return string(data), nil
}

func guestTempPaths(windows bool, stamp string) (string, string) {
	if windows {
		base := `C:\Windows\Temp\rf-` + stamp
		return base + ".out", base + ".err"
	}
	base := "/tmp/rf-" + stamp
	return base + ".out", base + ".err"
}

// guestProgramSpec wraps the command in the guest's shell so
// redirection into the staging files works.
func guestProgramSpec(windows bool, command, outPath, errPath string) *types.GuestProgramSpec {
	if windows {
		return &types.GuestProgramSpec{
			ProgramPath: `C:\Windows\System32\cmd.exe`,
			Arguments:   fmt.Sprintf(`/c %s > %s 2> %s`, command, outPath, errPath),
		}
	}
	return &types.GuestProgramSpec{
		ProgramPath: "/bin/sh",
		Arguments:   fmt.Sprintf("-c %s", posixQuote(fmt.Sprintf("%s > %s 2> %s", command, outPath, errPath))),
	}
}

func posixQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
