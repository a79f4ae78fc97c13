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
	"errors"

	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/task"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/rangeforge/rangeforge/pkg/faults"
)

// classify maps a govmomi error onto the fault taxonomy. Faults travel
// three ways out of govmomi: find package sentinel errors, SOAP method
// faults, and task results; all three funnel through here.
func classify(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(err, faults.Timeout, format, args...)
	}
	if errors.Is(err, context.Canceled) {
		return faults.Wrap(err, faults.CancelRequested, format, args...)
	}

	var notFound *find.NotFoundError
	if errors.As(err, &notFound) {
		return faults.Wrap(err, faults.ResourceMissing, format, args...)
	}
	var defaultNotFound *find.DefaultNotFoundError
	if errors.As(err, &defaultNotFound) {
		return faults.Wrap(err, faults.ResourceMissing, format, args...)
	}

	if kind, ok := kindForFault(vimFault(err)); ok {
		return faults.Wrap(err, kind, format, args...)
	}

	// Anything else is treated as the endpoint being unreachable so
	// the dispatcher's breaker and the retry loops see it uniformly.
	return faults.Wrap(err, faults.BackendUnreachable, format, args...)
}

// vimFault digs the VIM fault out of a task or SOAP error, nil if the
// error carries neither. Task results hold the fault as a pointer;
// SOAP fault detail decodes as a value, so callers switch on both.
func vimFault(err error) interface{} {
	var taskErr task.Error
	if errors.As(err, &taskErr) {
		return taskErr.Fault()
	}
	var taskErrPtr *task.Error
	if errors.As(err, &taskErrPtr) {
		return taskErrPtr.Fault()
	}
	if soap.IsSoapFault(err) {
		return soap.ToSoapFault(err).VimFault()
	}
	if soap.IsVimFault(err) {
		return soap.ToVimFault(err)
	}
	return nil
}

func kindForFault(fault interface{}) (faults.Kind, bool) {
	switch fault.(type) {
	case nil:
		return "", false
	case *types.ManagedObjectNotFound, types.ManagedObjectNotFound:
		return faults.ResourceMissing, true
	case *types.DuplicateName, types.DuplicateName:
		return faults.NameCollision, true
	case *types.InvalidLogin, types.InvalidLogin,
		*types.InvalidGuestLogin, types.InvalidGuestLogin,
		*types.NoPermission, types.NoPermission,
		*types.NotAuthenticated, types.NotAuthenticated:
		return faults.AuthFailed, true
	case *types.InvalidPowerState, types.InvalidPowerState,
		*types.TaskInProgress, types.TaskInProgress,
		*types.InvalidState, types.InvalidState:
		return faults.TransitionBusy, true
	case *types.InsufficientResourcesFault, types.InsufficientResourcesFault:
		return faults.QuotaExceeded, true
	case *types.InvalidArgument, types.InvalidArgument:
		return faults.ConfigInvalid, true
	default:
		return "", false
	}
}

// isToolsUnavailable reports whether the error means the guest agent is
// not running, which power and exec paths treat specially.
func isToolsUnavailable(err error) bool {
	switch vimFault(err).(type) {
	case *types.ToolsUnavailable, types.ToolsUnavailable,
		*types.GuestOperationsUnavailable, types.GuestOperationsUnavailable:
		return true
	default:
		return false
	}
}
