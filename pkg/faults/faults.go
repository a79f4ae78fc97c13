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

// Package faults defines the error taxonomy shared by every subsystem.
// Backend adapters translate native SDK errors into one of the kinds
// below so callers can branch on failure class without knowing which
// platform produced it.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure. The string value is stable and appears in
// registry events, store records and CLI output.
type Kind string

const (
	// ConfigInvalid means the supplied configuration or intent document
	// failed validation before any remote call was attempted.
	ConfigInvalid Kind = "config_invalid"

	// BackendUnreachable means the platform endpoint could not be
	// dialed or the session dropped mid-operation.
	BackendUnreachable Kind = "backend_unreachable"

	// AuthFailed means the backend rejected the configured credentials.
	AuthFailed Kind = "auth_failed"

	// ResourceMissing means a template, network, pool or VM named by
	// the caller does not exist on the backend.
	ResourceMissing Kind = "resource_missing"

	// NameCollision means the target name or numeric ID is already
	// taken on the backend.
	NameCollision Kind = "name_collision"

	// QuotaExceeded means the backend refused the request for capacity
	// reasons (disk, compute or API quota).
	QuotaExceeded Kind = "quota_exceeded"

	// TransitionBusy means the resource is mid-transition (cloning,
	// snapshotting) and cannot accept the requested operation yet.
	TransitionBusy Kind = "transition_busy"

	// Timeout means an operation-level deadline expired.
	Timeout Kind = "timeout"

	// PoolExhausted means no VLAN/subnet pair was available for lease.
	PoolExhausted Kind = "pool_exhausted"

	// DriftDetected reports divergence between a lab's declared intent
	// and its observed resources.
	DriftDetected Kind = "drift_detected"

	// IncompatibleOS means an exploit step targets an OS family the
	// target resource does not run.
	IncompatibleOS Kind = "incompatible_os"

	// CancelRequested means the operation stopped at a safe boundary
	// because a caller asked it to.
	CancelRequested Kind = "cancel_requested"

	// Internal is the fallback for unclassified failures.
	Internal Kind = "internal"
)

// Fault is a classified error. It keeps the native cause for logging
// while exposing a stable Kind for programmatic handling.
type Fault struct {
	kind     Kind
	identity string
	msg      string
	err      error
}

// New returns a Fault of the given kind.
func New(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, preserving it as the cause. A nil err
// yields nil so call sites can wrap unconditionally.
func Wrap(err error, kind Kind, format string, args ...interface{}) *Fault {
	if err == nil {
		return nil
	}
	return &Fault{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// WithIdentity attaches the identity of the resource the fault is
// about and returns the same Fault.
func (f *Fault) WithIdentity(identity string) *Fault {
	f.identity = identity
	return f
}

// Identity returns the attached resource identity, if any.
func (f *Fault) Identity() string {
	return f.identity
}

// Kind returns the fault's classification.
func (f *Fault) Kind() Kind {
	return f.kind
}

func (f *Fault) Error() string {
	switch {
	case f.msg == "" && f.err == nil:
		return string(f.kind)
	case f.err == nil:
		return fmt.Sprintf("%s: %s", f.kind, f.msg)
	case f.msg == "":
		return fmt.Sprintf("%s: %s", f.kind, f.err)
	default:
		return fmt.Sprintf("%s: %s: %s", f.kind, f.msg, f.err)
	}
}

func (f *Fault) Unwrap() error {
	return f.err
}

// KindOf walks err's chain and returns the outermost Fault kind.
// Context cancellation and deadline errors classify without wrapping;
// anything else is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return CancelRequested
	}
	return Internal
}

// Is reports whether err's chain contains a Fault of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the failure class is worth retrying with
// backoff. Everything else is terminal for the attempt that produced
// it.
func Retryable(err error) bool {
	switch KindOf(err) {
	case BackendUnreachable, TransitionBusy, Timeout:
		return true
	default:
		return false
	}
}
