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

// Package platform defines the capability interface every backend
// adapter implements, and the dispatcher that routes calls to the
// right adapter with per-backend concurrency limits and circuit
// breaking. Nothing above this package knows which hypervisor or
// cloud it is talking to.
package platform

import (
	"context"
	"fmt"

	"github.com/rangeforge/rangeforge/pkg/api"
)

// PowerOp is a uniform power operation.
type PowerOp string

const (
	PowerOn  PowerOp = "on"
	PowerOff PowerOp = "off"
	// PowerShutdown asks the guest OS to stop and falls back to a
	// hard off when the guest cannot be reached.
	PowerShutdown PowerOp = "shutdown"
	PowerReboot   PowerOp = "reboot"
	PowerSuspend  PowerOp = "suspend"
)

// Tag keys adapters stamp on every resource they create. They carry
// the ownership metadata agents project into the registry and the
// request namespace that makes redeploys idempotent.
const (
	TagLab     = "rangeforge:lab"
	TagRequest = "rangeforge:request"
	TagNode    = "rangeforge:node"
	TagOS      = "rangeforge:os"

	// TagRole marks the lab's gateway machine. Adapters read it back
	// when mapping listings so a gateway keeps its kind across process
	// restarts.
	TagRole = "rangeforge:role"

	RoleGateway = "gateway"
)

// CloneSpec describes one clone-from-template request.
type CloneSpec struct {
	// RequestID namespaces everything the request creates. Adapters
	// must return the existing clone when one already carries this
	// RequestID/Node pair instead of creating a second.
	RequestID string
	LabID     string
	Node      api.NodeSpec

	// Lease is the lab network the clone attaches to; nil for
	// ephemeral mission targets, which stay on the backend's default
	// network.
	Lease *api.Lease

	// Gateway marks the lab's edge VM, which gets an uplink NIC in
	// addition to the leased segment.
	Gateway bool
}

// VMName is the backend-visible name for the clone.
func (s CloneSpec) VMName() string {
	if s.LabID != "" {
		return s.LabID + "-" + s.Node.Name
	}
	return "rf-" + s.Node.Name + "-" + ShortID(s.RequestID)
}

// Tags returns the ownership tags for the clone.
func (s CloneSpec) Tags() map[string]string {
	t := map[string]string{
		TagRequest: s.RequestID,
		TagNode:    s.Node.Name,
	}
	if s.LabID != "" {
		t[TagLab] = s.LabID
	}
	if s.Node.OSFamily != "" {
		t[TagOS] = string(s.Node.OSFamily)
	}
	if s.Gateway {
		t[TagRole] = RoleGateway
	}
	return t
}

// MachineKind returns the resource kind a machine's tags declare.
func (s CloneSpec) MachineKind() api.ResourceKind {
	if s.Gateway {
		return api.ResourceGateway
	}
	return api.ResourceVM
}

// MachineKindFor classifies an observed machine by its role tag.
func MachineKindFor(tags map[string]string) api.ResourceKind {
	if tags[TagRole] == RoleGateway {
		return api.ResourceGateway
	}
	return api.ResourceVM
}

// MachineKinds are the kinds the vm agent tier sweeps. Backends list
// machines in one pass; the role tag splits gateways out of it.
var MachineKinds = []api.ResourceKind{api.ResourceVM, api.ResourceGateway}

// ShortID shortens a request or correlation ID for use in names.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Credential is an in-memory session credential. It is resolved from
// the secret oracle immediately before use and never serialized.
type Credential struct {
	Username   string
	Password   string
	PrivateKey []byte
}

// ExecResult is the outcome of one in-guest command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ResourceIterator pages through a listing without materializing it.
// Next returns false when the sequence is exhausted; Close releases
// whatever the iterator holds and is safe to call twice.
type ResourceIterator interface {
	Next(ctx context.Context) (api.Resource, bool, error)
	Close()
}

// Adapter is the uniform capability surface over one backend
// instance. Implementations translate native errors into faults (see
// pkg/faults) and never panic on backend data.
type Adapter interface {
	Kind() api.BackendKind
	Instance() string

	// CloneFromTemplate creates a VM from the named template and
	// returns its native ID. The clone is left powered off.
	CloneFromTemplate(ctx context.Context, spec CloneSpec) (string, error)

	// SetPower drives the VM toward the requested power state.
	SetPower(ctx context.Context, nativeID string, op PowerOp) error

	// WaitForLiveness blocks until the VM is running and reachable,
	// returning its primary IP. Callers bound it with a context
	// deadline.
	WaitForLiveness(ctx context.Context, nativeID string) (string, error)

	// Describe returns the current observation of one resource.
	Describe(ctx context.Context, kind api.ResourceKind, nativeID string) (api.Resource, error)

	// List iterates resources of one kind on the backend.
	List(ctx context.Context, kind api.ResourceKind) (ResourceIterator, error)

	// AttachNetwork connects the VM to the leased segment.
	AttachNetwork(ctx context.Context, nativeID string, lease api.Lease) error

	// ExecCommand runs a command inside the guest.
	ExecCommand(ctx context.Context, nativeID string, cred Credential, command string) (ExecResult, error)

	// Delete removes the VM. Force tears it down regardless of power
	// state; deleting an absent VM succeeds.
	Delete(ctx context.Context, nativeID string, force bool) error
}

// AddressDiscoverer is an optional capability: backends that can read
// their switch or DHCP tables report MAC-to-IP bindings so the
// discovery agent can fill in addresses for guests without tooling.
type AddressDiscoverer interface {
	DiscoverAddresses(ctx context.Context) (map[string]string, error)
}

// Ref returns the adapter's backend reference.
func Ref(a Adapter) api.BackendRef {
	return api.BackendRef{Kind: a.Kind(), Instance: a.Instance()}
}

// Identity builds the canonical identity for a resource on the
// adapter.
func Identity(a Adapter, kind api.ResourceKind, nativeID string) api.Identity {
	return api.NewIdentity(Ref(a), kind, nativeID)
}

// SliceIterator adapts an in-memory listing to ResourceIterator.
type SliceIterator struct {
	items []api.Resource
	pos   int
}

func NewSliceIterator(items []api.Resource) *SliceIterator {
	return &SliceIterator{items: items}
}

func (it *SliceIterator) Next(_ context.Context) (api.Resource, bool, error) {
	if it.pos >= len(it.items) {
		return api.Resource{}, false, nil
	}
	res := it.items[it.pos]
	it.pos++
	return res, true, nil
}

func (it *SliceIterator) Close() {
	it.pos = len(it.items)
}

// Collect drains an iterator. Mostly for tests and small listings;
// agents consume iterators item by item.
func Collect(ctx context.Context, it ResourceIterator) ([]api.Resource, error) {
	defer it.Close()
	var out []api.Resource
	for {
		res, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, res)
	}
}

func (op PowerOp) String() string {
	return string(op)
}

// ParsePowerOp validates a CLI-supplied power operation.
func ParsePowerOp(s string) (PowerOp, error) {
	switch PowerOp(s) {
	case PowerOn, PowerOff, PowerShutdown, PowerReboot, PowerSuspend:
		return PowerOp(s), nil
	}
	return "", fmt.Errorf("unknown power operation %q", s)
}
