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

package api

import (
	"fmt"
	"strings"
)

// BackendKind names a platform implementation.
type BackendKind string

const (
	BackendVSphere BackendKind = "vsphere"
	BackendAWS     BackendKind = "aws"
	BackendAzure   BackendKind = "azure"

	// BackendFake is an in-memory backend used by tests and the
	// local quickstart config.
	BackendFake BackendKind = "fake"
)

// ResourceKind names the class of a platform resource. Gateways are
// machines like any VM; the distinct kind keeps a lab's single ingress
// point recognizable in listings and events.
type ResourceKind string

const (
	ResourceVM       ResourceKind = "vm"
	ResourceGateway  ResourceKind = "gateway"
	ResourceTemplate ResourceKind = "template"
	ResourceNetwork  ResourceKind = "network"
	ResourceHost     ResourceKind = "host"
)

// BackendRef points at one configured backend instance.
type BackendRef struct {
	Kind     BackendKind `json:"kind"`
	Instance string      `json:"instance"`
}

func (r BackendRef) String() string {
	return string(r.Kind) + "/" + r.Instance
}

// ParseBackendRef parses "kind/instance".
func ParseBackendRef(s string) (BackendRef, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return BackendRef{}, fmt.Errorf("invalid backend ref %q, want kind/instance", s)
	}
	return BackendRef{Kind: BackendKind(parts[0]), Instance: parts[1]}, nil
}

// Identity uniquely names a resource across every configured backend.
// Its canonical string form is "kind/instance/resource-kind/native-id"
// and is used as the registry key suffix and in every event.
type Identity struct {
	Backend  BackendKind  `json:"backend"`
	Instance string       `json:"instance"`
	Kind     ResourceKind `json:"resource_kind"`
	NativeID string       `json:"native_id"`
}

func NewIdentity(ref BackendRef, kind ResourceKind, nativeID string) Identity {
	return Identity{Backend: ref.Kind, Instance: ref.Instance, Kind: kind, NativeID: nativeID}
}

func (i Identity) String() string {
	return strings.Join([]string{string(i.Backend), i.Instance, string(i.Kind), i.NativeID}, "/")
}

// Ref returns the backend the identity lives on.
func (i Identity) Ref() BackendRef {
	return BackendRef{Kind: i.Backend, Instance: i.Instance}
}

func (i Identity) IsZero() bool {
	return i.NativeID == ""
}

// ParseIdentity parses the canonical form. Native IDs may themselves
// contain slashes (Azure resource IDs do), so everything after the
// third separator belongs to the ID.
func ParseIdentity(s string) (Identity, error) {
	parts := strings.SplitN(s, "/", 4)
	if len(parts) != 4 {
		return Identity{}, fmt.Errorf("invalid identity %q", s)
	}
	for _, p := range parts {
		if p == "" {
			return Identity{}, fmt.Errorf("invalid identity %q", s)
		}
	}
	return Identity{
		Backend:  BackendKind(parts[0]),
		Instance: parts[1],
		Kind:     ResourceKind(parts[2]),
		NativeID: parts[3],
	}, nil
}
