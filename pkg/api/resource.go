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

import "time"

// ResourceState is the uniform lifecycle state reported for every
// backend. Adapters map native states onto this set; anything they
// cannot classify becomes StateUnknown.
type ResourceState string

const (
	StateUnknown ResourceState = "unknown"
	StateStopped ResourceState = "stopped"
	StateRunning ResourceState = "running"
	StatePaused  ResourceState = "paused"

	// StateError marks a machine the backend itself reports as
	// failed, as opposed to one we merely cannot classify.
	StateError ResourceState = "error"
)

// OSFamily is the coarse OS classification used for exploit
// compatibility checks and session driver selection.
type OSFamily string

const (
	OSLinux   OSFamily = "linux"
	OSWindows OSFamily = "windows"
	OSUnknown OSFamily = "unknown"
)

// NIC is one observed network attachment.
type NIC struct {
	MAC     string `json:"mac"`
	Network string `json:"network,omitempty"`
	IP      string `json:"ip,omitempty"`
}

// Resource is the registry's view of one platform resource. Version
// increments on every registry write for the identity; LastSeen is the
// wall-clock time of the most recent successful observation.
type Resource struct {
	Identity Identity      `json:"identity"`
	Name     string        `json:"name"`
	State    ResourceState `json:"state"`
	LabID    string        `json:"lab_id,omitempty"`

	// IP is the primary address used for sessions. Additional
	// attachments are listed in NICs.
	IP   string `json:"ip,omitempty"`
	NICs []NIC  `json:"nics,omitempty"`

	CPU       int32    `json:"cpu,omitempty"`
	MemoryMiB int64    `json:"memory_mib,omitempty"`
	DiskGiB   int64    `json:"disk_gib,omitempty"`
	OSFamily  OSFamily `json:"os_family,omitempty"`

	// UptimeSeconds is how long the backend says the machine has been
	// up, zero when it is down or the backend does not report it.
	UptimeSeconds int64 `json:"uptime_seconds,omitempty"`

	Tags map[string]string `json:"tags,omitempty"`

	Version  int64     `json:"version"`
	LastSeen time.Time `json:"last_seen"`
}

// Lease is one VLAN/subnet pair checked out of the network pool for
// the lifetime of a lab.
type Lease struct {
	ID         string     `json:"id"`
	VLAN       int        `json:"vlan"`
	CIDR       string     `json:"cidr"`
	GatewayIP  string     `json:"gateway_ip"`
	LabID      string     `json:"lab_id"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// Active reports whether the lease is still held.
func (l Lease) Active() bool {
	return l.ReleasedAt == nil
}
