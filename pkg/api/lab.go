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
	"time"
)

// NodeSpec declares one VM in a lab graph. DependsOn names sibling
// tenant nodes that must be live before this node's clone starts; the
// gateway is always an implicit dependency and is never listed.
type NodeSpec struct {
	Name      string            `json:"name" yaml:"name"`
	Template  string            `json:"template" yaml:"template"`
	CPU       int32             `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	MemoryMiB int64             `json:"memory_mib,omitempty" yaml:"memory_mib,omitempty"`
	DiskGiB   int64             `json:"disk_gib,omitempty" yaml:"disk_gib,omitempty"`
	OSFamily  OSFamily          `json:"os_family,omitempty" yaml:"os_family,omitempty"`
	DependsOn []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Tags      map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// LabIntent is the declarative description of a lab: one gateway that
// bridges the leased VLAN to the outside, plus the tenant VMs behind
// it. The intent is the source of truth the drift detector compares
// observations against.
type LabIntent struct {
	LabID   string     `json:"lab_id" yaml:"lab_id"`
	Backend BackendRef `json:"backend" yaml:"backend"`
	Gateway NodeSpec   `json:"gateway" yaml:"gateway"`
	Nodes   []NodeSpec `json:"nodes" yaml:"nodes"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
}

// Node returns the named tenant spec, or false.
func (in *LabIntent) Node(name string) (NodeSpec, bool) {
	for _, n := range in.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// Validate checks structural rules that do not need backend access:
// unique node names, dependencies that resolve to siblings, and no
// dependency cycles.
func (in *LabIntent) Validate() error {
	if in.LabID == "" {
		return fmt.Errorf("lab_id is required")
	}
	if in.Gateway.Name == "" || in.Gateway.Template == "" {
		return fmt.Errorf("lab %s: gateway needs name and template", in.LabID)
	}
	seen := map[string]bool{in.Gateway.Name: true}
	for _, n := range in.Nodes {
		if n.Name == "" || n.Template == "" {
			return fmt.Errorf("lab %s: every node needs name and template", in.LabID)
		}
		if seen[n.Name] {
			return fmt.Errorf("lab %s: duplicate node name %q", in.LabID, n.Name)
		}
		seen[n.Name] = true
	}
	for _, n := range in.Nodes {
		for _, dep := range n.DependsOn {
			if dep == in.Gateway.Name {
				return fmt.Errorf("lab %s: node %q lists the gateway as a dependency; the gateway is implicit", in.LabID, n.Name)
			}
			if !seen[dep] {
				return fmt.Errorf("lab %s: node %q depends on unknown node %q", in.LabID, n.Name, dep)
			}
		}
	}
	return in.checkCycles()
}

func (in *LabIntent) checkCycles() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(in.Nodes))
	deps := make(map[string][]string, len(in.Nodes))
	for _, n := range in.Nodes {
		deps[n.Name] = n.DependsOn
	}
	var visit func(string) error
	visit = func(name string) error {
		switch color[name] {
		case grey:
			return fmt.Errorf("lab %s: dependency cycle through node %q", in.LabID, name)
		case black:
			return nil
		}
		color[name] = grey
		for _, d := range deps[name] {
			if err := visit(d); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for _, n := range in.Nodes {
		if err := visit(n.Name); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot is a point-in-time copy of every registry resource tagged
// with a lab, ordered by identity.
type Snapshot struct {
	LabID     string     `json:"lab_id"`
	TakenAt   time.Time  `json:"taken_at"`
	Resources []Resource `json:"resources"`
}

// DriftKind classifies one divergence between intent and observation.
type DriftKind string

const (
	// DriftMissingResource: the intent names a node with no live
	// resource in the lab set.
	DriftMissingResource DriftKind = "missing_resource"
	// DriftStateMismatch: the node exists but is not running.
	DriftStateMismatch DriftKind = "state_mismatch"
	// DriftNameMismatch: the node resolved only by a relaxed match;
	// the backend name differs in case or carries a suffix.
	DriftNameMismatch DriftKind = "name_mismatch"
	// DriftIPMismatch: the node has addresses but none inside the
	// lab's leased subnet.
	DriftIPMismatch DriftKind = "ip_mismatch"
	// DriftNetworkMismatch: the node's NICs sit on no segment the
	// gateway bridges.
	DriftNetworkMismatch DriftKind = "network_mismatch"
	// DriftExtraResource: a resource carries the lab tag but no
	// intent node accounts for it.
	DriftExtraResource DriftKind = "extra_resource"
)

// DriftSeverity ranks a finding for operators.
type DriftSeverity string

const (
	SeverityInfo    DriftSeverity = "info"
	SeverityWarning DriftSeverity = "warning"
	SeverityHigh    DriftSeverity = "high"
)

// Severity returns the rank for a drift kind: a node that is gone or
// down is high, a cosmetic or addressing divergence warns, and extra
// resources are informational.
func (k DriftKind) Severity() DriftSeverity {
	switch k {
	case DriftMissingResource, DriftStateMismatch:
		return SeverityHigh
	case DriftNameMismatch, DriftIPMismatch, DriftNetworkMismatch:
		return SeverityWarning
	case DriftExtraResource:
		return SeverityInfo
	}
	return SeverityInfo
}

// DriftItem is one finding; Want/Got are human-readable summaries of
// the intended and observed sides.
type DriftItem struct {
	Kind     DriftKind     `json:"kind"`
	Severity DriftSeverity `json:"severity"`
	Node     string        `json:"node,omitempty"`
	Identity string        `json:"identity,omitempty"`
	Want     string        `json:"want,omitempty"`
	Got      string        `json:"got,omitempty"`
}

// Key identifies the finding across sweeps so a later clean report can
// resolve exactly what an earlier one raised.
func (d DriftItem) Key() string {
	ref := d.Node
	if ref == "" {
		ref = d.Identity
	}
	return string(d.Kind) + ":" + ref
}

// DriftReport is the outcome of one intent/observation comparison.
// Empty Items means the lab converged.
type DriftReport struct {
	LabID string      `json:"lab_id"`
	At    time.Time   `json:"at"`
	Items []DriftItem `json:"items,omitempty"`
}

func (r *DriftReport) Clean() bool {
	return len(r.Items) == 0
}
