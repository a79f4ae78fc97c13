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

package drift

import (
	"net"
	"sort"
	"strings"
	"time"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/platform"
)

type matchQuality int

const (
	matchNone matchQuality = iota
	matchExact
	matchRelaxed
)

// Compare judges a lab snapshot against its intent. leaseCIDR is the
// lab's leased subnet; when empty the address rule is skipped, since
// without a lease there is no subnet to diverge from. Segment checks
// need NIC data on both ends and are likewise skipped without it.
// Findings come back sorted by key so repeated runs over the same
// state are byte-identical.
func Compare(intent *api.LabIntent, snap *api.Snapshot, leaseCIDR string, at time.Time) *api.DriftReport {
	report := &api.DriftReport{LabID: intent.LabID, At: at}
	var subnet *net.IPNet
	if leaseCIDR != "" {
		if _, n, err := net.ParseCIDR(leaseCIDR); err == nil {
			subnet = n
		}
	}

	claimed := map[string]bool{}
	var gatewayNets []string
	nodes := append([]api.NodeSpec{intent.Gateway}, intent.Nodes...)
	for i, node := range nodes {
		want := intent.LabID + "-" + node.Name
		res, how := findNode(node.Name, want, snap.Resources)
		if res == nil {
			report.Items = append(report.Items, finding(api.DriftMissingResource, node.Name, "", "vm named "+want, "absent"))
			continue
		}
		claimed[res.Identity.String()] = true
		if how == matchRelaxed {
			report.Items = append(report.Items, finding(api.DriftNameMismatch, node.Name, res.Identity.String(), want, res.Name))
		}
		if res.State != api.StateRunning {
			report.Items = append(report.Items, finding(api.DriftStateMismatch, node.Name, res.Identity.String(), string(api.StateRunning), string(res.State)))
		}
		if subnet != nil {
			if inside, addrs := insideSubnet(res, subnet); !inside && len(addrs) > 0 {
				report.Items = append(report.Items, finding(api.DriftIPMismatch, node.Name, res.Identity.String(), "address in "+leaseCIDR, strings.Join(addrs, " ")))
			}
		}
		// The gateway is nodes[0] and defines the lab segment; a
		// tenant whose named NICs share none of its networks is cut
		// off from the lab.
		if i == 0 {
			gatewayNets = nicNetworks(res)
		} else if len(gatewayNets) > 0 {
			if nets := nicNetworks(res); len(nets) > 0 && !sharesNetwork(nets, gatewayNets) {
				report.Items = append(report.Items, finding(api.DriftNetworkMismatch, node.Name, res.Identity.String(), "a segment shared with "+intent.Gateway.Name, strings.Join(nets, " ")))
			}
		}
	}

	for _, res := range snap.Resources {
		if claimed[res.Identity.String()] {
			continue
		}
		report.Items = append(report.Items, finding(api.DriftExtraResource, "", res.Identity.String(), "", res.Name+" ("+string(res.State)+")"))
	}

	sort.Slice(report.Items, func(i, j int) bool { return report.Items[i].Key() < report.Items[j].Key() })
	return report
}

func finding(kind api.DriftKind, node, identity, want, got string) api.DriftItem {
	return api.DriftItem{
		Kind:     kind,
		Severity: kind.Severity(),
		Node:     node,
		Identity: identity,
		Want:     want,
		Got:      got,
	}
}

// findNode resolves an intent node in the lab set: first by its exact
// backend name, then relaxed by ownership tag, case or suffix. A
// relaxed hit is still the node, just misnamed.
func findNode(node, want string, resources []api.Resource) (*api.Resource, matchQuality) {
	for i := range resources {
		if resources[i].Name == want {
			return &resources[i], matchExact
		}
	}
	for i := range resources {
		r := &resources[i]
		if r.Tags[platform.TagNode] == node {
			return r, matchRelaxed
		}
		if strings.EqualFold(r.Name, want) || strings.HasPrefix(r.Name, want) {
			return r, matchRelaxed
		}
	}
	return nil, matchNone
}

// nicNetworks lists the named segments a resource's NICs sit on,
// sorted and deduplicated.
func nicNetworks(res *api.Resource) []string {
	seen := map[string]bool{}
	for _, nic := range res.NICs {
		if nic.Network != "" {
			seen[nic.Network] = true
		}
	}
	nets := make([]string, 0, len(seen))
	for n := range seen {
		nets = append(nets, n)
	}
	sort.Strings(nets)
	return nets
}

func sharesNetwork(a, b []string) bool {
	for _, n := range a {
		for _, m := range b {
			if n == m {
				return true
			}
		}
	}
	return false
}

// insideSubnet reports whether any of the resource's addresses fall in
// the subnet, plus the addresses it considered. Gateways pass on their
// lab-side NIC even though their primary address is the uplink.
func insideSubnet(res *api.Resource, subnet *net.IPNet) (bool, []string) {
	var addrs []string
	consider := func(raw string) bool {
		if raw == "" {
			return false
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return false
		}
		addrs = append(addrs, raw)
		return subnet.Contains(ip)
	}
	inside := consider(res.IP)
	for _, nic := range res.NICs {
		if nic.IP == res.IP {
			continue
		}
		if consider(nic.IP) {
			inside = true
		}
	}
	return inside, addrs
}
