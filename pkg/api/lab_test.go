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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIntent() *LabIntent {
	return &LabIntent{
		LabID:   "lab-7",
		Backend: BackendRef{Kind: BackendVSphere, Instance: "dc01"},
		Gateway: NodeSpec{Name: "gw", Template: "pfsense-27"},
		Nodes: []NodeSpec{
			{Name: "dc", Template: "win2019-dc", OSFamily: OSWindows},
			{Name: "web", Template: "ubuntu-2204", DependsOn: []string{"dc"}},
			{Name: "db", Template: "ubuntu-2204", DependsOn: []string{"dc"}},
		},
	}
}

func TestLabIntentValidate(t *testing.T) {
	require.NoError(t, validIntent().Validate())
}

func TestLabIntentValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*LabIntent)
		wantMsg string
	}{
		{
			name:    "missing lab id",
			mutate:  func(in *LabIntent) { in.LabID = "" },
			wantMsg: "lab_id is required",
		},
		{
			name:    "gateway without template",
			mutate:  func(in *LabIntent) { in.Gateway.Template = "" },
			wantMsg: "gateway needs name and template",
		},
		{
			name:    "duplicate node name",
			mutate:  func(in *LabIntent) { in.Nodes[2].Name = "web" },
			wantMsg: `duplicate node name "web"`,
		},
		{
			name:    "unknown dependency",
			mutate:  func(in *LabIntent) { in.Nodes[1].DependsOn = []string{"nope"} },
			wantMsg: `depends on unknown node "nope"`,
		},
		{
			name:    "explicit gateway dependency",
			mutate:  func(in *LabIntent) { in.Nodes[1].DependsOn = []string{"gw"} },
			wantMsg: "the gateway is implicit",
		},
		{
			name: "cycle",
			mutate: func(in *LabIntent) {
				in.Nodes[0].DependsOn = []string{"db"}
			},
			wantMsg: "dependency cycle",
		},
		{
			name: "self cycle",
			mutate: func(in *LabIntent) {
				in.Nodes[1].DependsOn = []string{"web"}
			},
			wantMsg: "dependency cycle",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validIntent()
			tt.mutate(in)
			err := in.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLabIntentNode(t *testing.T) {
	in := validIntent()
	n, ok := in.Node("web")
	require.True(t, ok)
	assert.Equal(t, "ubuntu-2204", n.Template)

	_, ok = in.Node("gw")
	assert.False(t, ok, "gateway is not a tenant node")
}
