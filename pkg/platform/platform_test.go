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

package platform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangeforge/rangeforge/pkg/api"
)

func TestCloneSpecVMName(t *testing.T) {
	spec := CloneSpec{
		RequestID: "0f1e2d3c-4b5a-6978-8695-a4b3c2d1e0f9",
		LabID:     "lab-7",
		Node:      api.NodeSpec{Name: "web", Template: "ubuntu-2204"},
	}
	assert.Equal(t, "lab-7-web", spec.VMName())

	// Ephemeral targets have no lab; the request disambiguates.
	spec.LabID = ""
	assert.Equal(t, "rf-web-0f1e2d3c", spec.VMName())
}

func TestCloneSpecTags(t *testing.T) {
	spec := CloneSpec{
		RequestID: "req-1",
		LabID:     "lab-7",
		Node:      api.NodeSpec{Name: "web", Template: "ubuntu-2204", OSFamily: api.OSLinux},
	}
	tags := spec.Tags()
	assert.Equal(t, "req-1", tags[TagRequest])
	assert.Equal(t, "web", tags[TagNode])
	assert.Equal(t, "lab-7", tags[TagLab])
	assert.Equal(t, "linux", tags[TagOS])

	_, hasRole := tags[TagRole]
	assert.False(t, hasRole, "plain vms carry no role tag")
	assert.Equal(t, api.ResourceVM, spec.MachineKind())

	spec.Gateway = true
	tags = spec.Tags()
	assert.Equal(t, RoleGateway, tags[TagRole])
	assert.Equal(t, api.ResourceGateway, spec.MachineKind())

	spec.LabID = ""
	spec.Node.OSFamily = ""
	tags = spec.Tags()
	_, hasLab := tags[TagLab]
	assert.False(t, hasLab)
	_, hasOS := tags[TagOS]
	assert.False(t, hasOS)
}

func TestMachineKindFor(t *testing.T) {
	assert.Equal(t, api.ResourceVM, MachineKindFor(nil))
	assert.Equal(t, api.ResourceVM, MachineKindFor(map[string]string{TagNode: "web"}))
	assert.Equal(t, api.ResourceGateway, MachineKindFor(map[string]string{TagRole: RoleGateway}))
}

func TestSliceIterator(t *testing.T) {
	items := []api.Resource{{Name: "a"}, {Name: "b"}}
	got, err := Collect(context.Background(), NewSliceIterator(items))
	require.NoError(t, err)
	assert.Equal(t, items, got)

	it := NewSliceIterator(items)
	it.Close()
	_, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "closed iterator is exhausted")
}

func TestParsePowerOp(t *testing.T) {
	for _, s := range []string{"on", "off", "shutdown", "reboot", "suspend"} {
		op, err := ParsePowerOp(s)
		require.NoError(t, err)
		assert.Equal(t, s, op.String())
	}
	_, err := ParsePowerOp("explode")
	assert.Error(t, err)
}
