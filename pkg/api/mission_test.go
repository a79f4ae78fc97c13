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

func validExploit() *Exploit {
	return &Exploit{
		Name:     "open-telnet",
		Type:     ExploitNetwork,
		OSFamily: OSLinux,
		Script:   "#!/bin/sh\ntrue\n",
	}
}

func TestExploitValidate(t *testing.T) {
	require.NoError(t, validExploit().Validate())

	for _, typ := range ExploitTypes {
		e := validExploit()
		e.Type = typ
		assert.NoError(t, e.Validate(), typ)
	}
}

func TestExploitValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Exploit)
		wantMsg string
	}{
		{
			name:    "missing name",
			mutate:  func(e *Exploit) { e.Name = "" },
			wantMsg: "needs a name",
		},
		{
			name:    "unknown type",
			mutate:  func(e *Exploit) { e.Type = "script" },
			wantMsg: `unknown type "script"`,
		},
		{
			name:    "no mechanism",
			mutate:  func(e *Exploit) { e.Script = "" },
			wantMsg: "exactly one of script and playbook_path",
		},
		{
			name:    "both mechanisms",
			mutate:  func(e *Exploit) { e.PlaybookPath = "playbooks/x.yml" },
			wantMsg: "exactly one of script and playbook_path",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validExploit()
			tt.mutate(e)
			err := e.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestMissionStateDone(t *testing.T) {
	for _, s := range []MissionState{MissionCompleted, MissionFailed, MissionCancelled} {
		assert.True(t, s.Done(), s)
	}
	for _, s := range []MissionState{MissionPending, MissionStarting, MissionDeployingVM, MissionInjecting, MissionVerifying} {
		assert.False(t, s.Done(), s)
	}
}
