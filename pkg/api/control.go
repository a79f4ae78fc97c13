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

// ControlAction names one operation a thin client can ask the serving
// process to run.
type ControlAction string

const (
	// ControlDeploy deploys the lab named by LabID under RequestID.
	ControlDeploy ControlAction = "deploy"
	// ControlDestroy tears down every resource of the lab named by
	// LabID and releases its lease.
	ControlDestroy ControlAction = "destroy"
	// ControlStartMission runs the mission named by MissionID to a
	// terminal state.
	ControlStartMission ControlAction = "start_mission"
)

// ControlRequest travels over the registry's control channel from a
// CLI client to the serving process, which hosts the engines. Delivery
// is at-most-once: a request published while no server is subscribed
// is lost, and clients detect that by watching the store for the state
// transition they asked for.
type ControlRequest struct {
	Action    ControlAction `json:"action"`
	LabID     string        `json:"lab_id,omitempty"`
	MissionID string        `json:"mission_id,omitempty"`

	// RequestID is the caller-chosen deployment identifier. Replays
	// under the same ID are idempotent.
	RequestID string `json:"request_id,omitempty"`

	// Backend overrides the intent's backend for a deploy. Nil means
	// deploy where the intent says.
	Backend *BackendRef `json:"backend,omitempty"`

	At time.Time `json:"at,omitempty"`
}

// Validate checks the fields the action needs.
func (r ControlRequest) Validate() error {
	switch r.Action {
	case ControlDeploy:
		if r.LabID == "" || r.RequestID == "" {
			return fmt.Errorf("deploy request needs lab_id and request_id")
		}
	case ControlDestroy:
		if r.LabID == "" {
			return fmt.Errorf("destroy request needs lab_id")
		}
	case ControlStartMission:
		if r.MissionID == "" {
			return fmt.Errorf("start_mission request needs mission_id")
		}
	default:
		return fmt.Errorf("unknown control action %q", r.Action)
	}
	return nil
}
