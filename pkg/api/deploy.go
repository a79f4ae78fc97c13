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

// DeployState is the lifecycle of one deployment request.
type DeployState string

const (
	DeployPending DeployState = "pending"
	DeployRunning DeployState = "running"
	// DeployCompleted: every node is live.
	DeployCompleted DeployState = "completed"
	// DeployCompletedWithErrors: the gateway and at least one tenant
	// are live but some tenant tasks failed or were skipped.
	DeployCompletedWithErrors DeployState = "completed_with_errors"
	DeployFailed              DeployState = "failed"
	DeployDestroyed           DeployState = "destroyed"
)

// Done reports whether the state is terminal.
func (s DeployState) Done() bool {
	switch s {
	case DeployCompleted, DeployCompletedWithErrors, DeployFailed, DeployDestroyed:
		return true
	}
	return false
}

// TaskState is the per-node progress within a deployment.
type TaskState string

const (
	TaskPending     TaskState = "pending"
	TaskCloning     TaskState = "cloning"
	TaskConfiguring TaskState = "configuring"
	TaskStarting    TaskState = "starting"
	TaskWaitingIP   TaskState = "waiting_ip"
	TaskLive        TaskState = "live"
	TaskFailed      TaskState = "failed"
	// TaskSkipped: a dependency failed, so this node never started.
	TaskSkipped TaskState = "skipped"
)

// Terminal reports whether the task reached an end state.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskLive, TaskFailed, TaskSkipped:
		return true
	}
	return false
}

// DeployRecord is the durable trace of one deployment request. Its ID
// is the caller-chosen request ID, which also namespaces every
// resource the deployment creates; replaying a request ID that already
// ran returns this record instead of cloning anything twice.
type DeployRecord struct {
	ID            string      `json:"id"`
	LabID         string      `json:"lab_id"`
	Backend       BackendRef  `json:"backend"`
	State         DeployState `json:"state"`
	Error         string      `json:"error,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty"`
}

// DeployTask is the durable trace of one node's build.
type DeployTask struct {
	DeployID  string    `json:"deploy_id"`
	Node      string    `json:"node"`
	State     TaskState `json:"state"`
	NativeID  string    `json:"native_id,omitempty"`
	FaultKind string    `json:"fault_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
