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

// EventType names one change-feed event class.
type EventType string

const (
	// EventResourceCreated fires on a resource's first observation;
	// EventResourceUpdated on later observations that change it in a
	// way no more specific event describes. Unchanged re-observations
	// bump the version silently.
	EventResourceCreated   EventType = "created"
	EventResourceUpdated   EventType = "updated"
	EventStateChanged      EventType = "state_changed"
	EventAddressChanged    EventType = "address_changed"
	EventResourceDeleted   EventType = "deleted"
	EventDriftDetected     EventType = "drift_detected"
	EventDriftResolved     EventType = "drift_resolved"
	EventReconcileStart    EventType = "reconcile_start"
	EventReconcileComplete EventType = "reconcile_complete"
	EventReconcileFailed   EventType = "reconcile_failed"
	EventDeployProgress    EventType = "deploy_progress"
	EventMissionProgress   EventType = "mission_progress"
	EventAgentHeartbeat    EventType = "agent_heartbeat"
)

// Event is the envelope published on the registry bus. Version carries
// the resource's post-write version for resource events and is zero
// otherwise; consumers use it to discard stale updates after
// reconnects. Fields holds small event-specific details such as the
// prior and new state.
type Event struct {
	Type          EventType         `json:"event_type"`
	Identity      string            `json:"resource_id,omitempty"`
	LabID         string            `json:"lab_id,omitempty"`
	Version       int64             `json:"version,omitempty"`
	At            time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Fields        map[string]string `json:"data,omitempty"`
}
