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

package store

import (
	"context"
	"time"

	"github.com/rangeforge/rangeforge/pkg/api"
)

type deployRow struct {
	ID              string     `db:"id"`
	LabID           string     `db:"lab_id"`
	BackendKind     string     `db:"backend_kind"`
	BackendInstance string     `db:"backend_instance"`
	State           string     `db:"state"`
	Error           string     `db:"error"`
	CorrelationID   string     `db:"correlation_id"`
	StartedAt       time.Time  `db:"started_at"`
	FinishedAt      *time.Time `db:"finished_at"`
}

func (r deployRow) record() api.DeployRecord {
	return api.DeployRecord{
		ID:            r.ID,
		LabID:         r.LabID,
		Backend:       api.BackendRef{Kind: api.BackendKind(r.BackendKind), Instance: r.BackendInstance},
		State:         api.DeployState(r.State),
		Error:         r.Error,
		CorrelationID: r.CorrelationID,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}
}

const deployColumns = `id, lab_id, backend_kind, backend_instance, state, error, correlation_id, started_at, finished_at`

// CreateDeploy inserts a new deployment record. Replaying an existing
// request ID surfaces as a NameCollision fault, which the engine turns
// into "return the previous outcome".
func (s *Store) CreateDeploy(ctx context.Context, rec api.DeployRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deploys (id, lab_id, backend_kind, backend_instance, state, correlation_id, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.LabID, string(rec.Backend.Kind), rec.Backend.Instance, string(rec.State), rec.CorrelationID, rec.StartedAt)
	return classify(err, "creating deploy %s", rec.ID)
}

// GetDeploy returns the record or a ResourceMissing fault.
func (s *Store) GetDeploy(ctx context.Context, id string) (api.DeployRecord, error) {
	var row deployRow
	err := s.db.GetContext(ctx, &row, `SELECT `+deployColumns+` FROM deploys WHERE id = $1`, id)
	if err != nil {
		return api.DeployRecord{}, classify(err, "deploy %s", id)
	}
	return row.record(), nil
}

// ListDeploysForLab returns the lab's deployments, newest first.
func (s *Store) ListDeploysForLab(ctx context.Context, labID string) ([]api.DeployRecord, error) {
	var rows []deployRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+deployColumns+` FROM deploys WHERE lab_id = $1 ORDER BY started_at DESC`, labID)
	if err != nil {
		return nil, classify(err, "listing deploys for lab %s", labID)
	}
	out := make([]api.DeployRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

// SetDeployState moves a running deployment between states.
func (s *Store) SetDeployState(ctx context.Context, id string, state api.DeployState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE deploys SET state = $2 WHERE id = $1`, id, string(state))
	return classify(err, "updating deploy %s", id)
}

// FinishDeploy records the terminal state and completion time.
func (s *Store) FinishDeploy(ctx context.Context, id string, state api.DeployState, errMsg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deploys SET state = $2, error = $3, finished_at = $4 WHERE id = $1`,
		id, string(state), errMsg, at)
	return classify(err, "finishing deploy %s", id)
}

// UpsertDeployTask writes one node's current task state.
func (s *Store) UpsertDeployTask(ctx context.Context, task api.DeployTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deploy_tasks (deploy_id, node, state, native_id, fault_kind, message)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (deploy_id, node) DO UPDATE
		SET state = EXCLUDED.state,
		    native_id = EXCLUDED.native_id,
		    fault_kind = EXCLUDED.fault_kind,
		    message = EXCLUDED.message,
		    updated_at = now()`,
		task.DeployID, task.Node, string(task.State), task.NativeID, task.FaultKind, task.Message)
	return classify(err, "saving task %s of deploy %s", task.Node, task.DeployID)
}

// ListDeployTasks returns the deployment's per-node trace ordered by
// node name.
func (s *Store) ListDeployTasks(ctx context.Context, deployID string) ([]api.DeployTask, error) {
	type taskRow struct {
		DeployID  string    `db:"deploy_id"`
		Node      string    `db:"node"`
		State     string    `db:"state"`
		NativeID  string    `db:"native_id"`
		FaultKind string    `db:"fault_kind"`
		Message   string    `db:"message"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT deploy_id, node, state, native_id, fault_kind, message, updated_at
		FROM deploy_tasks WHERE deploy_id = $1 ORDER BY node`, deployID)
	if err != nil {
		return nil, classify(err, "listing tasks of deploy %s", deployID)
	}
	out := make([]api.DeployTask, len(rows))
	for i, r := range rows {
		out[i] = api.DeployTask{
			DeployID:  r.DeployID,
			Node:      r.Node,
			State:     api.TaskState(r.State),
			NativeID:  r.NativeID,
			FaultKind: r.FaultKind,
			Message:   r.Message,
			UpdatedAt: r.UpdatedAt,
		}
	}
	return out, nil
}
