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
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/rangeforge/rangeforge/pkg/api"
)

// The mission document holds the immutable request (target, exploit
// list, credential secret name); run state lives in columns so it can
// be updated and queried without rewriting the document.

type missionRow struct {
	ID              string    `db:"id"`
	Document        []byte    `db:"document"`
	State           string    `db:"state"`
	Progress        int       `db:"progress"`
	TargetIP        string    `db:"target_ip"`
	CorrelationID   string    `db:"correlation_id"`
	Error           string    `db:"error"`
	CancelRequested bool      `db:"cancel_requested"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r missionRow) mission() (*api.Mission, error) {
	var m api.Mission
	if err := json.Unmarshal(r.Document, &m); err != nil {
		return nil, errors.Wrapf(err, "decoding mission %s", r.ID)
	}
	m.ID = r.ID
	m.State = api.MissionState(r.State)
	m.Progress = r.Progress
	m.TargetIP = r.TargetIP
	m.CorrelationID = r.CorrelationID
	m.Error = r.Error
	m.CancelRequested = r.CancelRequested
	m.CreatedAt = r.CreatedAt
	m.UpdatedAt = r.UpdatedAt
	return &m, nil
}

const missionColumns = `id, document, state, progress, target_ip, correlation_id, error, cancel_requested, created_at, updated_at`

// CreateMission persists a new mission in state pending. A duplicate
// ID surfaces as a NameCollision fault.
func (s *Store) CreateMission(ctx context.Context, m *api.Mission) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return errors.Wrapf(err, "encoding mission %s", m.ID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO missions (id, backend_kind, backend_instance, document, state, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, string(m.Backend.Kind), m.Backend.Instance, doc, string(api.MissionPending), m.CorrelationID)
	return classify(err, "creating mission %s", m.ID)
}

// GetMission returns the mission or a ResourceMissing fault.
func (s *Store) GetMission(ctx context.Context, id string) (*api.Mission, error) {
	var row missionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+missionColumns+` FROM missions WHERE id = $1`, id)
	if err != nil {
		return nil, classify(err, "mission %s", id)
	}
	return row.mission()
}

// ListMissions returns missions newest first.
func (s *Store) ListMissions(ctx context.Context) ([]*api.Mission, error) {
	var rows []missionRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+missionColumns+` FROM missions ORDER BY created_at DESC`)
	if err != nil {
		return nil, classify(err, "listing missions")
	}
	out := make([]*api.Mission, 0, len(rows))
	for _, r := range rows {
		m, err := r.mission()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// SetMissionStatus updates the mutable run state.
func (s *Store) SetMissionStatus(ctx context.Context, id string, state api.MissionState, progress int, targetIP, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE missions
		SET state = $2, progress = $3, target_ip = $4, error = $5, updated_at = now()
		WHERE id = $1`,
		id, string(state), progress, targetIP, errMsg)
	return classify(err, "updating mission %s", id)
}

// RequestMissionCancel flags a running mission for cooperative
// cancellation. It reports whether the flag landed on a mission that
// could still observe it.
func (s *Store) RequestMissionCancel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE missions SET cancel_requested = TRUE, updated_at = now()
		WHERE id = $1 AND state NOT IN ($2, $3, $4)`,
		id, string(api.MissionCompleted), string(api.MissionFailed), string(api.MissionCancelled))
	if err != nil {
		return false, classify(err, "cancelling mission %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err, "cancelling mission %s", id)
	}
	return n > 0, nil
}

// MissionCancelRequested reads the cancel flag; the engine polls it at
// step boundaries.
func (s *Store) MissionCancelRequested(ctx context.Context, id string) (bool, error) {
	var cancel bool
	err := s.db.GetContext(ctx, &cancel, `SELECT cancel_requested FROM missions WHERE id = $1`, id)
	if err != nil {
		return false, classify(err, "mission %s", id)
	}
	return cancel, nil
}

// SaveStepResult upserts one step's outcome.
func (s *Store) SaveStepResult(ctx context.Context, r api.StepResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mission_steps (mission_id, idx, exploit, outcome, exit_code, stdout, stderr, fault_kind, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (mission_id, idx) DO UPDATE
		SET outcome = EXCLUDED.outcome,
		    exit_code = EXCLUDED.exit_code,
		    stdout = EXCLUDED.stdout,
		    stderr = EXCLUDED.stderr,
		    fault_kind = EXCLUDED.fault_kind,
		    started_at = EXCLUDED.started_at,
		    finished_at = EXCLUDED.finished_at`,
		r.MissionID, r.Index, r.Exploit, string(r.Outcome), r.ExitCode, r.Stdout, r.Stderr, r.FaultKind, r.StartedAt, r.FinishedAt)
	return classify(err, "saving step %d of mission %s", r.Index, r.MissionID)
}

// ListStepResults returns the mission's steps in order.
func (s *Store) ListStepResults(ctx context.Context, missionID string) ([]api.StepResult, error) {
	type stepRow struct {
		MissionID  string    `db:"mission_id"`
		Idx        int       `db:"idx"`
		Exploit    string    `db:"exploit"`
		Outcome    string    `db:"outcome"`
		ExitCode   int       `db:"exit_code"`
		Stdout     string    `db:"stdout"`
		Stderr     string    `db:"stderr"`
		FaultKind  string    `db:"fault_kind"`
		StartedAt  time.Time `db:"started_at"`
		FinishedAt time.Time `db:"finished_at"`
	}
	var rows []stepRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT mission_id, idx, exploit, outcome, exit_code, stdout, stderr, fault_kind, started_at, finished_at
		FROM mission_steps WHERE mission_id = $1 ORDER BY idx`, missionID)
	if err != nil {
		return nil, classify(err, "listing steps of mission %s", missionID)
	}
	out := make([]api.StepResult, len(rows))
	for i, r := range rows {
		out[i] = api.StepResult{
			MissionID:  r.MissionID,
			Index:      r.Idx,
			Exploit:    r.Exploit,
			Outcome:    api.StepOutcome(r.Outcome),
			ExitCode:   r.ExitCode,
			Stdout:     r.Stdout,
			Stderr:     r.Stderr,
			FaultKind:  r.FaultKind,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
		}
	}
	return out, nil
}

// SaveValidationResult appends one probe observation.
func (s *Store) SaveValidationResult(ctx context.Context, r api.ValidationResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO validation_results (mission_id, exploit, test_name, outcome, latency_ms, evidence, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.MissionID, r.Exploit, r.TestName, string(r.Outcome), r.LatencyMS, r.Evidence, r.At)
	return classify(err, "saving validation %s of mission %s", r.TestName, r.MissionID)
}

// ListValidationResults returns the mission's probe results in
// insertion order.
func (s *Store) ListValidationResults(ctx context.Context, missionID string) ([]api.ValidationResult, error) {
	type valRow struct {
		MissionID string    `db:"mission_id"`
		Exploit   string    `db:"exploit"`
		TestName  string    `db:"test_name"`
		Outcome   string    `db:"outcome"`
		LatencyMS int64     `db:"latency_ms"`
		Evidence  string    `db:"evidence"`
		At        time.Time `db:"at"`
	}
	var rows []valRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT mission_id, exploit, test_name, outcome, latency_ms, evidence, at
		FROM validation_results WHERE mission_id = $1 ORDER BY id`, missionID)
	if err != nil {
		return nil, classify(err, "listing validations of mission %s", missionID)
	}
	out := make([]api.ValidationResult, len(rows))
	for i, r := range rows {
		out[i] = api.ValidationResult{
			MissionID: r.MissionID,
			Exploit:   r.Exploit,
			TestName:  r.TestName,
			Outcome:   api.ProbeOutcome(r.Outcome),
			LatencyMS: r.LatencyMS,
			Evidence:  r.Evidence,
			At:        r.At,
		}
	}
	return out, nil
}
