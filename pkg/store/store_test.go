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
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewWithDB(logr.Discard(), sqlx.NewDb(db, "sqlmock")), mock
}

func TestCreateLeaseUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO network_leases`).
		WithArgs("l1", 100, "10.40.100.0/24", "10.40.100.1", "lab-1", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})

	err := s.CreateLease(context.Background(), api.Lease{
		ID: "l1", VLAN: 100, CIDR: "10.40.100.0/24", GatewayIP: "10.40.100.1",
		LabID: "lab-1", AcquiredAt: time.Now(),
	})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.NameCollision), "got %v", err)
}

func TestActiveLeaseForLabMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM network_leases`).
		WithArgs("lab-9").
		WillReturnError(sql.ErrNoRows)

	_, err := s.ActiveLeaseForLab(context.Background(), "lab-9")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.ResourceMissing), "got %v", err)
}

func TestReleasedSince(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Now().Add(-3 * time.Minute)
	released := time.Now().Add(-time.Minute)
	mock.ExpectQuery(`SELECT .+ FROM network_leases\s+WHERE released_at >=`).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id", "vlan", "cidr", "gateway_ip", "lab_id", "acquired_at", "released_at"}).
			AddRow("l1", 101, "10.40.101.0/24", "10.40.101.1", "lab-1", time.Now().Add(-time.Hour), released))

	got, err := s.ReleasedSince(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 101, got[0].VLAN)
	require.NotNil(t, got[0].ReleasedAt)
	assert.False(t, got[0].Active())
}

func TestLabIntentRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)
	in := &api.LabIntent{
		LabID:   "lab-1",
		Backend: api.BackendRef{Kind: api.BackendVSphere, Instance: "dc01"},
		Gateway: api.NodeSpec{Name: "gw", Template: "pfsense-27"},
		Nodes:   []api.NodeSpec{{Name: "web", Template: "ubuntu-2204"}},
	}

	mock.ExpectExec(`INSERT INTO lab_intents`).
		WithArgs("lab-1", "vsphere", "dc01", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SaveLabIntent(context.Background(), in))

	doc, err := json.Marshal(in)
	require.NoError(t, err)
	created := time.Now().Add(-time.Hour)
	mock.ExpectQuery(`SELECT .+ FROM lab_intents WHERE lab_id`).
		WithArgs("lab-1").
		WillReturnRows(sqlmock.NewRows([]string{"lab_id", "backend_kind", "backend_instance", "document", "created_at"}).
			AddRow("lab-1", "vsphere", "dc01", doc, created))

	got, err := s.GetLabIntent(context.Background(), "lab-1")
	require.NoError(t, err)
	assert.Equal(t, in.Backend, got.Backend)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, "web", got.Nodes[0].Name)
	assert.Equal(t, created, got.CreatedAt)
}

func TestGetLabIntentMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM lab_intents WHERE lab_id`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetLabIntent(context.Background(), "ghost")
	assert.True(t, faults.Is(err, faults.ResourceMissing))
}

func TestMissionLifecycle(t *testing.T) {
	s, mock := newMockStore(t)
	m := &api.Mission{
		ID:               "m-1",
		Backend:          api.BackendRef{Kind: api.BackendAWS, Instance: "use1"},
		TargetIdentity:   "aws/use1/vm/i-0abc",
		Exploits:         []string{"weak-ssh-keys", "log4shell"},
		CredentialSecret: "m1-target-cred",
		CorrelationID:    "corr-7",
	}

	mock.ExpectExec(`INSERT INTO missions`).
		WithArgs("m-1", "aws", "use1", sqlmock.AnyArg(), "pending", "corr-7").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.CreateMission(context.Background(), m))

	mock.ExpectExec(`UPDATE missions\s+SET state =`).
		WithArgs("m-1", "injecting", 50, "10.40.101.20", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SetMissionStatus(context.Background(), "m-1", api.MissionInjecting, 50, "10.40.101.20", ""))

	mock.ExpectExec(`UPDATE missions SET cancel_requested = TRUE`).
		WithArgs("m-1", "completed", "failed", "cancelled").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.RequestMissionCancel(context.Background(), "m-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Terminal missions cannot be flagged.
	mock.ExpectExec(`UPDATE missions SET cancel_requested = TRUE`).
		WithArgs("m-1", "completed", "failed", "cancelled").
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = s.RequestMissionCancel(context.Background(), "m-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetMissionOverlaysRunState(t *testing.T) {
	s, mock := newMockStore(t)
	m := &api.Mission{
		ID:               "m-1",
		Backend:          api.BackendRef{Kind: api.BackendVSphere, Instance: "dc01"},
		TargetIdentity:   "vsphere/dc01/vm/u1",
		Exploits:         []string{"weak-ssh-keys"},
		CredentialSecret: "cred",
	}
	doc, err := json.Marshal(m)
	require.NoError(t, err)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM missions WHERE id`).
		WithArgs("m-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "document", "state", "progress", "target_ip", "correlation_id", "error", "cancel_requested", "created_at", "updated_at"}).
			AddRow("m-1", doc, "verifying", 80, "10.40.101.20", "corr-7", "", true, now, now))

	got, err := s.GetMission(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, api.MissionVerifying, got.State)
	assert.Equal(t, 80, got.Progress)
	assert.Equal(t, "10.40.101.20", got.TargetIP)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, []string{"weak-ssh-keys"}, got.Exploits)
}

func TestSaveStepResult(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectExec(`INSERT INTO mission_steps`).
		WithArgs("m-1", 0, "weak-ssh-keys", "succeeded", 0, "ok", "", "", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SaveStepResult(context.Background(), api.StepResult{
		MissionID: "m-1", Index: 0, Exploit: "weak-ssh-keys",
		Outcome: api.StepSucceeded, Stdout: "ok", StartedAt: now, FinishedAt: now,
	})
	require.NoError(t, err)
}

func TestDeployRecordLifecycle(t *testing.T) {
	s, mock := newMockStore(t)
	started := time.Now()
	rec := api.DeployRecord{
		ID:        "req-42",
		LabID:     "lab-1",
		Backend:   api.BackendRef{Kind: api.BackendVSphere, Instance: "dc01"},
		State:     api.DeployRunning,
		StartedAt: started,
	}

	mock.ExpectExec(`INSERT INTO deploys`).
		WithArgs("req-42", "lab-1", "vsphere", "dc01", "running", "", started).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.CreateDeploy(context.Background(), rec))

	// Replaying the same request ID collides.
	mock.ExpectExec(`INSERT INTO deploys`).
		WithArgs("req-42", "lab-1", "vsphere", "dc01", "running", "", started).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})
	err := s.CreateDeploy(context.Background(), rec)
	assert.True(t, faults.Is(err, faults.NameCollision))

	finished := started.Add(5 * time.Minute)
	mock.ExpectExec(`UPDATE deploys SET state =`).
		WithArgs("req-42", "completed_with_errors", "1 of 3 tenants failed", finished).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.FinishDeploy(context.Background(), "req-42", api.DeployCompletedWithErrors, "1 of 3 tenants failed", finished))
}

func TestUpsertDeployTask(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO deploy_tasks`).
		WithArgs("req-42", "web", "live", "vm-1042", "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertDeployTask(context.Background(), api.DeployTask{
		DeployID: "req-42", Node: "web", State: api.TaskLive, NativeID: "vm-1042",
	})
	require.NoError(t, err)
}

func TestExploitMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM exploits WHERE name`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetExploit(context.Background(), "nope")
	assert.True(t, faults.Is(err, faults.ResourceMissing))
}
