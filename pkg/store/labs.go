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

type labIntentRow struct {
	LabID           string    `db:"lab_id"`
	BackendKind     string    `db:"backend_kind"`
	BackendInstance string    `db:"backend_instance"`
	Document        []byte    `db:"document"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r labIntentRow) intent() (*api.LabIntent, error) {
	var in api.LabIntent
	if err := json.Unmarshal(r.Document, &in); err != nil {
		return nil, errors.Wrapf(err, "decoding lab intent %s", r.LabID)
	}
	in.CreatedAt = r.CreatedAt
	return &in, nil
}

// SaveLabIntent upserts the intent document, keyed by lab ID.
func (s *Store) SaveLabIntent(ctx context.Context, in *api.LabIntent) error {
	doc, err := json.Marshal(in)
	if err != nil {
		return errors.Wrapf(err, "encoding lab intent %s", in.LabID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lab_intents (lab_id, backend_kind, backend_instance, document)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lab_id) DO UPDATE
		SET backend_kind = EXCLUDED.backend_kind,
		    backend_instance = EXCLUDED.backend_instance,
		    document = EXCLUDED.document`,
		in.LabID, string(in.Backend.Kind), in.Backend.Instance, doc)
	return classify(err, "saving lab intent %s", in.LabID)
}

// GetLabIntent returns the intent or a ResourceMissing fault.
func (s *Store) GetLabIntent(ctx context.Context, labID string) (*api.LabIntent, error) {
	var row labIntentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT lab_id, backend_kind, backend_instance, document, created_at
		FROM lab_intents WHERE lab_id = $1`, labID)
	if err != nil {
		return nil, classify(err, "lab intent %s", labID)
	}
	return row.intent()
}

// ListLabIntents returns every intent, oldest first.
func (s *Store) ListLabIntents(ctx context.Context) ([]*api.LabIntent, error) {
	var rows []labIntentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT lab_id, backend_kind, backend_instance, document, created_at
		FROM lab_intents ORDER BY created_at, lab_id`)
	if err != nil {
		return nil, classify(err, "listing lab intents")
	}
	out := make([]*api.LabIntent, 0, len(rows))
	for _, r := range rows {
		in, err := r.intent()
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

// DeleteLabIntent removes the intent; deleting an absent lab is fine.
func (s *Store) DeleteLabIntent(ctx context.Context, labID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM lab_intents WHERE lab_id = $1`, labID)
	return classify(err, "deleting lab intent %s", labID)
}
