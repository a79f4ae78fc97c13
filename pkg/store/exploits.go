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

type exploitRow struct {
	Name      string    `db:"name"`
	Document  []byte    `db:"document"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r exploitRow) exploit() (*api.Exploit, error) {
	var e api.Exploit
	if err := json.Unmarshal(r.Document, &e); err != nil {
		return nil, errors.Wrapf(err, "decoding exploit %s", r.Name)
	}
	e.CreatedAt = r.CreatedAt
	e.UpdatedAt = r.UpdatedAt
	return &e, nil
}

// UpsertExploit writes a catalog entry, keyed by name.
func (s *Store) UpsertExploit(ctx context.Context, e *api.Exploit) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return errors.Wrapf(err, "encoding exploit %s", e.Name)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exploits (name, type, severity, os_family, cve, document)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE
		SET type = EXCLUDED.type,
		    severity = EXCLUDED.severity,
		    os_family = EXCLUDED.os_family,
		    cve = EXCLUDED.cve,
		    document = EXCLUDED.document,
		    updated_at = now()`,
		e.Name, string(e.Type), e.Severity, string(e.OSFamily), e.CVE, doc)
	return classify(err, "saving exploit %s", e.Name)
}

// GetExploit returns the catalog entry or a ResourceMissing fault.
func (s *Store) GetExploit(ctx context.Context, name string) (*api.Exploit, error) {
	var row exploitRow
	err := s.db.GetContext(ctx, &row, `
		SELECT name, document, created_at, updated_at FROM exploits WHERE name = $1`, name)
	if err != nil {
		return nil, classify(err, "exploit %s", name)
	}
	return row.exploit()
}

// ListExploits returns the catalog ordered by name.
func (s *Store) ListExploits(ctx context.Context) ([]*api.Exploit, error) {
	var rows []exploitRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT name, document, created_at, updated_at FROM exploits ORDER BY name`)
	if err != nil {
		return nil, classify(err, "listing exploits")
	}
	out := make([]*api.Exploit, 0, len(rows))
	for _, r := range rows {
		e, err := r.exploit()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// DeleteExploit removes a catalog entry.
func (s *Store) DeleteExploit(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM exploits WHERE name = $1`, name)
	return classify(err, "deleting exploit %s", name)
}
