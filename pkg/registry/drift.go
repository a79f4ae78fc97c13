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

package registry

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
)

// Drift records live next to the resources they describe so the
// detector, the CLI and dashboards share one view of what currently
// diverges. The detector owns the comparison; this file only stores
// its findings.

func driftKey(labID string) string {
	return "rf:drift:" + labID
}

func labStatusKey(labID string) string {
	return "rf:labstatus:" + labID
}

// DriftItems implements Interface.
func (s *Store) DriftItems(ctx context.Context, labID string) ([]api.DriftItem, error) {
	fields, err := s.rdb.HGetAll(ctx, driftKey(labID)).Result()
	if err != nil {
		return nil, faults.Wrap(err, faults.BackendUnreachable, "registry drift read %s", labID)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	items := make([]api.DriftItem, 0, len(keys))
	for _, k := range keys {
		var it api.DriftItem
		if err := json.Unmarshal([]byte(fields[k]), &it); err != nil {
			s.log.Error(err, "skipping malformed drift record", "lab", labID, "key", k)
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

// SetDriftItems implements Interface. An empty set clears the lab's
// records entirely.
func (s *Store) SetDriftItems(ctx context.Context, labID string, items []api.DriftItem) error {
	key := driftKey(labID)
	fields := make(map[string]interface{}, len(items))
	for _, it := range items {
		payload, err := json.Marshal(it)
		if err != nil {
			return faults.Wrap(err, faults.Internal, "encoding drift record %s", it.Key())
		}
		fields[it.Key()] = payload
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields)
		}
		return nil
	})
	if err != nil {
		return faults.Wrap(err, faults.BackendUnreachable, "registry drift write %s", labID)
	}
	return nil
}

// SetLabStatus implements Interface.
func (s *Store) SetLabStatus(ctx context.Context, labID, status string) error {
	if err := s.rdb.Set(ctx, labStatusKey(labID), status, 0).Err(); err != nil {
		return faults.Wrap(err, faults.BackendUnreachable, "registry lab status write %s", labID)
	}
	return nil
}

// LabStatus implements Interface. A lab nobody has judged yet reads as
// the empty string.
func (s *Store) LabStatus(ctx context.Context, labID string) (string, error) {
	v, err := s.rdb.Get(ctx, labStatusKey(labID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", faults.Wrap(err, faults.BackendUnreachable, "registry lab status read %s", labID)
	}
	return v, nil
}
