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

// Package registry is the live inventory: one hash per resource
// identity, a set per lab, and a pub/sub change feed. It is the only
// view of the world the deployment engine, drift detector and mission
// engine consult at runtime; nothing else holds resource state in
// process memory.
package registry

import (
	"context"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
)

// Interface is the registry surface consumed by the rest of the
// control plane.
type Interface interface {
	// Observe upserts one observation, bumps the identity's version
	// and publishes registered/state_changed/address_changed events
	// for whatever actually changed. It returns the stored version.
	Observe(ctx context.Context, res api.Resource, correlationID string) (int64, error)

	// Get returns the resource or a ResourceMissing fault.
	Get(ctx context.Context, id api.Identity) (api.Resource, error)

	// Remove deletes the resource and publishes a deleted event.
	// Removing an absent identity is not an error.
	Remove(ctx context.Context, id api.Identity, correlationID string) error

	// MarkMissing flips the resource to unknown if its last
	// observation is older than grace. It reports whether this call
	// performed the transition; concurrent detectors get false.
	MarkMissing(ctx context.Context, id api.Identity, grace time.Duration, correlationID string) (bool, error)

	// Snapshot returns every resource tagged with the lab, ordered by
	// identity.
	Snapshot(ctx context.Context, labID string) (*api.Snapshot, error)

	// Identities lists the known identities of one kind on one
	// backend, for reconciling against live listings.
	Identities(ctx context.Context, ref api.BackendRef, kind api.ResourceKind) ([]api.Identity, error)

	// Publish emits a bare event (deploy or mission progress, drift).
	Publish(ctx context.Context, ev api.Event) error

	// Subscribe delivers events from one channel until ctx is done.
	// The returned channel closes when delivery stops.
	Subscribe(ctx context.Context, channel string) (<-chan api.Event, error)

	// DriftItems returns the lab's recorded divergences, ordered by
	// finding key.
	DriftItems(ctx context.Context, labID string) ([]api.DriftItem, error)

	// SetDriftItems replaces the lab's recorded divergences.
	SetDriftItems(ctx context.Context, labID string, items []api.DriftItem) error

	// SetLabStatus records the lab's health summary.
	SetLabStatus(ctx context.Context, labID, status string) error

	// LabStatus returns the recorded summary, "" if never set.
	LabStatus(ctx context.Context, labID string) (string, error)
}

// Options connects a Store.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store implements Interface on Redis.
type Store struct {
	rdb   *redis.Client
	log   logr.Logger
	clock clock.PassiveClock
}

var _ Interface = (*Store)(nil)

// New dials the registry. Liveness is not checked here; call Ping.
func New(log logr.Logger, opts Options) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		log:   log,
		clock: clock.RealClock{},
	}
}

// WithClock replaces the store's clock. Tests that steer staleness
// windows use it; production code never calls it.
func (s *Store) WithClock(c clock.PassiveClock) *Store {
	s.clock = c
	return s
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return faults.Wrap(err, faults.BackendUnreachable, "registry ping")
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func resourceKey(id api.Identity) string {
	return "rf:res:" + id.String()
}

func labKey(labID string) string {
	return "rf:lab:" + labID
}

func indexKey(ref api.BackendRef, kind api.ResourceKind) string {
	return "rf:idx:" + ref.String() + ":" + string(kind)
}

// Observe implements Interface.
func (s *Store) Observe(ctx context.Context, res api.Resource, correlationID string) (int64, error) {
	if res.Identity.IsZero() {
		return 0, faults.New(faults.Internal, "observe: empty identity")
	}
	if res.LastSeen.IsZero() {
		res.LastSeen = s.clock.Now()
	}
	key := resourceKey(res.Identity)

	prior, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, faults.Wrap(err, faults.BackendUnreachable, "registry read %s", key)
	}
	existed := len(prior) > 0
	priorState := prior[fieldState]
	priorIP := prior[fieldIP]
	priorLab := prior[fieldLabID]

	fields, err := resourceFields(res)
	if err != nil {
		return 0, err
	}

	var version *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		version = pipe.HIncrBy(ctx, key, fieldVersion, 1)
		if res.LabID != "" {
			pipe.SAdd(ctx, labKey(res.LabID), res.Identity.String())
		}
		if priorLab != "" && priorLab != res.LabID {
			pipe.SRem(ctx, labKey(priorLab), res.Identity.String())
		}
		pipe.SAdd(ctx, indexKey(res.Identity.Ref(), res.Identity.Kind), res.Identity.String())
		return nil
	})
	if err != nil {
		return 0, faults.Wrap(err, faults.BackendUnreachable, "registry write %s", key)
	}
	v := version.Val()

	now := s.clock.Now()
	if !existed {
		s.publish(ctx, api.Event{
			Type:          api.EventResourceCreated,
			Identity:      res.Identity.String(),
			LabID:         res.LabID,
			Version:       v,
			At:            now,
			CorrelationID: correlationID,
			Fields:        map[string]string{"state": string(res.State), "name": res.Name},
		})
		return v, nil
	}
	changedState := priorState != string(res.State)
	changedIP := priorIP != res.IP
	if changedState {
		s.publish(ctx, api.Event{
			Type:          api.EventStateChanged,
			Identity:      res.Identity.String(),
			LabID:         res.LabID,
			Version:       v,
			At:            now,
			CorrelationID: correlationID,
			Fields:        map[string]string{"from": priorState, "to": string(res.State)},
		})
	}
	if changedIP {
		s.publish(ctx, api.Event{
			Type:          api.EventAddressChanged,
			Identity:      res.Identity.String(),
			LabID:         res.LabID,
			Version:       v,
			At:            now,
			CorrelationID: correlationID,
			Fields:        map[string]string{"from": priorIP, "to": res.IP},
		})
	}
	if !changedState && !changedIP && describedChanged(prior, fields) {
		s.publish(ctx, api.Event{
			Type:          api.EventResourceUpdated,
			Identity:      res.Identity.String(),
			LabID:         res.LabID,
			Version:       v,
			At:            now,
			CorrelationID: correlationID,
			Fields:        map[string]string{"name": res.Name},
		})
	}
	return v, nil
}

// Get implements Interface.
func (s *Store) Get(ctx context.Context, id api.Identity) (api.Resource, error) {
	fields, err := s.rdb.HGetAll(ctx, resourceKey(id)).Result()
	if err != nil {
		return api.Resource{}, faults.Wrap(err, faults.BackendUnreachable, "registry read %s", id)
	}
	if len(fields) == 0 {
		return api.Resource{}, faults.New(faults.ResourceMissing, "resource %s not in registry", id).WithIdentity(id.String())
	}
	return decodeResource(id, fields)
}

// Remove implements Interface.
func (s *Store) Remove(ctx context.Context, id api.Identity, correlationID string) error {
	key := resourceKey(id)
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return faults.Wrap(err, faults.BackendUnreachable, "registry read %s", id)
	}
	if len(fields) == 0 {
		return nil
	}
	res, err := decodeResource(id, fields)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if res.LabID != "" {
			pipe.SRem(ctx, labKey(res.LabID), id.String())
		}
		pipe.SRem(ctx, indexKey(id.Ref(), id.Kind), id.String())
		return nil
	})
	if err != nil {
		return faults.Wrap(err, faults.BackendUnreachable, "registry delete %s", id)
	}
	s.publish(ctx, api.Event{
		Type:          api.EventResourceDeleted,
		Identity:      id.String(),
		LabID:         res.LabID,
		Version:       res.Version + 1,
		At:            s.clock.Now(),
		CorrelationID: correlationID,
		Fields:        map[string]string{"name": res.Name},
	})
	return nil
}

// MarkMissing implements Interface. The check-and-set runs under WATCH
// so exactly one caller wins when detectors race.
func (s *Store) MarkMissing(ctx context.Context, id api.Identity, grace time.Duration, correlationID string) (bool, error) {
	key := resourceKey(id)
	var (
		transitioned bool
		labID        string
		version      *redis.IntCmd
	)
	txn := func(tx *redis.Tx) error {
		transitioned = false
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return nil
		}
		res, err := decodeResource(id, fields)
		if err != nil {
			return err
		}
		labID = res.LabID
		if res.State == api.StateUnknown {
			return nil
		}
		if s.clock.Now().Sub(res.LastSeen) <= grace {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldState, string(api.StateUnknown))
			version = pipe.HIncrBy(ctx, key, fieldVersion, 1)
			return nil
		})
		if err == nil {
			transitioned = true
		}
		return err
	}
	for i := 0; i < 3; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return false, faults.Wrap(err, faults.BackendUnreachable, "registry mark missing %s", id)
		}
		break
	}
	if !transitioned {
		return false, nil
	}
	s.publish(ctx, api.Event{
		Type:          api.EventStateChanged,
		Identity:      id.String(),
		LabID:         labID,
		Version:       version.Val(),
		At:            s.clock.Now(),
		CorrelationID: correlationID,
		Fields:        map[string]string{"to": string(api.StateUnknown), "reason": "observation_stale"},
	})
	return true, nil
}

// Snapshot implements Interface.
func (s *Store) Snapshot(ctx context.Context, labID string) (*api.Snapshot, error) {
	members, err := s.rdb.SMembers(ctx, labKey(labID)).Result()
	if err != nil {
		return nil, faults.Wrap(err, faults.BackendUnreachable, "registry snapshot %s", labID)
	}
	sort.Strings(members)
	snap := &api.Snapshot{LabID: labID, TakenAt: s.clock.Now()}
	for _, m := range members {
		id, err := api.ParseIdentity(m)
		if err != nil {
			s.log.Error(err, "skipping malformed lab member", "lab", labID, "member", m)
			continue
		}
		res, err := s.Get(ctx, id)
		if err != nil {
			// Identity left the registry between SMEMBERS and here.
			if faults.Is(err, faults.ResourceMissing) {
				continue
			}
			return nil, err
		}
		snap.Resources = append(snap.Resources, res)
	}
	return snap, nil
}

// Identities implements Interface.
func (s *Store) Identities(ctx context.Context, ref api.BackendRef, kind api.ResourceKind) ([]api.Identity, error) {
	members, err := s.rdb.SMembers(ctx, indexKey(ref, kind)).Result()
	if err != nil {
		return nil, faults.Wrap(err, faults.BackendUnreachable, "registry index %s/%s", ref, kind)
	}
	sort.Strings(members)
	ids := make([]api.Identity, 0, len(members))
	for _, m := range members {
		id, err := api.ParseIdentity(m)
		if err != nil {
			s.log.Error(err, "skipping malformed index member", "backend", ref.String(), "member", m)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
