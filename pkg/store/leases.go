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

// The lease methods implement netalloc.LeaseStore. The partial unique
// index on active VLANs turns allocator races into NameCollision
// faults, which the allocator treats as "try the next candidate".

const leaseColumns = `id, vlan, cidr, gateway_ip, lab_id, acquired_at, released_at`

type leaseRow struct {
	ID         string     `db:"id"`
	VLAN       int        `db:"vlan"`
	CIDR       string     `db:"cidr"`
	GatewayIP  string     `db:"gateway_ip"`
	LabID      string     `db:"lab_id"`
	AcquiredAt time.Time  `db:"acquired_at"`
	ReleasedAt *time.Time `db:"released_at"`
}

func (r leaseRow) lease() api.Lease {
	return api.Lease{
		ID:         r.ID,
		VLAN:       r.VLAN,
		CIDR:       r.CIDR,
		GatewayIP:  r.GatewayIP,
		LabID:      r.LabID,
		AcquiredAt: r.AcquiredAt,
		ReleasedAt: r.ReleasedAt,
	}
}

func leases(rows []leaseRow) []api.Lease {
	out := make([]api.Lease, len(rows))
	for i, r := range rows {
		out[i] = r.lease()
	}
	return out
}

// ActiveLeases returns every unreleased lease.
func (s *Store) ActiveLeases(ctx context.Context) ([]api.Lease, error) {
	var rows []leaseRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+leaseColumns+` FROM network_leases
		WHERE released_at IS NULL ORDER BY vlan`)
	if err != nil {
		return nil, classify(err, "listing active leases")
	}
	return leases(rows), nil
}

// ReleasedSince returns leases released at or after the cutoff.
func (s *Store) ReleasedSince(ctx context.Context, cutoff time.Time) ([]api.Lease, error) {
	var rows []leaseRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+leaseColumns+` FROM network_leases
		WHERE released_at >= $1 ORDER BY vlan`, cutoff)
	if err != nil {
		return nil, classify(err, "listing cooling leases")
	}
	return leases(rows), nil
}

// CreateLease inserts a new active lease.
func (s *Store) CreateLease(ctx context.Context, lease api.Lease) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO network_leases (id, vlan, cidr, gateway_ip, lab_id, acquired_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		lease.ID, lease.VLAN, lease.CIDR, lease.GatewayIP, lease.LabID, lease.AcquiredAt)
	return classify(err, "creating lease vlan %d for lab %s", lease.VLAN, lease.LabID)
}

// ReleaseLease stamps the release time once; later calls change
// nothing.
func (s *Store) ReleaseLease(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE network_leases SET released_at = $2
		WHERE id = $1 AND released_at IS NULL`, id, at)
	return classify(err, "releasing lease %s", id)
}

// ActiveLeaseForLab returns the lab's current lease or ResourceMissing.
func (s *Store) ActiveLeaseForLab(ctx context.Context, labID string) (api.Lease, error) {
	var row leaseRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+leaseColumns+` FROM network_leases
		WHERE lab_id = $1 AND released_at IS NULL`, labID)
	if err != nil {
		return api.Lease{}, classify(err, "active lease for lab %s", labID)
	}
	return row.lease(), nil
}
