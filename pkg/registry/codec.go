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
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/rangeforge/rangeforge/pkg/api"
)

// Hash field names for one resource key. Version is written separately
// with HINCRBY and must never appear in the field map.
const (
	fieldName     = "name"
	fieldState    = "state"
	fieldLabID    = "lab_id"
	fieldIP       = "ip"
	fieldNICs     = "nics"
	fieldCPU      = "cpu"
	fieldMemory   = "memory_mib"
	fieldDisk     = "disk_gib"
	fieldOSFamily = "os_family"
	fieldUptime   = "uptime_seconds"
	fieldTags     = "tags"
	fieldLastSeen = "last_seen"
	fieldVersion  = "version"
)

func resourceFields(res api.Resource) (map[string]interface{}, error) {
	nics, err := json.Marshal(res.NICs)
	if err != nil {
		return nil, errors.Wrap(err, "encoding nics")
	}
	tags, err := json.Marshal(res.Tags)
	if err != nil {
		return nil, errors.Wrap(err, "encoding tags")
	}
	return map[string]interface{}{
		fieldName:     res.Name,
		fieldState:    string(res.State),
		fieldLabID:    res.LabID,
		fieldIP:       res.IP,
		fieldNICs:     string(nics),
		fieldCPU:      strconv.FormatInt(int64(res.CPU), 10),
		fieldMemory:   strconv.FormatInt(res.MemoryMiB, 10),
		fieldDisk:     strconv.FormatInt(res.DiskGiB, 10),
		fieldOSFamily: string(res.OSFamily),
		fieldUptime:   strconv.FormatInt(res.UptimeSeconds, 10),
		fieldTags:     string(tags),
		fieldLastSeen: res.LastSeen.UTC().Format(time.RFC3339Nano),
	}, nil
}

// describedFields are the hash fields compared for update detection.
// last_seen and uptime_seconds move on every poll and version is
// HINCRBY-managed, so none of them belong here; state and ip have
// their own event types.
var describedFields = []string{
	fieldName, fieldLabID, fieldNICs, fieldCPU,
	fieldMemory, fieldDisk, fieldOSFamily, fieldTags,
}

func describedChanged(prior map[string]string, next map[string]interface{}) bool {
	for _, k := range describedFields {
		nv, _ := next[k].(string)
		if prior[k] != nv {
			return true
		}
	}
	return false
}

func decodeResource(id api.Identity, fields map[string]string) (api.Resource, error) {
	res := api.Resource{
		Identity: id,
		Name:     fields[fieldName],
		State:    api.ResourceState(fields[fieldState]),
		LabID:    fields[fieldLabID],
		IP:       fields[fieldIP],
		OSFamily: api.OSFamily(fields[fieldOSFamily]),
	}
	if res.State == "" {
		res.State = api.StateUnknown
	}
	if raw := fields[fieldNICs]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &res.NICs); err != nil {
			return api.Resource{}, errors.Wrapf(err, "decoding nics for %s", id)
		}
	}
	if raw := fields[fieldTags]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &res.Tags); err != nil {
			return api.Resource{}, errors.Wrapf(err, "decoding tags for %s", id)
		}
	}
	if raw := fields[fieldCPU]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return api.Resource{}, errors.Wrapf(err, "decoding cpu for %s", id)
		}
		res.CPU = int32(n)
	}
	if raw := fields[fieldMemory]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return api.Resource{}, errors.Wrapf(err, "decoding memory for %s", id)
		}
		res.MemoryMiB = n
	}
	if raw := fields[fieldDisk]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return api.Resource{}, errors.Wrapf(err, "decoding disk for %s", id)
		}
		res.DiskGiB = n
	}
	if raw := fields[fieldUptime]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return api.Resource{}, errors.Wrapf(err, "decoding uptime for %s", id)
		}
		res.UptimeSeconds = n
	}
	if raw := fields[fieldVersion]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return api.Resource{}, errors.Wrapf(err, "decoding version for %s", id)
		}
		res.Version = n
	}
	if raw := fields[fieldLastSeen]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return api.Resource{}, errors.Wrapf(err, "decoding last_seen for %s", id)
		}
		res.LastSeen = ts
	}
	return res, nil
}
