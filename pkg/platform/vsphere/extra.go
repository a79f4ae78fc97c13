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

package vsphere

import (
	"sort"
	"strings"

	"github.com/vmware/govmomi/vim25/types"
)

// Ownership tags ride in the VM's extraConfig under guestinfo keys so
// they survive vMotion and need no tagging service. The platform tag
// "rangeforge:lab" becomes the VMX key "guestinfo.rangeforge.lab".
const extraConfigPrefix = "guestinfo."

func extraConfigKey(tag string) string {
	return extraConfigPrefix + strings.ReplaceAll(tag, ":", ".")
}

func tagFromExtraConfigKey(key string) (string, bool) {
	if !strings.HasPrefix(key, extraConfigPrefix+"rangeforge.") {
		return "", false
	}
	rest := strings.TrimPrefix(key, extraConfigPrefix)
	return strings.Replace(rest, ".", ":", 1), true
}

// extraConfig is data applied to a VM's guestInfo interface.
type extraConfig []types.BaseOptionValue

// SetTags records the ownership tags. Keys are sorted so the resulting
// spec is deterministic.
func (e *extraConfig) SetTags(tags map[string]string) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		*e = append(*e, &types.OptionValue{
			Key:   extraConfigKey(k),
			Value: tags[k],
		})
	}
}

// tagsFromOptions recovers the ownership tags from a VM's extraConfig.
func tagsFromOptions(opts []types.BaseOptionValue) map[string]string {
	tags := map[string]string{}
	for _, opt := range opts {
		optVal := opt.GetOptionValue()
		if optVal == nil {
			continue
		}
		tag, ok := tagFromExtraConfigKey(optVal.Key)
		if !ok {
			continue
		}
		if v, ok := optVal.Value.(string); ok {
			tags[tag] = v
		}
	}
	return tags
}
