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

// Package api holds the domain types shared across the control plane:
// resource identities and observed state, lab intents, network leases,
// exploit and mission descriptors, and the registry event envelope.
// Every type here serializes to JSON with snake_case field names; the
// same encoding is used on the registry wire and in store columns.
package api
