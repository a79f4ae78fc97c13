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

// Package version holds the build version stamped in by the linker.
package version

import "fmt"

// Version is overridden at build time via
// -ldflags "-X github.com/rangeforge/rangeforge/pkg/version.Version=...".
var Version = "dev"

// UserAgent identifies this build to backend APIs.
func UserAgent() string {
	return fmt.Sprintf("rangeforge/%s", Version)
}
