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

package api

import (
	"fmt"
	"time"
)

// ExploitType categorizes what an exploit weakens on the target. The
// injection mechanism is not part of the type: an entry carries either
// an inline Script or a PlaybookPath, and the engine runs whichever is
// set.
type ExploitType string

const (
	ExploitWeb        ExploitType = "web"
	ExploitNetwork    ExploitType = "network"
	ExploitPrivesc    ExploitType = "privesc"
	ExploitCredential ExploitType = "credential"
	ExploitMisconfig  ExploitType = "misconfig"
	ExploitAD         ExploitType = "ad"
	ExploitCustom     ExploitType = "custom"
)

// ExploitTypes is the closed set catalog validation accepts.
var ExploitTypes = []ExploitType{
	ExploitWeb, ExploitNetwork, ExploitPrivesc, ExploitCredential,
	ExploitMisconfig, ExploitAD, ExploitCustom,
}

// ProbeType selects how a verification probe observes the target.
type ProbeType string

const (
	// ProbeTCP dials the target address and passes on connect.
	ProbeTCP ProbeType = "tcp"
	// ProbeHTTP fetches a URL and matches status or body substring.
	ProbeHTTP ProbeType = "http"
	// ProbeWeakCreds attempts logins with known-weak credential pairs.
	ProbeWeakCreds ProbeType = "weak_creds"
	// ProbeCommand runs a command in-session and matches its output.
	ProbeCommand ProbeType = "command"
)

// Probe declares one post-injection check that the exploit actually
// took effect on the target.
type Probe struct {
	Name   string    `json:"name" yaml:"name"`
	Type   ProbeType `json:"type" yaml:"type"`
	Target string    `json:"target" yaml:"target"`
	Expect string    `json:"expect,omitempty" yaml:"expect,omitempty"`
}

// Exploit is a catalog entry describing one injectable weakness and
// how to verify it. Exactly one of Script or PlaybookPath is set.
type Exploit struct {
	Name     string      `json:"name" yaml:"name"`
	Type     ExploitType `json:"type" yaml:"type"`
	Severity int         `json:"severity,omitempty" yaml:"severity,omitempty"`
	OSFamily OSFamily    `json:"os_family" yaml:"os_family"`
	CVE      string      `json:"cve,omitempty" yaml:"cve,omitempty"`

	// FatalOnFail stops the mission when this exploit's step fails;
	// by default a failed step is recorded and the mission moves on.
	FatalOnFail bool `json:"fatal_on_fail,omitempty" yaml:"fatal_on_fail,omitempty"`

	Script       string            `json:"script,omitempty" yaml:"script,omitempty"`
	PlaybookPath string            `json:"playbook_path,omitempty" yaml:"playbook_path,omitempty"`
	Vars         map[string]string `json:"vars,omitempty" yaml:"vars,omitempty"`

	Probes []Probe `json:"probes,omitempty" yaml:"probes,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// Validate checks a catalog entry before it is stored: a known
// category and exactly one injection mechanism.
func (e *Exploit) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("exploit needs a name")
	}
	known := false
	for _, t := range ExploitTypes {
		if e.Type == t {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("exploit %s: unknown type %q", e.Name, e.Type)
	}
	if (e.Script == "") == (e.PlaybookPath == "") {
		return fmt.Errorf("exploit %s: exactly one of script and playbook_path must be set", e.Name)
	}
	return nil
}

// MissionState is the lifecycle of a mission run.
type MissionState string

const (
	MissionPending     MissionState = "pending"
	MissionStarting    MissionState = "starting"
	MissionDeployingVM MissionState = "deploying_vm"
	MissionInjecting   MissionState = "injecting"
	MissionVerifying   MissionState = "verifying"
	MissionCompleted   MissionState = "completed"
	MissionFailed      MissionState = "failed"
	MissionCancelled   MissionState = "cancelled"
)

// Done reports whether the state is terminal.
func (s MissionState) Done() bool {
	switch s {
	case MissionCompleted, MissionFailed, MissionCancelled:
		return true
	}
	return false
}

// Mission binds an ordered list of exploits to one target. The target
// is either an existing registry resource (TargetIdentity) or an
// ephemeral VM the engine clones first (TargetSpec).
type Mission struct {
	ID      string     `json:"id" yaml:"id"`
	Backend BackendRef `json:"backend" yaml:"backend"`

	TargetIdentity string    `json:"target_identity,omitempty" yaml:"target_identity,omitempty"`
	TargetSpec     *NodeSpec `json:"target_spec,omitempty" yaml:"target_spec,omitempty"`

	Exploits []string `json:"exploits" yaml:"exploits"`

	// CredentialSecret names the secret holding the session
	// credentials for the target. The value never appears here.
	CredentialSecret string `json:"credential_secret" yaml:"credential_secret"`

	State         MissionState `json:"state" yaml:"-"`
	Progress      int          `json:"progress" yaml:"-"`
	TargetIP      string       `json:"target_ip,omitempty" yaml:"-"`
	CorrelationID string       `json:"correlation_id,omitempty" yaml:"-"`
	Error         string       `json:"error,omitempty" yaml:"-"`

	CancelRequested bool `json:"cancel_requested,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// StepOutcome is the terminal result of one mission step.
type StepOutcome string

const (
	StepSucceeded StepOutcome = "succeeded"
	StepFailed    StepOutcome = "failed"
	// StepSkipped records an exploit that never ran, either because
	// its OS family does not match the target or because the mission
	// stopped before reaching it.
	StepSkipped StepOutcome = "skipped"
)

// StepResult records one exploit's execution on the target. Output is
// truncated and credential-scrubbed before it lands here.
type StepResult struct {
	MissionID string      `json:"mission_id"`
	Index     int         `json:"index"`
	Exploit   string      `json:"exploit"`
	Outcome   StepOutcome `json:"outcome"`
	ExitCode  int         `json:"exit_code,omitempty"`
	Stdout    string      `json:"stdout,omitempty"`
	Stderr    string      `json:"stderr,omitempty"`
	FaultKind string      `json:"fault_kind,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ProbeOutcome is the result of one verification probe.
type ProbeOutcome string

const (
	// ProbeFound means the expected vulnerable condition was observed.
	ProbeFound ProbeOutcome = "found"
	// ProbeNotFound means the probe completed without observing the
	// condition.
	ProbeNotFound ProbeOutcome = "not_found"
	// ProbeError means the probe itself could not run, as opposed to
	// running and observing the wrong answer.
	ProbeError ProbeOutcome = "error"
)

// ValidationResult is one probe observation, persisted for scoring.
type ValidationResult struct {
	MissionID string       `json:"mission_id"`
	Exploit   string       `json:"exploit"`
	TestName  string       `json:"test_name"`
	Outcome   ProbeOutcome `json:"outcome"`
	LatencyMS int64        `json:"latency_ms"`
	Evidence  string       `json:"evidence,omitempty"`
	At        time.Time    `json:"at"`
}
