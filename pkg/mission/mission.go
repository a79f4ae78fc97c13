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

// Package mission runs exploit injections against lab targets. The
// Reaper drives a mission's lifecycle: resolve the target (cloning an
// ephemeral one when asked), apply the exploit sequence strictly in
// order over the playbook runner, then hand over to the WhiteKnight,
// which probes that each injected weakness is actually observable.
//
// Credentials are referenced by secret name throughout and resolved
// immediately before use; anything a step leaves behind in the store
// is scrubbed first.
package mission

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
	"github.com/rangeforge/rangeforge/pkg/registry"
	"github.com/rangeforge/rangeforge/pkg/runner"
	"github.com/rangeforge/rangeforge/pkg/secrets"
)

const (
	defaultStepTimeout  = 10 * time.Minute
	defaultProbeTimeout = 30 * time.Second
	defaultOutputLimit  = 16 << 10

	// persistTimeout bounds trace writes that must land even after
	// the mission's own context has expired.
	persistTimeout = 10 * time.Second
)

// Store is the persistence the engine needs.
type Store interface {
	GetMission(ctx context.Context, id string) (*api.Mission, error)
	SetMissionStatus(ctx context.Context, id string, state api.MissionState, progress int, targetIP, errMsg string) error
	MissionCancelRequested(ctx context.Context, id string) (bool, error)
	SaveStepResult(ctx context.Context, r api.StepResult) error
	SaveValidationResult(ctx context.Context, r api.ValidationResult) error
	GetExploit(ctx context.Context, name string) (*api.Exploit, error)
}

// Targets builds ephemeral mission targets.
type Targets interface {
	DeployEphemeral(ctx context.Context, node api.NodeSpec, ref api.BackendRef, requestID string) (api.Resource, error)
}

// Sessions is the slice of the playbook runner the engine drives.
type Sessions interface {
	RunScript(ctx context.Context, host string, cred platform.Credential, osFamily api.OSFamily, script string) (platform.ExecResult, error)
	RunPlaybook(ctx context.Context, hosts []runner.PlaybookHost, playbookPath string, extraVars map[string]string) (runner.PlaybookResult, error)
	TrySSHLogin(ctx context.Context, host, username, password string) error
}

// Options tunes the engine.
type Options struct {
	// StepTimeout bounds one exploit's execution.
	StepTimeout time.Duration
	// ProbeTimeout bounds one verification probe.
	ProbeTimeout time.Duration
	// OutputLimit caps retained stdout/stderr per step, in bytes.
	OutputLimit int

	Clock clock.PassiveClock
}

// Reaper runs missions. One Reaper serves the whole process; each Run
// call drives a single mission to a terminal state.
type Reaper struct {
	log      logr.Logger
	store    Store
	reg      registry.Interface
	targets  Targets
	sessions Sessions
	secrets  secrets.Oracle
	knight   *WhiteKnight
	opts     Options
	clock    clock.PassiveClock

	// active maps running missions to their in-flight step logs so
	// concurrent readers can watch a mission mid-run.
	mu     sync.Mutex
	active map[string]*journal
}

func New(log logr.Logger, store Store, reg registry.Interface, targets Targets, sessions Sessions, oracle secrets.Oracle, opts Options) *Reaper {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = defaultStepTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = defaultOutputLimit
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	log = log.WithName("reaper")
	return &Reaper{
		log:      log,
		store:    store,
		reg:      reg,
		targets:  targets,
		sessions: sessions,
		secrets:  oracle,
		knight:   newWhiteKnight(log, sessions, opts.ProbeTimeout, opts.Clock),
		opts:     opts,
		clock:    opts.Clock,
		active:   map[string]*journal{},
	}
}

// Steps returns the in-flight step log of a mission this Reaper is
// currently running. Finished missions read from the store.
func (r *Reaper) Steps(missionID string) ([]api.StepResult, bool) {
	r.mu.Lock()
	j, ok := r.active[missionID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return j.snapshot(), true
}

// journal is a mission's in-flight step log. The run goroutine
// appends; readers snapshot under the lock. No I/O happens while it
// is held.
type journal struct {
	mu    sync.Mutex
	steps []api.StepResult
}

func (j *journal) append(s api.StepResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.steps = append(j.steps, s)
}

func (j *journal) snapshot() []api.StepResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]api.StepResult, len(j.steps))
	copy(out, j.steps)
	return out
}

// persistCtx detaches trace writes from the mission's lifetime so a
// timed-out step still gets its outcome recorded.
func persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// advance moves the mission forward, persists the run state and emits
// mission_progress. Progress never goes backwards.
func (r *Reaper) advance(ctx context.Context, m *api.Mission, state api.MissionState, progress int, fields map[string]string) {
	if progress < m.Progress {
		progress = m.Progress
	}
	m.State = state
	m.Progress = progress

	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := r.store.SetMissionStatus(pctx, m.ID, state, progress, m.TargetIP, m.Error); err != nil {
		r.log.Error(err, "recording mission state", "mission", m.ID, "state", state)
	}

	ev := map[string]string{
		"mission_id": m.ID,
		"state":      string(state),
		"progress":   strconv.Itoa(progress),
	}
	for k, v := range fields {
		ev[k] = v
	}
	r.emit(pctx, m, ev)
}

func (r *Reaper) emit(ctx context.Context, m *api.Mission, fields map[string]string) {
	ev := api.Event{
		Type:          api.EventMissionProgress,
		At:            r.clock.Now().UTC(),
		CorrelationID: m.CorrelationID,
		Fields:        fields,
	}
	if err := r.reg.Publish(ctx, ev); err != nil {
		r.log.V(1).Info("dropping event", "type", ev.Type, "error", err.Error())
	}
}

// credential resolves the mission's secret name into a session
// credential. The value passes through memory only.
func (r *Reaper) credential(m *api.Mission) (platform.Credential, error) {
	if m.CredentialSecret == "" {
		return platform.Credential{}, faults.New(faults.ConfigInvalid, "mission %s names no credential secret", m.ID)
	}
	val, err := r.secrets.Lookup(m.CredentialSecret)
	if err != nil {
		return platform.Credential{}, err
	}
	user, pass, ok := strings.Cut(val, ":")
	if !ok || user == "" || pass == "" {
		return platform.Credential{}, faults.New(faults.ConfigInvalid, "secret %q is not user:password shaped", m.CredentialSecret)
	}
	return platform.Credential{Username: user, Password: pass}, nil
}

// clip truncates retained output at limit bytes.
func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[truncated]"
}
