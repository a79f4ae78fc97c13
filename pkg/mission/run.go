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

package mission

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
	"github.com/rangeforge/rangeforge/pkg/runner"
)

// Run drives the mission to a terminal state. A mission already in a
// terminal state is returned as-is; one mid-run elsewhere surfaces
// TransitionBusy. The returned error is the fault that failed the
// mission; completed and cancelled missions return nil with the
// detail in the record and the step log.
func (r *Reaper) Run(ctx context.Context, missionID string) (*api.Mission, error) {
	m, err := r.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if m.State.Done() {
		return m, nil
	}
	if m.State != api.MissionPending {
		return m, faults.New(faults.TransitionBusy, "mission %s is already %s", m.ID, m.State)
	}
	if m.CorrelationID == "" {
		m.CorrelationID = "mission:" + m.ID
	}

	j := &journal{}
	r.mu.Lock()
	if _, busy := r.active[m.ID]; busy {
		r.mu.Unlock()
		return m, faults.New(faults.TransitionBusy, "mission %s is already running here", m.ID)
	}
	r.active[m.ID] = j
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, m.ID)
		r.mu.Unlock()
	}()

	log := r.log.WithValues("mission", m.ID)
	log.Info("mission accepted", "exploits", len(m.Exploits))
	r.advance(ctx, m, api.MissionStarting, 0, nil)

	exploits, err := r.loadExploits(ctx, m)
	if err != nil {
		return m, r.fail(ctx, log, m, err)
	}
	cred, err := r.credential(m)
	if err != nil {
		return m, r.fail(ctx, log, m, err)
	}
	target, err := r.resolveTarget(ctx, log, m)
	if err != nil {
		return m, r.fail(ctx, log, m, err)
	}
	m.TargetIP = target.IP
	log.Info("mission target ready", "ip", target.IP, "os", target.OSFamily)

	r.advance(ctx, m, api.MissionInjecting, 0, map[string]string{"target_ip": target.IP})

	ferr := r.inject(ctx, log, j, m, exploits, target, cred)
	if ferr != nil {
		if faults.Is(ferr, faults.CancelRequested) {
			r.advance(ctx, m, api.MissionCancelled, m.Progress, nil)
			log.Info("mission cancelled", "progress", m.Progress)
			return m, nil
		}
		return m, r.fail(ctx, log, m, ferr)
	}

	r.advance(ctx, m, api.MissionVerifying, 100, nil)
	r.verify(ctx, log, m, exploits, j.snapshot(), target, cred)

	r.advance(ctx, m, api.MissionCompleted, 100, nil)
	log.Info("mission finished")
	return m, nil
}

// fail stamps the mission failed and hands the cause back out.
func (r *Reaper) fail(ctx context.Context, log logr.Logger, m *api.Mission, cause error) error {
	m.Error = cause.Error()
	r.advance(ctx, m, api.MissionFailed, m.Progress, map[string]string{"fault": string(faults.KindOf(cause))})
	log.Info("mission failed", "error", cause.Error())
	return cause
}

// loadExploits resolves the mission's exploit names up front so a
// missing catalog entry fails the mission before anything touches the
// target.
func (r *Reaper) loadExploits(ctx context.Context, m *api.Mission) ([]*api.Exploit, error) {
	if len(m.Exploits) == 0 {
		return nil, faults.New(faults.ConfigInvalid, "mission %s lists no exploits", m.ID)
	}
	out := make([]*api.Exploit, 0, len(m.Exploits))
	for _, name := range m.Exploits {
		ex, err := r.store.GetExploit(ctx, name)
		if err != nil {
			return nil, faults.Wrap(err, faults.KindOf(err), "loading exploit %q", name)
		}
		out = append(out, ex)
	}
	return out, nil
}

// resolveTarget produces the VM the exploits run against: an existing
// registry resource, or an ephemeral clone built through the deploy
// engine under the mission's ID so retries find it again.
func (r *Reaper) resolveTarget(ctx context.Context, log logr.Logger, m *api.Mission) (api.Resource, error) {
	switch {
	case m.TargetIdentity != "":
		id, err := api.ParseIdentity(m.TargetIdentity)
		if err != nil {
			return api.Resource{}, faults.Wrap(err, faults.ConfigInvalid, "mission %s target", m.ID)
		}
		res, err := r.reg.Get(ctx, id)
		if err != nil {
			return api.Resource{}, err
		}
		if res.IP == "" {
			return api.Resource{}, faults.New(faults.ResourceMissing, "target %s has no address yet", m.TargetIdentity)
		}
		return res, nil
	case m.TargetSpec != nil:
		r.advance(ctx, m, api.MissionDeployingVM, 0, map[string]string{"node": m.TargetSpec.Name})
		log.Info("deploying ephemeral target", "node", m.TargetSpec.Name)
		return r.targets.DeployEphemeral(ctx, *m.TargetSpec, m.Backend, m.ID)
	default:
		return api.Resource{}, faults.New(faults.ConfigInvalid, "mission %s has neither a target identity nor a target spec", m.ID)
	}
}

// cancelRequested reports whether the mission should stop at this
// step boundary: either the cooperative flag is set or the engine
// itself is shutting down.
func (r *Reaper) cancelRequested(ctx context.Context, missionID string) bool {
	if ctx.Err() != nil {
		return true
	}
	flagged, err := r.store.MissionCancelRequested(ctx, missionID)
	if err != nil {
		r.log.Error(err, "reading cancel flag", "mission", missionID)
		return false
	}
	return flagged
}

// inject applies the exploit sequence in submitted order. It returns
// nil when the mission may proceed to verification, CancelRequested
// when a cooperative stop ended it, or the step's fault when a fatal
// exploit failed.
func (r *Reaper) inject(ctx context.Context, log logr.Logger, j *journal, m *api.Mission, exploits []*api.Exploit, target api.Resource, cred platform.Credential) error {
	total := len(exploits)
	for i, ex := range exploits {
		// Cancellation is cooperative: an in-flight step always
		// finishes, the check happens between steps.
		if r.cancelRequested(ctx, m.ID) {
			r.skipFrom(ctx, j, m, exploits, i, faults.CancelRequested)
			return faults.New(faults.CancelRequested, "mission %s cancelled", m.ID)
		}

		step := r.runStep(ctx, log, m, i, ex, target, cred)
		r.record(ctx, j, step)
		r.advance(ctx, m, api.MissionInjecting, 100*(i+1)/total, map[string]string{
			"step":    strconv.Itoa(i),
			"exploit": ex.Name,
			"outcome": string(step.Outcome),
		})

		if step.Outcome == api.StepFailed && ex.FatalOnFail {
			r.skipFrom(ctx, j, m, exploits, i+1, "")
			return stepFault(step)
		}
	}
	if r.cancelRequested(ctx, m.ID) {
		return faults.New(faults.CancelRequested, "mission %s cancelled", m.ID)
	}
	return nil
}

// stepFault shapes a failed step into the fault the mission surfaces.
func stepFault(step api.StepResult) error {
	if step.FaultKind != "" {
		return faults.New(faults.Kind(step.FaultKind), "exploit %s failed", step.Exploit)
	}
	return faults.New(faults.Internal, "exploit %s exited %d", step.Exploit, step.ExitCode)
}

// runStep executes one exploit and shapes the outcome. Session errors
// and timeouts are step failures carrying a fault kind; a non-zero
// exit is a plain failed step. An OS family mismatch records a skip,
// not a failure.
func (r *Reaper) runStep(ctx context.Context, log logr.Logger, m *api.Mission, index int, ex *api.Exploit, target api.Resource, cred platform.Credential) api.StepResult {
	step := api.StepResult{
		MissionID: m.ID,
		Index:     index,
		Exploit:   ex.Name,
		StartedAt: r.clock.Now().UTC(),
	}

	if ex.OSFamily != "" && target.OSFamily != "" && ex.OSFamily != target.OSFamily {
		step.Outcome = api.StepSkipped
		step.FaultKind = string(faults.IncompatibleOS)
		step.FinishedAt = r.clock.Now().UTC()
		log.Info("exploit skipped", "exploit", ex.Name, "wants", ex.OSFamily, "target", target.OSFamily)
		return step
	}

	sctx, cancel := context.WithTimeout(ctx, r.opts.StepTimeout)
	defer cancel()

	var (
		exit           int
		stdout, stderr string
		err            error
	)
	switch {
	case ex.Script != "":
		var res platform.ExecResult
		res, err = r.sessions.RunScript(sctx, target.IP, cred, target.OSFamily, ex.Script)
		exit, stdout, stderr = res.ExitCode, res.Stdout, res.Stderr
	case ex.PlaybookPath != "":
		var res runner.PlaybookResult
		res, err = r.sessions.RunPlaybook(sctx, []runner.PlaybookHost{{
			Name:       targetHostName(target),
			Host:       target.IP,
			OSFamily:   target.OSFamily,
			Credential: cred,
		}}, ex.PlaybookPath, ex.Vars)
		exit, stdout = res.ExitCode, res.Output
	default:
		err = faults.New(faults.ConfigInvalid, "exploit %q carries neither script nor playbook", ex.Name)
	}

	creds := []platform.Credential{cred}
	step.ExitCode = exit
	step.Stdout = clip(runner.Scrub(stdout, creds), r.opts.OutputLimit)
	step.Stderr = clip(runner.Scrub(stderr, creds), r.opts.OutputLimit)
	step.FinishedAt = r.clock.Now().UTC()

	switch {
	case err != nil:
		kind := faults.KindOf(err)
		if sctx.Err() == context.DeadlineExceeded {
			kind = faults.Timeout
		}
		step.Outcome = api.StepFailed
		step.FaultKind = string(kind)
		if step.Stderr == "" {
			step.Stderr = clip(runner.Scrub(err.Error(), creds), r.opts.OutputLimit)
		}
		log.Info("exploit step failed", "exploit", ex.Name, "fault", step.FaultKind)
	case exit != 0:
		step.Outcome = api.StepFailed
		log.Info("exploit step failed", "exploit", ex.Name, "exit", exit)
	default:
		step.Outcome = api.StepSucceeded
		log.Info("exploit step succeeded", "exploit", ex.Name)
	}
	return step
}

// record lands one step in the in-flight journal and the store.
func (r *Reaper) record(ctx context.Context, j *journal, step api.StepResult) {
	j.append(step)
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := r.store.SaveStepResult(pctx, step); err != nil {
		r.log.Error(err, "recording step", "mission", step.MissionID, "exploit", step.Exploit)
	}
}

// skipFrom marks the rest of the sequence skipped.
func (r *Reaper) skipFrom(ctx context.Context, j *journal, m *api.Mission, exploits []*api.Exploit, from int, kind faults.Kind) {
	now := r.clock.Now().UTC()
	for i := from; i < len(exploits); i++ {
		r.record(ctx, j, api.StepResult{
			MissionID:  m.ID,
			Index:      i,
			Exploit:    exploits[i].Name,
			Outcome:    api.StepSkipped,
			FaultKind:  string(kind),
			StartedAt:  now,
			FinishedAt: now,
		})
	}
}

// verify runs the WhiteKnight probes of every exploit whose step
// succeeded. Failed and skipped steps have nothing on the target to
// observe, so their probes do not run.
func (r *Reaper) verify(ctx context.Context, log logr.Logger, m *api.Mission, exploits []*api.Exploit, steps []api.StepResult, target api.Resource, cred platform.Credential) {
	outcome := make(map[string]api.StepOutcome, len(steps))
	for _, s := range steps {
		outcome[s.Exploit] = s.Outcome
	}
	for _, ex := range exploits {
		if outcome[ex.Name] != api.StepSucceeded {
			continue
		}
		for _, probe := range ex.Probes {
			res := r.knight.Check(ctx, probe, target, cred)
			res.MissionID = m.ID
			res.Exploit = ex.Name
			res.Evidence = runner.Scrub(res.Evidence, []platform.Credential{cred})
			r.saveValidation(ctx, m, res)
			log.Info("probe finished", "exploit", ex.Name, "probe", probe.Name, "outcome", res.Outcome)
		}
	}
}

func (r *Reaper) saveValidation(ctx context.Context, m *api.Mission, res api.ValidationResult) {
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := r.store.SaveValidationResult(pctx, res); err != nil {
		r.log.Error(err, "recording validation", "mission", m.ID, "probe", res.TestName)
	}
	r.emit(pctx, m, map[string]string{
		"mission_id": m.ID,
		"state":      string(api.MissionVerifying),
		"exploit":    res.Exploit,
		"probe":      res.TestName,
		"outcome":    string(res.Outcome),
		"latency_ms": strconv.FormatInt(res.LatencyMS, 10),
	})
}

// targetHostName is the inventory name for the mission target.
func targetHostName(target api.Resource) string {
	if target.Name != "" {
		return target.Name
	}
	return fmt.Sprintf("target-%s", target.Identity.NativeID)
}
