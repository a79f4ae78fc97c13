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
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
)

// defaultWeakCreds are the login candidates a weak_creds probe tries
// when it does not name its own.
var defaultWeakCreds = []string{
	"root:root",
	"root:toor",
	"admin:admin",
	"administrator:password",
	"vagrant:vagrant",
	"user:user",
}

const probeBodyLimit = 64 << 10

// WhiteKnight checks that injected weaknesses are observable from the
// outside. Every probe answers found (the vulnerable condition is
// there), not_found (the probe ran but did not see it) or error (the
// probe itself could not run).
type WhiteKnight struct {
	log      logr.Logger
	sessions Sessions
	timeout  time.Duration
	clock    clock.PassiveClock

	// dial and client are swapped by tests.
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
	client *http.Client
}

func newWhiteKnight(log logr.Logger, sessions Sessions, timeout time.Duration, cl clock.PassiveClock) *WhiteKnight {
	d := &net.Dialer{}
	return &WhiteKnight{
		log:      log.WithName("whiteknight"),
		sessions: sessions,
		timeout:  timeout,
		clock:    cl,
		dial:     d.DialContext,
		client:   &http.Client{},
	}
}

// Check runs one probe under the per-probe deadline.
func (w *WhiteKnight) Check(ctx context.Context, probe api.Probe, target api.Resource, cred platform.Credential) api.ValidationResult {
	pctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := w.clock.Now()
	outcome, evidence := w.run(pctx, probe, target, cred)
	return api.ValidationResult{
		TestName:  probe.Name,
		Outcome:   outcome,
		LatencyMS: w.clock.Since(start).Milliseconds(),
		Evidence:  evidence,
		At:        w.clock.Now().UTC(),
	}
}

func (w *WhiteKnight) run(ctx context.Context, probe api.Probe, target api.Resource, cred platform.Credential) (api.ProbeOutcome, string) {
	switch probe.Type {
	case api.ProbeTCP:
		return w.checkTCP(ctx, probe, target)
	case api.ProbeHTTP:
		return w.checkHTTP(ctx, probe, target)
	case api.ProbeWeakCreds:
		return w.checkWeakCreds(ctx, probe, target)
	case api.ProbeCommand:
		return w.checkCommand(ctx, probe, target, cred)
	default:
		return api.ProbeError, fmt.Sprintf("unknown probe type %q", probe.Type)
	}
}

// probeAddr expands a tcp probe target into host:port: a bare port or
// ":port" rides on the mission target's address, anything with a host
// stands alone.
func probeAddr(probe api.Probe, target api.Resource) string {
	t := probe.Target
	if t == "" {
		return target.IP
	}
	if strings.Contains(t, ":") && !strings.HasPrefix(t, ":") {
		return t
	}
	return net.JoinHostPort(target.IP, strings.TrimPrefix(t, ":"))
}

// checkTCP reports found on a successful connect. A refused or
// unreachable port is the answer "closed", not a probe error; only a
// probe cut short by its deadline is.
func (w *WhiteKnight) checkTCP(ctx context.Context, probe api.Probe, target api.Resource) (api.ProbeOutcome, string) {
	addr := probeAddr(probe, target)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return api.ProbeError, fmt.Sprintf("probe target %q is not host:port", addr)
	}
	conn, err := w.dial(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return api.ProbeError, fmt.Sprintf("dial %s: %v", addr, ctx.Err())
		}
		return api.ProbeNotFound, fmt.Sprintf("dial %s: %v", addr, err)
	}
	_ = conn.Close()
	return api.ProbeFound, "connected to " + addr
}

// checkHTTP fetches the probe URL. Expect is a status code when it is
// all digits, otherwise a body substring; empty means any 2xx.
func (w *WhiteKnight) checkHTTP(ctx context.Context, probe api.Probe, target api.Resource) (api.ProbeOutcome, string) {
	url := probe.Target
	switch {
	case strings.HasPrefix(url, "/"):
		url = "http://" + target.IP + url
	case url == "":
		url = "http://" + target.IP
	case !strings.Contains(url, "://"):
		url = "http://" + url
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return api.ProbeError, err.Error()
	}
	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return api.ProbeError, fmt.Sprintf("get %s: %v", url, ctx.Err())
		}
		return api.ProbeNotFound, fmt.Sprintf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, probeBodyLimit))

	expect := probe.Expect
	switch {
	case expect == "":
		if resp.StatusCode < 300 {
			return api.ProbeFound, fmt.Sprintf("status %d", resp.StatusCode)
		}
		return api.ProbeNotFound, fmt.Sprintf("status %d", resp.StatusCode)
	case isStatusCode(expect):
		if strconv.Itoa(resp.StatusCode) == expect {
			return api.ProbeFound, fmt.Sprintf("status %d", resp.StatusCode)
		}
		return api.ProbeNotFound, fmt.Sprintf("status %d, wanted %s", resp.StatusCode, expect)
	default:
		if strings.Contains(string(body), expect) {
			return api.ProbeFound, fmt.Sprintf("body matched %q", expect)
		}
		return api.ProbeNotFound, fmt.Sprintf("status %d, body without %q", resp.StatusCode, expect)
	}
}

func isStatusCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	_, err := strconv.Atoi(s)
	return err == nil
}

// checkWeakCreds tries SSH logins with known-weak pairs. An accepted
// login is the finding; rejections mean the condition is absent. The
// evidence names the user only, never the password.
func (w *WhiteKnight) checkWeakCreds(ctx context.Context, probe api.Probe, target api.Resource) (api.ProbeOutcome, string) {
	host := target.IP
	if probe.Target != "" {
		host = probe.Target
	}
	pairs := defaultWeakCreds
	if probe.Expect != "" {
		pairs = strings.Split(probe.Expect, ",")
	}
	for i, pair := range pairs {
		user, pass, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || user == "" {
			return api.ProbeError, fmt.Sprintf("candidate %d is not user:password shaped", i+1)
		}
		err := w.sessions.TrySSHLogin(ctx, host, user, pass)
		switch {
		case err == nil:
			return api.ProbeFound, fmt.Sprintf("login accepted for %q", user)
		case faults.Is(err, faults.AuthFailed):
			continue
		default:
			return api.ProbeError, fmt.Sprintf("ssh %s: %v", host, err)
		}
	}
	return api.ProbeNotFound, fmt.Sprintf("%d candidates rejected", len(pairs))
}

// checkCommand runs the probe's command in-session and matches its
// output.
func (w *WhiteKnight) checkCommand(ctx context.Context, probe api.Probe, target api.Resource, cred platform.Credential) (api.ProbeOutcome, string) {
	res, err := w.sessions.RunScript(ctx, target.IP, cred, target.OSFamily, probe.Target)
	if err != nil {
		return api.ProbeError, err.Error()
	}
	if res.ExitCode != 0 {
		return api.ProbeNotFound, fmt.Sprintf("exit %d", res.ExitCode)
	}
	if probe.Expect != "" && !strings.Contains(res.Stdout, probe.Expect) {
		return api.ProbeNotFound, fmt.Sprintf("output without %q", probe.Expect)
	}
	return api.ProbeFound, "command matched"
}
