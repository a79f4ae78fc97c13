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
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
)

func testKnight(sessions Sessions) *WhiteKnight {
	return newWhiteKnight(logr.Discard(), sessions, 5*time.Second, clock.RealClock{})
}

func probeCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)
	return ctx
}

func TestCheckStampsResult(t *testing.T) {
	w := testKnight(newFakeSessions())
	probe := api.Probe{Name: "flag", Type: api.ProbeCommand, Target: "id"}

	res := w.Check(probeCtx(t), probe, webTarget(), platform.Credential{})
	assert.Equal(t, "flag", res.TestName)
	assert.False(t, res.At.IsZero())
	assert.GreaterOrEqual(t, res.LatencyMS, int64(0))
}

func TestCheckTCPProbe(t *testing.T) {
	t.Run("open port", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				_ = conn.Close()
			}
		}()

		w := testKnight(newFakeSessions())
		probe := api.Probe{Name: "telnet", Type: api.ProbeTCP, Target: ln.Addr().String()}
		res := w.Check(probeCtx(t), probe, webTarget(), platform.Credential{})
		assert.Equal(t, api.ProbeFound, res.Outcome)
		assert.Contains(t, res.Evidence, "connected to")
	})

	t.Run("closed port", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		w := testKnight(newFakeSessions())
		probe := api.Probe{Name: "telnet", Type: api.ProbeTCP, Target: addr}
		res := w.Check(probeCtx(t), probe, webTarget(), platform.Credential{})
		assert.Equal(t, api.ProbeNotFound, res.Outcome)
		assert.Contains(t, res.Evidence, "dial")
	})

	t.Run("bare port rides on the target", func(t *testing.T) {
		w := testKnight(newFakeSessions())
		var dialed string
		w.dial = func(_ context.Context, _, addr string) (net.Conn, error) {
			dialed = addr
			return nil, errors.New("connection refused")
		}
		probe := api.Probe{Name: "telnet", Type: api.ProbeTCP, Target: ":23"}
		res := w.Check(probeCtx(t), probe, webTarget(), platform.Credential{})
		assert.Equal(t, api.ProbeNotFound, res.Outcome)
		assert.Equal(t, "10.40.100.20:23", dialed)
	})

	t.Run("portless target is a probe error", func(t *testing.T) {
		w := testKnight(newFakeSessions())
		probe := api.Probe{Name: "telnet", Type: api.ProbeTCP}
		res := w.Check(probeCtx(t), probe, webTarget(), platform.Credential{})
		assert.Equal(t, api.ProbeError, res.Outcome)
		assert.Contains(t, res.Evidence, "not host:port")
	})

	t.Run("deadline is a probe error, not a closed port", func(t *testing.T) {
		w := newWhiteKnight(logr.Discard(), newFakeSessions(), 20*time.Millisecond, clock.RealClock{})
		w.dial = func(ctx context.Context, _, _ string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		probe := api.Probe{Name: "telnet", Type: api.ProbeTCP, Target: "10.40.100.20:23"}
		res := w.Check(probeCtx(t), probe, webTarget(), platform.Credential{})
		assert.Equal(t, api.ProbeError, res.Outcome)
	})
}

func TestCheckHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			fmt.Fprint(w, "vulnapp 2.3 login")
		case "/broken":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	target := webTarget()
	// Path-only probes resolve against the mission target's address.
	target.IP = strings.TrimPrefix(srv.URL, "http://")

	w := testKnight(newFakeSessions())
	cases := []struct {
		name     string
		probe    api.Probe
		outcome  api.ProbeOutcome
		evidence string
	}{
		{
			name:     "status ok",
			probe:    api.Probe{Name: "p", Type: api.ProbeHTTP, Target: srv.URL + "/login"},
			outcome:  api.ProbeFound,
			evidence: "status 200",
		},
		{
			name:     "path rides on the target",
			probe:    api.Probe{Name: "p", Type: api.ProbeHTTP, Target: "/login"},
			outcome:  api.ProbeFound,
			evidence: "status 200",
		},
		{
			name:     "schemeless url",
			probe:    api.Probe{Name: "p", Type: api.ProbeHTTP, Target: target.IP + "/login"},
			outcome:  api.ProbeFound,
			evidence: "status 200",
		},
		{
			name:     "expected status matches",
			probe:    api.Probe{Name: "p", Type: api.ProbeHTTP, Target: srv.URL + "/broken", Expect: "503"},
			outcome:  api.ProbeFound,
			evidence: "status 503",
		},
		{
			name:     "expected status differs",
			probe:    api.Probe{Name: "p", Type: api.ProbeHTTP, Target: srv.URL + "/broken", Expect: "200"},
			outcome:  api.ProbeNotFound,
			evidence: "wanted 200",
		},
		{
			name:     "body substring",
			probe:    api.Probe{Name: "p", Type: api.ProbeHTTP, Target: srv.URL + "/login", Expect: "vulnapp"},
			outcome:  api.ProbeFound,
			evidence: "body matched",
		},
		{
			name:     "body without substring",
			probe:    api.Probe{Name: "p", Type: api.ProbeHTTP, Target: srv.URL + "/login", Expect: "wordpress"},
			outcome:  api.ProbeNotFound,
			evidence: "without",
		},
		{
			name:    "error status without expectation",
			probe:   api.Probe{Name: "p", Type: api.ProbeHTTP, Target: srv.URL + "/broken"},
			outcome: api.ProbeNotFound,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := w.Check(probeCtx(t), tc.probe, target, platform.Credential{})
			assert.Equal(t, tc.outcome, res.Outcome)
			if tc.evidence != "" {
				assert.Contains(t, res.Evidence, tc.evidence)
			}
		})
	}

	t.Run("unreachable server", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		addr := dead.URL
		dead.Close()
		res := w.Check(probeCtx(t), api.Probe{Name: "p", Type: api.ProbeHTTP, Target: addr}, target, platform.Credential{})
		assert.Equal(t, api.ProbeNotFound, res.Outcome)
	})
}

func TestCheckWeakCredsProbe(t *testing.T) {
	probe := api.Probe{Name: "weak-ssh", Type: api.ProbeWeakCreds}

	t.Run("default candidate accepted", func(t *testing.T) {
		sessions := newFakeSessions()
		sessions.sshAccepts["root"] = "toor"
		w := testKnight(sessions)

		res := w.Check(probeCtx(t), probe, webTarget(), platform.Credential{})
		assert.Equal(t, api.ProbeFound, res.Outcome)
		assert.Equal(t, `login accepted for "root"`, res.Evidence)
		assert.NotContains(t, res.Evidence, "toor")
		assert.Equal(t, []string{"10.40.100.20", "10.40.100.20"}, sessions.sshHosts)
	})

	t.Run("custom candidates", func(t *testing.T) {
		sessions := newFakeSessions()
		sessions.sshAccepts["oper"] = "oper123"
		w := testKnight(sessions)

		p := probe
		p.Target = "10.40.100.99"
		p.Expect = "svc:svc123, oper:oper123"
		res := w.Check(probeCtx(t), p, webTarget(), platform.Credential{})
		assert.Equal(t, api.ProbeFound, res.Outcome)
		assert.Equal(t, `login accepted for "oper"`, res.Evidence)
		assert.Equal(t, []string{"svc", "oper"}, sessions.sshUsers)
		assert.Equal(t, "10.40.100.99", sessions.sshHosts[0])
	})

	t.Run("all rejected", func(t *testing.T) {
		w := testKnight(newFakeSessions())
		res := w.Check(probeCtx(t), probe, webTarget(), platform.Credential{})
		assert.Equal(t, api.ProbeNotFound, res.Outcome)
		assert.Contains(t, res.Evidence, "6 candidates rejected")
	})

	t.Run("transport failure", func(t *testing.T) {
		sessions := newFakeSessions()
		sessions.sshErr = faults.New(faults.BackendUnreachable, "no route to host")
		w := testKnight(sessions)

		res := w.Check(probeCtx(t), probe, webTarget(), platform.Credential{})
		assert.Equal(t, api.ProbeError, res.Outcome)
		// One transport error stops the sweep.
		assert.Len(t, sessions.sshUsers, 1)
	})

	t.Run("malformed candidate", func(t *testing.T) {
		w := testKnight(newFakeSessions())
		p := probe
		p.Expect = "nocolon"
		res := w.Check(probeCtx(t), p, webTarget(), platform.Credential{})
		assert.Equal(t, api.ProbeError, res.Outcome)
	})
}

func TestCheckCommandProbe(t *testing.T) {
	cred := platform.Credential{Username: "root", Password: "hunter2"}

	t.Run("output matches", func(t *testing.T) {
		sessions := newFakeSessions()
		sessions.results["sudo -l"] = platform.ExecResult{ExitCode: 0, Stdout: "(ALL) NOPASSWD: ALL"}
		w := testKnight(sessions)

		probe := api.Probe{Name: "sudoers", Type: api.ProbeCommand, Target: "sudo -l", Expect: "NOPASSWD"}
		res := w.Check(probeCtx(t), probe, webTarget(), cred)
		assert.Equal(t, api.ProbeFound, res.Outcome)
		assert.Equal(t, []string{"sudo -l"}, sessions.scriptCalls())
	})

	t.Run("nonzero exit", func(t *testing.T) {
		sessions := newFakeSessions()
		sessions.results["test -f /etc/backdoor"] = platform.ExecResult{ExitCode: 1}
		w := testKnight(sessions)

		probe := api.Probe{Name: "backdoor", Type: api.ProbeCommand, Target: "test -f /etc/backdoor"}
		res := w.Check(probeCtx(t), probe, webTarget(), cred)
		assert.Equal(t, api.ProbeNotFound, res.Outcome)
		assert.Contains(t, res.Evidence, "exit 1")
	})

	t.Run("output without expectation", func(t *testing.T) {
		sessions := newFakeSessions()
		sessions.results["id"] = platform.ExecResult{ExitCode: 0, Stdout: "uid=1000(app)"}
		w := testKnight(sessions)

		probe := api.Probe{Name: "root-shell", Type: api.ProbeCommand, Target: "id", Expect: "uid=0"}
		res := w.Check(probeCtx(t), probe, webTarget(), cred)
		assert.Equal(t, api.ProbeNotFound, res.Outcome)
	})

	t.Run("session error", func(t *testing.T) {
		sessions := newFakeSessions()
		sessions.errs["id"] = faults.New(faults.BackendUnreachable, "ssh: connect refused")
		w := testKnight(sessions)

		probe := api.Probe{Name: "root-shell", Type: api.ProbeCommand, Target: "id"}
		res := w.Check(probeCtx(t), probe, webTarget(), cred)
		assert.Equal(t, api.ProbeError, res.Outcome)
	})
}

func TestCheckUnknownProbeType(t *testing.T) {
	w := testKnight(newFakeSessions())
	res := w.Check(probeCtx(t), api.Probe{Name: "p", Type: "icmp"}, webTarget(), platform.Credential{})
	assert.Equal(t, api.ProbeError, res.Outcome)
	assert.Contains(t, res.Evidence, "unknown probe type")
}
