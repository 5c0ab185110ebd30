// Copyright 2026 The Procvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//go:build unix

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/procvisor/procvisor"
	"github.com/procvisor/procvisor/rest"
)

// serve runs a supervisor with one group behind a test server and points
// the command line at it.
func serve(t *testing.T) *procvisor.Supervisor {
	t.Helper()
	g := procvisor.NewGroupSpec("web", "/bin/sh")
	g.Args = []string{"-c", "echo hello from {index}; exec sleep 60"}
	g.Instances = procvisor.Instances{Count: 2}
	g.StopTimeout = 2 * time.Second
	g.Restart.MinUptime = 50 * time.Millisecond

	s, err := procvisor.NewSupervisor("cli", []*procvisor.GroupSpec{g})
	require.NoError(t, err)
	s.SetSpawnProbe(20 * time.Millisecond)
	require.NoError(t, s.StartAll(context.Background()))
	srv := httptest.NewServer(rest.NewHandler(s))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	old := addr
	addr = srv.URL
	t.Cleanup(func() { addr = old })
	require.Eventually(t, func() bool {
		gs, err := s.GroupStatus("web")
		return err == nil && gs.Running() == 2
	}, 5*time.Second, 20*time.Millisecond)
	return s
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// Flags land in package variables; keep them from leaking between runs.
	defer func(a, u, c string) { addr, auth, config = a, u, c }(addr, auth, config)
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	serve(t)

	out, err := run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "web")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "2/2")

	out, err = run(t, "status", "-o", "json")
	require.NoError(t, err)
	var groups []*rest.GroupInfo
	require.NoError(t, json.Unmarshal([]byte(out), &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, 2, groups[0].Running)

	out, err = run(t, "status", "web", "-o", "yaml")
	require.NoError(t, err)
	var g map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &g))
	assert.Equal(t, "web", g["name"])
	assert.Equal(t, "running", g["state"])

	out, err = run(t, "status", "web")
	require.NoError(t, err)
	assert.Contains(t, out, "INST")
	assert.Contains(t, out, "/bin/sh -c")

	_, err = run(t, "status", "-o", "xml")
	assert.Error(t, err)
}

func TestGroupCommands(t *testing.T) {
	s := serve(t)

	before, err := s.GroupStatus("web")
	require.NoError(t, err)
	_, err = run(t, "restart", "web")
	require.NoError(t, err)
	after, err := s.GroupStatus("web")
	require.NoError(t, err)
	assert.NotEqual(t, before.Instances[0].Pid, after.Instances[0].Pid)

	_, err = run(t, "stop", "web")
	require.NoError(t, err)
	gs, _ := s.GroupStatus("web")
	assert.False(t, gs.Active)

	_, err = run(t, "restart", "web")
	var re *rest.Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 409, re.Code)

	_, err = run(t, "start", "web")
	require.NoError(t, err)
	gs, _ = s.GroupStatus("web")
	assert.True(t, gs.Active)

	_, err = run(t, "stop")
	require.NoError(t, err)
	assert.Equal(t, 0, s.Live())

	_, err = run(t, "start", "nosuch")
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 404, re.Code)
}

func TestLogCommand(t *testing.T) {
	serve(t)
	var out string
	require.Eventually(t, func() bool {
		var err error
		out, err = run(t, "log", "web")
		return err == nil && strings.Count(out, "hello from") == 2
	}, 5*time.Second, 50*time.Millisecond)
	assert.Contains(t, out, "web[0] stdout> hello from 0")
}

func TestKillCommand(t *testing.T) {
	s := serve(t)
	_, err := run(t, "kill")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return s.Live() == 0 }, 10*time.Second, 50*time.Millisecond)
	assert.ErrorIs(t, s.StartGroup(context.Background(), "web"), procvisor.ErrShutdown)
}

func TestBadAuthFlag(t *testing.T) {
	_, err := run(t, "-u", "nopassword", "status")
	assert.Error(t, err)
}

func TestCheckCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "procvisor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
apps:
  - name: BG_REMOVER_PORTS
    script: main.py
    interpreter: python3
    args: [--port, "{port}"]
    instances: 3
    port: 5002
    port_mode: per_instance
  - name: BG_REMOVER
    script: main.py
    interpreter: python3
    instances: max
    port: 5000
    port_mode: shared
    watch: true
`), 0o644))

	out, err := run(t, "check", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "5002-5004")
	assert.Contains(t, out, "5000 shared")
	assert.Contains(t, out, "python3 main.py --port 5002")
	assert.Contains(t, out, "(auto)")

	out, err = run(t, "check", "-c", path, "BG_REMOVER")
	require.NoError(t, err)
	assert.Contains(t, out, "5000 shared")
	assert.NotContains(t, out, "5002-5004")

	_, err = run(t, "check", "-c", path, "nosuch")
	assert.True(t, errors.Is(err, procvisor.ErrNoGroup))

	require.NoError(t, os.WriteFile(path, []byte("apps:\n- {name: a, script: x, port: 80}\n"), 0o644))
	_, err = run(t, "check", "-c", path)
	require.Error(t, err)
	assert.True(t, isConfigError(err))

	_, err = run(t, "start", "-c", filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.True(t, isConfigError(err))
}
