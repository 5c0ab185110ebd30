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

package procvisor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pm2Config = `
supervisor:
  name: bg
  listen: 127.0.0.1:9000
  log:
    level: debug
apps:
  - name: BG_REMOVER
    script: main.py
    interpreter: python3
    instances: max
    port: 5000
    port_mode: shared
    env:
      MODE: production
  - name: BG_REMOVER_GUNICORN
    script: gunicorn
    interpreter: none
    args: "-w 4 -b 0.0.0.0:{port} main:app"
    port: 5001
    port_mode: shared
    env:
      MODE: production
      WORKERS: 4
      RATIO: 0.5
  - name: BG_REMOVER_PORTS
    script: main.py
    interpreter: python3
    args: [serve, --port, "{port}"]
    instances: 3
    port: 5002
    port_mode: per_instance
    watch: ["*.py", models]
    ignore_watch: "*.log"
    kill_timeout: 3000
    max_restarts: 5
    restart_window: 30s
    restart_delay: 250ms
    backoff_multiplier: 1.5
    max_restart_delay: 5s
    min_uptime: 2s
`

func parse(t *testing.T, text string) (*Config, error) {
	t.Helper()
	return ParseConfig(strings.NewReader(text), "yaml")
}

func TestParseConfig(t *testing.T) {
	cfg, err := parse(t, pm2Config)
	require.NoError(t, err)
	require.Len(t, cfg.Groups, 3)

	assert.Equal(t, "bg", cfg.Supervisor.Name)
	assert.Equal(t, "127.0.0.1:9000", cfg.Supervisor.Listen)
	assert.Equal(t, "debug", cfg.Supervisor.Log.Level)
	assert.Equal(t, DefaultLogMaxBackups, cfg.Supervisor.Log.MaxBackups)
	assert.Equal(t, DefaultMaxConns, cfg.Supervisor.MaxConns)

	clustered := cfg.Groups[0]
	assert.Equal(t, "BG_REMOVER", clustered.Name)
	assert.Equal(t, "python3", clustered.Interpreter)
	assert.True(t, clustered.Instances.Auto)
	assert.Equal(t, PortShared, clustered.PortMode)
	assert.Equal(t, map[string]string{"MODE": "production"}, clustered.Env)
	assert.False(t, clustered.Watch)
	assert.Equal(t, DefaultRestartPolicy(), clustered.Restart)

	gunicorn := cfg.Groups[1]
	assert.Empty(t, gunicorn.Interpreter)
	assert.Equal(t, []string{"-w", "4", "-b", "0.0.0.0:{port}", "main:app"}, gunicorn.Args)
	assert.Equal(t, "4", gunicorn.Env["WORKERS"])
	assert.Equal(t, "0.5", gunicorn.Env["RATIO"])
	assert.Equal(t, 1, gunicorn.Instances.Count)

	ports := cfg.Groups[2]
	assert.Equal(t, []string{"serve", "--port", "{port}"}, ports.Args)
	assert.Equal(t, 3, ports.Instances.Count)
	assert.Equal(t, PortPerInstance, ports.PortMode)
	assert.True(t, ports.Watch)
	assert.Equal(t, []string{"*.py", "models"}, ports.WatchPatterns)
	assert.Equal(t, []string{"*.log"}, ports.IgnoreWatch)
	assert.Equal(t, 3*time.Second, ports.StopTimeout)
	assert.Equal(t, RestartPolicy{
		AutoRestart:       true,
		MaxRestarts:       5,
		Window:            30 * time.Second,
		BackoffBase:       250 * time.Millisecond,
		BackoffMultiplier: 1.5,
		BackoffMax:        5 * time.Second,
		MinUptime:         2 * time.Second,
	}, ports.Restart)

	assert.Same(t, ports, cfg.Group("BG_REMOVER_PORTS"))
	assert.Nil(t, cfg.Group("nosuch"))
}

func TestParseConfigErrors(t *testing.T) {
	cases := []struct {
		name  string
		text  string
		field string
	}{
		{"duplicate", "apps:\n- {name: a, script: x}\n- {name: a, script: y}\n", "name"},
		{"no name", "apps:\n- {script: x}\n", "name"},
		{"no script", "apps:\n- {name: a}\n", "script"},
		{"env bool", "apps:\n- {name: a, script: x, env: {DEBUG: true}}\n", "env.DEBUG"},
		{"env list", "apps:\n- {name: a, script: x, env: {PATHS: [a, b]}}\n", "env.PATHS"},
		{"env null", "apps:\n- {name: a, script: x, env: {EMPTY: ~}}\n", "env.EMPTY"},
		{"instances word", "apps:\n- {name: a, script: x, instances: many}\n", "instances"},
		{"port without mode", "apps:\n- {name: a, script: x, port: 5000}\n", "port_mode"},
		{"mode without port", "apps:\n- {name: a, script: x, port_mode: shared}\n", "port"},
		{"bad mode", "apps:\n- {name: a, script: x, port: 1, port_mode: cluster}\n", "port_mode"},
		{"bad duration", "apps:\n- {name: a, script: x, min_uptime: soon}\n", "min_uptime"},
		{"bad multiplier", "apps:\n- {name: a, script: x, backoff_multiplier: 0.5}\n", "backoff_multiplier"},
		{"both commands", "apps:\n- {name: a, script: x, command: y}\n", "command"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := parse(t, tc.text)
			assert.Nil(t, cfg)
			var ce *ConfigError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tc.field, ce.Field)
		})
	}
}

func TestParseConfigMalformed(t *testing.T) {
	_, err := parse(t, "apps: [\n")
	var ce *ConfigError
	assert.True(t, errors.As(err, &ce))
}

func TestParseConfigZeroInstancesDeferred(t *testing.T) {
	// The count is checked when resolving, before anything starts.
	cfg, err := parse(t, "apps:\n- {name: a, script: x, instances: 0}\n")
	require.NoError(t, err)
	_, err = Resolve(cfg.Groups[0], 4)
	var ce *ConfigError
	assert.True(t, errors.As(err, &ce))
}

func TestParseConfigJSON(t *testing.T) {
	text := `{"apps": [{"name": "api", "script": "server.js", "interpreter": "node", ` +
		`"instances": "auto", "env": {"NODE_ENV": "production", "PORT_BASE": 7000}}]}`
	cfg, err := ParseConfig(strings.NewReader(text), "json")
	require.NoError(t, err)
	require.Len(t, cfg.Groups, 1)
	assert.True(t, cfg.Groups[0].Instances.Auto)
	assert.Equal(t, "7000", cfg.Groups[0].Env["PORT_BASE"])
	assert.Equal(t, DefaultListen, cfg.Supervisor.Listen)
}

func TestParseConfigEnvOverride(t *testing.T) {
	t.Setenv("PROCVISOR_SUPERVISOR_LISTEN", "0.0.0.0:7777")
	cfg, err := parse(t, pm2Config)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7777", cfg.Supervisor.Listen)
}

func TestParseConfigWatchForms(t *testing.T) {
	cfg, err := parse(t, `
apps:
  - {name: a, script: x, watch: true}
  - {name: b, script: x, watch: false}
  - {name: c, script: x, watch: "src"}
`)
	require.NoError(t, err)
	assert.True(t, cfg.Groups[0].Watch)
	assert.Empty(t, cfg.Groups[0].WatchPatterns)
	assert.False(t, cfg.Groups[1].Watch)
	assert.True(t, cfg.Groups[2].Watch)
	assert.Equal(t, []string{"src"}, cfg.Groups[2].WatchPatterns)
}

func TestLoadConfigDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "procvisor.yaml")
	text := "apps:\n- {name: a, script: x}\n- {name: b, script: x, cwd: sub}\n- {name: c, script: x, cwd: /srv}\n"
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	abs, _ := filepath.Abs(dir)
	assert.Equal(t, abs, cfg.Groups[0].Dir)
	assert.Equal(t, filepath.Join(abs, "sub"), cfg.Groups[1].Dir)
	assert.Equal(t, "/srv", cfg.Groups[2].Dir)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	var ce *ConfigError
	assert.True(t, errors.As(err, &ce))
}

func TestExampleConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("examples", "procvisor.yaml"))
	require.NoError(t, err)
	require.Len(t, cfg.Groups, 3)
	assert.Equal(t, "bg-remover", cfg.Supervisor.Name)
	for _, g := range cfg.Groups {
		assert.NoError(t, g.Validate(), g.Name)
	}
	ports := cfg.Group("BG_REMOVER_PORTS")
	require.NotNil(t, ports)
	assert.Equal(t, []string{"main.py", "--port", "5003"}, Command(ports, 1)[1:])
}
