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
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Defaults used when a group or the supervisor section leaves a value out.
const (
	DefaultName              = "procvisor"
	DefaultListen            = "127.0.0.1:8321"
	DefaultMaxConns          = 64
	DefaultPortEnv           = "PORT"
	DefaultMaxRestarts       = 10
	DefaultRestartWindow     = time.Minute
	DefaultBackoffBase       = 100 * time.Millisecond
	DefaultBackoffMultiplier = 2.0
	DefaultBackoffMax        = 30 * time.Second
	DefaultMinUptime         = time.Second
	DefaultStopTimeout       = 10 * time.Second
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "console"
	DefaultLogMaxSize        = 100 // MB
	DefaultLogMaxBackups     = 3
	DefaultLogMaxAge         = 7 // days
)

// PortMode says how the instances of a group receive their listening port.
type PortMode string

const (
	// PortNone leaves port handling to the worker's own environment.
	PortNone PortMode = "none"
	// PortPerInstance gives instance i the port base+i.
	PortPerInstance PortMode = "per_instance"
	// PortShared binds one listener in the supervisor and hands it to
	// every instance, letting the kernel spread accepted connections.
	PortShared PortMode = "shared"
)

// Instances is the desired instance count of a group: either a fixed
// number or Auto, meaning one per usable CPU.
type Instances struct {
	Count int
	Auto  bool
}

func (i Instances) String() string {
	if i.Auto {
		return "auto"
	}
	return strconv.Itoa(i.Count)
}

// RestartPolicy controls what happens when an instance exits on its own.
type RestartPolicy struct {
	AutoRestart       bool
	MaxRestarts       int           // within Window
	Window            time.Duration // sliding
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	MinUptime         time.Duration // Starting -> Running
}

// DefaultRestartPolicy returns the policy applied to groups that don't
// override it: 10 restarts per minute, 100ms doubling up to 30s.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		AutoRestart:       true,
		MaxRestarts:       DefaultMaxRestarts,
		Window:            DefaultRestartWindow,
		BackoffBase:       DefaultBackoffBase,
		BackoffMultiplier: DefaultBackoffMultiplier,
		BackoffMax:        DefaultBackoffMax,
		MinUptime:         DefaultMinUptime,
	}
}

// GroupSpec describes one process group.
type GroupSpec struct {
	Name            string
	Script          string
	Interpreter     string // empty means execute Script directly
	InterpreterArgs []string
	Args            []string // may contain {port}, {index} and {name}
	Dir             string
	Env             map[string]string
	Instances       Instances
	Port            int
	PortMode        PortMode
	PortEnv         string
	Watch           bool
	WatchPatterns   []string
	IgnoreWatch     []string
	StopTimeout     time.Duration
	Restart         RestartPolicy
}

// NewGroupSpec returns a spec with every default filled in, running a
// single instance of script.
func NewGroupSpec(name, script string) *GroupSpec {
	return &GroupSpec{
		Name:        name,
		Script:      script,
		Env:         map[string]string{},
		Instances:   Instances{Count: 1},
		PortMode:    PortNone,
		PortEnv:     DefaultPortEnv,
		StopTimeout: DefaultStopTimeout,
		Restart:     DefaultRestartPolicy(),
	}
}

// PortFor returns the port handed to instance index, or 0 if the group
// has no port.
func (g *GroupSpec) PortFor(index int) int {
	switch g.PortMode {
	case PortPerInstance:
		return g.Port + index
	case PortShared:
		return g.Port
	}
	return 0
}

// Validate checks the invariants a spec must satisfy on its own.  The
// instance count is checked later, by Resolve.
func (g *GroupSpec) Validate() error {
	if g.Name == "" {
		return configErrorf("", "name", "missing")
	}
	if g.Script == "" {
		return configErrorf(g.Name, "script", "missing")
	}
	switch g.PortMode {
	case PortNone:
		if g.Port != 0 {
			return configErrorf(g.Name, "port_mode",
				"port %d given without port_mode (per_instance or shared)", g.Port)
		}
	case PortPerInstance, PortShared:
		if g.Port <= 0 || g.Port > 65535 {
			return configErrorf(g.Name, "port", "%d out of range", g.Port)
		}
	default:
		return configErrorf(g.Name, "port_mode", "unknown mode %q", g.PortMode)
	}
	r := g.Restart
	if r.MaxRestarts < 0 {
		return configErrorf(g.Name, "max_restarts", "must not be negative")
	}
	if r.BackoffMultiplier < 1 {
		return configErrorf(g.Name, "backoff_multiplier", "must be at least 1")
	}
	if r.Window < 0 || r.BackoffBase < 0 || r.BackoffMax < 0 || r.MinUptime < 0 || g.StopTimeout < 0 {
		return configErrorf(g.Name, "", "durations must not be negative")
	}
	return nil
}

// AuthConfig enables HTTP basic auth on the control API.
type AuthConfig struct {
	User         string `mapstructure:"user"`
	PasswordHash string `mapstructure:"password_hash"` // bcrypt
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // console or json
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// SupervisorConfig is the "supervisor" section of a configuration file.
// Each key may be overridden from the environment, e.g.
// PROCVISOR_SUPERVISOR_LISTEN or PROCVISOR_SUPERVISOR_LOG_LEVEL.
type SupervisorConfig struct {
	Name     string     `mapstructure:"name"`
	Listen   string     `mapstructure:"listen"`
	MaxConns int        `mapstructure:"max_conns"`
	Auth     AuthConfig `mapstructure:"auth"`
	Log      LogConfig  `mapstructure:"log"`
}

// Config is a complete parsed configuration.
type Config struct {
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Groups     []*GroupSpec     `mapstructure:"-"`
}

// Group returns the named group spec, or nil.
func (c *Config) Group(name string) *GroupSpec {
	for _, g := range c.Groups {
		if g.Name == name {
			return g
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("supervisor.name", DefaultName)
	v.SetDefault("supervisor.listen", DefaultListen)
	v.SetDefault("supervisor.max_conns", DefaultMaxConns)
	v.SetDefault("supervisor.auth.user", "")
	v.SetDefault("supervisor.auth.password_hash", "")
	v.SetDefault("supervisor.log.level", DefaultLogLevel)
	v.SetDefault("supervisor.log.format", DefaultLogFormat)
	v.SetDefault("supervisor.log.file", "")
	v.SetDefault("supervisor.log.max_size", DefaultLogMaxSize)
	v.SetDefault("supervisor.log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("supervisor.log.max_age", DefaultLogMaxAge)
}

// LoadConfig reads the configuration file at path.  The format follows
// the extension (.json, otherwise YAML).  Groups without a cwd run in the
// directory holding the file, and relative cwds are taken relative to it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Msg: "cannot read " + path, Err: err}
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	cfg, err := ParseConfig(bytes.NewReader(data), format)
	if err != nil {
		return nil, err
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, &ConfigError{Msg: "cannot resolve directory", Err: err}
	}
	for _, g := range cfg.Groups {
		switch {
		case g.Dir == "":
			g.Dir = base
		case !filepath.IsAbs(g.Dir):
			g.Dir = filepath.Join(base, g.Dir)
		}
	}
	return cfg, nil
}

// ParseConfig parses a configuration from r.  It has no side effects
// beyond reading r and the PROCVISOR_* environment.
func ParseConfig(r io.Reader, format string) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ConfigError{Msg: "read failed", Err: err}
	}

	v := viper.New()
	v.SetConfigType(format)
	setDefaults(v)
	v.SetEnvPrefix("PROCVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, &ConfigError{Msg: "malformed " + format, Err: err}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, &ConfigError{Field: "supervisor", Msg: "bad section", Err: err}
	}

	// Viper folds keys to lower case, which would mangle environment
	// names, so the apps list is decoded directly.
	var doc struct {
		Apps []rawGroup `yaml:"apps"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Msg: "malformed " + format, Err: err}
	}

	seen := make(map[string]bool)
	for i := range doc.Apps {
		g, err := doc.Apps[i].spec()
		if err != nil {
			return nil, err
		}
		if seen[g.Name] {
			return nil, configErrorf(g.Name, "name", "duplicate group name")
		}
		seen[g.Name] = true
		cfg.Groups = append(cfg.Groups, g)
	}
	return cfg, nil
}

// rawGroup mirrors an apps entry.  Fields that accept several shapes are
// kept as nodes and interpreted by spec.
type rawGroup struct {
	Name              string    `yaml:"name"`
	Script            string    `yaml:"script"`
	Command           string    `yaml:"command"`
	Interpreter       string    `yaml:"interpreter"`
	InterpreterArgs   yaml.Node `yaml:"interpreter_args"`
	Args              yaml.Node `yaml:"args"`
	Cwd               string    `yaml:"cwd"`
	Env               yaml.Node `yaml:"env"`
	Instances         yaml.Node `yaml:"instances"`
	Port              int       `yaml:"port"`
	PortMode          string    `yaml:"port_mode"`
	PortEnv           string    `yaml:"port_env"`
	Watch             yaml.Node `yaml:"watch"`
	IgnoreWatch       yaml.Node `yaml:"ignore_watch"`
	KillTimeout       yaml.Node `yaml:"kill_timeout"`
	AutoRestart       *bool     `yaml:"autorestart"`
	MaxRestarts       *int      `yaml:"max_restarts"`
	RestartWindow     yaml.Node `yaml:"restart_window"`
	RestartDelay      yaml.Node `yaml:"restart_delay"`
	BackoffMultiplier *float64  `yaml:"backoff_multiplier"`
	MaxRestartDelay   yaml.Node `yaml:"max_restart_delay"`
	MinUptime         yaml.Node `yaml:"min_uptime"`
}

func (r *rawGroup) spec() (*GroupSpec, error) {
	if r.Name == "" {
		return nil, configErrorf("", "name", "missing")
	}
	g := NewGroupSpec(r.Name, r.Script)
	if r.Command != "" {
		if r.Script != "" {
			return nil, configErrorf(r.Name, "command", "both script and command given")
		}
		g.Script = r.Command
	}
	if r.Interpreter != "none" {
		g.Interpreter = r.Interpreter
	}
	g.Dir = r.Cwd
	g.Port = r.Port
	if r.PortMode != "" {
		g.PortMode = PortMode(r.PortMode)
	}
	if r.PortEnv != "" {
		g.PortEnv = r.PortEnv
	}

	var err error
	if g.InterpreterArgs, err = nodeList(r.Name, "interpreter_args", &r.InterpreterArgs, true); err != nil {
		return nil, err
	}
	if g.Args, err = nodeList(r.Name, "args", &r.Args, true); err != nil {
		return nil, err
	}
	if g.IgnoreWatch, err = nodeList(r.Name, "ignore_watch", &r.IgnoreWatch, false); err != nil {
		return nil, err
	}
	if g.Env, err = nodeEnv(r.Name, &r.Env); err != nil {
		return nil, err
	}
	if g.Instances, err = nodeInstances(r.Name, &r.Instances); err != nil {
		return nil, err
	}
	if g.Watch, g.WatchPatterns, err = nodeWatch(r.Name, &r.Watch); err != nil {
		return nil, err
	}

	p := &g.Restart
	if r.AutoRestart != nil {
		p.AutoRestart = *r.AutoRestart
	}
	if r.MaxRestarts != nil {
		p.MaxRestarts = *r.MaxRestarts
	}
	if r.BackoffMultiplier != nil {
		p.BackoffMultiplier = *r.BackoffMultiplier
	}
	durations := []struct {
		field string
		node  *yaml.Node
		dst   *time.Duration
	}{
		{"kill_timeout", &r.KillTimeout, &g.StopTimeout},
		{"restart_window", &r.RestartWindow, &p.Window},
		{"restart_delay", &r.RestartDelay, &p.BackoffBase},
		{"max_restart_delay", &r.MaxRestartDelay, &p.BackoffMax},
		{"min_uptime", &r.MinUptime, &p.MinUptime},
	}
	for _, d := range durations {
		if err := nodeDuration(r.Name, d.field, d.node, d.dst); err != nil {
			return nil, err
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func isUnset(n *yaml.Node) bool {
	return n.Kind == 0 || (n.Kind == yaml.ScalarNode && n.Tag == "!!null")
}

// nodeList accepts a string or a list of strings.  When split is set a
// string is broken up on white space, as a shell would for plain words.
func nodeList(group, field string, n *yaml.Node, split bool) ([]string, error) {
	if isUnset(n) {
		return nil, nil
	}
	switch n.Kind {
	case yaml.ScalarNode:
		if split {
			return strings.Fields(n.Value), nil
		}
		return []string{n.Value}, nil
	case yaml.SequenceNode:
		rv := make([]string, 0, len(n.Content))
		for _, c := range n.Content {
			if c.Kind != yaml.ScalarNode {
				return nil, configErrorf(group, field, "list entries must be scalars (line %d)", c.Line)
			}
			rv = append(rv, c.Value)
		}
		return rv, nil
	}
	return nil, configErrorf(group, field, "must be a string or a list (line %d)", n.Line)
}

// nodeEnv accepts a mapping whose values are strings or numbers.  Values
// are kept verbatim, so 007 stays 007.
func nodeEnv(group string, n *yaml.Node) (map[string]string, error) {
	env := map[string]string{}
	if isUnset(n) {
		return env, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, configErrorf(group, "env", "must be a mapping (line %d)", n.Line)
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, val := n.Content[i], n.Content[i+1]
		if k.Value == "" {
			return nil, configErrorf(group, "env", "empty variable name (line %d)", k.Line)
		}
		if val.Kind != yaml.ScalarNode {
			return nil, configErrorf(group, "env."+k.Value, "must be a string or number")
		}
		switch val.Tag {
		case "!!str", "!!int", "!!float":
			env[k.Value] = val.Value
		default:
			return nil, configErrorf(group, "env."+k.Value,
				"must be a string or number, not %s", strings.TrimPrefix(val.Tag, "!!"))
		}
	}
	return env, nil
}

func nodeInstances(group string, n *yaml.Node) (Instances, error) {
	if isUnset(n) {
		return Instances{Count: 1}, nil
	}
	if n.Kind == yaml.ScalarNode {
		switch strings.ToLower(n.Value) {
		case "auto", "max":
			return Instances{Auto: true}, nil
		}
		if c, err := strconv.Atoi(n.Value); err == nil {
			return Instances{Count: c}, nil
		}
	}
	return Instances{}, configErrorf(group, "instances",
		"must be an integer, \"auto\" or \"max\" (line %d)", n.Line)
}

// nodeWatch accepts a boolean, a single pattern, or a list of patterns.
func nodeWatch(group string, n *yaml.Node) (bool, []string, error) {
	if isUnset(n) {
		return false, nil, nil
	}
	if n.Kind == yaml.ScalarNode && n.Tag == "!!bool" {
		b, err := strconv.ParseBool(n.Value)
		if err != nil {
			return false, nil, configErrorf(group, "watch", "bad boolean %q", n.Value)
		}
		return b, nil, nil
	}
	pats, err := nodeList(group, "watch", n, false)
	if err != nil {
		return false, nil, err
	}
	for _, p := range pats {
		if _, err := filepath.Match(p, ""); err != nil {
			return false, nil, &ConfigError{Group: group, Field: "watch", Msg: "bad pattern " + p, Err: err}
		}
	}
	return len(pats) > 0, pats, nil
}

// nodeDuration accepts Go duration strings; bare numbers are milliseconds.
func nodeDuration(group, field string, n *yaml.Node, dst *time.Duration) error {
	if isUnset(n) {
		return nil
	}
	if n.Kind == yaml.ScalarNode {
		switch n.Tag {
		case "!!int", "!!float":
			ms, err := strconv.ParseFloat(n.Value, 64)
			if err == nil {
				*dst = time.Duration(ms * float64(time.Millisecond))
				return nil
			}
		case "!!str":
			d, err := time.ParseDuration(n.Value)
			if err == nil {
				*dst = d
				return nil
			}
		}
	}
	return configErrorf(group, field, "bad duration %q", n.Value)
}

// String renders a one-line summary, handy in logs.
func (g *GroupSpec) String() string {
	cmd := g.Script
	if g.Interpreter != "" {
		cmd = g.Interpreter + " " + cmd
	}
	return fmt.Sprintf("%s(%s x%s)", g.Name, cmd, g.Instances)
}
