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
package rest

import (
	"time"

	"github.com/procvisor/procvisor"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// PollEtagHeader carries the Etag a long poll waits to see change.
	PollEtagHeader = "X-Procvisor-Poll-Etag"
	// PollTimeHeader carries how many seconds a long poll may wait.
	PollTimeHeader = "X-Procvisor-Poll-Time"

	// MaxPollTime bounds the wait of a single long poll.
	MaxPollTime = 300 * time.Second
)

var ok struct{}

// LogRecord is one line of a supervisor or group log.
type LogRecord = procvisor.LogRecord

// SupervisorInfo is served at the root of the tree.
type SupervisorInfo struct {
	Name        string    `json:"name" yaml:"name"`
	Serial      int64     `json:"serial,string" yaml:"serial"`
	Parallelism int       `json:"parallelism" yaml:"parallelism"`
	Groups      int       `json:"groups" yaml:"groups"`
	Live        int       `json:"live" yaml:"live"`
	CreateTime  time.Time `json:"created" yaml:"created"`
	UpdateTime  time.Time `json:"updated" yaml:"updated"`
	etag        string
}

// Etag returns the tag the information was fetched with.
func (i *SupervisorInfo) Etag() string {
	return i.etag
}

// InstanceInfo describes one instance slot of a group.
type InstanceInfo struct {
	Index    int           `json:"index" yaml:"index"`
	ID       string        `json:"id" yaml:"id"`
	Pid      int           `json:"pid" yaml:"pid"`
	Port     int           `json:"port,omitempty" yaml:"port,omitempty"`
	State    string        `json:"state" yaml:"state"`
	Restarts int           `json:"restarts" yaml:"restarts"`
	Started  time.Time     `json:"started" yaml:"started"`
	Uptime   time.Duration `json:"uptime" yaml:"uptime"`
	ExitCode int           `json:"exit_code" yaml:"exit_code"`
	Command  string        `json:"command" yaml:"command"`
}

// GroupInfo describes a group and its instances.
type GroupInfo struct {
	Name      string         `json:"name" yaml:"name"`
	State     string         `json:"state" yaml:"state"`
	Desired   int            `json:"desired" yaml:"desired"`
	Running   int            `json:"running" yaml:"running"`
	Active    bool           `json:"active" yaml:"active"`
	Degraded  bool           `json:"degraded" yaml:"degraded"`
	Failures  int            `json:"failures" yaml:"failures"`
	Restarts  int            `json:"restarts" yaml:"restarts"`
	Port      int            `json:"port,omitempty" yaml:"port,omitempty"`
	PortMode  string         `json:"port_mode" yaml:"port_mode"`
	Watch     bool           `json:"watch" yaml:"watch"`
	Uptime    time.Duration  `json:"uptime" yaml:"uptime"`
	LastError string         `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Reason    string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	TimeStamp time.Time      `json:"tstamp" yaml:"tstamp"`
	Instances []InstanceInfo `json:"instances" yaml:"instances"`
}

// NewGroupInfo converts a status snapshot.  The spec may be nil.
func NewGroupInfo(gs procvisor.GroupStatus, spec *procvisor.GroupSpec) *GroupInfo {
	info := &GroupInfo{
		Name:      gs.Name,
		State:     gs.State(),
		Desired:   gs.Desired,
		Running:   gs.Running(),
		Active:    gs.Active,
		Degraded:  gs.Degraded,
		Failures:  gs.Failures,
		Restarts:  gs.Restarts,
		Uptime:    gs.Uptime(),
		LastError: gs.LastError,
		Reason:    gs.Reason,
		TimeStamp: gs.Stamp,
		Instances: make([]InstanceInfo, 0, len(gs.Instances)),
	}
	if spec != nil {
		info.Port = spec.Port
		info.PortMode = string(spec.PortMode)
		info.Watch = spec.Watch
	}
	for _, i := range gs.Instances {
		info.Instances = append(info.Instances, InstanceInfo{
			Index:    i.Index,
			ID:       i.ID,
			Pid:      i.Pid,
			Port:     i.Port,
			State:    i.State.String(),
			Restarts: i.Restarts,
			Started:  i.Started,
			Uptime:   i.Uptime,
			ExitCode: i.ExitCode,
			Command:  i.Command,
		})
	}
	return info
}

// LogInfo is a fetched log together with its Etag.
type LogInfo struct {
	name    string
	etag    string
	Records []LogRecord
}

// Etag returns the tag the log was fetched with.
func (l *LogInfo) Etag() string {
	return l.etag
}

type Error struct {
	Code    int    `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
}

func (e *Error) Error() string {
	return e.Message
}
