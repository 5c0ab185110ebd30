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
	"fmt"
)

var (
	ErrNoGroup      = errors.New("no such process group")
	ErrShutdown     = errors.New("supervisor is shut down")
	ErrNotRunning   = errors.New("worker is not running")
	ErrGroupStopped = errors.New("process group is stopped")
)

// ConfigError reports a malformed or ambiguous group specification.  It
// is fatal at load time; nothing is started when one is returned.
type ConfigError struct {
	Group string // may be empty for file level problems
	Field string
	Msg   string
	Err   error
}

func (e *ConfigError) Error() string {
	s := "config"
	if e.Group != "" {
		s += " " + e.Group
	}
	if e.Field != "" {
		s += "." + e.Field
	}
	s += ": " + e.Msg
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configErrorf(group, field, format string, v ...interface{}) *ConfigError {
	return &ConfigError{Group: group, Field: field, Msg: fmt.Sprintf(format, v...)}
}

// SpawnError means the operating system could not create the worker, or the
// worker exited non-zero before the spawn probe elapsed.
type SpawnError struct {
	Group    string
	Index    int
	Command  string
	ExitCode int // -1 when the process never started
	Err      error
}

func (e *SpawnError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("spawn %s[%d] (%s): exited with code %d",
			e.Group, e.Index, e.Command, e.ExitCode)
	}
	return fmt.Sprintf("spawn %s[%d] (%s): %v", e.Group, e.Index, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// CrashLoopExceeded is reported once when an instance uses up its restart
// budget.  The group is degraded and no further automatic action is taken.
type CrashLoopExceeded struct {
	Group    string
	Index    int
	Restarts int
	Window   string
	Last     error
}

func (e *CrashLoopExceeded) Error() string {
	s := fmt.Sprintf("%s[%d]: crash loop: %d restarts within %s",
		e.Group, e.Index, e.Restarts, e.Window)
	if e.Last != nil {
		s += ": " + e.Last.Error()
	}
	return s
}

func (e *CrashLoopExceeded) Unwrap() error {
	return e.Last
}
