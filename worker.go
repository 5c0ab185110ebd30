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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultSpawnProbe is how long Spawn watches a new process for an
// immediate failure.
const DefaultSpawnProbe = 100 * time.Millisecond

// State is the lifecycle state of a worker.
type State int

const (
	Starting State = iota
	Running
	Stopping
	Stopped
	Crashed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Crashed:
		return "crashed"
	}
	return "unknown"
}

// SpawnOptions carries what a worker needs beyond its group spec.
type SpawnOptions struct {
	Logger   *zap.Logger
	Log      *Log          // group log, receives stdout and stderr
	Listener *os.File      // shared listening socket, passed as fd 3
	Probe    time.Duration // 0 selects DefaultSpawnProbe, <0 disables
	Restarts int

	// Hold delays OnRunning and OnExit until Release is called, giving
	// the owner a chance to record the worker first.
	Hold bool

	// OnRunning is called once the worker survived its stability window.
	OnRunning func(w *Worker)
	// OnExit is called once the process has been reaped.  It is not called
	// when Spawn itself reports the exit as a SpawnError.
	OnExit func(w *Worker, code int)
}

// Worker is one OS process belonging to a group.  The supervisor owns it;
// its own lock only guards the fields the reaper updates.
type Worker struct {
	group    string
	index    int
	id       string
	port     int
	command  string
	restarts int
	started  time.Time
	cmd      *exec.Cmd
	logger   *zap.Logger

	mx          sync.Mutex
	state       State
	exitCode    int
	exitErr     error
	stopped     time.Time
	terminating bool
	probeFailed bool
	stable      *time.Timer
	running     chan struct{}
	done        chan struct{}
	probed      chan struct{}
	hold        chan struct{}
	release     sync.Once
}

func expandArgs(args []string, name string, index, port int) []string {
	r := strings.NewReplacer(
		"{name}", name,
		"{index}", strconv.Itoa(index),
		"{port}", strconv.Itoa(port))
	rv := make([]string, 0, len(args))
	for _, a := range args {
		rv = append(rv, r.Replace(a))
	}
	return rv
}

// findExecutable resolves a program the way a shell would: bare names are
// searched in PATH, anything with a separator is taken relative to dir.
func findExecutable(name, dir string) (string, error) {
	if !strings.ContainsRune(name, filepath.Separator) {
		return exec.LookPath(name)
	}
	p := name
	if !filepath.IsAbs(p) && dir != "" {
		p = filepath.Join(dir, p)
	}
	if _, err := os.Stat(p); err != nil {
		return "", err
	}
	return p, nil
}

// Command returns the argv used for instance index of the group.
func Command(g *GroupSpec, index int) []string {
	port := g.PortFor(index)
	var argv []string
	if g.Interpreter != "" {
		argv = append(argv, g.Interpreter)
		argv = append(argv, expandArgs(g.InterpreterArgs, g.Name, index, port)...)
	}
	argv = append(argv, g.Script)
	argv = append(argv, expandArgs(g.Args, g.Name, index, port)...)
	return argv
}

// Environment returns the environment for instance index: ours, then the
// group's variables, then the per-instance ones.
func Environment(g *GroupSpec, index int, id string, shared bool) []string {
	env := os.Environ()
	keys := make([]string, 0, len(g.Env))
	for k := range g.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+g.Env[k])
	}
	if port := g.PortFor(index); port != 0 {
		env = append(env, fmt.Sprintf("%s=%d", g.PortEnv, port))
	}
	env = append(env,
		"PROCVISOR_GROUP="+g.Name,
		"PROCVISOR_INSTANCE="+strconv.Itoa(index),
		"PROCVISOR_ID="+id)
	if shared {
		env = append(env, "LISTEN_FDS=1", "PROCVISOR_LISTEN_FD=3")
	}
	return env
}

// Spawn starts instance index of group g.  It returns a *SpawnError if the
// program cannot be found or started, or if it exits non-zero within the
// probe window.
func Spawn(g *GroupSpec, index int, opts SpawnOptions) (*Worker, error) {
	argv := Command(g, index)
	w := &Worker{
		group:    g.Name,
		index:    index,
		id:       uuid.NewString(),
		port:     g.PortFor(index),
		command:  strings.Join(argv, " "),
		restarts: opts.Restarts,
		logger:   opts.Logger,
		state:    Starting,
		running:  make(chan struct{}),
		done:     make(chan struct{}),
		probed:   make(chan struct{}),
		hold:     make(chan struct{}),
	}
	if !opts.Hold {
		w.Release()
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	w.logger = w.logger.With(zap.String("group", g.Name), zap.Int("instance", index))
	fail := func(err error) (*Worker, error) {
		return nil, &SpawnError{Group: g.Name, Index: index, Command: w.command, ExitCode: -1, Err: err}
	}

	path, err := findExecutable(argv[0], g.Dir)
	if err != nil {
		return fail(err)
	}
	cmd := exec.Command(path, argv[1:]...)
	cmd.Args[0] = argv[0]
	cmd.Dir = g.Dir
	cmd.Env = Environment(g, index, w.id, opts.Listener != nil)
	if opts.Listener != nil {
		cmd.ExtraFiles = []*os.File{opts.Listener}
	}
	setProcAttr(cmd)

	// Plain pipes, so that Wait never blocks on a grandchild that
	// inherited our stdout.
	outR, outW, err := os.Pipe()
	if err != nil {
		return fail(err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return fail(err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return fail(err)
	}
	outW.Close()
	errW.Close()
	w.cmd = cmd
	w.started = time.Now()

	go w.capture(outR, "stdout", opts.Log)
	go w.capture(errR, "stderr", opts.Log)

	minUp := g.Restart.MinUptime
	w.mx.Lock()
	w.stable = time.AfterFunc(minUp, func() {
		if w.markRunning() && opts.OnRunning != nil {
			<-w.hold
			opts.OnRunning(w)
		}
	})
	w.mx.Unlock()

	go w.reap(opts.OnExit)

	w.logger.Info("spawned",
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("port", w.port),
		zap.String("id", w.id),
		zap.String("command", w.command))

	probe := opts.Probe
	if probe == 0 {
		probe = DefaultSpawnProbe
	}
	if probe > 0 {
		t := time.NewTimer(probe)
		select {
		case <-w.done:
			t.Stop()
		case <-t.C:
		}
	}
	w.mx.Lock()
	exited := w.state == Crashed
	if exited {
		w.probeFailed = true
	}
	code, xerr := w.exitCode, w.exitErr
	w.mx.Unlock()
	close(w.probed)
	if exited {
		w.Release()
		return nil, &SpawnError{Group: g.Name, Index: index, Command: w.command, ExitCode: code, Err: xerr}
	}
	return w, nil
}

func (w *Worker) capture(r io.ReadCloser, stream string, ring *Log) {
	defer r.Close()
	pfx := fmt.Sprintf("%s[%d] %s> ", w.group, w.index, stream)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if ring != nil {
			ring.Add(pfx + line)
		}
		w.logger.Debug(line, zap.String("stream", stream))
	}
}

func (w *Worker) markRunning() bool {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.state != Starting {
		return false
	}
	w.state = Running
	close(w.running)
	return true
}

func (w *Worker) reap(onExit func(*Worker, int)) {
	err := w.cmd.Wait()
	code := 0
	if err != nil {
		var xe *exec.ExitError
		if errors.As(err, &xe) {
			// -1 when killed by a signal
			code = xe.ExitCode()
		} else {
			code = -1
		}
	}

	w.mx.Lock()
	w.stable.Stop()
	w.exitCode = code
	w.exitErr = err
	w.stopped = time.Now()
	switch {
	case w.terminating:
		w.state = Stopped
	case code == 0:
		// Clean exit nobody asked for; it is not a crash.
		w.state = Stopped
	default:
		w.state = Crashed
	}
	state := w.state
	uptime := w.stopped.Sub(w.started)
	w.mx.Unlock()

	w.logger.Info("exited",
		zap.Int("pid", w.cmd.Process.Pid),
		zap.Int("code", code),
		zap.Stringer("state", state),
		zap.Duration("uptime", uptime))
	close(w.done)

	<-w.probed
	w.mx.Lock()
	suppressed := w.probeFailed
	w.mx.Unlock()
	if !suppressed && onExit != nil {
		<-w.hold
		onExit(w, code)
	}
}

// Release lets held callbacks run.  It may be called more than once.
func (w *Worker) Release() {
	w.release.Do(func() { close(w.hold) })
}

// Requested reports whether the exit, if any, was asked for.
func (w *Worker) Requested() bool {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.terminating
}

// Terminate asks the worker to stop with SIGTERM, sent to its whole
// process group, and kills it if it is still alive after grace or when ctx
// is done.  It returns once the process is gone.  Calling it on a worker
// that already exited does nothing.
func (w *Worker) Terminate(ctx context.Context, grace time.Duration) error {
	w.mx.Lock()
	// The reaper records the exit before it closes done.
	if !w.stopped.IsZero() {
		w.mx.Unlock()
		return nil
	}
	if !w.terminating {
		w.terminating = true
		w.state = Stopping
		w.stable.Stop()
		if err := signalTerm(w.cmd); err != nil {
			w.logger.Warn("SIGTERM failed", zap.Error(err))
		}
	}
	w.mx.Unlock()

	if grace <= 0 {
		grace = time.Nanosecond
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-w.done:
		return nil
	case <-t.C:
		w.logger.Warn("did not stop in time, killing", zap.Duration("grace", grace))
	case <-ctx.Done():
		w.logger.Warn("stop cancelled, killing")
	}
	if err := signalKill(w.cmd); err != nil {
		w.logger.Warn("SIGKILL failed", zap.Error(err))
	}
	<-w.done
	return nil
}

// Poll returns the current state without blocking.
func (w *Worker) Poll() State {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.state
}

// WaitRunning waits until the worker is Running.  It fails if the worker
// exits first or ctx is done.
func (w *Worker) WaitRunning(ctx context.Context) error {
	select {
	case <-w.running:
		return nil
	case <-w.done:
		return fmt.Errorf("%s[%d]: %w (exit code %d)", w.group, w.index, ErrNotRunning, w.ExitCode())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the process has been reaped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) Group() string { return w.group }
func (w *Worker) Index() int { return w.index }
func (w *Worker) ID() string { return w.id }
func (w *Worker) Port() int { return w.port }
func (w *Worker) Command() string { return w.command }
func (w *Worker) Restarts() int { return w.restarts }
func (w *Worker) Started() time.Time { return w.started }

// Pid returns the operating system process id.
func (w *Worker) Pid() int {
	return w.cmd.Process.Pid
}

// ExitCode is the exit code once the worker is gone; -1 means it died
// from a signal.
func (w *Worker) ExitCode() int {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.exitCode
}

// ExitErr returns the error from reaping the process, if any.
func (w *Worker) ExitErr() error {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.exitErr
}

// Uptime is how long the process ran, or has been running.
func (w *Worker) Uptime() time.Duration {
	w.mx.Lock()
	defer w.mx.Unlock()
	if !w.stopped.IsZero() {
		return w.stopped.Sub(w.started)
	}
	return time.Since(w.started)
}
