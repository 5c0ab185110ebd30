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
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EventKind classifies supervisor events.
type EventKind int

const (
	EventSpawned EventKind = iota
	EventRunning
	EventExited
	EventCrashed
	EventSpawnFailed
	EventCrashLoop
	EventRestarted
	EventStopped
)

func (k EventKind) String() string {
	switch k {
	case EventSpawned:
		return "spawned"
	case EventRunning:
		return "running"
	case EventExited:
		return "exited"
	case EventCrashed:
		return "crashed"
	case EventSpawnFailed:
		return "spawn-failed"
	case EventCrashLoop:
		return "crash-loop"
	case EventRestarted:
		return "restarted"
	case EventStopped:
		return "stopped"
	}
	return "unknown"
}

// Event describes something that happened to a group or one of its
// instances.  Index is -1 for group level events.
type Event struct {
	Kind  EventKind
	Group string
	Index int
	Pid   int
	Code  int
	Err   error
	Time  time.Time
}

func (e Event) String() string {
	s := fmt.Sprintf("%s %s", e.Group, e.Kind)
	if e.Index >= 0 {
		s = fmt.Sprintf("%s[%d] %s", e.Group, e.Index, e.Kind)
	}
	if e.Pid > 0 {
		s += fmt.Sprintf(" pid=%d", e.Pid)
	}
	if e.Kind == EventExited || e.Kind == EventCrashed {
		s += fmt.Sprintf(" code=%d", e.Code)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Supervisor owns every process group and its instances.  All bookkeeping
// happens under one lock; spawning and terminating processes never do.
type Supervisor struct {
	name        string
	groups      map[string]*group
	order       []string
	parallelism int
	probe       time.Duration
	logger      *zap.Logger
	log         *Log
	notify      []func(Event)
	shutdown    bool
	serial      int64
	changed     chan struct{}
	createTime  time.Time
	updateTime  time.Time
	mx          sync.Mutex
}

// Info is top-level information about a Supervisor.
type Info struct {
	Name        string
	Serial      int64
	Parallelism int
	CreateTime  time.Time
	UpdateTime  time.Time
}

// NewSupervisor validates specs and returns a Supervisor for them.  No
// process is started.  The host parallelism is sampled here, once.
func NewSupervisor(name string, specs []*GroupSpec) (*Supervisor, error) {
	if name == "" {
		name = DefaultName
	}
	// The serial starts at the current time in nsec, so that clients
	// caching by serial notice a restarted supervisor.
	s := &Supervisor{
		name:        name,
		groups:      make(map[string]*group),
		parallelism: AvailableParallelism(),
		logger:      zap.NewNop(),
		log:         NewLog(0),
		serial:      time.Now().UnixNano(),
		changed:     make(chan struct{}),
		createTime:  time.Now(),
	}
	s.updateTime = s.createTime
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.groups[spec.Name]; dup {
			return nil, configErrorf(spec.Name, "name", "duplicate group name")
		}
		s.groups[spec.Name] = newGroup(spec)
		s.order = append(s.order, spec.Name)
	}
	return s, nil
}

func (s *Supervisor) lock() {
	s.mx.Lock()
}

func (s *Supervisor) unlock() {
	s.mx.Unlock()
}

// bumpSerial increments the serial and wakes watchers.  Call with the lock
// held.
func (s *Supervisor) bumpSerial() int64 {
	s.updateTime = time.Now()
	s.serial++
	close(s.changed)
	s.changed = make(chan struct{})
	return s.serial
}

// Serial returns the change counter.  It moves on every state change.
func (s *Supervisor) Serial() int64 {
	s.lock()
	defer s.unlock()
	return s.serial
}

// WatchSerial blocks until the serial differs from old or ctx is done,
// returning the serial at that point.
func (s *Supervisor) WatchSerial(ctx context.Context, old int64) int64 {
	for {
		s.lock()
		sn, ch := s.serial, s.changed
		s.unlock()
		if sn != old {
			return sn
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return sn
		}
	}
}

// Name returns the name the supervisor was created with.
func (s *Supervisor) Name() string {
	return s.name
}

// GetInfo returns a consistent copy of the top-level information.
func (s *Supervisor) GetInfo() *Info {
	s.lock()
	defer s.unlock()
	return &Info{
		Name:        s.name,
		Serial:      s.serial,
		Parallelism: s.parallelism,
		CreateTime:  s.createTime,
		UpdateTime:  s.updateTime,
	}
}

// SetLogger replaces the logger.  Use it before StartAll.
func (s *Supervisor) SetLogger(l *zap.Logger) {
	s.lock()
	s.logger = l.With(zap.String("supervisor", s.name))
	s.unlock()
}

// SetParallelism overrides the sampled host parallelism used for "auto"
// groups.  Use it before StartAll.
func (s *Supervisor) SetParallelism(n int) {
	s.lock()
	s.parallelism = n
	s.unlock()
}

// SetSpawnProbe changes how long a new process is watched for an
// immediate failure.  A negative value disables the probe.
func (s *Supervisor) SetSpawnProbe(d time.Duration) {
	s.lock()
	s.probe = d
	s.unlock()
}

// Notify registers fn to receive every event.  Events are delivered on
// their own goroutine, so fn may call back into the Supervisor.
func (s *Supervisor) Notify(fn func(Event)) {
	s.lock()
	s.notify = append(s.notify, fn)
	s.unlock()
}

// Log returns the supervisor-wide log ring.
func (s *Supervisor) Log() *Log {
	return s.log
}

// GroupLog returns the output log of the named group.
func (s *Supervisor) GroupLog(name string) (*Log, error) {
	g, err := s.findGroup(name)
	if err != nil {
		return nil, err
	}
	return g.log, nil
}

// Groups returns the group names in configuration order.
func (s *Supervisor) Groups() []string {
	s.lock()
	defer s.unlock()
	return append([]string(nil), s.order...)
}

// Spec returns the spec of the named group.
func (s *Supervisor) Spec(name string) (*GroupSpec, error) {
	g, err := s.findGroup(name)
	if err != nil {
		return nil, err
	}
	return g.spec, nil
}

func (s *Supervisor) findGroup(name string) (*group, error) {
	s.lock()
	defer s.unlock()
	if g, ok := s.groups[name]; ok {
		return g, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoGroup, name)
}

// emit records an event.  Call with the lock held.
func (s *Supervisor) emit(ev Event) {
	ev.Time = time.Now()
	fields := []zap.Field{zap.String("group", ev.Group), zap.Stringer("event", ev.Kind)}
	if ev.Index >= 0 {
		fields = append(fields, zap.Int("instance", ev.Index))
	}
	if ev.Pid > 0 {
		fields = append(fields, zap.Int("pid", ev.Pid))
	}
	switch ev.Kind {
	case EventCrashLoop:
		s.logger.Error("restart budget exhausted", append(fields, zap.Error(ev.Err))...)
	case EventCrashed, EventSpawnFailed:
		s.logger.Warn(ev.Kind.String(), append(fields, zap.Int("code", ev.Code), zap.Error(ev.Err))...)
	default:
		s.logger.Info(ev.Kind.String(), fields...)
	}
	if g, ok := s.groups[ev.Group]; ok {
		g.log.Add("*** " + ev.String())
	}
	for _, fn := range s.notify {
		go fn(ev)
	}
	s.bumpSerial()
}

// InstanceStatus is a snapshot of one instance slot.
type InstanceStatus struct {
	Index    int
	ID       string
	Pid      int
	Port     int
	State    State
	Restarts int
	Started  time.Time
	Uptime   time.Duration
	ExitCode int
	Command  string
}

// GroupStatus is a snapshot of one group.
type GroupStatus struct {
	Name      string
	Desired   int // resolved instance count, 0 until first started
	Active    bool
	Degraded  bool
	Failures  int
	Restarts  int
	LastError string
	Reason    string
	Stamp     time.Time
	Instances []InstanceStatus
}

// Running counts the instances currently in the Running state.
func (g *GroupStatus) Running() int {
	n := 0
	for _, i := range g.Instances {
		if i.State == Running {
			n++
		}
	}
	return n
}

// State summarizes the group in one word.
func (g *GroupStatus) State() string {
	switch {
	case g.Degraded:
		return "degraded"
	case !g.Active:
		return "stopped"
	case g.Running() == len(g.Instances) && len(g.Instances) > 0:
		return "running"
	case g.Running() == 0:
		return "starting"
	}
	return "partial"
}

// Uptime is the longest uptime among the running instances.
func (g *GroupStatus) Uptime() time.Duration {
	var d time.Duration
	for _, i := range g.Instances {
		if i.State == Running && i.Uptime > d {
			d = i.Uptime
		}
	}
	return d
}

// Status returns a consistent snapshot of every group.
func (s *Supervisor) Status() []GroupStatus {
	s.lock()
	defer s.unlock()
	rv := make([]GroupStatus, 0, len(s.order))
	for _, name := range s.order {
		rv = append(rv, s.groups[name].status())
	}
	return rv
}

// GroupStatus returns a snapshot of the named group.
func (s *Supervisor) GroupStatus(name string) (GroupStatus, error) {
	s.lock()
	defer s.unlock()
	g, ok := s.groups[name]
	if !ok {
		return GroupStatus{}, fmt.Errorf("%w: %s", ErrNoGroup, name)
	}
	return g.status(), nil
}

// Live counts the workers that are Starting or Running across all groups.
func (s *Supervisor) Live() int {
	n := 0
	for _, g := range s.Status() {
		for _, i := range g.Instances {
			if i.State == Starting || i.State == Running {
				n++
			}
		}
	}
	return n
}

// StartAll resolves the instance count of every group and starts them.
// Counts are resolved before anything is spawned, so a ConfigError leaves
// nothing running.  Groups start concurrently; spawn failures are
// combined into the returned error and retried per the restart policy.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.lock()
	if s.shutdown {
		s.unlock()
		return ErrShutdown
	}
	groups := make([]*group, 0, len(s.order))
	for _, name := range s.order {
		g := s.groups[name]
		if g.count == 0 {
			n, err := Resolve(g.spec, s.parallelism)
			if err != nil {
				s.unlock()
				return err
			}
			g.count = n
		}
		groups = append(groups, g)
	}
	s.unlock()

	errs := make([]error, len(groups))
	var eg errgroup.Group
	for i, g := range groups {
		eg.Go(func() error {
			errs[i] = s.startGroup(ctx, g)
			return nil
		})
	}
	_ = eg.Wait()
	return multierr.Combine(errs...)
}

// StartGroup starts a group that is not running.  Starting a running group
// does nothing.
func (s *Supervisor) StartGroup(ctx context.Context, name string) error {
	g, err := s.findGroup(name)
	if err != nil {
		return err
	}
	s.lock()
	if g.count == 0 {
		n, err := Resolve(g.spec, s.parallelism)
		if err != nil {
			s.unlock()
			return err
		}
		g.count = n
	}
	s.unlock()
	return s.startGroup(ctx, g)
}

// StopGroup terminates every instance of the group, waits for them to be
// gone, and drops them from the state table.  The group itself stays
// known, with no instances.  Stopping a stopped group does nothing.
func (s *Supervisor) StopGroup(ctx context.Context, name string) error {
	g, err := s.findGroup(name)
	if err != nil {
		return err
	}
	return s.stopGroup(ctx, g)
}

// StopAll stops every group concurrently.  It is safe to call while
// StartAll is still spawning, and more than once.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.lock()
	groups := make([]*group, 0, len(s.order))
	for _, name := range s.order {
		groups = append(groups, s.groups[name])
	}
	s.unlock()

	errs := make([]error, len(groups))
	var eg errgroup.Group
	for i, g := range groups {
		eg.Go(func() error {
			errs[i] = s.stopGroup(ctx, g)
			return nil
		})
	}
	_ = eg.Wait()
	return multierr.Combine(errs...)
}

// RestartGroup performs a rolling restart of the named group.
func (s *Supervisor) RestartGroup(ctx context.Context, name string) error {
	g, err := s.findGroup(name)
	if err != nil {
		return err
	}
	return s.rollGroup(ctx, g)
}

// RestartAll rolls every running group.  Groups roll concurrently; within
// a group instances are replaced one at a time.
func (s *Supervisor) RestartAll(ctx context.Context) error {
	s.lock()
	var groups []*group
	for _, name := range s.order {
		if g := s.groups[name]; g.active {
			groups = append(groups, g)
		}
	}
	s.unlock()

	errs := make([]error, len(groups))
	var eg errgroup.Group
	for i, g := range groups {
		eg.Go(func() error {
			errs[i] = s.rollGroup(ctx, g)
			return nil
		})
	}
	_ = eg.Wait()
	return multierr.Combine(errs...)
}

// Shutdown stops everything and refuses any further start.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.lock()
	first := !s.shutdown
	s.shutdown = true
	s.unlock()
	if first {
		s.logger.Info("shutting down")
	}
	return s.StopAll(ctx)
}
