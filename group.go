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
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// slot is one (group, index) position.  Its worker is replaced on every
// respawn; the slot itself lives until the group is stopped.
type slot struct {
	index    int
	worker   *Worker
	restarts int
	budget   *restartBudget
	timer    *time.Timer // pending respawn
	terminal bool        // no further automatic restarts
	looped   bool        // CrashLoopExceeded already reported
}

type group struct {
	spec     *GroupSpec
	count    int
	slots    []*slot
	active   bool
	epoch    int64 // bumped on start and stop; stale callbacks compare it
	degraded bool
	failures int
	lastErr  error
	reason   string
	stamp    time.Time
	listener *os.File
	log      *Log

	// ops serializes start, stop and rolling restart of this group.
	ops sync.Mutex
	// inflight counts spawns in progress.  Add is only called with the
	// supervisor lock held while the group is active.
	inflight sync.WaitGroup
}

func newGroup(spec *GroupSpec) *group {
	return &group{
		spec:   spec,
		log:    NewLog(0),
		reason: "not started",
		stamp:  time.Now(),
	}
}

func (g *group) setReason(format string, v ...interface{}) {
	g.reason = fmt.Sprintf(format, v...)
	g.stamp = time.Now()
}

func (g *group) status() GroupStatus {
	gs := GroupStatus{
		Name:     g.spec.Name,
		Desired:  g.count,
		Active:   g.active,
		Degraded: g.degraded,
		Failures: g.failures,
		Reason:   g.reason,
		Stamp:    g.stamp,
	}
	if g.lastErr != nil {
		gs.LastError = g.lastErr.Error()
	}
	for _, sl := range g.slots {
		is := InstanceStatus{
			Index:    sl.index,
			Port:     g.spec.PortFor(sl.index),
			Restarts: sl.restarts,
			State:    Starting,
		}
		if w := sl.worker; w != nil {
			is.ID = w.ID()
			is.Pid = w.Pid()
			is.State = w.Poll()
			is.Started = w.Started()
			is.Uptime = w.Uptime()
			is.Command = w.Command()
			if is.State == Stopped || is.State == Crashed {
				is.ExitCode = w.ExitCode()
			}
		}
		if sl.terminal && is.State != Stopped {
			is.State = Crashed
		}
		gs.Restarts += sl.restarts
		gs.Instances = append(gs.Instances, is)
	}
	return gs
}

func (s *Supervisor) openListener(g *group) error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", g.spec.Port))
	if err != nil {
		return err
	}
	defer l.Close()
	f, err := l.(*net.TCPListener).File()
	if err != nil {
		return err
	}
	g.listener = f
	return nil
}

func (s *Supervisor) startGroup(ctx context.Context, g *group) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.ops.Lock()
	s.lock()
	if s.shutdown {
		s.unlock()
		g.ops.Unlock()
		return ErrShutdown
	}
	if g.active {
		s.unlock()
		g.ops.Unlock()
		return nil
	}
	if g.spec.PortMode == PortShared && g.listener == nil {
		if err := s.openListener(g); err != nil {
			serr := &SpawnError{Group: g.spec.Name, Index: -1, Command: "listen", ExitCode: -1, Err: err}
			g.failures++
			g.lastErr = serr
			g.setReason("cannot listen on port %d", g.spec.Port)
			s.emit(Event{Kind: EventSpawnFailed, Group: g.spec.Name, Index: -1, Code: -1, Err: serr})
			s.unlock()
			g.ops.Unlock()
			return serr
		}
	}
	g.active = true
	g.epoch++
	g.degraded = false
	g.slots = make([]*slot, g.count)
	for i := range g.slots {
		g.slots[i] = &slot{index: i, budget: newRestartBudget(g.spec.Restart)}
	}
	epoch := g.epoch
	slots := g.slots
	g.inflight.Add(len(slots))
	g.setReason("starting %d instances", len(slots))
	s.logger.Info("starting group", zap.String("group", g.spec.Name), zap.Int("instances", len(slots)))
	s.unlock()
	g.ops.Unlock()

	errs := make([]error, len(slots))
	var eg errgroup.Group
	for i, sl := range slots {
		eg.Go(func() error {
			defer g.inflight.Done()
			errs[i] = s.spawnInto(g, sl, epoch)
			return nil
		})
	}
	_ = eg.Wait()
	return multierr.Combine(errs...)
}

// spawnInto starts a worker for sl.  The caller must have added to
// g.inflight.  Failures are counted and, while the group is still
// current, retried per the restart policy.
func (s *Supervisor) spawnInto(g *group, sl *slot, epoch int64) error {
	s.lock()
	opts := SpawnOptions{
		Logger:    s.logger,
		Log:       g.log,
		Listener:  g.listener,
		Probe:     s.probe,
		Restarts:  sl.restarts,
		Hold:      true,
		OnRunning: s.onRunning,
		OnExit:    s.onExit,
	}
	s.unlock()

	w, err := Spawn(g.spec, sl.index, opts)

	s.lock()
	current := g.epoch == epoch && g.active
	if err != nil {
		g.failures++
		g.lastErr = err
		g.setReason("spawn failed: %v", err)
		s.emit(Event{Kind: EventSpawnFailed, Group: g.spec.Name, Index: sl.index, Code: -1, Err: err})
		if current {
			s.scheduleRestart(g, sl, err)
		}
		s.unlock()
		return err
	}
	if !current {
		s.unlock()
		// Stopped while we were spawning; don't leave it behind.
		w.Release()
		w.Terminate(context.Background(), g.spec.StopTimeout)
		return nil
	}
	sl.worker = w
	kind := EventSpawned
	if sl.restarts > 0 {
		kind = EventRestarted
	}
	g.setReason("instance %d started", sl.index)
	s.emit(Event{Kind: kind, Group: g.spec.Name, Index: sl.index, Pid: w.Pid()})
	s.unlock()
	w.Release()
	return nil
}

// slotOf finds the slot currently holding w.  Call with the lock held.
func (s *Supervisor) slotOf(w *Worker) (*group, *slot) {
	g, ok := s.groups[w.Group()]
	if !ok {
		return nil, nil
	}
	for _, sl := range g.slots {
		if sl.worker == w {
			return g, sl
		}
	}
	return g, nil
}

func (s *Supervisor) onRunning(w *Worker) {
	s.lock()
	defer s.unlock()
	g, sl := s.slotOf(w)
	if sl == nil {
		return
	}
	sl.budget.stable()
	s.emit(Event{Kind: EventRunning, Group: g.spec.Name, Index: sl.index, Pid: w.Pid()})
}

// onExit is called by the reaper of every worker.  Exits that were asked
// for, and exits of workers that were already replaced, need no action.
func (s *Supervisor) onExit(w *Worker, code int) {
	s.lock()
	defer s.unlock()
	g, sl := s.slotOf(w)
	if sl == nil || w.Requested() {
		return
	}
	if code == 0 {
		g.setReason("instance %d exited cleanly", sl.index)
		s.emit(Event{Kind: EventExited, Group: g.spec.Name, Index: sl.index, Pid: w.Pid(), Code: code})
		return
	}
	err := fmt.Errorf("%s[%d] exited with code %d", g.spec.Name, sl.index, code)
	g.failures++
	g.lastErr = err
	g.setReason("instance %d crashed (code %d)", sl.index, code)
	s.emit(Event{Kind: EventCrashed, Group: g.spec.Name, Index: sl.index, Pid: w.Pid(), Code: code, Err: err})
	if g.active {
		s.scheduleRestart(g, sl, err)
	}
}

// scheduleRestart applies the restart policy to sl after a failure.  Call
// with the lock held.
func (s *Supervisor) scheduleRestart(g *group, sl *slot, cause error) {
	p := g.spec.Restart
	if !p.AutoRestart {
		sl.terminal = true
		return
	}
	delay, ok := sl.budget.next(time.Now())
	if !ok {
		sl.terminal = true
		g.degraded = true
		if !sl.looped {
			sl.looped = true
			cle := &CrashLoopExceeded{
				Group:    g.spec.Name,
				Index:    sl.index,
				Restarts: p.MaxRestarts,
				Window:   p.Window.String(),
				Last:     cause,
			}
			g.lastErr = cle
			g.setReason("instance %d: %v", sl.index, cle)
			s.emit(Event{Kind: EventCrashLoop, Group: g.spec.Name, Index: sl.index, Err: cle})
		}
		return
	}
	s.logger.Info("restart scheduled",
		zap.String("group", g.spec.Name),
		zap.Int("instance", sl.index),
		zap.Int("recent", sl.budget.recent(time.Now())),
		zap.Duration("delay", delay))
	epoch := g.epoch
	sl.timer = time.AfterFunc(delay, func() {
		s.respawn(g, sl, epoch)
	})
}

func (s *Supervisor) respawn(g *group, sl *slot, epoch int64) {
	s.lock()
	if g.epoch != epoch || !g.active || s.shutdown || sl.timer == nil {
		s.unlock()
		return
	}
	sl.timer = nil
	sl.restarts++
	g.inflight.Add(1)
	s.unlock()
	defer g.inflight.Done()
	s.spawnInto(g, sl, epoch)
}

// detach marks g inactive and bumps its epoch, so pending restarts, a
// rolling restart and in-flight spawns all give up.  It returns the
// workers still installed.  Call with the lock held.
func (g *group) detach() []*Worker {
	g.active = false
	g.epoch++
	var workers []*Worker
	for _, sl := range g.slots {
		if sl.timer != nil {
			sl.timer.Stop()
			sl.timer = nil
		}
		if sl.worker != nil {
			workers = append(workers, sl.worker)
		}
	}
	return workers
}

func terminateAll(ctx context.Context, workers []*Worker, grace time.Duration) error {
	var eg errgroup.Group
	for _, w := range workers {
		eg.Go(func() error {
			return w.Terminate(ctx, grace)
		})
	}
	return eg.Wait()
}

func (s *Supervisor) stopGroup(ctx context.Context, g *group) error {
	// First preempt whatever holds g.ops, typically a rolling restart.
	s.lock()
	wasActive := g.active
	workers := g.detach()
	if wasActive {
		g.setReason("stopping")
		s.bumpSerial()
	}
	s.unlock()
	err := terminateAll(ctx, workers, g.spec.StopTimeout)

	g.ops.Lock()
	defer g.ops.Unlock()

	// A start may have slipped in before we got g.ops.  The stop wins;
	// sweep again now that no start can begin.
	s.lock()
	if g.active {
		wasActive = true
	}
	workers = g.detach()
	s.unlock()
	err = multierr.Append(err, terminateAll(ctx, workers, g.spec.StopTimeout))

	// In-flight spawns notice the new epoch and clean up after themselves.
	g.inflight.Wait()
	s.lock()
	g.slots = nil
	if g.listener != nil {
		g.listener.Close()
		g.listener = nil
	}
	if wasActive {
		g.setReason("stopped")
		s.emit(Event{Kind: EventStopped, Group: g.spec.Name, Index: -1})
	}
	s.unlock()
	return err
}

// rollGroup replaces the instances of g one at a time, waiting for each
// replacement to reach Running before touching the next.  Siblings keep
// serving throughout.  Manual restarts clear a crash loop.
func (s *Supervisor) rollGroup(ctx context.Context, g *group) error {
	g.ops.Lock()
	defer g.ops.Unlock()

	s.lock()
	if !g.active {
		s.unlock()
		return fmt.Errorf("%s: %w", g.spec.Name, ErrGroupStopped)
	}
	epoch := g.epoch
	slots := append([]*slot(nil), g.slots...)
	g.setReason("rolling restart")
	s.unlock()

	var errs error
	for _, sl := range slots {
		s.lock()
		if g.epoch != epoch || !g.active {
			s.unlock()
			return multierr.Append(errs, fmt.Errorf("%s: %w", g.spec.Name, ErrGroupStopped))
		}
		old := sl.worker
		sl.worker = nil
		if sl.timer != nil {
			sl.timer.Stop()
			sl.timer = nil
		}
		sl.terminal = false
		sl.looped = false
		sl.budget = newRestartBudget(g.spec.Restart)
		sl.restarts++
		g.inflight.Add(1)
		s.unlock()

		if old != nil {
			old.Terminate(ctx, g.spec.StopTimeout)
		}
		err := s.spawnInto(g, sl, epoch)
		g.inflight.Done()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		s.lock()
		w := sl.worker
		s.unlock()
		if w == nil {
			continue
		}
		if err := w.WaitRunning(ctx); err != nil {
			errs = multierr.Append(errs, err)
			if errors.Is(err, ctx.Err()) {
				return errs
			}
		}
	}

	s.lock()
	g.degraded = false
	for _, sl := range g.slots {
		if sl.looped {
			g.degraded = true
		}
	}
	if g.epoch == epoch {
		g.setReason("restarted")
	}
	s.bumpSerial()
	s.unlock()
	return errs
}
