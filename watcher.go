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
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits for a burst of changes
// to settle before restarting a group.
const DefaultDebounce = 300 * time.Millisecond

// Directories never watched.
var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	"node_modules": true,
	"__pycache__":  true,
}

// Restarter is what the watcher drives; *Supervisor implements it.
type Restarter interface {
	RestartGroup(ctx context.Context, name string) error
}

type watchTarget struct {
	group    string
	root     string
	patterns []string
	ignore   []string
}

// rel returns p relative to the target root, or false if p is outside it.
func (t *watchTarget) rel(p string) (string, bool) {
	r, err := filepath.Rel(t.root, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(r), true
}

func matchAny(pats []string, rel string) bool {
	base := filepath.Base(rel)
	for _, p := range pats {
		p = strings.TrimSuffix(filepath.ToSlash(p), "/")
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

func (t *watchTarget) ignored(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if skipDirs[part] {
			return true
		}
	}
	return matchAny(t.ignore, rel)
}

// matches reports whether a change to p concerns this target.
func (t *watchTarget) matches(p string) bool {
	rel, ok := t.rel(p)
	if !ok || rel == "." || t.ignored(rel) {
		return false
	}
	if len(t.patterns) == 0 {
		return true
	}
	return matchAny(t.patterns, rel)
}

// Watcher restarts groups when files under their working directory
// change.  Bursts of changes are coalesced per group.
type Watcher struct {
	r        Restarter
	fsw      *fsnotify.Watcher
	targets  []*watchTarget
	debounce time.Duration
	logger   *zap.Logger
	timers   map[string]*time.Timer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mx       sync.Mutex
}

// NewWatcher returns a watcher for those of specs that have watching
// enabled.  It does nothing until Start.
func NewWatcher(r Restarter, specs []*GroupSpec, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		r:        r,
		debounce: DefaultDebounce,
		logger:   logger.Named("watch"),
		timers:   make(map[string]*time.Timer),
	}
	for _, g := range specs {
		if !g.Watch {
			continue
		}
		root := g.Dir
		if root == "" {
			root = "."
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		w.targets = append(w.targets, &watchTarget{
			group:    g.Name,
			root:     abs,
			patterns: g.WatchPatterns,
			ignore:   g.IgnoreWatch,
		})
	}
	return w, nil
}

// SetDebounce changes the coalescing window.  Use it before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Len returns the number of groups being watched.
func (w *Watcher) Len() int {
	return len(w.targets)
}

// Start begins watching.  Restarts run with a context derived from ctx.
func (w *Watcher) Start(ctx context.Context) error {
	if len(w.targets) == 0 {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	w.ctx, w.cancel = context.WithCancel(ctx)
	for _, t := range w.targets {
		if err := w.addTree(t.root); err != nil {
			fsw.Close()
			return err
		}
		w.logger.Info("watching", zap.String("group", t.group), zap.String("root", t.root))
	}
	w.wg.Add(1)
	go w.run()
	return nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			w.logger.Warn("cannot watch", zap.String("dir", p), zap.Error(err))
		}
		return nil
	})
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() && !skipDirs[fi.Name()] {
			w.addTree(ev.Name)
		}
	}
	for _, t := range w.targets {
		if t.matches(ev.Name) {
			w.logger.Debug("change", zap.String("group", t.group), zap.String("path", ev.Name), zap.Stringer("op", ev.Op))
			w.trigger(t.group)
		}
	}
}

// trigger (re)arms the group's debounce timer.
func (w *Watcher) trigger(group string) {
	w.mx.Lock()
	defer w.mx.Unlock()
	// A timer that already fired is left to finish; arm a fresh one.
	if t, ok := w.timers[group]; ok && t.Stop() {
		t.Reset(w.debounce)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		w.mx.Lock()
		if w.timers[group] == t {
			delete(w.timers, group)
		}
		w.mx.Unlock()
		if w.ctx.Err() != nil {
			return
		}
		w.logger.Info("files changed, restarting", zap.String("group", group))
		if err := w.r.RestartGroup(w.ctx, group); err != nil {
			if errors.Is(err, ErrGroupStopped) {
				w.logger.Debug("group not running", zap.String("group", group))
			} else {
				w.logger.Warn("restart failed", zap.String("group", group), zap.Error(err))
			}
		}
	})
	w.timers[group] = t
}

// Close stops watching and cancels pending restarts.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	w.cancel()
	w.mx.Lock()
	for g, t := range w.timers {
		t.Stop()
		delete(w.timers, g)
	}
	w.mx.Unlock()
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}
