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
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
)

// The test binary doubles as a worker program.  PROCVISOR_TEST_WORKER
// selects what it does.
func TestMain(m *testing.M) {
	switch os.Getenv("PROCVISOR_TEST_WORKER") {
	case "":
		os.Exit(m.Run())
	case "serve":
		serveWorker()
	case "crash":
		time.Sleep(100 * time.Millisecond)
		os.Exit(1)
	default:
		os.Exit(2)
	}
}

// serveWorker answers every HTTP request with its instance and port, and
// exits 0 on SIGTERM.
func serveWorker() {
	var l net.Listener
	var err error
	if os.Getenv("PROCVISOR_LISTEN_FD") != "" {
		l, err = net.FileListener(os.NewFile(3, "listener"))
	} else {
		l, err = net.Listen("tcp", "127.0.0.1:"+os.Getenv("PORT"))
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(3)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s %s", os.Getenv("PROCVISOR_INSTANCE"), os.Getenv("PORT"))
	})}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM)
	go func() {
		<-sig
		srv.Close()
	}()
	srv.Serve(l)
	os.Exit(0)
}

// testLog routes log output to t.Log, and drops it once the test is over
// since reapers may still be winding down.
type testLog struct {
	t    *testing.T
	done bool
	sync.Mutex
}

func newTestLog(t *testing.T) *testLog {
	tl := &testLog{t: t}
	t.Cleanup(func() {
		tl.Lock()
		tl.done = true
		tl.Unlock()
	})
	return tl
}

func (tl *testLog) Write(p []byte) (n int, err error) {
	s := string(p)
	s = strings.Trim(s, "\n")
	tl.Lock()
	if !tl.done {
		tl.t.Log(s)
	}
	tl.Unlock()
	return len(p), nil
}

func testLogger(t *testing.T) *zap.Logger {
	l, err := NewLogger(LogConfig{Level: "debug"}, newTestLog(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

// shellGroup runs script under /bin/sh.  Use exec for the long running
// part so that the pid stays the same.
func shellGroup(name, script string, n int) *GroupSpec {
	g := NewGroupSpec(name, "/bin/sh")
	g.Args = []string{"-c", script}
	g.Instances = Instances{Count: n}
	g.StopTimeout = 2 * time.Second
	g.Restart.MinUptime = 50 * time.Millisecond
	return g
}

// workerGroup runs the test binary itself in the given mode.
func workerGroup(name, mode string, n int) *GroupSpec {
	exe, err := os.Executable()
	if err != nil {
		panic(err)
	}
	g := NewGroupSpec(name, exe)
	g.Env["PROCVISOR_TEST_WORKER"] = mode
	g.Instances = Instances{Count: n}
	g.StopTimeout = 2 * time.Second
	g.Restart.MinUptime = 100 * time.Millisecond
	return g
}

func WithSupervisor(t *testing.T, specs []*GroupSpec, fn func(s *Supervisor)) func() {
	return func() {
		s, err := NewSupervisor(t.Name(), specs)
		So(err, ShouldBeNil)
		So(s, ShouldNotBeNil)
		s.SetLogger(testLogger(t))
		s.SetSpawnProbe(20 * time.Millisecond)
		Reset(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.Shutdown(ctx)
		})
		fn(s)
	}
}

// eventually polls cond until it holds or d elapses.
func eventually(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func allRunning(s *Supervisor, name string) func() bool {
	return func() bool {
		gs, err := s.GroupStatus(name)
		return err == nil && len(gs.Instances) > 0 && gs.Running() == len(gs.Instances)
	}
}

type eventRecorder struct {
	sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.Lock()
	r.events = append(r.events, ev)
	r.Unlock()
}

func (r *eventRecorder) count(kind EventKind) int {
	r.Lock()
	defer r.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) first(kind EventKind) (Event, bool) {
	r.Lock()
	defer r.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

// pids returns the pid of every worker that was spawned.
func (r *eventRecorder) pids() []int {
	r.Lock()
	defer r.Unlock()
	var pids []int
	for _, ev := range r.events {
		if (ev.Kind == EventSpawned || ev.Kind == EventRestarted) && ev.Pid > 0 {
			pids = append(pids, ev.Pid)
		}
	}
	return pids
}
