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

package procvisor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
)

func TestWorkerStartStop(t *testing.T) {
	Convey("Start and stop a worker", t, func() {
		g := shellGroup("ws", "exec sleep 60", 1)
		g.Restart.MinUptime = 300 * time.Millisecond
		w, err := Spawn(g, 0, SpawnOptions{Logger: testLogger(t), Probe: 10 * time.Millisecond})
		So(err, ShouldBeNil)
		So(w, ShouldNotBeNil)
		So(w.Pid(), ShouldBeGreaterThan, 0)
		So(w.ID(), ShouldNotBeEmpty)
		So(w.Poll(), ShouldEqual, Starting)

		So(w.WaitRunning(context.Background()), ShouldBeNil)
		So(w.Poll(), ShouldEqual, Running)

		So(w.Terminate(context.Background(), time.Second), ShouldBeNil)
		So(w.Poll(), ShouldEqual, Stopped)
		So(w.Requested(), ShouldBeTrue)

		Convey("Terminating again is a no-op", func() {
			start := time.Now()
			So(w.Terminate(context.Background(), time.Second), ShouldBeNil)
			So(time.Since(start), ShouldBeLessThan, 50*time.Millisecond)
			So(w.Poll(), ShouldEqual, Stopped)
		})
	})
}

func TestWorkerTerminateAfterExit(t *testing.T) {
	Convey("Terminate leaves a recorded exit alone", t, func() {
		// The reaper has recorded a crash but not yet closed done.
		w := &Worker{
			group:    "gone",
			logger:   zap.NewNop(),
			state:    Crashed,
			exitCode: 4,
			stopped:  time.Now(),
			done:     make(chan struct{}),
		}
		So(w.Terminate(context.Background(), time.Second), ShouldBeNil)
		So(w.Poll(), ShouldEqual, Crashed)
		So(w.Requested(), ShouldBeFalse)
		So(w.ExitCode(), ShouldEqual, 4)
	})
}

func TestWorkerKilledAfterGrace(t *testing.T) {
	Convey("A worker ignoring SIGTERM is killed after the grace period", t, func() {
		g := shellGroup("stubborn", "trap '' TERM; while :; do sleep 0.05; done", 1)
		w, err := Spawn(g, 0, SpawnOptions{Logger: testLogger(t), Probe: 10 * time.Millisecond})
		So(err, ShouldBeNil)

		start := time.Now()
		So(w.Terminate(context.Background(), 200*time.Millisecond), ShouldBeNil)
		So(time.Since(start), ShouldBeGreaterThanOrEqualTo, 200*time.Millisecond)
		So(w.Poll(), ShouldEqual, Stopped)
		So(w.ExitCode(), ShouldEqual, -1)
	})
}

func TestWorkerCancelKills(t *testing.T) {
	Convey("Cancelling the context forces the kill", t, func() {
		g := shellGroup("cancel", "trap '' TERM; while :; do sleep 0.05; done", 1)
		w, err := Spawn(g, 0, SpawnOptions{Logger: testLogger(t), Probe: 10 * time.Millisecond})
		So(err, ShouldBeNil)
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		start := time.Now()
		So(w.Terminate(ctx, time.Minute), ShouldBeNil)
		So(time.Since(start), ShouldBeLessThan, 5*time.Second)
		So(w.Poll(), ShouldEqual, Stopped)
	})
}

func TestWorkerSpawnErrors(t *testing.T) {
	Convey("Spawn failures are SpawnErrors", t, func() {
		Convey("Missing executable", func() {
			g := NewGroupSpec("nope", "procvisor-no-such-program")
			w, err := Spawn(g, 0, SpawnOptions{})
			So(w, ShouldBeNil)
			var se *SpawnError
			So(errors.As(err, &se), ShouldBeTrue)
			So(se.ExitCode, ShouldEqual, -1)
			So(se.Group, ShouldEqual, "nope")
		})
		Convey("Missing interpreter", func() {
			g := NewGroupSpec("nope", "main.py")
			g.Interpreter = "procvisor-no-such-python"
			_, err := Spawn(g, 0, SpawnOptions{})
			var se *SpawnError
			So(errors.As(err, &se), ShouldBeTrue)
		})
		Convey("Immediate non-zero exit", func() {
			g := shellGroup("quick", "exit 3", 1)
			_, err := Spawn(g, 0, SpawnOptions{Probe: 500 * time.Millisecond})
			var se *SpawnError
			So(errors.As(err, &se), ShouldBeTrue)
			So(se.ExitCode, ShouldEqual, 3)
			So(err.Error(), ShouldContainSubstring, "code 3")
		})
	})
}

func TestWorkerExitCallbacks(t *testing.T) {
	Convey("Unrequested exits are reported", t, func() {
		g := shellGroup("cb", "sleep 0.1; exit 4", 1)
		codes := make(chan int, 1)
		w, err := Spawn(g, 0, SpawnOptions{
			Probe:  10 * time.Millisecond,
			Hold:   true,
			OnExit: func(w *Worker, code int) { codes <- code },
		})
		So(err, ShouldBeNil)
		<-w.Done()
		So(w.Poll(), ShouldEqual, Crashed)
		So(w.Requested(), ShouldBeFalse)

		// Held until released.
		held := true
		select {
		case <-codes:
			held = false
		case <-time.After(50 * time.Millisecond):
		}
		So(held, ShouldBeTrue)
		w.Release()
		So(<-codes, ShouldEqual, 4)
	})
}

func TestWorkerOutputCaptured(t *testing.T) {
	Convey("stdout and stderr land in the group log", t, func() {
		g := shellGroup("chatty", "echo hello; echo oops >&2; exec sleep 60", 1)
		ring := NewLog(10)
		w, err := Spawn(g, 0, SpawnOptions{Log: ring, Probe: 10 * time.Millisecond})
		So(err, ShouldBeNil)
		Reset(func() { w.Terminate(context.Background(), time.Second) })

		var text string
		So(eventually(2*time.Second, func() bool {
			recs, _ := ring.Records(0)
			var lines []string
			for _, r := range recs {
				lines = append(lines, r.Text)
			}
			text = strings.Join(lines, "\n")
			return strings.Contains(text, "hello") && strings.Contains(text, "oops")
		}), ShouldBeTrue)
		So(text, ShouldContainSubstring, "chatty[0] stdout> hello")
		So(text, ShouldContainSubstring, "chatty[0] stderr> oops")
	})
}

func TestCommandLine(t *testing.T) {
	Convey("Command expands placeholders", t, func() {
		g := NewGroupSpec("BG_REMOVER", "main.py")
		g.Interpreter = "python3"
		g.InterpreterArgs = []string{"-u"}
		g.Args = []string{"serve", "--port", "{port}", "--name={name}-{index}"}
		g.Port = 5002
		g.PortMode = PortPerInstance
		So(Command(g, 2), ShouldResemble,
			[]string{"python3", "-u", "main.py", "serve", "--port", "5004", "--name=BG_REMOVER-2"})

		env := Environment(g, 1, "id-1", false)
		So(env, ShouldContain, "PORT=5003")
		So(env, ShouldContain, "PROCVISOR_INSTANCE=1")
		So(env, ShouldNotContain, "LISTEN_FDS=1")
		So(Environment(g, 1, "id-1", true), ShouldContain, "LISTEN_FDS=1")
	})
}
