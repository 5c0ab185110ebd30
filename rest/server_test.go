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

package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/procvisor/procvisor"
)

func sleeper(name string, n int) *procvisor.GroupSpec {
	g := procvisor.NewGroupSpec(name, "/bin/sh")
	g.Args = []string{"-c", "echo started {index}; exec sleep 60"}
	g.Instances = procvisor.Instances{Count: n}
	g.StopTimeout = 2 * time.Second
	g.Restart.MinUptime = 50 * time.Millisecond
	return g
}

// fixture starts a supervisor with two groups behind an httptest server.
func fixture(t *testing.T) (*procvisor.Supervisor, *Handler, *Client) {
	t.Helper()
	s, err := procvisor.NewSupervisor("rest-test", []*procvisor.GroupSpec{
		sleeper("web", 2), sleeper("jobs", 1),
	})
	require.NoError(t, err)
	logger, err := procvisor.NewLogger(procvisor.LogConfig{Level: "info"}, io.Discard, s.Log())
	require.NoError(t, err)
	s.SetLogger(logger)
	s.SetSpawnProbe(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.StartAll(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	h := NewHandler(s)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return s, h, NewClient(nil, srv.URL)
}

func running(t *testing.T, c *Client, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		g, err := c.GetGroup(context.Background(), name)
		return err == nil && g.State == "running"
	}, 5*time.Second, 20*time.Millisecond)
	// The Running event is emitted just after the state flips.
	time.Sleep(100 * time.Millisecond)
}

func TestInfoAndStatus(t *testing.T) {
	_, _, c := fixture(t)
	ctx := context.Background()
	running(t, c, "web")
	running(t, c, "jobs")

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rest-test", info.Name)
	assert.Equal(t, 2, info.Groups)
	assert.Equal(t, 3, info.Live)
	assert.NotEmpty(t, info.Etag())

	names, err := c.Groups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"web", "jobs"}, names)

	all, err := c.Status(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	web := all[0]
	assert.Equal(t, "web", web.Name)
	assert.Equal(t, 2, web.Desired)
	assert.Equal(t, 2, web.Running)
	assert.Equal(t, "none", web.PortMode)
	require.Len(t, web.Instances, 2)
	assert.NotEqual(t, web.Instances[0].Pid, web.Instances[1].Pid)
	assert.Equal(t, "running", web.Instances[0].State)
	assert.Contains(t, web.Instances[1].Command, "/bin/sh")
}

func TestConditionalGet(t *testing.T) {
	_, h, c := fixture(t)
	running(t, c, "web")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	tag := rec.Header().Get("Etag")
	require.NotEmpty(t, tag)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))

	req := httptest.NewRequest("GET", "/status", nil)
	req.Header.Set("If-None-Match", tag)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)
}

func TestLongPoll(t *testing.T) {
	_, _, c := fixture(t)
	ctx := context.Background()
	running(t, c, "web")
	running(t, c, "jobs")

	tag, err := c.Watch(ctx, "", 0)
	require.NoError(t, err)

	// Nothing changes: the poll times out and returns the same tag.
	start := time.Now()
	same, err := c.Watch(ctx, tag, 1)
	require.NoError(t, err)
	assert.Equal(t, tag, same)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)

	done := make(chan string, 1)
	go func() {
		next, _ := c.Watch(ctx, tag, 30)
		done <- next
	}()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.StopGroup(ctx, "jobs"))
	select {
	case next := <-done:
		assert.NotEqual(t, tag, next)
	case <-time.After(5 * time.Second):
		t.Fatal("long poll did not wake up")
	}
}

func TestGroupOperations(t *testing.T) {
	_, _, c := fixture(t)
	ctx := context.Background()
	running(t, c, "web")

	before, err := c.GetGroup(ctx, "web")
	require.NoError(t, err)
	require.NoError(t, c.RestartGroup(ctx, "web"))
	after, err := c.GetGroup(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "running", after.State)
	assert.NotEqual(t, before.Instances[0].Pid, after.Instances[0].Pid)
	assert.Equal(t, 1, after.Instances[0].Restarts)

	require.NoError(t, c.StopGroup(ctx, "web"))
	g, err := c.GetGroup(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "stopped", g.State)
	assert.Empty(t, g.Instances)

	var re *Error
	err = c.RestartGroup(ctx, "web")
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusConflict, re.Code)

	require.NoError(t, c.StartGroup(ctx, "web"))
	running(t, c, "web")

	err = c.StopGroup(ctx, "nosuch")
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusNotFound, re.Code)
	assert.Contains(t, re.Message, "nosuch")

	_, err = c.GetGroup(ctx, "nosuch")
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusNotFound, re.Code)

	require.NoError(t, c.StopAll(ctx))
	all, err := c.Status(ctx)
	require.NoError(t, err)
	for _, g := range all {
		assert.Equal(t, "stopped", g.State, g.Name)
	}
	require.NoError(t, c.StartAll(ctx))
	running(t, c, "jobs")
	require.NoError(t, c.RestartAll(ctx))
}

func TestLogs(t *testing.T) {
	_, _, c := fixture(t)
	ctx := context.Background()
	running(t, c, "web")

	var info *LogInfo
	require.Eventually(t, func() bool {
		var err error
		info, err = c.GetLog(ctx, "web")
		if err != nil {
			return false
		}
		n := 0
		for _, r := range info.Records {
			if strings.Contains(r.Text, "stdout> started") {
				n++
			}
		}
		return n == 2
	}, 5*time.Second, 20*time.Millisecond)

	sup, err := c.GetLog(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, sup.Records)

	// An unchanged log comes back as is once the wait expires.
	same, err := c.WatchLog(ctx, "web", info, 1)
	require.NoError(t, err)
	assert.Same(t, info, same)

	done := make(chan *LogInfo, 1)
	go func() {
		next, _ := c.WatchLog(ctx, "web", info, 30)
		done <- next
	}()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.RestartGroup(ctx, "web"))
	select {
	case next := <-done:
		require.NotNil(t, next)
		assert.NotEqual(t, info.Etag(), next.Etag())
	case <-time.After(10 * time.Second):
		t.Fatal("log watch did not wake up")
	}

	_, err = c.GetLog(ctx, "nosuch")
	var re *Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusNotFound, re.Code)
}

func TestAuth(t *testing.T) {
	_, h, c := fixture(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, h.SetAuth("admin", string(hash)))

	ctx := context.Background()
	_, err = c.Groups(ctx)
	var re *Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusUnauthorized, re.Code)

	c.SetAuth("admin", "wrong")
	_, err = c.Groups(ctx)
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusUnauthorized, re.Code)

	c.SetAuth("admin", "secret")
	names, err := c.Groups(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 2)

	var ce *procvisor.ConfigError
	assert.True(t, errors.As(h.SetAuth("admin", "plaintext"), &ce))
}

func TestShutdown(t *testing.T) {
	_, h, c := fixture(t)
	called := make(chan struct{})
	h.OnShutdown(func() { close(called) })
	require.NoError(t, c.Shutdown(context.Background()))
	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown hook not called")
	}
}

func TestServe(t *testing.T) {
	s, err := procvisor.NewSupervisor("serve", []*procvisor.GroupSpec{sleeper("one", 1)})
	require.NoError(t, err)
	l, err := Listen("127.0.0.1:0", 4)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Serve(ctx, l, NewHandler(s)) }()

	c := NewClient(nil, "http://"+l.Addr().String())
	info, err := c.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "serve", info.Name)
	assert.Equal(t, 0, info.Live)

	// A pending long poll must not hold up the shutdown.
	go c.Watch(context.Background(), info.Etag(), 60)
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}

	again, err := Listen(l.Addr().String(), 0)
	require.NoError(t, err, "listener should have been released")
	again.Close()
}
