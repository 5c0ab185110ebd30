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
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/netutil"

	"github.com/procvisor/procvisor"
)

// Handler wraps a Supervisor, adding http.Handler functionality.
type Handler struct {
	s        *procvisor.Supervisor
	r        *mux.Router
	logger   *zap.Logger
	user     string
	hash     []byte
	shutdown func()
	timeout  time.Duration
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

// toError maps supervisor errors onto HTTP status codes.
func toError(err error) *Error {
	var ce *procvisor.ConfigError
	var se *procvisor.SpawnError
	switch {
	case errors.Is(err, procvisor.ErrNoGroup):
		return &Error{http.StatusNotFound, err.Error()}
	case errors.Is(err, procvisor.ErrGroupStopped):
		return &Error{http.StatusConflict, err.Error()}
	case errors.Is(err, procvisor.ErrShutdown):
		return &Error{http.StatusServiceUnavailable, err.Error()}
	case errors.As(err, &ce):
		return &Error{http.StatusBadRequest, err.Error()}
	case errors.As(err, &se):
		return &Error{http.StatusBadGateway, err.Error()}
	}
	return &Error{http.StatusInternalServerError, err.Error()}
}

func etag(id int64) string {
	return `"` + strconv.FormatInt(id, 16) + `"`
}

// pollWait returns how long the request is willing to wait for the value
// tagged with cur to change.  Zero means do not wait.
func pollWait(r *http.Request, cur int64) time.Duration {
	if r.Header.Get(PollEtagHeader) != etag(cur) {
		return 0
	}
	secs, err := strconv.Atoi(r.Header.Get(PollTimeHeader))
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > MaxPollTime {
		d = MaxPollTime
	}
	return d
}

// poll implements the conditional GET protocol shared by every read
// route: optionally wait for id to move past the tag the client holds,
// then reply 304 if the client is current, or the JSON value otherwise.
func (h *Handler) poll(w http.ResponseWriter, r *http.Request, id func() int64,
	watch func(context.Context, int64) int64, value func() (interface{}, *Error)) {

	cur := id()
	if d := pollWait(r, cur); d > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		cur = watch(ctx, cur)
		cancel()
	}
	tag := etag(cur)
	w.Header().Set("Etag", tag)
	if r.Header.Get("If-None-Match") == tag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if v, e := value(); e != nil {
		h.writeError(w, e)
	} else {
		h.writeJson(w, v)
	}
}

func (h *Handler) pollSerial(w http.ResponseWriter, r *http.Request, value func() (interface{}, *Error)) {
	h.poll(w, r, h.s.Serial, h.s.WatchSerial, value)
}

func (h *Handler) info() *SupervisorInfo {
	i := h.s.GetInfo()
	return &SupervisorInfo{
		Name:        i.Name,
		Serial:      i.Serial,
		Parallelism: i.Parallelism,
		Groups:      len(h.s.Groups()),
		Live:        h.s.Live(),
		CreateTime:  i.CreateTime,
		UpdateTime:  i.UpdateTime,
	}
}

func (h *Handler) getInfo(w http.ResponseWriter, r *http.Request) {
	h.pollSerial(w, r, func() (interface{}, *Error) {
		return h.info(), nil
	})
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	h.pollSerial(w, r, func() (interface{}, *Error) {
		return h.s.Groups(), nil
	})
}

func (h *Handler) groupInfo(name string) (*GroupInfo, *Error) {
	gs, err := h.s.GroupStatus(name)
	if err != nil {
		return nil, toError(err)
	}
	spec, _ := h.s.Spec(name)
	return NewGroupInfo(gs, spec), nil
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	h.pollSerial(w, r, func() (interface{}, *Error) {
		all := h.s.Status()
		l := make([]*GroupInfo, 0, len(all))
		for _, gs := range all {
			spec, _ := h.s.Spec(gs.Name)
			l = append(l, NewGroupInfo(gs, spec))
		}
		return l, nil
	})
}

func (h *Handler) getGroup(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["group"]
	if _, e := h.groupInfo(name); e != nil {
		h.writeError(w, e)
		return
	}
	h.pollSerial(w, r, func() (interface{}, *Error) {
		return h.groupInfo(name)
	})
}

func (h *Handler) serveLog(w http.ResponseWriter, r *http.Request, l *procvisor.Log) {
	h.poll(w, r, l.Id, l.Watch, func() (interface{}, *Error) {
		recs, _ := l.Records(0)
		return recs, nil
	})
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	h.serveLog(w, r, h.s.Log())
}

func (h *Handler) getGroupLog(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["group"]
	if l, err := h.s.GroupLog(name); err != nil {
		h.writeError(w, toError(err))
	} else {
		h.serveLog(w, r, l)
	}
}

// opContext bounds an operation by the request and the handler timeout.
// Rolling restarts of large groups take a while, so the default is
// generous.
func (h *Handler) opContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.timeout)
}

func (h *Handler) groupOp(op func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["group"]
		ctx, cancel := h.opContext(r)
		defer cancel()
		if err := op(ctx, name); err != nil {
			h.writeError(w, toError(err))
		} else {
			h.writeJson(w, ok)
		}
	}
}

func (h *Handler) allOp(op func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := h.opContext(r)
		defer cancel()
		if err := op(ctx); err != nil {
			h.writeError(w, toError(err))
		} else {
			h.writeJson(w, ok)
		}
	}
}

func (h *Handler) doShutdown(w http.ResponseWriter, r *http.Request) {
	h.writeJson(w, ok)
	if fl, isFlusher := w.(http.Flusher); isFlusher {
		fl.Flush()
	}
	h.logger.Info("shutdown requested", zap.String("remote", r.RemoteAddr))
	go h.shutdown()
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.user != "" {
			user, pass, found := r.BasicAuth()
			if !found ||
				subtle.ConstantTimeCompare([]byte(user), []byte(h.user)) != 1 ||
				bcrypt.CompareHashAndPassword(h.hash, []byte(pass)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="procvisor"`)
				h.writeError(w, &Error{http.StatusUnauthorized, "Unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Debug("request", zap.String("method", r.Method),
			zap.String("path", r.URL.Path), zap.Duration("elapsed", time.Since(start)))
	})
}

// SetAuth requires HTTP basic auth with user and a bcrypt hash of the
// password.  An empty user disables authentication.
func (h *Handler) SetAuth(user string, hash string) error {
	if user == "" {
		h.user, h.hash = "", nil
		return nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return &procvisor.ConfigError{Field: "auth.password_hash", Msg: "not a bcrypt hash", Err: err}
	}
	h.user, h.hash = user, []byte(hash)
	return nil
}

// SetLogger sets the logger used for request tracing.
func (h *Handler) SetLogger(l *zap.Logger) {
	h.logger = l.Named("rest")
}

// OnShutdown replaces what POST /shutdown does.  By default it shuts the
// supervisor down; a daemon will usually want to exit as well.
func (h *Handler) OnShutdown(fn func()) {
	h.shutdown = fn
}

// SetTimeout bounds start, stop and restart operations.
func (h *Handler) SetTimeout(d time.Duration) {
	h.timeout = d
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func NewHandler(s *procvisor.Supervisor) *Handler {
	r := mux.NewRouter()
	h := &Handler{s: s, r: r, logger: zap.NewNop(), timeout: 10 * time.Minute}
	h.shutdown = func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		s.Shutdown(ctx)
	}
	r.Use(h.trace, h.authenticate)
	r.HandleFunc("/", h.getInfo).Methods("GET")
	r.HandleFunc("/groups", h.listGroups).Methods("GET")
	r.HandleFunc("/status", h.getStatus).Methods("GET")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	r.HandleFunc("/groups/{group}", h.getGroup).Methods("GET")
	r.HandleFunc("/groups/{group}/log", h.getGroupLog).Methods("GET")
	r.HandleFunc("/groups/{group}/start", h.groupOp(s.StartGroup)).Methods("POST")
	r.HandleFunc("/groups/{group}/stop", h.groupOp(s.StopGroup)).Methods("POST")
	r.HandleFunc("/groups/{group}/restart", h.groupOp(s.RestartGroup)).Methods("POST")
	r.HandleFunc("/start", h.allOp(s.StartAll)).Methods("POST")
	r.HandleFunc("/stop", h.allOp(s.StopAll)).Methods("POST")
	r.HandleFunc("/restart", h.allOp(s.RestartAll)).Methods("POST")
	r.HandleFunc("/shutdown", h.doShutdown).Methods("POST")
	return h
}

// Listen opens the control socket.  At most maxConns connections are
// served at once; long polls hold theirs.
func Listen(addr string, maxConns int) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control API: %w", err)
	}
	if maxConns > 0 {
		l = netutil.LimitListener(l, maxConns)
	}
	return l, nil
}

// Serve serves h on l until ctx is done, then shuts the server down.
func Serve(ctx context.Context, l net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(l)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		srv.Close()
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
