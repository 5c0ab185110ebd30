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
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"github.com/procvisor/procvisor"
	"github.com/procvisor/procvisor/rest"
)

// shutdownTimeout bounds how long stopping every group may take before
// the remaining workers are killed.
const shutdownTimeout = 5 * time.Minute

// runDaemon loads the configuration, starts every group and serves the
// control API until told to stop.
func runDaemon(path string) error {
	cfg, err := procvisor.LoadConfig(path)
	if err != nil {
		return err
	}
	s, err := procvisor.NewSupervisor(cfg.Supervisor.Name, cfg.Groups)
	if err != nil {
		return err
	}
	logger, err := procvisor.NewLogger(cfg.Supervisor.Log, os.Stderr, s.Log())
	if err != nil {
		return err
	}
	defer logger.Sync()
	s.SetLogger(logger)

	h := rest.NewHandler(s)
	h.SetLogger(logger)
	if err := h.SetAuth(cfg.Supervisor.Auth.User, cfg.Supervisor.Auth.PasswordHash); err != nil {
		return err
	}
	quit := make(chan struct{})
	var once sync.Once
	h.OnShutdown(func() { once.Do(func() { close(quit) }) })

	// Bind before anything is spawned, so a busy address fails fast.
	l, err := rest.Listen(cfg.Supervisor.Listen, cfg.Supervisor.MaxConns)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("starting", zap.String("name", s.Name()), zap.String("config", path),
		zap.Int("groups", len(cfg.Groups)))
	if err := s.StartAll(ctx); err != nil {
		l.Close()
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if serr := s.Shutdown(sctx); serr != nil {
			logger.Error("shutdown", zap.Error(serr))
		}
		return err
	}

	w, err := procvisor.NewWatcher(s, cfg.Groups, logger)
	if err == nil {
		err = w.Start(ctx)
	}
	if err != nil {
		// Not fatal; the groups run, they just are not reloaded.
		logger.Warn("file watching disabled", zap.Error(err))
	} else {
		defer w.Close()
	}

	served := make(chan error, 1)
	go func() {
		served <- rest.Serve(ctx, l, h)
	}()
	logger.Info("ready", zap.String("listen", l.Addr().String()), zap.Int("live", s.Live()))
	notify(logger, daemon.SdNotifyReady)

	var serveErr error
loop:
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				logger.Info("SIGHUP, restarting all groups")
				go func() {
					notify(logger, daemon.SdNotifyReloading)
					if err := s.RestartAll(ctx); err != nil {
						logger.Error("restart", zap.Error(err))
					}
					notify(logger, daemon.SdNotifyReady)
				}()
				continue
			}
			logger.Info("signal, shutting down", zap.Stringer("signal", sig))
			break loop
		case <-quit:
			break loop
		case serveErr = <-served:
			logger.Error("control API failed", zap.Error(serveErr))
			break loop
		}
	}

	notify(logger, daemon.SdNotifyStopping)
	// Abandon pending restarts and long polls first.
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	err = s.Shutdown(sctx)
	if serveErr == nil {
		if e := <-served; e != nil {
			serveErr = e
		}
	}
	logger.Info("stopped")
	if err != nil {
		return err
	}
	return serveErr
}

// notify tells systemd about our state, when run under it.
func notify(logger *zap.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.Debug("sd_notify", zap.String("state", state), zap.Error(err))
	}
}
