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
// Package ui is a terminal front end for a running supervisor.
package ui

import (
	"context"
	"errors"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"
	"go.uber.org/zap"

	"github.com/procvisor/procvisor/procvisor/util"
	"github.com/procvisor/procvisor/rest"
)

var errNoGroup = errors.New("Group not found")

type App struct {
	app       *views.Application
	view      views.View
	panel     views.Widget
	info      *InfoPanel
	help      *HelpPanel
	log       *LogPanel
	main      *MainPanel
	auth      *AuthPanel
	client    *rest.Client
	logger    *zap.Logger
	err       error
	items     []*rest.GroupInfo
	logName   string
	logInfo   *rest.LogInfo
	logErr    error
	logCancel context.CancelFunc
	opErr     error
	opTime    time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	views.WidgetWatchers
}

func (a *App) show(w views.Widget) {
	if w != a.panel {
		a.panel.SetView(nil)
		a.panel = w
	}
	a.panel.SetView(a.view)
	a.panel.Resize()
	a.app.Refresh()
}

func (a *App) ShowHelp() {
	a.show(a.help)
}

func (a *App) ShowInfo(name string) {
	a.info.SetName(name)
	a.show(a.info)
}

// ShowLog shows the named group's log, or the supervisor log if name is
// empty.
func (a *App) ShowLog(name string) {
	if a.logCancel != nil {
		a.logCancel()
	}
	ctx, cancel := context.WithCancel(a.ctx)
	a.logInfo = nil
	a.logErr = nil
	a.logName = name
	a.logCancel = cancel
	a.log.SetName(name)
	go a.refreshLog(ctx, name)

	a.show(a.log)
}

func (a *App) ShowMain() {
	a.show(a.main)
}

func (a *App) ShowAuth() {
	a.auth.ResetFields()
	a.show(a.auth)
}

func (a *App) SetUserPassword(user, pass string) {
	a.client.SetAuth(user, pass)
	a.err = nil
}

// op runs a group operation in the background; a rolling restart can
// take a while and the screen must stay live.
func (a *App) op(verb string, fn func(context.Context, string) error, name string) {
	a.Logf("%s %s", verb, name)
	go func() {
		err := fn(a.ctx, name)
		a.app.PostFunc(func() {
			a.opErr = err
			a.opTime = time.Now()
			a.app.Update()
		})
	}()
}

func (a *App) StartGroup(name string) {
	a.op("start", a.client.StartGroup, name)
}

func (a *App) StopGroup(name string) {
	a.op("stop", a.client.StopGroup, name)
}

func (a *App) RestartGroup(name string) {
	a.op("restart", a.client.RestartGroup, name)
}

// LastOpError returns the error of the most recent operation for a few
// seconds after it failed.
func (a *App) LastOpError() error {
	if time.Since(a.opTime) > 5*time.Second {
		return nil
	}
	return a.opErr
}

func (a *App) Quit() {
	/* This just posts the quit event. */
	a.cancel()
	a.app.Quit()
}

func (a *App) SetLogger(logger *zap.Logger) {
	a.logger = logger
	if logger != nil {
		logger.Debug("start logger")
	}
}

func (a *App) Logf(fmt string, v ...interface{}) {
	if a.logger != nil {
		a.logger.Sugar().Debugf(fmt, v...)
	}
}

func (a *App) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		// Intercept a few control keys up front, for global handling.
		case tcell.KeyCtrlC:
			a.Quit()
			return true
		case tcell.KeyCtrlL:
			a.app.Refresh()
			return true
		}
	}

	if a.panel != nil {
		return a.panel.HandleEvent(ev)
	}
	return false
}

func (a *App) Draw() {
	if a.panel != nil {
		a.panel.Draw()
	}
}

func (a *App) Resize() {
	if a.panel != nil {
		a.panel.Resize()
	}
}

func (a *App) SetView(view views.View) {
	a.view = view
	if a.panel != nil {
		a.panel.SetView(view)
	}
}

func (a *App) Size() (int, int) {
	if a.panel != nil {
		return a.panel.Size()
	}
	return 0, 0
}

func (a *App) GetClient() *rest.Client {
	return a.client
}

func (a *App) GetAppName() string {
	return "Procvisor v1.0"
}

func NewApp(client *rest.Client, url string) *App {

	app := &App{}
	app.app = &views.Application{}
	app.client = client
	app.ctx, app.cancel = context.WithCancel(context.Background())
	app.info = NewInfoPanel(app)
	app.help = NewHelpPanel(app)
	app.log = NewLogPanel(app)
	app.main = NewMainPanel(app, url)
	app.auth = NewAuthPanel(app, url)
	app.panel = app.main

	return app
}

// refresh keeps the app items current

func (a *App) getItems() ([]*rest.GroupInfo, error) {
	ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
	defer cancel()
	items, e := a.client.Status(ctx)
	if e != nil {
		return nil, e
	}
	util.SortGroups(items)
	return items, nil
}

func (a *App) refresh() {
	client := a.client
	etag := ""
	for a.ctx.Err() == nil {
		items, e := a.getItems()

		a.app.PostFunc(func() {
			a.items = items
			a.err = e
			a.app.Update()
		})
		if e != nil {
			etag = ""
			select {
			case <-a.ctx.Done():
			case <-time.After(2 * time.Second):
			}
			continue
		}
		// Uptimes tick, so poll at least every few seconds.
		etag, e = client.Watch(a.ctx, etag, 5)
		if e != nil {
			etag = ""
		}
	}
}

func (a *App) refreshLog(ctx context.Context, name string) {
	info, e := a.client.GetLog(ctx, name)

	for {
		a.app.PostFunc(func() {
			if a.logName == name {
				a.logInfo = info
				a.logErr = e
				a.app.Update()
			}
		})
		select {
		case <-ctx.Done():
			return
		default:
		}
		if e != nil || info == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			info, e = a.client.GetLog(ctx, name)
			continue
		}
		info, e = a.client.WatchLog(ctx, name, info, 60)
	}
}

func (a *App) GetItems() ([]*rest.GroupInfo, error) {
	return a.items, a.err
}

func (a *App) GetItem(name string) (*rest.GroupInfo, error) {
	if a.err != nil {
		return nil, a.err
	}
	for _, i := range a.items {
		if i.Name == name {
			return i, nil
		}
	}
	return nil, errNoGroup
}

func (a *App) GetLog(name string) (*rest.LogInfo, error) {
	if a.logName == name {
		return a.logInfo, a.logErr
	}
	return nil, nil
}

// Run takes over the terminal until the user quits.
func (a *App) Run() error {
	a.Logf("Starting up user interface")
	a.app.SetRootWidget(a)
	a.ShowMain()
	go a.refresh()
	go func() {
		// Give us periodic updates
		for a.ctx.Err() == nil {
			a.app.Update()
			time.Sleep(time.Second)
		}
	}()
	a.Logf("Starting app loop")
	defer a.cancel()
	return a.app.Run()
}
