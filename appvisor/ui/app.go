// Copyright 2024 The Govisor Authors
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

// Package ui implements the "appvisor top" terminal interface.
package ui

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"

	"github.com/gdamore/appvisor/rest"
)

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
	logger    *log.Logger
	cluster   *rest.ClusterInfo
	workers   *rest.WorkersInfo
	err       error
	logInfo   *rest.LogInfo
	logErr    error
	logCancel context.CancelFunc
	message   string
	server    string

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

func (a *App) ShowInfo() {
	a.show(a.info)
}

func (a *App) ShowLog() {
	if a.logCancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.logCancel = cancel
		go a.refreshLog(ctx)
	}
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

// NotifyBuild asks the supervisor to look for a new build.
func (a *App) NotifyBuild() {
	go func() {
		b, e := a.client.Notify(rest.BuildRequest{})
		a.app.PostFunc(func() {
			if e != nil {
				a.message = fmt.Sprintf("Build request failed: %v", e)
			} else {
				a.message = "Build " + b.ID + " requested"
			}
			a.app.Update()
		})
	}()
}

// Message returns the result of the last operator action, if any.
func (a *App) Message() string {
	return a.message
}

func (a *App) Quit() {
	a.app.Quit()
}

func (a *App) SetLogger(logger *log.Logger) {
	a.logger = logger
	if logger != nil {
		logger.Printf("Start logger")
	}
}

func (a *App) Logf(fmt string, v ...interface{}) {
	if a.logger != nil {
		a.logger.Printf(fmt, v...)
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
	return "Appvisor v1.0"
}

func NewApp(client *rest.Client, url string) *App {
	app := &App{}
	app.app = &views.Application{}
	app.client = client
	app.server = url
	app.info = NewInfoPanel(app)
	app.help = NewHelpPanel(app)
	app.log = NewLogPanel(app)
	app.main = NewMainPanel(app)
	app.auth = NewAuthPanel(app)
	app.panel = app.main

	go app.refresh()
	return app
}

// refresh keeps the cluster and worker data current.  Both are long
// polled; the worker list changes whenever the cluster does.
func (a *App) refresh() {
	var cluster *rest.ClusterInfo
	var workers *rest.WorkersInfo
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		c, e := a.client.WatchCluster(ctx, cluster)
		var w *rest.WorkersInfo
		if e == nil {
			w, e = a.client.WatchWorkers(ctx, nil)
		}
		cancel()
		if e == nil {
			cluster, workers = c, w
		} else {
			cluster = nil
		}

		ws := workers
		a.app.PostFunc(func() {
			a.cluster = c
			a.workers = ws
			a.err = e
			a.app.Update()
		})
		if e != nil {
			time.Sleep(2 * time.Second)
		}
	}
}

func (a *App) refreshLog(ctx context.Context) {
	info, e := a.client.GetLog()
	for {
		a.app.PostFunc(func() {
			a.logInfo = info
			a.logErr = e
			a.app.Update()
		})
		select {
		case <-ctx.Done():
			return
		default:
		}
		if e != nil {
			time.Sleep(2 * time.Second)
			info, e = a.client.GetLog()
			continue
		}
		info, e = a.client.WatchLog(ctx, info)
	}
}

func (a *App) GetCluster() (*rest.ClusterInfo, error) {
	return a.cluster, a.err
}

func (a *App) GetWorkers() ([]rest.WorkerInfo, error) {
	if a.workers == nil {
		return nil, a.err
	}
	return a.workers.Workers, a.err
}

func (a *App) GetLog() (*rest.LogInfo, error) {
	return a.logInfo, a.logErr
}

func (a *App) Run() error {
	a.Logf("Starting up user interface")
	a.app.SetRootWidget(a)
	a.ShowMain()
	go func() {
		// Give us periodic updates
		for {
			a.app.Update()
			time.Sleep(time.Second)
		}
	}()
	a.Logf("Starting app loop")
	e := a.app.Run()
	if a.logCancel != nil {
		a.logCancel()
	}
	return e
}
