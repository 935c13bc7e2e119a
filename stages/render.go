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

package stages

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/gdamore/appvisor"
)

// RenderDisabledEnv, when set in a worker's environment, makes the root
// page serve the raw index file instead of rendering.
const RenderDisabledEnv = "APPVISOR_RENDER_DISABLED"

// ErrUnrecognizedURL is returned by a Renderer for a URL the application
// does not route; the request is passed on down the pipeline.
var ErrUnrecognizedURL = errors.New("Unrecognized URL")

// Result is a rendered page.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

// Renderer produces pages from an artifact.  Load is called with the
// worker's initial artifact and again on every synchronize; Render may be
// called concurrently with both.
type Renderer interface {
	Load(distPath string) error
	Render(r *http.Request) (*Result, error)
}

// FileRenderer serves the artifact's index file as the rendered page.
type FileRenderer struct {
	page []byte
	mx   sync.RWMutex
}

func (f *FileRenderer) Load(distPath string) error {
	b, e := os.ReadFile(filepath.Join(distPath, appvisor.IndexFile))
	if e != nil {
		return e
	}
	f.mx.Lock()
	f.page = b
	f.mx.Unlock()
	return nil
}

func (f *FileRenderer) Render(r *http.Request) (*Result, error) {
	f.mx.RLock()
	page := f.page
	f.mx.RUnlock()
	if page == nil {
		return nil, errors.New("No application loaded")
	}
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	return &Result{Status: http.StatusOK, Header: h, Body: page}, nil
}

type renderRoot struct {
	renderer Renderer
	worker   *appvisor.Worker
	distPath string
	loaded   bool
	mx       sync.Mutex
}

// load is called with the lock held.
func (rr *renderRoot) load(distPath string) {
	rr.distPath = distPath
	if e := rr.renderer.Load(distPath); e != nil {
		rr.worker.Logger().Printf("%sRenderer failed to load %s: %v",
			appvisor.ErrorPrefix, distPath, e)
		rr.loaded = false
		return
	}
	rr.loaded = true
}

func (rr *renderRoot) event(ev appvisor.Event) {
	if s, ok := ev.(appvisor.Synchronize); ok {
		rr.mx.Lock()
		rr.worker.Logger().Printf("Render Synchronizing.")
		rr.load(s.DistPath)
		rr.mx.Unlock()
	}
}

func (rr *renderRoot) filter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr.mx.Lock()
		loaded, dist := rr.loaded, rr.distPath
		rr.mx.Unlock()

		if !loaded {
			http.Error(w, http.StatusText(http.StatusInternalServerError),
				http.StatusInternalServerError)
			return
		}
		if os.Getenv(RenderDisabledEnv) != "" || r.URL.Query().Get("render") == "false" {
			http.ServeFile(w, r, filepath.Join(dist, appvisor.IndexFile))
			return
		}

		res, e := rr.renderer.Render(r)
		if errors.Is(e, ErrUnrecognizedURL) {
			next.ServeHTTP(w, r)
			return
		}
		if e != nil {
			rr.worker.Logger().Printf("%s%s: %v", appvisor.ErrorPrefix, r.URL.Path, e)
			http.Error(w, http.StatusText(http.StatusInternalServerError),
				http.StatusInternalServerError)
			return
		}
		for k, v := range res.Header {
			w.Header()[k] = v
		}
		status := res.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		w.Write(res.Body)
		rr.worker.Logger().Printf("%d OK %s", status, r.URL.Path)
	})
}

// RenderRoot renders GET / with renderer, a FileRenderer if nil.  Until an
// artifact has loaded successfully the page is a 500.
func RenderRoot(renderer Renderer) appvisor.StageLoader {
	return func(w *appvisor.Worker) error {
		rr := &renderRoot{renderer: renderer, worker: w}
		if rr.renderer == nil {
			rr.renderer = &FileRenderer{}
		}
		if dist := w.DistPath(); dist != "" {
			w.Logger().Printf("Initializing renderer.")
			rr.load(dist)
		}
		if e := w.Subscribe(rr.event); e != nil {
			return e
		}
		return w.AddStage(appvisor.Stage{
			Name: NameRenderRoot,
			Value: appvisor.Route{
				Method:    http.MethodGet,
				Path:      "/",
				Callbacks: []appvisor.Filter{rr.filter},
			},
			Before: []string{NameStaticServe},
		})
	}
}
