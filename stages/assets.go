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
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gdamore/appvisor"
)

type staticServe struct {
	worker   *appvisor.Worker
	distPath string
	mx       sync.Mutex
}

func (s *staticServe) event(ev appvisor.Event) {
	if sy, ok := ev.(appvisor.Synchronize); ok {
		s.worker.Logger().Printf("Static Serve Synchronizing.")
		s.mx.Lock()
		s.distPath = sy.DistPath
		s.mx.Unlock()
	}
}

func (s *staticServe) filter(next http.Handler) http.Handler {
	prefix := strings.TrimSuffix(AssetsPath, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mx.Lock()
		dist := s.distPath
		s.mx.Unlock()
		if dist == "" {
			http.Error(w, http.StatusText(http.StatusInternalServerError),
				http.StatusInternalServerError)
			return
		}

		name := path.Clean("/" + r.URL.Path)
		if !strings.HasPrefix(name, prefix) {
			next.ServeHTTP(w, r)
			return
		}
		f, e := os.Open(filepath.Join(dist, filepath.FromSlash(name)))
		if e != nil {
			next.ServeHTTP(w, r)
			return
		}
		defer f.Close()
		fi, e := f.Stat()
		if e != nil || fi.IsDir() {
			next.ServeHTTP(w, r)
			return
		}
		http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
	})
}

// StaticServe serves GET /assets/* from the current artifact.  Missing
// files fall through to the next stage.
func StaticServe(w *appvisor.Worker) error {
	s := &staticServe{worker: w, distPath: w.DistPath()}
	if e := w.Subscribe(s.event); e != nil {
		return e
	}
	return w.AddStage(appvisor.Stage{
		Name: NameStaticServe,
		Value: appvisor.Route{
			Method:    http.MethodGet,
			Path:      AssetsPath,
			Callbacks: []appvisor.Filter{s.filter},
		},
	})
}

// MissingAssets answers any asset request that reaches it with a 404, so
// that unknown assets never fall through to the application.  It always
// sorts after static-serve, whichever is loaded first and whether or not
// render-root is present to reference static-serve earlier.
func MissingAssets(w *appvisor.Worker) error {
	return w.AddStage(appvisor.Stage{
		Name: NameMissingAssets,
		Value: appvisor.Route{
			Method: http.MethodGet,
			Path:   AssetsPath,
			Callbacks: []appvisor.Filter{
				appvisor.Handle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					http.Error(w, http.StatusText(http.StatusNotFound),
						http.StatusNotFound)
				})),
			},
		},
		After: []string{NameStaticServe},
	})
}
