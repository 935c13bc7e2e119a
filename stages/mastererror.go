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
	"io"
	"net/http"
	"sync"

	"github.com/gdamore/appvisor"
)

// masterError answers every request with the supervisor's error page
// until the next synchronize.
type masterError struct {
	message string
	mx      sync.Mutex
}

func (m *masterError) event(ev appvisor.Event) {
	m.mx.Lock()
	defer m.mx.Unlock()
	switch ev := ev.(type) {
	case appvisor.MasterError:
		m.message = ev.Response
	case appvisor.Synchronize:
		m.message = ""
	}
}

func (m *masterError) filter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mx.Lock()
		msg := m.message
		m.mx.Unlock()
		if msg == "" {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, msg)
	})
}

// MasterError installs the master-error stage.
func MasterError(w *appvisor.Worker) error {
	m := &masterError{}
	if e := w.Subscribe(m.event); e != nil {
		return e
	}
	return w.AddStage(appvisor.Stage{
		Name:   NameMasterError,
		Value:  appvisor.Filter(m.filter),
		After:  []string{NameBasicAuth},
		Before: []string{NameRenderRoot},
	})
}
