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
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/gdamore/appvisor"
)

const authRealm = "Basic realm=Authorization Required"

type basicAuth struct {
	username string
	hash     []byte
}

func (a *basicAuth) valid(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.hash, []byte(pass)) == nil
}

func (a *basicAuth) filter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.valid(r) {
			w.Header().Set("WWW-Authenticate", authRealm)
			http.Error(w, http.StatusText(http.StatusUnauthorized),
				http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BasicAuth requires every request to carry the given username and a
// password matching the bcrypt hash.
func BasicAuth(username, hash string) appvisor.StageLoader {
	a := &basicAuth{username: username, hash: []byte(hash)}
	return func(w *appvisor.Worker) error {
		if _, e := bcrypt.Cost(a.hash); e != nil {
			return &appvisor.StageError{Name: NameBasicAuth, Err: e}
		}
		return w.AddStage(appvisor.Stage{
			Name:   NameBasicAuth,
			Value:  appvisor.Filter(a.filter),
			Before: []string{NameMasterError},
		})
	}
}
