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

package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gdamore/appvisor"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/crypto/bcrypt"
)

// Handler wraps a Supervisor, adding http.Handler functionality.
type Handler struct {
	s    *appvisor.Supervisor
	r    *mux.Router
	user string
	hash []byte
}

// SetAuth requires every request to carry user and a password matching
// the bcrypt hash.
func (h *Handler) SetAuth(user, hash string) error {
	if _, e := bcrypt.Cost([]byte(hash)); e != nil {
		return e
	}
	h.user = user
	h.hash = []byte(hash)
	return nil
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.hash == nil {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(h.user)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword(h.hash, []byte(pass)) == nil
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, code int, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(code)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	h.writeJson(w, e.Code, e)
}

// writeTagged answers with v and its etag, or with 304 if the client
// already holds that etag.
func (h *Handler) writeTagged(w http.ResponseWriter, r *http.Request, etag string, v interface{}) {
	w.Header().Set("Etag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.writeJson(w, http.StatusOK, v)
}

func formatTag(v int64) string {
	return strconv.FormatInt(v, 16)
}

func parseTag(s string) (int64, bool) {
	v, e := strconv.ParseInt(s, 16, 64)
	return v, e == nil
}

// pollRequest returns the etag the client is waiting to see change, and
// for how long it is willing to wait.
func pollRequest(r *http.Request) (int64, time.Duration, bool) {
	old, ok := parseTag(r.Header.Get(PollEtagHeader))
	if !ok {
		return 0, 0, false
	}
	secs, e := strconv.Atoi(r.Header.Get(PollTimeHeader))
	if e != nil || secs <= 0 {
		return 0, 0, false
	}
	if secs > MaxPollTime {
		secs = MaxPollTime
	}
	return old, time.Duration(secs) * time.Second, true
}

func (h *Handler) watch(r *http.Request) {
	if old, wait, ok := pollRequest(r); ok {
		h.s.WatchSerial(old, wait)
	}
}

func (h *Handler) getCluster(w http.ResponseWriter, r *http.Request) {
	h.watch(r)
	info := h.s.Info()
	h.writeTagged(w, r, formatTag(info.Serial), &ClusterInfo{Info: info})
}

func (h *Handler) getWorkers(w http.ResponseWriter, r *http.Request) {
	h.watch(r)
	serial := h.s.Serial()
	ws := h.s.Workers()
	infos := make([]WorkerInfo, 0, len(ws))
	for _, wi := range ws {
		info := WorkerInfo{WorkerInfo: wi}
		if p, e := process.NewProcessWithContext(r.Context(), int32(wi.Pid)); e == nil {
			if mem, e := p.MemoryInfoWithContext(r.Context()); e == nil {
				info.RSS = mem.RSS
			}
			if cpu, e := p.CPUPercentWithContext(r.Context()); e == nil {
				info.CPU = cpu
			}
		}
		infos = append(infos, info)
	}
	h.writeTagged(w, r, formatTag(serial), infos)
}

func (h *Handler) postBuild(w http.ResponseWriter, r *http.Request) {
	n, ok := h.s.Connector().(appvisor.Notifier)
	if !ok {
		h.writeError(w, &Error{http.StatusNotImplemented,
			"Build source does not accept notifications"})
		return
	}
	var b BuildRequest
	if e := json.NewDecoder(r.Body).Decode(&b); e != nil && !errors.Is(e, io.EOF) {
		h.writeError(w, &Error{http.StatusBadRequest, e.Error()})
		return
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if e := n.Notify(b); e != nil {
		code := http.StatusBadRequest
		if errors.Is(e, appvisor.ErrBuildBacklog) {
			code = http.StatusServiceUnavailable
		}
		h.writeError(w, &Error{code, e.Error()})
		return
	}
	h.writeJson(w, http.StatusAccepted, &b)
}

func (h *Handler) postMasterError(w http.ResponseWriter, r *http.Request) {
	var m MasterErrorRequest
	if e := json.NewDecoder(r.Body).Decode(&m); e != nil {
		h.writeError(w, &Error{http.StatusBadRequest, e.Error()})
		return
	}
	h.s.Broadcast(appvisor.MasterError{Response: m.Response}.Message())
	h.writeJson(w, http.StatusOK, ok)
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	l := h.s.Log()
	if old, wait, ok := pollRequest(r); ok {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		l.Watch(ctx, old)
		cancel()
	}
	have, _ := parseTag(r.Header.Get("If-None-Match"))
	recs, id := l.Records(have)
	w.Header().Set("Etag", formatTag(id))
	if recs == nil {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.writeJson(w, http.StatusOK, recs)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !h.authorized(req) {
		w.Header().Set("WWW-Authenticate", `Basic realm="appvisor"`)
		h.writeError(w, &Error{http.StatusUnauthorized, "Authorization required"})
		return
	}
	h.r.ServeHTTP(w, req)
}

func NewHandler(s *appvisor.Supervisor) *Handler {
	r := mux.NewRouter()
	h := &Handler{s: s, r: r}
	r.HandleFunc("/cluster", h.getCluster).Methods("GET")
	r.HandleFunc("/workers", h.getWorkers).Methods("GET")
	r.HandleFunc("/builds", h.postBuild).Methods("POST")
	r.HandleFunc("/master-error", h.postMasterError).Methods("POST")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	return h
}
