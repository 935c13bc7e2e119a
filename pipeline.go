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

package appvisor

import (
	"container/heap"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
)

// StageValue is what a Stage contributes to the request pipeline.  It is
// either a Filter or a Route.
type StageValue interface {
	apply(next http.Handler) http.Handler
}

// Filter is a generic request filter.  It receives the remainder of the
// pipeline and decides whether (and how) to call it.
type Filter func(next http.Handler) http.Handler

// Route runs its callbacks only for requests matching Method and Path; any
// other request passes straight through to the rest of the pipeline.  A
// Path ending in "/*" matches everything under that prefix; otherwise it is
// a gorilla/mux path template.  An empty Method matches any method, and GET
// also answers HEAD.  Each callback receives the next callback (the last
// one receives the rest of the pipeline) so a callback can decline a
// request by passing it on.
type Route struct {
	Method    string
	Path      string
	Callbacks []Filter
}

// Stage is a named unit of the request pipeline.  Before and After name
// other stages this one must precede or follow.  Names that are never
// registered still hold a place in the order.
type Stage struct {
	Name   string
	Value  StageValue
	Before []string
	After  []string
}

// Handle adapts a plain handler into a terminal Filter, one that never
// calls the rest of the pipeline.
func Handle(h http.Handler) Filter {
	return func(http.Handler) http.Handler {
		return h
	}
}

func (f Filter) apply(next http.Handler) http.Handler {
	return f(next)
}

func (r Route) matcher() *mux.Route {
	route := mux.NewRouter().NewRoute()
	if m := strings.ToUpper(r.Method); m == http.MethodGet {
		route = route.Methods(http.MethodGet, http.MethodHead)
	} else if m != "" {
		route = route.Methods(m)
	}
	switch {
	case strings.HasSuffix(r.Path, "/*"):
		route = route.PathPrefix(strings.TrimSuffix(r.Path, "*"))
	case r.Path != "":
		route = route.Path(r.Path)
	}
	return route
}

func (r Route) apply(next http.Handler) http.Handler {
	route := r.matcher()
	h := next
	for i := len(r.Callbacks) - 1; i >= 0; i-- {
		h = r.Callbacks[i](h)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var match mux.RouteMatch
		if route.Match(req, &match) {
			h.ServeHTTP(w, mux.SetURLVars(req, match.Vars))
			return
		}
		next.ServeHTTP(w, req)
	})
}

// NewPipeline compiles finalized stages into a single handler.  Stages run
// in order; a request that falls off the end gets notFound, or a plain 404
// if that is nil.
func NewPipeline(stages []Stage, notFound http.Handler) http.Handler {
	h := notFound
	if h == nil {
		h = http.NotFoundHandler()
	}
	for i := len(stages) - 1; i >= 0; i-- {
		h = stages[i].Value.apply(h)
	}
	return h
}

type vertex struct {
	name  string
	index int    // first time the name was seen
	stage *Stage // nil for a placeholder
	succ  []*vertex
	indeg int
}

// Assembler collects stages and produces one deterministic order for them.
// Stages with no constraint between them keep the order in which their
// names were first seen, whether by registration or by reference.
type Assembler struct {
	vertices  map[string]*vertex
	order     []*vertex
	finalized bool
	mx        sync.Mutex
}

func NewAssembler() *Assembler {
	return &Assembler{vertices: make(map[string]*vertex)}
}

func (a *Assembler) vertex(name string) *vertex {
	v, ok := a.vertices[name]
	if !ok {
		v = &vertex{name: name, index: len(a.order)}
		a.vertices[name] = v
		a.order = append(a.order, v)
	}
	return v
}

// Register adds a stage.  It fails if the name is taken or the pipeline
// has already been finalized.
func (a *Assembler) Register(s Stage) error {
	a.mx.Lock()
	defer a.mx.Unlock()

	if a.finalized {
		return &StageError{Name: s.Name, Err: ErrLateRegistration}
	}
	if s.Name == "" || s.Value == nil {
		return &StageError{Name: s.Name, Err: ErrBadStage}
	}
	if v, ok := a.vertices[s.Name]; ok && v.stage != nil {
		return &StageError{Name: s.Name, Err: ErrDuplicateStage}
	}

	st := s
	st.Before = append([]string{}, s.Before...)
	st.After = append([]string{}, s.After...)

	v := a.vertex(s.Name)
	v.stage = &st
	for _, b := range st.Before {
		a.edge(v, a.vertex(b))
	}
	for _, f := range st.After {
		a.edge(a.vertex(f), v)
	}
	return nil
}

func (a *Assembler) edge(from, to *vertex) {
	from.succ = append(from.succ, to)
	to.indeg++
}

// Names returns every name known to the assembler, placeholders included,
// in first-seen order.
func (a *Assembler) Names() []string {
	a.mx.Lock()
	defer a.mx.Unlock()
	names := make([]string, 0, len(a.order))
	for _, v := range a.order {
		names = append(names, v.name)
	}
	return names
}

// Finalize sorts the registered stages so that every Before and After
// constraint holds, and closes the assembler to further registration.
// Placeholders are sorted like any other stage and then left out of the
// result.  A constraint cycle is reported here, not at Register.
func (a *Assembler) Finalize() ([]Stage, error) {
	a.mx.Lock()
	defer a.mx.Unlock()

	if a.finalized {
		return nil, ErrFinalized
	}
	a.finalized = true

	indeg := make([]int, len(a.order))
	ready := &vertexHeap{}
	for _, v := range a.order {
		indeg[v.index] = v.indeg
		if v.indeg == 0 {
			heap.Push(ready, v)
		}
	}

	stages := make([]Stage, 0, len(a.order))
	visited := 0
	for ready.Len() > 0 {
		v := heap.Pop(ready).(*vertex)
		visited++
		if v.stage != nil {
			stages = append(stages, *v.stage)
		}
		for _, s := range v.succ {
			indeg[s.index]--
			if indeg[s.index] == 0 {
				heap.Push(ready, s)
			}
		}
	}

	if visited != len(a.order) {
		var stuck []string
		for _, v := range a.order {
			if indeg[v.index] > 0 {
				stuck = append(stuck, v.name)
			}
		}
		return nil, &StageError{
			Name: strings.Join(stuck, ", "),
			Err:  ErrCyclicDependency,
		}
	}
	return stages, nil
}

// vertexHeap orders ready vertices by first-seen index.
type vertexHeap []*vertex

func (h vertexHeap) Len() int {
	return len(h)
}

func (h vertexHeap) Less(i, j int) bool {
	return h[i].index < h[j].index
}

func (h vertexHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *vertexHeap) Push(x interface{}) {
	*h = append(*h, x.(*vertex))
}

func (h *vertexHeap) Pop() interface{} {
	old := *h
	v := old[len(old)-1]
	*h = old[:len(old)-1]
	return v
}
