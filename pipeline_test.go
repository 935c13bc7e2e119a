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
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// mark returns a filter that records its name and continues.
func mark(trace *[]string, name string) Filter {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*trace = append(*trace, name)
			next.ServeHTTP(w, r)
		})
	}
}

func names(stages []Stage) []string {
	var n []string
	for _, s := range stages {
		n = append(n, s.Name)
	}
	return n
}

func TestAssemblerOrder(t *testing.T) {
	Convey("Stages are ordered by their constraints", t, func() {
		var trace []string
		a := NewAssembler()

		Convey("Before and after", func() {
			So(a.Register(Stage{Name: "A", Value: mark(&trace, "A")}), ShouldBeNil)
			So(a.Register(Stage{Name: "B", Value: mark(&trace, "B"), After: []string{"A"}}), ShouldBeNil)
			So(a.Register(Stage{Name: "C", Value: mark(&trace, "C"), Before: []string{"A"}}), ShouldBeNil)
			stages, e := a.Finalize()
			So(e, ShouldBeNil)
			So(names(stages), ShouldResemble, []string{"C", "A", "B"})
		})

		Convey("Unconstrained stages keep registration order", func() {
			for _, n := range []string{"x", "y", "z"} {
				So(a.Register(Stage{Name: n, Value: mark(&trace, n)}), ShouldBeNil)
			}
			stages, e := a.Finalize()
			So(e, ShouldBeNil)
			So(names(stages), ShouldResemble, []string{"x", "y", "z"})
		})

		Convey("A placeholder holds its slot", func() {
			So(a.Register(Stage{Name: "A", Value: mark(&trace, "A")}), ShouldBeNil)
			So(a.Register(Stage{Name: "B", Value: mark(&trace, "B"), After: []string{"Z"}}), ShouldBeNil)
			So(a.Register(Stage{Name: "C", Value: mark(&trace, "C")}), ShouldBeNil)
			So(a.Names(), ShouldResemble, []string{"A", "B", "Z", "C"})
			stages, e := a.Finalize()
			So(e, ShouldBeNil)
			So(names(stages), ShouldResemble, []string{"A", "B", "C"})
		})

		Convey("A placeholder ordered before a stage", func() {
			So(a.Register(Stage{Name: "C", Value: mark(&trace, "C"), Before: []string{"Z"}}), ShouldBeNil)
			So(a.Register(Stage{Name: "A", Value: mark(&trace, "A")}), ShouldBeNil)
			So(a.Register(Stage{Name: "B", Value: mark(&trace, "B"), After: []string{"Z"}}), ShouldBeNil)
			stages, e := a.Finalize()
			So(e, ShouldBeNil)
			// B sorts where Z did, after the unconstrained A.
			So(names(stages), ShouldResemble, []string{"C", "A", "B"})
		})

		Convey("Multiple constraints", func() {
			So(a.Register(Stage{Name: "last", Value: mark(&trace, "last"),
				After: []string{"one", "two"}}), ShouldBeNil)
			So(a.Register(Stage{Name: "two", Value: mark(&trace, "two")}), ShouldBeNil)
			So(a.Register(Stage{Name: "one", Value: mark(&trace, "one"),
				Before: []string{"two"}}), ShouldBeNil)
			stages, e := a.Finalize()
			So(e, ShouldBeNil)
			So(names(stages), ShouldResemble, []string{"one", "two", "last"})
		})
	})
}

func TestAssemblerErrors(t *testing.T) {
	Convey("Assembly errors", t, func() {
		a := NewAssembler()
		f := Filter(func(next http.Handler) http.Handler { return next })

		Convey("Duplicate names", func() {
			So(a.Register(Stage{Name: "A", Value: f}), ShouldBeNil)
			e := a.Register(Stage{Name: "A", Value: f})
			So(errors.Is(e, ErrDuplicateStage), ShouldBeTrue)
			var se *StageError
			So(errors.As(e, &se), ShouldBeTrue)
			So(se.Name, ShouldEqual, "A")
		})

		Convey("A referenced name may still be registered", func() {
			So(a.Register(Stage{Name: "A", Value: f, Before: []string{"B"}}), ShouldBeNil)
			So(a.Register(Stage{Name: "B", Value: f}), ShouldBeNil)
		})

		Convey("Missing name or value", func() {
			So(errors.Is(a.Register(Stage{Value: f}), ErrBadStage), ShouldBeTrue)
			So(errors.Is(a.Register(Stage{Name: "A"}), ErrBadStage), ShouldBeTrue)
		})

		Convey("Late registration", func() {
			_, e := a.Finalize()
			So(e, ShouldBeNil)
			e = a.Register(Stage{Name: "A", Value: f})
			So(errors.Is(e, ErrLateRegistration), ShouldBeTrue)
			_, e = a.Finalize()
			So(e, ShouldEqual, ErrFinalized)
		})

		Convey("Cycles", func() {
			So(a.Register(Stage{Name: "free", Value: f}), ShouldBeNil)
			So(a.Register(Stage{Name: "A", Value: f, After: []string{"B"}}), ShouldBeNil)
			So(a.Register(Stage{Name: "B", Value: f, After: []string{"A"}}), ShouldBeNil)
			_, e := a.Finalize()
			So(errors.Is(e, ErrCyclicDependency), ShouldBeTrue)
			So(e.Error(), ShouldContainSubstring, "A, B")
			So(e.Error(), ShouldNotContainSubstring, "free")
		})
	})
}

func TestPipeline(t *testing.T) {
	Convey("A finalized pipeline", t, func() {
		var trace []string
		a := NewAssembler()
		So(a.Register(Stage{Name: "log", Value: mark(&trace, "log")}), ShouldBeNil)
		So(a.Register(Stage{Name: "root", Value: Route{
			Method: http.MethodGet,
			Path:   "/",
			Callbacks: []Filter{
				mark(&trace, "root"),
				Handle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					io.WriteString(w, "root")
				})),
			},
		}, After: []string{"log"}}), ShouldBeNil)
		So(a.Register(Stage{Name: "assets", Value: Route{
			Method: http.MethodGet,
			Path:   "/assets/*",
			Callbacks: []Filter{
				mark(&trace, "assets"),
			},
		}, After: []string{"root"}}), ShouldBeNil)
		stages, e := a.Finalize()
		So(e, ShouldBeNil)
		h := NewPipeline(stages, nil)

		get := func(method, path string) *httptest.ResponseRecorder {
			trace = nil
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
			return rec
		}

		Convey("A matching route answers", func() {
			rec := get(http.MethodGet, "/")
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(rec.Body.String(), ShouldEqual, "root")
			So(trace, ShouldResemble, []string{"log", "root"})
		})

		Convey("GET routes also answer HEAD", func() {
			rec := get(http.MethodHead, "/")
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(trace, ShouldResemble, []string{"log", "root"})
		})

		Convey("Other methods fall through", func() {
			rec := get(http.MethodPost, "/")
			So(rec.Code, ShouldEqual, http.StatusNotFound)
			So(trace, ShouldResemble, []string{"log"})
		})

		Convey("Prefix routes fall through when their callbacks do", func() {
			rec := get(http.MethodGet, "/assets/a/b.js")
			So(rec.Code, ShouldEqual, http.StatusNotFound)
			So(trace, ShouldResemble, []string{"log", "assets"})
		})

		Convey("Nothing matches", func() {
			rec := get(http.MethodGet, "/nowhere")
			So(rec.Code, ShouldEqual, http.StatusNotFound)
			So(strings.TrimSpace(rec.Body.String()), ShouldEqual, "404 page not found")
			So(trace, ShouldResemble, []string{"log"})
		})
	})
}
