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
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestForkOptions(t *testing.T) {
	Convey("Fork options survive the command line", t, func() {
		o := ForkOptions{
			DistPath: "/srv/app/dist",
			Host:     "0.0.0.0",
			Port:     "3000",
			SandboxOptions: map[string]interface{}{
				"name":  "sandbox",
				"depth": 2,
				"tags":  []string{"a", "b"},
			},
		}
		s, e := EncodeForkOptions(o)
		So(e, ShouldBeNil)
		So(strings.ContainsAny(s, " \t\n\"'/+="), ShouldBeFalse)

		d, e := DecodeForkOptions(s)
		So(e, ShouldBeNil)
		So(d.DistPath, ShouldEqual, o.DistPath)
		So(d.Host, ShouldEqual, o.Host)
		So(d.Port, ShouldEqual, o.Port)
		So(d.SandboxOptions["name"], ShouldEqual, "sandbox")
		So(d.SandboxOptions["depth"], ShouldEqual, 2.0)
		So(d.SandboxOptions["tags"], ShouldResemble, []interface{}{"a", "b"})
	})

	Convey("Cycles are dropped", t, func() {
		self := map[string]interface{}{"keep": true}
		self["self"] = self
		list := []interface{}{"first", nil}
		list[1] = list
		o := ForkOptions{
			DistPath: "dist",
			SandboxOptions: map[string]interface{}{
				"self":   self,
				"list":   list,
				"fn":     func() {},
				"shared": []int{1, 2},
			},
		}
		s, e := EncodeForkOptions(o)
		So(e, ShouldBeNil)
		d, e := DecodeForkOptions(s)
		So(e, ShouldBeNil)
		So(d.SandboxOptions["self"], ShouldResemble, map[string]interface{}{"keep": true})
		So(d.SandboxOptions["list"], ShouldResemble, []interface{}{"first", nil})
		So(d.SandboxOptions["shared"], ShouldResemble, []interface{}{1.0, 2.0})
		_, ok := d.SandboxOptions["fn"]
		So(ok, ShouldBeFalse)
	})

	Convey("Cycles through struct pointers are dropped", t, func() {
		type Base struct {
			Kind string `json:"kind"`
		}
		type node struct {
			Base
			Name    string    `json:"name"`
			Next    *node     `json:"next,omitempty"`
			Skipped string    `json:"-"`
			When    time.Time `json:"when"`
			Plain   int
			secret  int
		}
		when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		a := &node{Base: Base{Kind: "ring"}, Name: "a", Skipped: "x", When: when, Plain: 7}
		b := &node{Name: "b", Next: a, secret: 1}
		a.Next = b
		o := ForkOptions{SandboxOptions: map[string]interface{}{"node": a}}

		s, e := EncodeForkOptions(o)
		So(e, ShouldBeNil)
		d, e := DecodeForkOptions(s)
		So(e, ShouldBeNil)

		got, ok := d.SandboxOptions["node"].(map[string]interface{})
		So(ok, ShouldBeTrue)
		So(got["kind"], ShouldEqual, "ring")
		So(got["name"], ShouldEqual, "a")
		So(got["when"], ShouldEqual, "2024-01-02T03:04:05Z")
		So(got["Plain"], ShouldEqual, 7.0)
		_, ok = got["Skipped"]
		So(ok, ShouldBeFalse)
		_, ok = got["secret"]
		So(ok, ShouldBeFalse)

		next, ok := got["next"].(map[string]interface{})
		So(ok, ShouldBeTrue)
		So(next["name"], ShouldEqual, "b")
		_, ok = next["next"]
		So(ok, ShouldBeFalse)
	})

	Convey("The same value twice is not a cycle", t, func() {
		shared := map[string]interface{}{"x": "y"}
		o := ForkOptions{SandboxOptions: map[string]interface{}{
			"a": shared,
			"b": shared,
		}}
		s, e := EncodeForkOptions(o)
		So(e, ShouldBeNil)
		d, e := DecodeForkOptions(s)
		So(e, ShouldBeNil)
		So(d.SandboxOptions["a"], ShouldResemble, map[string]interface{}{"x": "y"})
		So(d.SandboxOptions["b"], ShouldResemble, map[string]interface{}{"x": "y"})
	})

	Convey("Garbage does not decode", t, func() {
		_, e := DecodeForkOptions("not base64!")
		So(e, ShouldNotBeNil)
		_, e = DecodeForkOptions("bm90IGpzb24")
		So(e, ShouldNotBeNil)
	})
}
