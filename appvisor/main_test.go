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

package main

import (
	"bytes"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"gopkg.in/yaml.v3"

	"github.com/gdamore/appvisor"
	"github.com/gdamore/appvisor/rest"
)

func TestOutput(t *testing.T) {
	ws := []rest.WorkerInfo{{
		WorkerInfo: appvisor.WorkerInfo{
			Id:       1,
			Pid:      4242,
			State:    "healthy",
			DistPath: "/srv/app/dist",
			Forked:   time.Now().Add(-90 * time.Second),
		},
		RSS: 2 * 1024 * 1024,
		CPU: 1.5,
	}}

	Convey("Workers as a table", t, func() {
		var b bytes.Buffer
		So(showWorkers(&b, "table", ws), ShouldBeNil)
		So(b.String(), ShouldContainSubstring, "4242 healthy")
		So(b.String(), ShouldContainSubstring, "0:01:30")
		So(b.String(), ShouldContainSubstring, "2.0M")
		So(b.String(), ShouldContainSubstring, "/srv/app/dist")
	})

	Convey("Workers as yaml", t, func() {
		var b bytes.Buffer
		So(showWorkers(&b, "yaml", ws), ShouldBeNil)
		var back []map[string]interface{}
		So(yaml.Unmarshal(b.Bytes(), &back), ShouldBeNil)
		So(len(back), ShouldEqual, 1)
		So(back[0]["pid"], ShouldEqual, 4242)
	})

	Convey("Unknown formats are refused", t, func() {
		So(showWorkers(&bytes.Buffer{}, "xml", ws), ShouldNotBeNil)
	})

	Convey("Following the log prints each line once", t, func() {
		var b bytes.Buffer
		info := &rest.LogInfo{Records: []rest.LogRecord{
			{Id: 10, Text: "one"},
			{Id: 11, Text: "two"},
		}}
		last := printLog(&b, info, 0)
		So(last, ShouldEqual, 11)
		info.Records = append(info.Records, rest.LogRecord{Id: 12, Text: "three"})
		last = printLog(&b, info, last)
		So(last, ShouldEqual, 12)
		So(bytes.Count(b.Bytes(), []byte("two")), ShouldEqual, 1)
		So(b.String(), ShouldContainSubstring, "three")
	})
}
