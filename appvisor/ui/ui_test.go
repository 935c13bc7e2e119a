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

package ui

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/appvisor"
	"github.com/gdamore/appvisor/rest"
)

func TestFormatting(t *testing.T) {
	Convey("Durations", t, func() {
		So(FormatDuration(0), ShouldEqual, "0:00:00")
		So(FormatDuration(26*time.Hour+3*time.Minute+9*time.Second),
			ShouldEqual, "26:03:09")
	})
	Convey("Byte counts", t, func() {
		So(FormatBytes(512), ShouldEqual, "512B")
		So(FormatBytes(1536), ShouldEqual, "1.5K")
		So(FormatBytes(3*1024*1024), ShouldEqual, "3.0M")
	})
	Convey("Key bar markup", t, func() {
		So(keyMarkup([]string{"[Q] Quit", "[H] Help"}),
			ShouldEqual, "[%AQ%N] Quit [%AH%N] Help")
		So(keyMarkup([]string{"100%"}), ShouldEqual, "100%%")
	})
	Convey("Prompt fields", t, func() {
		So(fieldText([]rune("bob"), true, 6), ShouldEqual, "bob_  ")
		So(fieldText([]rune("abcdefgh"), false, 4), ShouldEqual, "<fgh")
	})
}

func cluster(state appvisor.PoolState, healthy, want int) *rest.ClusterInfo {
	return &rest.ClusterInfo{Info: appvisor.Info{
		State:       state.String(),
		Healthy:     healthy,
		WorkerCount: want,
	}}
}

func TestPoolDisplay(t *testing.T) {
	Convey("The status bar follows the pool", t, func() {
		So(poolStyle(nil), ShouldEqual, StatusBarStyleNormal)
		So(poolStyle(cluster(appvisor.PoolReady, 4, 4)), ShouldEqual, StatusBarStyleGood)
		So(poolStyle(cluster(appvisor.PoolReady, 3, 4)), ShouldEqual, StatusBarStyleWarn)
		So(poolStyle(cluster(appvisor.PoolForking, 0, 4)), ShouldEqual, StatusBarStyleWarn)
		So(poolStyle(cluster(appvisor.PoolFailed, 0, 4)), ShouldEqual, StatusBarStyleError)
		So(poolStyle(cluster(appvisor.PoolStopped, 0, 4)), ShouldEqual, StatusBarStyleNormal)
	})
	Convey("The title bar names the pool state", t, func() {
		So(poolMarkup(nil), ShouldEqual, "%Npool ?")
		So(poolMarkup(cluster(appvisor.PoolReady, 2, 3)),
			ShouldEqual, "%N2/3 %Rready%N")
		So(poolMarkup(cluster(appvisor.PoolInitializing, 0, 3)),
			ShouldEqual, "%N0/3 %Iinitializing%N")
		So(escape("100% done"), ShouldEqual, "100%% done")
	})
}
