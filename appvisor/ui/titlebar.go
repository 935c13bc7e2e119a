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
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"

	"github.com/gdamore/appvisor"
	"github.com/gdamore/appvisor/rest"
)

// TitleBar shows the supervisor being watched on the left, the panel name
// in the middle, and the pool on the right.
type TitleBar struct {
	views.SimpleStyledTextBar
}

var titleStyle = tcell.StyleDefault.
	Foreground(tcell.ColorBlack).
	Background(tcell.ColorSilver)

// poolMarks are the title bar markup codes for each pool state.
var poolMarks = map[string]rune{
	appvisor.PoolInitializing.String(): 'I',
	appvisor.PoolForking.String():      'I',
	appvisor.PoolReady.String():        'R',
	appvisor.PoolFailed.String():       'F',
	appvisor.PoolStopped.String():      'S',
}

func NewTitleBar(server string) *TitleBar {
	tb := &TitleBar{}
	tb.Init()
	tb.SetStyle(titleStyle)
	tb.RegisterLeftStyle('N', titleStyle)
	tb.RegisterCenterStyle('N', titleStyle.Bold(true))
	tb.RegisterRightStyle('N', titleStyle)
	tb.RegisterRightStyle('I', titleStyle.Foreground(tcell.ColorOlive).Bold(true))
	tb.RegisterRightStyle('R', titleStyle.Foreground(tcell.ColorGreen).Bold(true))
	tb.RegisterRightStyle('F', titleStyle.Foreground(tcell.ColorMaroon).Bold(true))
	tb.RegisterRightStyle('S', titleStyle.Foreground(tcell.ColorGray))

	tb.SetLeft(escape(server))
	tb.SetCenter(" ")
	tb.SetCluster(nil)
	return tb
}

func (tb *TitleBar) SetPanel(name string) {
	tb.SetCenter(escape(name))
}

// SetCluster shows the pool state and how many of the configured workers
// are healthy.
func (tb *TitleBar) SetCluster(c *rest.ClusterInfo) {
	tb.SetRight(poolMarkup(c))
}

func poolMarkup(c *rest.ClusterInfo) string {
	if c == nil {
		return "%Npool ?"
	}
	mark, ok := poolMarks[c.State]
	if !ok {
		mark = 'N'
	}
	return fmt.Sprintf("%%N%d/%d %%%c%s%%N", c.Healthy, c.WorkerCount,
		mark, escape(c.State))
}
