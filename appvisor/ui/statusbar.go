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
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"

	"github.com/gdamore/appvisor"
	"github.com/gdamore/appvisor/rest"
)

// StatusBar carries a one line summary below the title, coloured by the
// state of the pool.
type StatusBar struct {
	text  string
	style tcell.Style
	views.SimpleStyledTextBar
}

var (
	StatusBarStyleNormal = tcell.StyleDefault.
				Foreground(tcell.ColorBlack).
				Background(tcell.ColorSilver)
	StatusBarStyleGood = tcell.StyleDefault.
				Foreground(tcell.ColorWhite).
				Background(tcell.ColorGreen).
				Bold(true)
	StatusBarStyleWarn = tcell.StyleDefault.
				Foreground(tcell.ColorBlack).
				Background(tcell.ColorYellow)
	StatusBarStyleError = tcell.StyleDefault.
				Foreground(tcell.ColorWhite).
				Background(tcell.ColorMaroon).
				Bold(true)
)

// poolStyle is green only when the pool is ready with every configured
// worker healthy.  A pool still coming up, or short of workers after an
// exit, is yellow.
func poolStyle(c *rest.ClusterInfo) tcell.Style {
	if c == nil {
		return StatusBarStyleNormal
	}
	switch c.State {
	case appvisor.PoolFailed.String():
		return StatusBarStyleError
	case appvisor.PoolStopped.String():
		return StatusBarStyleNormal
	case appvisor.PoolReady.String():
		if c.Healthy >= c.WorkerCount {
			return StatusBarStyleGood
		}
	}
	return StatusBarStyleWarn
}

func NewStatusBar() *StatusBar {
	sb := &StatusBar{}
	sb.Init()
	sb.restyle(StatusBarStyleNormal)
	return sb
}

func (sb *StatusBar) restyle(style tcell.Style) {
	if style == sb.style {
		return
	}
	sb.style = style
	sb.SetStyle(style)
	sb.RegisterLeftStyle('N', style)
	sb.SetLeft(sb.text)
}

func (sb *StatusBar) SetText(text string) {
	sb.text = escape(text)
	sb.SetLeft(sb.text)
}

// SetPool colours the bar for the cluster; nil means no data yet.
func (sb *StatusBar) SetPool(c *rest.ClusterInfo) {
	sb.restyle(poolStyle(c))
}

// SetFault marks the bar red, for when the supervisor cannot be reached
// or refuses us.
func (sb *StatusBar) SetFault() {
	sb.restyle(StatusBarStyleError)
}

// escape protects text from the bars' style markup.
func escape(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}
