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
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"
)

// InfoPanel shows the supervisor's configuration and pool state.
type InfoPanel struct {
	text *views.TextArea

	Panel
}

func NewInfoPanel(app *App) *InfoPanel {
	i := &InfoPanel{}
	i.Panel.Init(app)

	i.text = views.NewTextArea()
	i.text.EnableCursor(false)
	i.text.SetStyle(StyleNormal)
	i.SetContent(i.text)

	i.SetTitle("Cluster")
	// We don't change the keybar, so set it once
	i.SetKeys([]string{"[ESC] Main", "[H] Help", "[L] Log", "[B] Build"})

	return i
}

func (i *InfoPanel) Draw() {
	i.update()
	i.Panel.Draw()
}

func (i *InfoPanel) HandleEvent(ev tcell.Event) bool {
	app := i.app
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEsc:
			app.ShowMain()
			return true
		case tcell.KeyF1:
			app.ShowHelp()
			return true
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'Q', 'q':
				app.ShowMain()
				return true
			case 'H', 'h':
				app.ShowHelp()
				return true
			case 'L', 'l':
				app.ShowLog()
				return true
			case 'B', 'b':
				app.NotifyBuild()
				return true
			}
		}
	}
	return i.Panel.HandleEvent(ev)
}

// update must be called with AppLock held.
func (i *InfoPanel) update() {
	s, err := i.app.GetCluster()

	if s == nil {
		if err != nil {
			i.SetStatus(fmt.Sprintf("No data: %v", err))
			i.SetCluster(nil)
			i.SetFault()
		} else {
			i.SetStatus("Loading...")
			i.SetCluster(nil)
		}
		i.text.SetLines(nil)
		return
	}

	i.SetStatus(i.app.Message())
	i.SetCluster(s)

	source := "connector"
	if s.Static {
		source = "static"
	}
	up := time.Since(s.CreateTime)
	up -= up % time.Second
	i.text.SetLines([]string{
		fmt.Sprintf("%13s %s", "State:", s.State),
		fmt.Sprintf("%13s %s:%s", "Listen:", s.Host, s.Port),
		fmt.Sprintf("%13s %d of %d healthy (%d running)", "Workers:",
			s.Healthy, s.WorkerCount, s.Workers),
		fmt.Sprintf("%13s %s", "Dist path:", s.DistPath),
		fmt.Sprintf("%13s %s", "Builds:", source),
		fmt.Sprintf("%13s %s", "Uptime:", FormatDuration(up)),
		fmt.Sprintf("%13s %v", "Changed:", s.UpdateTime.Format(time.Stamp)),
	})
}
