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
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Line prefixes the UI recognizes as warnings and errors.
const (
	WarnPrefix  = "Warning: "
	ErrorPrefix = "Error: "
)

// Roles shown in the UI line prefix.
const (
	RoleSupervisor = 'm'
	RoleWorker     = 'w'
)

// UI writes console output.  Every line is stamped with the time and a
// process tag such as [m1234] (supervisor) or [w1235] (worker).  Lines
// beginning with WarnPrefix or ErrorPrefix are shown yellow or red when
// the output is a terminal.
type UI struct {
	out   io.Writer
	tag   string
	color bool
	now   func() time.Time

	info lipgloss.Style
	warn lipgloss.Style
	errs lipgloss.Style
	mx   sync.Mutex
}

// NewUI returns a UI writing to out on behalf of this process.
func NewUI(out io.Writer, role rune) *UI {
	u := &UI{
		out: out,
		tag: fmt.Sprintf("[%c%d]", role, os.Getpid()),
		now: time.Now,
	}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		u.color = true
	}
	r := lipgloss.NewRenderer(out)
	u.info = r.NewStyle().Foreground(lipgloss.Color("4"))
	u.warn = r.NewStyle().Foreground(lipgloss.Color("3"))
	u.errs = r.NewStyle().Foreground(lipgloss.Color("1"))
	return u
}

// SetColor forces colour on or off.
func (u *UI) SetColor(on bool) {
	u.mx.Lock()
	u.color = on
	u.mx.Unlock()
}

func (u *UI) prefix(style lipgloss.Style) string {
	stamp := "[" + u.now().UTC().Format("2006-01-02T15:04:05.000Z") + "]"
	if !u.color {
		return stamp + u.tag + " "
	}
	return style.Reverse(true).Render(stamp) + style.Render(u.tag) + " "
}

// Write implements io.Writer so that a log.Logger can sit on top.
func (u *UI) Write(b []byte) (int, error) {
	u.mx.Lock()
	defer u.mx.Unlock()
	var sb strings.Builder
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		style := u.info
		text := line
		switch {
		case strings.HasPrefix(line, WarnPrefix):
			style = u.warn
		case strings.HasPrefix(line, ErrorPrefix):
			style = u.errs
		}
		if u.color && style.GetForeground() != u.info.GetForeground() {
			text = style.Render(line)
		}
		sb.WriteString(u.prefix(style))
		sb.WriteString(text)
		sb.WriteByte('\n')
	}
	if _, e := io.WriteString(u.out, sb.String()); e != nil {
		return 0, e
	}
	return len(b), nil
}
