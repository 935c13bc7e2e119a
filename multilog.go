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
	"io"
	"log"
	"strings"
	"sync"
)

// MultiLogger fans each logged line out to several destinations.  Each
// destination is an io.Writer and receives whole lines, one Write per line,
// so line-oriented writers such as Log and UI can rely on that.
type MultiLogger struct {
	log   *log.Logger
	dests []io.Writer
	lock  sync.Mutex
}

func NewMultiLogger() *MultiLogger {
	m := &MultiLogger{}
	m.log = log.New(m, "", 0)
	return m
}

// Write implements io.Writer, splitting b into lines.
func (l *MultiLogger) Write(b []byte) (int, error) {
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	l.lock.Lock()
	for _, line := range lines {
		buf := []byte(line + "\n")
		for _, w := range l.dests {
			w.Write(buf)
		}
	}
	l.lock.Unlock()
	return len(b), nil
}

// Add adds a destination.  Adding the same destination twice has no
// effect.
func (l *MultiLogger) Add(w io.Writer) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for _, x := range l.dests {
		if x == w {
			return
		}
	}
	l.dests = append(l.dests, w)
}

// Remove drops a destination added earlier.
func (l *MultiLogger) Remove(w io.Writer) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for i, x := range l.dests {
		if x == w {
			l.dests = append(l.dests[:i], l.dests[i+1:]...)
			break
		}
	}
}

// Logger returns a logger writing to every destination.
func (l *MultiLogger) Logger() *log.Logger {
	return l.log
}
