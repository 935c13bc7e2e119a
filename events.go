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
)

// Wire names of the events exchanged over the supervisor channel.
const (
	EventOnline      = "online"
	EventHealthy     = "healthy"
	EventExit        = "exit"
	EventSynchronize = "synchronize"
	EventMasterError = "masterError"
)

// Message is the wire form of everything sent between a supervisor and
// its workers.  Only the fields relevant to Event are populated.
type Message struct {
	Event    string `json:"event"`
	DistPath string `json:"distPath,omitempty"`
	Response string `json:"response,omitempty"`
	Code     int    `json:"code,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

// Event is the typed form of a Message.  It is one of Online, Healthy,
// Exited, Synchronize or MasterError.
type Event interface {
	Message() Message
}

// Online is reported by a worker as soon as it has attached to its channel.
// It is informational only; an online worker is not yet usable.
type Online struct{}

// Healthy is reported exactly once per worker, after its listener is bound
// and its pipeline is live.
type Healthy struct{}

// Exited is synthesized by the supervisor when a worker process is reaped.
// It never travels over the channel.
type Exited struct {
	Code   int
	Signal string
}

// Synchronize points a worker at a new artifact.
type Synchronize struct {
	DistPath string
}

// MasterError asks a worker to serve an error page until the next
// Synchronize.
type MasterError struct {
	Response string
}

func (Online) Message() Message {
	return Message{Event: EventOnline}
}

func (Healthy) Message() Message {
	return Message{Event: EventHealthy}
}

func (e Exited) Message() Message {
	return Message{Event: EventExit, Code: e.Code, Signal: e.Signal}
}

func (e Synchronize) Message() Message {
	return Message{Event: EventSynchronize, DistPath: e.DistPath}
}

func (e MasterError) Message() Message {
	return Message{Event: EventMasterError, Response: e.Response}
}

// Err describes why a worker went away.  Every exit is abnormal: workers
// should only ever stop when the supervisor tells them to.
func (e Exited) Err(pid int) error {
	switch {
	case e.Signal != "":
		return fmt.Errorf("Worker %d killed by signal: %s", pid, e.Signal)
	case e.Code != 0:
		return fmt.Errorf("Worker %d exited with error code: %d", pid, e.Code)
	default:
		return fmt.Errorf("Worker %d exited gracefully. "+
			"It should only exit when told to do so.", pid)
	}
}

// ParseEvent converts a wire Message into its typed Event.
func ParseEvent(m Message) (Event, error) {
	switch m.Event {
	case EventOnline:
		return Online{}, nil
	case EventHealthy:
		return Healthy{}, nil
	case EventExit:
		return Exited{Code: m.Code, Signal: m.Signal}, nil
	case EventSynchronize:
		return Synchronize{DistPath: m.DistPath}, nil
	case EventMasterError:
		return MasterError{Response: m.Response}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrBadMessage, m.Event)
}
