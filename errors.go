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
	"fmt"
)

var (
	ErrDuplicateStage    = errors.New("Stage already registered")
	ErrLateRegistration  = errors.New("Server already configured. You may not late-bind stages")
	ErrCyclicDependency  = errors.New("Cyclic stage dependency")
	ErrBadStage          = errors.New("Stage must have a name and a value")
	ErrFinalized         = errors.New("Pipeline already finalized")
	ErrAlreadyStarted    = errors.New("Already started")
	ErrBuildResolution   = errors.New("New build failed to download")
	ErrBuildBacklog      = errors.New("Too many pending builds")
	ErrBootTimeout       = errors.New("Timed out waiting for workers to report healthy")
	ErrChannelClosed     = errors.New("Channel closed")
	ErrChannelFull       = errors.New("Channel backlog full")
	ErrBadMessage        = errors.New("Unrecognized message")
	ErrShutdown          = errors.New("Supervisor is shut down")
	ErrRateLimited       = errors.New("Restarting too quickly")
	ErrNoChannelFD       = errors.New("No supervisor channel in environment")
	ErrUnsupported       = errors.New("Not supported on this platform")
)

// ConfigurationError reports invalid construction options.  These are
// fatal; the daemon exits non-zero when it sees one.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

// FirstBootError is returned by Supervisor.Start when any worker fails
// before reaching healthy during the initial boot, or when the initial
// build cannot be resolved.  It is never retried.
type FirstBootError struct {
	Pid int // zero if no process was involved
	Err error
}

func (e *FirstBootError) Error() string {
	if e.Pid != 0 {
		return fmt.Sprintf("Cluster failed to initialize (worker %d): %v",
			e.Pid, e.Err)
	}
	return fmt.Sprintf("Cluster failed to initialize: %v", e.Err)
}

func (e *FirstBootError) Unwrap() error {
	return e.Err
}

// StageError ties a pipeline assembly failure to the stage (or stages)
// responsible.  Err is one of the stage sentinels above.
type StageError struct {
	Name string
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("Stage %s: %v", e.Name, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
