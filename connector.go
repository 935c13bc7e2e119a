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
	"context"
	"sync"

	"github.com/google/uuid"
)

// buildQueue bounds how many build notifications may be waiting for the
// supervisor.
const buildQueue = 16

// Build describes a new build announced by a build source.  What the
// fields mean is up to the Connector; DistPath is a hint that most
// connectors treat as the resolved location.
type Build struct {
	ID       string            `json:"id"`
	DistPath string            `json:"distPath,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// Connector links a Supervisor to whatever produces builds of the
// application (a CI system, a package registry, a directory on disk).
//
// Builds delivers the "build" event; the Supervisor reads it for as long
// as it runs.  Resolve turns a Build into a servable artifact location,
// downloading it if necessary.  It may fail, and must not change any state
// shared with the Supervisor when it does.  DistPath returns the artifact
// to serve at startup, or "" if none is known yet.
type Connector interface {
	Builds() <-chan Build
	Resolve(ctx context.Context, b Build) (string, error)
	DistPath() string
}

// Notifier is implemented by connectors that accept builds pushed to them,
// for example through the control API.
type Notifier interface {
	Notify(b Build) error
}

// StaticConnector serves a single artifact location.  It never announces
// builds on its own, but Notify can be used to point it elsewhere.
type StaticConnector struct {
	distPath string
	builds   chan Build
	mx       sync.Mutex
}

func NewStaticConnector(distPath string) *StaticConnector {
	return &StaticConnector{
		distPath: distPath,
		builds:   make(chan Build, buildQueue),
	}
}

func (c *StaticConnector) Builds() <-chan Build {
	return c.builds
}

func (c *StaticConnector) DistPath() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.distPath
}

// Resolve returns the build's own location if it has one, else the
// current static location.
func (c *StaticConnector) Resolve(ctx context.Context, b Build) (string, error) {
	if e := ctx.Err(); e != nil {
		return "", e
	}
	if b.DistPath != "" {
		return b.DistPath, nil
	}
	return c.DistPath(), nil
}

// Notify announces a build.  A build with a DistPath also becomes the
// connector's current location.
func (c *StaticConnector) Notify(b Build) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	c.mx.Lock()
	if b.DistPath != "" {
		c.distPath = b.DistPath
	}
	c.mx.Unlock()

	select {
	case c.builds <- b:
		return nil
	default:
		return ErrBuildBacklog
	}
}
