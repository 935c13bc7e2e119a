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

package rest

import (
	"github.com/gdamore/appvisor"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// PollEtagHeader and PollTimeHeader ask the server to hold a GET
	// until the resource's Etag differs from the given one, for at most
	// the given number of seconds.
	PollEtagHeader = "X-Appvisor-Poll-Etag"
	PollTimeHeader = "X-Appvisor-Poll-Time"

	// MaxPollTime caps how long the server holds a long poll.
	MaxPollTime = 300
)

var ok struct{}

// ClusterInfo is the body of GET /cluster.
type ClusterInfo struct {
	appvisor.Info
	etag string
}

// WorkerInfo is one element of GET /workers.  Resource figures come from
// the operating system and are zero when it cannot be asked.
type WorkerInfo struct {
	appvisor.WorkerInfo
	RSS uint64  `json:"rss"`
	CPU float64 `json:"cpu"`
}

// BuildRequest is the body of POST /builds.
type BuildRequest = appvisor.Build

// MasterErrorRequest is the body of POST /master-error.  An empty
// Response clears the error.
type MasterErrorRequest struct {
	Response string `json:"response"`
}

type LogRecord = appvisor.LogRecord

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}
