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

//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package appvisor

import (
	"context"
	"io"
	"log"
	"net"
)

const ChannelEnv = "APPVISOR_CHANNEL_FD"

// ExecSpawner needs descriptor passing and shared listeners, which this
// platform lacks.  Spawn always fails.
type ExecSpawner struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Output io.Writer
	Logger *log.Logger
}

func (s *ExecSpawner) Spawn(args []string, env []string) (Process, error) {
	return nil, ErrUnsupported
}

func InheritedChannel() (*Channel, error) {
	return nil, nil
}

// Listen falls back to a plain listener; only one worker can bind.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
