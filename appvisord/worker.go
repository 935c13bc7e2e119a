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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gdamore/appvisor"
	"github.com/gdamore/appvisor/stages"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:    "worker <options>",
	Short:  "Run one worker (started by the supervisor)",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// The supervisor tells us when to stop; an interrupt aimed at
		// the process group is its business.
		signal.Ignore(syscall.SIGINT, syscall.SIGHUP)
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer cancel()

		opts := stages.Options{
			Username:     os.Getenv(envAuthUser),
			PasswordHash: os.Getenv(envAuthHash),
		}
		return appvisor.RunWorker(ctx, args[0], stages.Default(opts)...)
	},
}
