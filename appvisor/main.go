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

// Command appvisor is the operator's client for appvisord.  It uses
// subcommands.
//
// The flags are
//
//	-a <address>	- the control API, default is
//			  http://127.0.0.1:8321
//	-u <user:pass>	- user name & password for basic auth
//
// Subcommands are
//
//	status              - show the state of the pool
//	workers [-o fmt]    - list the workers (table, json or yaml)
//	build [--dist-path] - announce a new build
//	master-error <html> - serve an error page until the next build
//	log [-f]            - print (and follow) the supervisor log
//	top                 - interactive view (the default)
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gdamore/appvisor/rest"
)

var (
	addr = "http://127.0.0.1:8321"
	auth = ""
)

var rootCmd = &cobra.Command{
	Use:           "appvisor",
	Short:         "Control a running appvisord",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runTop,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&addr, "address", "a", addr,
		"appvisord control API address")
	rootCmd.PersistentFlags().StringVarP(&auth, "user", "u", auth,
		"user:pass authentication")
}

func newClient() (*rest.Client, error) {
	client := rest.NewClient(nil, strings.TrimRight(addr, "/"))
	if auth != "" {
		a := strings.SplitN(auth, ":", 2)
		if len(a) != 2 {
			return nil, fmt.Errorf("Bad user:pass supplied")
		}
		client.SetAuth(a[0], a[1])
	}
	return client, nil
}

func main() {
	if e := rootCmd.Execute(); e != nil {
		fmt.Fprintf(os.Stderr, "Failed: %v\n", e)
		os.Exit(1)
	}
}
