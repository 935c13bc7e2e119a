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

// Package appvisor runs a server-rendered web application as a pool of
// worker processes on a single host, and rolls new builds of the
// application out to those workers without restarting them.
//
// A Supervisor forks a fixed number of workers, waits for each of them to
// report healthy, and replaces any worker that exits once the pool has
// come up.  Workers are told about new builds over a private channel (a
// socket pair handed to the child as descriptor 3), and every worker binds
// the same address, so the kernel balances connections among them.
//
// Builds come from a Connector.  A StaticConnector serves one directory;
// a DirConnector watches a releases directory and announces each release
// that appears in it.
//
// Each Worker assembles its request pipeline from named stages, ordered
// by their Before and After constraints.  The stages package provides the
// usual set.
//
// Most programs need only a main that dispatches between the two roles:
//
//	if len(os.Args) > 2 && os.Args[1] == "worker" {
//		appvisor.RunWorker(ctx, os.Args[2], stages.Default(opts)...)
//		return
//	}
//	s, e := appvisor.New(appvisor.Config{DistPath: "dist", Port: "3000"})
//	...
//	e = s.Start(ctx)
//
package appvisor
