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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gdamore/appvisor/appvisor/ui"
	"github.com/gdamore/appvisor/rest"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, e := newClient()
		if e != nil {
			return e
		}
		s, e := client.Cluster()
		if e != nil {
			return e
		}
		showStatus(cmd.OutOrStdout(), s)
		return nil
	},
}

func showStatus(w io.Writer, s *rest.ClusterInfo) {
	up := time.Since(s.CreateTime)
	up -= up % time.Second
	fmt.Fprintf(w, "State:     %s\n", s.State)
	fmt.Fprintf(w, "Listen:    %s:%s\n", s.Host, s.Port)
	fmt.Fprintf(w, "Workers:   %d of %d healthy\n", s.Healthy, s.WorkerCount)
	fmt.Fprintf(w, "Dist path: %s\n", s.DistPath)
	fmt.Fprintf(w, "Uptime:    %s\n", ui.FormatDuration(up))
}

var workersFormat string

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List the workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, e := newClient()
		if e != nil {
			return e
		}
		ws, e := client.Workers()
		if e != nil {
			return e
		}
		return showWorkers(cmd.OutOrStdout(), workersFormat, ws.Workers)
	},
}

func showWorkers(w io.Writer, format string, ws []rest.WorkerInfo) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ws)
	case "yaml":
		// Go through JSON so the keys match the API.
		b, e := json.Marshal(ws)
		if e != nil {
			return e
		}
		var v []map[string]interface{}
		if e := json.Unmarshal(b, &v); e != nil {
			return e
		}
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	case "table", "":
		fmt.Fprintf(w, "%4s %8s %-8s %10s %8s %7s  %s\n",
			"ID", "PID", "STATE", "UPTIME", "RSS", "CPU", "DIST")
		for _, wi := range ws {
			d := time.Since(wi.Forked)
			d -= d % time.Second
			fmt.Fprintf(w, "%4d %8d %-8s %10s %8s %6.1f%%  %s\n",
				wi.Id, wi.Pid, wi.State, ui.FormatDuration(d),
				ui.FormatBytes(wi.RSS), wi.CPU, wi.DistPath)
		}
		return nil
	}
	return fmt.Errorf("unknown output format %q", format)
}

var build rest.BuildRequest

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Announce a new build",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, e := newClient()
		if e != nil {
			return e
		}
		b, e := client.Notify(build)
		if e != nil {
			return e
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Build %s accepted.\n", b.ID)
		return nil
	},
}

var clearError bool

var masterErrorCmd = &cobra.Command{
	Use:   "master-error [<html>]",
	Short: "Serve an error page from every worker until the next build",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if clearError == (len(args) == 1) {
			return fmt.Errorf("give either a page or --clear")
		}
		client, e := newClient()
		if e != nil {
			return e
		}
		page := ""
		if len(args) == 1 {
			page = args[0]
		}
		return client.MasterError(page)
	},
}

var followLog bool

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Print the supervisor log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, e := newClient()
		if e != nil {
			return e
		}
		info, e := client.GetLog()
		if e != nil {
			return e
		}
		out := cmd.OutOrStdout()
		var last int64
		last = printLog(out, info, last)
		if !followLog {
			return nil
		}
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		for {
			if info, e = client.WatchLog(ctx, info); e != nil {
				if ctx.Err() != nil {
					return nil
				}
				return e
			}
			last = printLog(out, info, last)
		}
	},
}

// printLog prints the records newer than last and returns the newest id.
func printLog(w io.Writer, info *rest.LogInfo, last int64) int64 {
	for _, r := range info.Records {
		if r.Id <= last {
			continue
		}
		fmt.Fprintf(w, "%s %s\n", r.Time.Format(time.StampMilli), r.Text)
		last = r.Id
	}
	return last
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Interactive view of the pool",
	Args:  cobra.NoArgs,
	RunE:  runTop,
}

func runTop(cmd *cobra.Command, _ []string) error {
	client, e := newClient()
	if e != nil {
		return e
	}
	return ui.NewApp(client, addr).Run()
}

func init() {
	workersCmd.Flags().StringVarP(&workersFormat, "output", "o", "table",
		"output format (table, json, yaml)")
	buildCmd.Flags().StringVar(&build.ID, "id", "", "build identifier")
	buildCmd.Flags().StringVar(&build.DistPath, "dist-path", "",
		"location of the build, if the build source needs it")
	masterErrorCmd.Flags().BoolVar(&clearError, "clear", false,
		"stop serving the error page")
	logCmd.Flags().BoolVarP(&followLog, "follow", "f", false,
		"keep printing new lines")

	rootCmd.AddCommand(statusCmd, workersCmd, buildCmd, masterErrorCmd,
		logCmd, topCmd)
}
