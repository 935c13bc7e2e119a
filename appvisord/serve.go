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
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gdamore/appvisor"
	"github.com/gdamore/appvisor/rest"
	"github.com/google/renameio/v2"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveViper = viper.New()

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the supervisor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if e := loadConfig(serveViper); e != nil {
			return e
		}
		return serve(serveViper)
	},
}

func init() {
	f := serveCmd.Flags()
	f.String("host", "", "address workers listen on")
	f.String("port", "3000", "port workers listen on")
	f.Int("workers", 0, "number of workers (default: one per CPU)")
	f.String("dist-path", "", "directory holding the built application")
	f.String("releases", "", "directory of release directories to watch for builds")
	f.String("listen", "127.0.0.1:8321", "control API address, empty to disable")
	f.String("pidfile", "", "write the supervisor pid here")
	f.String("auth-user", "", "require basic authentication as this user")
	f.String("auth-hash", "", "bcrypt hash of the basic authentication password")
	f.Duration("stop-time", 10*time.Second, "grace period for workers to stop")
	f.Duration("boot-timeout", 0, "give up if the pool is not healthy in time")
	f.Int("respawn-limit", 0, "respawns allowed per respawn period, 0 for no limit")
	f.Duration("respawn-period", time.Minute, "window for respawn-limit")
	f.String("api-user", "", "require basic authentication on the control API")
	f.String("api-hash", "", "bcrypt hash of the control API password")
	f.StringSlice("cors-origin", []string{"*"}, "origins allowed to use the control API")
	_ = serveViper.BindPFlags(f)
}

func configFrom(v *viper.Viper, logger *log.Logger) (appvisor.Config, error) {
	cfg := appvisor.Config{
		Host:          v.GetString("host"),
		Port:          v.GetString("port"),
		WorkerCount:   v.GetInt("workers"),
		DistPath:      v.GetString("dist-path"),
		StopTime:      v.GetDuration("stop-time"),
		BootTimeout:   v.GetDuration("boot-timeout"),
		RespawnLimit:  v.GetInt("respawn-limit"),
		RespawnPeriod: v.GetDuration("respawn-period"),
	}
	if dir := v.GetString("releases"); dir != "" {
		dc, e := appvisor.NewDirConnector(dir, logger)
		if e != nil {
			return cfg, e
		}
		cfg.Connector = dc
	}
	user, hash := v.GetString("auth-user"), v.GetString("auth-hash")
	if user != "" {
		cfg.Env = func() []string {
			return []string{envAuthUser + "=" + user, envAuthHash + "=" + hash}
		}
	}
	return cfg, nil
}

func serve(v *viper.Viper) error {
	console := log.New(appvisor.NewUI(os.Stderr, appvisor.RoleSupervisor), "", 0)

	cfg, e := configFrom(v, console)
	if e != nil {
		return e
	}
	s, e := appvisor.New(cfg)
	if e != nil {
		console.Printf("%s%v", appvisor.ErrorPrefix, e)
		return e
	}

	if pf := v.GetString("pidfile"); pf != "" {
		pid := strconv.Itoa(os.Getpid()) + "\n"
		if e := renameio.WriteFile(pf, []byte(pid), 0644); e != nil {
			return e
		}
		defer os.Remove(pf)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	var api *http.Server
	if addr := v.GetString("listen"); addr != "" {
		c := cors.New(cors.Options{
			AllowedOrigins: v.GetStringSlice("cors-origin"),
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "Authorization",
				rest.PollEtagHeader, rest.PollTimeHeader, "If-None-Match"},
			ExposedHeaders: []string{"Etag"},
			MaxAge:         300,
		})
		h := rest.NewHandler(s)
		if user := v.GetString("api-user"); user != "" {
			if e := h.SetAuth(user, v.GetString("api-hash")); e != nil {
				return fmt.Errorf("api-hash: %w", e)
			}
		}
		api = &http.Server{
			Addr:     addr,
			Handler:  c.Handler(h),
			ErrorLog: s.Logger(),
		}
		go func() {
			if e := api.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
				s.Logger().Printf("%sControl API: %v", appvisor.ErrorPrefix, e)
			}
		}()
	}

	if e := s.Start(ctx); e != nil {
		if api != nil {
			api.Close()
		}
		return e
	}

	<-ctx.Done()
	s.Logger().Printf("Shutting down.")
	if api != nil {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		api.Shutdown(sctx)
		scancel()
	}
	s.Shutdown()
	if dc, ok := s.Connector().(*appvisor.DirConnector); ok {
		dc.Close()
	}
	return nil
}
