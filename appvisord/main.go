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

// Command appvisord runs a web application as a pool of worker processes.
//
// Subcommands are
//
//	serve             - start the supervisor and its control API
//	worker <options>  - the entry point of each worker (internal)
//
// Settings may also come from APPVISOR_* environment variables or from an
// appvisor.yaml file in the working directory or /etc/appvisor.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gdamore/appvisor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Environment handed to workers for the basic-auth stage.
const (
	envAuthUser = "APPVISOR_AUTH_USER"
	envAuthHash = "APPVISOR_AUTH_HASH"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "appvisord",
	Short:         "Run a web application as a supervised pool of workers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./appvisor.yaml)")
	rootCmd.AddCommand(serveCmd, workerCmd)
}

// loadConfig layers the config file and environment under the flags of
// cmd, which must already be bound to v.
func loadConfig(v *viper.Viper) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("appvisor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/appvisor")
	}
	v.SetEnvPrefix("APPVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

func main() {
	if e := rootCmd.Execute(); e != nil {
		var ce *appvisor.ConfigurationError
		var fe *appvisor.FirstBootError
		// The supervisor has already logged these.
		if !errors.As(e, &ce) && !errors.As(e, &fe) {
			fmt.Fprintf(os.Stderr, "%s%v\n", appvisor.ErrorPrefix, e)
		}
		os.Exit(1)
	}
}
