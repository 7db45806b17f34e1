// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package main

import (
	"fmt"
	"os"

	"github.com/ohah/chrome-remote-devtools-sub001/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:   "devtools-relay",
	Short: "Remote debugging relay for web and native runtimes",
	Long: `devtools-relay connects debuggable runtimes to debugging front ends over
websockets. "serve" runs the relay; "agent" runs a simulated runtime that
emulates the storage and state-store domains against a relay.`,
	SilenceUsage: true,
}

var (
	configPath string
	logLevel   string
	logFormat  string
)

func init() {
	addGlobalFlags(rootCmd.PersistentFlags())
}

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.StringVar(&configPath, "config", "", "Path to the YAML config file (defaults to $CONFIG_PATH)")
	fs.StringVar(&logLevel, "log-level", "", "Log level override: debug, info, warn or error")
	fs.StringVar(&logFormat, "log-format", "", "Log format override: json or text")
}

// loadConfig returns the effective config and the file it came from, which
// is empty when running on defaults.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	var cfg *config.Config
	if path == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, "", err
		}
		cfg = loaded
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, path, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
