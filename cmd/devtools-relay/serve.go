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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ohah/chrome-remote-devtools-sub001/internal/logging"
	"github.com/ohah/chrome-remote-devtools-sub001/internal/relay"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/config"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/plugins"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/plugins/amqp"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/plugins/kafka"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/plugins/mqtt"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/plugins/mqtt5"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/plugins/rabbitmq"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/plugins/solace"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/transport"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	RunE:  runServe,
}

var (
	serveHost    string
	servePort    int
	servePackets bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Address to bind to (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides server.port)")
	serveCmd.Flags().BoolVar(&servePackets, "packets", false, "Log every forwarded message")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("packets") {
		cfg.Logging.Packets = servePackets
	}

	logger, level, err := logging.New(os.Stdout, cfg.Logging.Format, cfg.Logging.Level)
	if err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)

	packetLog := logging.NewPacketLogger(logger.With("component", "packet"), cfg.Logging.Packets)
	codec := transport.NewCodec(logger.With("component", "transport"), transport.WithMaxInflateSize(cfg.Relay.MaxInflateBytes))

	taps := plugins.NewRegistry(logger.With("component", "taps"))
	registerTaps(cfg, taps, logger)
	var mirror relay.Mirror
	if taps.Len() > 0 {
		mirror = taps
	}

	r := relay.New(relay.Config{
		SendQueueSize: cfg.Server.SendQueueSize,
		PendingLimit:  cfg.Relay.PendingLimit,
		ReplayMethods: cfg.Relay.ReplayMethods,
	}, codec, logger.With("component", "relay"), packetLog, mirror)

	srv := relay.NewServer(relay.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ClientScript: cfg.Server.ClientScript,
		WriteTimeout: cfg.Server.WriteTimeout,
		ReadLimit:    cfg.Server.ReadLimit,
	}, r, codec, logger.With("component", "server"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if taps.Len() > 0 {
		connected := taps.ConnectTaps(ctx)
		logger.Info("taps connected", "connected", connected, "total", taps.Len())
		taps.Start(ctx)
	}

	if path != "" {
		watcher := config.NewWatcher(path, level, packetLog, r, logger.With("component", "config"))
		go watcher.Watch(ctx)
	}

	logger.Info("devtools relay started", "config", path, "replay_methods", strings.Join(r.ReplayMethods(), ","))
	serveErr := srv.Start(ctx)

	logger.Info("shutting down devtools relay")
	stop()
	r.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	taps.StopAll(shutdownCtx)

	if serveErr != nil {
		return fmt.Errorf("relay server: %w", serveErr)
	}
	logger.Info("devtools relay stopped")
	return nil
}

func registerTaps(cfg *config.Config, reg *plugins.Registry, logger *slog.Logger) {
	for _, tc := range cfg.Taps {
		tap, err := newTap(tc, logger.With("component", "tap", "tap", tc.Name))
		if err != nil {
			logger.Warn("skipping tap", "name", tc.Name, "type", tc.Type, "error", err)
			continue
		}
		reg.RegisterTap(tap, tc.QueueSize)
	}
}

func newTap(tc config.TapConfig, logger *slog.Logger) (core.Tap, error) {
	switch tc.Type {
	case "kafka":
		return kafka.FromConfig(tc.Name, tc.Config, logger)
	case "rabbitmq":
		return rabbitmq.FromConfig(tc.Name, tc.Config, logger)
	case "mqtt5":
		return mqtt5.FromConfig(tc.Name, tc.Config, logger)
	case "mqtt":
		return mqtt.FromConfig(tc.Name, tc.Config, logger)
	case "amqp":
		return amqp.FromConfig(tc.Name, tc.Config, logger)
	case "solace":
		return solace.FromConfig(tc.Name, tc.Config, logger)
	default:
		return nil, fmt.Errorf("unknown tap type %q", tc.Type)
	}
}
