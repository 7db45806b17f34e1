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
	"syscall"
	"time"

	"github.com/ohah/chrome-remote-devtools-sub001/internal/agent"
	"github.com/ohah/chrome-remote-devtools-sub001/internal/emulation"
	"github.com/ohah/chrome-remote-devtools-sub001/internal/emulation/statestore"
	"github.com/ohah/chrome-remote-devtools-sub001/internal/emulation/storage"
	"github.com/ohah/chrome-remote-devtools-sub001/internal/logging"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/config"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/kv"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/transport"
	"github.com/spf13/cobra"
)

const (
	storageDomain = "Storage"
	storagePrefix = "storage"
	appInstanceID = "app"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a simulated runtime that emulates storage and state-store domains",
	RunE:  runAgent,
}

var (
	agentURL      string
	agentInterval time.Duration
)

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().StringVar(&agentURL, "url", "", "Relay producer URL (overrides agent.url)")
	agentCmd.Flags().DurationVar(&agentInterval, "interval", 5*time.Second, "Interval between simulated state changes, 0 disables them")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if agentURL != "" {
		cfg.Agent.URL = agentURL
	}
	if cfg.Agent.URL == "" {
		cfg.Agent.URL = fmt.Sprintf("ws://127.0.0.1:%d/remote/debug/client/%s", cfg.Server.Port, "agent")
	}

	logger, _, err := logging.New(os.Stdout, cfg.Logging.Format, cfg.Logging.Level)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	codec := transport.NewCodec(logger.With("component", "transport"))
	engine := emulation.NewEngine(codec, logger.With("component", "engine"))

	domain := storage.NewDomain(storageDomain, storagePrefix, engine, logger.With("component", "storage"))
	defer domain.Close()
	views, err := buildViews(ctx, cfg.Agent.Storage)
	if err != nil {
		return err
	}
	for _, v := range views {
		if err := domain.AddInstance(ctx, v); err != nil {
			return err
		}
	}

	store := statestore.New(cfg.Agent.StateDomain, engine, logger.With("component", "statestore"))
	defer store.Close()
	state := map[string]any{"ticks": 0}
	if err := store.Init(appInstanceID, "devtools-relay agent", state); err != nil {
		return err
	}

	if agentInterval > 0 && len(views) > 0 {
		go simulate(ctx, agentInterval, views[0], store, logger)
	}

	a := agent.New(agent.Config{URL: cfg.Agent.URL, WriteTimeout: cfg.Server.WriteTimeout}, engine, codec, logger.With("component", "agent"))
	logger.Info("agent started", "url", cfg.Agent.URL, "storage_backend", cfg.Agent.Storage.Backend, "instances", len(views))
	return a.Run(ctx)
}

func buildViews(ctx context.Context, sc config.StorageConfig) ([]*storage.View, error) {
	views := make([]*storage.View, 0, len(sc.Namespaces))
	switch sc.Backend {
	case config.BackendRedis:
		client, err := kv.NewRedisClient(sc.Redis)
		if err != nil {
			return nil, err
		}
		for _, ns := range sc.Namespaces {
			views = append(views, storage.NewView(ns, kv.NewRedisStore(client, sc.Redis.KeyPrefix, ns)))
		}
	default:
		for _, ns := range sc.Namespaces {
			views = append(views, storage.NewView(ns, kv.NewMemoryStore()))
		}
	}
	return views, nil
}

// simulate mutates storage and records state-store actions so a connected
// front end has live data to show.
func simulate(ctx context.Context, interval time.Duration, view *storage.View, store *statestore.Store, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ticks++
			if err := view.Set(ctx, "lastTick", kv.String(now.UTC().Format(time.RFC3339))); err != nil {
				logger.Warn("storage update failed", "error", err)
			}
			if err := view.Set(ctx, "ticks", kv.Number(float64(ticks))); err != nil {
				logger.Warn("storage update failed", "error", err)
			}
			action := map[string]any{"type": "tick", "payload": ticks}
			if _, err := store.RecordAction(appInstanceID, action, map[string]any{"ticks": ticks}); err != nil {
				logger.Warn("record action failed", "error", err)
			}
		}
	}
}
