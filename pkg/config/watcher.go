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

package config

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/ohah/chrome-remote-devtools-sub001/internal/logging"
)

// ReplaySetter receives reloaded replay methods.
type ReplaySetter interface {
	SetReplayMethods(methods []string)
}

// Watcher polls the config file and applies the settings that can change
// without a restart: log level, packet logging and replay methods.
type Watcher struct {
	path     string
	interval time.Duration
	level    *slog.LevelVar
	packets  *logging.PacketLogger
	replay   ReplaySetter
	logger   *slog.Logger
	lastMod  time.Time
}

func NewWatcher(path string, level *slog.LevelVar, packets *logging.PacketLogger, replay ReplaySetter, logger *slog.Logger) *Watcher {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		level:    level,
		packets:  packets,
		replay:   replay,
		logger:   logger,
	}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

func (w *Watcher) Watch(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// poll reports whether a changed file was applied.
func (w *Watcher) poll() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config stat failed", "path", w.path, "error", err)
		return false
	}
	if !info.ModTime().After(w.lastMod) {
		return false
	}
	w.lastMod = info.ModTime()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed", "path", w.path, "error", err)
		return false
	}
	w.apply(cfg)
	return true
}

func (w *Watcher) apply(cfg *Config) {
	if w.level != nil {
		if err := logging.SetLevel(w.level, cfg.Logging.Level); err != nil {
			w.logger.Warn("ignoring log level", "level", cfg.Logging.Level, "error", err)
		}
	}
	if w.packets != nil {
		w.packets.SetEnabled(cfg.Logging.Packets)
	}
	if w.replay != nil {
		w.replay.SetReplayMethods(cfg.Relay.ReplayMethods)
	}
	w.logger.Info("config reloaded",
		"level", cfg.Logging.Level,
		"packets", cfg.Logging.Packets,
		"replay_methods", len(cfg.Relay.ReplayMethods),
	)
}
