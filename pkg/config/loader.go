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
	"fmt"
	"os"
	"time"

	"github.com/ohah/chrome-remote-devtools-sub001/internal/relay"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/kv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost          = "0.0.0.0"
	DefaultPort          = 8080
	DefaultClientScript  = "dist/client.js"
	DefaultSendQueueSize = relay.DefaultSendQueueSize
	DefaultWriteTimeout  = 10 * time.Second
	DefaultPendingLimit  = relay.DefaultPendingLimit
	DefaultMaxInflate    = 64 << 20
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultStateDomain   = "Redux"
	DefaultTapQueueSize  = 1024
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
	Taps    []TapConfig   `yaml:"taps"`
	Agent   AgentConfig   `yaml:"agent"`
}

type ServerConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	ClientScript  string        `yaml:"client_script"`
	SendQueueSize int           `yaml:"send_queue_size"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ReadLimit     int64         `yaml:"read_limit"`
}

type RelayConfig struct {
	ReplayMethods   []string `yaml:"replay_methods"`
	PendingLimit    int      `yaml:"pending_limit"`
	MaxInflateBytes int64    `yaml:"max_inflate_bytes"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Packets bool   `yaml:"packets"`
}

// TapConfig names one traffic tap. Config keys are plugin specific.
type TapConfig struct {
	Name      string            `yaml:"name"`
	Type      string            `yaml:"type"`
	QueueSize int               `yaml:"queue_size"`
	Config    map[string]string `yaml:"config"`
}

type AgentConfig struct {
	URL         string        `yaml:"url"`
	StateDomain string        `yaml:"state_domain"`
	Storage     StorageConfig `yaml:"storage"`
}

type StorageConfig struct {
	Backend    string         `yaml:"backend"`
	Namespaces []string       `yaml:"namespaces"`
	Redis      kv.RedisConfig `yaml:"redis"`
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills every zero field. A replay_methods list given as an
// empty sequence is kept, which disables replay.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ClientScript == "" {
		c.Server.ClientScript = DefaultClientScript
	}
	if c.Server.SendQueueSize == 0 {
		c.Server.SendQueueSize = DefaultSendQueueSize
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Relay.ReplayMethods == nil {
		c.Relay.ReplayMethods = append([]string(nil), relay.DefaultReplayMethods...)
	}
	if c.Relay.PendingLimit == 0 {
		c.Relay.PendingLimit = DefaultPendingLimit
	}
	if c.Relay.MaxInflateBytes == 0 {
		c.Relay.MaxInflateBytes = DefaultMaxInflate
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	for i := range c.Taps {
		if c.Taps[i].QueueSize == 0 {
			c.Taps[i].QueueSize = DefaultTapQueueSize
		}
	}
	if c.Agent.StateDomain == "" {
		c.Agent.StateDomain = DefaultStateDomain
	}
	if c.Agent.Storage.Backend == "" {
		c.Agent.Storage.Backend = BackendMemory
	}
	if len(c.Agent.Storage.Namespaces) == 0 {
		c.Agent.Storage.Namespaces = []string{"localStorage", "sessionStorage"}
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Agent.Storage.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Agent.Storage.Backend)
	}
	seen := make(map[string]bool, len(c.Taps))
	for _, tc := range c.Taps {
		if tc.Name == "" || tc.Type == "" {
			return fmt.Errorf("tap needs a name and a type")
		}
		if seen[tc.Name] {
			return fmt.Errorf("duplicate tap %q", tc.Name)
		}
		seen[tc.Name] = true
	}
	return nil
}
