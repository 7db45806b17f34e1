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

package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/plugins"
	"github.com/segmentio/kafka-go"
)

// Tap writes mirrored packets to a kafka topic keyed by session so one
// debugging session stays on one partition.
type Tap struct {
	name    string
	brokers []string
	topic   string
	writer  *kafka.Writer
	logger  *slog.Logger
}

func New(name string, brokers []string, topic string, logger *slog.Logger) *Tap {
	return &Tap{
		name:    name,
		brokers: brokers,
		topic:   topic,
		logger:  logger,
	}
}

// FromConfig reads "brokers" (comma separated) and "topic".
func FromConfig(name string, cfg map[string]string, logger *slog.Logger) (*Tap, error) {
	if cfg["brokers"] == "" || cfg["topic"] == "" {
		return nil, fmt.Errorf("kafka tap %s: brokers and topic are required", name)
	}
	return New(name, strings.Split(cfg["brokers"], ","), cfg["topic"], logger), nil
}

func (t *Tap) Name() string { return t.name }
func (t *Tap) Type() string { return "kafka" }

func (t *Tap) Connect(ctx context.Context) error {
	t.writer = &kafka.Writer{
		Addr:         kafka.TCP(t.brokers...),
		Topic:        t.topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	t.logger.Info("kafka tap connected",
		"name", t.name,
		"brokers", strings.Join(t.brokers, ","),
		"topic", t.topic,
	)
	return nil
}

func (t *Tap) Disconnect(ctx context.Context) error {
	if t.writer != nil {
		return t.writer.Close()
	}
	return nil
}

func (t *Tap) Publish(ctx context.Context, pkt core.Packet) error {
	if t.writer == nil {
		return nil
	}
	value, err := plugins.MarshalPacket(pkt)
	if err != nil {
		return err
	}
	return t.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(plugins.SessionKey(pkt)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "method", Value: []byte(pkt.Method)},
			{Key: "direction", Value: []byte(pkt.Direction)},
		},
		Time: pkt.Timestamp,
	})
}
