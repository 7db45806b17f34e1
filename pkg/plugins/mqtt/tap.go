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

package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/plugins"
)

const publishTimeout = 5 * time.Second

// Tap publishes mirrored packets over MQTT 3.1.1 for brokers that do not
// speak version 5.
type Tap struct {
	name   string
	broker string
	topic  string
	qos    byte
	client pahomqtt.Client
	logger *slog.Logger
}

func New(name, broker, topic string, qos byte, logger *slog.Logger) *Tap {
	return &Tap{
		name:   name,
		broker: broker,
		topic:  strings.TrimSuffix(topic, "/"),
		qos:    qos,
		logger: logger,
	}
}

// FromConfig reads "broker", "topic" and an optional "qos" (default 1).
func FromConfig(name string, cfg map[string]string, logger *slog.Logger) (*Tap, error) {
	if cfg["broker"] == "" || cfg["topic"] == "" {
		return nil, fmt.Errorf("mqtt tap %s: broker and topic are required", name)
	}
	qos := byte(1)
	if s := cfg["qos"]; s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > 2 {
			return nil, fmt.Errorf("mqtt tap %s: invalid qos %q", name, s)
		}
		qos = byte(n)
	}
	return New(name, cfg["broker"], cfg["topic"], qos, logger), nil
}

func (t *Tap) Name() string { return t.name }
func (t *Tap) Type() string { return "mqtt" }

func (t *Tap) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(t.broker).
		SetClientID("devtools-relay-" + t.name + "-" + uuid.New().String()[:8]).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(pahomqtt.Client) {
			t.logger.Info("mqtt connection up", "name", t.name)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			t.logger.Warn("mqtt connection lost", "name", t.name, "error", err)
		})

	t.client = pahomqtt.NewClient(opts)
	token := t.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt connect: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	t.logger.Info("mqtt tap connected", "name", t.name, "broker", t.broker, "topic", t.topic, "qos", t.qos)
	return nil
}

func (t *Tap) Disconnect(ctx context.Context) error {
	if t.client != nil {
		t.client.Disconnect(250)
	}
	return nil
}

func (t *Tap) Publish(ctx context.Context, pkt core.Packet) error {
	if t.client == nil || !t.client.IsConnected() {
		return fmt.Errorf("mqtt tap %s not connected", t.name)
	}
	payload, err := plugins.MarshalPacket(pkt)
	if err != nil {
		return err
	}
	token := t.client.Publish(t.topic+"/"+plugins.SessionKey(pkt), t.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish: timed out after %s", publishTimeout)
	}
	return token.Error()
}
