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

package mqtt5

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/plugins"
)

// Tap publishes mirrored packets to <topic>/<session id> over MQTT 5.
type Tap struct {
	name      string
	brokerURL string
	topic     string
	cm        *autopaho.ConnectionManager
	logger    *slog.Logger
}

func New(name, brokerURL, topic string, logger *slog.Logger) *Tap {
	return &Tap{
		name:      name,
		brokerURL: brokerURL,
		topic:     strings.TrimSuffix(topic, "/"),
		logger:    logger,
	}
}

// FromConfig reads "broker" and "topic".
func FromConfig(name string, cfg map[string]string, logger *slog.Logger) (*Tap, error) {
	if cfg["broker"] == "" || cfg["topic"] == "" {
		return nil, fmt.Errorf("mqtt5 tap %s: broker and topic are required", name)
	}
	return New(name, cfg["broker"], cfg["topic"], logger), nil
}

func (t *Tap) Name() string { return t.name }
func (t *Tap) Type() string { return "mqtt5" }

func (t *Tap) Connect(ctx context.Context) error {
	serverURL, err := url.Parse(t.brokerURL)
	if err != nil {
		return fmt.Errorf("mqtt5 invalid URL: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{serverURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			t.logger.Info("mqtt5 connection up", "name", t.name)
		},
		OnConnectError: func(err error) {
			t.logger.Warn("mqtt5 connect error", "name", t.name, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "devtools-relay-" + t.name + "-" + uuid.New().String()[:8],
		},
	}

	t.cm, err = autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mqtt5 connection: %w", err)
	}
	if err := t.cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqtt5 await connection: %w", err)
	}

	t.logger.Info("mqtt5 tap connected", "name", t.name, "broker", t.brokerURL, "topic", t.topic)
	return nil
}

func (t *Tap) Disconnect(ctx context.Context) error {
	if t.cm != nil {
		return t.cm.Disconnect(ctx)
	}
	return nil
}

func (t *Tap) Publish(ctx context.Context, pkt core.Packet) error {
	if t.cm == nil {
		return nil
	}
	payload, err := plugins.MarshalPacket(pkt)
	if err != nil {
		return err
	}
	_, err = t.cm.Publish(ctx, &paho.Publish{
		Topic:   t.topic + "/" + plugins.SessionKey(pkt),
		QoS:     1,
		Payload: payload,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
		},
	})
	return err
}
