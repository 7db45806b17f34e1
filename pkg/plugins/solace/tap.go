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

package solace

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/plugins"
	"solace.dev/go/messaging"
	"solace.dev/go/messaging/pkg/solace"
	"solace.dev/go/messaging/pkg/solace/config"
	"solace.dev/go/messaging/pkg/solace/resource"
)

// Tap publishes mirrored packets as direct messages on <topic>/<session id>.
type Tap struct {
	name      string
	host      string
	vpn       string
	username  string
	password  string
	topic     string
	service   solace.MessagingService
	publisher solace.DirectMessagePublisher
	logger    *slog.Logger
}

func New(name, host, vpn, username, password, topic string, logger *slog.Logger) *Tap {
	return &Tap{
		name:     name,
		host:     host,
		vpn:      vpn,
		username: username,
		password: password,
		topic:    topic,
		logger:   logger,
	}
}

// FromConfig reads "host", "vpn", "username", "password" and "topic".
func FromConfig(name string, cfg map[string]string, logger *slog.Logger) (*Tap, error) {
	if cfg["host"] == "" || cfg["topic"] == "" {
		return nil, fmt.Errorf("solace tap %s: host and topic are required", name)
	}
	vpn := cfg["vpn"]
	if vpn == "" {
		vpn = "default"
	}
	return New(name, cfg["host"], vpn, cfg["username"], cfg["password"], cfg["topic"], logger), nil
}

func (t *Tap) Name() string { return t.name }
func (t *Tap) Type() string { return "solace" }

func (t *Tap) Connect(ctx context.Context) error {
	var err error
	t.service, err = messaging.NewMessagingServiceBuilder().
		FromConfigurationProvider(config.ServicePropertyMap{
			config.TransportLayerPropertyHost:                t.host,
			config.ServicePropertyVPNName:                    t.vpn,
			config.AuthenticationPropertySchemeBasicUserName: t.username,
			config.AuthenticationPropertySchemeBasicPassword: t.password,
		}).Build()
	if err != nil {
		return fmt.Errorf("solace build: %w", err)
	}
	if err = t.service.Connect(); err != nil {
		return fmt.Errorf("solace connect: %w", err)
	}
	t.publisher, err = t.service.CreateDirectMessagePublisherBuilder().Build()
	if err != nil {
		return fmt.Errorf("solace publisher build: %w", err)
	}
	if err = t.publisher.Start(); err != nil {
		return fmt.Errorf("solace publisher start: %w", err)
	}
	t.logger.Info("solace tap connected", "name", t.name, "host", t.host, "topic", t.topic)
	return nil
}

func (t *Tap) Disconnect(ctx context.Context) error {
	if t.publisher != nil {
		if err := t.publisher.Terminate(5 * time.Second); err != nil {
			t.logger.Warn("solace publisher terminate", "name", t.name, "error", err)
		}
	}
	if t.service != nil {
		return t.service.Disconnect()
	}
	return nil
}

func (t *Tap) Publish(ctx context.Context, pkt core.Packet) error {
	if t.publisher == nil {
		return nil
	}
	body, err := plugins.MarshalPacket(pkt)
	if err != nil {
		return err
	}
	msg, err := t.service.MessageBuilder().BuildWithByteArrayPayload(body)
	if err != nil {
		return err
	}
	return t.publisher.Publish(msg, resource.TopicOf(t.topic+"/"+plugins.SessionKey(pkt)))
}
