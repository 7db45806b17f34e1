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

package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Azure/go-amqp"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/plugins"
)

// Tap sends mirrored packets to an AMQP 1.0 address (ActiveMQ Artemis,
// Azure Service Bus and similar brokers).
type Tap struct {
	name    string
	url     string
	address string
	conn    *amqp.Conn
	session *amqp.Session
	sender  *amqp.Sender
	mu      sync.Mutex
	logger  *slog.Logger
}

func New(name, url, address string, logger *slog.Logger) *Tap {
	return &Tap{
		name:    name,
		url:     url,
		address: address,
		logger:  logger,
	}
}

// FromConfig reads "url" and "address".
func FromConfig(name string, cfg map[string]string, logger *slog.Logger) (*Tap, error) {
	if cfg["url"] == "" || cfg["address"] == "" {
		return nil, fmt.Errorf("amqp tap %s: url and address are required", name)
	}
	return New(name, cfg["url"], cfg["address"], logger), nil
}

func (t *Tap) Name() string { return t.name }
func (t *Tap) Type() string { return "amqp" }

func (t *Tap) Connect(ctx context.Context) error {
	var err error
	t.conn, err = amqp.Dial(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	t.session, err = t.conn.NewSession(ctx, nil)
	if err != nil {
		return fmt.Errorf("amqp session: %w", err)
	}
	t.sender, err = t.session.NewSender(ctx, t.address, nil)
	if err != nil {
		return fmt.Errorf("amqp sender: %w", err)
	}

	t.logger.Info("amqp tap connected", "name", t.name, "url", t.url, "address", t.address)
	return nil
}

func (t *Tap) Disconnect(ctx context.Context) error {
	if t.sender != nil {
		t.sender.Close(ctx)
	}
	if t.session != nil {
		t.session.Close(ctx)
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func (t *Tap) Publish(ctx context.Context, pkt core.Packet) error {
	if t.sender == nil {
		return nil
	}
	body, err := plugins.MarshalPacket(pkt)
	if err != nil {
		return err
	}
	contentType := "application/json"
	msg := &amqp.Message{
		Data: [][]byte{body},
		Properties: &amqp.MessageProperties{
			MessageID:   pkt.ID,
			ContentType: &contentType,
		},
		ApplicationProperties: map[string]any{
			"method":     pkt.Method,
			"direction":  pkt.Direction,
			"sessionKey": plugins.SessionKey(pkt),
		},
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sender.Send(ctx, msg, nil)
}
