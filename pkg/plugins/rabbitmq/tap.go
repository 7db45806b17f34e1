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

package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/plugins"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Tap publishes mirrored packets to a durable queue, or to an exchange with
// the session id as routing key when an exchange is configured.
type Tap struct {
	name     string
	url      string
	exchange string
	queue    string
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	mu       sync.Mutex
	logger   *slog.Logger
}

func New(name, url, exchange, queue string, logger *slog.Logger) *Tap {
	return &Tap{
		name:     name,
		url:      url,
		exchange: exchange,
		queue:    queue,
		logger:   logger,
	}
}

// FromConfig reads "url" plus "queue" or "exchange".
func FromConfig(name string, cfg map[string]string, logger *slog.Logger) (*Tap, error) {
	if cfg["url"] == "" {
		return nil, fmt.Errorf("rabbitmq tap %s: url is required", name)
	}
	if cfg["queue"] == "" && cfg["exchange"] == "" {
		return nil, fmt.Errorf("rabbitmq tap %s: queue or exchange is required", name)
	}
	return New(name, cfg["url"], cfg["exchange"], cfg["queue"], logger), nil
}

func (t *Tap) Name() string { return t.name }
func (t *Tap) Type() string { return "rabbitmq" }

func (t *Tap) Connect(ctx context.Context) error {
	var err error
	t.conn, err = amqp.Dial(t.url)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}

	t.pubCh, err = t.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq publish channel: %w", err)
	}

	if t.exchange != "" {
		if err := t.pubCh.ExchangeDeclare(t.exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("rabbitmq exchange declare %s: %w", t.exchange, err)
		}
	}
	if t.queue != "" {
		if _, err := t.pubCh.QueueDeclare(t.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("rabbitmq queue declare %s: %w", t.queue, err)
		}
	}

	t.logger.Info("rabbitmq tap connected", "name", t.name, "exchange", t.exchange, "queue", t.queue)
	return nil
}

func (t *Tap) Disconnect(ctx context.Context) error {
	if t.pubCh != nil {
		t.pubCh.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func (t *Tap) Publish(ctx context.Context, pkt core.Packet) error {
	if t.pubCh == nil {
		return nil
	}
	body, err := plugins.MarshalPacket(pkt)
	if err != nil {
		return err
	}
	routingKey := t.queue
	if t.exchange != "" {
		routingKey = plugins.SessionKey(pkt)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pubCh.PublishWithContext(ctx,
		t.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			MessageId:   pkt.ID,
			Timestamp:   pkt.Timestamp,
			Type:        pkt.Method,
		},
	)
}
