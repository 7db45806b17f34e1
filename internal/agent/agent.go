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

// Package agent connects an emulation engine to a relay as a producer.
// The engine outlives every socket: messages recorded while the agent is
// reconnecting are flushed in order once the next handshake completes.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/ohah/chrome-remote-devtools-sub001/internal/emulation"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/transport"
)

type Config struct {
	URL             string
	WriteTimeout    time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Agent struct {
	cfg    Config
	engine *emulation.Engine
	codec  *transport.Codec
	dialer *websocket.Dialer
	logger *slog.Logger
}

func New(cfg Config, engine *emulation.Engine, codec *transport.Codec, logger *slog.Logger) *Agent {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 20 * time.Second
	}
	return &Agent{
		cfg:    cfg,
		engine: engine,
		codec:  codec,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}
}

// Run keeps a connection to the relay until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	for {
		conn, err := a.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		a.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		a.logger.Info("relay connection lost, reconnecting", "url", a.cfg.URL, "pending", a.engine.PendingLen())
	}
}

func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.cfg.InitialInterval
	policy.MaxInterval = a.cfg.MaxInterval
	policy.MaxElapsedTime = 0

	var lastAttemptErr error
	conn, err := backoff.RetryNotifyWithData(
		func() (*websocket.Conn, error) {
			conn, resp, err := a.dialer.DialContext(ctx, a.cfg.URL, nil)
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			return conn, err
		},
		backoff.WithContext(policy, ctx),
		func(err error, d time.Duration) {
			lastAttemptErr = err
			a.logger.Warn("relay dial failed, retrying", "url", a.cfg.URL, "retry_in", d, "error", err)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", errors.Join(lastAttemptErr, err))
	}
	a.logger.Info("connected to relay", "url", a.cfg.URL)
	return conn, nil
}

func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	em := &socketEmitter{conn: conn, codec: a.codec, writeTimeout: a.cfg.WriteTimeout}
	a.engine.MarkConnected(em)
	defer a.engine.MarkDisconnected()

	go func() {
		<-connCtx.Done()
		em.close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if connCtx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.logger.Warn("relay read error", "error", err)
			}
			return
		}
		a.engine.HandleRaw(connCtx, data)
	}
}

// socketEmitter writes engine output as text frames.
type socketEmitter struct {
	conn         *websocket.Conn
	codec        *transport.Codec
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (s *socketEmitter) Emit(env core.Envelope) error {
	data, err := s.codec.Encode(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *socketEmitter) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(100*time.Millisecond),
	)
	_ = s.conn.Close()
}
