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

package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
)

// peer owns the outbound side of one connection. A single writer goroutine
// drains a bounded queue so a slow peer only ever delays itself.
type peer struct {
	id     string
	class  core.ConnectionClass
	conn   core.Conn
	out    chan []byte
	logger *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	dropped   atomic.Int64
}

func newPeer(id string, class core.ConnectionClass, conn core.Conn, queueSize int, logger *slog.Logger) *peer {
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &peer{
		id:     id,
		class:  class,
		conn:   conn,
		out:    make(chan []byte, queueSize),
		logger: logger.With("peer_class", class.String(), "peer_id", id),
		ctx:    ctx,
		cancel: cancel,
	}
	go p.writeLoop()
	return p
}

// enqueue never blocks. A dropped message is reported as ErrQueueFull or
// ErrConnectionClosed.
func (p *peer) enqueue(data []byte) error {
	if p.ctx.Err() != nil {
		p.logger.Debug("send to closed peer ignored")
		return core.ErrConnectionClosed
	}
	select {
	case p.out <- data:
		return nil
	default:
		n := p.dropped.Add(1)
		p.logger.Warn("send queue full, dropping message", "dropped_total", n)
		return core.ErrQueueFull
	}
}

func (p *peer) writeLoop() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("peer writer panic recovered", "panic", r)
			p.close()
		}
	}()
	for {
		select {
		case <-p.ctx.Done():
			return
		case data := <-p.out:
			if err := p.conn.Send(p.ctx, data); err != nil {
				if p.ctx.Err() == nil {
					p.logger.Warn("peer write failed", "error", err)
				}
				p.close()
				return
			}
		}
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.cancel()
		if err := p.conn.Close(); err != nil {
			p.logger.Debug("peer close", "error", err)
		}
	})
}
