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

package emulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/transport"
)

const (
	CodeInvalidParams = -32602
	CodeServerError   = -32000
)

// Engine answers protocol commands for emulated domains and owns the queue
// of synthetic messages recorded before a transport is available. It
// outlives any single connection.
type Engine struct {
	handlers *Registry
	codec    *transport.Codec
	logger   *slog.Logger

	mu        sync.Mutex
	emitter   core.Emitter
	connected bool
	pending   *Queue[PendingAction]
}

func NewEngine(codec *transport.Codec, logger *slog.Logger) *Engine {
	return &Engine{
		handlers: NewRegistry(logger),
		codec:    codec,
		logger:   logger,
		pending:  NewQueue[PendingAction](),
	}
}

func (e *Engine) Register(method string, fn HandlerFunc) (unregister func()) {
	return e.handlers.Register(method, fn)
}

func (e *Engine) Handlers() *Registry { return e.handlers }

// HandleRaw decodes one inbound frame from any transport and dispatches it.
// Malformed input is logged and dropped.
func (e *Engine) HandleRaw(ctx context.Context, raw any) {
	env, err := e.codec.Decode(raw)
	if err != nil {
		e.logger.Warn("dropping malformed message", "error", err)
		return
	}
	e.Dispatch(ctx, env)
}

// Dispatch runs the handler registered for env.Method. A missing handler is
// not an error. A command with an id gets exactly one response.
func (e *Engine) Dispatch(ctx context.Context, env core.Envelope) {
	if env.Method == "" {
		return
	}
	fn, ok := e.handlers.Lookup(env.Method)
	if !ok {
		return
	}

	result, err := e.invoke(ctx, env.Method, fn, env.Params)
	if err != nil {
		e.logger.Error("handler failed", "method", env.Method, "error", err)
		if env.ID != nil {
			e.respond(errorResponse(*env.ID, err))
		}
		return
	}
	if env.ID == nil {
		return
	}
	resp, err := core.NewResult(*env.ID, result)
	if err != nil {
		e.logger.Error("handler result not encodable", "method", env.Method, "error", err)
		resp = core.NewErrorResponse(*env.ID, CodeServerError, err.Error())
	}
	e.respond(resp)
}

func (e *Engine) invoke(ctx context.Context, method string, fn HandlerFunc, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panic recovered", "method", method, "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = fmt.Errorf("%w: %s panicked: %v", core.ErrHandler, method, r)
		}
	}()
	result, err = fn(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", core.ErrHandler, method, err)
	}
	return result, nil
}

func errorResponse(id int64, err error) core.Envelope {
	var perr *core.ProtocolError
	if errors.As(err, &perr) {
		return core.NewErrorResponse(id, perr.Code, perr.Message)
	}
	return core.NewErrorResponse(id, CodeServerError, err.Error())
}

func (e *Engine) respond(resp core.Envelope) {
	if err := e.Emit(resp); err != nil {
		e.logger.Debug("response dropped", "id", *resp.ID, "error", err)
	}
}

// Emit sends env now. It never queues; without a transport it fails with
// core.ErrConnectionClosed.
func (e *Engine) Emit(env core.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return fmt.Errorf("%w: engine not connected", core.ErrConnectionClosed)
	}
	if err := e.emitter.Emit(env); err != nil {
		e.disconnectLocked(err)
		return fmt.Errorf("%w: %w", core.ErrConnectionClosed, err)
	}
	return nil
}

// Publish emits pa immediately when connected and queues it otherwise.
func (e *Engine) Publish(pa PendingAction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		e.pending.Push(pa)
		return
	}
	if i, err := e.emitAction(pa); err != nil {
		pa.Envelopes = pa.Envelopes[i:]
		e.pending.PushFront(pa)
		e.disconnectLocked(err)
	}
}

// MarkConnected routes future messages to emitter and flushes the queue in
// FIFO order. A failed emit leaves the unsent remainder queued.
func (e *Engine) MarkConnected(emitter core.Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.emitter = emitter
	e.connected = true

	items := e.pending.Drain()
	for n, pa := range items {
		if i, err := e.emitAction(pa); err != nil {
			items[n].Envelopes = pa.Envelopes[i:]
			e.pending.PushFront(items[n:]...)
			e.disconnectLocked(err)
			return
		}
	}
	if len(items) > 0 {
		e.logger.Info("pending actions flushed", "count", len(items))
	}
}

func (e *Engine) MarkDisconnected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnectLocked(nil)
}

func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *Engine) PendingLen() int { return e.pending.Len() }

// emitAction returns the index of the first envelope that failed.
func (e *Engine) emitAction(pa PendingAction) (int, error) {
	for i, env := range pa.Envelopes {
		if err := e.emitter.Emit(env); err != nil {
			return i, err
		}
	}
	return len(pa.Envelopes), nil
}

func (e *Engine) disconnectLocked(cause error) {
	if !e.connected {
		return
	}
	e.connected = false
	e.emitter = nil
	if cause != nil {
		e.logger.Warn("emit failed, buffering until reconnect", "error", cause)
	}
}
