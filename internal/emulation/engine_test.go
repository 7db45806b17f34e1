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
	"log/slog"
	"sync"
	"testing"

	"github.com/ohah/chrome-remote-devtools-sub001/internal/logging"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	mu     sync.Mutex
	envs   []core.Envelope
	calls  int
	failAt int
}

func (r *recordingEmitter) Emit(env core.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAt > 0 && r.calls == r.failAt {
		return errors.New("socket closed")
	}
	r.envs = append(r.envs, env)
	return nil
}

func (r *recordingEmitter) Envelopes() []core.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Envelope(nil), r.envs...)
}

func newTestEngine(t *testing.T) (*Engine, *logging.Recorder) {
	t.Helper()
	rec := logging.NewRecorder()
	logger := rec.Logger()
	return NewEngine(transport.NewCodec(logger), logger), rec
}

func command(id int64, method string, params string) core.Envelope {
	env := core.Envelope{ID: &id, Method: method}
	if params != "" {
		env.Params = json.RawMessage(params)
	}
	return env
}

func action(seq int64, instanceID string) PendingAction {
	env, _ := core.NewEvent("Redux.message", map[string]any{"instanceId": instanceID, "nextActionId": seq})
	return PendingAction{Kind: KindAction, InstanceID: instanceID, Sequence: seq, Envelopes: []core.Envelope{env}}
}

func TestRegisterReplacesAndWarns(t *testing.T) {
	engine, rec := newTestEngine(t)
	em := &recordingEmitter{}
	engine.MarkConnected(em)

	first := engine.Register("Storage.getItems", func(context.Context, json.RawMessage) (any, error) {
		return "first", nil
	})
	second := engine.Register("Storage.getItems", func(context.Context, json.RawMessage) (any, error) {
		return "second", nil
	})
	_, warned := rec.Find(slog.LevelWarn, "handler replaced")
	assert.True(t, warned)

	// Removing a handler that was already replaced leaves the new one alone.
	first()
	engine.Dispatch(context.Background(), command(1, "Storage.getItems", ""))
	envs := em.Envelopes()
	require.Len(t, envs, 1)
	assert.JSONEq(t, `"second"`, string(envs[0].Result))

	second()
	_, ok := engine.Handlers().Lookup("Storage.getItems")
	assert.False(t, ok)
}

func TestDispatchMissingHandlerIsSilent(t *testing.T) {
	engine, rec := newTestEngine(t)
	em := &recordingEmitter{}
	engine.MarkConnected(em)

	engine.Dispatch(context.Background(), command(1, "Network.enable", ""))
	assert.Empty(t, em.Envelopes())
	assert.Empty(t, rec.Records())
}

func TestDispatchRespondsToCommands(t *testing.T) {
	engine, _ := newTestEngine(t)
	em := &recordingEmitter{}
	engine.MarkConnected(em)

	engine.Register("Echo.say", func(_ context.Context, params json.RawMessage) (any, error) {
		return params, nil
	})
	engine.Dispatch(context.Background(), command(0, "Echo.say", `{"text":"hi"}`))

	// An event for the same method runs the handler but gets no response.
	engine.Dispatch(context.Background(), core.Envelope{Method: "Echo.say", Params: json.RawMessage(`{}`)})

	envs := em.Envelopes()
	require.Len(t, envs, 1)
	assert.True(t, envs[0].IsResponse())
	assert.Equal(t, int64(0), *envs[0].ID)
	assert.JSONEq(t, `{"text":"hi"}`, string(envs[0].Result))
}

func TestDispatchRecoversPanics(t *testing.T) {
	engine, rec := newTestEngine(t)
	em := &recordingEmitter{}
	engine.MarkConnected(em)

	engine.Register("Bad.method", func(context.Context, json.RawMessage) (any, error) {
		panic("boom")
	})
	engine.Register("Good.method", func(context.Context, json.RawMessage) (any, error) {
		return map[string]bool{"ok": true}, nil
	})

	engine.Dispatch(context.Background(), command(1, "Bad.method", ""))
	engine.Dispatch(context.Background(), command(2, "Good.method", ""))

	envs := em.Envelopes()
	require.Len(t, envs, 2)
	require.NotNil(t, envs[0].Error)
	assert.Equal(t, CodeServerError, envs[0].Error.Code)
	assert.JSONEq(t, `{"ok":true}`, string(envs[1].Result))

	_, ok := rec.Find(slog.LevelError, "handler panic recovered")
	assert.True(t, ok)
}

func TestDispatchKeepsProtocolErrorCode(t *testing.T) {
	engine, _ := newTestEngine(t)
	em := &recordingEmitter{}
	engine.MarkConnected(em)

	engine.Register("Storage.setItem", func(context.Context, json.RawMessage) (any, error) {
		return nil, &core.ProtocolError{Code: CodeInvalidParams, Message: "missing key"}
	})
	engine.Dispatch(context.Background(), command(5, "Storage.setItem", `{}`))

	envs := em.Envelopes()
	require.Len(t, envs, 1)
	require.NotNil(t, envs[0].Error)
	assert.Equal(t, CodeInvalidParams, envs[0].Error.Code)
	assert.Equal(t, "missing key", envs[0].Error.Message)
}

func TestHandleRawDropsMalformed(t *testing.T) {
	engine, rec := newTestEngine(t)
	em := &recordingEmitter{}
	engine.MarkConnected(em)

	called := false
	engine.Register("Storage.enable", func(context.Context, json.RawMessage) (any, error) {
		called = true
		return nil, nil
	})

	engine.HandleRaw(context.Background(), `{"id":1,"method":`)
	engine.HandleRaw(context.Background(), []byte(`{"id":2,"method":"Storage.enable"}`))

	assert.True(t, called)
	_, ok := rec.Find(slog.LevelWarn, "dropping malformed message")
	assert.True(t, ok)
	require.Len(t, em.Envelopes(), 1)
}

func TestPublishQueuesUntilConnected(t *testing.T) {
	engine, _ := newTestEngine(t)

	for i := int64(1); i <= 5; i++ {
		engine.Publish(action(i, "store-1"))
	}
	assert.Equal(t, 5, engine.PendingLen())
	assert.False(t, engine.Connected())

	em := &recordingEmitter{}
	engine.MarkConnected(em)
	assert.Zero(t, engine.PendingLen())

	envs := em.Envelopes()
	require.Len(t, envs, 5)
	for i, env := range envs {
		var p struct {
			NextActionID int64 `json:"nextActionId"`
		}
		require.NoError(t, json.Unmarshal(env.Params, &p))
		assert.Equal(t, int64(i+1), p.NextActionID)
	}

	engine.Publish(action(6, "store-1"))
	assert.Len(t, em.Envelopes(), 6)
}

func TestFlushFailureKeepsRemainder(t *testing.T) {
	engine, rec := newTestEngine(t)
	for i := int64(1); i <= 4; i++ {
		engine.Publish(action(i, "store-1"))
	}

	broken := &recordingEmitter{failAt: 2}
	engine.MarkConnected(broken)
	assert.False(t, engine.Connected())
	assert.Equal(t, 3, engine.PendingLen())
	assert.Len(t, broken.Envelopes(), 1)
	_, ok := rec.Find(slog.LevelWarn, "emit failed, buffering until reconnect")
	assert.True(t, ok)

	good := &recordingEmitter{}
	engine.MarkConnected(good)
	envs := good.Envelopes()
	require.Len(t, envs, 3)
	var p struct {
		NextActionID int64 `json:"nextActionId"`
	}
	require.NoError(t, json.Unmarshal(envs[0].Params, &p))
	assert.Equal(t, int64(2), p.NextActionID)
}

func TestEmitWithoutTransport(t *testing.T) {
	engine, _ := newTestEngine(t)
	err := engine.Emit(core.Envelope{Method: "Storage.itemAdded"})
	assert.ErrorIs(t, err, core.ErrConnectionClosed)

	engine.MarkConnected(&recordingEmitter{})
	engine.MarkDisconnected()
	assert.False(t, engine.Connected())
}

func TestSequencesArePerInstance(t *testing.T) {
	seq := NewSequences()
	assert.Equal(t, int64(1), seq.Peek("a"))
	assert.Equal(t, int64(1), seq.Next("a"))
	assert.Equal(t, int64(1), seq.Next("b"))
	assert.Equal(t, int64(2), seq.Next("a"))
	assert.Equal(t, int64(3), seq.Next("a"))
	assert.Equal(t, int64(2), seq.Next("b"))
	assert.Equal(t, int64(4), seq.Peek("a"))
}

func TestQueuePushFront(t *testing.T) {
	q := NewQueue[int]()
	q.Push(3)
	q.Push(4)
	q.PushFront(1, 2)
	assert.Equal(t, []int{1, 2, 3, 4}, q.Drain())
	assert.Zero(t, q.Len())
	assert.Nil(t, q.Drain())
}
