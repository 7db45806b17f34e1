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

package statestore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ohah/chrome-remote-devtools-sub001/internal/emulation"
	"github.com/ohah/chrome-remote-devtools-sub001/internal/logging"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureEmitter struct {
	mu   sync.Mutex
	msgs []message
}

func (c *captureEmitter) Emit(env core.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if env.Method != "Redux.message" {
		return nil
	}
	var m message
	if err := json.Unmarshal(env.Params, &m); err != nil {
		return err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *captureEmitter) messages() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.msgs...)
}

func newTestStore(t *testing.T) (*Store, *emulation.Engine) {
	t.Helper()
	logger := logging.NewRecorder().Logger()
	engine := emulation.NewEngine(transport.NewCodec(logger), logger)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := New("Redux", engine, logger, WithClock(func() time.Time { return fixed }))
	return store, engine
}

func TestQueuedMessagesFlushInOrder(t *testing.T) {
	store, engine := newTestStore(t)

	require.NoError(t, store.Init("cart", "Cart", map[string]int{"items": 0}))
	require.NoError(t, store.Init("user", "User", nil))

	seqs := []int64{}
	for _, rec := range []struct {
		instance string
		action   any
	}{
		{"cart", "cart/add"},
		{"user", map[string]any{"type": "user/login", "id": 7}},
		{"cart", "cart/add"},
		{"cart", nil},
		{"user", map[string]any{"id": 8}},
	} {
		seq, err := store.RecordAction(rec.instance, rec.action, map[string]int{"items": 1})
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	assert.Equal(t, []int64{1, 1, 2, 3, 2}, seqs)

	em := &captureEmitter{}
	engine.MarkConnected(em)

	msgs := em.messages()
	require.Len(t, msgs, 9)

	types := make([]string, 0, len(msgs))
	for _, m := range msgs {
		types = append(types, m.Type+":"+m.InstanceID)
	}
	assert.Equal(t, []string{
		"INIT_INSTANCE:cart", "INIT:cart",
		"INIT_INSTANCE:user", "INIT:user",
		"ACTION:cart", "ACTION:user", "ACTION:cart", "ACTION:cart", "ACTION:user",
	}, types)

	assert.Equal(t, "Cart", msgs[0].Name)
	assert.JSONEq(t, `{"items":0}`, msgs[1].Payload)
	assert.Equal(t, "null", msgs[3].Payload)

	last := map[string]int64{}
	for _, m := range msgs[4:] {
		assert.Greater(t, m.NextActionID, last[m.InstanceID])
		last[m.InstanceID] = m.NextActionID
	}
	assert.Equal(t, int64(3), last["cart"])
	assert.Equal(t, int64(2), last["user"])

	assert.JSONEq(t, `{"type":"cart/add"}`, msgs[4].Action)
	assert.JSONEq(t, `{"type":"user/login","id":7}`, msgs[5].Action)
	assert.JSONEq(t, `{"type":"@@ANONYMOUS"}`, msgs[7].Action)
	assert.JSONEq(t, `{"type":"@@ANONYMOUS","id":8}`, msgs[8].Action)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli(), msgs[8].Timestamp)
}

func TestConnectedMessagesEmitImmediately(t *testing.T) {
	store, engine := newTestStore(t)
	em := &captureEmitter{}
	engine.MarkConnected(em)

	require.NoError(t, store.Init("app", "App", map[string]string{"mode": "light"}))
	assert.Len(t, em.messages(), 2)

	_, err := store.RecordAction("app", "toggle", map[string]string{"mode": "dark"})
	require.NoError(t, err)
	require.NoError(t, store.ReportError("app", "reducer threw"))

	msgs := em.messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, TypeAction, msgs[2].Type)
	assert.Equal(t, TypeError, msgs[3].Type)
	assert.Equal(t, "reducer threw", msgs[3].Error)
	assert.Zero(t, engine.PendingLen())
}

func TestEnableReplaysSnapshot(t *testing.T) {
	store, engine := newTestStore(t)
	require.NoError(t, store.Init("app", "App", map[string]int{"n": 0}))
	_, err := store.RecordAction("app", "inc", map[string]int{"n": 1})
	require.NoError(t, err)

	em := &captureEmitter{}
	engine.MarkConnected(em)
	before := len(em.messages())

	id := int64(11)
	engine.Dispatch(context.Background(), core.Envelope{ID: &id, Method: "Redux.enable"})

	msgs := em.messages()[before:]
	require.Len(t, msgs, 2)
	assert.Equal(t, TypeInitInstance, msgs[0].Type)
	assert.Equal(t, TypeInit, msgs[1].Type)
	assert.JSONEq(t, `{"n":1}`, msgs[1].Payload)
	assert.Equal(t, int64(2), msgs[1].NextActionID)
}

func TestNormalizeAction(t *testing.T) {
	type typed struct {
		Type  string `json:"type"`
		Value int    `json:"value"`
	}
	tests := []struct {
		name   string
		action any
		want   string
	}{
		{"nil", nil, `{"type":"@@ANONYMOUS"}`},
		{"string", "counter/increment", `{"type":"counter/increment"}`},
		{"object with type", map[string]any{"type": "set", "v": 1}, `{"type":"set","v":1}`},
		{"object without type", map[string]any{"v": 1}, `{"type":"@@ANONYMOUS","v":1}`},
		{"null type", map[string]any{"type": nil}, `{"type":"@@ANONYMOUS"}`},
		{"raw json", json.RawMessage(`{"payload":2}`), `{"type":"@@ANONYMOUS","payload":2}`},
		{"struct", typed{Type: "add", Value: 3}, `{"type":"add","value":3}`},
		{"number", 42, `{"type":"@@ANONYMOUS","payload":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeAction(tt.action)
			require.NoError(t, err)
			raw, err := json.Marshal(got)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(raw))
		})
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"v": 1}
	_, err := NormalizeAction(in)
	require.NoError(t, err)
	_, hasType := in["type"]
	assert.False(t, hasType)
}
