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

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/ohah/chrome-remote-devtools-sub001/internal/emulation"
	"github.com/ohah/chrome-remote-devtools-sub001/internal/logging"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/kv"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureEmitter struct {
	mu   sync.Mutex
	envs []core.Envelope
}

func (c *captureEmitter) Emit(env core.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *captureEmitter) take() []core.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.envs
	c.envs = nil
	return out
}

type fixture struct {
	engine  *emulation.Engine
	domain  *Domain
	emitter *captureEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.NewRecorder().Logger()
	engine := emulation.NewEngine(transport.NewCodec(logger), logger)
	em := &captureEmitter{}
	engine.MarkConnected(em)
	return &fixture{
		engine:  engine,
		domain:  NewDomain("MMKVStorage", "mmkv", engine, logger),
		emitter: em,
	}
}

func (f *fixture) command(id int64, cmd string, params any) {
	env, _ := core.NewCommand(id, "MMKVStorage."+cmd, params)
	f.engine.Dispatch(context.Background(), env)
}

func newView(t *testing.T, id string, entries map[string]kv.Value) *View {
	t.Helper()
	store := kv.NewMemoryStore()
	for k, v := range entries {
		require.NoError(t, store.Set(context.Background(), k, v))
	}
	return NewView(id, store)
}

func methods(envs []core.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Method)
	}
	return out
}

func TestEnableEmitsCompleteSnapshot(t *testing.T) {
	f := newFixture(t)
	view := newView(t, "default", map[string]kv.Value{"a": kv.Number(1), "b": kv.Number(2)})
	require.NoError(t, f.domain.AddInstance(context.Background(), view))

	f.command(1, "enable", nil)
	envs := f.emitter.take()
	require.Len(t, envs, 4)

	assert.Equal(t, "MMKVStorage.mmkvInstanceCreated", envs[0].Method)
	assert.JSONEq(t, `{"instanceId":"default"}`, string(envs[0].Params))

	keys := map[string]json.RawMessage{}
	for _, env := range envs[1:3] {
		assert.Equal(t, "MMKVStorage.mmkvItemAdded", env.Method)
		var p struct {
			InstanceID string          `json:"instanceId"`
			Key        string          `json:"key"`
			Value      json.RawMessage `json:"value"`
		}
		require.NoError(t, json.Unmarshal(env.Params, &p))
		assert.Equal(t, "default", p.InstanceID)
		keys[p.Key] = p.Value
	}
	require.Len(t, keys, 2)
	assert.JSONEq(t, `1`, string(keys["a"]))
	assert.JSONEq(t, `2`, string(keys["b"]))

	assert.True(t, envs[3].IsResponse())
	assert.Equal(t, int64(1), *envs[3].ID)
}

func TestMutationsAfterEnable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := newView(t, "default", nil)
	require.NoError(t, f.domain.AddInstance(ctx, view))

	// Not enabled yet: nothing is announced.
	require.NoError(t, view.Set(ctx, "early", kv.String("x")))
	f.command(1, "enable", nil)
	f.emitter.take()

	require.NoError(t, view.Set(ctx, "token", kv.String("abc")))
	require.NoError(t, view.Set(ctx, "token", kv.String("def")))
	removed, err := view.Delete(ctx, "token")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = view.Delete(ctx, "token")
	require.NoError(t, err)
	assert.False(t, removed)
	_, err = view.Clear(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"MMKVStorage.mmkvItemAdded",
		"MMKVStorage.mmkvItemAdded",
		"MMKVStorage.mmkvItemRemoved",
		"MMKVStorage.mmkvItemsCleared",
	}, methods(f.emitter.take()))

	f.command(2, "disable", nil)
	f.emitter.take()
	require.NoError(t, view.Set(ctx, "late", kv.Bool(true)))
	assert.Empty(t, f.emitter.take())
}

func TestCommandsMutateThroughView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := newView(t, "settings", nil)
	require.NoError(t, f.domain.AddInstance(ctx, view))
	f.command(1, "enable", nil)
	f.emitter.take()

	f.command(2, "setItem", map[string]any{"instanceId": "settings", "key": "theme", "value": "dark"})
	envs := f.emitter.take()
	require.Len(t, envs, 2)
	assert.Equal(t, "MMKVStorage.mmkvItemAdded", envs[0].Method)
	assert.JSONEq(t, `{"instanceId":"settings","key":"theme","value":"dark","valueType":"string"}`, string(envs[0].Params))
	assert.True(t, envs[1].IsResponse())

	got, ok, err := view.Get(ctx, "theme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dark", got.Str())

	f.command(3, "getItems", map[string]any{"instanceId": "settings"})
	envs = f.emitter.take()
	require.Len(t, envs, 1)
	assert.JSONEq(t, `{"entries":[["theme","dark"]]}`, string(envs[0].Result))

	f.command(4, "removeItem", map[string]any{"instanceId": "settings", "key": "theme"})
	envs = f.emitter.take()
	require.Len(t, envs, 2)
	assert.Equal(t, "MMKVStorage.mmkvItemRemoved", envs[0].Method)
	assert.JSONEq(t, `{"removed":true}`, string(envs[1].Result))
}

func TestUnknownInstanceIsInvalidParams(t *testing.T) {
	f := newFixture(t)
	f.command(7, "getItems", map[string]any{"instanceId": "nope"})

	envs := f.emitter.take()
	require.Len(t, envs, 1)
	require.NotNil(t, envs[0].Error)
	assert.Equal(t, emulation.CodeInvalidParams, envs[0].Error.Code)
}

func TestInstanceIDsAreUnique(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.domain.AddInstance(ctx, newView(t, "default", nil)))
	err := f.domain.AddInstance(ctx, newView(t, "default", nil))
	assert.ErrorIs(t, err, core.ErrDuplicateInstance)

	assert.True(t, f.domain.RemoveInstance("default"))
	assert.False(t, f.domain.RemoveInstance("default"))
	assert.NoError(t, f.domain.AddInstance(ctx, newView(t, "default", nil)))
}

func TestInstanceAddedWhileEnabledIsAnnounced(t *testing.T) {
	f := newFixture(t)
	f.command(1, "enable", nil)
	f.emitter.take()

	view := newView(t, "late", map[string]kv.Value{"k": kv.Binary([]byte{1, 2})})
	require.NoError(t, f.domain.AddInstance(context.Background(), view))

	envs := f.emitter.take()
	require.Len(t, envs, 2)
	assert.Equal(t, "MMKVStorage.mmkvInstanceCreated", envs[0].Method)
	assert.JSONEq(t, `{"instanceId":"late","key":"k","value":[1,2],"valueType":"binary"}`, string(envs[1].Params))
}

func TestEnableRacingMutationsReportsEachKeyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := newView(t, "default", nil)
	require.NoError(t, f.domain.AddInstance(ctx, view))

	const n = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			assert.NoError(t, view.Set(ctx, fmt.Sprintf("k%d", i), kv.Number(float64(i))))
		}
	}()
	go func() {
		defer wg.Done()
		f.command(1, "enable", nil)
	}()
	wg.Wait()

	var events []core.Envelope
	for _, env := range f.emitter.take() {
		if env.IsEvent() {
			events = append(events, env)
		}
	}
	require.NotEmpty(t, events)
	assert.Equal(t, "MMKVStorage.mmkvInstanceCreated", events[0].Method)

	seen := map[string]int{}
	for _, env := range events[1:] {
		require.Equal(t, "MMKVStorage.mmkvItemAdded", env.Method)
		var p struct {
			Key string `json:"key"`
		}
		require.NoError(t, json.Unmarshal(env.Params, &p))
		seen[p.Key]++
	}
	require.Len(t, seen, n)
	for key, count := range seen {
		assert.Equal(t, 1, count, key)
	}
}

func TestCloseUnregistersHandlers(t *testing.T) {
	f := newFixture(t)
	f.domain.Close()

	f.command(1, "enable", nil)
	assert.Empty(t, f.emitter.take())
	assert.False(t, f.domain.Enabled())
}
