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

// Package storage emulates a key-value storage inspection domain on top of
// opaque backends.
//
// Enabling the domain snapshots every instance: one InstanceCreated event per
// instance followed by one ItemAdded event per key. Later mutations through a
// View emit ItemAdded for both creation and update, ItemRemoved for deletes
// and ItemsCleared for clears.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ohah/chrome-remote-devtools-sub001/internal/emulation"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/kv"
)

type instance struct {
	view   *View
	cancel func()
	// announced is set once the instance's snapshot went out. Changes are
	// only reported for announced instances.
	announced atomic.Bool
}

// Domain serves "<name>.enable", "<name>.disable", "<name>.getItems",
// "<name>.setItem", "<name>.removeItem" and "<name>.clear", and emits
// "<name>.<prefix>InstanceCreated" style events.
type Domain struct {
	name   string
	prefix string
	engine *emulation.Engine
	logger *slog.Logger

	mu        sync.RWMutex
	instances map[string]*instance
	order     []string

	enabled    atomic.Bool
	unregister []func()
}

// NewDomain registers the domain's handlers on engine. prefix is the lower
// camel case event prefix, e.g. "mmkv" for "MMKVStorage.mmkvItemAdded".
func NewDomain(name, prefix string, engine *emulation.Engine, logger *slog.Logger) *Domain {
	d := &Domain{
		name:      name,
		prefix:    prefix,
		engine:    engine,
		logger:    logger.With("domain", name),
		instances: make(map[string]*instance),
	}
	handlers := map[string]emulation.HandlerFunc{
		"enable":     d.handleEnable,
		"disable":    d.handleDisable,
		"getItems":   d.handleGetItems,
		"setItem":    d.handleSetItem,
		"removeItem": d.handleRemoveItem,
		"clear":      d.handleClear,
	}
	for cmd, fn := range handlers {
		d.unregister = append(d.unregister, engine.Register(name+"."+cmd, fn))
	}
	return d
}

func (d *Domain) Name() string { return d.name }

func (d *Domain) Enabled() bool { return d.enabled.Load() }

// AddInstance exposes view to the domain. Instance ids are unique per domain.
// When the domain is already enabled the new instance is announced at once.
func (d *Domain) AddInstance(ctx context.Context, view *View) error {
	d.mu.Lock()
	if _, ok := d.instances[view.ID()]; ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrDuplicateInstance, view.ID())
	}
	inst := &instance{view: view}
	inst.cancel = view.Watch(func(c Change) { d.onChange(inst, c) })
	d.instances[view.ID()] = inst
	d.order = append(d.order, view.ID())
	d.mu.Unlock()

	if d.enabled.Load() {
		d.snapshotInstance(ctx, inst, false)
	}
	return nil
}

func (d *Domain) RemoveInstance(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.instances[id]
	if !ok {
		return false
	}
	inst.cancel()
	delete(d.instances, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

// Close unregisters the handlers and stops watching every view.
func (d *Domain) Close() {
	for _, fn := range d.unregister {
		fn()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, inst := range d.instances {
		inst.cancel()
	}
	d.instances = make(map[string]*instance)
	d.order = nil
}

func (d *Domain) view(id string) (*View, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	inst, ok := d.instances[id]
	if !ok {
		return nil, &core.ProtocolError{Code: emulation.CodeInvalidParams, Message: fmt.Sprintf("%v: %s", core.ErrUnknownInstance, id)}
	}
	return inst.view, nil
}

func (d *Domain) list() []*instance {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*instance, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.instances[id])
	}
	return out
}

func (d *Domain) event(name string) string {
	return d.name + "." + d.prefix + name
}

func (d *Domain) emit(name string, params any) {
	env, err := core.NewEvent(d.event(name), params)
	if err != nil {
		d.logger.Error("event not encodable", "event", name, "error", err)
		return
	}
	if err := d.engine.Emit(env); err != nil {
		d.logger.Debug("event dropped", "event", env.Method, "error", err)
	}
}

type instanceParams struct {
	InstanceID string `json:"instanceId"`
}

type itemParams struct {
	InstanceID string          `json:"instanceId"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value,omitempty"`
}

type itemEvent struct {
	InstanceID string   `json:"instanceId"`
	Key        string   `json:"key"`
	Value      kv.Value `json:"value"`
	ValueType  kv.Kind  `json:"valueType"`
}

type keyEvent struct {
	InstanceID string `json:"instanceId"`
	Key        string `json:"key"`
}

// snapshotInstance announces inst and its entries. Mutations of the view
// wait until the snapshot is out, so every key is reported exactly once and
// never ahead of InstanceCreated. Without force an instance that is already
// announced is skipped.
func (d *Domain) snapshotInstance(ctx context.Context, inst *instance, force bool) {
	v := inst.view
	err := v.Snapshot(ctx, func(entries []Entry) {
		if !force && inst.announced.Load() {
			return
		}
		d.emit("InstanceCreated", instanceParams{InstanceID: v.ID()})
		for _, e := range entries {
			d.emit("ItemAdded", itemEvent{InstanceID: v.ID(), Key: e.Key, Value: e.Value, ValueType: e.Value.Kind()})
		}
		inst.announced.Store(true)
	})
	if err != nil {
		d.logger.Error("snapshot failed", "instance_id", v.ID(), "error", err)
	}
}

func (d *Domain) onChange(inst *instance, c Change) {
	if !d.enabled.Load() || !inst.announced.Load() {
		return
	}
	switch c.Op {
	case OpSet:
		d.emit("ItemAdded", itemEvent{InstanceID: c.InstanceID, Key: c.Key, Value: c.Value, ValueType: c.Value.Kind()})
	case OpRemove:
		d.emit("ItemRemoved", keyEvent{InstanceID: c.InstanceID, Key: c.Key})
	case OpClear:
		d.emit("ItemsCleared", instanceParams{InstanceID: c.InstanceID})
	}
}

func (d *Domain) handleEnable(ctx context.Context, _ json.RawMessage) (any, error) {
	d.enabled.Store(true)
	for _, inst := range d.list() {
		d.snapshotInstance(ctx, inst, true)
	}
	return struct{}{}, nil
}

func (d *Domain) handleDisable(context.Context, json.RawMessage) (any, error) {
	d.enabled.Store(false)
	for _, inst := range d.list() {
		inst.announced.Store(false)
	}
	return struct{}{}, nil
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return &core.ProtocolError{Code: emulation.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &core.ProtocolError{Code: emulation.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func (d *Domain) handleGetItems(ctx context.Context, raw json.RawMessage) (any, error) {
	var p instanceParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	v, err := d.view(p.InstanceID)
	if err != nil {
		return nil, err
	}
	entries, err := v.Entries(ctx)
	if err != nil {
		return nil, err
	}
	pairs := make([][2]any, 0, len(entries))
	for _, e := range entries {
		pairs = append(pairs, [2]any{e.Key, e.Value})
	}
	return map[string]any{"entries": pairs}, nil
}

func (d *Domain) handleSetItem(ctx context.Context, raw json.RawMessage) (any, error) {
	var p itemParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	v, err := d.view(p.InstanceID)
	if err != nil {
		return nil, err
	}
	val, err := kv.FromJSON(p.Value)
	if err != nil {
		return nil, &core.ProtocolError{Code: emulation.CodeInvalidParams, Message: err.Error()}
	}
	return struct{}{}, v.Set(ctx, p.Key, val)
}

func (d *Domain) handleRemoveItem(ctx context.Context, raw json.RawMessage) (any, error) {
	var p itemParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	v, err := d.view(p.InstanceID)
	if err != nil {
		return nil, err
	}
	removed, err := v.Delete(ctx, p.Key)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"removed": removed}, nil
}

func (d *Domain) handleClear(ctx context.Context, raw json.RawMessage) (any, error) {
	var p instanceParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	v, err := d.view(p.InstanceID)
	if err != nil {
		return nil, err
	}
	if _, err := v.Clear(ctx); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}
