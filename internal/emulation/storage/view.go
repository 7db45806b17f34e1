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
	"fmt"
	"sync"

	"github.com/ohah/chrome-remote-devtools-sub001/pkg/kv"
)

type Op int

const (
	OpSet Op = iota
	OpRemove
	OpClear
)

// Change describes one mutation. A clear carries every removed key in Keys.
type Change struct {
	InstanceID string
	Op         Op
	Key        string
	Value      kv.Value
	Keys       []string
}

type Entry struct {
	Key   string
	Value kv.Value
}

// View is one inspectable namespace over an opaque backend. Mutations made
// through the view notify watchers once per mutated key, in mutation order.
// Watchers run synchronously and must not mutate the view.
type View struct {
	id      string
	backend kv.Backend

	mu        sync.Mutex
	watchers  map[int]func(Change)
	nextWatch int
}

func NewView(id string, backend kv.Backend) *View {
	return &View{
		id:       id,
		backend:  backend,
		watchers: make(map[int]func(Change)),
	}
}

func (v *View) ID() string { return v.id }

func (v *View) Get(ctx context.Context, key string) (kv.Value, bool, error) {
	return v.backend.Get(ctx, key)
}

func (v *View) Entries(ctx context.Context) ([]Entry, error) {
	keys, err := v.backend.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", v.id, err)
	}
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		val, ok, err := v.backend.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("read %s/%s: %w", v.id, k, err)
		}
		if ok {
			out = append(out, Entry{Key: k, Value: val})
		}
	}
	return out, nil
}

// Snapshot reads every entry and runs fn with them while mutations are held
// off. A change made after fn returns is the first one watchers see.
func (v *View) Snapshot(ctx context.Context, fn func([]Entry)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	entries, err := v.Entries(ctx)
	if err != nil {
		return err
	}
	fn(entries)
	return nil
}

func (v *View) Set(ctx context.Context, key string, val kv.Value) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.backend.Set(ctx, key, val); err != nil {
		return fmt.Errorf("set %s/%s: %w", v.id, key, err)
	}
	v.notifyLocked(Change{InstanceID: v.id, Op: OpSet, Key: key, Value: val})
	return nil
}

// Delete reports whether the key existed. Deleting a missing key is not a
// mutation and notifies nobody.
func (v *View) Delete(ctx context.Context, key string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	removed, err := v.backend.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", v.id, key, err)
	}
	if removed {
		v.notifyLocked(Change{InstanceID: v.id, Op: OpRemove, Key: key})
	}
	return removed, nil
}

// Clear notifies watchers once with every removed key rather than once per
// key; it surfaces as a single ItemsCleared event.
func (v *View) Clear(ctx context.Context) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	keys, err := v.backend.Clear(ctx)
	if err != nil {
		return nil, fmt.Errorf("clear %s: %w", v.id, err)
	}
	if len(keys) > 0 {
		v.notifyLocked(Change{InstanceID: v.id, Op: OpClear, Keys: keys})
	}
	return keys, nil
}

// Watch registers fn for future changes and returns its cancel func.
func (v *View) Watch(fn func(Change)) (cancel func()) {
	v.mu.Lock()
	id := v.nextWatch
	v.nextWatch++
	v.watchers[id] = fn
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		delete(v.watchers, id)
		v.mu.Unlock()
	}
}

func (v *View) notifyLocked(c Change) {
	for _, fn := range v.watchers {
		fn(c)
	}
}
