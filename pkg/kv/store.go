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

package kv

import (
	"context"
	"sync"
)

// Backend is an opaque key-value engine. Keys enumerates in the backend's
// stable order.
type Backend interface {
	Get(ctx context.Context, key string) (Value, bool, error)
	Set(ctx context.Context, key string, v Value) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) ([]string, error)
}

// MemoryStore keeps entries in insertion order.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string]Value
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Value)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (Value, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, v Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		m.order = append(m.order, key)
	}
	m.data[key] = v
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return false, nil
	}
	delete(m.data, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemoryStore) Keys(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out, nil
}

func (m *MemoryStore) Clear(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := m.order
	m.data = make(map[string]Value)
	m.order = nil
	return removed, nil
}
