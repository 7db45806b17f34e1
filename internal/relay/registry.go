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
	"sort"
	"sync"
)

// registry is a mutex guarded map of live connections of one class.
type registry[T comparable] struct {
	mu    sync.RWMutex
	items map[string]T
}

func newRegistry[T comparable]() *registry[T] {
	return &registry[T]{items: make(map[string]T)}
}

// put stores v under id and returns the entry it replaced, if any.
func (r *registry[T]) put(id string, v T) (old T, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, replaced = r.items[id]
	r.items[id] = v
	return old, replaced
}

func (r *registry[T]) get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[id]
	return v, ok
}

// remove deletes id only while it still maps to v, so a stale close from a
// replaced connection cannot evict its successor.
func (r *registry[T]) remove(id string, v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.items[id]; !ok || cur != v {
		return false
	}
	delete(r.items, id)
	return true
}

func (r *registry[T]) current(id string, v T) bool {
	cur, ok := r.get(id)
	return ok && cur == v
}

// list returns the entries sorted by id.
func (r *registry[T]) list() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.items[id])
	}
	return out
}

func (r *registry[T]) drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, len(r.items))
	for _, v := range r.items {
		out = append(out, v)
	}
	r.items = make(map[string]T)
	return out
}

func (r *registry[T]) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
