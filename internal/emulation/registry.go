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
	"log/slog"
	"sort"
	"sync"
)

// HandlerFunc answers one protocol method. The returned value becomes the
// result of a command response; it is ignored for events.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

type handlerEntry struct {
	fn HandlerFunc
}

// Registry maps fully qualified method names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*handlerEntry
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]*handlerEntry),
		logger:   logger,
	}
}

// Register installs fn for method, replacing any previous handler. The
// returned func removes this handler only if it is still the installed one.
func (r *Registry) Register(method string, fn HandlerFunc) (unregister func()) {
	entry := &handlerEntry{fn: fn}

	r.mu.Lock()
	_, replaced := r.handlers[method]
	r.handlers[method] = entry
	r.mu.Unlock()

	if replaced {
		r.logger.Warn("handler replaced", "method", method)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.handlers[method] == entry {
				delete(r.handlers, method)
			}
		})
	}
}

func (r *Registry) Lookup(method string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.handlers[method]
	if !ok {
		return nil, false
	}
	return entry.fn, true
}

func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
