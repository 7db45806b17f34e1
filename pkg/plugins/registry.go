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

package plugins

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
)

const DefaultQueueSize = 1024

type tapWorker struct {
	tap     core.Tap
	queue   chan core.Packet
	dropped atomic.Int64
}

// Registry fans mirrored relay traffic out to taps. Each tap has its own
// bounded queue drained by one goroutine, so a slow broker only loses its
// own packets.
type Registry struct {
	taps    map[string]*tapWorker
	healthy map[string]bool
	logger  *slog.Logger
	mu      sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		taps:    make(map[string]*tapWorker),
		healthy: make(map[string]bool),
		logger:  logger,
	}
}

func (r *Registry) RegisterTap(t core.Tap, queueSize int) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r.mu.Lock()
	r.taps[t.Name()] = &tapWorker{tap: t, queue: make(chan core.Packet, queueSize)}
	r.mu.Unlock()
	r.logger.Info("registered tap", "name", t.Name(), "type", t.Type(), "queue_size", queueSize)
}

// Names lists registered taps in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.taps))
	for name := range r.taps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.taps)
}

// ConnectTaps connects every tap and returns how many succeeded. A tap that
// fails to connect stays registered but receives nothing.
func (r *Registry) ConnectTaps(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	connected := 0
	for name, w := range r.taps {
		if err := w.tap.Connect(ctx); err != nil {
			r.logger.Error("tap connect failed", "name", name, "error", err)
			r.healthy[name] = false
		} else {
			r.healthy[name] = true
			connected++
		}
	}
	return connected
}

func (r *Registry) IsTapHealthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy[name]
}

// Dropped reports how many packets the named tap lost to a full queue.
func (r *Registry) Dropped(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.taps[name]; ok {
		return w.dropped.Load()
	}
	return 0
}

// Start launches one publisher goroutine per healthy tap.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	for name, w := range r.taps {
		if !r.healthy[name] {
			continue
		}
		r.wg.Add(1)
		go r.run(ctx, name, w)
	}
	r.mu.Unlock()
}

func (r *Registry) run(ctx context.Context, name string, w *tapWorker) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-w.queue:
			r.publish(ctx, name, w.tap, pkt)
		}
	}
}

func (r *Registry) publish(ctx context.Context, name string, t core.Tap, pkt core.Packet) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tap panic recovered", "name", name, "panic", rec)
		}
	}()
	if err := t.Publish(ctx, pkt); err != nil && ctx.Err() == nil {
		r.logger.Warn("tap publish failed", "name", name, "packet_id", pkt.ID, "error", err)
	}
}

// Mirror hands pkt to every healthy tap without blocking.
func (r *Registry) Mirror(pkt core.Packet) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, w := range r.taps {
		if !r.healthy[name] {
			continue
		}
		select {
		case w.queue <- pkt:
		default:
			n := w.dropped.Add(1)
			r.logger.Debug("tap queue full, dropping packet", "name", name, "dropped_total", n)
		}
	}
}

func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, w := range r.taps {
		r.logger.Info("stopping tap", "name", name, "dropped", w.dropped.Load())
		if err := w.tap.Disconnect(ctx); err != nil {
			r.logger.Warn("tap disconnect failed", "name", name, "error", err)
		}
	}
}
