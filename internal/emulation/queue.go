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
	"encoding/json"
	"sync"
	"time"

	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
)

// Queue is a mutex guarded FIFO.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

// PushFront puts items back at the head in their given order.
func (q *Queue[T]) PushFront(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	merged := make([]T, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	q.items = append(merged, q.items...)
	q.mu.Unlock()
}

// Drain removes and returns every queued item, oldest first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type ActionKind int

const (
	KindInit ActionKind = iota
	KindAction
	KindError
)

func (k ActionKind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindAction:
		return "action"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// PendingAction is a synthetic message recorded while the engine has no
// usable transport. Sequence is zero for kinds that are not numbered.
type PendingAction struct {
	Kind       ActionKind
	InstanceID string
	Name       string
	Payload    json.RawMessage
	Timestamp  time.Time
	Sequence   int64
	Envelopes  []core.Envelope
}

// Sequences hands out per-instance numbers starting at 1.
type Sequences struct {
	mu   sync.Mutex
	next map[string]int64
}

func NewSequences() *Sequences {
	return &Sequences{next: make(map[string]int64)}
}

func (s *Sequences) Next(instanceID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.next[instanceID]
	if !ok {
		n = 1
	}
	s.next[instanceID] = n + 1
	return n
}

// Peek returns the number the next call to Next would assign.
func (s *Sequences) Peek(instanceID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.next[instanceID]; ok {
		return n
	}
	return 1
}
