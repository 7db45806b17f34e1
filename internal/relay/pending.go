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
	"sync"

	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
)

// origin records who issued a command forwarded under a relay id. Internal
// commands are the relay's own replay requests.
type origin struct {
	consumerID string
	id         int64
	internal   bool
}

// pendingCommands tracks forwarded commands per target until the matching
// response comes back.
type pendingCommands struct {
	mu       sync.Mutex
	limit    int
	byTarget map[core.Target]map[int64]origin
}

func newPendingCommands(limit int) *pendingCommands {
	return &pendingCommands{
		limit:    limit,
		byTarget: make(map[core.Target]map[int64]origin),
	}
}

// add reports false when target already has limit commands in flight.
func (p *pendingCommands) add(target core.Target, relayID int64, o origin) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byTarget[target]
	if !ok {
		m = make(map[int64]origin)
		p.byTarget[target] = m
	}
	if p.limit > 0 && len(m) >= p.limit {
		return false
	}
	m[relayID] = o
	return true
}

func (p *pendingCommands) take(target core.Target, relayID int64) (origin, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byTarget[target]
	if !ok {
		return origin{}, false
	}
	o, ok := m[relayID]
	if !ok {
		return origin{}, false
	}
	delete(m, relayID)
	if len(m) == 0 {
		delete(p.byTarget, target)
	}
	return o, true
}

func (p *pendingCommands) dropTarget(target core.Target) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.byTarget[target])
	delete(p.byTarget, target)
	return n
}

func (p *pendingCommands) dropConsumer(consumerID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for target, m := range p.byTarget {
		for id, o := range m {
			if !o.internal && o.consumerID == consumerID {
				delete(m, id)
				n++
			}
		}
		if len(m) == 0 {
			delete(p.byTarget, target)
		}
	}
	return n
}

func (p *pendingCommands) count(target core.Target) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byTarget[target])
}
