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

package routing

import (
	"sort"
	"sync"

	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
)

// Table holds the current target of every associated consumer.
type Table struct {
	routes sync.Map
}

func NewTable() *Table {
	return &Table{}
}

func (t *Table) Associate(consumerID string, target core.Target) {
	t.routes.Store(consumerID, target)
}

func (t *Table) Dissociate(consumerID string) {
	t.routes.Delete(consumerID)
}

func (t *Table) Lookup(consumerID string) (core.Target, bool) {
	v, ok := t.routes.Load(consumerID)
	if !ok {
		return core.Target{}, false
	}
	return v.(core.Target), true
}

// Associated lists the consumers attached to target, sorted by id.
func (t *Table) Associated(target core.Target) []string {
	var ids []string
	t.routes.Range(func(key, val any) bool {
		if val.(core.Target) == target {
			ids = append(ids, key.(string))
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

// DissociateAll clears every association with target and returns the
// consumers that lost it.
func (t *Table) DissociateAll(target core.Target) []string {
	var ids []string
	t.routes.Range(func(key, val any) bool {
		if val.(core.Target) == target && t.routes.CompareAndDelete(key, val) {
			ids = append(ids, key.(string))
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

func (t *Table) Len() int {
	n := 0
	t.routes.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
