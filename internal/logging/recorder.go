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

package logging

import (
	"context"
	"log/slog"
	"sync"
)

// Record is a captured log entry.
type Record struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Recorder is a slog.Handler that keeps every record in memory so tests can
// assert on the diagnostics a component emits.
type Recorder struct {
	mu      *sync.Mutex
	records *[]Record
	attrs   []slog.Attr
}

func NewRecorder() *Recorder {
	return &Recorder{mu: &sync.Mutex{}, records: &[]Record{}}
}

// Logger returns a logger writing into the recorder.
func (r *Recorder) Logger() *slog.Logger { return slog.New(r) }

func (r *Recorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *Recorder) Handle(_ context.Context, rec slog.Record) error {
	attrs := make(map[string]any, len(r.attrs)+rec.NumAttrs())
	for _, a := range r.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	rec.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	r.mu.Lock()
	*r.records = append(*r.records, Record{Level: rec.Level, Message: rec.Message, Attrs: attrs})
	r.mu.Unlock()
	return nil
}

func (r *Recorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(r.attrs)+len(attrs))
	merged = append(merged, r.attrs...)
	merged = append(merged, attrs...)
	return &Recorder{mu: r.mu, records: r.records, attrs: merged}
}

// WithGroup is flattened; the recorder does not nest attributes.
func (r *Recorder) WithGroup(string) slog.Handler { return r }

func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(*r.records))
	copy(out, *r.records)
	return out
}

// Find returns the first record at level with message msg.
func (r *Recorder) Find(level slog.Level, msg string) (Record, bool) {
	for _, rec := range r.Records() {
		if rec.Level == level && rec.Message == msg {
			return rec, true
		}
	}
	return Record{}, false
}

func (r *Recorder) Count(level slog.Level) int {
	n := 0
	for _, rec := range r.Records() {
		if rec.Level == level {
			n++
		}
	}
	return n
}
