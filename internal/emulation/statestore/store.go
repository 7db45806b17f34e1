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

// Package statestore turns application level state container calls into
// time travel debugging messages. Every message is a "<domain>.message"
// event whose type is one of INIT_INSTANCE, INIT, ACTION or ERROR.
//
// Messages recorded before the engine has a transport are queued by the
// engine and flushed in order. Action numbers are assigned per instance at
// record time and never change on flush.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ohah/chrome-remote-devtools-sub001/internal/emulation"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
)

const (
	TypeInitInstance = "INIT_INSTANCE"
	TypeInit         = "INIT"
	TypeAction       = "ACTION"
	TypeError        = "ERROR"

	// AnonymousActionType is used for actions recorded without a type.
	AnonymousActionType = "@@ANONYMOUS"
)

type message struct {
	Type         string `json:"type"`
	InstanceID   string `json:"instanceId"`
	Name         string `json:"name,omitempty"`
	Payload      string `json:"payload,omitempty"`
	Action       string `json:"action,omitempty"`
	NextActionID int64  `json:"nextActionId,omitempty"`
	Error        string `json:"error,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

type instanceState struct {
	name  string
	state json.RawMessage
}

type Option func(*Store)

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type Store struct {
	domain string
	engine *emulation.Engine
	seq    *emulation.Sequences
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	instances map[string]*instanceState
	order     []string

	unregister func()
}

// New registers "<domain>.enable" on engine. Enabling replays a full
// snapshot of every known instance.
func New(domain string, engine *emulation.Engine, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		domain:    domain,
		engine:    engine,
		seq:       emulation.NewSequences(),
		logger:    logger.With("domain", domain),
		now:       time.Now,
		instances: make(map[string]*instanceState),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unregister = engine.Register(domain+".enable", s.handleEnable)
	return s
}

func (s *Store) Close() { s.unregister() }

func (s *Store) method() string { return s.domain + ".message" }

// Init announces an instance and its initial state.
func (s *Store) Init(instanceID, name string, state any) error {
	payload, err := encodeState(state)
	if err != nil {
		return fmt.Errorf("init %s: %w", instanceID, err)
	}

	ts := s.now()
	envs, err := s.envelopes(
		message{Type: TypeInitInstance, InstanceID: instanceID, Name: name, Timestamp: ts.UnixMilli()},
		message{Type: TypeInit, InstanceID: instanceID, Name: name, Payload: string(payload), Timestamp: ts.UnixMilli()},
	)
	if err != nil {
		return fmt.Errorf("init %s: %w", instanceID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[instanceID]; !ok {
		s.order = append(s.order, instanceID)
	}
	s.instances[instanceID] = &instanceState{name: name, state: payload}
	s.engine.Publish(emulation.PendingAction{
		Kind:       emulation.KindInit,
		InstanceID: instanceID,
		Name:       name,
		Payload:    payload,
		Timestamp:  ts,
		Envelopes:  envs,
	})
	return nil
}

// RecordAction records one dispatched action and the state it produced and
// returns the action's sequence number.
func (s *Store) RecordAction(instanceID string, action any, state any) (int64, error) {
	normalized, err := NormalizeAction(action)
	if err != nil {
		return 0, fmt.Errorf("record action %s: %w", instanceID, err)
	}
	actionJSON, err := json.Marshal(normalized)
	if err != nil {
		return 0, fmt.Errorf("record action %s: %w", instanceID, err)
	}
	payload, err := encodeState(state)
	if err != nil {
		return 0, fmt.Errorf("record action %s: %w", instanceID, err)
	}

	s.mu.Lock()
	inst, ok := s.instances[instanceID]
	if !ok {
		inst = &instanceState{}
		s.instances[instanceID] = inst
		s.order = append(s.order, instanceID)
	}
	inst.state = payload
	name := inst.name
	// Numbered under the store lock so the queue order matches the numbering.
	seq := s.seq.Next(instanceID)
	ts := s.now()
	envs, err := s.envelopes(message{
		Type:         TypeAction,
		InstanceID:   instanceID,
		Name:         name,
		Payload:      string(payload),
		Action:       string(actionJSON),
		NextActionID: seq,
		Timestamp:    ts.UnixMilli(),
	})
	if err == nil {
		s.engine.Publish(emulation.PendingAction{
			Kind:       emulation.KindAction,
			InstanceID: instanceID,
			Name:       fmt.Sprint(normalized["type"]),
			Payload:    payload,
			Timestamp:  ts,
			Sequence:   seq,
			Envelopes:  envs,
		})
	}
	s.mu.Unlock()

	if err != nil {
		return 0, fmt.Errorf("record action %s: %w", instanceID, err)
	}
	return seq, nil
}

// ReportError forwards an error raised inside the state container.
func (s *Store) ReportError(instanceID, msg string) error {
	ts := s.now()
	envs, err := s.envelopes(message{Type: TypeError, InstanceID: instanceID, Error: msg, Timestamp: ts.UnixMilli()})
	if err != nil {
		return fmt.Errorf("report error %s: %w", instanceID, err)
	}
	s.engine.Publish(emulation.PendingAction{
		Kind:       emulation.KindError,
		InstanceID: instanceID,
		Name:       msg,
		Timestamp:  ts,
		Envelopes:  envs,
	})
	return nil
}

func (s *Store) envelopes(msgs ...message) ([]core.Envelope, error) {
	out := make([]core.Envelope, 0, len(msgs))
	for _, m := range msgs {
		env, err := core.NewEvent(s.method(), m)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

func (s *Store) handleEnable(context.Context, json.RawMessage) (any, error) {
	s.mu.Lock()
	ts := s.now().UnixMilli()
	msgs := make([]message, 0, len(s.order)*2)
	for _, id := range s.order {
		inst := s.instances[id]
		msgs = append(msgs,
			message{Type: TypeInitInstance, InstanceID: id, Name: inst.name, Timestamp: ts},
			message{Type: TypeInit, InstanceID: id, Name: inst.name, Payload: string(inst.state), NextActionID: s.seq.Peek(id), Timestamp: ts},
		)
	}
	s.mu.Unlock()

	envs, err := s.envelopes(msgs...)
	if err != nil {
		return nil, err
	}
	for _, env := range envs {
		if err := s.engine.Emit(env); err != nil {
			return nil, err
		}
	}
	return map[string]int{"instances": len(msgs) / 2}, nil
}

func encodeState(state any) (json.RawMessage, error) {
	switch v := state.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("state is not valid JSON")
		}
		return v, nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return raw, nil
}

// NormalizeAction turns any recorded action into an object with a type:
// nil becomes the anonymous placeholder, a string s becomes {type: s} and an
// object without a type gets the placeholder type. Other values are wrapped
// under "payload".
func NormalizeAction(action any) (map[string]any, error) {
	switch a := action.(type) {
	case nil:
		return map[string]any{"type": AnonymousActionType}, nil
	case string:
		return map[string]any{"type": a}, nil
	case map[string]any:
		out := make(map[string]any, len(a)+1)
		for k, v := range a {
			out[k] = v
		}
		if t, ok := out["type"]; !ok || t == nil {
			out["type"] = AnonymousActionType
		}
		return out, nil
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(a, &decoded); err != nil {
			return nil, fmt.Errorf("decode action: %w", err)
		}
		return NormalizeAction(decoded)
	}

	raw, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	switch decoded.(type) {
	case map[string]any, string, nil:
		return NormalizeAction(decoded)
	default:
		return map[string]any{"type": AnonymousActionType, "payload": decoded}, nil
	}
}
