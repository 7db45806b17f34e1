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

package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Envelope is the unit of protocol traffic. A command carries a method and an
// id, an event carries only a method, a response carries only an id.
type Envelope struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`

	// Extra keeps top-level members such as sessionId that are carried
	// through unchanged.
	Extra map[string]json.RawMessage `json:"-"`
}

var envelopeKeys = []string{"id", "method", "params", "result", "error"}

func isEnvelopeKey(k string) bool {
	for _, known := range envelopeKeys {
		if strings.EqualFold(k, known) {
			return true
		}
	}
	return false
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	type plain Envelope
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	for k := range members {
		if isEnvelopeKey(k) {
			delete(members, k)
		}
	}
	p.Extra = nil
	if len(members) > 0 {
		p.Extra = members
	}
	*e = Envelope(p)
	return nil
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	data, err := json.Marshal(plain(e))
	if err != nil || len(e.Extra) == 0 {
		return data, err
	}

	keys := make([]string, 0, len(e.Extra))
	for k := range e.Extra {
		if !isEnvelopeKey(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(data[:len(data)-1])
	for _, k := range keys {
		v := e.Extra[k]
		if !json.Valid(v) {
			return nil, fmt.Errorf("envelope member %q is not valid JSON", k)
		}
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(k)
		buf.Write(name)
		buf.WriteByte(':')
		if err := json.Compact(&buf, v); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type ProtocolError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

func (e Envelope) IsCommand() bool  { return e.Method != "" && e.ID != nil }
func (e Envelope) IsEvent() bool    { return e.Method != "" && e.ID == nil }
func (e Envelope) IsResponse() bool { return e.Method == "" && e.ID != nil }

// NewCommand builds a command envelope. Params that fail to marshal are
// dropped and the error returned alongside the envelope.
func NewCommand(id int64, method string, params any) (Envelope, error) {
	raw, err := marshalParams(params)
	return Envelope{ID: &id, Method: method, Params: raw}, err
}

func NewEvent(method string, params any) (Envelope, error) {
	raw, err := marshalParams(params)
	return Envelope{Method: method, Params: raw}, err
}

func NewResult(id int64, result any) (Envelope, error) {
	raw, err := marshalParams(result)
	if raw == nil {
		raw = json.RawMessage("{}")
	}
	return Envelope{ID: &id, Result: raw}, err
}

func NewErrorResponse(id int64, code int, message string) Envelope {
	return Envelope{ID: &id, Error: &ProtocolError{Code: code, Message: message}}
}

// WithID returns a copy of the envelope carrying id.
func (e Envelope) WithID(id int64) Envelope {
	e.ID = &id
	return e
}

func marshalParams(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// ConnectionClass tells the relay which registry a connection belongs to.
type ConnectionClass int

const (
	ClassProducer ConnectionClass = iota
	ClassConsumer
	ClassBridge
)

func (c ConnectionClass) String() string {
	switch c {
	case ClassProducer:
		return "client"
	case ClassConsumer:
		return "devtools"
	case ClassBridge:
		return "react-native"
	default:
		return fmt.Sprintf("ConnectionClass(%d)", int(c))
	}
}

// Target is what a consumer is associated with.
type Target struct {
	Class ConnectionClass
	ID    string
}

func (t Target) String() string { return t.Class.String() + "/" + t.ID }

type ProducerMetadata struct {
	URL         string    `json:"url,omitempty"`
	Title       string    `json:"title,omitempty"`
	UserAgent   string    `json:"ua,omitempty"`
	ClientTime  string    `json:"time,omitempty"`
	DisplayName string    `json:"name,omitempty"`
	AppName     string    `json:"appName,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type BridgeMetadata struct {
	DeviceName  string    `json:"deviceName,omitempty"`
	AppName     string    `json:"appName,omitempty"`
	DeviceID    string    `json:"deviceId,omitempty"`
	Profiling   bool      `json:"profiling"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type Direction int

const (
	DirectionUpstream Direction = iota
	DirectionDownstream
)

func (d Direction) String() string {
	if d == DirectionDownstream {
		return "downstream"
	}
	return "upstream"
}

// Packet is one forwarded envelope as seen by observers of relay traffic.
// Upstream flows from a consumer to its target, downstream the other way.
type Packet struct {
	ID        string    `json:"id"`
	Direction string    `json:"direction"`
	FromClass string    `json:"fromClass"`
	FromID    string    `json:"fromId"`
	ToClass   string    `json:"toClass"`
	ToID      string    `json:"toId"`
	Method    string    `json:"method,omitempty"`
	Payload   []byte    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}
