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
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
)

type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "boolean"
	KindBinary Kind = "binary"
)

// Value is a typed storage value. It marshals as the bare JSON value, binary
// values as a number array.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	bin  []byte
}

func String(s string) Value  { return Value{kind: KindString, str: s} }
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Binary(data []byte) Value {
	return Value{kind: KindBinary, bin: append([]byte(nil), data...)}
}

func (v Value) Kind() Kind {
	if v.kind == "" {
		return KindString
	}
	return v.kind
}

func (v Value) Str() string   { return v.str }
func (v Value) Num() float64  { return v.num }
func (v Value) Boolean() bool { return v.b }
func (v Value) Bytes() []byte { return v.bin }

func (v Value) Equal(o Value) bool {
	if v.Kind() != o.Kind() {
		return false
	}
	switch v.Kind() {
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindBinary:
		return bytes.Equal(v.bin, o.bin)
	default:
		return v.str == o.str
	}
}

func (v Value) String() string {
	switch v.Kind() {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindBinary:
		return fmt.Sprintf("<%d bytes>", len(v.bin))
	default:
		return v.str
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind() {
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindBinary:
		return core.ByteArray(v.bin).MarshalJSON()
	default:
		return json.Marshal(v.str)
	}
}

// FromJSON infers a value from a protocol payload: strings, numbers and
// booleans map directly, a number array becomes binary.
func FromJSON(raw json.RawMessage) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Value{}, fmt.Errorf("empty value")
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("string value: %w", err)
		}
		return String(s), nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, fmt.Errorf("boolean value: %w", err)
		}
		return Bool(b), nil
	case '[':
		var data core.ByteArray
		if err := json.Unmarshal(raw, &data); err != nil {
			return Value{}, fmt.Errorf("binary value: %w", err)
		}
		return Binary(data), nil
	default:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return Value{}, fmt.Errorf("number value: %w", err)
		}
		return Number(n), nil
	}
}

// stored is the tagged form backends persist so the kind survives a round
// trip through an untyped store.
type stored struct {
	Kind  Kind            `json:"kind"`
	Value json.RawMessage `json:"value"`
}

func encodeStored(v Value) ([]byte, error) {
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(stored{Kind: v.Kind(), Value: raw})
}

func decodeStored(data []byte) (Value, error) {
	var s stored
	if err := json.Unmarshal(data, &s); err != nil {
		return Value{}, fmt.Errorf("decode stored value: %w", err)
	}
	v, err := FromJSON(s.Value)
	if err != nil {
		return Value{}, err
	}
	if v.Kind() != s.Kind {
		return Value{}, fmt.Errorf("stored kind %q holds a %s", s.Kind, v.Kind())
	}
	return v, nil
}
