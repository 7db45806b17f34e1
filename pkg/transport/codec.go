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

package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
)

const (
	// DecodeChunkSize bounds how much of a raw byte payload is buffered at a
	// time while decoding.
	DecodeChunkSize = 32 * 1024

	DefaultMaxInflateSize = 64 << 20
)

// DecodeError reports a message that could not be turned into an envelope.
// It matches core.ErrDecode under errors.Is.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %d bytes: %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{core.ErrDecode, e.Err}
}

// Codec converts between wire payloads and envelopes. It is safe for
// concurrent use.
type Codec struct {
	logger     *slog.Logger
	maxInflate int64
}

type Option func(*Codec)

// WithMaxInflateSize caps the size of a decompressed payload.
func WithMaxInflateSize(n int64) Option {
	return func(c *Codec) {
		if n > 0 {
			c.maxInflate = n
		}
	}
}

func NewCodec(logger *slog.Logger, opts ...Option) *Codec {
	c := &Codec{
		logger:     logger,
		maxInflate: DefaultMaxInflateSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decode accepts a text frame, a binary frame, a postMessage object or an
// already decoded envelope. Compressed payloads are inflated before return.
func (c *Codec) Decode(raw any) (core.Envelope, error) {
	var (
		env core.Envelope
		err error
	)
	switch v := raw.(type) {
	case core.Envelope:
		env = v
	case *core.Envelope:
		if v == nil {
			return core.Envelope{}, &DecodeError{Err: errors.New("nil envelope")}
		}
		env = *v
	case string:
		env, err = decodeReader(strings.NewReader(v), len(v))
	case []byte:
		env, err = decodeReader(bytes.NewReader(v), len(v))
	case json.RawMessage:
		env, err = decodeReader(bytes.NewReader(v), len(v))
	case map[string]any:
		data, mErr := json.Marshal(v)
		if mErr != nil {
			return core.Envelope{}, &DecodeError{Err: mErr}
		}
		env, err = decodeReader(bytes.NewReader(data), len(data))
	default:
		return core.Envelope{}, &DecodeError{Err: fmt.Errorf("unsupported payload type %T", raw)}
	}
	if err != nil {
		return core.Envelope{}, err
	}
	if env.Method == "" && env.ID == nil {
		return core.Envelope{}, &DecodeError{Err: errors.New("envelope has neither method nor id")}
	}
	if env.Method != "" {
		env = c.Decompress(env)
	}
	return env, nil
}

func decodeReader(r io.Reader, size int) (core.Envelope, error) {
	dec := json.NewDecoder(newUTF8Reader(bufio.NewReaderSize(r, DecodeChunkSize)))
	var env core.Envelope
	if err := dec.Decode(&env); err != nil {
		return core.Envelope{}, &DecodeError{Size: size, Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("trailing data after envelope")
		}
		return core.Envelope{}, &DecodeError{Size: size, Err: err}
	}
	return env, nil
}

// Encode never panics; a failure is returned to the caller, which reports it
// locally and drops the message.
func (c *Codec) Encode(env core.Envelope) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = fmt.Errorf("encode %q: panic: %v", env.Method, r)
		}
	}()
	data, err = json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w", env.Method, err)
	}
	return data, nil
}

// EncodeString renders the envelope for string based native bridges.
func (c *Codec) EncodeString(env core.Envelope) (string, error) {
	data, err := c.Encode(env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EncodeObject renders the envelope as a plain object for cross window
// messaging. Numbers stay json.Number so ids survive unchanged.
func (c *Codec) EncodeObject(env core.Envelope) (map[string]any, error) {
	data, err := c.Encode(env)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("encode %q: %w", env.Method, err)
	}
	return obj, nil
}
