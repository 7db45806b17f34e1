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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
)

// compressedParams is the in-band marker for a gzip compressed
// {method, params} pair carried in a command's params.
type compressedParams struct {
	Compressed bool           `json:"compressed"`
	Data       core.ByteArray `json:"data"`
}

type compressedPayload struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// IsCompressed reports whether params carry the compression marker.
func IsCompressed(params json.RawMessage) bool {
	if len(params) == 0 || params[0] != '{' {
		return false
	}
	var probe struct {
		Compressed bool `json:"compressed"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return false
	}
	return probe.Compressed
}

// Decompress replaces a compressed envelope's method and params with the
// inflated payload. Any failure is logged and the original is returned
// untouched so it can still be forwarded.
func (c *Codec) Decompress(env core.Envelope) core.Envelope {
	if !IsCompressed(env.Params) {
		return env
	}
	inner, err := c.inflate(env.Params)
	if err != nil {
		c.logger.Warn("decompress failed, forwarding original",
			"method", env.Method,
			"params_size", len(env.Params),
			"error", err,
		)
		return env
	}
	return core.Envelope{ID: env.ID, Method: inner.Method, Params: inner.Params, Extra: env.Extra}
}

func (c *Codec) inflate(params json.RawMessage) (compressedPayload, error) {
	var marker compressedParams
	if err := json.Unmarshal(params, &marker); err != nil {
		return compressedPayload{}, fmt.Errorf("parse marker: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(marker.Data))
	if err != nil {
		return compressedPayload{}, fmt.Errorf("gzip header: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, c.maxInflate+1))
	if err != nil {
		return compressedPayload{}, fmt.Errorf("gzip inflate: %w", err)
	}
	if int64(len(raw)) > c.maxInflate {
		return compressedPayload{}, fmt.Errorf("inflated payload exceeds %d bytes", c.maxInflate)
	}

	var inner compressedPayload
	if err := json.Unmarshal(raw, &inner); err != nil {
		return compressedPayload{}, fmt.Errorf("parse inflated payload: %w", err)
	}
	if inner.Method == "" {
		return compressedPayload{}, errors.New("inflated payload has no method")
	}
	return inner, nil
}

// Compress builds marker params for method and params, the form senders use
// for large payloads.
func Compress(method string, params any) (json.RawMessage, error) {
	payload := compressedPayload{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("compress %q: %w", method, err)
		}
		payload.Params = raw
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("compress %q: %w", method, err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(plain); err != nil {
		return nil, fmt.Errorf("compress %q: %w", method, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress %q: %w", method, err)
	}
	return json.Marshal(compressedParams{Compressed: true, Data: core.ByteArray(buf.Bytes())})
}
