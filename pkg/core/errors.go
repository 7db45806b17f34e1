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

import "errors"

var (
	ErrDecode            = errors.New("malformed message")
	ErrNoRoute           = errors.New("no route")
	ErrTargetNotFound    = errors.New("target not found")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrQueueFull         = errors.New("send queue full")
	ErrHandler           = errors.New("handler failed")
	ErrUnknownInstance   = errors.New("unknown instance")
	ErrDuplicateInstance = errors.New("duplicate instance")
)

// IsRoutingError reports whether err means a message had nowhere to go.
func IsRoutingError(err error) bool {
	return errors.Is(err, ErrNoRoute) || errors.Is(err, ErrTargetNotFound)
}

// IsTransportError reports whether err came from a connection that can no
// longer carry traffic.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrQueueFull)
}
