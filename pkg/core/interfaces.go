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

import "context"

// Conn is an open transport handle to one peer. Send delivers one already
// encoded message and may block for at most the transport's write timeout.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Emitter carries envelopes produced by the emulation engine to the relay.
type Emitter interface {
	Emit(env Envelope) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(env Envelope) error

func (f EmitterFunc) Emit(env Envelope) error { return f(env) }

// Tap receives a copy of relay traffic. Publish is called from a dedicated
// goroutine per tap and may block.
type Tap interface {
	Name() string
	Type() string
	Connect(ctx context.Context) error
	Publish(ctx context.Context, pkt Packet) error
	Disconnect(ctx context.Context) error
}
