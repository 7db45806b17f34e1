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

package plugins

import (
	"encoding/json"
	"fmt"

	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
)

type wirePacket struct {
	core.Packet
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalPacket renders pkt as JSON with the forwarded envelope inlined
// under "payload".
func MarshalPacket(pkt core.Packet) ([]byte, error) {
	w := wirePacket{Packet: pkt}
	if len(pkt.Payload) > 0 {
		if !json.Valid(pkt.Payload) {
			return nil, fmt.Errorf("packet %s: payload is not valid JSON", pkt.ID)
		}
		w.Payload = pkt.Payload
	}
	return json.Marshal(w)
}

// SessionKey is the id of the producer or bridge side of the exchange.
// Brokers that partition by key keep one debugging session in order.
func SessionKey(pkt core.Packet) string {
	if pkt.FromClass == core.ClassConsumer.String() {
		return pkt.ToID
	}
	return pkt.FromID
}
