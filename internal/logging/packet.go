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
	"log/slog"
	"sync/atomic"

	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
)

// PacketLogger writes one record per forwarded envelope while enabled.
type PacketLogger struct {
	logger  *slog.Logger
	enabled atomic.Bool
}

func NewPacketLogger(logger *slog.Logger, enabled bool) *PacketLogger {
	p := &PacketLogger{logger: logger}
	p.enabled.Store(enabled)
	return p
}

func (p *PacketLogger) SetEnabled(on bool) { p.enabled.Store(on) }

func (p *PacketLogger) Enabled() bool { return p != nil && p.enabled.Load() }

func (p *PacketLogger) Log(pkt core.Packet) {
	if !p.Enabled() {
		return
	}
	p.logger.Info("packet",
		"packet_id", pkt.ID,
		"direction", pkt.Direction,
		"from_class", pkt.FromClass,
		"from_id", pkt.FromID,
		"to_class", pkt.ToClass,
		"to_id", pkt.ToID,
		"method", pkt.Method,
		"payload_size", len(pkt.Payload),
		"timestamp", pkt.Timestamp,
	)
}
