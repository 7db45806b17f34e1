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

// Package relay multiplexes protocol traffic between debuggable runtimes
// (producers), debugging front ends (consumers) and bridge connections.
//
// Every connection class lives in its own registry. A consumer is associated
// with at most one target, a producer or a bridge, and the association can
// be switched without reconnecting. Traffic from a target is broadcast to
// its consumers; commands from a consumer go to its one target under a
// relay assigned id so the response finds its way back to the issuer.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ohah/chrome-remote-devtools-sub001/internal/logging"
	"github.com/ohah/chrome-remote-devtools-sub001/internal/routing"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/transport"
)

const (
	// SwitchTargetMethod is answered by the relay itself and never forwarded.
	SwitchTargetMethod = "Relay.switchTarget"
	// DetachedMethod tells a consumer its target went away.
	DetachedMethod = "Inspector.detached"

	DefaultSendQueueSize = 256
	DefaultPendingLimit  = 4096
)

// DefaultReplayMethods ask a producer to re-announce every storage and
// state-store instance it holds.
var DefaultReplayMethods = []string{"Storage.enable", "Redux.enable"}

// Mirror observes delivered traffic. Mirror must not block.
type Mirror interface {
	Mirror(pkt core.Packet)
}

type Config struct {
	SendQueueSize int
	PendingLimit  int
	ReplayMethods []string
}

type Producer struct {
	ID       string
	Metadata core.ProducerMetadata
	peer     *peer
}

type Consumer struct {
	ID          string
	ConnectedAt time.Time
	peer        *peer
}

type Bridge struct {
	ID       string
	Metadata core.BridgeMetadata
	peer     *peer

	mu         sync.RWMutex
	producerID string
}

// ProducerID is the producer this bridge's traffic is correlated with.
func (b *Bridge) ProducerID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.producerID
}

func (b *Bridge) setProducerID(id string) {
	b.mu.Lock()
	b.producerID = id
	b.mu.Unlock()
}

type Relay struct {
	codec     *transport.Codec
	logger    *slog.Logger
	packetLog *logging.PacketLogger
	mirror    Mirror
	queueSize int

	producers *registry[*Producer]
	consumers *registry[*Consumer]
	bridges   *registry[*Bridge]
	routes    *routing.Table
	pending   *pendingCommands

	// assocMu orders association changes against target removal so a switch
	// can never land on a target that is being torn down.
	assocMu sync.Mutex
	nextID  atomic.Int64

	replayMu      sync.RWMutex
	replayMethods []string
}

func New(cfg Config, codec *transport.Codec, logger *slog.Logger, packetLog *logging.PacketLogger, mirror Mirror) *Relay {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultSendQueueSize
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = DefaultPendingLimit
	}
	if cfg.ReplayMethods == nil {
		cfg.ReplayMethods = DefaultReplayMethods
	}
	return &Relay{
		codec:         codec,
		logger:        logger,
		packetLog:     packetLog,
		mirror:        mirror,
		queueSize:     cfg.SendQueueSize,
		producers:     newRegistry[*Producer](),
		consumers:     newRegistry[*Consumer](),
		bridges:       newRegistry[*Bridge](),
		routes:        routing.NewTable(),
		pending:       newPendingCommands(cfg.PendingLimit),
		replayMethods: append([]string(nil), cfg.ReplayMethods...),
	}
}

func (r *Relay) SetReplayMethods(methods []string) {
	r.replayMu.Lock()
	r.replayMethods = append([]string(nil), methods...)
	r.replayMu.Unlock()
}

func (r *Relay) ReplayMethods() []string {
	r.replayMu.RLock()
	defer r.replayMu.RUnlock()
	return append([]string(nil), r.replayMethods...)
}

// RegisterProducer adds or replaces the producer with id. A replaced
// producer's connection is closed; consumers stay associated with the id
// and get a fresh replay from the new connection.
func (r *Relay) RegisterProducer(id string, conn core.Conn, md core.ProducerMetadata) *Producer {
	if md.ConnectedAt.IsZero() {
		md.ConnectedAt = time.Now().UTC()
	}
	p := &Producer{ID: id, Metadata: md, peer: newPeer(id, core.ClassProducer, conn, r.queueSize, r.logger)}
	target := core.Target{Class: core.ClassProducer, ID: id}

	r.assocMu.Lock()
	old, replaced := r.producers.put(id, p)
	r.assocMu.Unlock()

	if replaced {
		old.peer.close()
		r.pending.dropTarget(target)
		r.logger.Info("producer replaced", "producer_id", id)
	}
	r.logger.Info("producer registered", "producer_id", id, "title", md.Title, "url", md.URL)

	if replaced && len(r.routes.Associated(target)) > 0 {
		r.requestReplay(target, p.peer)
	}
	return p
}

// UnregisterProducer removes p if it is still the registered producer for
// its id, clears every association with it and tells those consumers.
func (r *Relay) UnregisterProducer(p *Producer) {
	target := core.Target{Class: core.ClassProducer, ID: p.ID}

	r.assocMu.Lock()
	removed := r.producers.remove(p.ID, p)
	var orphans []string
	if removed {
		orphans = r.routes.DissociateAll(target)
		for _, b := range r.bridges.list() {
			if b.ProducerID() == p.ID {
				b.setProducerID("")
			}
		}
	}
	r.assocMu.Unlock()

	p.peer.close()
	if !removed {
		return
	}
	r.pending.dropTarget(target)
	r.notifyDetached(target, orphans)
	r.logger.Info("producer unregistered", "producer_id", p.ID, "detached_consumers", len(orphans))
}

// RegisterBridge adds or replaces a bridge connection. producerID, if set,
// correlates the bridge's traffic with that producer's consumers.
func (r *Relay) RegisterBridge(id string, conn core.Conn, md core.BridgeMetadata, producerID string) *Bridge {
	if md.ConnectedAt.IsZero() {
		md.ConnectedAt = time.Now().UTC()
	}
	b := &Bridge{ID: id, Metadata: md, producerID: producerID, peer: newPeer(id, core.ClassBridge, conn, r.queueSize, r.logger)}
	target := core.Target{Class: core.ClassBridge, ID: id}

	r.assocMu.Lock()
	old, replaced := r.bridges.put(id, b)
	r.assocMu.Unlock()

	if replaced {
		old.peer.close()
		r.pending.dropTarget(target)
		r.logger.Info("bridge replaced", "bridge_id", id)
	}
	r.logger.Info("bridge registered",
		"bridge_id", id,
		"device_name", md.DeviceName,
		"app_name", md.AppName,
		"profiling", md.Profiling,
		"producer_id", producerID,
	)

	if replaced && len(r.routes.Associated(target)) > 0 {
		r.requestReplay(target, b.peer)
	}
	return b
}

func (r *Relay) UnregisterBridge(b *Bridge) {
	target := core.Target{Class: core.ClassBridge, ID: b.ID}

	r.assocMu.Lock()
	removed := r.bridges.remove(b.ID, b)
	var orphans []string
	if removed {
		orphans = r.routes.DissociateAll(target)
	}
	r.assocMu.Unlock()

	b.peer.close()
	if !removed {
		return
	}
	r.pending.dropTarget(target)
	r.notifyDetached(target, orphans)
	r.logger.Info("bridge unregistered", "bridge_id", b.ID, "detached_consumers", len(orphans))
}

// RegisterConsumer adds or replaces a consumer. When initialTarget names a
// live producer or bridge the consumer is associated with it right away and
// a replay is requested; otherwise it starts unassociated.
func (r *Relay) RegisterConsumer(id string, conn core.Conn, initialTarget string) *Consumer {
	c := &Consumer{ID: id, ConnectedAt: time.Now().UTC(), peer: newPeer(id, core.ClassConsumer, conn, r.queueSize, r.logger)}

	var (
		target core.Target
		tp     *peer
		found  bool
	)
	r.assocMu.Lock()
	old, replaced := r.consumers.put(id, c)
	r.routes.Dissociate(id)
	if initialTarget != "" {
		target, tp, found = r.resolveTarget(initialTarget)
		if found {
			r.routes.Associate(id, target)
		}
	}
	r.assocMu.Unlock()

	if replaced {
		old.peer.close()
		r.pending.dropConsumer(id)
		r.logger.Info("consumer replaced", "consumer_id", id)
	}

	switch {
	case found:
		r.logger.Info("consumer registered", "consumer_id", id, "target", target.String())
		r.requestReplay(target, tp)
	case initialTarget != "":
		r.logger.Info("consumer registered without association, target not live", "consumer_id", id, "requested_target", initialTarget)
	default:
		r.logger.Info("consumer registered", "consumer_id", id)
	}
	return c
}

func (r *Relay) UnregisterConsumer(c *Consumer) {
	r.assocMu.Lock()
	removed := r.consumers.remove(c.ID, c)
	if removed {
		r.routes.Dissociate(c.ID)
	}
	r.assocMu.Unlock()

	c.peer.close()
	if !removed {
		return
	}
	dropped := r.pending.dropConsumer(c.ID)
	r.logger.Info("consumer unregistered", "consumer_id", c.ID, "dropped_commands", dropped)
}

// SwitchConsumerTarget re-associates a consumer with the producer or bridge
// called targetID. The current association is kept when either id is
// unknown.
func (r *Relay) SwitchConsumerTarget(consumerID, targetID string) error {
	r.assocMu.Lock()
	if _, ok := r.consumers.get(consumerID); !ok {
		r.assocMu.Unlock()
		r.logger.Debug("switch for unknown consumer", "consumer_id", consumerID)
		return fmt.Errorf("%w: consumer %s is not connected", core.ErrNoRoute, consumerID)
	}
	target, tp, ok := r.resolveTarget(targetID)
	if !ok {
		r.assocMu.Unlock()
		r.logger.Debug("switch to unknown target", "consumer_id", consumerID, "target_id", targetID)
		return fmt.Errorf("%w: %s", core.ErrTargetNotFound, targetID)
	}
	prev, hadPrev := r.routes.Lookup(consumerID)
	r.routes.Associate(consumerID, target)
	r.assocMu.Unlock()

	attrs := []any{"consumer_id", consumerID, "target", target.String()}
	if hadPrev {
		attrs = append(attrs, "previous", prev.String())
	}
	r.logger.Info("consumer target switched", attrs...)
	r.requestReplay(target, tp)
	return nil
}

// resolveTarget prefers a producer over a bridge with the same id. Callers
// hold assocMu.
func (r *Relay) resolveTarget(id string) (core.Target, *peer, bool) {
	if p, ok := r.producers.get(id); ok {
		return core.Target{Class: core.ClassProducer, ID: id}, p.peer, true
	}
	if b, ok := r.bridges.get(id); ok {
		return core.Target{Class: core.ClassBridge, ID: id}, b.peer, true
	}
	return core.Target{}, nil, false
}

func (r *Relay) targetPeer(t core.Target) (*peer, bool) {
	switch t.Class {
	case core.ClassProducer:
		if p, ok := r.producers.get(t.ID); ok {
			return p.peer, true
		}
	case core.ClassBridge:
		if b, ok := r.bridges.get(t.ID); ok {
			return b.peer, true
		}
	}
	return nil, false
}

// ForwardFromConsumer sends a consumer's message to its current target.
// Messages without a live target are dropped and the reason returned.
func (r *Relay) ForwardFromConsumer(c *Consumer, env core.Envelope) error {
	if !r.consumers.current(c.ID, c) {
		return fmt.Errorf("%w: consumer %s was replaced", core.ErrConnectionClosed, c.ID)
	}
	if env.Method == SwitchTargetMethod {
		r.handleSwitchCommand(c, env)
		return nil
	}

	target, ok := r.routes.Lookup(c.ID)
	if !ok {
		return fmt.Errorf("%w: consumer %s has no target", core.ErrNoRoute, c.ID)
	}
	tp, ok := r.targetPeer(target)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrTargetNotFound, target)
	}

	var relayID int64
	if env.ID != nil {
		relayID = r.nextID.Add(1)
		if !r.pending.add(target, relayID, origin{consumerID: c.ID, id: *env.ID}) {
			r.logger.Warn("too many commands in flight, dropping", "consumer_id", c.ID, "target", target.String(), "method", env.Method)
			return fmt.Errorf("%w: %d commands pending on %s", core.ErrQueueFull, r.pending.count(target), target)
		}
		env = env.WithID(relayID)
	}
	if err := r.send(env, core.ClassConsumer, c.ID, target, tp, core.DirectionUpstream); err != nil {
		if env.ID != nil {
			r.pending.take(target, relayID)
		}
		return err
	}
	return nil
}

func (r *Relay) ForwardFromProducer(p *Producer, env core.Envelope) {
	if !r.producers.current(p.ID, p) {
		return
	}
	r.forwardFromTarget(core.Target{Class: core.ClassProducer, ID: p.ID}, env, "")
}

// ForwardFromBridge delivers to consumers of the bridge and to consumers of
// the producer the bridge is correlated with.
func (r *Relay) ForwardFromBridge(b *Bridge, env core.Envelope) {
	if !r.bridges.current(b.ID, b) {
		return
	}
	r.forwardFromTarget(core.Target{Class: core.ClassBridge, ID: b.ID}, env, b.ProducerID())
}

func (r *Relay) forwardFromTarget(from core.Target, env core.Envelope, correlated string) {
	if env.IsResponse() {
		r.routeResponse(from, env)
		return
	}

	consumers := r.routes.Associated(from)
	if correlated != "" {
		consumers = append(consumers, r.routes.Associated(core.Target{Class: core.ClassProducer, ID: correlated})...)
	}
	if len(consumers) == 0 {
		return
	}
	data, err := r.codec.Encode(env)
	if err != nil {
		r.logger.Error("encode failed, dropping", "from", from.String(), "method", env.Method, "error", err)
		return
	}
	for _, id := range consumers {
		c, ok := r.consumers.get(id)
		if !ok {
			continue
		}
		r.deliver(data, env.Method, from.Class, from.ID, core.ClassConsumer, c.ID, c.peer, core.DirectionDownstream)
	}
}

func (r *Relay) routeResponse(from core.Target, env core.Envelope) {
	o, ok := r.pending.take(from, *env.ID)
	if !ok {
		r.logger.Debug("response for unknown command, dropping", "from", from.String(), "id", *env.ID)
		return
	}
	if o.internal {
		return
	}
	c, ok := r.consumers.get(o.consumerID)
	if !ok {
		return
	}
	r.send(env.WithID(o.id), from.Class, from.ID, core.Target{Class: core.ClassConsumer, ID: c.ID}, c.peer, core.DirectionDownstream)
}

func (r *Relay) handleSwitchCommand(c *Consumer, env core.Envelope) {
	var params struct {
		ClientID string `json:"clientId"`
	}
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &params); err != nil {
			r.logger.Warn("bad switch params", "consumer_id", c.ID, "error", err)
		}
	}
	ok := params.ClientID != "" && r.SwitchConsumerTarget(c.ID, params.ClientID) == nil
	if env.ID == nil {
		return
	}
	resp, _ := core.NewResult(*env.ID, map[string]bool{"success": ok})
	r.send(resp, core.ClassConsumer, c.ID, core.Target{Class: core.ClassConsumer, ID: c.ID}, c.peer, core.DirectionDownstream)
}

func (r *Relay) requestReplay(target core.Target, tp *peer) {
	for _, method := range r.ReplayMethods() {
		relayID := r.nextID.Add(1)
		if !r.pending.add(target, relayID, origin{internal: true}) {
			r.logger.Warn("too many commands in flight, skipping replay", "target", target.String(), "method", method)
			return
		}
		if err := r.send(core.Envelope{ID: &relayID, Method: method}, core.ClassConsumer, "relay", target, tp, core.DirectionUpstream); err != nil {
			r.pending.take(target, relayID)
			return
		}
	}
}

func (r *Relay) notifyDetached(from core.Target, consumers []string) {
	if len(consumers) == 0 {
		return
	}
	env, _ := core.NewEvent(DetachedMethod, map[string]string{"reason": "target_closed"})
	data, err := r.codec.Encode(env)
	if err != nil {
		r.logger.Error("encode failed", "method", DetachedMethod, "error", err)
		return
	}
	for _, id := range consumers {
		if c, ok := r.consumers.get(id); ok {
			r.deliver(data, DetachedMethod, from.Class, from.ID, core.ClassConsumer, c.ID, c.peer, core.DirectionDownstream)
		}
	}
}

func (r *Relay) send(env core.Envelope, fromClass core.ConnectionClass, fromID string, to core.Target, tp *peer, dir core.Direction) error {
	data, err := r.codec.Encode(env)
	if err != nil {
		r.logger.Error("encode failed, dropping", "to", to.String(), "method", env.Method, "error", err)
		return err
	}
	return r.deliver(data, env.Method, fromClass, fromID, to.Class, to.ID, tp, dir)
}

func (r *Relay) deliver(data []byte, method string, fromClass core.ConnectionClass, fromID string, toClass core.ConnectionClass, toID string, tp *peer, dir core.Direction) error {
	if err := tp.enqueue(data); err != nil {
		return err
	}
	if !r.packetLog.Enabled() && r.mirror == nil {
		return nil
	}
	pkt := core.Packet{
		ID:        uuid.New().String(),
		Direction: dir.String(),
		FromClass: fromClass.String(),
		FromID:    fromID,
		ToClass:   toClass.String(),
		ToID:      toID,
		Method:    method,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}
	r.packetLog.Log(pkt)
	if r.mirror != nil {
		r.mirror.Mirror(pkt)
	}
	return nil
}

func (r *Relay) Producers() []*Producer { return r.producers.list() }
func (r *Relay) Consumers() []*Consumer { return r.consumers.list() }
func (r *Relay) Bridges() []*Bridge     { return r.bridges.list() }

func (r *Relay) Producer(id string) (*Producer, bool) { return r.producers.get(id) }
func (r *Relay) Bridge(id string) (*Bridge, bool)     { return r.bridges.get(id) }

// ConsumerTarget returns the consumer's current association.
func (r *Relay) ConsumerTarget(consumerID string) (core.Target, bool) {
	return r.routes.Lookup(consumerID)
}

// ConsumerCount counts consumers associated with target.
func (r *Relay) ConsumerCount(target core.Target) int {
	return len(r.routes.Associated(target))
}

// Close drops every connection. The relay is unusable afterwards.
func (r *Relay) Close() {
	for _, p := range r.producers.drain() {
		p.peer.close()
	}
	for _, b := range r.bridges.drain() {
		b.peer.close()
	}
	for _, c := range r.consumers.drain() {
		c.peer.close()
	}
	r.logger.Info("relay closed")
}
