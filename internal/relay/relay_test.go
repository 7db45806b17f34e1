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

package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ohah/chrome-remote-devtools-sub001/internal/logging"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	sent    chan []byte
	closed  chan struct{}
	release chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{sent: make(chan []byte, 64), closed: make(chan struct{})}
}

// newBlockedConn holds every Send until the peer shuts down.
func newBlockedConn() *fakeConn {
	c := newFakeConn()
	c.release = make(chan struct{})
	return c
}

func (f *fakeConn) Send(ctx context.Context, data []byte) error {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case f.sent <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) next(t *testing.T) core.Envelope {
	t.Helper()
	select {
	case data := <-f.sent:
		var env core.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return core.Envelope{}
	}
}

func (f *fakeConn) nextRaw(t *testing.T) string {
	t.Helper()
	select {
	case data := <-f.sent:
		return string(data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return ""
	}
}

func (f *fakeConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case data := <-f.sent:
		t.Fatalf("unexpected message: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

type recordingMirror struct {
	mu      sync.Mutex
	packets []core.Packet
}

func (m *recordingMirror) Mirror(pkt core.Packet) {
	m.mu.Lock()
	m.packets = append(m.packets, pkt)
	m.mu.Unlock()
}

func (m *recordingMirror) snapshot() []core.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Packet(nil), m.packets...)
}

func newTestRelay(t *testing.T, cfg Config) (*Relay, *logging.Recorder) {
	t.Helper()
	rec := logging.NewRecorder()
	logger := rec.Logger()
	r := New(cfg, transport.NewCodec(logger), logger, nil, nil)
	t.Cleanup(r.Close)
	return r, rec
}

// noReplay disables the replay commands so tests see only their own traffic.
var noReplay = Config{ReplayMethods: []string{}}

func event(t *testing.T, method string, params any) core.Envelope {
	t.Helper()
	env, err := core.NewEvent(method, params)
	require.NoError(t, err)
	return env
}

func command(t *testing.T, id int64, method string) core.Envelope {
	t.Helper()
	env, err := core.NewCommand(id, method, nil)
	require.NoError(t, err)
	return env
}

func TestTargetTrafficReachesOnlyAssociatedConsumers(t *testing.T) {
	r, _ := newTestRelay(t, noReplay)

	connA, connB := newFakeConn(), newFakeConn()
	pa := r.RegisterProducer("A", connA, core.ProducerMetadata{Title: "a"})
	pb := r.RegisterProducer("B", connB, core.ProducerMetadata{Title: "b"})

	c1conn, c2conn := newFakeConn(), newFakeConn()
	r.RegisterConsumer("c1", c1conn, "A")
	r.RegisterConsumer("c2", c2conn, "B")

	r.ForwardFromProducer(pa, event(t, "Runtime.consoleAPICalled", map[string]string{"from": "A"}))
	got := c1conn.next(t)
	assert.Equal(t, "Runtime.consoleAPICalled", got.Method)
	assert.JSONEq(t, `{"from":"A"}`, string(got.Params))
	c2conn.expectNothing(t)

	r.ForwardFromProducer(pb, event(t, "Network.requestWillBeSent", nil))
	assert.Equal(t, "Network.requestWillBeSent", c2conn.next(t).Method)
	c1conn.expectNothing(t)
}

func TestCommandIDsAreRewrittenAndResponsesRoutedToIssuer(t *testing.T) {
	r, _ := newTestRelay(t, noReplay)

	prodConn := newFakeConn()
	p := r.RegisterProducer("A", prodConn, core.ProducerMetadata{})

	c1conn, c2conn := newFakeConn(), newFakeConn()
	c1 := r.RegisterConsumer("c1", c1conn, "A")
	c2 := r.RegisterConsumer("c2", c2conn, "A")

	require.NoError(t, r.ForwardFromConsumer(c1, command(t, 1, "Runtime.evaluate")))
	require.NoError(t, r.ForwardFromConsumer(c2, command(t, 1, "Runtime.evaluate")))

	first := prodConn.next(t)
	second := prodConn.next(t)
	require.NotNil(t, first.ID)
	require.NotNil(t, second.ID)
	assert.NotEqual(t, *first.ID, *second.ID)

	resp, err := core.NewResult(*second.ID, map[string]int{"value": 2})
	require.NoError(t, err)
	r.ForwardFromProducer(p, resp)

	got := c2conn.next(t)
	require.NotNil(t, got.ID)
	assert.Equal(t, int64(1), *got.ID)
	assert.JSONEq(t, `{"value":2}`, string(got.Result))
	c1conn.expectNothing(t)

	// A second response with the same id is unknown by now.
	r.ForwardFromProducer(p, resp)
	c2conn.expectNothing(t)
}

func TestAssociationRequestsReplayAndSwallowsReplies(t *testing.T) {
	r, _ := newTestRelay(t, Config{})

	prodConn := newFakeConn()
	p := r.RegisterProducer("A", prodConn, core.ProducerMetadata{})
	consConn := newFakeConn()
	r.RegisterConsumer("c1", consConn, "A")

	var ids []int64
	for _, want := range DefaultReplayMethods {
		env := prodConn.next(t)
		assert.Equal(t, want, env.Method)
		require.NotNil(t, env.ID)
		ids = append(ids, *env.ID)
	}

	for _, id := range ids {
		resp, err := core.NewResult(id, nil)
		require.NoError(t, err)
		r.ForwardFromProducer(p, resp)
	}
	consConn.expectNothing(t)
}

func TestSwitchConsumerTarget(t *testing.T) {
	r, _ := newTestRelay(t, noReplay)

	pa := r.RegisterProducer("A", newFakeConn(), core.ProducerMetadata{})
	pb := r.RegisterProducer("B", newFakeConn(), core.ProducerMetadata{})
	consConn := newFakeConn()
	r.RegisterConsumer("c1", consConn, "A")

	require.NoError(t, r.SwitchConsumerTarget("c1", "B"))
	target, ok := r.ConsumerTarget("c1")
	require.True(t, ok)
	assert.Equal(t, core.Target{Class: core.ClassProducer, ID: "B"}, target)

	r.ForwardFromProducer(pa, event(t, "Page.frameNavigated", nil))
	consConn.expectNothing(t)
	r.ForwardFromProducer(pb, event(t, "Page.frameNavigated", nil))
	assert.Equal(t, "Page.frameNavigated", consConn.next(t).Method)

	assert.ErrorIs(t, r.SwitchConsumerTarget("c1", "missing"), core.ErrTargetNotFound)
	assert.ErrorIs(t, r.SwitchConsumerTarget("nobody", "A"), core.ErrNoRoute)
	target, _ = r.ConsumerTarget("c1")
	assert.Equal(t, "B", target.ID)
}

func TestSwitchTargetCommandIsAnsweredByRelay(t *testing.T) {
	r, _ := newTestRelay(t, noReplay)

	connA := newFakeConn()
	r.RegisterProducer("A", connA, core.ProducerMetadata{})
	r.RegisterProducer("B", newFakeConn(), core.ProducerMetadata{})
	consConn := newFakeConn()
	c := r.RegisterConsumer("c1", consConn, "A")

	cmd, err := core.NewCommand(9, SwitchTargetMethod, map[string]string{"clientId": "B"})
	require.NoError(t, err)
	r.ForwardFromConsumer(c, cmd)

	resp := consConn.next(t)
	require.NotNil(t, resp.ID)
	assert.Equal(t, int64(9), *resp.ID)
	assert.JSONEq(t, `{"success":true}`, string(resp.Result))
	connA.expectNothing(t)

	cmd, err = core.NewCommand(10, SwitchTargetMethod, map[string]string{"clientId": "nope"})
	require.NoError(t, err)
	r.ForwardFromConsumer(c, cmd)
	assert.JSONEq(t, `{"success":false}`, string(consConn.next(t).Result))
}

func TestTargetCloseDetachesConsumers(t *testing.T) {
	r, _ := newTestRelay(t, noReplay)

	prodConn := newFakeConn()
	p := r.RegisterProducer("A", prodConn, core.ProducerMetadata{})
	consConn := newFakeConn()
	c := r.RegisterConsumer("c1", consConn, "A")

	r.UnregisterProducer(p)
	assert.True(t, prodConn.isClosed())

	got := consConn.next(t)
	assert.Equal(t, DetachedMethod, got.Method)
	assert.JSONEq(t, `{"reason":"target_closed"}`, string(got.Params))

	_, ok := r.ConsumerTarget("c1")
	assert.False(t, ok)
	_, ok = r.Producer("A")
	assert.False(t, ok)

	// With no target, consumer traffic goes nowhere.
	err := r.ForwardFromConsumer(c, command(t, 1, "Runtime.enable"))
	assert.ErrorIs(t, err, core.ErrNoRoute)
	assert.True(t, core.IsRoutingError(err))
	consConn.expectNothing(t)
}

func TestReRegistrationReplacesConnection(t *testing.T) {
	r, _ := newTestRelay(t, noReplay)

	oldConn := newFakeConn()
	old := r.RegisterProducer("A", oldConn, core.ProducerMetadata{Title: "old"})
	consConn := newFakeConn()
	r.RegisterConsumer("c1", consConn, "A")

	newConn := newFakeConn()
	fresh := r.RegisterProducer("A", newConn, core.ProducerMetadata{Title: "new"})
	assert.True(t, oldConn.isClosed())

	// The stale connection's teardown must not evict its successor.
	r.UnregisterProducer(old)
	cur, ok := r.Producer("A")
	require.True(t, ok)
	assert.Same(t, fresh, cur)
	assert.Equal(t, "new", cur.Metadata.Title)
	consConn.expectNothing(t)

	r.ForwardFromProducer(old, event(t, "Stale.event", nil))
	consConn.expectNothing(t)
	r.ForwardFromProducer(fresh, event(t, "Fresh.event", nil))
	assert.Equal(t, "Fresh.event", consConn.next(t).Method)
	assert.Len(t, r.Producers(), 1)
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	r, rec := newTestRelay(t, Config{SendQueueSize: 1, ReplayMethods: []string{}})

	p := r.RegisterProducer("A", newFakeConn(), core.ProducerMetadata{})
	slow := newBlockedConn()
	r.RegisterConsumer("slow", slow, "A")
	fast := newFakeConn()
	r.RegisterConsumer("fast", fast, "A")

	events := make([]core.Envelope, 10)
	for i := range events {
		events[i] = event(t, "Log.entryAdded", map[string]int{"n": i})
	}
	done := make(chan struct{})
	go func() {
		for _, env := range events {
			r.ForwardFromProducer(p, env)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarding blocked on a slow consumer")
	}

	for i := 0; i < 10; i++ {
		assert.Equal(t, "Log.entryAdded", fast.next(t).Method)
	}
	rec2, ok := rec.Find(slog.LevelWarn, "send queue full, dropping message")
	require.True(t, ok)
	assert.Equal(t, "slow", rec2.Attrs["peer_id"])
}

func TestBridgeTrafficReachesCorrelatedProducerConsumers(t *testing.T) {
	r, _ := newTestRelay(t, noReplay)

	p := r.RegisterProducer("A", newFakeConn(), core.ProducerMetadata{})
	bridgeConn := newFakeConn()
	b := r.RegisterBridge("rn-1", bridgeConn, core.BridgeMetadata{DeviceName: "Pixel"}, "A")

	webConsumer := newFakeConn()
	r.RegisterConsumer("web", webConsumer, "A")
	bridgeConsumer := newFakeConn()
	bc := r.RegisterConsumer("native", bridgeConsumer, "rn-1")

	target, ok := r.ConsumerTarget("native")
	require.True(t, ok)
	assert.Equal(t, core.ClassBridge, target.Class)

	r.ForwardFromBridge(b, event(t, "Redux.message", nil))
	assert.Equal(t, "Redux.message", webConsumer.next(t).Method)
	assert.Equal(t, "Redux.message", bridgeConsumer.next(t).Method)

	require.NoError(t, r.ForwardFromConsumer(bc, command(t, 3, "Profiler.start")))
	got := bridgeConn.next(t)
	assert.Equal(t, "Profiler.start", got.Method)

	r.UnregisterProducer(p)
	assert.Equal(t, "", b.ProducerID())
	assert.Equal(t, DetachedMethod, webConsumer.next(t).Method)

	r.ForwardFromBridge(b, event(t, "Redux.message", nil))
	assert.Equal(t, "Redux.message", bridgeConsumer.next(t).Method)
	webConsumer.expectNothing(t)
}

func TestProducerPreferredOverBridgeWithSameID(t *testing.T) {
	r, _ := newTestRelay(t, noReplay)

	r.RegisterBridge("dup", newFakeConn(), core.BridgeMetadata{}, "")
	r.RegisterProducer("dup", newFakeConn(), core.ProducerMetadata{})
	r.RegisterConsumer("c1", newFakeConn(), "dup")

	target, ok := r.ConsumerTarget("c1")
	require.True(t, ok)
	assert.Equal(t, core.ClassProducer, target.Class)
}

func TestDeliveredTrafficIsMirrored(t *testing.T) {
	rec := logging.NewRecorder()
	mirror := &recordingMirror{}
	r := New(noReplay, transport.NewCodec(rec.Logger()), rec.Logger(), nil, mirror)
	t.Cleanup(r.Close)

	prodConn := newFakeConn()
	p := r.RegisterProducer("A", prodConn, core.ProducerMetadata{})
	consConn := newFakeConn()
	c := r.RegisterConsumer("c1", consConn, "A")

	require.NoError(t, r.ForwardFromConsumer(c, command(t, 5, "DOM.getDocument")))
	prodConn.next(t)
	r.ForwardFromProducer(p, event(t, "DOM.documentUpdated", nil))
	consConn.next(t)

	packets := mirror.snapshot()
	require.Len(t, packets, 2)
	assert.Equal(t, "upstream", packets[0].Direction)
	assert.Equal(t, "devtools", packets[0].FromClass)
	assert.Equal(t, "c1", packets[0].FromID)
	assert.Equal(t, "client", packets[0].ToClass)
	assert.Equal(t, "DOM.getDocument", packets[0].Method)
	assert.Equal(t, "downstream", packets[1].Direction)
	assert.Equal(t, "DOM.documentUpdated", packets[1].Method)
	assert.NotEmpty(t, packets[1].Payload)
}

func TestUnregisterConsumerDropsItsPendingCommands(t *testing.T) {
	r, _ := newTestRelay(t, noReplay)

	prodConn := newFakeConn()
	p := r.RegisterProducer("A", prodConn, core.ProducerMetadata{})
	c := r.RegisterConsumer("c1", newFakeConn(), "A")

	require.NoError(t, r.ForwardFromConsumer(c, command(t, 1, "Runtime.evaluate")))
	sent := prodConn.next(t)
	target := core.Target{Class: core.ClassProducer, ID: "A"}
	assert.Equal(t, 1, r.pending.count(target))

	r.UnregisterConsumer(c)
	assert.Equal(t, 0, r.pending.count(target))

	resp, err := core.NewResult(*sent.ID, nil)
	require.NoError(t, err)
	r.ForwardFromProducer(p, resp)
	assert.Empty(t, r.Consumers())
}

func TestPendingLimit(t *testing.T) {
	pc := newPendingCommands(2)
	target := core.Target{Class: core.ClassProducer, ID: "A"}

	assert.True(t, pc.add(target, 1, origin{consumerID: "c1", id: 1}))
	assert.True(t, pc.add(target, 2, origin{consumerID: "c2", id: 1}))
	assert.False(t, pc.add(target, 3, origin{consumerID: "c1", id: 2}))

	o, ok := pc.take(target, 2)
	require.True(t, ok)
	assert.Equal(t, "c2", o.consumerID)
	assert.True(t, pc.add(target, 3, origin{consumerID: "c1", id: 2}))
	assert.Equal(t, 2, pc.dropTarget(target))
	assert.Equal(t, 0, pc.count(target))
}

func TestCommandsBeyondPendingLimitAreRejected(t *testing.T) {
	r, _ := newTestRelay(t, Config{PendingLimit: 1, ReplayMethods: []string{}})

	prodConn := newFakeConn()
	r.RegisterProducer("A", prodConn, core.ProducerMetadata{})
	c := r.RegisterConsumer("c1", newFakeConn(), "A")

	require.NoError(t, r.ForwardFromConsumer(c, command(t, 1, "Debugger.enable")))
	err := r.ForwardFromConsumer(c, command(t, 2, "Debugger.pause"))
	assert.ErrorIs(t, err, core.ErrQueueFull)
	assert.True(t, core.IsTransportError(err))

	// Events carry no id and are not limited.
	require.NoError(t, r.ForwardFromConsumer(c, event(t, "Overlay.highlight", nil)))
	assert.Equal(t, "Debugger.enable", prodConn.next(t).Method)
	assert.Equal(t, "Overlay.highlight", prodConn.next(t).Method)
}

func TestUnmodeledFieldsAreCarriedThrough(t *testing.T) {
	r, _ := newTestRelay(t, noReplay)

	prodConn, consConn := newFakeConn(), newFakeConn()
	p := r.RegisterProducer("A", prodConn, core.ProducerMetadata{})
	c := r.RegisterConsumer("c1", consConn, "A")

	evt, err := r.codec.Decode(`{"method":"Runtime.consoleAPICalled","params":{"a":1},"sessionId":"S1"}`)
	require.NoError(t, err)
	r.ForwardFromProducer(p, evt)
	assert.Equal(t, `{"method":"Runtime.consoleAPICalled","params":{"a":1},"sessionId":"S1"}`, consConn.nextRaw(t))

	cmd, err := r.codec.Decode(`{"id":1,"method":"Runtime.evaluate","sessionId":"S1"}`)
	require.NoError(t, err)
	require.NoError(t, r.ForwardFromConsumer(c, cmd))
	sent := prodConn.next(t)
	require.NotNil(t, sent.ID)
	assert.JSONEq(t, `"S1"`, string(sent.Extra["sessionId"]))

	resp := core.Envelope{ID: sent.ID, Error: &core.ProtocolError{Code: 1, Message: "m", Data: json.RawMessage(`{}`)}}
	r.ForwardFromProducer(p, resp)
	assert.Equal(t, `{"id":1,"error":{"code":1,"message":"m","data":{}}}`, consConn.nextRaw(t))
}

func TestConcurrentSwitchesLeaveLiveTarget(t *testing.T) {
	r, _ := newTestRelay(t, noReplay)

	r.RegisterProducer("A", newFakeConn(), core.ProducerMetadata{})
	b := r.RegisterProducer("B", newFakeConn(), core.ProducerMetadata{})
	r.RegisterProducer("C", newFakeConn(), core.ProducerMetadata{})
	r.RegisterConsumer("c1", newFakeConn(), "A")

	targets := []string{"A", "B", "C"}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				err := r.SwitchConsumerTarget("c1", targets[(g+i)%len(targets)])
				if err != nil {
					assert.ErrorIs(t, err, core.ErrTargetNotFound)
				}
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(time.Millisecond)
		r.UnregisterProducer(b)
	}()
	wg.Wait()

	_, ok := r.Producer("B")
	require.False(t, ok)
	if target, ok := r.ConsumerTarget("c1"); ok {
		assert.Equal(t, core.ClassProducer, target.Class)
		_, live := r.Producer(target.ID)
		assert.True(t, live, "consumer left on dead target %s", target)
	}

	// A final switch always lands on a live target.
	require.NoError(t, r.SwitchConsumerTarget("c1", "C"))
	target, ok := r.ConsumerTarget("c1")
	require.True(t, ok)
	assert.Equal(t, "C", target.ID)
}
