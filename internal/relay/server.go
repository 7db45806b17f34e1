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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/core"
	"github.com/ohah/chrome-remote-devtools-sub001/pkg/transport"
)

const (
	ProducerPath = "/remote/debug/client/:id"
	ConsumerPath = "/remote/debug/devtools/:id"
	BridgePath   = "/remote/debug/react-native/:id"

	stubClientScript = "console.warn('[devtools-relay] client script is not built; run the client build first');\n"
)

type ServerConfig struct {
	Host         string
	Port         int
	ClientScript string
	WriteTimeout time.Duration
	ReadLimit    int64
}

// Server exposes the relay over websockets plus a read-only HTTP
// inspection surface.
type Server struct {
	cfg      ServerConfig
	relay    *Relay
	codec    *transport.Codec
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   *gin.Engine
	server   *http.Server
}

func NewServer(cfg ServerConfig, relay *Relay, codec *transport.Codec, logger *slog.Logger) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		relay:  relay,
		codec:  codec,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router = s.newRouter()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) newRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.accessLog())

	router.GET(ProducerPath, s.handleProducer)
	router.GET(ConsumerPath, s.handleConsumer)
	router.GET(BridgePath, s.handleBridge)

	router.GET("/json", s.listProducers)
	router.GET("/json/list", s.listProducers)
	router.GET("/json/clients", s.listClients)
	router.GET("/json/client/:id", s.getClient)
	router.GET("/json/inspectors", s.listInspectors)
	router.POST("/json/inspectors/:id/switch", s.switchInspector)
	router.GET("/client.js", s.clientScript)
	return router
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("relay server shutdown", "error", err)
		}
	}()

	s.logger.Info("relay server starting", "addr", addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// wsConn adapts a gorilla connection to core.Conn.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (w *wsConn) Send(_ context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return fmt.Errorf("%w: %w", core.ErrConnectionClosed, err)
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %w", core.ErrConnectionClosed, err)
	}
	return nil
}

func (w *wsConn) Close() error { return w.conn.Close() }

func (s *Server) upgrade(c *gin.Context) (*websocket.Conn, *wsConn, bool) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", "path", c.FullPath(), "error", err)
		return nil, nil, false
	}
	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}
	return conn, &wsConn{conn: conn, writeTimeout: s.cfg.WriteTimeout}, true
}

// readLoop decodes frames until the connection fails. A malformed frame is
// logged and skipped.
func (s *Server) readLoop(conn *websocket.Conn, class core.ConnectionClass, id string, forward func(core.Envelope)) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("ws read error", "class", class.String(), "id", id, "error", err)
			}
			return
		}
		env, err := s.codec.Decode(payload)
		if err != nil {
			s.logger.Warn("dropping malformed message", "class", class.String(), "id", id, "error", err)
			continue
		}
		forward(env)
	}
}

func (s *Server) handleProducer(c *gin.Context) {
	id := core.ResolveConnectionID(c.Request, c.Param("id"))
	md := core.ProducerMetadata{
		URL:        c.Query("url"),
		Title:      c.Query("title"),
		UserAgent:  c.Query("ua"),
		ClientTime: c.Query("time"),
		AppName:    c.Query("appName"),
		Platform:   c.Query("platform"),
	}
	conn, wc, ok := s.upgrade(c)
	if !ok {
		return
	}
	p := s.relay.RegisterProducer(id, wc, md)
	defer s.relay.UnregisterProducer(p)

	s.readLoop(conn, core.ClassProducer, id, func(env core.Envelope) {
		s.relay.ForwardFromProducer(p, env)
	})
}

func (s *Server) handleConsumer(c *gin.Context) {
	id := core.ResolveConnectionID(c.Request, c.Param("id"))
	initial := c.Query("clientId")
	conn, wc, ok := s.upgrade(c)
	if !ok {
		return
	}
	consumer := s.relay.RegisterConsumer(id, wc, initial)
	defer s.relay.UnregisterConsumer(consumer)

	s.readLoop(conn, core.ClassConsumer, id, func(env core.Envelope) {
		if err := s.relay.ForwardFromConsumer(consumer, env); err != nil {
			s.logger.Debug("consumer message not forwarded",
				"consumer_id", id,
				"method", env.Method,
				"routing", core.IsRoutingError(err),
				"error", err,
			)
		}
	})
}

func (s *Server) handleBridge(c *gin.Context) {
	id := core.ResolveConnectionID(c.Request, c.Param("id"))
	profiling, _ := strconv.ParseBool(c.Query("profiling"))
	md := core.BridgeMetadata{
		DeviceName: c.Query("deviceName"),
		AppName:    c.Query("appName"),
		DeviceID:   c.Query("deviceId"),
		Profiling:  profiling,
	}
	conn, wc, ok := s.upgrade(c)
	if !ok {
		return
	}
	b := s.relay.RegisterBridge(id, wc, md, c.Query("clientId"))
	defer s.relay.UnregisterBridge(b)

	s.readLoop(conn, core.ClassBridge, id, func(env core.Envelope) {
		s.relay.ForwardFromBridge(b, env)
	})
}

type clientSummary struct {
	ID                   string    `json:"id"`
	Type                 string    `json:"type"`
	Title                string    `json:"title,omitempty"`
	URL                  string    `json:"url,omitempty"`
	UserAgent            string    `json:"ua,omitempty"`
	ClientTime           string    `json:"time,omitempty"`
	AppName              string    `json:"appName,omitempty"`
	Platform             string    `json:"platform,omitempty"`
	DeviceName           string    `json:"deviceName,omitempty"`
	DeviceID             string    `json:"deviceId,omitempty"`
	Profiling            bool      `json:"profiling,omitempty"`
	ProducerID           string    `json:"clientId,omitempty"`
	ConnectedAt          time.Time `json:"connectedAt"`
	Inspectors           int       `json:"inspectors"`
	WebSocketDebuggerURL string    `json:"webSocketDebuggerUrl"`
}

type inspectorSummary struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"clientId,omitempty"`
	ClientType  string    `json:"clientType,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

const (
	clientTypeWeb    = "web"
	clientTypeBridge = "react-native"
)

func (s *Server) debuggerURL(c *gin.Context, targetID string) string {
	return fmt.Sprintf("ws://%s/remote/debug/devtools/%s?clientId=%s", c.Request.Host, uuid.New().String(), url.QueryEscape(targetID))
}

func (s *Server) producerSummary(c *gin.Context, p *Producer) clientSummary {
	return clientSummary{
		ID:                   p.ID,
		Type:                 clientTypeWeb,
		Title:                p.Metadata.Title,
		URL:                  p.Metadata.URL,
		UserAgent:            p.Metadata.UserAgent,
		ClientTime:           p.Metadata.ClientTime,
		AppName:              p.Metadata.AppName,
		Platform:             p.Metadata.Platform,
		ConnectedAt:          p.Metadata.ConnectedAt,
		Inspectors:           s.relay.ConsumerCount(core.Target{Class: core.ClassProducer, ID: p.ID}),
		WebSocketDebuggerURL: s.debuggerURL(c, p.ID),
	}
}

func (s *Server) bridgeSummary(c *gin.Context, b *Bridge) clientSummary {
	return clientSummary{
		ID:                   b.ID,
		Type:                 clientTypeBridge,
		AppName:              b.Metadata.AppName,
		DeviceName:           b.Metadata.DeviceName,
		DeviceID:             b.Metadata.DeviceID,
		Profiling:            b.Metadata.Profiling,
		ProducerID:           b.ProducerID(),
		ConnectedAt:          b.Metadata.ConnectedAt,
		Inspectors:           s.relay.ConsumerCount(core.Target{Class: core.ClassBridge, ID: b.ID}),
		WebSocketDebuggerURL: s.debuggerURL(c, b.ID),
	}
}

func (s *Server) listProducers(c *gin.Context) {
	producers := s.relay.Producers()
	out := make([]clientSummary, 0, len(producers))
	for _, p := range producers {
		out = append(out, s.producerSummary(c, p))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listClients(c *gin.Context) {
	producers := s.relay.Producers()
	bridges := s.relay.Bridges()
	out := make([]clientSummary, 0, len(producers)+len(bridges))
	for _, p := range producers {
		out = append(out, s.producerSummary(c, p))
	}
	for _, b := range bridges {
		out = append(out, s.bridgeSummary(c, b))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getClient(c *gin.Context) {
	id := c.Param("id")
	if p, ok := s.relay.Producer(id); ok {
		c.JSON(http.StatusOK, s.producerSummary(c, p))
		return
	}
	if b, ok := s.relay.Bridge(id); ok {
		c.JSON(http.StatusOK, s.bridgeSummary(c, b))
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "client not found", "id": id})
}

func (s *Server) listInspectors(c *gin.Context) {
	consumers := s.relay.Consumers()
	out := make([]inspectorSummary, 0, len(consumers))
	for _, consumer := range consumers {
		sum := inspectorSummary{ID: consumer.ID, ConnectedAt: consumer.ConnectedAt}
		if t, ok := s.relay.ConsumerTarget(consumer.ID); ok {
			sum.ClientID = t.ID
			sum.ClientType = clientTypeWeb
			if t.Class == core.ClassBridge {
				sum.ClientType = clientTypeBridge
			}
		}
		out = append(out, sum)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) switchInspector(c *gin.Context) {
	target := c.Query("clientId")
	if target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "clientId is required"})
		return
	}
	if err := s.relay.SwitchConsumerTarget(c.Param("id"), target); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) clientScript(c *gin.Context) {
	data, err := os.ReadFile(s.cfg.ClientScript)
	if err != nil {
		s.logger.Warn("client script unavailable, serving stub", "path", s.cfg.ClientScript, "error", err)
		data = []byte(stubClientScript)
	}
	c.Data(http.StatusOK, "application/javascript; charset=utf-8", data)
}
