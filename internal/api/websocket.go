package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/espbridge/internal/infrastructure/config"
	"github.com/nerrad567/espbridge/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound queue; a client that falls
	// this far behind misses notifications.
	wsSendBufferSize = 256
)

// WSMessage is a frame exchanged with a WebSocket client.
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// WSSubscribePayload names channels to add or drop. "*" matches every
// channel and "device.*" every channel under device.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// Hub fans engine notifications out to WebSocket clients. It satisfies
// bridge.Notifier.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// WSClient is one connected operator.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger.With("component", "ws"),
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client. Only the caller that removes it closes its
// send queue.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		close(c.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// Broadcast sends payload to every client subscribed to channel. It never
// blocks on a slow client.
func (h *Hub) Broadcast(channel string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("encoding broadcast payload", "channel", channel, "error", err)
		return
	}
	frame, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   body,
	})
	if err != nil {
		h.logger.Error("encoding broadcast", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.wants(channel) {
			c.trySend(frame)
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "recipients", sent)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
		delete(h.clients, c)
	}
}

func newWSClient(h *Hub, conn *websocket.Conn) *WSClient {
	return &WSClient{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
}

// handleWebSocket upgrades the connection and attaches it to the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newWSClient(s.hub, conn)
	s.hub.Register(c)
	go c.writePump()
	go c.readPump()
}

func (c *WSClient) timeouts() (ping, pong time.Duration) {
	return config.Seconds(c.hub.cfg.PingInterval), config.Seconds(c.hub.cfg.PongTimeout)
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	ping, pong := c.timeouts()
	if c.hub.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(c.hub.cfg.MaxMessageSize))
	}
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(ping + pong)) }
	extend() //nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Browsers may not answer protocol pings; any frame keeps the
		// connection alive.
		extend() //nolint:errcheck // a failed deadline surfaces as a read error
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump() {
	ping, pong := c.timeouts()
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(pong)) //nolint:errcheck // write error caught below
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(pong)) //nolint:errcheck // write error caught below
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sub WSSubscribePayload
		if len(msg.Payload) == 0 || json.Unmarshal(msg.Payload, &sub) != nil {
			c.sendError(msg.ID, "invalid "+msg.Type+" payload")
			return
		}
		c.updateSubscriptions(msg.Type == WSTypeSubscribe, sub.Channels)
		key := "subscribed"
		if msg.Type == WSTypeUnsubscribe {
			key = "unsubscribed"
		}
		c.reply(msg.ID, WSTypeResponse, map[string]any{key: sub.Channels})
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) updateSubscriptions(add bool, channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		if add {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
}

// wants reports whether the client subscribed to channel directly, by its
// prefix wildcard or with "*".
func (c *WSClient) wants(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.subscriptions[channel]; ok {
		return true
	}
	if _, ok := c.subscriptions["*"]; ok {
		return true
	}
	if i := strings.IndexByte(channel, '.'); i > 0 {
		_, ok := c.subscriptions[channel[:i]+".*"]
		return ok
	}
	return false
}

// trySend queues a frame, dropping it when the client is slow or already
// gone.
func (c *WSClient) trySend(frame []byte) {
	defer func() {
		recover() //nolint:errcheck // send on a queue closed by Unregister
	}()
	select {
	case c.send <- frame:
	default:
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return
		}
		msg.Payload = body
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(frame)
}

func (c *WSClient) sendError(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}
