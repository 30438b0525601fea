package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/mrs-core/internal/board"
	"github.com/nerrad567/mrs-core/internal/infrastructure/config"
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
)

const (
	wsSendBufferSize = 256

	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// WSMessage is the envelope for every message sent to a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsRequest is a message received from a client.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe.
//
// Banks narrows bank.changed to the listed bank codes; empty means every
// bank. Task events are not filtered.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Banks    []string `json:"banks,omitempty"`
}

type enqueueResult int

const (
	enqueued enqueueResult = iota
	enqueueClosed
	enqueueFull
)

// WSClient is one connected WebSocket client.
type WSClient struct {
	hub   *Hub
	conn  *websocket.Conn // nil in hub tests
	send  chan []byte
	done  chan struct{}
	once  sync.Once
	actor string

	mu       sync.RWMutex
	channels map[string]struct{}
	banks    map[string]struct{}
}

func newWSClient(hub *Hub, conn *websocket.Conn, actor string) *WSClient {
	return &WSClient{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		done:     make(chan struct{}),
		actor:    actor,
		channels: make(map[string]struct{}),
		banks:    make(map[string]struct{}),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the connection. The client authenticates with a
// single-use ticket from POST /api/v1/ws-ticket, since browsers cannot set
// headers on a WebSocket handshake.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	actor, ok := s.tickets.consume(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err, "actor", actor)
		return
	}

	c := newWSClient(s.hub, conn, actor)
	s.hub.Register(c)

	go c.writePump(s.wsCfg)
	go c.readPump(s.wsCfg, s.engine.Board())
}

func pingInterval(cfg config.WebSocketConfig) time.Duration {
	if cfg.PingInterval <= 0 {
		return defaultPingInterval
	}
	return time.Duration(cfg.PingInterval) * time.Second
}

func pongTimeout(cfg config.WebSocketConfig) time.Duration {
	if cfg.PongTimeout <= 0 {
		return defaultPongTimeout
	}
	return time.Duration(cfg.PongTimeout) * time.Second
}

// close signals the write pump, which sends a close frame and closes the
// connection. That in turn ends the read pump.
func (c *WSClient) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue never blocks.
func (c *WSClient) enqueue(data []byte) enqueueResult {
	select {
	case <-c.done:
		return enqueueClosed
	default:
	}
	select {
	case c.send <- data:
		return enqueued
	default:
		return enqueueFull
	}
}

func (c *WSClient) readPump(cfg config.WebSocketConfig, b *board.Board) {
	defer c.hub.Unregister(c)

	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	deadline := pingInterval(cfg) + pongTimeout(cfg)
	extend := func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	}
	extend("") //nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "actor", c.actor, "error", err)
			}
			return
		}
		extend("") //nolint:errcheck // as above
		c.handle(data, b)
	}
}

func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(pingInterval(cfg))
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	writeWait := pongTimeout(cfg)

	write := func(kind int, data []byte) bool {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write reports it
		return c.conn.WriteMessage(kind, data) == nil
	}

	for {
		select {
		case <-c.done:
			write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			if !write(websocket.TextMessage, data) {
				c.hub.Unregister(c)
				return
			}
		case <-ticker.C:
			if !write(websocket.PingMessage, nil) {
				c.hub.Unregister(c)
				return
			}
		}
	}
}

func (c *WSClient) handle(data []byte, b *board.Board) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("", WSTypeError, map[string]string{"message": "invalid JSON message"})
		return
	}

	switch req.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sub WSSubscribePayload
		if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &sub) != nil {
			c.reply(req.ID, WSTypeError, map[string]string{"message": "invalid " + req.Type + " payload"})
			return
		}
		if req.Type == WSTypeSubscribe {
			c.subscribe(req.ID, sub, b)
		} else {
			c.unsubscribe(req.ID, sub)
		}
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.reply(req.ID, WSTypeError, map[string]string{"message": "unknown message type: " + req.Type})
	}
}

// subscribe adds channels and bank filters. Subscribing to bank.changed
// replays the current board so a display starts populated.
func (c *WSClient) subscribe(id string, sub WSSubscribePayload, b *board.Board) {
	c.mu.Lock()
	for _, ch := range sub.Channels {
		c.channels[ch] = struct{}{}
	}
	for _, bank := range sub.Banks {
		if bank = strings.TrimSpace(bank); bank != "" {
			c.banks[bank] = struct{}{}
		}
	}
	c.mu.Unlock()

	c.reply(id, WSTypeResponse, map[string]any{"subscribed": sub.Channels, "banks": sub.Banks})

	if b == nil || !c.wants(ChannelBankChanged, "") {
		return
	}
	for _, snap := range b.All() {
		if !c.wants(ChannelBankChanged, snap.Bank) {
			continue
		}
		if data, err := encodeEvent(ChannelBankChanged, snap); err == nil {
			c.enqueue(data)
		}
	}
}

func (c *WSClient) unsubscribe(id string, sub WSSubscribePayload) {
	c.mu.Lock()
	for _, ch := range sub.Channels {
		delete(c.channels, ch)
	}
	for _, bank := range sub.Banks {
		delete(c.banks, strings.TrimSpace(bank))
	}
	c.mu.Unlock()

	c.reply(id, WSTypeResponse, map[string]any{"unsubscribed": sub.Channels})
}

// wants reports whether the client subscribed to channel and, if it set
// bank filters, whether bank is among them. Messages without a bank pass.
func (c *WSClient) wants(channel, bank string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.channels[channel]; !ok {
		return false
	}
	if bank == "" || len(c.banks) == 0 {
		return true
	}
	_, ok := c.banks[bank]
	return ok
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err == nil {
		c.enqueue(data)
	}
}
