package api

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/mrs-core/internal/audit"
	"github.com/nerrad567/mrs-core/internal/board"
	"github.com/nerrad567/mrs-core/internal/infrastructure/config"
	"github.com/nerrad567/mrs-core/internal/infrastructure/logging"
)

// Broadcast channels.
const (
	ChannelTaskEvent   = "task.event"
	ChannelBankChanged = "bank.changed"
)

// Hub fans committed task events and bank board changes out to WebSocket
// clients. It is the engine's Listener: the engine calls it after each
// commit, so it never blocks. A client whose buffer is full is evicted
// rather than slowing the engine down.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}

	evicted atomic.Uint64
}

// NewHub creates a hub with no clients.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// TaskEvent publishes a committed event log entry on task.event.
func (h *Hub) TaskEvent(entry audit.Entry) {
	h.publish(ChannelTaskEvent, "", entry)
}

// BankChanged publishes a bank board snapshot on bank.changed.
func (h *Hub) BankChanged(snap board.Snapshot) {
	h.publish(ChannelBankChanged, snap.Bank, snap)
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "actor", c.actor, "clients", n)
}

// Unregister removes a client and closes it. Safe to call more than once.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	h.logger.Debug("websocket client disconnected", "actor", c.actor, "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Evicted returns how many clients were dropped for falling behind.
func (h *Hub) Evicted() uint64 {
	return h.evicted.Load()
}

func (h *Hub) publish(channel, bank string, payload any) {
	data, err := encodeEvent(channel, payload)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		if c.wants(channel, bank) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.enqueue(data) == enqueueFull {
			h.evicted.Add(1)
			h.logger.Warn("evicting slow websocket client", "actor", c.actor, "channel", channel)
			h.Unregister(c)
		}
	}
}

func encodeEvent(channel string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}
