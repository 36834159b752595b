// Package realtime delivers websocket notifications to connected users.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"medinotify/internal/common"
	"medinotify/internal/domain/delivery"
	"medinotify/internal/domain/template"
)

// ProviderName is reported on delivery records sent through the hub.
const ProviderName = "websocket"

var _ delivery.Transport = (*Hub)(nil)

type client struct {
	conn   net.Conn
	userID string
	mu     sync.Mutex // serializes writes
}

func (c *client) write(data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return wsutil.WriteServerText(c.conn, data)
}

// Hub tracks the open websocket connections of each user and fans
// notifications out to all of them.
type Hub struct {
	mu           sync.RWMutex
	clients      map[string]map[*client]struct{}
	writeTimeout time.Duration
	now          func() time.Time
}

// NewHub creates an empty hub.
func NewHub(writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Hub{
		clients:      make(map[string]map[*client]struct{}),
		writeTimeout: writeTimeout,
		now:          time.Now,
	}
}

// ServeHTTP upgrades GET /ws?user_id= and keeps the connection registered
// until the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		slog.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	c := &client{conn: conn, userID: userID}
	h.register(c)
	go h.readLoop(c)
}

// readLoop drains client frames; control frames are answered by wsutil.
func (h *Hub) readLoop(c *client) {
	defer h.unregister(c)
	for {
		if _, _, err := wsutil.ReadClientData(c.conn); err != nil {
			slog.Debug("websocket client gone", "user_id", c.userID, "error", err)
			return
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	slog.Info("websocket client connected", "user_id", c.userID, "connections", len(set))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

// Connections returns the number of open connections for userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Channel returns the websocket channel identifier.
func (h *Hub) Channel() template.Channel {
	return template.ChannelWebSocket
}

// Send writes the notification envelope to every connection of the user.
// A user with no reachable connection is a permanent failure.
func (h *Hub) Send(ctx context.Context, to string, content *template.RenderedContent) (*delivery.SendResult, error) {
	env := h.envelope(content)
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshaling realtime envelope: %w", err)
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[to]))
	for c := range h.clients[to] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if ctx.Err() != nil {
			break
		}
		if err := c.write(data, h.writeTimeout); err != nil {
			slog.Warn("websocket write failed", "user_id", to, "error", err)
			h.unregister(c)
			continue
		}
		delivered++
	}

	if delivered == 0 {
		if ctx.Err() != nil {
			return nil, delivery.Classify(ProviderName, ctx.Err())
		}
		return nil, common.NewPermanentTransportError(ProviderName, "offline", "recipient offline")
	}
	return &delivery.SendResult{MessageID: env.ID, Provider: ProviderName}, nil
}

func (h *Hub) envelope(content *template.RenderedContent) *template.RealtimeEnvelope {
	if content.Envelope != nil {
		return content.Envelope
	}
	return &template.RealtimeEnvelope{
		ID:        uuid.NewString(),
		Title:     content.Title,
		Body:      content.Body,
		Actions:   content.Actions,
		Priority:  "normal",
		Timestamp: h.now().UTC(),
	}
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		_ = c.conn.Close()
	}
}
