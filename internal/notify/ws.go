package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xtrntr/matchbook/internal/logging"
)

// ErrForbiddenChannel is returned when a client asks for another user's
// private channel
var ErrForbiddenChannel = errors.New("channel not allowed")

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type wsClient struct {
	conn     *websocket.Conn
	mu       sync.Mutex
	channels map[string]struct{}
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WSHub is a Sink pushing envelopes to websocket clients subscribed to the
// envelope's channel
type WSHub struct {
	log *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func NewWSHub(log *logging.Logger) *WSHub {
	return &WSHub{
		log:     log.Named("ws"),
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *WSHub) Name() string { return "ws" }

// Authorize checks that userID may subscribe to every channel
func (h *WSHub) Authorize(userID int64, channels []string) error {
	if len(channels) == 0 {
		return fmt.Errorf("%w: no channel requested", ErrForbiddenChannel)
	}
	for _, ch := range channels {
		if owner, private := ParseUserChannel(ch); private && owner != userID {
			return fmt.Errorf("%w: %s", ErrForbiddenChannel, ch)
		}
	}
	return nil
}

// Serve upgrades the request and keeps the client subscribed to channels
// until the connection drops. onJoin, when set, runs once the client is
// registered.
func (h *WSHub) Serve(w http.ResponseWriter, r *http.Request, userID int64, channels []string, onJoin func()) error {
	if err := h.Authorize(userID, channels); err != nil {
		return err
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	client := &wsClient{conn: conn, channels: make(map[string]struct{}, len(channels))}
	for _, ch := range channels {
		client.channels[ch] = struct{}{}
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("client subscribed", zap.Int64("user_id", userID), zap.Strings("channels", channels))

	if onJoin != nil {
		onJoin()
	}

	// Keep connection alive and handle disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(client)
			return nil
		}
	}
}

// Send writes env to every client subscribed to its channel. Clients that
// fail the write are disconnected.
func (h *WSHub) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	h.mu.RLock()
	var targets []*wsClient
	for c := range h.clients {
		if _, ok := c.channels[env.Channel]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(data); err != nil {
			h.log.Debug("failed to send message", zap.Error(err))
			h.remove(c)
		}
	}
	return nil
}

// Broadcast sends payload as event on channel outside the dispatcher
func (h *WSHub) Broadcast(ctx context.Context, event, channel string, payload any) error {
	env, err := NewEnvelope(event, channel, payload, time.Now())
	if err != nil {
		return err
	}
	return h.Send(ctx, env)
}

// Clients returns the number of connected clients
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Channels returns the distinct channels with at least one subscriber
func (h *WSHub) Channels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for c := range h.clients {
		for ch := range c.channels {
			if _, ok := seen[ch]; !ok {
				seen[ch] = struct{}{}
				out = append(out, ch)
			}
		}
	}
	return out
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

// Close disconnects every client
func (h *WSHub) Close() error {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.conn.Close()
	}
	return nil
}
