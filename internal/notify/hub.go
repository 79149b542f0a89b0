// Package notify pushes committed ledger events to websocket clients.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/solace-ledger/solace/internal/ledger"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
	sendBuffer  = 64
	maxReadSize = 4096
)

// Envelope is the frame exchanged with clients.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// HandlerFunc handles one inbound envelope for a client.
type HandlerFunc func(ctx context.Context, c *Client, data json.RawMessage) error

// ErrUnknownType indicates an inbound envelope without a handler.
var ErrUnknownType = errors.New("notify: unknown message type")

// Hub fans ledger events out to connected clients.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	handlers map[string]HandlerFunc
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHub constructs a hub with the ping and subscribe handlers installed.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:  make(map[*Client]struct{}),
		handlers: make(map[string]HandlerFunc),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With(slog.String("component", "notify")),
	}
	h.Handle("ping", func(_ context.Context, c *Client, _ json.RawMessage) error {
		return c.Send("pong", map[string]int64{"ts": time.Now().UnixMilli()})
	})
	h.Handle("subscribe", func(_ context.Context, c *Client, data json.RawMessage) error {
		var req struct {
			Kinds []ledger.EventKind `json:"kinds"`
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &req); err != nil {
				return err
			}
		}
		c.subscribe(req.Kinds)
		return c.Send("subscribed", req)
	})
	return h
}

// Handle registers fn for envelopes of type typ.
func (h *Hub) Handle(typ string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[typ] = fn
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish implements ledger.Publisher. It never blocks: clients whose buffer
// is full miss the events.
func (h *Hub) Publish(events []ledger.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ev := range events {
		frame, err := encode("event", ev)
		if err != nil {
			h.logger.Error("encode event", slog.Any("error", err))
			continue
		}
		for c := range h.clients {
			if !c.wants(ev.Kind) {
				continue
			}
			select {
			case c.send <- frame:
			default:
				h.logger.Warn("client send buffer full", slog.String("client", c.id))
			}
		}
	}
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	c := &Client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("client connected", slog.String("client", c.id), slog.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	go c.writeLoop(ctx)
	h.readLoop(ctx, c)
	cancel()

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = conn.Close()
	h.logger.Info("client disconnected", slog.String("client", c.id))
}

func (h *Hub) readLoop(ctx context.Context, c *Client) {
	c.conn.SetReadLimit(maxReadSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read", slog.String("client", c.id), slog.Any("error", err))
			}
			return
		}
		h.mu.RLock()
		fn, ok := h.handlers[env.Type]
		h.mu.RUnlock()
		if !ok {
			_ = c.Send("error", map[string]string{"error": ErrUnknownType.Error(), "type": env.Type})
			continue
		}
		if err := fn(ctx, c, env.Data); err != nil {
			_ = c.Send("error", map[string]string{"error": err.Error(), "type": env.Type})
		}
	}
}

// Client is one websocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu    sync.RWMutex
	kinds map[ledger.EventKind]struct{}
}

// ID returns the connection identifier.
func (c *Client) ID() string { return c.id }

// Send queues an envelope for the client.
func (c *Client) Send(typ string, data any) error {
	frame, err := encode(typ, data)
	if err != nil {
		return err
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errors.New("notify: send buffer full")
	}
}

func (c *Client) subscribe(kinds []ledger.EventKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(kinds) == 0 {
		c.kinds = nil
		return
	}
	c.kinds = make(map[ledger.EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		c.kinds[k] = struct{}{}
	}
}

func (c *Client) wants(kind ledger.EventKind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.kinds == nil {
		return true
	}
	_, ok := c.kinds[kind]
	return ok
}

func (c *Client) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func encode(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Data: raw})
}
