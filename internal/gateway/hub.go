// Package gateway owns the live WebSocket connections and delivers events to
// one of them or to all of them.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sightline/sightline/internal/application/dispatch"
	"github.com/sightline/sightline/internal/gateway/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 32 << 20 // inline base64 images
	sendBuffer     = 256
)

// MessageHandler handles one decoded client frame.
type MessageHandler func(c *Client, frame protocol.ClientFrame)

// Options configures a Hub.
type Options struct {
	CheckOrigin  func(r *http.Request) bool
	OnConnect    func(c *Client)
	OnDisconnect func(c *Client)
	OnMessage    MessageHandler
}

// Listener observes every broadcast event.
type Listener func(event string, payload any)

// Hub tracks connected clients.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	opts     Options

	mu        sync.RWMutex
	clients   map[string]*Client
	listeners []Listener

	ctx    context.Context
	cancel context.CancelFunc
}

// Client represents a connected WebSocket client.
type Client struct {
	ID        string
	Remote    string
	Connected time.Time

	conn      *websocket.Conn
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// Context is canceled when the client disconnects.
func (c *Client) Context() context.Context { return c.ctx }

// Done is closed when the client disconnects.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

// NewHub creates a hub.
func NewHub(opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		logger: logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		opts:    opts,
		clients: make(map[string]*Client),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Handle replaces the connection callbacks. CheckOrigin is fixed at
// construction and ignored here.
func (h *Hub) Handle(opts Options) {
	h.mu.Lock()
	defer h.mu.Unlock()
	opts.CheckOrigin = h.opts.CheckOrigin
	h.opts = opts
}

func (h *Hub) options() Options {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.opts
}

// AddListener registers fn for broadcast events.
func (h *Hub) AddListener(fn Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// ServeWS upgrades the request and runs the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(h.ctx)
	client := &Client{
		ID:        uuid.NewString(),
		Remote:    r.RemoteAddr,
		Connected: time.Now(),
		conn:      conn,
		sendCh:    make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("client connected", "id", client.ID, "remote", client.Remote, "clients", total)

	go h.writePump(client)
	if fn := h.options().OnConnect; fn != nil {
		fn(client)
	}
	go h.readPump(client)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c.ID]
	delete(h.clients, c.ID)
	h.mu.Unlock()

	c.close()
	if !present {
		return
	}
	h.logger.Info("client disconnected", "id", c.ID)
	if fn := h.options().OnDisconnect; fn != nil {
		fn(c)
	}
}

// readPump reads messages from a WebSocket client.
func (h *Hub) readPump(c *Client) {
	defer h.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "id", c.ID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame protocol.ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Type == "" {
			h.logger.Warn("invalid client frame", "id", c.ID, "error", err)
			_ = h.send(context.Background(), c, protocol.EventError, protocol.ErrorPayload{Message: "invalid frame"})
			continue
		}
		if fn := h.options().OnMessage; fn != nil {
			fn(c, frame)
		}
	}
}

// writePump sends messages to a WebSocket client.
func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		h.unregister(c)
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Warn("websocket write error", "id", c.ID, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func encode(event string, payload any) ([]byte, error) {
	return json.Marshal(protocol.ServerFrame{Event: event, Data: payload})
}

// send enqueues one frame for c, waiting for buffer space.
func (h *Hub) send(ctx context.Context, c *Client, event string, payload any) error {
	data, err := encode(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return dispatch.ErrSinkClosed
	default:
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return dispatch.ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client returns a connected client.
func (h *Hub) Client(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Target returns an emitter bound to one client. Emitting to a client that
// is gone returns dispatch.ErrSinkClosed.
func (h *Hub) Target(id string) dispatch.Emitter {
	return targetEmitter{hub: h, id: id}
}

type targetEmitter struct {
	hub *Hub
	id  string
}

func (t targetEmitter) Emit(ctx context.Context, event string, payload any) error {
	c, ok := t.hub.Client(t.id)
	if !ok {
		t.hub.logger.Debug("dropping event for gone client", "id", t.id, "event", event)
		return dispatch.ErrSinkClosed
	}
	err := t.hub.send(ctx, c, event, payload)
	if err == dispatch.ErrSinkClosed {
		t.hub.logger.Debug("dropping event for gone client", "id", t.id, "event", event)
	}
	return err
}

// Broadcast returns an emitter that fans out to every connected client.
func (h *Hub) Broadcast() dispatch.Emitter {
	return broadcastEmitter{hub: h}
}

type broadcastEmitter struct{ hub *Hub }

func (b broadcastEmitter) Emit(ctx context.Context, event string, payload any) error {
	data, err := encode(event, payload)
	if err != nil {
		return err
	}
	b.hub.broadcast(ctx, event, payload, data)
	return ctx.Err()
}

// Publish sends an event to all connected clients and listeners.
func (h *Hub) Publish(event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.Error("broadcast marshal failed", "event", event, "error", err)
		return
	}
	h.broadcast(h.ctx, event, payload, data)
}

// broadcast queues data for every client, waiting up to writeWait per
// client for buffer space. A client that cannot take the frame in time is
// disconnected, so a registered client never misses an event.
func (h *Hub) broadcast(ctx context.Context, event string, payload any, data []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	listeners := append([]Listener(nil), h.listeners...)
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.sendCh <- data:
			continue
		case <-c.done:
			continue
		default:
		}

		wait, cancel := context.WithTimeout(ctx, writeWait)
		select {
		case c.sendCh <- data:
		case <-c.done:
		case <-wait.Done():
			h.logger.Warn("client too slow for broadcast, disconnecting", "id", c.ID, "event", event)
			c.close()
		}
		cancel()
	}

	for _, fn := range listeners {
		fn(event, payload)
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// IDs lists connected client ids, sorted.
func (h *Hub) IDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown() {
	h.cancel()
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.logger.Debug("closing client", "id", c.ID)
		h.unregister(c)
	}
}
