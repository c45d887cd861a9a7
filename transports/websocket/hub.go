// Package websocket broadcasts controller events to dashboard clients.
// The hub subscribes to the event bus and fans each event out to every
// connected client over a per-connection bounded queue, so one stalled
// dashboard cannot hold back the bus or the other clients.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arterial/traffic-grid-controller/api/events"
)

// Config bounds the hub.
type Config struct {
	MaxClients int           // default 64
	SendQueue  int           // per-client buffered events, default 256
	WriteWait  time.Duration // per-message write deadline, default 10s
	PongWait   time.Duration // read liveness window, default 60s
	Logger     *zap.Logger   // optional
}

func (c Config) withDefaults() Config {
	if c.MaxClients <= 0 {
		c.MaxClients = 64
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Stats is a point-in-time snapshot of hub counters.
type Stats struct {
	Clients   int
	Delivered uint64
	Dropped   uint64
	Rejected  uint64
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub implements eventbus.Subscriber and http.Handler.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	wg        sync.WaitGroup
	delivered atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64
}

// NewHub constructs a hub. Close releases every connection.
func NewHub(cfg Config) *Hub {
	cfg = cfg.withDefaults()
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[*client]struct{}),
	}
}

// Deliver implements eventbus.Subscriber. The event is marshalled once
// and enqueued to every client; a client with a full queue loses the
// event rather than blocking the bus.
func (h *Hub) Deliver(_ context.Context, event events.Event) error {
	frame, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Name, err)
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- frame:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed || len(h.clients) >= h.cfg.MaxClients {
		h.mu.Unlock()
		h.rejected.Add(1)
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, h.cfg.SendQueue)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.wg.Add(2)
	go h.writePump(c)
	go h.readPump(c)
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	clients := len(h.clients)
	h.mu.Unlock()
	return Stats{
		Clients:   clients,
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
		Rejected:  h.rejected.Load(),
	}
}

// Close detaches every client and refuses new connections.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.close()
	}
	h.wg.Wait()
	return nil
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// writePump drains the client queue. Pings keep intermediaries from
// idling out the connection between event bursts.
func (h *Hub) writePump(c *client) {
	defer h.wg.Done()
	pinger := time.NewTicker(h.cfg.PongWait * 9 / 10)
	defer pinger.Stop()
	defer c.conn.Close()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.detach(c)
				return
			}
		case <-pinger.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.detach(c)
				return
			}
		}
	}
}

// readPump discards inbound frames; the stream is one-way. Reading is
// still required to process pongs and observe the close handshake.
func (h *Hub) readPump(c *client) {
	defer h.wg.Done()
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.detach(c)
			return
		}
	}
}
