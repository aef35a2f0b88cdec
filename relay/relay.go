// Package relay implements the websocket fan-out server that carries
// revision broadcasts between processes. It is deliberately dumb: every
// frame a client sends is forwarded to every other connected client, with
// no ordering or delivery guarantee. Receivers tolerate loss and
// duplication by comparing revisions and resyncing from the shared store.
package relay

import (
	"expvar"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/INLOpen/nexussync/channel"
)

const clientSendBuffer = 64

// Options configures a Hub.
type Options struct {
	// Logger defaults to a JSON logger at warn level.
	Logger *slog.Logger
	// WriteTimeout bounds each outgoing frame. Defaults to 5s.
	WriteTimeout time.Duration
	// PingInterval is how often idle clients are pinged. Defaults to 20s.
	PingInterval time.Duration
	// PongTimeout is how long a client may stay silent before its
	// connection is considered dead. Must exceed PingInterval. Defaults
	// to 60s.
	PongTimeout time.Duration
	// MaxMessageSize caps incoming frames in bytes. Defaults to 512.
	MaxMessageSize int64
	// CheckOrigin overrides the websocket origin check. By default all
	// origins are accepted; the relay carries only revision numbers.
	CheckOrigin func(r *http.Request) bool
}

// HubMetrics counts relay activity.
type HubMetrics struct {
	ConnectedClients     *expvar.Int
	MessagesRelayedTotal *expvar.Int
	MessagesDroppedTotal *expvar.Int
}

// Hub accepts websocket clients and fans frames out to everyone except the
// sender.
type Hub struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	metrics  *HubMetrics

	mu      sync.RWMutex
	clients map[*client]struct{}

	isClosed atomic.Bool
	wg       sync.WaitGroup
}

type client struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewHub returns a Hub ready to serve websocket upgrades.
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.PongTimeout == 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.MaxMessageSize == 0 {
		opts.MaxMessageSize = 512
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		opts:   opts,
		logger: opts.Logger.With("component", "RelayHub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		metrics: &HubMetrics{
			ConnectedClients:     new(expvar.Int),
			MessagesRelayedTotal: new(expvar.Int),
			MessagesDroppedTotal: new(expvar.Int),
		},
		clients: make(map[*client]struct{}),
	}
}

// Metrics returns the hub's counters.
func (h *Hub) Metrics() *HubMetrics { return h.metrics }

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request and serves the client until it
// disconnects. It is safe to register directly as an http.HandlerFunc.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.isClosed.Load() {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed.", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		ws:   ws,
		send: make(chan []byte, clientSendBuffer),
		done: make(chan struct{}),
	}
	if !h.register(c) {
		ws.Close()
		return
	}
	h.logger.Info("Client connected.", "remote", r.RemoteAddr, "clients", h.ClientCount())

	h.wg.Add(2)
	go h.writePump(c)
	h.readPump(c, r.RemoteAddr)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isClosed.Load() {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.ConnectedClients.Add(1)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.metrics.ConnectedClients.Add(-1)
	}
	h.mu.Unlock()
	c.close()
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// readPump owns the connection's read side. Frames that do not parse as a
// revision message are dropped instead of being fanned out.
func (h *Hub) readPump(c *client, remote string) {
	defer h.wg.Done()
	defer h.unregister(c)

	c.ws.SetReadLimit(h.opts.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Client read failed.", "remote", remote, "error", err)
			}
			return
		}
		if _, err := channel.DecodeMessage(data); err != nil {
			h.logger.Warn("Dropping malformed frame.", "remote", remote, "error", err)
			h.metrics.MessagesDroppedTotal.Add(1)
			continue
		}
		h.broadcast(c, data)
	}
}

// writePump owns the connection's write side, interleaving queued frames
// with keepalive pings.
func (h *Hub) writePump(c *client) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// broadcast forwards a frame to every client except the sender. A client
// with a full buffer loses the frame; revision announcements are cumulative
// so the next one makes up for it.
func (h *Hub) broadcast(from *client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c == from {
			continue
		}
		select {
		case c.send <- data:
			h.metrics.MessagesRelayedTotal.Add(1)
		default:
			h.metrics.MessagesDroppedTotal.Add(1)
		}
	}
}

// Close disconnects every client and rejects new upgrades. Idempotent.
func (h *Hub) Close() error {
	if !h.isClosed.CompareAndSwap(false, true) {
		return nil
	}
	h.mu.RLock()
	swept := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		swept = append(swept, c)
	}
	h.mu.RUnlock()
	// Closing the conn fails each client's pending read, and the read pump
	// unregisters on its way out.
	for _, c := range swept {
		c.close()
	}
	h.wg.Wait()
	h.logger.Info("Relay hub closed.")
	return nil
}
