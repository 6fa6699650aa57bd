package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/vaultline/riskwatch/internal/alerting"
	"github.com/vaultline/riskwatch/internal/telemetry"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a client may stay silent before the read
	// side gives up; pings go out at 90% of it.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Clients only listen. Anything beyond control frames is noise.
	maxInboundBytes = 512

	// clientBuffer is the per-client outbound queue. A client that
	// falls this far behind gets disconnected rather than slow the
	// broadcast for everyone else.
	clientBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
	},
}

// Hub fans alert envelopes out to connected websocket clients. It
// doubles as an alerting transport so dashboards see every dispatched
// alert live. Browser delivery is advisory: Send and SendBatch never
// report failure, so a missing dashboard cannot stall the notifier.
type Hub struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool
	tel     *telemetry.Metrics
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub builds an empty hub.
func NewHub(tel *telemetry.Metrics) *Hub {
	return &Hub{
		clients: make(map[*streamClient]struct{}),
		tel:     tel,
	}
}

// Name returns the channel identifier recorded on notified alerts.
func (h *Hub) Name() string { return "ws" }

// Send broadcasts one alert to every connected client.
func (h *Hub) Send(ctx context.Context, env alerting.Envelope) error {
	h.broadcast(env)
	return nil
}

// SendBatch broadcasts each digest alert as its own frame so clients
// keep a uniform message shape.
func (h *Hub) SendBatch(ctx context.Context, envs []alerting.Envelope) error {
	for _, env := range envs {
		h.broadcast(env)
	}
	return nil
}

// Upgrade is the GET /ws/alerts handler.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade rejected")
		return
	}

	c := &streamClient{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.tel.StreamClientChange(1)
	log.Debug().Str("remote", r.RemoteAddr).Msg("stream client connected")

	go h.writePump(c)
	go h.readPump(c)
}

// ClientCount reports connected clients for the health readout.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones. Used on
// shutdown after the HTTP listener stops accepting.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.drop(c, "hub shutdown")
	}
}

func (h *Hub) broadcast(env alerting.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		log.Warn().Err(err).Int64("alert_id", env.ID).Msg("stream envelope marshal failed")
		return
	}

	// Slow clients are collected and dropped after the read lock is
	// released; drop needs the write lock.
	h.mu.RLock()
	var slow []*streamClient
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.drop(c, "send buffer full")
	}
}

// drop removes a client once. The map delete happens under the write
// lock before send is closed, so a concurrent broadcast can never write
// to a closed channel.
func (h *Hub) drop(c *streamClient, reason string) {
	h.mu.Lock()
	_, live := h.clients[c]
	if live {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if !live {
		return
	}

	close(c.send)
	_ = c.conn.Close()
	h.tel.StreamClientChange(-1)
	log.Debug().Str("reason", reason).Msg("stream client disconnected")
}

func (h *Hub) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.drop(c, "write pump exit")
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *streamClient) {
	defer h.drop(c, "read pump exit")

	c.conn.SetReadLimit(maxInboundBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
