// Package realtime streams invoice and dispute lifecycle events to
// WebSocket clients so payment pages update without polling.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/arcinvoice/internal/metrics"
	"github.com/mbd888/arcinvoice/internal/notify"
)

const (
	// MaxClients caps concurrent connections per process.
	MaxClients = 10000

	queueSize    = 64
	backlogSize  = 256
	maxFrameSize = 16 * 1024
	pongWait     = 60 * time.Second
	pingEvery    = 30 * time.Second
	writeWait    = 10 * time.Second
)

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connected int   `json:"connected"`
	Peak      int64 `json:"peak"`
	Accepted  int64 `json:"accepted"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Evicted   int64 `json:"evicted"`
}

type subscriber struct {
	conn  *websocket.Conn
	queue chan []byte
	sub   atomic.Pointer[Subscription]
}

func (c *subscriber) subscription() Subscription {
	if s := c.sub.Load(); s != nil {
		return *s
	}
	return Subscription{}
}

// Hub fans events out to connected subscribers. Events go through a single
// goroutine (Run) so delivery order matches Notify order. A subscriber whose
// queue is full is disconnected rather than allowed to stall the others.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	limit    int

	events  chan notify.Event
	stopped chan struct{}

	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	peak, accepted, delivered, dropped, evicted atomic.Int64
}

// NewHub returns a hub that accepts same-host and non-browser clients.
// Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		logger:  logger,
		limit:   MaxClients,
		events:  make(chan notify.Event, backlogSize),
		stopped: make(chan struct{}),
		subs:    make(map[*subscriber]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     sameHost,
	}
	return h
}

// WithAllowedOrigins also accepts browser connections from the given
// origins; "*" accepts any.
func (h *Hub) WithAllowedOrigins(origins []string) *Hub {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	h.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := strings.ToLower(r.Header.Get("Origin"))
		return sameHost(r) || allowed["*"] || allowed[origin]
	}
	return h
}

// WithLimit overrides MaxClients.
func (h *Hub) WithLimit(n int) *Hub {
	h.limit = n
	return h
}

func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Notify queues e for delivery. It never blocks; when the backlog is full
// the event is dropped and counted.
func (h *Hub) Notify(_ context.Context, e notify.Event) {
	select {
	case h.events <- e:
		h.accepted.Add(1)
	default:
		h.dropped.Add(1)
		h.logger.Warn("realtime backlog full, event dropped", "event", e.Type, "invoice", e.InvoiceID)
	}
}

// Run delivers queued events until ctx is cancelled, then disconnects
// every subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	h.logger.Info("realtime hub started")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.subs {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			h.logger.Info("realtime hub stopped")
			return
		case e := <-h.events:
			h.deliver(e)
		}
	}
}

func (h *Hub) deliver(e notify.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("realtime: encode event", "event", e.Type, "error", err)
		return
	}

	var slow []*subscriber
	h.mu.RLock()
	for c := range h.subs {
		if !c.subscription().Matches(e) {
			continue
		}
		select {
		case c.queue <- payload:
			h.delivered.Add(1)
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		if h.dropLocked(c) {
			h.evicted.Add(1)
		}
	}
	h.mu.Unlock()
	h.logger.Warn("realtime: evicted slow subscribers", "count", len(slow))
}

func (h *Hub) add(c *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) >= h.limit {
		return false
	}
	h.subs[c] = struct{}{}
	n := int64(len(h.subs))
	if n > h.peak.Load() {
		h.peak.Store(n)
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	return true
}

func (h *Hub) remove(c *subscriber) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

// dropLocked closes c's queue once; writePump then sends a close frame.
func (h *Hub) dropLocked(c *subscriber) bool {
	if _, ok := h.subs[c]; !ok {
		return false
	}
	delete(h.subs, c)
	close(c.queue)
	metrics.ActiveWebSocketClients.Set(float64(len(h.subs)))
	return true
}

// Stats reports connection and delivery counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return Stats{
		Connected: n,
		Peak:      h.peak.Load(),
		Accepted:  h.accepted.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
		Evicted:   h.evicted.Load(),
	}
}

// HandleWebSocket upgrades the request and streams matching events to it.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.stopped:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	full := len(h.subs) >= h.limit
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &subscriber{conn: conn, queue: make(chan []byte, queueSize)}
	if !h.add(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump applies subscription frames and keeps the read deadline alive.
func (h *Hub) readPump(c *subscriber) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Debug("websocket read", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(frame, &sub); err != nil {
			continue
		}
		sub = sub.normalized()
		c.sub.Store(&sub)
	}
}

func (h *Hub) writePump(c *subscriber) {
	ping := time.NewTicker(pingEvery)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
