package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/events"
	"github.com/xtrntr/p2pexchange/internal/metrics"
	"github.com/xtrntr/p2pexchange/internal/models"
)

const (
	writeWait = 5 * time.Second
	// sendBuffer frames may queue for one client before it is dropped as too slow
	sendBuffer = 64
)

// OrderSource lists the active orders pushed to websocket clients
type OrderSource interface {
	ActiveOrders(ctx context.Context) ([]models.Order, error)
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}
}

// writePump is the only writer of conn. It stops when send is closed or a write fails.
func (c *wsClient) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// message is the frame sent to websocket clients
type message struct {
	Type   string         `json:"type"`
	Orders []models.Order `json:"orders,omitempty"`
	Event  *events.Event  `json:"event,omitempty"`
}

const (
	messageOrderBook = "order_book"
	messageEvent     = "event"
)

// Hub pushes the active order book and committed events to websocket clients.
// It is an events.Publisher, so the exchange feeds it like any other sink.
type Hub struct {
	orders   OrderSource
	logger   *zap.Logger
	metrics  *metrics.Collector
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

// NewHub creates a hub. allowedOrigins of "*" or empty accepts any origin.
func NewHub(orders OrderSource, logger *zap.Logger, m *metrics.Collector, allowedOrigins []string) *Hub {
	h := &Hub{
		orders:  orders,
		logger:  logger,
		metrics: m,
		clients: make(map[*wsClient]bool),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)}
	return h
}

// ServeHTTP upgrades the connection, sends the current book and then waits
// for the client to go away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := newWSClient(conn)
	// The book goes first so events that follow it are never older than it
	if data, err := h.snapshot(r.Context()); err == nil {
		client.send <- data
	} else {
		h.logger.Warn("failed to build order book", zap.Error(err))
	}
	h.add(client)
	defer h.remove(client)
	go client.writePump()

	// Keep connection alive and handle disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Publish forwards a committed event to every client
func (h *Hub) Publish(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(message{Type: messageEvent, Event: &ev})
	if err != nil {
		return err
	}
	h.broadcast(data)
	return nil
}

// BroadcastOrderBook sends the active orders to every client
func (h *Hub) BroadcastOrderBook(ctx context.Context) {
	if h.Clients() == 0 {
		return
	}
	data, err := h.snapshot(ctx)
	if err != nil {
		h.logger.Warn("failed to build order book", zap.Error(err))
		return
	}
	h.broadcast(data)
}

// Run broadcasts the order book every interval until ctx is done
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.BroadcastOrderBook(ctx)
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]bool)
	h.mu.Unlock()

	for client := range clients {
		close(client.send)
		client.conn.Close()
		h.metrics.WSClientDisconnected()
	}
}

func (h *Hub) snapshot(ctx context.Context) ([]byte, error) {
	orders, err := h.orders.ActiveOrders(ctx)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return json.Marshal(message{Type: messageOrderBook, Orders: orders})
}

// broadcast queues data for every client without waiting on any of them.
// A client whose queue is full is disconnected.
func (h *Hub) broadcast(data []byte) {
	var slow []*wsClient
	h.mu.RLock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("dropping slow websocket client", zap.Stringer("remote", client.conn.RemoteAddr()))
		h.remove(client)
	}
}

func (h *Hub) add(client *wsClient) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	h.metrics.WSClientConnected()
}

// remove closes the client's queue, which ends its writePump. Sends happen
// under the read lock, so the queue is never written after it is closed.
func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	if ok {
		client.conn.Close()
		h.metrics.WSClientDisconnected()
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[o] = true
	}
	if len(set) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
