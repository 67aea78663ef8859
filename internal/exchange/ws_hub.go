package exchange

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vitalsmarket/exchange/internal/ingest"
	"github.com/vitalsmarket/exchange/internal/metrics"
	"github.com/vitalsmarket/exchange/internal/settlement"
)

// Event types pushed to WebSocket clients.
const (
	EventPricesIngested = "prices_ingested"
	EventOrdersSettled  = "orders_settled"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type    string     `json:"type"`
	Symbol  string     `json:"symbol"`
	RunID   string     `json:"run_id,omitempty"`
	From    *time.Time `json:"from,omitempty"`
	To      *time.Time `json:"to,omitempty"`
	Written int        `json:"written,omitempty"`
	Settled int        `json:"settled,omitempty"`
	Users   []string   `json:"users,omitempty"`
}

// WSHub manages WebSocket connections and pushes ingestion and settlement
// events to every connected client.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
// It returns after Close.
func (h *WSHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return
		}
	}
}

// Close stops Run and disconnects every client.
func (h *WSHub) Close() { close(h.done) }

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking ingestion or settlement.
	}
}

// PricesIngested announces newly appended buckets.
func (h *WSHub) PricesIngested(result *ingest.Result) {
	if len(result.Written) == 0 {
		return
	}
	from := result.Written[0].Timestamp
	to := result.Written[len(result.Written)-1].Timestamp
	h.Broadcast(WSMessage{
		Type:    EventPricesIngested,
		Symbol:  result.Symbol,
		From:    &from,
		To:      &to,
		Written: len(result.Written),
	})
}

// OrdersSettled implements settlement.Observer.
func (h *WSHub) OrdersSettled(summary *settlement.Summary) {
	users := make([]string, len(summary.Users))
	for i, u := range summary.Users {
		users[i] = u.User
	}
	end := summary.End
	h.Broadcast(WSMessage{
		Type:    EventOrdersSettled,
		Symbol:  summary.Symbol,
		RunID:   summary.RunID,
		To:      &end,
		Settled: summary.Settled,
		Users:   users,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}

var _ settlement.Observer = (*WSHub)(nil)
