package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bullionops/dealer-ledger/internal/metrics"
)

type wsClient struct {
	conn *websocket.Conn
	hubs map[string]bool // empty means every hub
}

func (c *wsClient) wants(hub string) bool {
	return len(c.hubs) == 0 || c.hubs[hub]
}

type wsFrame struct {
	hub  string
	data []byte
}

// WSHub manages WebSocket connections and pushes each published message to
// the clients subscribed to its hub.
type WSHub struct {
	clients    map[*websocket.Conn]*wsClient
	broadcast  chan wsFrame
	register   chan *wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	log        zerolog.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(log zerolog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]*wsClient),
		broadcast:  make(chan wsFrame, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run is the hub's main loop. It returns when ctx is done, closing every
// connection. Connections arriving after that are closed immediately.
func (h *WSHub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.stopOnce.Do(func() { close(h.done) })
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.log.Info().Int("total", total).Msg("ws client connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case f := <-h.broadcast:
			h.mu.Lock()
			for conn, c := range h.clients {
				if !c.wants(f.hub) {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish implements Sink. A full buffer drops the message rather than
// blocking the caller.
func (h *WSHub) Publish(_ context.Context, hub string, payload any) error {
	data, err := json.Marshal(map[string]any{"hub": hub, "message": payload})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- wsFrame{hub: hub, data: data}:
	default:
		h.log.Warn().Str("hub", hub).Msg("ws broadcast buffer full, dropping message")
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades GET /api/v1/ws. Clients pick hubs with ?hub=trades,balances;
// no parameter subscribes to all of them.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	hubs := make(map[string]bool)
	for _, name := range strings.Split(r.URL.Query().Get("hub"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			hubs[name] = true
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("ws upgrade failed")
		return
	}

	select {
	case h.register <- &wsClient{conn: conn, hubs: hubs}:
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
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
