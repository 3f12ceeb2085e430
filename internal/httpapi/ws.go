package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsEvent is the envelope pushed to every subscribed client: "changed"
// events carry one parameter's new value, "tally-updated" events carry a
// full tally vector refresh.
type wsEvent struct {
	Type      string    `json:"type"`
	DeviceId  string    `json:"deviceId,omitempty"`
	Path      string    `json:"path,omitempty"`
	Value     any       `json:"value,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans event broadcasts out to every connected WebSocket client,
// evicting any client whose send buffer backs up rather than blocking
// the router goroutine that calls Broadcast.
type Hub struct {
	log     *slog.Logger
	clients map[*wsClient]struct{}
	mu      sync.Mutex

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan wsEvent

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// This API binds loopback by default; cross-origin browser clients
	// are not part of its threat model.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHub builds an idle Hub; call Run to start its event loop.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan wsEvent, 256),
		done:       make(chan struct{}),
	}
}

// Run services register/unregister/broadcast until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("httpapi: ws client connected", "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("httpapi: ws client disconnected", "total", total)

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Error("httpapi: ws marshal failed", "err", err)
				continue
			}
			h.mu.Lock()
			var slow []*wsClient
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					slow = append(slow, c)
				}
			}
			for _, c := range slow {
				delete(h.clients, c)
				close(c.send)
				h.log.Warn("httpapi: ws client evicted, send buffer full")
			}
			h.mu.Unlock()
		}
	}
}

// Stop shuts the hub down; safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// BroadcastChange publishes a parameter change to every subscriber.
func (h *Hub) BroadcastChange(deviceId, path string, value any, at time.Time) {
	h.enqueue(wsEvent{Type: "changed", DeviceId: deviceId, Path: path, Value: value, Timestamp: at})
}

// BroadcastTally publishes a tally vector refresh to every subscriber.
func (h *Hub) BroadcastTally(value any, at time.Time) {
	h.enqueue(wsEvent{Type: "tally-updated", Value: value, Timestamp: at})
}

func (h *Hub) enqueue(ev wsEvent) {
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn("httpapi: ws broadcast channel full, dropping event")
	}
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (a *API) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Log.Error("httpapi: ws upgrade failed", "err", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 64)}

	select {
	case a.Hub.register <- client:
	case <-a.Hub.done:
		conn.Close()
		return
	}

	go a.wsWritePump(client)
	a.wsReadPump(client)
}

func (a *API) wsWritePump(client *wsClient) {
	for msg := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
	client.conn.Close()
}

func (a *API) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case a.Hub.unregister <- client:
		case <-a.Hub.done:
			client.conn.Close()
		}
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
		// Clients only subscribe; inbound frames are not processed.
	}
}
