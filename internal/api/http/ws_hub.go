package apihttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"scrubengine/internal/domain/ports"
)

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// wsPositionSample is the inbound scrub sample format. Clients may push
// samples over the socket instead of POSTing /scrub/position; the socket
// path avoids per-sample HTTP overhead during a gesture.
type wsPositionSample struct {
	Type       string `json:"type"`
	PositionMs int64  `json:"positionMs"`
	AtUnixMs   int64  `json:"atUnixMs,omitempty"`
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				_ = client.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(2*time.Second),
				)
				close(client.send)
				delete(h.clients, client)
			}
			h.logger.Debug("ws hub stopped, all clients disconnected")
			return
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("ws client connected", slog.Int("total", len(h.clients)))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Debug("ws client disconnected", slog.Int("total", len(h.clients)))
			}
		case msg := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Close signals the hub to stop and disconnect all clients.
func (h *Hub) Close() {
	close(h.done)
}

// Broadcast sends a typed JSON message to all connected WebSocket clients.
// Messages are dropped rather than queued when the channel is full: the
// diagnostics stream is best-effort and must never block the engine.
func (h *Hub) Broadcast(msgType string, data interface{}) {
	msg := wsMessage{Type: msgType, Data: data}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal failed", slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- payload:
	default:
	}
}

// The hub is the engine's diagnostics sink: every pipeline decision is
// streamed to connected clients as a typed event.

func (h *Hub) AdmissionDecided(e ports.AdmissionEvent) {
	h.Broadcast("admission", e)
}

func (h *Hub) GOPDecided(e ports.GOPEvent) {
	h.Broadcast("gop", e)
}

func (h *Hub) WatchdogReclaimed(e ports.WatchdogEvent) {
	h.Broadcast("watchdog", e)
}

func (h *Hub) LandingZoneComputed(e ports.LandingZoneEvent) {
	h.Broadcast("landing_zone", e)
}

func (h *Hub) DeadlineResolved(e ports.DeadlineEvent) {
	h.Broadcast("deadline", e)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump(engine ScrubEngine, logger *slog.Logger) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var sample wsPositionSample
		if err := json.Unmarshal(data, &sample); err != nil || sample.Type != "position" {
			continue
		}
		at := time.Now()
		if sample.AtUnixMs > 0 {
			at = time.UnixMilli(sample.AtUnixMs)
		}
		if err := engine.UpdateScrub(time.Duration(sample.PositionMs)*time.Millisecond, at); err != nil {
			logger.Debug("ws position sample rejected", slog.String("error", err.Error()))
		}
	}
}
