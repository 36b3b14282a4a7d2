package sworker

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	clientSendBuffer = 64
	clientWriteWait  = 10 * time.Second
	clientPongWait   = 60 * time.Second
	clientPingEvery  = 50 * time.Second
	clientMaxMessage = 64 * 1024
)

// clientHub tracks connected page clients. Every broadcast goes to every
// client; a client that cannot keep up loses messages instead of blocking
// the sender.
type clientHub struct {
	mu      sync.RWMutex
	clients map[string]*hubClient

	upgrader  websocket.Upgrader
	onMessage func(clientID string, msg []byte)

	// log is set after construction because the logger itself feeds the hub.
	log zerolog.Logger
}

type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func newClientHub() *clientHub {
	return &clientHub{
		clients: map[string]*hubClient{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log: zerolog.Nop(),
	}
}

func (h *clientHub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (h *clientHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and runs the client until it disconnects.
func (h *clientHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("client upgrade failed")
		return
	}
	c := &hubClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, clientSendBuffer)}

	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Debug().Str("client", c.id).Int("clients", total).Msg("client connected")

	go h.writePump(c)
	h.readPump(c)

	h.mu.Lock()
	delete(h.clients, c.id)
	close(c.send)
	h.mu.Unlock()
	h.log.Debug().Str("client", c.id).Msg("client disconnected")
}

func (h *clientHub) readPump(c *hubClient) {
	c.conn.SetReadLimit(clientMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if h.onMessage != nil {
			h.onMessage(c.id, msg)
		}
	}
}

func (h *clientHub) writePump(c *hubClient) {
	ticker := time.NewTicker(clientPingEvery)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeAll disconnects every client; used on shutdown.
func (h *clientHub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		_ = c.conn.Close()
	}
}
