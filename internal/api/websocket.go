package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsHub fans tamper events out to live feed clients.
//
// A single hub goroutine owns the connection set; registration,
// unregistration and broadcasting all go through channels.
type wsHub struct {
	connections  map[*wsConn]bool
	broadcastCh  chan []byte
	registerCh   chan *wsConn
	unregisterCh chan *wsConn
	log          *slog.Logger
}

// wsConn wraps a single WebSocket connection.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex // protects writes
}

// writeWait bounds a single write to a client.
const writeWait = 10 * time.Second

// The feed is read-only and carries no credentials; CORS already limits
// which browser origins can reach the API.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{
		connections:  make(map[*wsConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
		log:          logger,
	}
}

// run is the hub event loop. It closes every client when ctx is done.
func (h *wsHub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for conn := range h.connections {
				delete(h.connections, conn)
				close(conn.send)
			}
			return

		case conn := <-h.registerCh:
			h.connections[conn] = true
			h.log.Debug("live feed client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				h.log.Debug("live feed client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					// Slow client; drop it rather than stall the feed.
					delete(h.connections, conn)
					close(conn.send)
				}
			}
		}
	}
}

// broadcast queues msg for every client. Drops msg if the queue is full;
// clients can re-read the ledger to catch up.
func (h *wsHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
		h.log.Warn("live feed queue full, event dropped")
	}
}

// GET /ws/integrity-events
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{conn: conn, send: make(chan []byte, 64)}
	select {
	case s.hub.registerCh <- client:
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(s.hub)
}

// writePump sends queued messages until the hub closes send.
func (c *wsConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.mu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
	c.mu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.mu.Unlock()
}

// readPump drains the connection to detect disconnection. Incoming
// messages are ignored.
func (c *wsConn) readPump(hub *wsHub) {
	defer func() {
		select {
		case hub.unregisterCh <- c:
		case <-time.After(writeWait):
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
