package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parley-hq/parley/internal/bus"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsClient is one connected operator console. Writes are serialized through
// a single writer goroutine; the event bus fan-out only enqueues.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan bus.Event
	once sync.Once
	done chan struct{}
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:   uuid.Must(uuid.NewV7()).String(),
		conn: conn,
		send: make(chan bus.Event, 64),
		done: make(chan struct{}),
	}
}

// enqueue drops the event when the client's buffer is full: a stalled
// console must not back-pressure the pipeline.
func (c *wsClient) enqueue(ev bus.Event) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		slog.Debug("gateway.ws_event_dropped", "client", c.id, "event", ev.Name)
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// handleWebSocket upgrades the connection and streams hand-off events to
// the operator console until the peer disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if token := s.cfg.Gateway.Token; token != "" {
		if extractBearerToken(r) != token && r.URL.Query().Get("token") != token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.ws_upgrade_failed", "error", err)
		return
	}

	client := newWSClient(conn)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.close()
	}()

	go client.writeLoop()
	client.readLoop()
}

func (s *Server) registerClient(c *wsClient) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	if s.events != nil {
		s.events.Subscribe(c.id, c.enqueue)
	}
	slog.Info("gateway.operator_connected", "client", c.id)
}

func (s *Server) unregisterClient(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	if s.events != nil {
		s.events.Unsubscribe(c.id)
	}
	slog.Info("gateway.operator_disconnected", "client", c.id)
}

func (c *wsClient) writeLoop() {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				slog.Debug("gateway.ws_write_failed", "client", c.id, "error", err)
				c.close()
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readLoop discards inbound frames; the socket is server-to-client only.
// It exists to observe pongs and connection closure.
func (c *wsClient) readLoop() {
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
