package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/orbitrack/orbitrack/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = 30 * time.Second
	clientSendSize = 4
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans published snapshots out to websocket subscribers. Each client
// gets a small buffered queue; a client that cannot keep up is dropped
// rather than allowed to stall the broadcast.
type Hub struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}

	broadcast  chan []byte
	register   chan *streamClient
	unregister chan *streamClient
	done       chan struct{}

	metrics *telemetry.Metrics
	log     zerolog.Logger
}

// NewHub builds an idle hub. Run must be called before clients connect.
func NewHub(metrics *telemetry.Metrics, log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*streamClient]struct{}),
		broadcast:  make(chan []byte, 1),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		done:       make(chan struct{}),
		metrics:    metrics,
		log:        log,
	}
}

// Run owns the client set until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			close(h.done)
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.metrics.StreamClients.Inc()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.metrics.StreamClients.Dec()
			}
			h.mu.Unlock()
		case data := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// Slow consumer, cut it loose.
					delete(h.clients, c)
					close(c.send)
					h.metrics.StreamClients.Dec()
					h.log.Warn().Str("remote", c.remote).Msg("dropping slow stream client")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a snapshot for delivery without blocking the caller.
// When a payload is still queued it is displaced by the new one, so
// subscribers always see the latest snapshot. Single producer: only the
// cycle loop calls this.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
		return
	default:
	}
	select {
	case <-h.broadcast:
	default:
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// Peers reports the connected client count.
func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

type streamClient struct {
	conn   *websocket.Conn
	send   chan []byte
	remote string
}

// handleStream upgrades the connection and subscribes it to snapshot
// broadcasts. On connect the client immediately receives the current
// snapshot if one is cached, so it never waits a full cycle for state.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &streamClient{conn: conn, send: make(chan []byte, clientSendSize), remote: r.RemoteAddr}
	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		conn.Close()
		return
	}

	if data, ok := s.snapshots.Fetch(r.Context()); ok {
		select {
		case c.send <- data:
		default:
		}
	}

	go c.writePump(s.hub)
	go c.readPump(s.hub)
}

func (c *streamClient) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; the stream is one-way. It exists to
// notice closes and answer pings.
func (c *streamClient) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
