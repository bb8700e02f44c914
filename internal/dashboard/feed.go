package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stm32hub/stm32hub/internal/hub"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Feed clients only send control frames.
	maxMessageSize = 4 * 1024

	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // token-authenticated, origin is not used for auth
	},
}

// feedClient is one websocket subscriber.
type feedClient struct {
	conn *websocket.Conn
	send chan []byte
	feed *Feed
}

// Feed streams hub notices to websocket subscribers. It implements hub.Observer.
type Feed struct {
	log     zerolog.Logger
	mu      sync.RWMutex
	clients map[*feedClient]bool
	closed  bool
}

// NewFeed creates an empty feed.
func NewFeed(log zerolog.Logger) *Feed {
	return &Feed{
		log:     log.With().Str("component", "feed").Logger(),
		clients: make(map[*feedClient]bool),
	}
}

// Notify fans n out to every subscriber. Slow subscribers miss messages.
func (f *Feed) Notify(n hub.Notice) {
	data, err := json.Marshal(n)
	if err != nil {
		f.log.Error().Err(err).Str("type", n.Type).Msg("failed to encode notice")
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			f.log.Debug().Str("type", n.Type).Msg("feed client too slow, dropping notice")
		}
	}
}

// Len returns the number of subscribers.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func (f *Feed) register(c *feedClient) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.clients[c] = true
	f.mu.Unlock()
	f.log.Debug().Str("remote", c.conn.RemoteAddr().String()).Msg("feed client registered")
	return true
}

func (f *Feed) unregister(c *feedClient) {
	f.mu.Lock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
	f.mu.Unlock()
}

// Close disconnects every subscriber. Later subscribers are turned away.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for c := range f.clients {
		delete(f.clients, c)
		close(c.send)
	}
}

// serveWS upgrades the request and streams notices until the client leaves.
func (f *Feed) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &feedClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		feed: f,
	}
	if !f.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump discards client frames and detects disconnects.
func (c *feedClient) readPump() {
	defer func() {
		c.feed.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.feed.log.Warn().Err(err).Msg("feed read error")
			}
			return
		}
	}
}

// writePump pumps notices to the websocket connection.
func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
