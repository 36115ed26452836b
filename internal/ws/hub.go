package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agent-command/promptrelay/internal/logging"
	"github.com/agent-command/promptrelay/internal/metrics"
	"github.com/agent-command/promptrelay/internal/store"
)

// CloseUnauthorized is sent when the connection carries no valid room key.
const CloseUnauthorized = 4001

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 16
)

var bearerPattern = regexp.MustCompile(`(?i)^Bearer\s+(.+)$`)

// Update is the only message the server sends: the room's full request list.
type Update struct {
	Type     string       `json:"type"`
	Requests []store.View `json:"requests"`
}

type Lister interface {
	List(roomKey string) []store.Request
}

type HubOptions struct {
	Store        Lister
	PingInterval time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

// Hub keeps live dashboard connections grouped by room and pushes a full
// snapshot to every connection of a room whenever that room changes.
type Hub struct {
	lister       Lister
	pingInterval time.Duration
	log          zerolog.Logger
	metrics      *metrics.Metrics
	upgrader     websocket.Upgrader

	// bmu serializes snapshot+enqueue so the last queued update is the newest
	bmu   sync.Mutex
	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	room  string
	send  chan []byte
	alive atomic.Bool
	done  chan struct{}
	once  sync.Once
}

func NewHub(opts HubOptions) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	return &Hub{
		lister:       opts.Store,
		pingInterval: opts.PingInterval,
		log:          opts.Logger.With().Str("component", "ws").Logger(),
		metrics:      opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// the room key is the credential; any origin may present it
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]map[*client]struct{}),
	}
}

// RoomKey extracts the room key from the Authorization header, falling back
// to the key query parameter for browsers that cannot set headers.
func RoomKey(r *http.Request) (string, bool) {
	var key string
	if m := bearerPattern.FindStringSubmatch(r.Header.Get("Authorization")); m != nil {
		key = m[1]
	}
	if key == "" {
		key = r.URL.Query().Get("key")
	}
	if !store.ValidRoomKey(key) {
		return "", false
	}
	return key, true
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, ok := RoomKey(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		room: key,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	c.alive.Store(true)

	h.bmu.Lock()
	h.add(c)
	if data, err := h.snapshot(key); err == nil {
		c.enqueue(data)
	}
	h.bmu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	clients := h.rooms[c.room]
	if clients == nil {
		clients = make(map[*client]struct{})
		h.rooms[c.room] = clients
	}
	clients[c] = struct{}{}
	total := h.countLocked()
	h.mu.Unlock()

	h.metrics.WSConnected()
	h.log.Info().Str("room", logging.KeyPrefix(c.room)).Int("total", total).Msg("client connected")
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	clients := h.rooms[c.room]
	_, present := clients[c]
	if present {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, c.room)
		}
	}
	total := h.countLocked()
	h.mu.Unlock()

	if present {
		h.metrics.WSDisconnected()
		h.log.Info().Str("room", logging.KeyPrefix(c.room)).Int("total", total).Msg("client disconnected")
	}
}

func (h *Hub) countLocked() int {
	n := 0
	for _, clients := range h.rooms {
		n += len(clients)
	}
	return n
}

// ClientCount returns the number of live connections in a room.
func (h *Hub) ClientCount(roomKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomKey])
}

func (h *Hub) clients(roomKey string) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.rooms[roomKey]))
	for c := range h.rooms[roomKey] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) all() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*client
	for _, clients := range h.rooms {
		for c := range clients {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) snapshot(roomKey string) ([]byte, error) {
	return json.Marshal(Update{
		Type:     "update",
		Requests: store.Views(h.lister.List(roomKey)),
	})
}

// Broadcast sends the room's current request list to all of its connections.
func (h *Hub) Broadcast(roomKey string) {
	h.bmu.Lock()
	defer h.bmu.Unlock()

	clients := h.clients(roomKey)
	if len(clients) == 0 {
		return
	}
	data, err := h.snapshot(roomKey)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal update")
		return
	}
	for _, c := range clients {
		c.enqueue(data)
	}
}

// Run pings every connection on the heartbeat interval and drops the ones
// that did not answer the previous ping.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

func (h *Hub) heartbeat() {
	for _, c := range h.all() {
		if !c.alive.Swap(false) {
			h.log.Debug().Str("room", logging.KeyPrefix(c.room)).Msg("no pong, terminating")
			c.close()
			continue
		}
		if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			c.close()
		}
	}
}

// Close disconnects every client with a going-away close frame.
func (h *Hub) Close() {
	for _, c := range h.all() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.close()
	}
}

// enqueue never blocks; a connection too slow to keep up is dropped and
// gets a fresh snapshot when it reconnects.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.hub.log.Warn().Str("room", logging.KeyPrefix(c.room)).Msg("send buffer full, dropping client")
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
		c.hub.remove(c)
	})
}

func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	for {
		// inbound messages carry no meaning; reading drives control frames
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.hub.log.Debug().Err(err).Msg("read error")
			}
			return
		}
	}
}

func (c *client) writePump() {
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
