package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrUnauthorized is returned by Run when the server rejects the room key.
// Retrying cannot succeed, so the client stops.
var ErrUnauthorized = errors.New("room key rejected by server")

type UpdateHandler func(Update)

// DefaultBackoff is the reconnect schedule; the last delay repeats.
var DefaultBackoff = []time.Duration{
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

type Client struct {
	url     string
	key     string
	backoff []time.Duration
	dialer  *websocket.Dialer
	log     zerolog.Logger

	onUpdate  UpdateHandler
	onConnect func()

	mu         sync.Mutex
	conn       *websocket.Conn
	generation uint64
}

type readResult struct {
	generation uint64
	err        error
}

func NewClient(url, key string, backoff []time.Duration) *Client {
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	return &Client{
		url:     url,
		key:     key,
		backoff: backoff,
		dialer:  websocket.DefaultDialer,
		log:     zerolog.Nop(),
	}
}

func (c *Client) SetUpdateHandler(handler UpdateHandler) {
	c.onUpdate = handler
}

func (c *Client) SetOnConnect(handler func()) {
	c.onConnect = handler
}

func (c *Client) SetLogger(log zerolog.Logger) {
	c.log = log.With().Str("component", "watch").Logger()
}

// SetDialer replaces the dialer, e.g. to trust the relay's local CA.
func (c *Client) SetDialer(d *websocket.Dialer) {
	c.dialer = d
}

// Run connects and keeps the connection alive until ctx is done or the
// server rejects the key. Every connection gets a generation number; events
// from a connection that has since been replaced are ignored.
func (c *Client) Run(ctx context.Context) error {
	results := make(chan readResult, 1)
	attempt := 0

	for {
		gen, err := c.connect(ctx, results)
		if err == nil {
			attempt = 0
			err = c.wait(ctx, gen, results)
		}
		if ctx.Err() != nil {
			c.closeConn()
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			c.closeConn()
			return err
		}

		delay := c.backoff[min(attempt, len(c.backoff)-1)]
		attempt++
		c.log.Warn().Err(err).Dur("retry_in", delay).Int("attempt", attempt).Msg("connection lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) connect(ctx context.Context, results chan<- readResult) (uint64, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.key)

	conn, _, err := c.dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		return 0, fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.generation++
	gen := c.generation
	c.conn = conn
	c.mu.Unlock()

	go c.reader(conn, gen, results)

	if c.onConnect != nil {
		c.onConnect()
	}
	return gen, nil
}

func (c *Client) wait(ctx context.Context, gen uint64, results <-chan readResult) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-results:
			if r.generation != gen {
				continue
			}
			return r.err
		}
	}
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

func (c *Client) reader(conn *websocket.Conn, gen uint64, results chan<- readResult) {
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, CloseUnauthorized) {
				err = ErrUnauthorized
			}
			if c.current(gen) {
				results <- readResult{generation: gen, err: err}
			}
			return
		}
		if !c.current(gen) {
			return
		}

		var update Update
		if err := json.Unmarshal(message, &update); err != nil {
			c.log.Warn().Err(err).Msg("failed to parse message")
			continue
		}
		if update.Type != "update" {
			continue
		}
		if c.onUpdate != nil {
			c.onUpdate(update)
		}
	}
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.generation++
}
