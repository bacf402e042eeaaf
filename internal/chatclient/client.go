// Package chatclient talks to the host's local web chat over its websocket
// endpoint.
package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const ioTimeout = 10 * time.Second

// Event is one {event, data} frame from the host.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Text returns the text of message and error events.
func (e Event) Text() string {
	var payload struct {
		Text string `json:"text"`
	}
	if len(e.Data) == 0 || json.Unmarshal(e.Data, &payload) != nil {
		return ""
	}
	return payload.Text
}

type Config struct {
	URL string
}

func (c Config) Validate() error {
	raw := strings.TrimSpace(c.URL)
	if raw == "" {
		return fmt.Errorf("chat websocket url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid chat websocket url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("chat websocket url must use ws or wss")
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("chat websocket url host is required")
	}
	return nil
}

// URLFromHTTPAddr builds the websocket endpoint for a host listen address.
func URLFromHTTPAddr(addr string) string {
	host := strings.TrimSpace(addr)
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return "ws://" + host + "/api/chat/ws"
}

type Client struct {
	cfg Config

	mu      sync.RWMutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  bool

	events chan Event
	errs   chan error
	done   chan struct{}
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		events: make(chan Event, 64),
		errs:   make(chan error, 16),
		done:   make(chan struct{}),
	}, nil
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: ioTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial chat websocket: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop()
	return nil
}

func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) Errors() <-chan error {
	return c.errs
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send starts one chat turn. Replies arrive on Events, ending with done.
func (c *Client) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("message text is required")
	}

	c.mu.RLock()
	conn := c.conn
	closed := c.closed
	c.mu.RUnlock()
	if conn == nil || closed {
		return fmt.Errorf("client is not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(ioTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(map[string]string{"message": text}); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(500*time.Millisecond))
		_ = conn.Close()
	}
	close(c.done)
	return nil
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		c.mu.RLock()
		conn := c.conn
		closed := c.closed
		c.mu.RUnlock()
		if conn == nil || closed {
			return
		}

		// Agent turns can run for many minutes.
		if err := conn.SetReadDeadline(time.Now().Add(24 * time.Hour)); err != nil {
			c.pushErr(fmt.Errorf("set read deadline: %w", err))
			return
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.pushErr(fmt.Errorf("read websocket message: %w", err))
			return
		}

		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			c.pushErr(fmt.Errorf("decode chat frame: %w", err))
			continue
		}
		if strings.TrimSpace(event.Event) == "" {
			continue
		}

		select {
		case c.events <- event:
		default:
			c.pushErr(fmt.Errorf("dropping %s event because the UI channel is full", event.Event))
		}
	}
}

func (c *Client) pushErr(err error) {
	if err == nil {
		return
	}
	select {
	case c.errs <- err:
	default:
	}
}
