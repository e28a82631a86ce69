package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/markersync/markersync/pkg/core"
	"github.com/markersync/markersync/pkg/streaming"
)

const (
	eventChSize = 256
	writeWait   = 10 * time.Second
	ackTimeout  = 10 * time.Second
)

// connection is one client-side feed stream over a WebSocket.
type connection struct {
	mu     sync.Mutex
	conn   *ws.Conn
	events chan core.Event
	done   chan struct{} // closed on shutdown
	closed bool
	err    error

	logger *slog.Logger
}

// dial connects, subscribes and waits for the server's ack.
func dial(ctx context.Context, rawURL, token, topic string, hint core.Predicate, logger *slog.Logger) (*connection, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("topic", topic)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := ws.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("websocket dial failed: %w", core.ErrAuthExpired)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	c := &connection{
		conn:   conn,
		events: make(chan core.Event, eventChSize),
		done:   make(chan struct{}),
		logger: logger,
	}

	if err := c.subscribe(topic, hint); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// subscribe sends the subscribe envelope and blocks until it is acknowledged
// or refused.
func (c *connection) subscribe(topic string, hint core.Predicate) error {
	data, err := streaming.Encode(streaming.TypeSubscribe, streaming.SubscribePayload{Topic: topic, Predicate: hint})
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(ws.TextMessage, data); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(ackTimeout)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	_, message, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("timeout waiting for ack of %q: %w", streaming.TypeSubscribe, err)
	}
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear read deadline: %w", err)
	}

	var env streaming.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return fmt.Errorf("decode subscribe response: %w", err)
	}
	switch env.Type {
	case streaming.TypeAck:
		return nil
	case streaming.TypeError:
		var refusal streaming.ErrorPayload
		_ = env.Decode(streaming.TypeError, &refusal)
		return fmt.Errorf("subscribe refused: %s", refusal.Message)
	default:
		return fmt.Errorf("unexpected message type %q before ack", env.Type)
	}
}

// readLoop decodes event envelopes into the events channel until the
// connection fails or is closed.
func (c *connection) readLoop() {
	defer c.finish()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("WebSocket read error", "error", err)
				c.setErr(err)
			}
			return
		}

		var env streaming.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Debug("Undecodable feed message", "raw", string(message))
			continue
		}
		if env.Type != streaming.TypeEvent {
			c.logger.Debug("Non-event message received", "type", env.Type)
			continue
		}

		var payload streaming.EventPayload
		if err := env.Decode(streaming.TypeEvent, &payload); err != nil {
			c.logger.Debug("Malformed feed event", "error", err)
			continue
		}

		select {
		case c.events <- payload.Event:
		case <-c.done:
			return
		}
	}
}

func (c *connection) finish() {
	c.mu.Lock()
	if c.err == nil {
		c.err = errStreamEnded
	}
	c.mu.Unlock()
	close(c.events)
}

func (c *connection) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *connection) Events() <-chan core.Event { return c.events }

func (c *connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a WebSocket close frame and stops the read loop.
func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.mu.Unlock()

	_ = conn.WriteControl(
		ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	return conn.Close()
}
