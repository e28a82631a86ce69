// Package websocket carries the change feed over WebSocket connections, both
// the dialing Transport and the serving Handler.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/markersync/markersync/internal/feed"
	"github.com/markersync/markersync/pkg/core"
	"github.com/markersync/markersync/pkg/streaming"
)

var errStreamEnded = errors.New("feed connection ended")

// Config holds client transport settings.
type Config struct {
	URL string
	// Token returns the current bearer token, or "" when anonymous.
	Token  func() string
	Logger *slog.Logger
}

// Transport dials the feed endpoint for every Open.
type Transport struct {
	cfg    Config
	logger *slog.Logger
}

var _ feed.Transport = (*Transport)(nil)

// New creates a Transport.
func New(cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{cfg: cfg, logger: logger}
}

// Open dials, subscribes to topic and returns once the server acknowledged.
func (t *Transport) Open(ctx context.Context, topic string, hint core.Predicate) (feed.Stream, error) {
	token := ""
	if t.cfg.Token != nil {
		token = t.cfg.Token()
	}
	c, err := dial(ctx, t.cfg.URL, token, topic, hint, t.logger)
	if err != nil {
		return nil, core.Transport("open feed", err)
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()
	return c, nil
}

// Authenticator resolves the viewer of an upgrade request.
type Authenticator func(r *http.Request) (core.Viewer, error)

// Handler serves the feed to WebSocket clients. The visibility predicate is
// derived from the authenticated viewer; the client's hint is ignored.
type Handler struct {
	source       feed.Transport
	authenticate Authenticator
	upgrader     ws.Upgrader
	logger       *slog.Logger
}

// NewHandler creates a Handler serving streams opened on source.
func NewHandler(source feed.Transport, authenticate Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		source:       source,
		authenticate: authenticate,
		upgrader:     ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:       logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	viewer := core.Anonymous()
	if h.authenticate != nil {
		v, err := h.authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		viewer = v
	}

	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer c.Close()

	if err := c.SetReadDeadline(time.Now().Add(ackTimeout)); err != nil {
		return
	}
	_, msg, err := c.ReadMessage()
	if err != nil {
		return
	}
	var env streaming.Envelope
	var sub streaming.SubscribePayload
	if err := json.Unmarshal(msg, &env); err != nil {
		h.refuse(c, "malformed subscribe message")
		return
	}
	if err := env.Decode(streaming.TypeSubscribe, &sub); err != nil {
		h.refuse(c, err.Error())
		return
	}
	if err := c.SetReadDeadline(time.Time{}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, err := h.source.Open(ctx, sub.Topic, core.PredicateFor(viewer))
	if err != nil {
		h.refuse(c, err.Error())
		return
	}
	defer stream.Close()

	if err := h.write(c, streaming.TypeAck, nil); err != nil {
		return
	}
	h.logger.Debug("Feed client subscribed", "viewer", viewer.ID, "topic", sub.Topic)

	// The client never sends after subscribing; reading detects its close.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream.Events():
			if !ok {
				h.logger.Debug("Feed stream ended", "viewer", viewer.ID, "error", stream.Err())
				_ = c.WriteControl(ws.CloseMessage,
					ws.FormatCloseMessage(ws.CloseGoingAway, "stream ended"),
					time.Now().Add(writeWait))
				return
			}
			norm, keep := feed.Normalize(viewer, ev)
			if !keep {
				continue
			}
			if err := h.write(c, streaming.TypeEvent, streaming.EventPayload{Topic: sub.Topic, Event: norm}); err != nil {
				h.logger.Warn("WebSocket write error", "viewer", viewer.ID, "error", err)
				return
			}
		}
	}
}

func (h *Handler) write(c *ws.Conn, typ string, payload any) error {
	data, err := streaming.Encode(typ, payload)
	if err != nil {
		return err
	}
	if err := c.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.WriteMessage(ws.TextMessage, data)
}

func (h *Handler) refuse(c *ws.Conn, reason string) {
	_ = h.write(c, streaming.TypeError, streaming.ErrorPayload{Message: reason})
}
