// Package hub fans committed record changes out to in-process feed streams.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/markersync/markersync/internal/feed"
	"github.com/markersync/markersync/internal/storage"
	"github.com/markersync/markersync/pkg/core"
)

const defaultBuffer = 256

var (
	// ErrSlowConsumer ends a stream whose buffer overflowed.
	ErrSlowConsumer = errors.New("feed consumer too slow")

	// ErrHubClosed ends every stream when the hub shuts down.
	ErrHubClosed = errors.New("feed hub closed")

	// ErrUnknownTopic is returned by Open for a topic the hub does not carry.
	ErrUnknownTopic = errors.New("unknown feed topic")
)

// Hub is a storage.Publisher and a feed.Transport.
type Hub struct {
	mu      sync.Mutex
	topic   string
	buffer  int
	streams map[*stream]struct{}
	closed  bool
	logger  *slog.Logger
}

var (
	_ storage.Publisher = (*Hub)(nil)
	_ feed.Transport    = (*Hub)(nil)
)

// New creates a hub carrying topic. Each stream buffers up to buffer events.
func New(topic string, buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topic:   topic,
		buffer:  buffer,
		streams: make(map[*stream]struct{}),
		logger:  logger,
	}
}

// Topic returns the topic the hub carries.
func (h *Hub) Topic() string { return h.topic }

// Publish delivers ev to every stream whose hint matches either record
// image. A stream whose buffer is full is ended with ErrSlowConsumer.
func (h *Hub) Publish(ev core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.streams {
		if !matches(s.hint, ev) {
			continue
		}
		select {
		case s.events <- ev:
		default:
			h.logger.Warn("Dropping slow feed consumer", "buffer", h.buffer, "recordId", ev.RecordID())
			h.endLocked(s, ErrSlowConsumer)
		}
	}
}

// Open registers a new stream. It ends when ctx is done, when the consumer
// closes it or when the hub drops it.
func (h *Hub) Open(ctx context.Context, topic string, hint core.Predicate) (feed.Stream, error) {
	if topic != h.topic {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	s := &stream{
		hub:    h,
		hint:   hint,
		events: make(chan core.Event, h.buffer),
		done:   make(chan struct{}),
	}
	h.streams[s] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			h.end(s, ctx.Err())
		case <-s.done:
		}
	}()

	return s, nil
}

// Subscribers returns the number of open streams.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// Close ends every stream and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.streams {
		h.endLocked(s, ErrHubClosed)
	}
}

// Disconnect ends every open stream without closing the hub. Subscribers see
// a feed gap and reconnect.
func (h *Hub) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.streams {
		h.endLocked(s, feed.ErrStreamClosed)
	}
}

func (h *Hub) end(s *stream, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endLocked(s, err)
}

func (h *Hub) endLocked(s *stream, err error) {
	if _, ok := h.streams[s]; !ok {
		return
	}
	delete(h.streams, s)
	s.err = err
	close(s.events)
	close(s.done)
}

func matches(hint core.Predicate, ev core.Event) bool {
	if ev.After != nil && hint.Match(*ev.After) {
		return true
	}
	if ev.Before != nil && (ev.Before.OwnerID == "" || hint.Match(*ev.Before)) {
		return true
	}
	return false
}

type stream struct {
	hub    *Hub
	hint   core.Predicate
	events chan core.Event
	done   chan struct{}
	err    error
}

func (s *stream) Events() <-chan core.Event { return s.events }

func (s *stream) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.hub.end(s, feed.ErrStreamClosed)
	return nil
}
