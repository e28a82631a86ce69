// Package feed subscribes a viewer to the record change feed, filters the
// delivered events down to that viewer's visible set and drives a full
// resync of the sink after every (re)connect.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markersync/markersync/pkg/core"
)

const (
	defaultTopic          = "markers"
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// ErrStreamClosed ends a stream that was closed by its consumer.
var ErrStreamClosed = errors.New("feed stream closed")

// Stream is one open subscription of a Transport. Events is closed when the
// stream ends; Err then reports why.
type Stream interface {
	Events() <-chan core.Event
	Err() error
	Close() error
}

// Transport opens change feed streams. The hint narrows delivery; it is not
// trusted for access control.
type Transport interface {
	Open(ctx context.Context, topic string, hint core.Predicate) (Stream, error)
}

// Sink receives normalized events and performs full resyncs.
type Sink interface {
	Resync(ctx context.Context) error
	ApplyFeedEvent(ev core.Event)
}

// Options configures a Subscriber.
type Options struct {
	Topic          string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// Subscriber connects a Transport to a Sink.
type Subscriber struct {
	transport Transport
	sink      Sink
	topic     string
	initial   time.Duration
	max       time.Duration
	logger    *slog.Logger
}

// NewSubscriber creates a Subscriber. Zero options take defaults.
func NewSubscriber(transport Transport, sink Sink, opts Options) *Subscriber {
	s := &Subscriber{
		transport: transport,
		sink:      sink,
		topic:     opts.Topic,
		initial:   opts.InitialBackoff,
		max:       opts.MaxBackoff,
		logger:    opts.Logger,
	}
	if s.topic == "" {
		s.topic = defaultTopic
	}
	if s.initial <= 0 {
		s.initial = defaultInitialBackoff
	}
	if s.max <= 0 {
		s.max = defaultMaxBackoff
	}
	if s.max < s.initial {
		s.max = s.initial
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Handle is a live subscription returned by Subscribe.
type Handle struct {
	viewer  core.Viewer
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	resyncs atomic.Int64
	gaps    atomic.Int64
}

// Viewer returns the viewer the handle filters for.
func (h *Handle) Viewer() core.Viewer { return h.viewer }

// Done is closed once the pump goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Resyncs counts completed full resyncs, including the initial one.
func (h *Handle) Resyncs() int64 { return h.resyncs.Load() }

// Gaps counts stream drops that were followed by a reconnect attempt.
func (h *Handle) Gaps() int64 { return h.gaps.Load() }

// Close stops the subscription and waits for the pump to exit. It is safe to
// call more than once.
func (h *Handle) Close() {
	h.once.Do(h.cancel)
	<-h.done
}

// Subscribe opens the stream for viewer, performs the initial full resync and
// starts delivering events. The stream is opened before the resync so that
// nothing committed during the snapshot query is missed.
func (s *Subscriber) Subscribe(ctx context.Context, viewer core.Viewer) (*Handle, error) {
	hint := core.PredicateFor(viewer)

	// The stream outlives ctx; only the resync is bound to it.
	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	stream, err := s.transport.Open(pumpCtx, s.topic, hint)
	if err != nil {
		cancel()
		return nil, core.Transport("open feed", err)
	}
	if err := s.sink.Resync(ctx); err != nil {
		_ = stream.Close()
		cancel()
		return nil, err
	}

	h := &Handle{viewer: viewer, cancel: cancel, done: make(chan struct{})}
	h.resyncs.Add(1)

	go s.pump(pumpCtx, h, hint, stream)
	return h, nil
}

// Unsubscribe releases h. A nil handle is ignored.
func (s *Subscriber) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}
	h.Close()
}

func (s *Subscriber) pump(ctx context.Context, h *Handle, hint core.Predicate, stream Stream) {
	defer close(h.done)

	for {
		s.drain(ctx, h.viewer, stream)
		_ = stream.Close()

		if ctx.Err() != nil {
			return
		}

		h.gaps.Add(1)
		s.logger.Warn("Feed stream ended, resyncing after reconnect", "viewer", h.viewer.ID, "error", stream.Err())

		stream = s.reconnect(ctx, h, hint)
		if stream == nil {
			return
		}
	}
}

// drain delivers events until the stream ends or ctx is done.
func (s *Subscriber) drain(ctx context.Context, viewer core.Viewer, stream Stream) {
	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if norm, keep := Normalize(viewer, ev); keep {
				s.sink.ApplyFeedEvent(norm)
			}
		}
	}
}

// reconnect reopens the stream with exponential backoff and resyncs the sink.
// It returns nil only when ctx is done.
func (s *Subscriber) reconnect(ctx context.Context, h *Handle, hint core.Predicate) Stream {
	backoff := s.initial
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		stream, err := s.transport.Open(ctx, s.topic, hint)
		if err == nil {
			err = s.sink.Resync(ctx)
			if err == nil {
				h.resyncs.Add(1)
				s.logger.Info("Feed reconnected", "viewer", h.viewer.ID, "attempt", attempt)
				return stream
			}
			_ = stream.Close()
		}
		if ctx.Err() != nil {
			return nil
		}

		s.logger.Warn("Feed reconnect failed", "viewer", h.viewer.ID, "attempt", attempt, "backoff", backoff, "error", err)
		backoff *= 2
		if backoff > s.max {
			backoff = s.max
		}
	}
}

// Normalize reduces ev to what viewer may observe. An update that moves a
// record out of the visible set becomes a Delete, one that moves it in
// becomes an Insert. Malformed events and events invisible on both sides are
// dropped.
func Normalize(viewer core.Viewer, ev core.Event) (core.Event, bool) {
	if ev.Validate() != nil {
		return core.Event{}, false
	}

	switch ev.Kind {
	case core.Insert:
		if viewer.CanSee(*ev.After) {
			return ev, true
		}
		return core.Event{}, false

	case core.Delete:
		// Id-only images carry no owner to filter on; removal is idempotent.
		if ev.Before.OwnerID == "" || viewer.CanSee(*ev.Before) {
			return ev, true
		}
		return core.Event{}, false

	default:
		afterVisible := viewer.CanSee(*ev.After)
		beforeVisible := ev.Before != nil && viewer.CanSee(*ev.Before)
		switch {
		case afterVisible && ev.Before != nil && !beforeVisible:
			return core.InsertEvent(*ev.After), true
		case afterVisible:
			return ev, true
		case beforeVisible:
			return core.DeleteEvent(*ev.Before), true
		case ev.Before == nil:
			// The previous image is unknown, so the record may be cached.
			return core.DeleteEvent(redact(*ev.After)), true
		default:
			return core.Event{}, false
		}
	}
}

// redact keeps only the identity and timestamps of a record the viewer
// cannot see. The empty owner keeps the Delete deliverable downstream.
func redact(r core.Record) core.Record {
	return core.Record{ID: r.ID, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
}
