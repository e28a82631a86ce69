package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrUnknownAction is returned by Dispatch for actions nobody registered.
	ErrUnknownAction = errors.New("unknown action")

	// ErrMissingRecord is returned when a record-scoped action has no RecordID.
	ErrMissingRecord = errors.New("action requires a record id")
)

// Command is a user intent addressed to a record, decoupled from whatever
// rendered the control that produced it.
type Command struct {
	RecordID  string
	Action    string
	Args      []string
	Payload   any
	Timestamp time.Time
}

// HandlerFunc processes a command and returns a result.
type HandlerFunc func(ctx context.Context, c Command) (any, error)

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	bufferSize int
	blocking   bool
	logged     bool
	record     bool
}

// Buffered makes the handler async with a queue of the given size.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered handler block when the queue is full instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// ForRecord rejects commands without a RecordID before the handler runs.
func ForRecord() Option {
	return func(c *config) {
		c.record = true
	}
}

// Dispatcher routes commands to registered handlers by action.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	logger   Logger

	ins instruments

	// buffers feed the queue size gauge
	mu      sync.RWMutex
	buffers map[string]chan queued
}

type queued struct {
	ctx context.Context
	cmd Command
}

// New creates a new Dispatcher with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		buffers:  make(map[string]chan queued),
		logger:   logger,
	}

	if err := d.registerInstruments(); err != nil {
		return nil, err
	}
	return d, nil
}

// Register adds a handler for the given action with optional configuration.
func (d *Dispatcher) Register(action string, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := d.withMetrics(action, h)

	if cfg.bufferSize > 0 {
		handler = d.withBuffer(action, cfg.bufferSize, cfg.blocking, handler)
	}

	if cfg.logged {
		handler = d.withLogging(action, handler)
	}

	if cfg.record {
		handler = withRecord(action, handler)
	}

	d.mu.Lock()
	d.handlers[action] = handler
	d.mu.Unlock()
}

// Dispatch routes a command to the handler registered for its action.
func (d *Dispatcher) Dispatch(ctx context.Context, c Command) (any, error) {
	d.mu.RLock()
	h, ok := d.handlers[c.Action]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, c.Action)
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	return h(ctx, c)
}

// HasHandler returns true if a handler is registered for the action.
func (d *Dispatcher) HasHandler(action string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[action]
	return ok
}

// Actions returns the registered action names in no particular order.
func (d *Dispatcher) Actions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for action := range d.handlers {
		out = append(out, action)
	}
	return out
}

func withRecord(action string, h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, c Command) (any, error) {
		if c.RecordID == "" {
			return nil, fmt.Errorf("%s: %w", action, ErrMissingRecord)
		}
		return h(ctx, c)
	}
}

func (d *Dispatcher) withMetrics(action string, h HandlerFunc) HandlerFunc {
	attrs := metric.WithAttributes(attribute.String("action", action))
	return func(ctx context.Context, c Command) (any, error) {
		result, err := h(ctx, c)
		d.ins.processed.Add(context.Background(), 1, attrs)
		if err != nil {
			d.ins.failed.Add(context.Background(), 1, attrs)
		}
		return result, err
	}
}

func (d *Dispatcher) withBuffer(action string, size int, blocking bool, h HandlerFunc) HandlerFunc {
	buffer := make(chan queued, size)

	d.mu.Lock()
	d.buffers[action] = buffer
	d.mu.Unlock()

	actionAttr := attribute.String("action", action)

	go func() {
		for q := range buffer {
			if _, err := h(q.ctx, q.cmd); err != nil {
				d.logger.Error("queued command failed", "action", action, "record", q.cmd.RecordID, "error", err)
			}
		}
	}()

	if blocking {
		return func(ctx context.Context, c Command) (any, error) {
			buffer <- queued{ctx: context.WithoutCancel(ctx), cmd: c}
			return "queued", nil
		}
	}

	return func(ctx context.Context, c Command) (any, error) {
		select {
		case buffer <- queued{ctx: context.WithoutCancel(ctx), cmd: c}:
			return "queued", nil
		default:
			d.ins.dropped.Add(context.Background(), 1, metric.WithAttributes(actionAttr))
			return nil, fmt.Errorf("queue full: %s", action)
		}
	}
}

func (d *Dispatcher) withLogging(action string, h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, c Command) (any, error) {
		start := time.Now()
		d.logger.Debug("handling command", "action", action, "record", c.RecordID, "args", len(c.Args))

		result, err := h(ctx, c)

		if err != nil {
			d.logger.Error("command failed", "action", action, "record", c.RecordID, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("command complete", "action", action, "record", c.RecordID, "duration", time.Since(start))
		}

		return result, err
	}
}
