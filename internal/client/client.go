// Package client assembles one replica with its reconcile engine, change feed
// subscription, edit stager and command dispatcher, and keeps them bound to
// the signed-in viewer.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/markersync/markersync/internal/attachment"
	"github.com/markersync/markersync/internal/blob"
	"github.com/markersync/markersync/internal/dispatcher"
	"github.com/markersync/markersync/internal/edit"
	"github.com/markersync/markersync/internal/feed"
	"github.com/markersync/markersync/internal/markers"
	"github.com/markersync/markersync/internal/monitor"
	"github.com/markersync/markersync/internal/parser"
	"github.com/markersync/markersync/internal/reconcile"
	"github.com/markersync/markersync/internal/replica"
	"github.com/markersync/markersync/internal/session"
	"github.com/markersync/markersync/internal/storage"
	"github.com/markersync/markersync/internal/worker"
	"github.com/markersync/markersync/pkg/core"
)

// ErrNotStarted is returned by operations that need a running client.
var ErrNotStarted = errors.New("client not started")

// Config holds the collaborators of a Client.
type Config struct {
	Store     storage.RecordStore
	Blobs     blob.Store
	Transport feed.Transport
	Session   *session.Provider
	// View defaults to a headless View.
	View edit.LiveView

	Topic              string
	MaxBackoff         time.Duration
	EchoCacheSize      int
	TombstoneCacheSize int
	MaxBlobSize        int64

	Logger *slog.Logger
	// DispatchLogger defaults to Logger.
	DispatchLogger dispatcher.Logger
}

// Client owns the replica of one process.
type Client struct {
	cfg    Config
	logger *slog.Logger

	replica    *replica.Replica
	engine     *reconcile.Engine
	subscriber *feed.Subscriber
	service    *markers.Service
	stager     *edit.Stager
	dispatcher *dispatcher.Dispatcher
	view       edit.LiveView

	mu       sync.Mutex
	ctx      context.Context
	handle   *feed.Handle
	unwatch  func()
	unfollow func()
	closed   bool
}

// New wires a Client. Nothing is fetched until Start.
func New(cfg Config) (*Client, error) {
	if cfg.Store == nil || cfg.Blobs == nil || cfg.Transport == nil {
		return nil, errors.New("client: store, blobs and transport are required")
	}
	if cfg.Session == nil {
		cfg.Session = session.NewProvider()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DispatchLogger == nil {
		cfg.DispatchLogger = cfg.Logger
	}

	c := &Client{cfg: cfg, logger: cfg.Logger, replica: replica.New()}

	engine, err := reconcile.New(c.replica, cfg.Store, cfg.Session.Current(), reconcile.Options{
		EchoCacheSize:      cfg.EchoCacheSize,
		TombstoneCacheSize: cfg.TombstoneCacheSize,
		Logger:             cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile engine: %w", err)
	}
	c.engine = engine

	c.subscriber = feed.NewSubscriber(cfg.Transport, engine, feed.Options{
		Topic:      cfg.Topic,
		MaxBackoff: cfg.MaxBackoff,
		Logger:     cfg.Logger,
	})

	var attOpts []attachment.Option
	if cfg.MaxBlobSize > 0 {
		attOpts = append(attOpts, attachment.WithMaxSize(cfg.MaxBlobSize))
	}
	attOpts = append(attOpts, attachment.WithLogger(cfg.Logger))

	c.service = markers.New(markers.Dependencies{
		Store:       cfg.Store,
		Engine:      engine,
		Attachments: attachment.New(cfg.Blobs, attOpts...),
		Auth:        cfg.Session,
		Logger:      cfg.Logger,
	})

	c.view = cfg.View
	if c.view == nil {
		v := NewView(cfg.Logger)
		c.unfollow = engine.OnChange(v.follow(engine.Reader()))
		c.view = v
	}
	c.stager = edit.NewStager(engine.Reader(), c.view, c.service, cfg.Logger)

	d, err := dispatcher.New(cfg.DispatchLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}
	worker.NewManager(worker.Dependencies{
		Service: c.service,
		Stager:  c.stager,
		Parser:  parser.NewParser(cfg.Logger),
		Logger:  cfg.Logger,
	}).RegisterHandlers(d)
	c.dispatcher = d

	return c, nil
}

// Start subscribes for the current viewer and follows identity changes
// until Close. The initial resync failure is returned.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrNotStarted
	}
	if c.ctx != nil {
		return nil
	}

	h, err := c.subscriber.Subscribe(ctx, c.engine.Viewer())
	if err != nil {
		return err
	}
	c.ctx = context.WithoutCancel(ctx)
	c.handle = h
	c.unwatch = c.cfg.Session.Watch(c.onViewer)
	c.logger.Info("Client started", "viewer", viewerName(c.engine.Viewer()), "records", c.replica.Len())
	return nil
}

func (c *Client) onViewer(v core.Viewer) {
	if err := c.SwitchViewer(v); err != nil {
		c.logger.Error("Failed to switch viewer", "viewer", viewerName(v), "error", err)
	}
}

// SwitchViewer drops any edit session, closes the subscription, clears the
// replica and resubscribes for v with a full resync.
func (c *Client) SwitchViewer(v core.Viewer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx == nil || c.closed {
		return ErrNotStarted
	}
	if err := c.stager.Cancel(); err != nil && !errors.Is(err, edit.ErrNoSession) {
		return err
	}

	c.subscriber.Unsubscribe(c.handle)
	c.handle = nil
	c.engine.SetViewer(v)

	h, err := c.subscriber.Subscribe(c.ctx, v)
	if err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	c.handle = h
	c.logger.Info("Viewer switched", "viewer", viewerName(v), "records", c.replica.Len())
	return nil
}

// Close stops following identity changes and the change feed.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	if c.unwatch != nil {
		c.unwatch()
	}
	if c.unfollow != nil {
		c.unfollow()
	}
	c.subscriber.Unsubscribe(c.handle)
	c.handle = nil
}

// Dispatch runs one command through the dispatch table.
func (c *Client) Dispatch(ctx context.Context, cmd dispatcher.Command) (any, error) {
	return c.dispatcher.Dispatch(ctx, cmd)
}

// Service returns the marker operations.
func (c *Client) Service() *markers.Service { return c.service }

// Stager returns the edit stager.
func (c *Client) Stager() *edit.Stager { return c.stager }

// Engine returns the reconcile engine.
func (c *Client) Engine() *reconcile.Engine { return c.engine }

// Reader returns the read-only replica.
func (c *Client) Reader() replica.Reader { return c.engine.Reader() }

// View returns the live view.
func (c *Client) View() edit.LiveView { return c.view }

// OnChange registers fn for replica changes.
func (c *Client) OnChange(fn reconcile.Listener) func() { return c.engine.OnChange(fn) }

// Monitor returns monitor dependencies sampling this client.
func (c *Client) Monitor() monitor.Dependencies {
	return monitor.Dependencies{
		Replica: c.replica,
		Engine:  c.engine,
		Feed:    c.feedStats,
		Viewer:  c.engine.Viewer,
		Logger:  c.logger,
	}
}

func (c *Client) feedStats() monitor.FeedStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return nil
	}
	return c.handle
}

func viewerName(v core.Viewer) string {
	if v.IsAnonymous() {
		return "anonymous"
	}
	return v.ID
}
