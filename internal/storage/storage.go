// internal/storage/storage.go
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/markersync/markersync/pkg/core"
)

// RecordStore is the authoritative record service the replica mirrors.
// Stores assign CreatedAt on insert and UpdatedAt on every mutation.
type RecordStore interface {
	// Query returns every record matching pred.
	Query(ctx context.Context, pred core.Predicate) ([]core.Record, error)

	// Get returns a single record or core.ErrNotFound.
	Get(ctx context.Context, id string) (core.Record, error)

	// Insert stores rec under its client-generated id.
	Insert(ctx context.Context, rec core.Record) (core.Record, error)

	// Update applies patch to an existing record or returns core.ErrNotFound.
	Update(ctx context.Context, id string, patch core.Patch) (core.Record, error)

	// Delete removes a record. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
}

// Backend is a RecordStore with a lifecycle, as opened by the server.
type Backend interface {
	RecordStore

	// Lifecycle
	Init() error
	Close() error
}

// Publisher receives every committed change, typically a feed hub.
type Publisher interface {
	Publish(ev core.Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev core.Event)

// Publish calls f(ev).
func (f PublisherFunc) Publish(ev core.Event) { f(ev) }

// NopPublisher drops all events.
var NopPublisher Publisher = PublisherFunc(func(core.Event) {})

// Clock hands out strictly increasing UTC timestamps truncated to the
// microsecond, the precision every backend round-trips.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewClock creates a Clock over now, or time.Now when nil.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns a timestamp later than any previously returned one.
func (c *Clock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

// Observe moves the clock past t, used after loading persisted records.
func (c *Clock) Observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t.UTC()
	}
}

// PrepareInsert validates rec and stamps both timestamps for a fresh insert.
func PrepareInsert(rec core.Record, now time.Time) (core.Record, error) {
	if err := rec.Validate(); err != nil {
		return core.Record{}, err
	}
	rec = rec.Clone()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return rec, nil
}

// PrepareUpdate validates patch, applies it to current and stamps UpdatedAt.
func PrepareUpdate(current core.Record, patch core.Patch, now time.Time) (core.Record, error) {
	if err := patch.Validate(); err != nil {
		return core.Record{}, err
	}
	next := patch.Apply(current)
	next.UpdatedAt = now
	return next, nil
}
