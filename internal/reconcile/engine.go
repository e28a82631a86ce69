// Package reconcile is the single writer into the replica. It merges local
// optimistic mutations, feed events and full resync snapshots using
// last-writer-wins on the record version.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/markersync/markersync/internal/queue"
	"github.com/markersync/markersync/internal/replica"
	"github.com/markersync/markersync/pkg/core"
)

const defaultCacheSize = 1024

// Origin tells where a replica copy came from.
type Origin uint8

const (
	OriginLocal Origin = iota + 1
	OriginFeed
	OriginResync
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginFeed:
		return "feed"
	case OriginResync:
		return "resync"
	default:
		return fmt.Sprintf("Origin(%d)", uint8(o))
	}
}

// ChangeKind tags a replica change notification.
type ChangeKind uint8

const (
	ChangeUpsert ChangeKind = iota + 1
	ChangeRemove
	ChangeReset
)

// Change describes one visible effect on the replica. Record is set for
// upserts only; a reset means the whole content was replaced.
type Change struct {
	Kind   ChangeKind
	ID     string
	Record core.Record
	Origin Origin
}

// Listener receives change notifications. Listeners run synchronously while
// the engine holds its write lock: they may read the replica but must not
// call the engine's apply methods.
type Listener func(Change)

// Querier is the part of the record store a resync needs.
type Querier interface {
	Query(ctx context.Context, pred core.Predicate) ([]core.Record, error)
}

// Options configures an Engine.
type Options struct {
	EchoCacheSize      int
	TombstoneCacheSize int
	Logger             *slog.Logger
}

// Stats are cumulative engine counters.
type Stats struct {
	Applied    int64
	Stale      int64
	Echoes     int64
	Duplicates int64
	Removed    int64
	Resyncs    int64
}

type fingerprint struct {
	id      string
	version int64
}

func fingerprintOf(rec core.Record) fingerprint {
	return fingerprint{id: rec.ID, version: rec.Version().UnixNano()}
}

type pendingOp struct {
	ev     core.Event
	origin Origin
}

// Engine owns all writes to a replica.
type Engine struct {
	mu       sync.Mutex
	resyncMu sync.Mutex

	replica *replica.Replica
	store   Querier
	viewer  core.Viewer

	origins    map[string]Origin
	tombstones *lru.Cache[string, time.Time]
	echoes     *lru.Cache[fingerprint, struct{}]

	resyncing bool
	pending   *queue.Queue[pendingOp]

	listeners    map[int]Listener
	nextListener int

	stats  Stats
	ins    *instruments
	logger *slog.Logger
}

// New creates an Engine writing into rep and resyncing from store.
func New(rep *replica.Replica, store Querier, viewer core.Viewer, opts Options) (*Engine, error) {
	if opts.EchoCacheSize <= 0 {
		opts.EchoCacheSize = defaultCacheSize
	}
	if opts.TombstoneCacheSize <= 0 {
		opts.TombstoneCacheSize = defaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	tombstones, err := lru.New[string, time.Time](opts.TombstoneCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating tombstone cache: %w", err)
	}
	echoes, err := lru.New[fingerprint, struct{}](opts.EchoCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating echo cache: %w", err)
	}
	ins, err := newInstruments()
	if err != nil {
		return nil, err
	}

	return &Engine{
		replica:    rep,
		store:      store,
		viewer:     viewer,
		origins:    make(map[string]Origin),
		tombstones: tombstones,
		echoes:     echoes,
		pending:    queue.New[pendingOp](),
		listeners:  make(map[int]Listener),
		ins:        ins,
		logger:     opts.Logger,
	}, nil
}

// Reader exposes the replica read-only.
func (e *Engine) Reader() replica.Reader {
	return e.replica
}

// Viewer returns the viewer the replica currently mirrors.
func (e *Engine) Viewer() core.Viewer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewer
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// OnChange registers fn and returns a function removing it.
func (e *Engine) OnChange(fn Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// ApplyLocalMutation reflects a record the store just accepted. Its later
// feed echo is absorbed without a second notification.
func (e *Engine) ApplyLocalMutation(rec core.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.echoes.Add(fingerprintOf(rec), struct{}{})
	if e.resyncing {
		e.pending.Push(pendingOp{ev: core.InsertEvent(rec), origin: OriginLocal})
	}
	e.upsertLocked(rec, OriginLocal, true)
}

// ApplyLocalDelete removes a record the store just deleted. The tombstone
// takes the replica copy's version; an id the replica never held leaves no
// tombstone, so a later feed copy of it is applied as usual.
func (e *Engine) ApplyLocalDelete(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.resyncing {
		e.pending.Push(pendingOp{ev: core.DeleteEvent(core.Record{ID: id}), origin: OriginLocal})
	}
	e.removeLocked(id, time.Time{}, OriginLocal, true)
}

// ApplyFeedEvent merges one normalized feed event. Malformed events are
// dropped.
func (e *Engine) ApplyFeedEvent(ev core.Event) {
	if err := ev.Validate(); err != nil {
		e.logger.Debug("Dropping malformed feed event", "error", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.resyncing {
		e.pending.Push(pendingOp{ev: ev, origin: OriginFeed})
	}
	e.applyLocked(ev, OriginFeed, true)
}

// Resync replaces the replica with a fresh query of the viewer's visible
// set. Events applied while the query runs are replayed over the snapshot.
// Listeners get a single ChangeReset.
func (e *Engine) Resync(ctx context.Context) error {
	e.resyncMu.Lock()
	defer e.resyncMu.Unlock()

	e.mu.Lock()
	viewer := e.viewer
	e.resyncing = true
	e.pending.Clear()
	e.mu.Unlock()

	recs, err := e.store.Query(ctx, core.PredicateFor(viewer))

	e.mu.Lock()
	defer e.mu.Unlock()
	pending := e.pending.Drain()
	e.resyncing = false

	if err != nil {
		return core.Transport("resync", err)
	}
	if e.viewer != viewer {
		e.logger.Info("Viewer changed during resync, discarding snapshot", "viewer", viewer.ID)
		return nil
	}

	visible := make([]core.Record, 0, len(recs))
	for _, rec := range recs {
		if viewer.CanSee(rec) {
			visible = append(visible, rec)
		}
	}

	e.replica.Replace(visible)
	e.origins = make(map[string]Origin, len(visible))
	for _, rec := range visible {
		e.origins[rec.ID] = OriginResync
	}
	e.tombstones.Purge()

	for _, op := range pending {
		e.applyLocked(op.ev, op.origin, false)
	}

	e.stats.Resyncs++
	e.ins.resyncs.Add(context.Background(), 1)
	e.logger.Debug("Replica resynced", "viewer", viewer.ID, "records", len(visible), "replayed", len(pending))
	e.notifyLocked(Change{Kind: ChangeReset, Origin: OriginResync})
	return nil
}

// SetViewer switches the replica to a new viewer and clears it. The caller
// resubscribes, which performs the full resync.
func (e *Engine) SetViewer(v core.Viewer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.viewer == v {
		return
	}
	e.viewer = v
	e.replica.Replace(nil)
	e.origins = make(map[string]Origin)
	e.tombstones.Purge()
	e.echoes.Purge()
	e.notifyLocked(Change{Kind: ChangeReset, Origin: OriginResync})
}

func (e *Engine) applyLocked(ev core.Event, origin Origin, notify bool) {
	switch ev.Kind {
	case core.Insert, core.Update:
		rec := *ev.After
		if origin == OriginFeed {
			fp := fingerprintOf(rec)
			if e.echoes.Contains(fp) {
				e.echoes.Remove(fp)
				e.stats.Echoes++
				e.ins.echoes.Add(context.Background(), 1)
				notify = false
			}
		}
		e.upsertLocked(rec, origin, notify)
	case core.Delete:
		e.removeLocked(ev.Before.ID, ev.Before.Version(), origin, notify)
	}
}

func (e *Engine) upsertLocked(rec core.Record, origin Origin, notify bool) {
	if deletedAt, ok := e.tombstones.Peek(rec.ID); ok && !rec.Version().After(deletedAt) {
		e.markStale(rec, origin, "tombstoned")
		return
	}

	if cur, ok := e.replica.Get(rec.ID); ok {
		if sameRecord(cur, rec) {
			if origin != OriginLocal {
				e.origins[rec.ID] = origin
			}
			e.stats.Duplicates++
			return
		}
		if !wins(cur, e.origins[rec.ID], rec, origin) {
			e.markStale(rec, origin, "older than replica")
			return
		}
	}

	e.tombstones.Remove(rec.ID)
	e.replica.Upsert(rec)
	e.origins[rec.ID] = origin
	e.stats.Applied++
	e.ins.applied.Add(context.Background(), 1, metric.WithAttributes(attribute.String("origin", origin.String())))
	if notify {
		e.notifyLocked(Change{Kind: ChangeUpsert, ID: rec.ID, Record: rec.Clone(), Origin: origin})
	}
}

func (e *Engine) removeLocked(id string, version time.Time, origin Origin, notify bool) {
	if cur, ok := e.replica.Get(id); ok && cur.Version().After(version) {
		version = cur.Version()
	}
	if !version.IsZero() {
		if prev, ok := e.tombstones.Peek(id); !ok || version.After(prev) {
			e.tombstones.Add(id, version)
		}
	}
	delete(e.origins, id)

	if !e.replica.Remove(id) {
		return
	}
	e.stats.Removed++
	e.stats.Applied++
	e.ins.applied.Add(context.Background(), 1, metric.WithAttributes(attribute.String("origin", origin.String())))
	if notify {
		e.notifyLocked(Change{Kind: ChangeRemove, ID: id, Origin: origin})
	}
}

func (e *Engine) markStale(rec core.Record, origin Origin, reason string) {
	e.stats.Stale++
	e.ins.stale.Add(context.Background(), 1)
	e.logger.Debug("Discarding stale copy", "recordId", rec.ID, "origin", origin, "reason", reason,
		"version", rec.Version().Format(time.RFC3339Nano))
}

func (e *Engine) notifyLocked(c Change) {
	for _, fn := range e.listeners {
		fn(c)
	}
}

// wins implements the merge rule: newer versions win, and on a tie the
// feed copy beats a local one.
func wins(cur core.Record, curOrigin Origin, in core.Record, inOrigin Origin) bool {
	cv, iv := cur.Version(), in.Version()
	switch {
	case iv.After(cv):
		return true
	case iv.Before(cv):
		return false
	default:
		return inOrigin != OriginLocal || curOrigin == OriginLocal
	}
}

func sameRecord(a, b core.Record) bool {
	if (a.Attachment == nil) != (b.Attachment == nil) {
		return false
	}
	if a.Attachment != nil && *a.Attachment != *b.Attachment {
		return false
	}
	return a.ID == b.ID &&
		a.OwnerID == b.OwnerID &&
		a.Position == b.Position &&
		a.Label == b.Label &&
		a.Notes == b.Notes &&
		a.Visibility == b.Visibility &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}
