// Package replica holds the client's in-memory view of marker records.
package replica

import (
	"sort"
	"sync"

	"github.com/markersync/markersync/internal/geo"
	"github.com/markersync/markersync/internal/util"
	"github.com/markersync/markersync/pkg/core"
)

// Reader is the read-only surface handed to everything except the
// reconciliation engine.
type Reader interface {
	Get(id string) (core.Record, bool)
	Query(viewer core.Viewer) []core.Record
	Search(viewer core.Viewer, keyword string) []core.Record
	Within(viewer core.Viewer, v geo.Viewport) []core.Record
	Len() int
}

// Replica maps record ids to the latest known copy of each record.
// All methods are safe for concurrent use and never block on I/O.
type Replica struct {
	mu      sync.RWMutex
	records map[string]core.Record
}

var _ Reader = (*Replica)(nil)

// New creates an empty Replica
func New() *Replica {
	return &Replica{
		records: make(map[string]core.Record),
	}
}

// Upsert stores rec, replacing any copy with the same id.
func (r *Replica) Upsert(rec core.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec.Clone()
}

// Remove deletes the record with the given id and reports whether it was present.
func (r *Replica) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[id]
	delete(r.records, id)
	return ok
}

// Get retrieves a record by id
func (r *Replica) Get(id string) (core.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return core.Record{}, false
	}
	return rec.Clone(), true
}

// Replace swaps the whole content for recs in one step.
func (r *Replica) Replace(recs []core.Record) {
	next := make(map[string]core.Record, len(recs))
	for _, rec := range recs {
		next[rec.ID] = rec.Clone()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = next
}

// Len returns the number of stored records, visible or not.
func (r *Replica) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Query returns the visible set of viewer, newest first.
func (r *Replica) Query(viewer core.Viewer) []core.Record {
	return r.filter(viewer, func(core.Record) bool { return true })
}

// Search returns the visible records whose label or notes contain keyword.
func (r *Replica) Search(viewer core.Viewer, keyword string) []core.Record {
	return r.filter(viewer, func(rec core.Record) bool {
		return util.ContainsFold(rec.Label, keyword) || util.ContainsFold(rec.Notes, keyword)
	})
}

// Within returns the visible records inside the viewport.
func (r *Replica) Within(viewer core.Viewer, v geo.Viewport) []core.Record {
	return r.filter(viewer, func(rec core.Record) bool {
		return v.Contains(rec.Position)
	})
}

func (r *Replica) filter(viewer core.Viewer, keep func(core.Record) bool) []core.Record {
	pred := core.PredicateFor(viewer)

	r.mu.RLock()
	out := make([]core.Record, 0, len(r.records))
	for _, rec := range r.records {
		if pred.Match(rec) && keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	r.mu.RUnlock()

	SortNewestFirst(out)
	return out
}

// SortNewestFirst orders recs by CreatedAt descending, ties by id ascending.
func SortNewestFirst(recs []core.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
