package client

import (
	"log/slog"
	"sync"

	"github.com/markersync/markersync/internal/edit"
	"github.com/markersync/markersync/internal/reconcile"
	"github.com/markersync/markersync/internal/replica"
	"github.com/markersync/markersync/pkg/core"
)

// View is a headless edit.LiveView. It mirrors replica positions, except for
// the record being dragged, whose position only the edit stager moves.
type View struct {
	mu        sync.Mutex
	positions map[string]core.Position
	draggable string
	logger    *slog.Logger
}

var _ edit.LiveView = (*View)(nil)

// NewView creates an empty View.
func NewView(logger *slog.Logger) *View {
	if logger == nil {
		logger = slog.Default()
	}
	return &View{positions: make(map[string]core.Position), logger: logger}
}

// SetDraggable marks id as the record under edit.
func (v *View) SetDraggable(id string, draggable bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case draggable:
		v.draggable = id
	case v.draggable == id:
		v.draggable = ""
	}
	v.logger.Debug("Marker drag toggled", "id", id, "draggable", draggable)
}

// MoveTo places id at pos.
func (v *View) MoveTo(id string, pos core.Position) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions[id] = pos
}

// Position returns where id is shown.
func (v *View) Position(id string) (core.Position, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pos, ok := v.positions[id]
	return pos, ok
}

// Draggable returns the id of the draggable record, or "".
func (v *View) Draggable() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.draggable
}

// Len returns the number of shown records.
func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.positions)
}

// follow returns an engine listener keeping v in step with rep.
func (v *View) follow(rep replica.Reader) reconcile.Listener {
	return func(c reconcile.Change) {
		v.mu.Lock()
		defer v.mu.Unlock()

		switch c.Kind {
		case reconcile.ChangeUpsert:
			if c.ID != v.draggable {
				v.positions[c.ID] = c.Record.Position
			}
		case reconcile.ChangeRemove:
			delete(v.positions, c.ID)
		case reconcile.ChangeReset:
			kept, dragging := v.positions[v.draggable]
			clear(v.positions)
			// the replica already holds only visible records
			for _, rec := range rep.Query(core.Viewer{Admin: true}) {
				v.positions[rec.ID] = rec.Position
			}
			if _, ok := v.positions[v.draggable]; ok && dragging {
				v.positions[v.draggable] = kept
			}
		}
	}
}
