package worker

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/markersync/markersync/internal/edit"
	"github.com/markersync/markersync/internal/markers"
	"github.com/markersync/markersync/internal/parser"
)

// ErrRecordMismatch is returned when a session command names a record other
// than the one under edit.
var ErrRecordMismatch = errors.New("command targets a record that is not under edit")

// Dependencies holds all dependencies for the worker manager
type Dependencies struct {
	Service *markers.Service
	Stager  *edit.Stager
	Parser  *parser.Parser
	Logger  *slog.Logger
}

// Manager binds marker actions to the service and the edit stager.
type Manager struct {
	deps Dependencies
}

// NewManager creates a new worker manager
func NewManager(deps Dependencies) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Parser == nil {
		deps.Parser = parser.NewParser(deps.Logger)
	}
	return &Manager{deps: deps}
}

// sessionFor checks that the open edit session belongs to id.
func (m *Manager) sessionFor(id string) error {
	snap := m.deps.Stager.Snapshot()
	if snap.State == edit.Idle {
		return edit.ErrNoSession
	}
	if snap.RecordID != id {
		return fmt.Errorf("%w: %s is under edit, got %s", ErrRecordMismatch, snap.RecordID, id)
	}
	return nil
}
