package worker

import (
	"context"
	"fmt"

	"github.com/markersync/markersync/internal/attachment"
	"github.com/markersync/markersync/internal/dispatcher"
	"github.com/markersync/markersync/pkg/core"
)

// Action names understood by RegisterHandlers.
const (
	ActionAdd              = "add"
	ActionEdit             = "edit"
	ActionDragStart        = "drag-start"
	ActionDragEnd          = "drag-end"
	ActionConfirmPosition  = "confirm-position"
	ActionSetFields        = "set-fields"
	ActionSetAttachment    = "set-attachment"
	ActionRemoveAttachment = "remove-attachment"
	ActionSave             = "save"
	ActionCancel           = "cancel"
	ActionDelete           = "delete"
	ActionSetVisibility    = "set-visibility"
	ActionSearch           = "search"
)

// RegisterHandlers registers all marker actions with the dispatcher.
// Every action runs synchronously so the caller sees the outcome.
func (m *Manager) RegisterHandlers(d *dispatcher.Dispatcher) {
	// Record creation and queries
	d.Register(ActionAdd, m.handleAdd, dispatcher.Logged())
	d.Register(ActionSearch, m.handleSearch)

	// Edit session
	d.Register(ActionEdit, m.handleEdit, dispatcher.ForRecord(), dispatcher.Logged())
	d.Register(ActionDragStart, m.handleDragStart, dispatcher.ForRecord())
	d.Register(ActionDragEnd, m.handleDragEnd, dispatcher.ForRecord(), dispatcher.Logged())
	d.Register(ActionConfirmPosition, m.handleConfirmPosition, dispatcher.ForRecord(), dispatcher.Logged())
	d.Register(ActionSetFields, m.handleSetFields, dispatcher.ForRecord(), dispatcher.Logged())
	d.Register(ActionSetAttachment, m.handleSetAttachment, dispatcher.ForRecord(), dispatcher.Logged())
	d.Register(ActionRemoveAttachment, m.handleRemoveAttachment, dispatcher.ForRecord(), dispatcher.Logged())
	d.Register(ActionSave, m.handleSave, dispatcher.ForRecord(), dispatcher.Logged())
	d.Register(ActionCancel, m.handleCancel, dispatcher.ForRecord(), dispatcher.Logged())

	// Direct mutations
	d.Register(ActionDelete, m.handleDelete, dispatcher.ForRecord(), dispatcher.Logged())
	d.Register(ActionSetVisibility, m.handleSetVisibility, dispatcher.ForRecord(), dispatcher.Logged())
}

func (m *Manager) handleAdd(ctx context.Context, c dispatcher.Command) (any, error) {
	in, err := m.deps.Parser.ParseAdd(c.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to parse add: %w", err)
	}
	if c.Payload != nil {
		b, err := blobPayload(c.Payload)
		if err != nil {
			return nil, err
		}
		in.Attachment = &b
	}
	return m.deps.Service.Add(ctx, in)
}

func (m *Manager) handleSearch(_ context.Context, c dispatcher.Command) (any, error) {
	return m.deps.Service.Search(m.deps.Parser.ParseKeyword(c.Args)), nil
}

func (m *Manager) handleEdit(_ context.Context, c dispatcher.Command) (any, error) {
	if _, ok := m.deps.Service.Get(c.RecordID); !ok {
		return nil, fmt.Errorf("record %s: %w", c.RecordID, core.ErrNotFound)
	}
	return m.deps.Stager.Begin(c.RecordID)
}

func (m *Manager) handleDragStart(_ context.Context, c dispatcher.Command) (any, error) {
	if err := m.sessionFor(c.RecordID); err != nil {
		return nil, err
	}
	if err := m.deps.Stager.DragStart(); err != nil {
		return nil, err
	}
	return m.deps.Stager.Snapshot(), nil
}

func (m *Manager) handleDragEnd(_ context.Context, c dispatcher.Command) (any, error) {
	if err := m.sessionFor(c.RecordID); err != nil {
		return nil, err
	}
	pos, err := m.deps.Parser.ParsePosition(c.Args)
	if err != nil {
		// An unreadable drop point still ends the drag.
		if _, abortErr := m.deps.Stager.AbortDrag(); abortErr != nil {
			return nil, abortErr
		}
		return nil, fmt.Errorf("failed to parse drop position: %w", err)
	}
	return m.deps.Stager.DragEnd(pos)
}

func (m *Manager) handleConfirmPosition(ctx context.Context, c dispatcher.Command) (any, error) {
	if err := m.sessionFor(c.RecordID); err != nil {
		return nil, err
	}
	return m.deps.Stager.ConfirmPosition(ctx)
}

func (m *Manager) handleSetFields(_ context.Context, c dispatcher.Command) (any, error) {
	if err := m.sessionFor(c.RecordID); err != nil {
		return nil, err
	}
	edits, err := m.deps.Parser.ParseFieldEdits(c.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fields: %w", err)
	}
	return m.deps.Stager.SetFields(edits)
}

func (m *Manager) handleSetAttachment(_ context.Context, c dispatcher.Command) (any, error) {
	if err := m.sessionFor(c.RecordID); err != nil {
		return nil, err
	}
	b, err := blobPayload(c.Payload)
	if err != nil {
		return nil, err
	}
	if err := m.deps.Stager.SetAttachment(b); err != nil {
		return nil, err
	}
	return m.deps.Stager.Snapshot(), nil
}

func (m *Manager) handleRemoveAttachment(_ context.Context, c dispatcher.Command) (any, error) {
	if err := m.sessionFor(c.RecordID); err != nil {
		return nil, err
	}
	if err := m.deps.Stager.RemoveAttachment(); err != nil {
		return nil, err
	}
	return m.deps.Stager.Snapshot(), nil
}

func (m *Manager) handleSave(ctx context.Context, c dispatcher.Command) (any, error) {
	if err := m.sessionFor(c.RecordID); err != nil {
		return nil, err
	}
	return m.deps.Stager.Save(ctx)
}

func (m *Manager) handleCancel(_ context.Context, c dispatcher.Command) (any, error) {
	if err := m.sessionFor(c.RecordID); err != nil {
		return nil, err
	}
	return nil, m.deps.Stager.Cancel()
}

func (m *Manager) handleDelete(ctx context.Context, c dispatcher.Command) (any, error) {
	if err := m.deps.Service.Delete(ctx, c.RecordID); err != nil {
		return nil, err
	}
	// A session on the deleted record has nothing left to commit.
	if snap := m.deps.Stager.Snapshot(); snap.RecordID == c.RecordID {
		_ = m.deps.Stager.Cancel()
	}
	return nil, nil
}

// handleSetVisibility sets the given visibility, or flips the current one
// when no argument is passed.
func (m *Manager) handleSetVisibility(ctx context.Context, c dispatcher.Command) (any, error) {
	var vis core.Visibility
	if len(c.Args) == 0 {
		rec, ok := m.deps.Service.Get(c.RecordID)
		if !ok {
			return nil, fmt.Errorf("record %s: %w", c.RecordID, core.ErrNotFound)
		}
		vis = core.Public
		if rec.Visibility == core.Public {
			vis = core.Private
		}
	} else {
		var err error
		vis, err = m.deps.Parser.ParseVisibility(c.Args)
		if err != nil {
			return nil, fmt.Errorf("failed to parse visibility: %w", err)
		}
	}
	return m.deps.Service.SetVisibility(ctx, c.RecordID, vis)
}

func blobPayload(payload any) (attachment.Blob, error) {
	switch b := payload.(type) {
	case attachment.Blob:
		return b, nil
	case *attachment.Blob:
		if b != nil {
			return *b, nil
		}
	}
	return attachment.Blob{}, core.Validation("attachment", fmt.Sprintf("unexpected payload %T", payload))
}
