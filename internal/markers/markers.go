// Package markers is the mutation and query surface used by the CLI and the
// command dispatcher. Every mutation validates locally, checks the session,
// commits to the record store and only then reflects the result into the
// replica.
package markers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/markersync/markersync/internal/attachment"
	"github.com/markersync/markersync/internal/edit"
	"github.com/markersync/markersync/internal/geo"
	"github.com/markersync/markersync/internal/reconcile"
	"github.com/markersync/markersync/internal/replica"
	"github.com/markersync/markersync/internal/storage"
	"github.com/markersync/markersync/pkg/core"
)

// Auth is the identity collaborator.
type Auth interface {
	Current() core.Viewer
	Check(now time.Time) error
}

// AddInput describes a new marker.
type AddInput struct {
	Position   core.Position
	Label      string
	Notes      string
	Visibility core.Visibility
	Attachment *attachment.Blob
}

// Service implements the marker operations.
type Service struct {
	store       storage.RecordStore
	engine      *reconcile.Engine
	attachments *attachment.Manager
	auth        Auth
	now         func() time.Time
	logger      *slog.Logger
}

var _ edit.Committer = (*Service)(nil)

// Dependencies holds the collaborators of a Service.
type Dependencies struct {
	Store       storage.RecordStore
	Engine      *reconcile.Engine
	Attachments *attachment.Manager
	Auth        Auth
	Now         func() time.Time
	Logger      *slog.Logger
}

// New creates a Service.
func New(deps Dependencies) *Service {
	s := &Service{
		store:       deps.Store,
		engine:      deps.Engine,
		attachments: deps.Attachments,
		auth:        deps.Auth,
		now:         deps.Now,
		logger:      deps.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Add creates a marker owned by the current viewer.
func (s *Service) Add(ctx context.Context, in AddInput) (core.Record, error) {
	viewer := s.auth.Current()
	if in.Visibility == "" {
		in.Visibility = core.Private
	}
	rec := core.Record{
		ID:         core.NewRecordID(),
		OwnerID:    viewer.ID,
		Position:   in.Position,
		Label:      in.Label,
		Notes:      in.Notes,
		Visibility: in.Visibility,
	}
	if err := rec.Validate(); err != nil {
		return core.Record{}, err
	}
	if in.Attachment != nil {
		if err := s.attachments.Validate(*in.Attachment); err != nil {
			return core.Record{}, err
		}
	}
	if err := s.auth.Check(s.now()); err != nil {
		return core.Record{}, err
	}

	var inserted core.Record
	insert := func(ctx context.Context, r core.Record) error {
		var err error
		inserted, err = s.store.Insert(ctx, r)
		return core.Transport("insert record", err)
	}

	if in.Attachment != nil {
		_, err := s.attachments.Attach(ctx, viewer.ID, *in.Attachment, nil, func(ctx context.Context, ref core.AttachmentRef) error {
			r := rec.Clone()
			r.Attachment = &ref
			return insert(ctx, r)
		})
		if err != nil {
			return core.Record{}, err
		}
	} else if err := insert(ctx, rec); err != nil {
		return core.Record{}, err
	}

	s.engine.ApplyLocalMutation(inserted)
	s.logger.Info("Marker added", "recordId", inserted.ID, "owner", inserted.OwnerID)
	return inserted, nil
}

// Delete removes a marker and then releases its attachment.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.auth.Check(s.now()); err != nil {
		return err
	}
	current, known, err := s.current(ctx, id)
	if err != nil {
		return err
	}
	if known && !s.auth.Current().Owns(current) {
		return fmt.Errorf("delete %s: %w", id, core.ErrForbidden)
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return core.Transport("delete record", err)
	}
	s.engine.ApplyLocalDelete(id)

	if known && current.Attachment != nil {
		s.attachments.Detach(ctx, *current.Attachment)
	}
	s.logger.Info("Marker deleted", "recordId", id)
	return nil
}

// SetVisibility toggles a marker between private and public.
func (s *Service) SetVisibility(ctx context.Context, id string, vis core.Visibility) (core.Record, error) {
	return s.update(ctx, id, core.Patch{Visibility: &vis})
}

// CommitPosition persists a confirmed position.
func (s *Service) CommitPosition(ctx context.Context, id string, pos core.Position) (core.Record, error) {
	return s.update(ctx, id, core.Patch{Position: &pos})
}

// CommitFields persists a saved edit session. A new attachment is uploaded
// and linked by the record update; the replaced or removed blob is released
// only once the update committed.
func (s *Service) CommitFields(ctx context.Context, id string, ch edit.Changes) (core.Record, error) {
	patch := core.Patch{
		Position:   ch.Position,
		Label:      ch.Fields.Label,
		Notes:      ch.Fields.Notes,
		Visibility: ch.Fields.Visibility,
	}
	if err := patch.Validate(); err != nil {
		return core.Record{}, err
	}

	switch {
	case ch.Attachment.Set != nil:
		blob := *ch.Attachment.Set
		if err := s.attachments.Validate(blob); err != nil {
			return core.Record{}, err
		}
		current, err := s.authorize(ctx, id)
		if err != nil {
			return core.Record{}, err
		}
		var updated core.Record
		_, err = s.attachments.Attach(ctx, current.OwnerID, blob, current.Attachment, func(ctx context.Context, ref core.AttachmentRef) error {
			var err error
			updated, err = s.store.Update(ctx, id, patch.WithAttachment(&ref))
			if err != nil {
				return core.Transport("update record", err)
			}
			// The replica must stop pointing at the previous blob before
			// Attach releases it.
			s.engine.ApplyLocalMutation(updated)
			return nil
		})
		if err != nil {
			return core.Record{}, err
		}
		return updated, nil

	case ch.Attachment.Remove:
		current, err := s.authorize(ctx, id)
		if err != nil {
			return core.Record{}, err
		}
		updated, err := s.commit(ctx, id, patch.WithAttachment(nil))
		if err != nil {
			return core.Record{}, err
		}
		if current.Attachment != nil {
			s.attachments.Detach(ctx, *current.Attachment)
		}
		return updated, nil

	default:
		return s.update(ctx, id, patch)
	}
}

// Get returns a marker from the replica if the viewer may see it.
func (s *Service) Get(id string) (core.Record, bool) {
	rec, ok := s.engine.Reader().Get(id)
	if !ok || !s.engine.Viewer().CanSee(rec) {
		return core.Record{}, false
	}
	return rec, true
}

// Query returns the viewer's visible set, newest first.
func (s *Service) Query() []core.Record {
	return s.engine.Reader().Query(s.engine.Viewer())
}

// Search filters the visible set by keyword over label and notes.
func (s *Service) Search(keyword string) []core.Record {
	return s.engine.Reader().Search(s.engine.Viewer(), keyword)
}

// Within returns the visible markers inside a map viewport.
func (s *Service) Within(v geo.Viewport) []core.Record {
	return s.engine.Reader().Within(s.engine.Viewer(), v)
}

// Reader exposes the replica read-only.
func (s *Service) Reader() replica.Reader {
	return s.engine.Reader()
}

func (s *Service) update(ctx context.Context, id string, patch core.Patch) (core.Record, error) {
	if err := patch.Validate(); err != nil {
		return core.Record{}, err
	}
	if patch.Empty() {
		return core.Record{}, core.Validation("patch", "nothing to change")
	}
	if _, err := s.authorize(ctx, id); err != nil {
		return core.Record{}, err
	}
	return s.commit(ctx, id, patch)
}

func (s *Service) commit(ctx context.Context, id string, patch core.Patch) (core.Record, error) {
	updated, err := s.store.Update(ctx, id, patch)
	if err != nil {
		return core.Record{}, core.Transport("update record", err)
	}
	s.engine.ApplyLocalMutation(updated)
	return updated, nil
}

// authorize checks the session and ownership and returns the current copy.
func (s *Service) authorize(ctx context.Context, id string) (core.Record, error) {
	if err := s.auth.Check(s.now()); err != nil {
		return core.Record{}, err
	}
	current, known, err := s.current(ctx, id)
	if err != nil {
		return core.Record{}, err
	}
	if !known {
		return core.Record{}, fmt.Errorf("record %s: %w", id, core.ErrNotFound)
	}
	if !s.auth.Current().Owns(current) {
		return core.Record{}, fmt.Errorf("update %s: %w", id, core.ErrForbidden)
	}
	return current, nil
}

// current prefers the replica copy and falls back to the store.
func (s *Service) current(ctx context.Context, id string) (core.Record, bool, error) {
	if rec, ok := s.engine.Reader().Get(id); ok {
		return rec, true, nil
	}
	rec, err := s.store.Get(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return core.Record{}, false, nil
	}
	if err != nil {
		return core.Record{}, false, core.Transport("get record", err)
	}
	return rec, true, nil
}
