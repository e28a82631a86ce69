// Package storagetest holds the behaviour every storage.RecordStore shares,
// run against each backend from its own tests.
package storagetest

import (
	"context"
	"sync"
	"testing"

	"github.com/markersync/markersync/internal/storage"
	"github.com/markersync/markersync/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory opens a fresh, empty store publishing to pub.
type Factory func(t *testing.T, pub storage.Publisher) storage.RecordStore

// Recorder is a Publisher that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []core.Event
}

// Publish records ev.
func (r *Recorder) Publish(ev core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Event(nil), r.events...)
}

// Marker builds a valid record for tests.
func Marker(id, owner string, vis core.Visibility) core.Record {
	return core.Record{
		ID:         id,
		OwnerID:    owner,
		Position:   core.Position{Lat: 11.95, Lng: 108.45},
		Label:      "label " + id,
		Notes:      "notes " + id,
		Visibility: vis,
	}
}

// Run exercises the RecordStore contract.
func Run(t *testing.T, open Factory) {
	ctx := context.Background()

	t.Run("insert assigns timestamps and publishes", func(t *testing.T) {
		rec := &Recorder{}
		s := open(t, rec)

		got, err := s.Insert(ctx, Marker("a", "u1", core.Private))
		require.NoError(t, err)
		assert.Equal(t, "a", got.ID)
		assert.False(t, got.CreatedAt.IsZero())
		assert.True(t, got.UpdatedAt.Equal(got.CreatedAt))

		events := rec.Events()
		require.Len(t, events, 1)
		assert.Equal(t, core.Insert, events[0].Kind)
		assert.Equal(t, "a", events[0].RecordID())
	})

	t.Run("insert rejects invalid records", func(t *testing.T) {
		rec := &Recorder{}
		s := open(t, rec)

		bad := Marker("a", "u1", core.Private)
		bad.Position.Lat = 120
		_, err := s.Insert(ctx, bad)
		assert.ErrorIs(t, err, core.ErrValidation)
		assert.Empty(t, rec.Events())
	})

	t.Run("insert of duplicate id fails", func(t *testing.T) {
		s := open(t, nil)
		_, err := s.Insert(ctx, Marker("a", "u1", core.Private))
		require.NoError(t, err)

		_, err = s.Insert(ctx, Marker("a", "u2", core.Public))
		assert.Error(t, err)
	})

	t.Run("get", func(t *testing.T) {
		s := open(t, nil)
		inserted, err := s.Insert(ctx, Marker("a", "u1", core.Private))
		require.NoError(t, err)

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, inserted.Label, got.Label)
		assert.True(t, inserted.CreatedAt.Equal(got.CreatedAt))

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("query applies predicate newest first", func(t *testing.T) {
		s := open(t, nil)
		for _, r := range []core.Record{
			Marker("own", "u1", core.Private),
			Marker("hidden", "u2", core.Private),
			Marker("shared", "u2", core.Public),
		} {
			_, err := s.Insert(ctx, r)
			require.NoError(t, err)
		}

		got, err := s.Query(ctx, core.PredicateFor(core.Viewer{ID: "u1"}))
		require.NoError(t, err)
		assert.Equal(t, []string{"shared", "own"}, ids(got))

		got, err = s.Query(ctx, core.PredicateFor(core.Anonymous()))
		require.NoError(t, err)
		assert.Equal(t, []string{"shared"}, ids(got))

		got, err = s.Query(ctx, core.PredicateFor(core.Viewer{ID: "root", Admin: true}))
		require.NoError(t, err)
		assert.Equal(t, []string{"shared", "hidden", "own"}, ids(got))
	})

	t.Run("update bumps version and publishes before and after", func(t *testing.T) {
		rec := &Recorder{}
		s := open(t, rec)
		inserted, err := s.Insert(ctx, Marker("a", "u1", core.Private))
		require.NoError(t, err)

		vis := core.Public
		label := "renamed"
		updated, err := s.Update(ctx, "a", core.Patch{Visibility: &vis, Label: &label})
		require.NoError(t, err)
		assert.Equal(t, core.Public, updated.Visibility)
		assert.Equal(t, "renamed", updated.Label)
		assert.Equal(t, inserted.Notes, updated.Notes)
		assert.True(t, updated.UpdatedAt.After(inserted.UpdatedAt))
		assert.True(t, updated.CreatedAt.Equal(inserted.CreatedAt))

		events := rec.Events()
		require.Len(t, events, 2)
		assert.Equal(t, core.Update, events[1].Kind)
		require.NotNil(t, events[1].Before)
		assert.Equal(t, core.Private, events[1].Before.Visibility)
		assert.Equal(t, core.Public, events[1].After.Visibility)
	})

	t.Run("update sets and clears attachment", func(t *testing.T) {
		s := open(t, nil)
		_, err := s.Insert(ctx, Marker("a", "u1", core.Private))
		require.NoError(t, err)

		ref := &core.AttachmentRef{Path: "u1/x.jpg", URL: "http://blobs/u1/x.jpg"}
		got, err := s.Update(ctx, "a", core.Patch{}.WithAttachment(ref))
		require.NoError(t, err)
		require.NotNil(t, got.Attachment)
		assert.Equal(t, *ref, *got.Attachment)

		stored, err := s.Get(ctx, "a")
		require.NoError(t, err)
		require.NotNil(t, stored.Attachment)
		assert.Equal(t, "u1/x.jpg", stored.Attachment.Path)

		got, err = s.Update(ctx, "a", core.Patch{}.WithAttachment(nil))
		require.NoError(t, err)
		assert.Nil(t, got.Attachment)
	})

	t.Run("update of missing id is not found", func(t *testing.T) {
		rec := &Recorder{}
		s := open(t, rec)

		label := "x"
		_, err := s.Update(ctx, "missing", core.Patch{Label: &label})
		assert.ErrorIs(t, err, core.ErrNotFound)
		assert.Empty(t, rec.Events())
	})

	t.Run("update rejects invalid patch", func(t *testing.T) {
		s := open(t, nil)
		_, err := s.Insert(ctx, Marker("a", "u1", core.Private))
		require.NoError(t, err)

		empty := " "
		_, err = s.Update(ctx, "a", core.Patch{Label: &empty})
		assert.ErrorIs(t, err, core.ErrValidation)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		rec := &Recorder{}
		s := open(t, rec)
		_, err := s.Insert(ctx, Marker("a", "u1", core.Private))
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, "a"))
		require.NoError(t, s.Delete(ctx, "a"))
		require.NoError(t, s.Delete(ctx, "never-existed"))

		_, err = s.Get(ctx, "a")
		assert.ErrorIs(t, err, core.ErrNotFound)

		events := rec.Events()
		require.Len(t, events, 2, "one insert and a single delete")
		assert.Equal(t, core.Delete, events[1].Kind)
		assert.Equal(t, "a", events[1].Before.ID)
	})
}

func ids(recs []core.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
