package gormstorage

import (
	"context"
	"testing"

	"github.com/markersync/markersync/internal/database"
	"github.com/markersync/markersync/internal/model"
	"github.com/markersync/markersync/internal/storage"
	"github.com/markersync/markersync/internal/storage/storagetest"
	"github.com/markersync/markersync/pkg/core"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.NewManager(zerolog.Nop()).OpenSqlite("")
	require.NoError(t, err)
	return db
}

func newTestBackend(t *testing.T, pub storage.Publisher) *Backend {
	t.Helper()
	b := New(Dependencies{DB: newTestDB(t), Publisher: pub})
	require.NoError(t, b.Init())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, pub storage.Publisher) storage.RecordStore {
		return newTestBackend(t, pub)
	})
}

func TestNew(t *testing.T) {
	b := New(Dependencies{})
	require.NotNil(t, b)
	assert.NotNil(t, b.deps.Publisher)
	assert.NotNil(t, b.deps.Logger)
}

func TestInit_NoDB(t *testing.T) {
	assert.Error(t, New(Dependencies{}).Init())
}

func TestInit_ResumesClock(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	first := New(Dependencies{DB: db})
	require.NoError(t, first.Init())
	inserted, err := first.Insert(ctx, storagetest.Marker("a", "u1", core.Private))
	require.NoError(t, err)

	second := New(Dependencies{DB: db})
	require.NoError(t, second.Init())
	label := "b"
	updated, err := second.Update(ctx, "a", core.Patch{Label: &label})
	require.NoError(t, err)
	assert.True(t, updated.UpdatedAt.After(inserted.UpdatedAt))
}

func TestQuery_EmptyPredicate(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, nil)
	_, err := b.Insert(ctx, storagetest.Marker("a", "u1", core.Public))
	require.NoError(t, err)

	got, err := b.Query(ctx, core.Predicate{})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = b.Query(ctx, core.Predicate{OwnerID: "u1"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRoundTrip_PreservesFields(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, nil)

	rec := storagetest.Marker("a", "u1", core.Public)
	rec.Notes = "Bánh mì stall, open 6–10am"
	rec.Attachment = &core.AttachmentRef{Path: "u1/1.jpg", URL: "http://blobs/marker-images/u1/1.jpg"}
	inserted, err := b.Insert(ctx, rec)
	require.NoError(t, err)

	got, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, inserted.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, inserted.UpdatedAt.Equal(got.UpdatedAt))
	got.CreatedAt, got.UpdatedAt = inserted.CreatedAt, inserted.UpdatedAt
	assert.Equal(t, inserted, got)
}

func TestCount(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, nil)

	n, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = b.Insert(ctx, storagetest.Marker("a", "u1", core.Public))
	require.NoError(t, err)
	n, err = b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDelete_UnreadableRowStillPublishes(t *testing.T) {
	ctx := context.Background()
	rec := &storagetest.Recorder{}
	b := newTestBackend(t, rec)

	require.NoError(t, b.DB().Create(&model.Marker{ID: "broken", OwnerID: "u1", Visibility: "public", Attachment: []byte("{")}).Error)
	require.NoError(t, b.Delete(ctx, "broken"))

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "broken", events[0].RecordID())
	assert.Equal(t, "u1", events[0].Before.OwnerID)
}

func TestCancelledContext(t *testing.T) {
	b := newTestBackend(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Query(ctx, core.Predicate{All: true})
	require.Error(t, err)
	assert.True(t, core.IsTransient(err))
}
