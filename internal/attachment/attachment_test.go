package attachment

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/markersync/markersync/internal/blob/memory"
	"github.com/markersync/markersync/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jpeg() Blob {
	return Blob{Data: []byte{0xff, 0xd8, 0xff}, ContentType: "image/jpeg", Name: "photo.jpg"}
}

func newManager(store *memory.Store) *Manager {
	clock := func() time.Time { return time.UnixMilli(1700000000000) }
	return New(store, WithClock(clock), WithMaxSize(1024))
}

func okLink(got *core.AttachmentRef) LinkFunc {
	return func(ctx context.Context, ref core.AttachmentRef) error {
		*got = ref
		return nil
	}
}

func TestAttach_UploadsThenLinks(t *testing.T) {
	store := memory.New("http://cdn", "marker-images")
	m := newManager(store)

	var linked core.AttachmentRef
	ref, err := m.Attach(context.Background(), "u1", jpeg(), nil, okLink(&linked))
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^u1/1700000000000-[0-9a-f-]{36}\.jpg$`), ref.Path)
	assert.Equal(t, "http://cdn/marker-images/"+ref.Path, ref.URL)
	assert.Equal(t, ref, linked)
	assert.True(t, store.Has(ref.Path))
}

func TestAttach_LinkFailureRollsBack(t *testing.T) {
	store := memory.New("http://cdn", "b")
	m := newManager(store)

	linkErr := core.Transport("update record", errors.New("timeout"))
	_, err := m.Attach(context.Background(), "u1", jpeg(), nil, func(ctx context.Context, ref core.AttachmentRef) error {
		require.True(t, store.Has(ref.Path), "blob uploaded before link")
		return linkErr
	})

	assert.ErrorIs(t, err, core.ErrTransport)
	assert.Empty(t, store.Paths(), "fresh blob deleted on link failure")
}

func TestAttach_LinkFailureKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	store := memory.New("http://cdn", "b")
	require.NoError(t, store.Put(ctx, "u1/old.jpg", []byte("old"), "image/jpeg"))
	m := newManager(store)

	prev := &core.AttachmentRef{Path: "u1/old.jpg"}
	_, err := m.Attach(ctx, "u1", jpeg(), prev, func(context.Context, core.AttachmentRef) error {
		return core.ErrAuthExpired
	})

	assert.ErrorIs(t, err, core.ErrAuthExpired)
	assert.Equal(t, []string{"u1/old.jpg"}, store.Paths())
}

func TestAttach_ReleasesPreviousAfterLink(t *testing.T) {
	ctx := context.Background()
	store := memory.New("http://cdn", "b")
	require.NoError(t, store.Put(ctx, "u1/old.jpg", []byte("old"), "image/jpeg"))
	m := newManager(store)

	var linked core.AttachmentRef
	ref, err := m.Attach(ctx, "u1", jpeg(), &core.AttachmentRef{Path: "u1/old.jpg"}, func(ctx context.Context, r core.AttachmentRef) error {
		assert.True(t, store.Has("u1/old.jpg"), "previous kept until link succeeds")
		linked = r
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{ref.Path}, store.Paths())
	assert.Equal(t, ref, linked)
}

func TestAttach_PreviousReleaseFailureIsNotPropagated(t *testing.T) {
	ctx := context.Background()
	store := memory.New("http://cdn", "b")
	require.NoError(t, store.Put(ctx, "u1/old.jpg", []byte("old"), "image/jpeg"))
	m := newManager(store)

	ref, err := m.Attach(ctx, "u1", jpeg(), &core.AttachmentRef{Path: "u1/old.jpg"}, func(context.Context, core.AttachmentRef) error {
		store.SetFailures(nil, errors.New("blob store down"))
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ref.Path)
	assert.True(t, store.Has("u1/old.jpg"), "old blob leaks, the reference does not dangle")
}

func TestAttach_UploadFailure(t *testing.T) {
	store := memory.New("http://cdn", "b")
	store.SetFailures(errors.New("connection refused"), nil)
	m := newManager(store)

	linked := false
	_, err := m.Attach(context.Background(), "u1", jpeg(), nil, func(context.Context, core.AttachmentRef) error {
		linked = true
		return nil
	})
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.False(t, linked, "link never runs without an uploaded blob")
}

func TestAttach_Validation(t *testing.T) {
	store := memory.New("http://cdn", "b")
	m := newManager(store)

	tests := []struct {
		name string
		blob Blob
	}{
		{name: "empty", blob: Blob{ContentType: "image/png"}},
		{name: "too large", blob: Blob{Data: make([]byte, 2048), ContentType: "image/png"}},
		{name: "not an image", blob: Blob{Data: []byte("x"), ContentType: "text/plain"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Attach(context.Background(), "u1", tt.blob, nil, func(context.Context, core.AttachmentRef) error { return nil })
			assert.ErrorIs(t, err, core.ErrValidation)
			assert.Empty(t, store.Paths())
		})
	}
}

func TestAttach_InvalidScope(t *testing.T) {
	m := newManager(memory.New("http://cdn", "b"))
	_, err := m.Attach(context.Background(), "../etc", jpeg(), nil, func(context.Context, core.AttachmentRef) error { return nil })
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestNewPath_Extension(t *testing.T) {
	m := newManager(memory.New("", ""))

	p, err := m.newPath("u1", Blob{ContentType: "image/png"})
	require.NoError(t, err)
	assert.Regexp(t, `\.png$`, p)

	p, err = m.newPath("u1", Blob{ContentType: "image/heic", Name: "IMG_1.HEIC"})
	require.NoError(t, err)
	assert.Regexp(t, `\.heic$`, p)

	p, err = m.newPath("", Blob{ContentType: "image/x-unknown"})
	require.NoError(t, err)
	assert.Regexp(t, `^anonymous/.*\.jpg$`, p)
}

func TestDetach(t *testing.T) {
	ctx := context.Background()
	store := memory.New("http://cdn", "b")
	require.NoError(t, store.Put(ctx, "u1/a.jpg", []byte("a"), "image/jpeg"))
	m := newManager(store)

	m.Detach(ctx, core.AttachmentRef{Path: "u1/a.jpg"})
	m.Detach(ctx, core.AttachmentRef{Path: "u1/a.jpg"})
	m.Detach(ctx, core.AttachmentRef{})
	assert.Empty(t, store.Paths())

	store.SetFailures(nil, errors.New("down"))
	m.Detach(ctx, core.AttachmentRef{Path: "u1/b.jpg"})
}
