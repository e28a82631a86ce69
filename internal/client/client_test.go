package client

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blobmemory "github.com/markersync/markersync/internal/blob/memory"
	"github.com/markersync/markersync/internal/config"
	"github.com/markersync/markersync/internal/dispatcher"
	"github.com/markersync/markersync/internal/edit"
	"github.com/markersync/markersync/internal/feed/hub"
	"github.com/markersync/markersync/internal/monitor"
	"github.com/markersync/markersync/internal/session"
	"github.com/markersync/markersync/internal/storage"
	"github.com/markersync/markersync/internal/storage/memory"
	"github.com/markersync/markersync/internal/worker"
	"github.com/markersync/markersync/pkg/core"
)

var secret = []byte("client-test")

type env struct {
	hub     *hub.Hub
	muted   *atomic.Bool
	backend *memory.Backend
	session *session.Provider
	client  *Client
}

func newEnv(t *testing.T) *env {
	t.Helper()
	h := hub.New("markers", 64, nil)
	t.Cleanup(h.Close)

	// Commits made while muted never reach the feed.
	muted := &atomic.Bool{}
	backend := memory.New(config.MemoryConfig{}, storage.PublisherFunc(func(ev core.Event) {
		if !muted.Load() {
			h.Publish(ev)
		}
	}))
	require.NoError(t, backend.Init())

	e := &env{hub: h, muted: muted, backend: backend, session: session.NewProvider()}
	c, err := New(Config{
		Store:      backend,
		Blobs:      blobmemory.New("http://localhost:8780/blobs", "marker-images"),
		Transport:  h,
		Session:    e.session,
		MaxBackoff: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	e.client = c
	return e
}

func (e *env) signIn(t *testing.T, v core.Viewer) {
	t.Helper()
	tok, _, err := session.IssueToken(secret, v, time.Hour, time.Now())
	require.NoError(t, err)
	require.NoError(t, e.session.Set(tok))
}

func (e *env) seed(t *testing.T, id, owner string, vis core.Visibility) core.Record {
	t.Helper()
	rec, err := e.backend.Insert(context.Background(), core.Record{
		ID:         id,
		OwnerID:    owner,
		Position:   core.Position{Lat: 11.95, Lng: 108.45},
		Label:      id,
		Visibility: vis,
	})
	require.NoError(t, err)
	return rec
}

func ptr[T any](v T) *T { return &v }

func ids(recs []core.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestStart_ResyncsVisibleSet(t *testing.T) {
	e := newEnv(t)
	e.signIn(t, core.Viewer{ID: "alice"})
	e.seed(t, "a-private", "alice", core.Private)
	e.seed(t, "b-private", "bob", core.Private)
	e.seed(t, "b-public", "bob", core.Public)

	require.NoError(t, e.client.Start(context.Background()))
	require.NoError(t, e.client.Start(context.Background()), "second start is a no-op")

	got := ids(e.client.Reader().Query(core.Viewer{ID: "alice"}))
	assert.ElementsMatch(t, []string{"a-private", "b-public"}, got)

	view := e.client.View().(*View)
	assert.Equal(t, 2, view.Len())
}

func TestFeed_RemoteChangesArrive(t *testing.T) {
	e := newEnv(t)
	e.signIn(t, core.Viewer{ID: "alice"})
	require.NoError(t, e.client.Start(context.Background()))

	e.seed(t, "remote", "bob", core.Public)
	e.seed(t, "hidden", "bob", core.Private)

	assert.Eventually(t, func() bool {
		_, ok := e.client.Reader().Get("remote")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := e.client.Reader().Get("hidden")
	assert.False(t, ok)
}

func TestFeed_ReconnectCatchesUpOnMissedUpdates(t *testing.T) {
	e := newEnv(t)
	alice := core.Viewer{ID: "alice"}
	e.signIn(t, alice)
	e.seed(t, "a1", "alice", core.Private)
	e.seed(t, "b1", "bob", core.Public)
	require.NoError(t, e.client.Start(context.Background()))

	ctx := context.Background()
	resyncs := e.client.Engine().Stats().Resyncs
	e.muted.Store(true)
	_, err := e.backend.Update(ctx, "a1", core.Patch{Label: ptr("a1 renamed")})
	require.NoError(t, err)
	moved := core.Position{Lat: 12.25, Lng: 108.75}
	_, err = e.backend.Update(ctx, "b1", core.Patch{Position: &moved})
	require.NoError(t, err)

	stale, ok := e.client.Reader().Get("a1")
	require.True(t, ok)
	assert.Equal(t, "a1", stale.Label)

	e.muted.Store(false)
	e.hub.Disconnect()

	assert.Eventually(t, func() bool {
		return e.client.Engine().Stats().Resyncs > resyncs
	}, 2*time.Second, 10*time.Millisecond)

	want, err := e.backend.Query(ctx, core.PredicateFor(alice))
	require.NoError(t, err)
	assert.ElementsMatch(t, want, e.client.Reader().Query(alice))

	got, ok := e.client.Reader().Get("b1")
	require.True(t, ok)
	assert.Equal(t, moved, got.Position)
}

func TestSwitchViewer_Resubscribes(t *testing.T) {
	e := newEnv(t)
	e.signIn(t, core.Viewer{ID: "alice"})
	e.seed(t, "a-private", "alice", core.Private)
	e.seed(t, "b-private", "bob", core.Private)
	require.NoError(t, e.client.Start(context.Background()))

	e.signIn(t, core.Viewer{ID: "bob"})

	assert.Equal(t, "bob", e.client.Engine().Viewer().ID)
	got := ids(e.client.Reader().Query(core.Viewer{ID: "bob"}))
	assert.Equal(t, []string{"b-private"}, got)

	e.session.Clear()
	assert.Equal(t, 0, e.client.Reader().Len())
}

func TestSwitchViewer_DropsEditSession(t *testing.T) {
	e := newEnv(t)
	e.signIn(t, core.Viewer{ID: "alice"})
	e.seed(t, "a1", "alice", core.Private)
	require.NoError(t, e.client.Start(context.Background()))

	_, err := e.client.Stager().Begin("a1")
	require.NoError(t, err)

	e.signIn(t, core.Viewer{ID: "bob"})
	assert.Equal(t, edit.Idle, e.client.Stager().Snapshot().State)
}

func TestSwitchViewer_NotStarted(t *testing.T) {
	e := newEnv(t)
	assert.ErrorIs(t, e.client.SwitchViewer(core.Viewer{ID: "bob"}), ErrNotStarted)
}

func TestDispatch_Add(t *testing.T) {
	e := newEnv(t)
	e.signIn(t, core.Viewer{ID: "alice"})
	require.NoError(t, e.client.Start(context.Background()))

	out, err := e.client.Dispatch(context.Background(), dispatcher.Command{
		Action: worker.ActionAdd,
		Args:   []string{"12.5,108.1", "Camp"},
	})
	require.NoError(t, err)
	rec := out.(core.Record)

	got, ok := e.client.Reader().Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, "Camp", got.Label)

	stored, err := e.backend.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.OwnerID)
}

func TestView_KeepsStagedPositionAgainstFeed(t *testing.T) {
	e := newEnv(t)
	e.signIn(t, core.Viewer{ID: "alice"})
	e.seed(t, "a1", "alice", core.Public)
	require.NoError(t, e.client.Start(context.Background()))

	stager := e.client.Stager()
	_, err := stager.Begin("a1")
	require.NoError(t, err)
	require.NoError(t, stager.DragStart())
	view := e.client.View().(*View)
	staged := core.Position{Lat: 12, Lng: 109}
	view.MoveTo("a1", staged) // the pointer drag
	_, err = stager.DragEnd(staged)
	require.NoError(t, err)

	remote := core.Position{Lat: 13, Lng: 110}
	_, err = e.backend.Update(context.Background(), "a1", core.Patch{Position: &remote})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		rec, ok := e.client.Reader().Get("a1")
		return ok && rec.Position == remote
	}, 2*time.Second, 10*time.Millisecond)

	pos, ok := view.Position("a1")
	require.True(t, ok)
	assert.Equal(t, staged, pos)
	assert.Equal(t, "a1", view.Draggable())
}

func TestMonitor_SamplesClient(t *testing.T) {
	e := newEnv(t)
	e.signIn(t, core.Viewer{ID: "alice"})
	e.seed(t, "a1", "alice", core.Private)

	svc := monitor.NewService(e.client.Monitor())
	before := svc.Sample()
	assert.False(t, before.FeedActive)

	require.NoError(t, e.client.Start(context.Background()))
	st := svc.Sample()
	assert.Equal(t, "alice", st.Viewer)
	assert.Equal(t, 1, st.Records)
	assert.True(t, st.FeedActive)
	assert.Equal(t, int64(1), st.FeedResyncs)
}

func TestClose(t *testing.T) {
	e := newEnv(t)
	e.signIn(t, core.Viewer{ID: "alice"})
	require.NoError(t, e.client.Start(context.Background()))

	e.client.Close()
	e.client.Close()
	assert.ErrorIs(t, e.client.Start(context.Background()), ErrNotStarted)

	assert.Eventually(t, func() bool { return e.hub.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}
