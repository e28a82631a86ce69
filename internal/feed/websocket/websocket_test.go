package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/markersync/markersync/internal/feed"
	"github.com/markersync/markersync/internal/feed/hub"
	"github.com/markersync/markersync/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Compile-time interface checks.
var (
	_ feed.Stream  = (*connection)(nil)
	_ http.Handler = (*Handler)(nil)
)

// headerAuth trusts a plain viewer id in the Authorization header.
func headerAuth(r *http.Request) (core.Viewer, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	switch token {
	case "":
		return core.Anonymous(), nil
	case "expired":
		return core.Viewer{}, errors.New("token expired")
	default:
		return core.Viewer{ID: token}, nil
	}
}

func testServer(t *testing.T) (*httptest.Server, *hub.Hub) {
	t.Helper()
	h := hub.New("markers", 16, nil)
	srv := httptest.NewServer(NewHandler(h, headerAuth, nil))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return srv, h
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func transportFor(srv *httptest.Server, token string) *Transport {
	return New(Config{URL: wsURL(srv), Token: func() string { return token }})
}

func marker(id, owner string, vis core.Visibility) core.Record {
	return core.Record{
		ID:         id,
		OwnerID:    owner,
		Position:   core.Position{Lat: 11.95, Lng: 108.45},
		Label:      id,
		Visibility: vis,
		CreatedAt:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func next(t *testing.T, s feed.Stream) core.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "stream ended: %v", s.Err())
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return core.Event{}
	}
}

func TestOpen_DeliversEvents(t *testing.T) {
	srv, h := testServer(t)

	s, err := transportFor(srv, "u1").Open(context.Background(), "markers", core.PredicateFor(core.Viewer{ID: "u1"}))
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, 1, h.Subscribers(), "hub stream registered before ack")

	h.Publish(core.InsertEvent(marker("a", "u1", core.Private)))
	ev := next(t, s)
	assert.Equal(t, core.Insert, ev.Kind)
	assert.Equal(t, "a", ev.RecordID())
	assert.True(t, ev.After.CreatedAt.Equal(marker("a", "u1", core.Private).CreatedAt))
}

func TestHandler_EnforcesVisibility(t *testing.T) {
	srv, h := testServer(t)

	// The hint asks for everything; the server narrows it to u2's visible set.
	s, err := transportFor(srv, "u2").Open(context.Background(), "markers", core.Predicate{All: true})
	require.NoError(t, err)
	defer s.Close()

	h.Publish(core.InsertEvent(marker("hidden", "u1", core.Private)))
	h.Publish(core.UpdateEvent(marker("p", "u1", core.Public), marker("p", "u1", core.Private)))
	h.Publish(core.InsertEvent(marker("shown", "u1", core.Public)))

	left := next(t, s)
	assert.Equal(t, core.Delete, left.Kind, "record leaving the visible set arrives as a delete")
	assert.Equal(t, "p", left.RecordID())

	shown := next(t, s)
	assert.Equal(t, "shown", shown.RecordID())
}

func TestOpen_Unauthorized(t *testing.T) {
	srv, _ := testServer(t)

	_, err := transportFor(srv, "expired").Open(context.Background(), "markers", core.Predicate{})
	assert.ErrorIs(t, err, core.ErrAuthExpired)
}

func TestOpen_UnknownTopicRefused(t *testing.T) {
	srv, _ := testServer(t)

	_, err := transportFor(srv, "u1").Open(context.Background(), "other", core.Predicate{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.Contains(t, err.Error(), "subscribe refused")
}

func TestOpen_Unreachable(t *testing.T) {
	tr := New(Config{URL: "ws://127.0.0.1:1/feed"})
	_, err := tr.Open(context.Background(), "markers", core.Predicate{})
	assert.ErrorIs(t, err, core.ErrTransport)
}

func TestStreamEndsWhenServerDrops(t *testing.T) {
	srv, h := testServer(t)

	s, err := transportFor(srv, "u1").Open(context.Background(), "markers", core.Predicate{})
	require.NoError(t, err)
	defer s.Close()

	h.Disconnect()

	select {
	case _, ok := <-s.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
	assert.Error(t, s.Err())
}

func TestClose_ReleasesServerStream(t *testing.T) {
	srv, h := testServer(t)

	s, err := transportFor(srv, "u1").Open(context.Background(), "markers", core.Predicate{})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Eventually(t, func() bool { return h.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscriberOverWebSocket(t *testing.T) {
	srv, h := testServer(t)
	sk := &countingSink{}

	sub := feed.NewSubscriber(transportFor(srv, "u1"), sk, feed.Options{
		Topic:          "markers",
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	})
	handle, err := sub.Subscribe(context.Background(), core.Viewer{ID: "u1"})
	require.NoError(t, err)
	defer handle.Close()

	h.Disconnect()
	assert.Eventually(t, func() bool { return handle.Resyncs() == 2 }, 3*time.Second, 10*time.Millisecond)

	h.Publish(core.InsertEvent(marker("a", "u1", core.Private)))
	assert.Eventually(t, func() bool { return sk.applied.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}
