package edit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/markersync/markersync/internal/attachment"
	"github.com/markersync/markersync/internal/replica"
	"github.com/markersync/markersync/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	p0 = core.Position{Lat: 11.95, Lng: 108.45}
	p1 = core.Position{Lat: 12.00, Lng: 108.50}
	p2 = core.Position{Lat: 12.10, Lng: 108.60}
)

type view struct {
	mu        sync.Mutex
	draggable map[string]bool
	positions map[string]core.Position
}

func newView() *view {
	return &view{draggable: map[string]bool{}, positions: map[string]core.Position{}}
}

func (v *view) SetDraggable(id string, on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.draggable[id] = on
}

func (v *view) MoveTo(id string, pos core.Position) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions[id] = pos
}

func (v *view) state(id string) (bool, core.Position) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.draggable[id], v.positions[id]
}

type committer struct {
	mu        sync.Mutex
	rep       *replica.Replica
	err       error
	gate      chan struct{}
	entered   chan struct{}
	positions []core.Position
	changes   []Changes
}

func (c *committer) wait() {
	if c.entered != nil {
		close(c.entered)
	}
	if c.gate != nil {
		<-c.gate
	}
}

func (c *committer) CommitPosition(ctx context.Context, id string, pos core.Position) (core.Record, error) {
	c.wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return core.Record{}, c.err
	}
	c.positions = append(c.positions, pos)
	rec, _ := c.rep.Get(id)
	rec.Position = pos
	rec.UpdatedAt = rec.UpdatedAt.Add(time.Second)
	c.rep.Upsert(rec)
	return rec, nil
}

func (c *committer) CommitFields(ctx context.Context, id string, ch Changes) (core.Record, error) {
	c.wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return core.Record{}, c.err
	}
	c.changes = append(c.changes, ch)
	rec, _ := c.rep.Get(id)
	rec = core.Patch{Position: ch.Position, Label: ch.Fields.Label, Notes: ch.Fields.Notes, Visibility: ch.Fields.Visibility}.Apply(rec)
	c.rep.Upsert(rec)
	return rec, nil
}

func setup(t *testing.T) (*Stager, *replica.Replica, *view, *committer) {
	t.Helper()
	rep := replica.New()
	rep.Upsert(core.Record{
		ID: "a", OwnerID: "u1", Position: p0, Label: "A", Notes: "n", Visibility: core.Private,
		CreatedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	v := newView()
	c := &committer{rep: rep}
	return NewStager(rep, v, c, nil), rep, v, c
}

func ptr[T any](v T) *T { return &v }

func TestBegin(t *testing.T) {
	s, _, v, _ := setup(t)

	snap, err := s.Begin("a")
	require.NoError(t, err)
	assert.Equal(t, Editing, snap.State)
	assert.Equal(t, p0, snap.Original)
	assert.Equal(t, "A", snap.Working.Label)
	assert.Equal(t, core.Private, snap.Working.Visibility)
	assert.False(t, snap.Dirty)

	drag, _ := v.state("a")
	assert.True(t, drag)

	_, err = s.Begin("a")
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestBegin_UnknownRecord(t *testing.T) {
	s, _, _, _ := setup(t)
	_, err := s.Begin("missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, Idle, s.Snapshot().State)
}

func TestDragCycle(t *testing.T) {
	s, _, _, _ := setup(t)
	_, err := s.Begin("a")
	require.NoError(t, err)

	assert.ErrorIs(t, func() error { _, err := s.DragEnd(p1); return err }(), ErrInvalidTransition)

	require.NoError(t, s.DragStart())
	snap, err := s.DragEnd(p1)
	require.NoError(t, err)
	assert.Equal(t, PositionStaged, snap.State)
	require.NotNil(t, snap.Staged)
	assert.Equal(t, p1, *snap.Staged)

	// Staged ⇄ Dragging
	require.NoError(t, s.DragStart())
	snap, err = s.DragEnd(p2)
	require.NoError(t, err)
	assert.Equal(t, p2, *snap.Staged)

	// Dropping on the original unstages.
	require.NoError(t, s.DragStart())
	snap, err = s.DragEnd(p0)
	require.NoError(t, err)
	assert.Equal(t, Editing, snap.State)
	assert.Nil(t, snap.Staged)
}

func TestDragEnd_InvalidPosition(t *testing.T) {
	s, _, v, _ := setup(t)
	_, err := s.Begin("a")
	require.NoError(t, err)
	require.NoError(t, s.DragStart())

	snap, err := s.DragEnd(core.Position{Lat: 95, Lng: 0})
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.Equal(t, Editing, snap.State)
	_, pos := v.state("a")
	assert.Equal(t, p0, pos)
}

func TestAbortDrag_KeepsStagedPosition(t *testing.T) {
	s, _, v, _ := setup(t)
	_, err := s.Begin("a")
	require.NoError(t, err)

	_, err = s.AbortDrag()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, s.DragStart())
	_, err = s.DragEnd(p1)
	require.NoError(t, err)

	require.NoError(t, s.DragStart())
	snap, err := s.AbortDrag()
	require.NoError(t, err)
	assert.Equal(t, PositionStaged, snap.State)
	assert.Equal(t, p1, *snap.Staged)
	_, pos := v.state("a")
	assert.Equal(t, p1, pos)
}

func TestConfirmPosition_StaysEditing(t *testing.T) {
	s, rep, v, c := setup(t)
	_, err := s.Begin("a")
	require.NoError(t, err)
	require.NoError(t, s.DragStart())
	_, err = s.DragEnd(p1)
	require.NoError(t, err)
	_, err = s.SetFields(FieldEdits{Label: ptr("renamed")})
	require.NoError(t, err)

	rec, err := s.ConfirmPosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, p1, rec.Position)
	assert.Equal(t, []core.Position{p1}, c.positions)

	snap := s.Snapshot()
	assert.Equal(t, Editing, snap.State)
	assert.Equal(t, p1, snap.Original)
	assert.Equal(t, "renamed", snap.Working.Label, "field edits survive a position confirm")

	stored, _ := rep.Get("a")
	assert.Equal(t, "A", stored.Label, "confirm commits the position only")

	drag, _ := v.state("a")
	assert.True(t, drag)
}

func TestConfirmPosition_Failure(t *testing.T) {
	s, _, _, c := setup(t)
	c.err = core.Transport("update", errors.New("timeout"))
	_, err := s.Begin("a")
	require.NoError(t, err)
	require.NoError(t, s.DragStart())
	_, err = s.DragEnd(p1)
	require.NoError(t, err)

	_, err = s.ConfirmPosition(context.Background())
	assert.ErrorIs(t, err, core.ErrTransport)

	snap := s.Snapshot()
	assert.Equal(t, PositionStaged, snap.State)
	assert.Equal(t, p1, *snap.Staged)
}

func TestSave_CommitsAndCloses(t *testing.T) {
	s, rep, v, c := setup(t)
	_, err := s.Begin("a")
	require.NoError(t, err)
	_, err = s.SetFields(FieldEdits{Label: ptr("B"), Visibility: ptr(core.Public)})
	require.NoError(t, err)
	require.NoError(t, s.SetAttachment(attachment.Blob{Data: []byte{1}, ContentType: "image/png"}))

	rec, err := s.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "B", rec.Label)
	assert.Equal(t, core.Public, rec.Visibility)

	require.Len(t, c.changes, 1)
	assert.NotNil(t, c.changes[0].Attachment.Set)
	assert.Nil(t, c.changes[0].Fields.Notes)
	assert.Nil(t, c.changes[0].Position)

	assert.Equal(t, Idle, s.Snapshot().State)
	drag, _ := v.state("a")
	assert.False(t, drag)

	stored, _ := rep.Get("a")
	assert.Equal(t, "B", stored.Label)
}

func TestSave_IncludesStagedPosition(t *testing.T) {
	s, _, v, c := setup(t)
	_, err := s.Begin("a")
	require.NoError(t, err)
	require.NoError(t, s.DragStart())
	_, err = s.DragEnd(p2)
	require.NoError(t, err)

	rec, err := s.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, p2, rec.Position)
	require.Len(t, c.changes, 1)
	assert.Equal(t, p2, *c.changes[0].Position)
	_, pos := v.state("a")
	assert.Equal(t, p2, pos)
}

func TestSave_NothingToCommit(t *testing.T) {
	s, _, _, c := setup(t)
	_, err := s.Begin("a")
	require.NoError(t, err)

	_, err = s.Save(context.Background())
	require.NoError(t, err)
	assert.Empty(t, c.changes)
	assert.Equal(t, Idle, s.Snapshot().State)
}

func TestSave_NotWhileDragging(t *testing.T) {
	s, _, _, _ := setup(t)
	_, err := s.Begin("a")
	require.NoError(t, err)
	require.NoError(t, s.DragStart())

	_, err = s.Save(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSetFields_Validation(t *testing.T) {
	s, _, _, _ := setup(t)
	_, err := s.Begin("a")
	require.NoError(t, err)

	_, err = s.SetFields(FieldEdits{Label: ptr("   ")})
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.False(t, s.Snapshot().Dirty)
}

func TestRemoveAttachment(t *testing.T) {
	s, rep, _, c := setup(t)
	rec, _ := rep.Get("a")
	rec.Attachment = &core.AttachmentRef{Path: "u1/a.jpg"}
	rep.Upsert(rec)

	_, err := s.Begin("a")
	require.NoError(t, err)
	require.NoError(t, s.RemoveAttachment())
	assert.Nil(t, s.Snapshot().Working.Attachment)

	_, err = s.Save(context.Background())
	require.NoError(t, err)
	require.Len(t, c.changes, 1)
	assert.True(t, c.changes[0].Attachment.Remove)
}

func TestCancel_RevertsView(t *testing.T) {
	s, _, v, c := setup(t)
	_, err := s.Begin("a")
	require.NoError(t, err)
	require.NoError(t, s.DragStart())
	v.MoveTo("a", p1)
	_, err = s.DragEnd(p1)
	require.NoError(t, err)
	_, err = s.SetFields(FieldEdits{Notes: ptr("changed")})
	require.NoError(t, err)

	require.NoError(t, s.Cancel())

	drag, pos := v.state("a")
	assert.False(t, drag)
	assert.Equal(t, p0, pos)
	assert.Equal(t, Idle, s.Snapshot().State)
	assert.Empty(t, c.positions)
	assert.Empty(t, c.changes)

	assert.ErrorIs(t, s.Cancel(), ErrNoSession)
}

func TestFeedUpdateDoesNotTouchSession(t *testing.T) {
	s, rep, v, _ := setup(t)
	_, err := s.Begin("a")
	require.NoError(t, err)
	require.NoError(t, s.DragStart())
	_, err = s.DragEnd(p1)
	require.NoError(t, err)

	// An unrelated update for the same record lands in the replica.
	rec, _ := rep.Get("a")
	rec.Label = "changed elsewhere"
	rec.UpdatedAt = rec.UpdatedAt.Add(time.Minute)
	rep.Upsert(rec)

	snap := s.Snapshot()
	require.NotNil(t, snap.Staged)
	assert.Equal(t, p1, *snap.Staged)
	assert.Equal(t, "A", snap.Working.Label)

	require.NoError(t, s.Cancel())
	_, pos := v.state("a")
	assert.Equal(t, p0, pos)
}

func TestCancelDuringInFlightConfirm(t *testing.T) {
	s, _, v, c := setup(t)
	gate := make(chan struct{})
	c.gate = gate
	c.entered = make(chan struct{})

	_, err := s.Begin("a")
	require.NoError(t, err)
	require.NoError(t, s.DragStart())
	_, err = s.DragEnd(p1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.ConfirmPosition(context.Background())
		done <- err
	}()
	<-c.entered

	assert.ErrorIs(t, s.DragStart(), ErrInvalidTransition, "no transitions while committing")
	assert.True(t, s.Snapshot().Committing)

	require.NoError(t, s.Cancel())
	drag, pos := v.state("a")
	assert.False(t, drag)
	assert.Equal(t, p0, pos)

	// A new session starts before the old commit completes.
	snap, err := s.Begin("a")
	require.NoError(t, err)

	close(gate)
	require.NoError(t, <-done)

	after := s.Snapshot()
	assert.Equal(t, snap.Generation, after.Generation)
	assert.Equal(t, Editing, after.State)
	assert.Nil(t, after.Staged, "completion does not resurrect the cancelled staging")
	_, pos = v.state("a")
	assert.Equal(t, p0, pos)
}
